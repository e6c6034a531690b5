package ledger

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/andresuchdata/gcsstage/internal/config"
)

const (
	defaultLedgerTTL = 7 * 24 * time.Hour
	dialTimeout      = 5 * time.Second

	// purgeBatch is both the SCAN hint and the number of keys per DEL.
	purgeBatch = 100
)

// dial opens a client for cfg and fails fast if the server does not answer.
func dial(ctx context.Context, cfg config.LedgerConfig) (*redis.Client, error) {
	opts, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return client, nil
}

// redisOptions prefers LEDGER_REDIS_URL and falls back to the discrete
// host, port, password and db settings.
func redisOptions(cfg config.LedgerConfig) (*redis.Options, error) {
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		return opts, nil
	}

	addr := net.JoinHostPort(orDefault(cfg.RedisHost, "127.0.0.1"), orDefault(cfg.RedisPort, "6379"))

	return &redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, nil
}

func entryTTL(cfg config.LedgerConfig) time.Duration {
	if cfg.TTLSeconds > 0 {
		return time.Duration(cfg.TTLSeconds) * time.Second
	}
	return defaultLedgerTTL
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// purge walks every key under prefix with SCAN and deletes them in batches.
func (l *redisLedger) purge(ctx context.Context, prefix string) (int, error) {
	var (
		removed int
		pending = make([]string, 0, purgeBatch)
	)

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		n, err := l.client.Del(ctx, pending...).Result()
		removed += int(n)
		pending = pending[:0]
		if err != nil {
			return fmt.Errorf("redis delete failed: %w", err)
		}
		return nil
	}

	it := l.client.Scan(ctx, 0, prefix+"*", purgeBatch).Iterator()
	for it.Next(ctx) {
		pending = append(pending, it.Val())
		if len(pending) == purgeBatch {
			if err := flush(); err != nil {
				return removed, err
			}
		}
	}
	if err := it.Err(); err != nil {
		return removed, fmt.Errorf("redis scan failed: %w", err)
	}

	return removed, flush()
}
