// Package ledger remembers which staged locations were pushed to which
// bucket, so repeated pushes can be skipped. Entries live in Redis with a TTL.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	storage "google.golang.org/api/storage/v1"

	"github.com/andresuchdata/gcsstage/internal/config"
)

const keyPrefix = "gcsstage:sync"

// Object is the part of an uploaded object worth remembering.
type Object struct {
	Name string `json:"name"`
	Size uint64 `json:"size"`
	MD5  string `json:"md5,omitempty"`
}

// Entry records one completed push.
type Entry struct {
	Bucket   string    `json:"bucket"`
	Location string    `json:"location"`
	Objects  []Object  `json:"objects"`
	SyncedAt time.Time `json:"synced_at"`
}

type Ledger interface {
	Record(ctx context.Context, bucket, location string, objects []*storage.Object) error
	// Lookup returns (nil, nil) when nothing was recorded.
	Lookup(ctx context.Context, bucket, location string) (*Entry, error)
	Forget(ctx context.Context, bucket, location string) error
	// Purge drops every entry of bucket and returns how many were removed.
	Purge(ctx context.Context, bucket string) (int, error)
	Close() error
}

type redisLedger struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

type noopLedger struct{}

// New connects to Redis when the ledger is enabled and returns a no-op
// ledger otherwise.
func New(ctx context.Context, cfg config.LedgerConfig) (Ledger, error) {
	if !cfg.Enabled {
		return &noopLedger{}, nil
	}

	client, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &redisLedger{client: client, ttl: entryTTL(cfg), now: time.Now}, nil
}

func NewNoop() Ledger {
	return &noopLedger{}
}

func (l *redisLedger) Record(ctx context.Context, bucket, location string, objects []*storage.Object) error {
	entry := Entry{
		Bucket:   bucket,
		Location: location,
		Objects:  make([]Object, 0, len(objects)),
		SyncedAt: l.now().UTC(),
	}
	for _, o := range objects {
		entry.Objects = append(entry.Objects, Object{Name: o.Name, Size: o.Size, MD5: o.Md5Hash})
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}

	if err := l.client.Set(ctx, entryKey(bucket, location), payload, l.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

func (l *redisLedger) Lookup(ctx context.Context, bucket, location string) (*Entry, error) {
	payload, err := l.client.Get(ctx, entryKey(bucket, location)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal ledger entry: %w", err)
	}

	return &entry, nil
}

func (l *redisLedger) Forget(ctx context.Context, bucket, location string) error {
	if err := l.client.Del(ctx, entryKey(bucket, location)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func (l *redisLedger) Purge(ctx context.Context, bucket string) (int, error) {
	return l.purge(ctx, bucketPrefix(bucket))
}

func (l *redisLedger) Close() error {
	return l.client.Close()
}

func (n *noopLedger) Record(context.Context, string, string, []*storage.Object) error { return nil }

func (n *noopLedger) Lookup(context.Context, string, string) (*Entry, error) { return nil, nil }

func (n *noopLedger) Forget(context.Context, string, string) error { return nil }

func (n *noopLedger) Purge(context.Context, string) (int, error) { return 0, nil }

func (n *noopLedger) Close() error { return nil }

func bucketPrefix(bucket string) string {
	return keyPrefix + ":" + bucket + ":"
}

func entryKey(bucket, location string) string {
	return bucketPrefix(bucket) + strings.Trim(location, "/")
}
