package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/andresuchdata/gcsstage/internal/config"
	"github.com/andresuchdata/gcsstage/internal/gcs"
	"github.com/andresuchdata/gcsstage/internal/ledger"
	"github.com/andresuchdata/gcsstage/pkg/logger"
)

type contextKey string

const (
	clientKey contextKey = "gcs-client"
	ledgerKey contextKey = "ledger"
)

// clientOptions are appended to every client the CLI builds.
var clientOptions []gcs.Option

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logger.Log.Fatal().Err(err).Msg("gcsstage failed")
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "gcsstage",
		Usage: "Stage local data and move it in and out of Google Cloud Storage",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "key",
				Usage:   "Path to the service-account JSON key",
				EnvVars: []string{gcs.KeyPathEnv},
			},
			&cli.StringFlag{
				Name:    "endpoint",
				Usage:   "Cloud Storage API root",
				EnvVars: []string{"GCS_ENDPOINT"},
			},
			&cli.StringFlag{
				Name:    "project",
				Usage:   "Project new buckets are created in",
				EnvVars: []string{"GCS_PROJECT"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn or error",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Before: func(c *cli.Context) error {
			level := c.String("log-level")
			if level == "" {
				level = config.Load().Log.Level
			}
			logger.SetLevel(level)
			return nil
		},
		Commands: []*cli.Command{
			bucketCommand(),
			uploadCommand(),
			downloadCommand(),
			pushCommand(),
			serveCommand(),
		},
	}
}

func gcsConfig(c *cli.Context) gcs.Config {
	cfg := config.Load().GCS

	out := gcs.Config{
		KeyPath:      cfg.KeyPath,
		Project:      cfg.Project,
		Location:     cfg.Location,
		StorageClass: cfg.StorageClass,
		Endpoint:     cfg.Endpoint,
	}
	if v := c.String("key"); v != "" {
		out.KeyPath = v
	}
	if v := c.String("endpoint"); v != "" {
		out.Endpoint = v
	}
	if v := c.String("project"); v != "" {
		out.Project = v
	}
	if c.IsSet("location") {
		out.Location = c.String("location")
	}
	if c.IsSet("storage-class") {
		out.StorageClass = c.String("storage-class")
	}

	return out
}

func initClient(c *cli.Context) error {
	client, err := gcs.New(c.Context, gcsConfig(c), clientOptions...)
	if err != nil {
		return fmt.Errorf("failed to create storage client: %w", err)
	}

	c.Context = context.WithValue(c.Context, clientKey, client)
	return nil
}

func clientFrom(c *cli.Context) *gcs.Client {
	client, _ := c.Context.Value(clientKey).(*gcs.Client)
	return client
}

func initLedger(c *cli.Context) error {
	cfg := config.Load().Ledger
	if v := c.String("redis-url"); v != "" {
		cfg.Enabled = true
		cfg.RedisURL = v
	}

	l, err := ledger.New(c.Context, cfg)
	if err != nil {
		return fmt.Errorf("failed to open sync ledger: %w", err)
	}

	c.Context = context.WithValue(c.Context, ledgerKey, l)
	return nil
}

func ledgerFrom(c *cli.Context) ledger.Ledger {
	if l, ok := c.Context.Value(ledgerKey).(ledger.Ledger); ok && l != nil {
		return l
	}
	return ledger.NewNoop()
}

func closeLedger(c *cli.Context) error {
	if l, ok := c.Context.Value(ledgerKey).(ledger.Ledger); ok && l != nil {
		return l.Close()
	}
	return nil
}

func newRedisURLFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "redis-url",
		Usage:   "Redis URL of the sync ledger; enables it",
		EnvVars: []string{"REDIS_URL"},
	}
}

// setupAll chains Before hooks.
func setupAll(fns ...cli.BeforeFunc) cli.BeforeFunc {
	return func(c *cli.Context) error {
		for _, fn := range fns {
			if err := fn(c); err != nil {
				return err
			}
		}
		return nil
	}
}
