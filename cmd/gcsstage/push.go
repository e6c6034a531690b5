package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/andresuchdata/gcsstage/internal/config"
	"github.com/andresuchdata/gcsstage/internal/ledger"
	"github.com/andresuchdata/gcsstage/internal/staging"
	"github.com/andresuchdata/gcsstage/pkg/logger"
)

func pushCommand() *cli.Command {
	return &cli.Command{
		Name:      "push",
		Usage:     "Stage local directories and store them in Cloud Storage, one session per entity",
		ArgsUsage: "ENTITY=DIR...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "profile",
				Usage: "One of " + strings.Join(staging.ProfileNames(), ", "),
				Value: staging.Default.Name,
			},
			&cli.StringFlag{Name: "bucket", Usage: "Bucket override; required for profiles without one"},
			&cli.StringFlag{Name: "location", Usage: "Remote prefix override"},
			&cli.StringFlag{Name: "timestamp", Usage: "Session timestamp as " + staging.DateFolderFormat + "; now when empty"},
			&cli.BoolFlag{Name: "archived", Usage: "Pack each entity into <timestamp>.tar.gz before upload"},
			&cli.BoolFlag{Name: "skip-synced", Usage: "Skip entities the ledger already saw at the same location"},
			&cli.IntFlag{Name: "workers", Usage: "Concurrent sessions", EnvVars: []string{"STAGING_WORKERS"}},
			newRedisURLFlag(),
		},
		Before: setupAll(initClient, initLedger),
		After:  closeLedger,
		Action: runPush,
	}
}

type pushJob struct {
	entity string
	dir    string
}

type pushResult struct {
	entity   string
	location string
	objects  int
	skipped  bool
}

func parsePushJobs(args []string) ([]pushJob, error) {
	if len(args) == 0 {
		return nil, errors.New("push expects at least one ENTITY=DIR argument")
	}

	jobs := make([]pushJob, 0, len(args))
	for _, arg := range args {
		entity, dir, ok := strings.Cut(arg, "=")
		if !ok || entity == "" || dir == "" {
			return nil, fmt.Errorf("invalid argument %q, expected ENTITY=DIR", arg)
		}
		jobs = append(jobs, pushJob{entity: entity, dir: dir})
	}
	return jobs, nil
}

func runPush(c *cli.Context) error {
	jobs, err := parsePushJobs(c.Args().Slice())
	if err != nil {
		return err
	}

	profile, ok := staging.LookupProfile(c.String("profile"))
	if !ok {
		return fmt.Errorf("unknown profile %q", c.String("profile"))
	}
	if b := c.String("bucket"); b != "" {
		profile.Bucket = b
	}
	if profile.Bucket == "" {
		return fmt.Errorf("profile %s has no bucket, use --bucket", profile.Name)
	}

	var ts time.Time
	if v := c.String("timestamp"); v != "" {
		ts, err = time.Parse(staging.DateFolderFormat, v)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", v, err)
		}
	}

	cfg := config.Load().Staging
	workers := c.Int("workers")
	if workers <= 0 {
		workers = cfg.Workers
	}

	p := &pusher{
		store:      clientFrom(c),
		ledger:     ledgerFrom(c),
		skipSynced: c.Bool("skip-synced"),
		location:   c.String("location"),
		opts: staging.Options{
			Profile:   profile,
			Timestamp: ts,
			TempRoot:  cfg.TmpDir,
			Archived:  c.Bool("archived"),
		},
	}

	results, err := p.pushAll(c.Context, jobs, workers)
	for _, r := range results {
		if r.skipped {
			_, _ = fmt.Fprintf(c.App.Writer, "%s\tskipped\tgs://%s/%s\n", r.entity, profile.Bucket, r.location)
			continue
		}
		_, _ = fmt.Fprintf(c.App.Writer, "%s\t%d objects\tgs://%s/%s\n", r.entity, r.objects, profile.Bucket, r.location)
	}

	return err
}

type pusher struct {
	store      staging.Store
	ledger     ledger.Ledger
	skipSynced bool
	location   string
	opts       staging.Options
}

// pushAll runs one session per job on at most workers goroutines. The first
// failure cancels the jobs that have not finished.
func (p *pusher) pushAll(ctx context.Context, jobs []pushJob, workers int) ([]pushResult, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var (
		mu      sync.Mutex
		results []pushResult
	)

	for _, job := range jobs {
		g.Go(func() error {
			res, err := p.push(ctx, job)
			if err != nil {
				return fmt.Errorf("push %s: %w", job.entity, err)
			}

			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].entity < results[j].entity })
	return results, err
}

func (p *pusher) push(ctx context.Context, job pushJob) (pushResult, error) {
	log := logger.Component("push").With().Str("entity", job.entity).Logger()
	res := pushResult{entity: job.entity}

	opts := p.opts
	opts.Logger = &log

	err := staging.WithSession(job.entity, p.store, opts, func(s *staging.Session) error {
		res.location = p.location
		if res.location == "" {
			res.location = s.Location()
		}
		bucket := s.Profile().Bucket

		if p.skipSynced {
			entry, err := p.ledger.Lookup(ctx, bucket, res.location)
			if err != nil {
				return err
			}
			if entry != nil {
				log.Info().Str("location", res.location).Time("synced_at", entry.SyncedAt).Msg("Already synced, skipping")
				res.skipped = true
				return nil
			}
		}

		if err := s.CopyInto(job.dir); err != nil {
			return err
		}

		objs, err := s.StoreRemote(ctx, res.location)
		if err != nil {
			return err
		}
		res.objects = len(objs)

		return p.ledger.Record(ctx, bucket, res.location, objs)
	})

	return res, err
}
