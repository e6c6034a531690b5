package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

func bucketCommand() *cli.Command {
	return &cli.Command{
		Name:  "bucket",
		Usage: "Inspect and manage buckets",
		Subcommands: []*cli.Command{
			{
				Name:      "exists",
				Usage:     "Print whether a bucket exists",
				ArgsUsage: "BUCKET",
				Before:    initClient,
				Action:    runBucketExists,
			},
			{
				Name:      "create",
				Usage:     "Create a bucket",
				ArgsUsage: "BUCKET",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "location", Usage: "Bucket location", EnvVars: []string{"GCS_LOCATION"}},
					&cli.StringFlag{Name: "storage-class", Usage: "Bucket storage class", EnvVars: []string{"GCS_STORAGE_CLASS"}},
				},
				Before: initClient,
				Action: runBucketCreate,
			},
			{
				Name:      "delete",
				Usage:     "Delete a bucket",
				ArgsUsage: "BUCKET",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Usage: "Delete the bucket's objects first if it is not empty"},
					newRedisURLFlag(),
				},
				Before: setupAll(initClient, initLedger),
				After:  closeLedger,
				Action: runBucketDelete,
			},
			{
				Name:      "list",
				Usage:     "List the objects of a bucket",
				ArgsUsage: "BUCKET",
				Before:    initClient,
				Action:    runBucketList,
			},
			{
				Name:      "purge",
				Usage:     "Delete every object of a bucket, keeping the bucket",
				ArgsUsage: "BUCKET",
				Before:    initClient,
				Action:    runBucketPurge,
			},
		},
	}
}

func bucketArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("%s expects exactly one bucket name", c.Command.Name)
	}
	return c.Args().First(), nil
}

func runBucketExists(c *cli.Context) error {
	bucket, err := bucketArg(c)
	if err != nil {
		return err
	}

	exists, err := clientFrom(c).BucketExists(c.Context, bucket)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintln(c.App.Writer, exists)
	return nil
}

func runBucketCreate(c *cli.Context) error {
	bucket, err := bucketArg(c)
	if err != nil {
		return err
	}

	b, err := clientFrom(c).CreateBucket(c.Context, bucket)
	if err != nil {
		return err
	}
	if b == nil {
		_, _ = fmt.Fprintf(c.App.Writer, "bucket %s was not created\n", bucket)
		return nil
	}

	_, _ = fmt.Fprintf(c.App.Writer, "created %s (%s, %s)\n", b.Name, b.Location, b.StorageClass)
	return nil
}

func runBucketDelete(c *cli.Context) error {
	bucket, err := bucketArg(c)
	if err != nil {
		return err
	}

	deleted, err := clientFrom(c).DeleteBucket(c.Context, bucket, c.Bool("force"))
	if err != nil {
		return err
	}
	if !deleted {
		_, _ = fmt.Fprintf(c.App.Writer, "bucket %s was not deleted\n", bucket)
		return nil
	}

	if _, err := ledgerFrom(c).Purge(c.Context, bucket); err != nil {
		return fmt.Errorf("bucket deleted but ledger purge failed: %w", err)
	}

	_, _ = fmt.Fprintf(c.App.Writer, "deleted %s\n", bucket)
	return nil
}

func runBucketList(c *cli.Context) error {
	bucket, err := bucketArg(c)
	if err != nil {
		return err
	}

	objects, err := clientFrom(c).ListObjects(c.Context, bucket)
	if err != nil {
		return err
	}

	for _, o := range objects {
		_, _ = fmt.Fprintf(c.App.Writer, "%s\t%d\n", o.Name, o.Size)
	}
	return nil
}

func runBucketPurge(c *cli.Context) error {
	bucket, err := bucketArg(c)
	if err != nil {
		return err
	}

	res, err := clientFrom(c).DeleteAllObjects(c.Context, bucket)
	if err != nil {
		return err
	}
	if res == nil {
		_, _ = fmt.Fprintf(c.App.Writer, "bucket %s is empty\n", bucket)
		return nil
	}

	failed := res.Failed()
	for _, f := range failed {
		_, _ = fmt.Fprintf(c.App.ErrWriter, "failed to delete %s: %v\n", f.Object, f.Err)
	}
	_, _ = fmt.Fprintf(c.App.Writer, "deleted %d, failed %d\n", len(res.Results)-len(failed), len(failed))
	return nil
}
