package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/urfave/cli/v2"
	storage "google.golang.org/api/storage/v1"

	"github.com/andresuchdata/gcsstage/internal/gcs"
)

func uploadCommand() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "Upload files under a prefix",
		ArgsUsage: "FILE...",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bucket", Usage: "Target bucket", Required: true},
			&cli.StringFlag{Name: "prefix", Usage: "Remote prefix the files are stored under"},
			&cli.StringFlag{Name: "content-type", Usage: "Content type; detected from the extension when empty"},
			&cli.BoolFlag{Name: "public", Usage: "Make the objects publicly readable"},
		},
		Before: initClient,
		Action: runUpload,
	}
}

func runUpload(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("upload expects at least one file")
	}

	client := clientFrom(c)
	opts := gcs.UploadOptions{ContentType: c.String("content-type"), Public: c.Bool("public")}

	for _, p := range c.Args().Slice() {
		obj, err := uploadFile(c.Context, client, c.String("bucket"), p, c.String("prefix"), opts)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.App.Writer, "gs://%s/%s\t%d\n", obj.Bucket, obj.Name, obj.Size)
	}

	return nil
}

func uploadFile(ctx context.Context, client *gcs.Client, bucket, p, prefix string, opts gcs.UploadOptions) (*storage.Object, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", p, err)
	}
	defer func() { _ = f.Close() }()

	return client.Upload(ctx, bucket, f, prefix, opts)
}

func downloadCommand() *cli.Command {
	return &cli.Command{
		Name:  "download",
		Usage: "Download one object, or every object under a prefix, keeping relative paths",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bucket", Usage: "Source bucket", Required: true},
			&cli.StringFlag{Name: "prefix", Usage: "Remote prefix to download"},
			&cli.StringFlag{Name: "object", Usage: "Single object, relative to --prefix or absolute"},
			&cli.StringFlag{Name: "dest", Usage: "Local directory", Value: "."},
		},
		Before: initClient,
		Action: runDownload,
	}
}

func runDownload(c *cli.Context) error {
	d := &downloader{client: clientFrom(c), bucket: c.String("bucket"), destDir: c.String("dest")}

	paths, err := d.downloadObjects(c.Context, c.String("prefix"), c.String("object"))
	if err != nil {
		return err
	}

	for _, p := range paths {
		_, _ = fmt.Fprintln(c.App.Writer, p)
	}
	return nil
}

type downloader struct {
	client  *gcs.Client
	bucket  string
	destDir string
}

func (d *downloader) downloadObjects(ctx context.Context, prefix, override string) ([]string, error) {
	var keys []string

	if override != "" {
		keys = []string{resolveObjectKey(prefix, override)}
	} else {
		listPrefix := strings.TrimPrefix(strings.TrimSpace(prefix), "/")
		objects, err := d.client.ListObjects(ctx, d.bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects of %s: %w", d.bucket, err)
		}
		for _, obj := range objects {
			if strings.HasPrefix(obj.Name, listPrefix) && !strings.HasSuffix(obj.Name, "/") {
				keys = append(keys, obj.Name)
			}
		}
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("no objects found in %s for prefix %q", d.bucket, prefix)
	}

	localPaths := make([]string, 0, len(keys))
	for _, key := range keys {
		localPath := filepath.Join(d.destDir, filepath.FromSlash(objectRelativePath(prefix, key)))
		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare directory for %s: %w", localPath, err)
		}
		if err := d.downloadObject(ctx, key, localPath); err != nil {
			return nil, err
		}
		localPaths = append(localPaths, localPath)
	}

	sort.Strings(localPaths)
	return localPaths, nil
}

func (d *downloader) downloadObject(ctx context.Context, key, localPath string) error {
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}

	if _, err := d.client.Download(ctx, d.bucket, key, f); err != nil {
		_ = f.Close()
		_ = os.Remove(localPath)
		return err
	}

	return f.Close()
}

func resolveObjectKey(prefix, override string) string {
	if override == "" {
		return strings.TrimSpace(prefix)
	}
	if prefix == "" {
		return strings.TrimPrefix(override, "/")
	}

	prefixTrimmed := strings.TrimSuffix(strings.TrimSpace(prefix), "/")
	overrideTrimmed := strings.TrimPrefix(strings.TrimSpace(override), "/")

	if strings.HasPrefix(overrideTrimmed, prefixTrimmed) {
		return overrideTrimmed
	}
	return fmt.Sprintf("%s/%s", prefixTrimmed, overrideTrimmed)
}

func objectRelativePath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	prefixTrimmed := strings.TrimSuffix(strings.TrimSpace(prefix), "/")
	rel := strings.TrimPrefix(key, prefixTrimmed+"/")
	if rel == "" || key == prefixTrimmed {
		return filepath.Base(key)
	}
	return rel
}
