package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresuchdata/gcsstage/internal/gcs"
	"github.com/andresuchdata/gcsstage/internal/gcs/gcstest"
	"github.com/andresuchdata/gcsstage/internal/retry"
)

func runApp(t *testing.T, srv *gcstest.Server, args ...string) (string, error) {
	t.Helper()

	prev := clientOptions
	clientOptions = []gcs.Option{
		gcs.WithHTTPClient(srv.Client()),
		gcs.WithLogger(zerolog.Nop()),
		gcs.WithRetryPolicy(retry.NewPolicy(retry.WithSleep(func(context.Context, time.Duration) error { return nil }))),
	}
	t.Cleanup(func() { clientOptions = prev })

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = io.Discard

	err := app.Run(append([]string{"gcsstage", "--endpoint", srv.URL, "--log-level", "error"}, args...))
	return out.String(), err
}

func TestBucketCommands(t *testing.T) {
	srv := gcstest.NewServer(t)

	out, err := runApp(t, srv, "bucket", "exists", "pi-maps")
	require.NoError(t, err)
	assert.Equal(t, "false\n", out)

	out, err = runApp(t, srv, "bucket", "create", "--location", "US", "pi-maps")
	require.NoError(t, err)
	assert.Equal(t, "created pi-maps (US, STANDARD)\n", out)

	out, err = runApp(t, srv, "bucket", "exists", "pi-maps")
	require.NoError(t, err)
	assert.Equal(t, "true\n", out)

	srv.PutObject("pi-maps", "site/a.svg", []byte("<svg/>"), "image/svg+xml")
	srv.PutObject("pi-maps", "site/b.svg", []byte("<svg></svg>"), "image/svg+xml")

	out, err = runApp(t, srv, "bucket", "list", "pi-maps")
	require.NoError(t, err)
	assert.Equal(t, "site/a.svg\t6\nsite/b.svg\t11\n", out)

	_, err = runApp(t, srv, "bucket", "delete", "pi-maps")
	assert.ErrorIs(t, err, gcs.ErrRemote)

	out, err = runApp(t, srv, "bucket", "purge", "pi-maps")
	require.NoError(t, err)
	assert.Equal(t, "deleted 2, failed 0\n", out)

	out, err = runApp(t, srv, "bucket", "purge", "pi-maps")
	require.NoError(t, err)
	assert.Equal(t, "bucket pi-maps is empty\n", out)

	out, err = runApp(t, srv, "bucket", "delete", "pi-maps")
	require.NoError(t, err)
	assert.Equal(t, "deleted pi-maps\n", out)
	assert.False(t, srv.HasBucket("pi-maps"))

	out, err = runApp(t, srv, "bucket", "delete", "pi-maps")
	require.NoError(t, err)
	assert.Equal(t, "bucket pi-maps was not deleted\n", out)
}

func TestBucketCommandNeedsName(t *testing.T) {
	srv := gcstest.NewServer(t)

	_, err := runApp(t, srv, "bucket", "exists")
	assert.ErrorContains(t, err, "exactly one bucket name")
}

func TestForceDeletePurgesLedger(t *testing.T) {
	srv := gcstest.NewServer(t)
	mr := miniredis.RunT(t)

	srv.PutObject("b", "site/x.json", []byte("{}"), "application/json")
	require.NoError(t, mr.Set("gcsstage:sync:b:site", "{}"))
	require.NoError(t, mr.Set("gcsstage:sync:other:site", "{}"))

	out, err := runApp(t, srv, "bucket", "delete", "--force", "--redis-url", "redis://"+mr.Addr(), "b")
	require.NoError(t, err)
	assert.Equal(t, "deleted b\n", out)

	assert.Equal(t, []string{"gcsstage:sync:other:site"}, mr.Keys())
}

func TestUploadAndDownloadCommands(t *testing.T) {
	srv := gcstest.NewServer(t)
	srv.AddBucket("b")

	src := t.TempDir()
	for name, data := range map[string]string{"a.json": `{"a":1}`, "b.csv": "x,y\n"} {
		require.NoError(t, os.WriteFile(filepath.Join(src, name), []byte(data), 0o644))
	}

	out, err := runApp(t, srv, "upload", "--bucket", "b", "--prefix", "site/20140101010101", "--public",
		filepath.Join(src, "a.json"), filepath.Join(src, "b.csv"))
	require.NoError(t, err)
	assert.Equal(t, "gs://b/site/20140101010101/a.json\t7\ngs://b/site/20140101010101/b.csv\t4\n", out)

	dest := t.TempDir()
	out, err = runApp(t, srv, "download", "--bucket", "b", "--prefix", "site/", "--dest", dest)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dest, "20140101010101", "a.json"),
		filepath.Join(dest, "20140101010101", "b.csv"),
	}, strings.Fields(out))

	data, err := os.ReadFile(filepath.Join(dest, "20140101010101", "a.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	single := t.TempDir()
	out, err = runApp(t, srv, "download", "--bucket", "b", "--prefix", "site/20140101010101", "--object", "b.csv", "--dest", single)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(single, "b.csv")+"\n", out)

	_, err = runApp(t, srv, "download", "--bucket", "b", "--prefix", "nothing/", "--dest", single)
	assert.ErrorContains(t, err, "no objects found")

	_, err = runApp(t, srv, "upload", "--bucket", "b")
	assert.Error(t, err)
}

func TestDownloadMissingObjectLeavesNoFile(t *testing.T) {
	srv := gcstest.NewServer(t)
	srv.AddBucket("b")

	dest := t.TempDir()
	_, err := runApp(t, srv, "download", "--bucket", "b", "--object", "missing.json", "--dest", dest)
	assert.Equal(t, http.StatusNotFound, gcs.StatusCode(err))
	assert.NoFileExists(t, filepath.Join(dest, "missing.json"))
}

func TestPush(t *testing.T) {
	srv := gcstest.NewServer(t)
	srv.AddBucket("test-bucket")
	mr := miniredis.RunT(t)

	alpha := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(alpha, "test_file.json"), []byte(`{"test":123}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(alpha, "rows.csv"), []byte("a,b\n"), 0o644))
	beta := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(beta, "x.json"), []byte(`{}`), 0o644))

	args := []string{
		"push",
		"--bucket", "test-bucket",
		"--timestamp", "20140101010101",
		"--redis-url", "redis://" + mr.Addr(),
		"--workers", "2",
		"--skip-synced",
		"alpha=" + alpha,
		"beta=" + beta,
	}

	out, err := runApp(t, srv, args...)
	require.NoError(t, err)
	assert.Equal(t,
		"alpha\t2 objects\tgs://test-bucket/alpha/20140101010101\n"+
			"beta\t1 objects\tgs://test-bucket/beta/20140101010101\n", out)

	assert.Equal(t, []string{
		"alpha/20140101010101/rows.csv",
		"alpha/20140101010101/test_file.json",
		"beta/20140101010101/x.json",
	}, srv.ObjectNames("test-bucket"))

	assert.True(t, mr.Exists("gcsstage:sync:test-bucket:alpha/20140101010101"))

	out, err = runApp(t, srv, args...)
	require.NoError(t, err)
	assert.Equal(t,
		"alpha\tskipped\tgs://test-bucket/alpha/20140101010101\n"+
			"beta\tskipped\tgs://test-bucket/beta/20140101010101\n", out)
}

func TestPushArchivedOutputs(t *testing.T) {
	srv := gcstest.NewServer(t)
	srv.AddBucket("pi-wifi-location-outputs")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "out.csv"), []byte("1,2\n"), 0o644))

	out, err := runApp(t, srv, "push", "--profile", "outputs", "--archived", "--timestamp", "20140101010101", "site="+dir)
	require.NoError(t, err)
	assert.Equal(t, "site\t1 objects\tgs://pi-wifi-location-outputs/site\n", out)

	assert.Equal(t, []string{"site/20140101010101.tar.gz"}, srv.ObjectNames("pi-wifi-location-outputs"))
}

func TestPushValidation(t *testing.T) {
	srv := gcstest.NewServer(t)
	dir := t.TempDir()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no jobs", []string{"push", "--bucket", "b"}, "at least one"},
		{"bad job", []string{"push", "--bucket", "b", "site"}, "expected ENTITY=DIR"},
		{"unknown profile", []string{"push", "--profile", "nope", "site=" + dir}, "unknown profile"},
		{"no bucket", []string{"push", "site=" + dir}, "has no bucket"},
		{"bad timestamp", []string{"push", "--bucket", "b", "--timestamp", "yesterday", "site=" + dir}, "invalid timestamp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runApp(t, srv, tt.args...)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestPushReportsFailedEntity(t *testing.T) {
	srv := gcstest.NewServer(t)

	_, err := runApp(t, srv, "push", "--bucket", "b", "site="+filepath.Join(t.TempDir(), "missing"))
	assert.ErrorContains(t, err, "push site")
}
