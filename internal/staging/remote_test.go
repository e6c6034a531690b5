package staging

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresuchdata/gcsstage/internal/gcs"
	"github.com/andresuchdata/gcsstage/internal/gcs/gcstest"
)

func newGCSClient(t *testing.T) (*gcs.Client, *gcstest.Server) {
	t.Helper()

	srv := gcstest.NewServer(t)
	c, err := gcs.New(context.Background(), gcs.Config{Endpoint: srv.URL},
		gcs.WithHTTPClient(srv.Client()),
		gcs.WithLogger(zerolog.Nop()),
	)
	require.NoError(t, err)

	return c, srv
}

func TestStoreRemoteRoundTrip(t *testing.T) {
	ctx := context.Background()
	client, srv := newGCSClient(t)
	srv.AddBucket("pi-test-bucket")

	profile := Default
	profile.Bucket = "pi-test-bucket"

	s := openTestSession(t, client, Options{Profile: profile})
	require.NoError(t, s.StoreLocal(map[string]int{"test": 123}, "test_file.json"))

	assert.Equal(t, "site/20140101010101", s.Location())

	_, err := s.StoreRemote(ctx, "")
	require.NoError(t, err)

	var files []*os.File
	for f, err := range s.Download(ctx, []DownloadRef{{Path: s.Location() + "/test_file.json"}}, "") {
		require.NoError(t, err)
		files = append(files, f)
	}
	require.Len(t, files, 1)
	defer files[0].Close()

	var got map[string]int
	require.NoError(t, json.NewDecoder(files[0]).Decode(&got))
	assert.Equal(t, map[string]int{"test": 123}, got)
}

func TestStoreRemoteWithoutBucket(t *testing.T) {
	store := &recordingStore{}
	s := openTestSession(t, store, Options{})
	require.NoError(t, s.StoreLocal(map[string]int{"test": 123}, "test_file.json"))

	objs, err := s.StoreRemote(context.Background(), "")
	assert.ErrorIs(t, err, errNoBucket)
	assert.Empty(t, objs)
	assert.Empty(t, store.uploads)
}

func TestStoreRemoteWithProfileBucket(t *testing.T) {
	ctx := context.Background()
	client, srv := newGCSClient(t)
	srv.AddBucket(Lookups.Bucket)

	s := openTestSession(t, client, Options{Profile: Lookups})
	require.NoError(t, s.StoreLocal(map[string]int{"test": 123}, "test_file.json"))
	require.NoError(t, s.StoreLocal([][]string{{"a", "b"}}, "rows.csv"))

	objs, err := s.StoreRemote(ctx, "")
	require.NoError(t, err)
	require.Len(t, objs, 2)

	assert.Equal(t, "site/20140101010101/rows.csv", objs[0].Name)
	assert.Equal(t, "site/20140101010101/test_file.json", objs[1].Name)
	for _, o := range objs {
		assert.Equal(t, Lookups.Bucket, o.Bucket)
		assert.Equal(t, "text/json", o.ContentType)
	}

	data, ok := srv.Object(Lookups.Bucket, "site/20140101010101/test_file.json")
	require.True(t, ok)
	assert.JSONEq(t, `{"test":123}`, string(data))
}

func TestStoreRemoteArchived(t *testing.T) {
	ctx := context.Background()
	store := &recordingStore{}

	s := openTestSession(t, store, Options{Profile: CalibrationRefData, Archived: true})
	require.NoError(t, s.StoreLocal(map[string]int{"test": 123}, "test_file.json"))

	objs, err := s.StoreRemote(ctx, "")
	require.NoError(t, err)
	require.Len(t, objs, 1)

	require.Len(t, store.uploads, 1)
	assert.Equal(t, CalibrationRefData.Bucket, store.uploads[0].bucket)
	assert.Equal(t, "site/20140101010101/20140101010101.tar.gz", store.uploads[0].name)
	assert.Equal(t, []string{"20140101010101.tar.gz"}, listDir(t, s.Dir()))
}

func TestStoreRemoteExplicitLocation(t *testing.T) {
	store := &recordingStore{}

	s := openTestSession(t, store, Options{Profile: Outputs})
	require.NoError(t, s.StoreLocal(map[string]int{"a": 1}, "out.json"))
	require.NoError(t, os.MkdirAll(filepath.Join(s.Dir(), "skipped"), 0o755))

	_, err := s.StoreRemote(context.Background(), "elsewhere")
	require.NoError(t, err)

	require.Len(t, store.uploads, 1)
	assert.Equal(t, "elsewhere/out.json", store.uploads[0].name)
	assert.Empty(t, store.uploads[0].opts.ContentType)
}

func TestUploadStopsAtFirstFailure(t *testing.T) {
	store := &recordingStore{failOn: 2}
	s := openTestSession(t, store, Options{Profile: Maps})

	refs := make([]UploadRef, 3)
	for i, name := range []string{"a.svg", "b.svg", "c.svg"} {
		p := filepath.Join(t.TempDir(), name)
		require.NoError(t, os.WriteFile(p, []byte("<svg/>"), 0o644))
		refs[i] = UploadRef{Prefix: "site", File: openFile(t, p)}
	}

	objs, err := s.Upload(context.Background(), refs, "", true)
	assert.Error(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "site/a.svg", objs[0].Name)

	require.Len(t, store.uploads, 1)
	assert.Equal(t, gcs.UploadOptions{ContentType: "image/svg+xml", Public: true}, store.uploads[0].opts)
	assert.Equal(t, "pi-maps", store.uploads[0].bucket)
}

func TestDownloadIsLazy(t *testing.T) {
	store := &recordingStore{objects: map[string]string{"a": "A", "b": "B", "c": "C"}}
	s := openTestSession(t, store, Options{Profile: Maps})

	seq := s.Download(context.Background(), []DownloadRef{{Path: "a"}, {Path: "b"}, {Path: "c"}}, "")
	assert.Empty(t, store.downloads)

	for f, err := range seq {
		require.NoError(t, err)

		data, err := io.ReadAll(f)
		require.NoError(t, err)
		assert.Equal(t, "A", string(data))
		assert.Equal(t, filepath.Join(s.Dir(), downloadDir), filepath.Dir(f.Name()))
		_ = f.Close()
		break
	}

	assert.Equal(t, []string{"pi-maps/a"}, store.downloads)
}

func TestDownloadIntoGivenFile(t *testing.T) {
	store := &recordingStore{objects: map[string]string{"x": "payload"}}
	s := openTestSession(t, store, Options{Profile: Maps})

	f, err := os.Create(filepath.Join(t.TempDir(), "target"))
	require.NoError(t, err)
	defer f.Close()

	for got, err := range s.Download(context.Background(), []DownloadRef{{Path: "x", File: f}}, "other-bucket") {
		require.NoError(t, err)
		assert.Same(t, f, got)

		data, err := io.ReadAll(got)
		require.NoError(t, err)
		assert.Equal(t, "payload", string(data))
	}

	assert.Equal(t, []string{"other-bucket/x"}, store.downloads)
}

func TestDownloadStopsOnError(t *testing.T) {
	store := &recordingStore{objects: map[string]string{"b": "B"}}
	s := openTestSession(t, store, Options{Profile: Maps})

	var errs int
	for _, err := range s.Download(context.Background(), []DownloadRef{{Path: "missing"}, {Path: "b"}}, "") {
		if err != nil {
			errs++
		}
	}

	assert.Equal(t, 1, errs)
	assert.Equal(t, []string{"pi-maps/missing"}, store.downloads)
}

func openFile(t *testing.T, p string) *os.File {
	t.Helper()

	f, err := os.Open(p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	return f
}
