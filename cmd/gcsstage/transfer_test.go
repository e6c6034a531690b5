package main

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveObjectKey(t *testing.T) {
	tests := []struct {
		prefix   string
		override string
		want     string
	}{
		{"site/20140101010101", "", "site/20140101010101"},
		{"", "/a.json", "a.json"},
		{"site/20140101010101/", "a.json", "site/20140101010101/a.json"},
		{"site", "site/20140101010101/a.json", "site/20140101010101/a.json"},
		{"site", "/other/a.json", "site/other/a.json"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, resolveObjectKey(tt.prefix, tt.override), "prefix=%q override=%q", tt.prefix, tt.override)
	}
}

func TestObjectRelativePath(t *testing.T) {
	tests := []struct {
		prefix string
		key    string
		want   string
	}{
		{"", "site/a.json", "site/a.json"},
		{"site/", "site/20140101010101/a.json", "20140101010101/a.json"},
		{"site", "site/a.json", "a.json"},
		{"site/a.json", "site/a.json", "a.json"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, objectRelativePath(tt.prefix, tt.key), "prefix=%q key=%q", tt.prefix, tt.key)
	}
}

func TestParsePushJobs(t *testing.T) {
	jobs, err := parsePushJobs([]string{"alpha=/tmp/a", "beta=rel/b=c"})
	require.NoError(t, err)
	assert.Equal(t, []pushJob{{entity: "alpha", dir: "/tmp/a"}, {entity: "beta", dir: "rel/b=c"}}, jobs)

	for _, bad := range [][]string{nil, {"alpha"}, {"=dir"}, {"alpha="}} {
		_, err := parsePushJobs(bad)
		assert.Error(t, err, "%v", bad)
	}
}

func TestServeUntilDoneStopsOnCancel(t *testing.T) {
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveUntilDone(ctx, srv) }()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServeUntilDoneReportsListenError(t *testing.T) {
	srv := &http.Server{Addr: "127.0.0.1:-1", Handler: http.NotFoundHandler()}

	err := serveUntilDone(context.Background(), srv)
	assert.Error(t, err)
}
