package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"

	storage "google.golang.org/api/storage/v1"

	"github.com/andresuchdata/gcsstage/internal/gcs"
)

// downloadDir holds temp files created by Download; it lives under the
// working directory so Close removes it.
const downloadDir = ".downloads"

// DownloadRef names a remote object and, optionally, the file to fetch it
// into.
type DownloadRef struct {
	Path string
	File *os.File
}

// UploadRef pairs a local file with the remote prefix it is stored under.
type UploadRef struct {
	Prefix string
	File   *os.File
}

var errNoBucket = errors.New("no bucket given and the profile has none")

func (s *Session) bucket(bucket string) (string, error) {
	if bucket != "" {
		return bucket, nil
	}
	if s.profile.Bucket == "" {
		return "", errNoBucket
	}
	return s.profile.Bucket, nil
}

// Download fetches each ref in turn and yields its file rewound to the
// start. Nothing is fetched until the sequence is iterated. Files are left
// open for the caller; those Download creates live under the working
// directory. Iteration stops after the first error.
func (s *Session) Download(ctx context.Context, refs []DownloadRef, bucket string) iter.Seq2[*os.File, error] {
	return func(yield func(*os.File, error) bool) {
		if err := s.checkOpen(); err != nil {
			yield(nil, err)
			return
		}

		bucket, err := s.bucket(bucket)
		if err != nil {
			yield(nil, err)
			return
		}

		for _, ref := range refs {
			f, err := s.fetch(ctx, bucket, ref)
			if !yield(f, err) || err != nil {
				return
			}
		}
	}
}

func (s *Session) fetch(ctx context.Context, bucket string, ref DownloadRef) (*os.File, error) {
	f := ref.File
	if f == nil {
		dir := filepath.Join(s.dir, downloadDir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLocalIO, err)
		}

		var err error
		f, err = os.CreateTemp(dir, "*_"+filepath.Base(ref.Path))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLocalIO, err)
		}
	}

	if _, err := s.store.Download(ctx, bucket, ref.Path, f); err != nil {
		if ref.File == nil {
			_ = f.Close()
		}
		return nil, err
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: rewinding %s: %w", ErrLocalIO, f.Name(), err)
	}

	return f, nil
}

// Upload stores every ref in order and stops at the first failure. Objects
// get the profile's content type and are public-read when public is set.
func (s *Session) Upload(ctx context.Context, refs []UploadRef, bucket string, public bool) ([]*storage.Object, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	bucket, err := s.bucket(bucket)
	if err != nil {
		return nil, err
	}

	opts := gcs.UploadOptions{ContentType: s.profile.ContentType, Public: public}

	out := make([]*storage.Object, 0, len(refs))
	for _, ref := range refs {
		obj, err := s.store.Upload(ctx, bucket, ref.File, ref.Prefix, opts)
		if err != nil {
			return out, err
		}
		out = append(out, obj)
	}

	return out, nil
}

// StoreRemote uploads the regular files directly under the working
// directory to location, or to Location() when empty. Archived sessions are
// packed with MakeTar first.
func (s *Session) StoreRemote(ctx context.Context, location string) ([]*storage.Object, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	if location == "" {
		location = s.Location()
	}

	if s.archived {
		if _, err := s.MakeTar(); err != nil {
			return nil, err
		}
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLocalIO, err)
	}

	s.log.Info().Str("location", location).Int("entries", len(entries)).Msg("Storing staging folder remotely")

	var out []*storage.Object
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}

		obj, err := s.uploadPath(ctx, filepath.Join(s.dir, e.Name()), location)
		if err != nil {
			return out, err
		}
		out = append(out, obj)
	}

	return out, nil
}

func (s *Session) uploadPath(ctx context.Context, p, location string) (*storage.Object, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLocalIO, err)
	}
	defer func() { _ = f.Close() }()

	objs, err := s.Upload(ctx, []UploadRef{{Prefix: location, File: f}}, "", false)
	if err != nil {
		return nil, err
	}

	return objs[0], nil
}
