// Package staging manages local working areas tied to an entity and a
// timestamp: content is written or copied in, optionally packed into a
// dated tarball, pushed to Cloud Storage, and the directory is removed when
// the session closes.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	storage "google.golang.org/api/storage/v1"

	"github.com/andresuchdata/gcsstage/internal/gcs"
	"github.com/andresuchdata/gcsstage/pkg/logger"
)

// ErrLocalIO marks a filesystem failure while staging.
var ErrLocalIO = errors.New("staging local io error")

// Store is the part of the storage client a session needs.
type Store interface {
	Upload(ctx context.Context, bucket string, f *os.File, prefix string, opts gcs.UploadOptions) (*storage.Object, error)
	Download(ctx context.Context, bucket, object string, w io.Writer) (int64, error)
}

// Options configures Open. The zero value stages into a fresh temp
// directory with the Default profile and the current time.
type Options struct {
	Profile   Profile
	Timestamp time.Time
	// WorkingDir is used instead of a temp directory and created if absent.
	WorkingDir string
	// TempRoot is the parent of the temp directory; os.TempDir when empty.
	TempRoot string
	Archived bool
	Logger   *zerolog.Logger
}

// Session is one staging area. It is not safe for concurrent use.
type Session struct {
	entity   string
	store    Store
	profile  Profile
	ts       time.Time
	dir      string
	archived bool
	closed   bool
	log      zerolog.Logger
}

// Open allocates the working directory and starts a session.
func Open(entity string, store Store, opts Options) (*Session, error) {
	profile := opts.Profile
	if profile.Name == "" {
		profile = Default
	}

	ts := opts.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	log := logger.Component("staging")
	if opts.Logger != nil {
		log = *opts.Logger
	}

	dir := opts.WorkingDir
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp(opts.TempRoot, "*_"+profile.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: creating working directory: %w", ErrLocalIO, err)
		}
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating working directory %s: %w", ErrLocalIO, dir, err)
	}

	s := &Session{
		entity:   entity,
		store:    store,
		profile:  profile,
		ts:       ts,
		dir:      dir,
		archived: opts.Archived,
	}
	s.log = log.With().Str("entity", entity).Str("profile", profile.Name).Logger()

	s.log.Debug().Str("dir", dir).Time("timestamp", ts).Bool("archived", s.archived).Msg("Opened staging session")

	return s, nil
}

// WithSession opens a session, runs fn and closes the session whatever fn
// returns.
func WithSession(entity string, store Store, opts Options, fn func(*Session) error) error {
	s, err := Open(entity, store, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	return fn(s)
}

// Close removes the working directory. Calling it again does nothing.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true

	s.log.Info().Str("dir", s.dir).Msg("Removing temp folder")

	if _, err := os.Stat(s.dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.log.Warn().Str("dir", s.dir).Msg("Temp folder already gone")
			return
		}
		s.log.Error().Err(err).Str("dir", s.dir).Msg("Unable to inspect temp folder")
		return
	}

	if err := os.RemoveAll(s.dir); err != nil {
		s.log.Error().Err(err).Str("dir", s.dir).Msg("Unable to remove temp folder")
	}
}

// Entity returns the name the session stages for.
func (s *Session) Entity() string { return s.entity }

// Timestamp returns the time sampled when the session opened.
func (s *Session) Timestamp() time.Time { return s.ts }

// Profile returns the session's profile.
func (s *Session) Profile() Profile { return s.profile }

// Dir returns the working directory.
func (s *Session) Dir() string { return s.dir }

// Archived reports whether content is staged in a dated subfolder.
func (s *Session) Archived() bool { return s.archived }

// StagingDir is where StoreLocal and CopyInto write: the dated subfolder
// for archived sessions, the working directory otherwise.
func (s *Session) StagingDir() string {
	if s.archived {
		return s.dateDir()
	}
	return s.dir
}

// Location is the default remote prefix for this session.
func (s *Session) Location() string {
	return s.profile.Location(s.entity, s.ts)
}

func (s *Session) dateDir() string {
	return filepath.Join(s.dir, s.ts.Format(DateFolderFormat))
}

func (s *Session) ensureStagingDir() (string, error) {
	dir := s.StagingDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: creating %s: %w", ErrLocalIO, dir, err)
	}
	return dir, nil
}

func (s *Session) checkOpen() error {
	if s.closed {
		return fmt.Errorf("staging session for %s is closed", s.entity)
	}
	return nil
}
