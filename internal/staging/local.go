package staging

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// StoreLocal serializes content into filename inside the staging folder.
// ".json" files get JSON, ".csv" files get one record per row ([][]string
// or [][]any). Any other extension leaves an empty file. Nothing is written
// when content cannot be serialized.
func (s *Session) StoreLocal(content any, filename string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	var (
		buf bytes.Buffer
		err error
	)
	switch ext := filepath.Ext(filename); ext {
	case ".json":
		err = writeJSON(&buf, content)
	case ".csv":
		err = writeCSV(&buf, content)
	default:
		s.log.Warn().Str("file", filename).Str("ext", ext).Msg("Unsupported extension, nothing written")
	}
	if err != nil {
		return fmt.Errorf("storing %s: %w", filename, err)
	}

	dir, err := s.ensureStagingDir()
	if err != nil {
		return err
	}

	target := filepath.Join(dir, filename)
	if err := os.WriteFile(target, buf.Bytes(), 0o644); err != nil {
		_ = os.Remove(target)
		return fmt.Errorf("%w: storing %s: %w", ErrLocalIO, filename, err)
	}

	s.log.Debug().Str("file", target).Msg("Stored local file")

	return nil
}

func writeJSON(w io.Writer, content any) error {
	data, err := json.Marshal(content)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("%w: %w", ErrLocalIO, err)
	}
	return nil
}

func writeCSV(w io.Writer, content any) error {
	var rows [][]string

	switch c := content.(type) {
	case [][]string:
		rows = c
	case [][]any:
		rows = make([][]string, len(c))
		for i, row := range c {
			rows[i] = make([]string, len(row))
			for j, v := range row {
				rows[i][j] = fmt.Sprint(v)
			}
		}
	default:
		return fmt.Errorf("csv content must be [][]string or [][]any, got %T", content)
	}

	cw := csv.NewWriter(w)
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("%w: %w", ErrLocalIO, err)
	}
	return nil
}

// CopyInto copies the tree under src into the staging folder, merging with
// whatever is already there.
func (s *Session) CopyInto(src string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	dst, err := s.ensureStagingDir()
	if err != nil {
		return err
	}

	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLocalIO, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrLocalIO, src)
	}
	if overlaps, err := pathsOverlap(src, dst); err != nil {
		return fmt.Errorf("%w: %w", ErrLocalIO, err)
	} else if overlaps {
		return fmt.Errorf("%w: %s overlaps the staging folder %s", ErrLocalIO, src, dst)
	}

	s.log.Info().Str("src", src).Str("dst", dst).Msg("Copying into staging folder")

	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			s.log.Debug().Str("path", p).Msg("Skipping non-regular file")
			return nil
		}

		return copyFile(p, target)
	})
	if err != nil {
		return fmt.Errorf("%w: copying %s: %w", ErrLocalIO, src, err)
	}

	return nil
}

// pathsOverlap reports whether either directory contains the other, after
// resolving symlinks.
func pathsOverlap(a, b string) (bool, error) {
	ra, err := resolvedPath(a)
	if err != nil {
		return false, err
	}
	rb, err := resolvedPath(b)
	if err != nil {
		return false, err
	}

	return within(ra, rb) || within(rb, ra), nil
}

func resolvedPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

func within(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}

	return out.Close()
}
