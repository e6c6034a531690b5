package staging

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

// MakeTar packs the dated subfolder into <timestamp>.tar.gz next to it and
// removes the subfolder. Entries are rooted at "<timestamp>/". The session
// must be archived and the subfolder must exist.
func (s *Session) MakeTar() (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	if !s.archived {
		return "", errors.New("make tar: session is not archived")
	}

	src := s.dateDir()
	if info, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("%w: make tar: %w", ErrLocalIO, err)
	} else if !info.IsDir() {
		return "", fmt.Errorf("%w: make tar: %s is not a directory", ErrLocalIO, src)
	}

	target := src + ".tar.gz"

	s.log.Info().Str("src", src).Str("archive", target).Msg("Creating archive")

	if err := writeTarGz(target, src, filepath.Base(src)); err != nil {
		_ = os.Remove(target)
		return "", fmt.Errorf("%w: make tar: %w", ErrLocalIO, err)
	}

	if err := os.RemoveAll(src); err != nil {
		return "", fmt.Errorf("%w: removing %s: %w", ErrLocalIO, src, err)
	}

	return target, nil
}

func writeTarGz(target, src, root string) error {
	f, err := os.Create(target)
	if err != nil {
		return err
	}

	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)

	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return addToTar(tw, p, src, root, d)
	})

	if cerr := tw.Close(); err == nil {
		err = cerr
	}
	if cerr := gw.Close(); err == nil {
		err = cerr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}

	return err
}

func addToTar(tw *tar.Writer, p, baseDir, root string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	if !info.IsDir() && !info.Mode().IsRegular() {
		return nil
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}

	rel, err := filepath.Rel(baseDir, p)
	if err != nil {
		return err
	}
	header.Name = path.Join(root, filepath.ToSlash(rel))
	if info.IsDir() {
		header.Name += "/"
	}

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	if info.IsDir() {
		return nil
	}

	file, err := os.Open(p)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	_, err = io.Copy(tw, file)
	return err
}
