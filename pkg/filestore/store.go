// Package filestore keeps versioned submission files on local disk.
//
// Files live under <root>/<course>/<coursework>/<bucket>/[<owner>/]<submission>/<version>/<name>.
// A stored file is never overwritten; new content goes into a new version directory.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

var (
	// ErrExists is returned when a file is already present for the version.
	ErrExists = errors.New("filestore: file already exists")
	// ErrInvalidName is returned for names that are not plain base names.
	ErrInvalidName = errors.New("filestore: invalid file name")
	// ErrNotFound is returned when the requested file is absent.
	ErrNotFound = errors.New("filestore: file not found")
)

// Key addresses the files of one submission.
type Key struct {
	Course     string
	Coursework string
	Bucket     string
	Owner      string
	Submission string
}

// Mirror receives a copy of every stored file.
type Mirror interface {
	Upload(ctx context.Context, relPath string, r io.Reader) (string, error)
	Remove(ctx context.Context, relPath string) error
}

// Store is a versioned file store rooted at a media directory.
type Store struct {
	root   string
	mirror Mirror
	logger zerolog.Logger
}

// New creates the root directory if needed and returns a store. mirror may be nil.
func New(root string, mirror Mirror, logger zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("filestore: root must not be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("filestore: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create root: %w", err)
	}

	return &Store{
		root:   abs,
		mirror: mirror,
		logger: logger.With().Str("component", "filestore").Logger(),
	}, nil
}

// Root returns the absolute media root.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) relDir(key Key) (string, error) {
	parts := []string{key.Course, key.Coursework, key.Bucket}
	if key.Owner != "" {
		parts = append(parts, key.Owner)
	}
	parts = append(parts, key.Submission)
	for _, part := range parts {
		if !validSegment(part) {
			return "", fmt.Errorf("filestore: invalid key segment %q", part)
		}
	}
	return filepath.Join(parts...), nil
}

// OriginalsPath returns the directory holding the files of a version.
func (s *Store) OriginalsPath(key Key, version int) (string, error) {
	rel, err := s.relDir(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, rel, strconv.Itoa(version)), nil
}

// Files lists the base names stored for a version in lexical order.
func (s *Store) Files(key Key, version int) ([]string, error) {
	dir, err := s.OriginalsPath(key, version)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: list %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Save writes r as name within the version directory. Existing files are never replaced.
func (s *Store) Save(ctx context.Context, key Key, version int, name string, r io.Reader) error {
	if !validSegment(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	dir, err := s.OriginalsPath(key, version)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("filestore: create %s: %w", dir, err)
	}

	target := filepath.Join(dir, name)
	file, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: %s", ErrExists, name)
	}
	if err != nil {
		return fmt.Errorf("filestore: create %s: %w", name, err)
	}

	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		os.Remove(target)
		return fmt.Errorf("filestore: write %s: %w", name, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("filestore: close %s: %w", name, err)
	}

	s.mirrorFile(ctx, target)
	return nil
}

// SaveContent stores a string as a file.
func (s *Store) SaveContent(ctx context.Context, key Key, version int, name, content string) error {
	return s.Save(ctx, key, version, name, strings.NewReader(content))
}

// Open opens a stored file for reading.
func (s *Store) Open(key Key, version int, name string) (*os.File, error) {
	if !validSegment(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	dir, err := s.OriginalsPath(key, version)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(filepath.Join(dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return file, err
}

// Delete removes every version of a submission.
func (s *Store) Delete(ctx context.Context, key Key) error {
	rel, err := s.relDir(key)
	if err != nil {
		return err
	}
	return s.removeDir(ctx, rel)
}

// DeleteVersion removes a single version directory, for uploads that were rolled back.
func (s *Store) DeleteVersion(ctx context.Context, key Key, version int) error {
	rel, err := s.relDir(key)
	if err != nil {
		return err
	}
	if version < 1 {
		return fmt.Errorf("filestore: invalid version %d", version)
	}
	return s.removeDir(ctx, filepath.Join(rel, strconv.Itoa(version)))
}

func (s *Store) removeDir(ctx context.Context, rel string) error {
	dir := filepath.Join(s.root, rel)

	if s.mirror != nil {
		_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if relPath, relErr := filepath.Rel(s.root, path); relErr == nil {
				if rmErr := s.mirror.Remove(ctx, filepath.ToSlash(relPath)); rmErr != nil {
					s.logger.Warn().Err(rmErr).Str("path", relPath).Msg("failed to remove mirrored file")
				}
			}
			return nil
		})
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("filestore: delete %s: %w", rel, err)
	}
	return nil
}

func (s *Store) mirrorFile(ctx context.Context, path string) {
	if s.mirror == nil {
		return
	}
	relPath, err := filepath.Rel(s.root, path)
	if err != nil {
		return
	}

	file, err := os.Open(path)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", relPath).Msg("failed to open file for mirroring")
		return
	}
	defer file.Close()

	if _, err := s.mirror.Upload(ctx, filepath.ToSlash(relPath), file); err != nil {
		s.logger.Warn().Err(err).Str("path", relPath).Msg("failed to mirror file")
	}
}

func validSegment(segment string) bool {
	if segment == "" || segment == "." || segment == ".." {
		return false
	}
	return !strings.ContainsAny(segment, `/\`) && !strings.ContainsRune(segment, 0)
}
