// Package cas implements the content-addressed blob store run artifacts
// (transcripts, trace exports, config snapshots) are persisted through,
// grounded on original_source/.../runs.py:cas_put.
package cas

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound is returned by Get when no entry exists for the digest.
var ErrNotFound = errors.New("cas: digest not found")

// Store is a content-addressed blob store rooted at a directory. Entries
// are named by the lowercase hex SHA-256 of their content and are
// write-once: presence implies content, per §4.D.
type Store struct {
	dir string
}

// New returns a Store rooted at dir. The directory is created lazily on
// first Put.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Digest computes the lowercase hex SHA-256 digest of b, independent of
// storage.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Put stores b under its SHA-256 digest and returns the digest. If an
// entry already exists for that digest, the existing file is left
// untouched (content is immutable and identical by construction). Writes
// go through a temp file in the same directory followed by os.Rename, so
// a concurrent Get of the same digest never observes a partial write.
func (s *Store) Put(b []byte) (string, error) {
	digest := Digest(b)
	path := filepath.Join(s.dir, digest)

	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("cas: mkdir %s: %w", s.dir, err)
	}

	tmp, err := os.CreateTemp(s.dir, digest+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("cas: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return "", fmt.Errorf("cas: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("cas: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		// Another Put of the same content may have won the race; that's
		// fine, the content is identical by construction of the digest.
		if _, statErr := os.Stat(path); statErr == nil {
			return digest, nil
		}
		return "", fmt.Errorf("cas: rename into place: %w", err)
	}

	return digest, nil
}

// Get returns the content for digest, or ErrNotFound if no entry exists.
func (s *Store) Get(digest string) ([]byte, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, digest))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("cas: read %s: %w", digest, err)
	}
	return b, nil
}

// Has reports whether an entry exists for digest.
func (s *Store) Has(digest string) bool {
	_, err := os.Stat(filepath.Join(s.dir, digest))
	return err == nil
}
