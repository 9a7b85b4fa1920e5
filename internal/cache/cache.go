// Package cache persists generated descriptions keyed by node fingerprint.
// Entries are immutable: a changed fingerprint misses and produces a new
// entry, and the core never deletes. Eviction is an external policy, which
// the CLI exposes as `docbt cache clear`.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aleenprd/docbt/internal/errors"
)

// Entry is one cached generation result.
type Entry struct {
	Fingerprint     string    `json:"fingerprint"`
	Text            string    `json:"text"`
	Backend         string    `json:"backend"`
	TemplateVersion string    `json:"template_version"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// Stats reports cache effectiveness for one process lifetime. Hit and miss
// counters reset on restart; entry and size totals reflect the directory.
type Stats struct {
	Entries   int64 `json:"entries"`
	SizeBytes int64 `json:"size_bytes"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
}

// Store is the engine-facing cache contract.
type Store interface {
	// Get returns the entry for a fingerprint, reporting whether it was
	// present. An absent key is not an error.
	Get(ctx context.Context, fingerprint string) (*Entry, bool, error)
	// Put writes an entry keyed by its fingerprint. Writes are atomic per
	// key; concurrent writers racing on the same key overwrite each other
	// with equivalent data.
	Put(ctx context.Context, entry Entry) error
	Stats(ctx context.Context) (*Stats, error)
}

// FileStore keeps one JSON file per fingerprint under a directory.
type FileStore struct {
	directory string

	mu     sync.Mutex
	hits   int64
	misses int64
}

// NewFileStore creates the cache directory if needed. A leading ~/ in the
// path expands to the user's home directory.
func NewFileStore(directory string) (*FileStore, error) {
	if strings.HasPrefix(directory, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, errors.KindConfig, "failed to resolve home directory")
		}

		directory = filepath.Join(home, directory[2:])
	}

	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, errors.Wrapf(err, errors.KindConfig, "failed to create cache directory %s", directory)
	}

	return &FileStore{directory: directory}, nil
}

// Directory returns the resolved cache directory.
func (s *FileStore) Directory() string {
	return s.directory
}

func (s *FileStore) Get(ctx context.Context, fingerprint string) (*Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	data, err := os.ReadFile(s.entryPath(fingerprint))
	if err != nil {
		if os.IsNotExist(err) {
			s.count(&s.misses)

			return nil, false, nil
		}

		return nil, false, errors.Wrapf(err, errors.KindInternal, "failed to read cache entry %s", fingerprint)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		// A corrupt entry behaves like a miss; the next Put repairs it.
		s.count(&s.misses)

		return nil, false, nil
	}

	s.count(&s.hits)

	return &entry, true, nil
}

func (s *FileStore) Put(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if entry.Fingerprint == "" {
		return errors.New(errors.KindInternal, "cache entry has no fingerprint")
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to marshal cache entry")
	}

	// Write to a unique temp file then rename, so a concurrent reader
	// never observes a partial entry.
	tmp, err := os.CreateTemp(s.directory, entry.Fingerprint+".tmp-*")
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to create cache temp file")
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return errors.Wrap(err, errors.KindInternal, "failed to write cache entry")
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return errors.Wrap(err, errors.KindInternal, "failed to close cache temp file")
	}

	if err := os.Rename(tmp.Name(), s.entryPath(entry.Fingerprint)); err != nil {
		os.Remove(tmp.Name())

		return errors.Wrap(err, errors.KindInternal, "failed to publish cache entry")
	}

	return nil
}

func (s *FileStore) Stats(ctx context.Context) (*Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	stats := &Stats{Hits: s.hits, Misses: s.misses}
	s.mu.Unlock()

	err := filepath.WalkDir(s.directory, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".json") {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		stats.Entries++
		stats.SizeBytes += info.Size()

		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to walk cache directory")
	}

	return stats, nil
}

// Clear removes every entry. It backs the CLI's eviction command and is
// deliberately not part of the Store contract the engine sees.
func (s *FileStore) Clear(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	matches, err := filepath.Glob(filepath.Join(s.directory, "*.json"))
	if err != nil {
		return 0, errors.Wrap(err, errors.KindInternal, "failed to list cache entries")
	}

	removed := 0

	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			return removed, errors.Wrapf(err, errors.KindInternal, "failed to remove %s", path)
		}

		removed++
	}

	return removed, nil
}

func (s *FileStore) entryPath(fingerprint string) string {
	return filepath.Join(s.directory, fmt.Sprintf("%s.json", fingerprint))
}

func (s *FileStore) count(counter *int64) {
	s.mu.Lock()
	*counter++
	s.mu.Unlock()
}

var _ Store = (*FileStore)(nil)
