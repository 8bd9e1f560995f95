// Package progress persists which tracks of a target have already been
// downloaded so an interrupted run can resume.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/afero"
)

// FileName is the fixed name of the progress file inside the base directory.
const FileName = ".kv_download_progress.json"

// ErrCorrupt wraps any failure to decode a persisted record.
var ErrCorrupt = errors.New("progress: malformed progress file")

// Record is the persisted state for one acquisition target.
// Field names are part of the on-disk format and must not change.
type Record struct {
	URL             string   `json:"url"`
	CompletedTracks []string `json:"completed_tracks"`
}

// Has reports whether name is in the completed set.
func (r Record) Has(name string) bool { return slices.Contains(r.CompletedTracks, name) }

// IsEmpty reports whether the record carries neither identity nor progress.
func (r Record) IsEmpty() bool { return r.URL == "" && len(r.CompletedTracks) == 0 }

// Store is the contract the orchestrator depends on.
type Store interface {
	Load() (Record, error)
	Save(rec Record) error
	IsSameTarget(identity string) (bool, error)
	IsCompleted(name string) (bool, error)
	MarkCompleted(name string) error
	SetTargetIdentity(identity string) error
	CompletedItems() ([]string, error)
	Clear() error
}

// FileStore keeps a Record as pretty-printed JSON in a single file.
// It assumes a single writer; every mutation replaces the file atomically.
type FileStore struct {
	fs   afero.Fs
	path string
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store rooted at baseDir. An empty baseDir means the
// current working directory. A nil fs selects the OS filesystem.
func NewFileStore(fs afero.Fs, baseDir string) *FileStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileStore{fs: fs, path: filepath.Join(baseDir, FileName)}
}

// Path returns the location of the progress file.
func (s *FileStore) Path() string { return s.path }

// Load returns the persisted record, or an empty one when no file exists.
func (s *FileStore) Load() (Record, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{CompletedTracks: []string{}}, nil
		}
		return Record{}, fmt.Errorf("progress: read %s: %w", s.path, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	if rec.CompletedTracks == nil {
		rec.CompletedTracks = []string{}
	}
	return rec, nil
}

// Save overwrites the persisted record. The new content is written to a
// temporary file in the same directory and renamed into place, so a crash
// leaves either the previous or the new record on disk.
func (s *FileStore) Save(rec Record) error {
	rec.CompletedTracks = dedupe(rec.CompletedTracks)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("progress: encode: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := afero.TempFile(s.fs, dir, FileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("progress: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = s.fs.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("progress: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("progress: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("progress: close temp file: %w", err)
	}
	if err := s.fs.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("progress: replace %s: %w", s.path, err)
	}
	return nil
}

// IsSameTarget reports whether a persisted record exists for identity.
func (s *FileStore) IsSameTarget(identity string) (bool, error) {
	exists, err := afero.Exists(s.fs, s.path)
	if err != nil || !exists {
		return false, err
	}
	rec, err := s.Load()
	if err != nil {
		return false, err
	}
	return rec.URL == identity, nil
}

func (s *FileStore) IsCompleted(name string) (bool, error) {
	rec, err := s.Load()
	if err != nil {
		return false, err
	}
	return rec.Has(name), nil
}

// MarkCompleted adds name to the completed set. Marking an already completed
// name does not touch the file.
func (s *FileStore) MarkCompleted(name string) error {
	rec, err := s.Load()
	if err != nil {
		return err
	}
	if rec.Has(name) {
		return nil
	}
	rec.CompletedTracks = append(rec.CompletedTracks, name)
	return s.Save(rec)
}

// SetTargetIdentity overwrites the identity and keeps the completed set.
func (s *FileStore) SetTargetIdentity(identity string) error {
	rec, err := s.Load()
	if err != nil {
		return err
	}
	rec.URL = identity
	return s.Save(rec)
}

func (s *FileStore) CompletedItems() ([]string, error) {
	rec, err := s.Load()
	if err != nil {
		return nil, err
	}
	return rec.CompletedTracks, nil
}

// Clear removes the progress file. It is a no-op when nothing is persisted.
func (s *FileStore) Clear() error {
	if err := s.fs.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("progress: remove %s: %w", s.path, err)
	}
	return nil
}

func dedupe(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
