// Package store persists tunnel records as one JSON document per tunnel
// under the data directory.  The on-disk files are the durability boundary:
// a record mutation is not considered successful until its file is written.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hostbound/tunneld/internal/domain"
)

// Records is the mutex-guarded in-memory index over the persisted tunnel
// records.  All returned records are clones; callers mutate freely and
// persist via Save.
type Records struct {
	dir string

	mu   sync.RWMutex
	byID map[string]*domain.TunnelRecord
}

// Open loads every persisted record from dir (created if absent).
func Open(dir string) (*Records, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}

	r := &Records{dir: dir, byID: make(map[string]*domain.TunnelRecord)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read record dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read record %s: %w", e.Name(), err)
		}
		var rec domain.TunnelRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", e.Name(), err)
		}
		if rec.ID == "" {
			return nil, fmt.Errorf("record %s has no tunnel id", e.Name())
		}
		r.byID[rec.ID] = &rec
	}
	return r, nil
}

// List returns clones of all records, oldest first.
func (r *Records) List() []*domain.TunnelRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.TunnelRecord, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Get returns a clone of the record with the given id.
func (r *Records) Get(id string) (*domain.TunnelRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// FindByName returns a clone of the record with the given name.
func (r *Records) FindByName(name string) (*domain.TunnelRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.byID {
		if rec.Name == name {
			return rec.Clone(), true
		}
	}
	return nil, false
}

// Save persists the record atomically (tmp file + rename) and updates the
// index only after the write succeeded.
func (r *Records) Save(rec *domain.TunnelRecord) error {
	if rec.ID == "" {
		return errors.New("record has no tunnel id")
	}

	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	path := r.path(rec.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("persist record: %w", err)
	}

	r.mu.Lock()
	r.byID[rec.ID] = rec.Clone()
	r.mu.Unlock()
	return nil
}

// Delete removes the record file and index entry.
func (r *Records) Delete(id string) error {
	if err := os.Remove(r.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete record: %w", err)
	}
	r.mu.Lock()
	delete(r.byID, id)
	r.mu.Unlock()
	return nil
}

func (r *Records) path(id string) string {
	return filepath.Join(r.dir, id+".json")
}
