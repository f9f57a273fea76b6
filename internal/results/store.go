package results

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ErrPersist wraps every failure to write the snapshot file.
var ErrPersist = errors.New("persist snapshot")

// Snapshot is an immutable copy of the store contents.
// Total always equals len(Results).
type Snapshot struct {
	LastUpdate time.Time
	Total      int
	Results    map[string]Result
}

type snapshotJSON struct {
	LastUpdate string            `json:"last_update"`
	Total      int               `json:"total_configs"`
	Results    map[string]Result `json:"results"`
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	res := s.Results
	if res == nil {
		res = map[string]Result{}
	}
	return json.Marshal(snapshotJSON{
		LastUpdate: s.LastUpdate.Format(time.RFC3339Nano),
		Total:      len(res),
		Results:    res,
	})
}

func (s *Snapshot) UnmarshalJSON(b []byte) error {
	var sj snapshotJSON
	if err := json.Unmarshal(b, &sj); err != nil {
		return err
	}
	if sj.LastUpdate != "" {
		t, err := parseTime(sj.LastUpdate)
		if err != nil {
			return err
		}
		s.LastUpdate = t
	}
	s.Results = make(map[string]Result, len(sj.Results))
	for name, r := range sj.Results {
		r.DisplayName = name
		s.Results[name] = r
	}
	s.Total = len(s.Results)
	return nil
}

// Names returns the display names sorted by delay, offline entries last.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s.Results))
	for n := range s.Results {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := s.Results[names[i]], s.Results[names[j]]
		if a.DelayMs != b.DelayMs {
			return a.DelayMs < b.DelayMs
		}
		return names[i] < names[j]
	})
	return names
}

// Online counts the online results.
func (s Snapshot) Online() int {
	n := 0
	for _, r := range s.Results {
		if r.Status == StatusOnline {
			n++
		}
	}
	return n
}

// Store keeps the latest result per display name and mirrors it to a JSON file.
// Writes are expected from a single owner (the scheduler); readers get copies.
type Store struct {
	path        string
	atomicWrite bool
	now         func() time.Time

	mu      sync.RWMutex
	results map[string]Result
}

type Option func(*Store)

// WithAtomicWrite selects write-to-temp-then-rename persistence.
// When false the snapshot file is overwritten in place.
func WithAtomicWrite(v bool) Option {
	return func(s *Store) { s.atomicWrite = v }
}

func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates an empty store persisting to path. An empty path keeps
// results in memory only.
func NewStore(path string, opts ...Option) *Store {
	s := &Store{
		path:        path,
		atomicWrite: true,
		now:         time.Now,
		results:     make(map[string]Result),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the snapshot file location.
func (s *Store) Path() string { return s.path }

// Retain drops every result whose name is not in names and reports how many
// were removed.
func (s *Store) Retain(names []string) int {
	keep := make(map[string]struct{}, len(names))
	for _, n := range names {
		keep[n] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for name := range s.results {
		if _, ok := keep[name]; !ok {
			delete(s.results, name)
			removed++
		}
	}
	return removed
}

// Update upserts r keyed by its display name.
func (s *Store) Update(r Result) {
	s.mu.Lock()
	s.results[r.DisplayName] = r
	s.mu.Unlock()
}

// Get returns the current result for name.
func (s *Store) Get(name string) (Result, bool) {
	s.mu.RLock()
	r, ok := s.results[name]
	s.mu.RUnlock()
	return r, ok
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Result, len(s.results))
	for k, v := range s.results {
		out[k] = v
	}
	return Snapshot{LastUpdate: s.now(), Total: len(out), Results: out}
}

// Persist writes the full snapshot to the store path.
func (s *Store) Persist() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrPersist, err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("%w: ensure dir %q: %v", ErrPersist, dir, err)
		}
	}
	if !s.atomicWrite {
		if err := os.WriteFile(s.path, data, 0o644); err != nil {
			return fmt.Errorf("%w: write %q: %v", ErrPersist, s.path, err)
		}
		return nil
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write temp %q: %v", ErrPersist, tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: commit %q: %v", ErrPersist, s.path, err)
	}
	return nil
}

// ReadSnapshot decodes a snapshot file written by Persist.
func ReadSnapshot(path string) (Snapshot, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %q: %w", path, err)
	}
	return snap, nil
}
