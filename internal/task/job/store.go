package job

import (
	"fmt"
	"strings"
)

// CurrentVersion is the store schema version written by this build.
const CurrentVersion = 1

// Store is the versioned, ordered job collection persisted as one unit.
//
// Store is not safe for concurrent use; the engine owns the live instance
// and hands out clones.
type Store struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

// NewStore returns an empty store at CurrentVersion.
func NewStore() *Store {
	return &Store{Version: CurrentVersion, Jobs: []Job{}}
}

// Index returns the position of id, or -1.
func (s *Store) Index(id string) int {
	if s == nil {
		return -1
	}
	id = strings.TrimSpace(id)
	for i := range s.Jobs {
		if s.Jobs[i].ID == id {
			return i
		}
	}
	return -1
}

// Get returns a copy of the job with id.
func (s *Store) Get(id string) (Job, bool) {
	i := s.Index(id)
	if i < 0 {
		return Job{}, false
	}
	return s.Jobs[i].Clone(), true
}

// Add appends j. A failed add leaves the store unchanged.
func (s *Store) Add(j Job) error {
	j.ID = strings.TrimSpace(j.ID)
	if err := j.Validate(); err != nil {
		return err
	}
	if s.Index(j.ID) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateID, j.ID)
	}
	s.Jobs = append(s.Jobs, j.Clone())
	return nil
}

// Remove deletes the job with id and reports whether it was present.
// Removing an absent id is a no-op.
func (s *Store) Remove(id string) bool {
	i := s.Index(id)
	if i < 0 {
		return false
	}
	s.Jobs = append(s.Jobs[:i], s.Jobs[i+1:]...)
	return true
}

// Update applies fn to a copy of the job and stores the result if fn
// succeeds and the job is still valid. The id cannot be changed.
func (s *Store) Update(id string, fn func(*Job) error) (Job, error) {
	i := s.Index(id)
	if i < 0 {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, strings.TrimSpace(id))
	}
	cp := s.Jobs[i].Clone()
	if fn != nil {
		if err := fn(&cp); err != nil {
			return Job{}, err
		}
	}
	if cp.ID != s.Jobs[i].ID {
		return Job{}, fmt.Errorf("%w: id is immutable (%s -> %s)", ErrInvalidJob, s.Jobs[i].ID, cp.ID)
	}
	if err := cp.Validate(); err != nil {
		return Job{}, err
	}
	s.Jobs[i] = cp
	return cp.Clone(), nil
}

// Clone returns a deep copy.
func (s *Store) Clone() *Store {
	if s == nil {
		return NewStore()
	}
	out := &Store{Version: s.Version, Jobs: make([]Job, len(s.Jobs))}
	for i := range s.Jobs {
		out.Jobs[i] = s.Jobs[i].Clone()
	}
	return out
}

// Normalize repairs a freshly loaded store: it fills the version, replaces
// a nil job list, and drops later duplicates of an id. It returns the ids
// that were dropped.
func (s *Store) Normalize() []string {
	if s.Version <= 0 {
		s.Version = CurrentVersion
	}
	if s.Jobs == nil {
		s.Jobs = []Job{}
		return nil
	}
	seen := make(map[string]struct{}, len(s.Jobs))
	var dropped []string
	kept := s.Jobs[:0]
	for _, j := range s.Jobs {
		if _, ok := seen[j.ID]; ok {
			dropped = append(dropped, j.ID)
			continue
		}
		seen[j.ID] = struct{}{}
		kept = append(kept, j)
	}
	s.Jobs = kept
	return dropped
}
