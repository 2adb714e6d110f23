// Package memory keeps the last known image position of markers so that brief
// detection dropouts do not make them disappear.
package memory

import (
	"sort"
	"time"

	"github.com/golang/geo/r2"
)

// Entry is the remembered state of one marker.
type Entry struct {
	ID       int
	Centroid r2.Point
	Corners  [4]r2.Point
	Seen     time.Time
}

// Age returns how long ago the marker was last observed.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.Seen)
}

// Store remembers markers selected by Accept for Timeout after they were last seen.
// It is not safe for concurrent use.
type Store struct {
	timeout time.Duration
	accept  func(id int) bool
	entries map[int]Entry
}

// New returns an empty store. A nil accept admits every id.
func New(timeout time.Duration, accept func(id int) bool) *Store {
	if accept == nil {
		accept = func(int) bool { return true }
	}
	return &Store{
		timeout: timeout,
		accept:  accept,
		entries: make(map[int]Entry),
	}
}

// Timeout returns how long entries survive without being observed.
func (s *Store) Timeout() time.Duration {
	return s.timeout
}

// Accepts reports whether the store tracks the given id.
func (s *Store) Accepts(id int) bool {
	return s.accept(id)
}

// Observe records a sighting of the marker. Sightings for ids the store does not
// accept, or older than the one already remembered, are ignored.
func (s *Store) Observe(id int, centroid r2.Point, corners [4]r2.Point, now time.Time) bool {
	if !s.accept(id) {
		return false
	}
	if prev, ok := s.entries[id]; ok && now.Before(prev.Seen) {
		return false
	}
	s.entries[id] = Entry{ID: id, Centroid: centroid, Corners: corners, Seen: now}
	return true
}

// Purge evicts entries not seen for longer than the timeout and returns their ids
// in ascending order.
func (s *Store) Purge(now time.Time) []int {
	var evicted []int
	for id, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, id)
			evicted = append(evicted, id)
		}
	}
	sort.Ints(evicted)
	return evicted
}

// Snapshot returns the centroid of every entry that has not expired.
func (s *Store) Snapshot(now time.Time) map[int]r2.Point {
	out := make(map[int]r2.Point, len(s.entries))
	for id, e := range s.entries {
		if !s.expired(e, now) {
			out[id] = e.Centroid
		}
	}
	return out
}

// Entry returns the remembered state of a marker.
func (s *Store) Entry(id int) (Entry, bool) {
	e, ok := s.entries[id]
	return e, ok
}

// Entries returns every remembered entry ordered by id.
func (s *Store) Entries() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Forget drops a single marker.
func (s *Store) Forget(id int) {
	delete(s.entries, id)
}

// Len returns the number of remembered markers, expired or not.
func (s *Store) Len() int {
	return len(s.entries)
}

// Reset forgets every marker.
func (s *Store) Reset() {
	s.entries = make(map[int]Entry)
}

func (s *Store) expired(e Entry, now time.Time) bool {
	return now.Sub(e.Seen) > s.timeout
}
