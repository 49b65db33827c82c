// Package store holds the merged, time-ordered view of calendar events.
package store

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	appLog "chronocal/internal/log"
	"chronocal/internal/model"
)

// timeline is an immutable snapshot. Readers load the pointer and never see
// a half-built snapshot.
type timeline struct {
	byKey   map[model.Key]model.Event
	ordered []model.Event
}

// Store is the event store. Replace is the only mutator.
type Store struct {
	writeMu sync.Mutex
	current atomic.Pointer[timeline]
}

// New returns an empty store.
func New() *Store {
	s := &Store{}
	s.current.Store(&timeline{byKey: map[model.Key]model.Event{}})
	return s
}

// Replace swaps the held timeline for one built from events and returns the
// diff against the previous snapshot. When events contains the same key
// twice the later entry wins.
func (s *Store) Replace(events []model.Event) model.Diff {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev := s.current.Load()
	next := &timeline{byKey: make(map[model.Key]model.Event, len(events))}

	for _, ev := range events {
		if _, dup := next.byKey[ev.Key]; dup {
			appLog.Debug("store: duplicate key in replacement set, keeping last", "key", ev.Key)
		}
		next.byKey[ev.Key] = ev.Clone()
	}

	next.ordered = make([]model.Event, 0, len(next.byKey))
	for _, ev := range next.byKey {
		next.ordered = append(next.ordered, ev)
	}
	slices.SortFunc(next.ordered, model.Compare)

	var diff model.Diff
	for _, ev := range next.ordered {
		old, ok := prev.byKey[ev.Key]
		switch {
		case !ok:
			diff.Added = append(diff.Added, ev)
		case old.Differs(ev):
			diff.Changed = append(diff.Changed, model.Change{Old: old, New: ev})
		}
	}
	for _, old := range prev.ordered {
		if _, ok := next.byKey[old.Key]; !ok {
			diff.Removed = append(diff.Removed, old)
		}
	}

	s.current.Store(next)
	return diff
}

// Timeline returns the current events ordered by start time, ties broken by key.
func (s *Store) Timeline() []model.Event {
	tl := s.current.Load()
	out := make([]model.Event, len(tl.ordered))
	for i, ev := range tl.ordered {
		out[i] = ev.Clone()
	}
	return out
}

// Get looks up a single event in the current snapshot.
func (s *Store) Get(key model.Key) (model.Event, bool) {
	ev, ok := s.current.Load().byKey[key]
	if !ok {
		return model.Event{}, false
	}
	return ev.Clone(), true
}

// Next returns the first event starting after now.
func (s *Store) Next(now time.Time) (model.Event, bool) {
	tl := s.current.Load()
	i, _ := slices.BinarySearchFunc(tl.ordered, now, func(ev model.Event, t time.Time) int {
		if ev.Start.After(t) {
			return 1
		}
		return -1
	})
	if i >= len(tl.ordered) {
		return model.Event{}, false
	}
	return tl.ordered[i].Clone(), true
}

// Len returns the number of events in the current snapshot.
func (s *Store) Len() int {
	return len(s.current.Load().ordered)
}
