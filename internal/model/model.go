package model

import (
	"slices"
	"time"
)

// Key identifies an event across providers. It is built from the provider
// name and the provider-native ID, so the same invite copied into two
// calendars yields two distinct keys.
type Key string

// NewKey builds the identity key for a provider-native event ID.
func NewKey(provider, nativeID string) Key {
	return Key(provider + ":" + nativeID)
}

func (k Key) String() string {
	return string(k)
}

// Event is a normalized calendar event as held by the store. Values are
// treated as immutable once fetched: a changed event is replaced wholesale
// on the next sync, never edited in place.
type Event struct {
	Key      Key
	Provider string // provider instance ID (e.g. config source ID)
	NativeID string // provider-native event ID (iCalendar UID, Google event ID, ...)

	Title     string
	Location  string
	Attendees []string

	Start time.Time
	End   time.Time
}

// Valid reports whether the event satisfies Start <= End and carries an identity.
func (e Event) Valid() bool {
	return e.Key != "" && !e.End.Before(e.Start)
}

// Differs reports whether the schedule-relevant attributes (start, end,
// title) of two versions of the same event differ.
func (e Event) Differs(other Event) bool {
	return !e.Start.Equal(other.Start) || !e.End.Equal(other.End) || e.Title != other.Title
}

// Clone returns a copy that does not share the attendee slice.
func (e Event) Clone() Event {
	e.Attendees = slices.Clone(e.Attendees)
	return e
}

// Less orders events by start time, breaking ties by key.
func Less(a, b Event) bool {
	if !a.Start.Equal(b.Start) {
		return a.Start.Before(b.Start)
	}
	return a.Key < b.Key
}

// Compare is the three-way form of Less, suitable for slices.SortFunc.
func Compare(a, b Event) int {
	switch {
	case Less(a, b):
		return -1
	case Less(b, a):
		return 1
	default:
		return 0
	}
}

// Window is the time range a provider is asked to return events for.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether an event overlaps the window.
func (w Window) Contains(e Event) bool {
	return !e.End.Before(w.Start) && !e.Start.After(w.End)
}

// Change pairs the previous and current version of an event whose start,
// end or title differ between two snapshots.
type Change struct {
	Old Event
	New Event
}

// Diff classifies the identities affected by a timeline replacement.
type Diff struct {
	Added   []Event
	Removed []Event
	Changed []Change
}

// Empty reports whether the diff carries no changes.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}
