// Package journal records how each notification ended so an event is never
// announced twice for the same start time, including across restarts.
package journal

import (
	"context"
	"slices"
	"sync"
	"time"

	"chronocal/internal/model"
)

// Outcome is the terminal state a notification reached.
type Outcome string

const (
	OutcomeInformed  Outcome = "informed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeSnoozed   Outcome = "snoozed"
)

// Entry is one finished notification.
type Entry struct {
	Key            model.Key `db:"event_key" json:"event_key"`
	Title          string    `db:"title" json:"title"`
	Start          time.Time `db:"-" json:"start"`
	NotificationID string    `db:"notification_id" json:"notification_id"`
	Outcome        Outcome   `db:"outcome" json:"outcome"`
	At             time.Time `db:"-" json:"at"`
}

// Journal is implemented by Memory and SQLite.
type Journal interface {
	Record(ctx context.Context, e Entry) error
	// Delivered reports whether a notification for key at start already
	// reached Informed.
	Delivered(ctx context.Context, key model.Key, start time.Time) (bool, error)
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

type deliveryKey struct {
	key   model.Key
	start int64
}

// Memory is an in-process journal, used when no data directory is writable
// and in tests.
type Memory struct {
	mu        sync.RWMutex
	entries   []Entry
	delivered map[deliveryKey]struct{}
}

// NewMemory returns an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{delivered: make(map[deliveryKey]struct{})}
}

func (m *Memory) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	if e.Outcome == OutcomeInformed {
		m.delivered[deliveryKey{e.Key, e.Start.Unix()}] = struct{}{}
	}
	return nil
}

func (m *Memory) Delivered(_ context.Context, key model.Key, start time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.delivered[deliveryKey{key, start.Unix()}]
	return ok, nil
}

func (m *Memory) Recent(_ context.Context, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := slices.Clone(m.entries)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
