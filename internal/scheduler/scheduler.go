// Package scheduler keeps exactly one pending timer per upcoming event and
// hands the event to the escalation engine when its lead time is reached.
package scheduler

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"chronocal/internal/config"
	"chronocal/internal/escalation"
	"chronocal/internal/journal"
	appLog "chronocal/internal/log"
	"chronocal/internal/model"
)

// Engine is the part of the escalation engine the scheduler drives.
type Engine interface {
	Fire(ev model.Event) (*escalation.Notification, error)
	Cancel(key model.Key) bool
	Live(key model.Key) bool
	Active(key model.Key) bool
}

// Lookup resolves the current version of an event when its timer elapses.
type Lookup interface {
	Get(key model.Key) (model.Event, bool)
}

// Armed describes one pending timer.
type Armed struct {
	Key    model.Key `json:"event_id"`
	FireAt time.Time `json:"fire_at"`
	Start  time.Time `json:"start"`
	Snooze bool      `json:"snooze,omitempty"`
}

type entry struct {
	timer  *time.Timer
	fireAt time.Time
	start  time.Time
	snooze bool
}

// Scheduler owns the timers. All bookkeeping happens under mu; a timer
// callback only acts when its entry is still the one registered for the
// key, so cancel and replace never race an elapsing timer.
//
// Changes that arrive while an event's notification is live are held in
// deferred and applied by Released once the engine lets go of it.
type Scheduler struct {
	cfg     *config.Holder
	store   Lookup
	engine  Engine
	journal journal.Journal
	clock   func() time.Time

	mu       sync.Mutex
	entries  map[model.Key]*entry
	deferred map[model.Key]model.Change
	stopped  bool
}

// New returns a scheduler and subscribes it to reminder config changes.
func New(cfg *config.Holder, store Lookup, engine Engine, j journal.Journal) *Scheduler {
	if j == nil {
		j = journal.NewMemory()
	}
	s := &Scheduler{
		cfg:     cfg,
		store:   store,
		engine:  engine,
		journal: j,
		clock:   time.Now,
		entries:  make(map[model.Key]*entry),
		deferred: make(map[model.Key]model.Change),
	}
	cfg.OnChange(func(config.ReminderConfig) { s.Reschedule() })
	return s
}

// SetClock replaces the time source used to decide whether a fire time has
// passed. Timers still run on wall time.
func (s *Scheduler) SetClock(clock func() time.Time) {
	s.clock = clock
}

// OnDiff applies a store diff: added events are armed, removed ones
// cancelled, changed ones re-armed. A change to an event whose notification
// is running is deferred until the notification is released.
func (s *Scheduler) OnDiff(diff model.Diff) {
	for _, ev := range diff.Added {
		s.consider(ev)
	}
	for _, ev := range diff.Removed {
		s.cancel(ev.Key)
		s.mu.Lock()
		delete(s.deferred, ev.Key)
		s.mu.Unlock()
		if s.engine.Live(ev.Key) && s.engine.Cancel(ev.Key) {
			appLog.Info("event removed while notifying, notification cancelled", "event", ev.Key)
		}
	}
	for _, ch := range diff.Changed {
		s.onChanged(ch)
	}
}

func (s *Scheduler) onChanged(ch model.Change) {
	key := ch.New.Key
	if s.engine.Live(key) {
		// The running notification keeps its snapshot.
		s.mu.Lock()
		if prev, ok := s.deferred[key]; ok {
			ch.Old = prev.Old
		}
		s.deferred[key] = ch
		s.mu.Unlock()
		appLog.Info("event changed during notification, deferring until it ends",
			"event", key,
			"old_start", ch.Old.Start,
			"new_start", ch.New.Start,
			"active", s.engine.Active(key),
		)
		if !s.engine.Live(key) {
			// Released before the change was recorded.
			s.Released(ch.Old)
		}
		return
	}

	s.mu.Lock()
	e, armed := s.entries[key]
	snoozed := armed && e.snooze
	s.mu.Unlock()

	switch {
	case snoozed && ch.Old.Start.Equal(ch.New.Start):
		appLog.Debug("event changed while snoozed, keeping snooze", "event", key)
	case armed:
		s.consider(ch.New)
	case !ch.Old.Start.Equal(ch.New.Start):
		// Already delivered or dropped: only a moved start is a new reminder.
		s.consider(ch.New)
	default:
		appLog.Debug("event changed after delivery, not re-announcing", "event", key)
	}
}

// Released applies the change deferred while ev's notification was live. A
// moved start is a new reminder; other edits are already reflected in the
// store. ev is the snapshot the notification ran with.
func (s *Scheduler) Released(ev model.Event) {
	s.mu.Lock()
	ch, ok := s.deferred[ev.Key]
	delete(s.deferred, ev.Key)
	s.mu.Unlock()
	if !ok {
		return
	}

	cur, ok := s.store.Get(ev.Key)
	if !ok {
		return
	}
	if cur.Start.Equal(ev.Start) {
		appLog.Debug("deferred change kept the start, nothing to re-arm", "event", ev.Key)
		return
	}
	appLog.Info("applying change deferred during notification",
		"event", ev.Key,
		"old_start", ch.Old.Start,
		"new_start", cur.Start,
	)
	s.consider(cur)
}

// Deferred lists the events whose change waits for their notification to
// end.
func (s *Scheduler) Deferred() []model.Change {
	s.mu.Lock()
	out := make([]model.Change, 0, len(s.deferred))
	for _, ch := range s.deferred {
		out = append(out, ch)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b model.Change) int { return cmp.Compare(a.New.Key, b.New.Key) })
	return out
}

// consider arms ev at start - lead, fires it right away when that moment has
// passed but the event has not ended, and drops it otherwise.
func (s *Scheduler) consider(ev model.Event) {
	now := s.clock()
	if !ev.End.After(now) {
		s.cancel(ev.Key)
		appLog.Debug("event already ended, not scheduling", "event", ev.Key, "end", ev.End)
		return
	}

	delivered, err := s.journal.Delivered(context.Background(), ev.Key, ev.Start)
	if err != nil {
		appLog.Error("journal lookup failed, scheduling anyway", err, "event", ev.Key)
	}
	if delivered {
		s.cancel(ev.Key)
		appLog.Debug("event already announced for this start", "event", ev.Key, "start", ev.Start)
		return
	}

	if s.engine.Live(ev.Key) {
		appLog.Warn("scheduling conflict, notification already live", "event", ev.Key)
		return
	}

	fireAt := ev.Start.Add(-s.cfg.Current().LeadTime())
	s.arm(ev.Key, fireAt, ev.Start, false)
}

// Reschedule re-arms every pending lead-time timer with the current lead
// time. Snoozed timers and running notifications are not affected.
func (s *Scheduler) Reschedule() {
	lead := s.cfg.Current().LeadTime()

	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for key, e := range s.entries {
		if e.snooze {
			continue
		}
		s.armLocked(key, e.start.Add(-lead), e.start, false)
		count++
	}
	appLog.Info("pending timers rescheduled", "count", count, "lead", lead)
}

// ArmAt arms ev for an explicit time, replacing any timer it had. It is the
// snooze path.
func (s *Scheduler) ArmAt(ev model.Event, at time.Time) {
	s.arm(ev.Key, at, ev.Start, true)
	appLog.Info("event re-armed", "event", ev.Key, "fire_at", at)
}

// Pending lists armed timers ordered by fire time.
func (s *Scheduler) Pending() []Armed {
	s.mu.Lock()
	out := make([]Armed, 0, len(s.entries))
	for key, e := range s.entries {
		out = append(out, Armed{Key: key, FireAt: e.fireAt, Start: e.start, Snooze: e.snooze})
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b Armed) int {
		if c := a.FireAt.Compare(b.FireAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	return out
}

// Stop cancels every timer. Later arms are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for key, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, key)
	}
}

func (s *Scheduler) arm(key model.Key, fireAt, start time.Time, snooze bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armLocked(key, fireAt, start, snooze)
}

// armLocked replaces key's entry. A timer of the old entry that already
// elapsed finds itself replaced in fire and does nothing.
func (s *Scheduler) armLocked(key model.Key, fireAt, start time.Time, snooze bool) {
	if s.stopped {
		return
	}
	if old, ok := s.entries[key]; ok {
		if old.fireAt.Equal(fireAt) && old.start.Equal(start) && old.snooze == snooze {
			return
		}
		old.timer.Stop()
	}

	e := &entry{fireAt: fireAt, start: start, snooze: snooze}
	d := fireAt.Sub(s.clock())
	if d < 0 {
		d = 0
	}
	e.timer = time.AfterFunc(d, func() { s.fire(key, e) })
	s.entries[key] = e
	appLog.Debug("timer armed", "event", key, "fire_at", fireAt, "in", d)
}

func (s *Scheduler) cancel(key model.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.timer.Stop()
		delete(s.entries, key)
		appLog.Debug("timer cancelled", "event", key)
	}
}

func (s *Scheduler) fire(key model.Key, e *entry) {
	s.mu.Lock()
	if cur, ok := s.entries[key]; !ok || cur != e {
		// Replaced or cancelled after the timer elapsed.
		s.mu.Unlock()
		return
	}
	delete(s.entries, key)
	s.mu.Unlock()

	ev, ok := s.store.Get(key)
	if !ok {
		appLog.Debug("timer elapsed for event no longer in store", "event", key)
		return
	}
	if !ev.End.After(s.clock()) {
		appLog.Debug("timer elapsed after event ended", "event", key)
		return
	}
	delivered, err := s.journal.Delivered(context.Background(), key, ev.Start)
	if err != nil {
		appLog.Error("journal lookup failed, firing anyway", err, "event", key)
	}
	if delivered {
		appLog.Debug("timer elapsed for event already announced", "event", key, "start", ev.Start)
		return
	}

	if _, err := s.engine.Fire(ev); err != nil {
		if errors.Is(err, escalation.ErrSchedulingConflict) {
			appLog.Warn("scheduling conflict on fire", "event", key)
			return
		}
		appLog.Error("fire failed", err, "event", key)
	}
}
