package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chronocal/internal/audio"
	"chronocal/internal/config"
	"chronocal/internal/escalation"
	"chronocal/internal/journal"
	"chronocal/internal/model"
	"chronocal/internal/store"
)

type mockEngine struct {
	mock.Mock
	fired chan model.Event
}

func newMockEngine() *mockEngine {
	m := &mockEngine{fired: make(chan model.Event, 8)}
	m.On("Live", mock.Anything).Return(false).Maybe()
	m.On("Active", mock.Anything).Return(false).Maybe()
	m.On("Cancel", mock.Anything).Return(false).Maybe()
	m.On("Fire", mock.Anything).Return(nil, nil).Maybe()
	return m
}

func (m *mockEngine) Fire(ev model.Event) (*escalation.Notification, error) {
	args := m.Called(ev)
	m.fired <- ev
	n, _ := args.Get(0).(*escalation.Notification)
	return n, args.Error(1)
}

func (m *mockEngine) Cancel(key model.Key) bool { return m.Called(key).Bool(0) }
func (m *mockEngine) Live(key model.Key) bool   { return m.Called(key).Bool(0) }
func (m *mockEngine) Active(key model.Key) bool { return m.Called(key).Bool(0) }

type fixture struct {
	holder  *config.Holder
	store   *store.Store
	engine  *mockEngine
	journal *journal.Memory
	sched   *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	holder, err := config.NewHolder(config.DefaultReminder())
	require.NoError(t, err)
	f := &fixture{
		holder:  holder,
		store:   store.New(),
		engine:  newMockEngine(),
		journal: journal.NewMemory(),
	}
	f.sched = New(holder, f.store, f.engine, f.journal)
	t.Cleanup(f.sched.Stop)
	return f
}

// sync replaces the store and forwards the diff, like the sync coordinator.
func (f *fixture) sync(events ...model.Event) {
	f.sched.OnDiff(f.store.Replace(events))
}

func event(id string, start time.Time, dur time.Duration) model.Event {
	return model.Event{
		Key:      model.NewKey("test", id),
		Provider: "test",
		NativeID: id,
		Title:    id,
		Start:    start,
		End:      start.Add(dur),
	}
}

func expectFire(t *testing.T, m *mockEngine, key model.Key) model.Event {
	t.Helper()
	select {
	case ev := <-m.fired:
		assert.Equal(t, key, ev.Key)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("%s was not fired", key)
		return model.Event{}
	}
}

func expectNoFire(t *testing.T, m *mockEngine, within time.Duration) {
	t.Helper()
	select {
	case ev := <-m.fired:
		t.Fatalf("unexpected fire of %s", ev.Key)
	case <-time.After(within):
	}
}

func TestAdded_ArmsAtLeadTime(t *testing.T) {
	f := newFixture(t)
	start := time.Now().Add(2 * time.Hour)
	f.sync(event("standup", start, 15*time.Minute))

	pending := f.sched.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, model.Key("test:standup"), pending[0].Key)
	assert.True(t, pending[0].FireAt.Equal(start.Add(-15*time.Minute)))
}

func TestAdded_PastFireTimeFiresImmediately(t *testing.T) {
	f := newFixture(t)
	// Inside the lead window but not yet ended.
	f.sync(event("late", time.Now().Add(2*time.Minute), 30*time.Minute))

	expectFire(t, f.engine, "test:late")
	assert.Empty(t, f.sched.Pending())
}

func TestAdded_EndedEventDropped(t *testing.T) {
	f := newFixture(t)
	f.sync(event("over", time.Now().Add(-time.Hour), 30*time.Minute))

	assert.Empty(t, f.sched.Pending())
	expectNoFire(t, f.engine, 50*time.Millisecond)
}

func TestAdded_SkipsDeliveredStart(t *testing.T) {
	f := newFixture(t)
	ev := event("done", time.Now().Add(5*time.Minute), 30*time.Minute)
	require.NoError(t, f.journal.Record(context.Background(), journal.Entry{
		Key: ev.Key, Start: ev.Start, Outcome: journal.OutcomeInformed,
	}))

	f.sync(ev)
	assert.Empty(t, f.sched.Pending())
	expectNoFire(t, f.engine, 50*time.Millisecond)
}

func TestRemoved_CancelsTimer(t *testing.T) {
	f := newFixture(t)
	f.sync(event("a", time.Now().Add(time.Hour), time.Hour), event("b", time.Now().Add(time.Hour), time.Hour))
	require.Len(t, f.sched.Pending(), 2)

	f.sync(event("a", time.Now().Add(time.Hour), time.Hour))
	pending := f.sched.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, model.Key("test:a"), pending[0].Key)
}

func TestRemoved_CancelsLiveNotification(t *testing.T) {
	holder, err := config.NewHolder(config.DefaultReminder())
	require.NoError(t, err)
	m := &mockEngine{fired: make(chan model.Event, 1)}
	m.On("Live", model.Key("test:a")).Return(true)
	m.On("Cancel", model.Key("test:a")).Return(true).Once()

	st := store.New()
	s := New(holder, st, m, nil)
	defer s.Stop()

	st.Replace([]model.Event{event("a", time.Now().Add(time.Hour), time.Hour)})
	s.OnDiff(st.Replace(nil))

	m.AssertCalled(t, "Cancel", model.Key("test:a"))
}

func TestChanged_RearmsMovedEvent(t *testing.T) {
	f := newFixture(t)
	start := time.Now().Add(2 * time.Hour)
	f.sync(event("standup", start, 15*time.Minute))

	moved := start.Add(30 * time.Minute)
	f.sync(event("standup", moved, 15*time.Minute))

	pending := f.sched.Pending()
	require.Len(t, pending, 1)
	assert.True(t, pending[0].FireAt.Equal(moved.Add(-15*time.Minute)))
}

func TestChanged_InFlightNotificationHonored(t *testing.T) {
	holder, err := config.NewHolder(config.DefaultReminder())
	require.NoError(t, err)
	m := &mockEngine{fired: make(chan model.Event, 1)}
	// Live while the change arrives and on the re-check, released after.
	m.On("Live", mock.Anything).Return(true).Twice()
	m.On("Live", mock.Anything).Return(false)
	m.On("Active", mock.Anything).Return(true)

	st := store.New()
	s := New(holder, st, m, nil)
	defer s.Stop()

	start := time.Now().Add(10 * time.Minute)
	original := event("standup", start, time.Hour)
	st.Replace([]model.Event{original})
	moved := start.Add(time.Hour)
	s.OnDiff(st.Replace([]model.Event{event("standup", moved, time.Hour)}))

	assert.Empty(t, s.Pending(), "running notification is not rescheduled")
	m.AssertNotCalled(t, "Fire", mock.Anything)
	m.AssertNotCalled(t, "Cancel", mock.Anything)

	deferred := s.Deferred()
	require.Len(t, deferred, 1)
	assert.True(t, deferred[0].Old.Start.Equal(start))
	assert.True(t, deferred[0].New.Start.Equal(moved))

	s.Released(original)
	assert.Empty(t, s.Deferred())
	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.True(t, pending[0].FireAt.Equal(moved.Add(-15*time.Minute)))
}

func TestChanged_InFlightSameStartNotRearmed(t *testing.T) {
	holder, err := config.NewHolder(config.DefaultReminder())
	require.NoError(t, err)
	m := &mockEngine{fired: make(chan model.Event, 1)}
	m.On("Live", mock.Anything).Return(true).Twice()
	m.On("Live", mock.Anything).Return(false)
	m.On("Active", mock.Anything).Return(true)

	st := store.New()
	s := New(holder, st, m, nil)
	defer s.Stop()

	original := event("standup", time.Now().Add(10*time.Minute), time.Hour)
	st.Replace([]model.Event{original})
	renamed := original
	renamed.Title = "Renamed"
	s.OnDiff(st.Replace([]model.Event{renamed}))

	s.Released(original)
	assert.Empty(t, s.Pending())
	assert.Empty(t, s.Deferred())
}

func TestRemoved_DropsDeferredChange(t *testing.T) {
	holder, err := config.NewHolder(config.DefaultReminder())
	require.NoError(t, err)
	m := &mockEngine{fired: make(chan model.Event, 1)}
	m.On("Live", mock.Anything).Return(true)
	m.On("Active", mock.Anything).Return(true)
	m.On("Cancel", mock.Anything).Return(true)

	st := store.New()
	s := New(holder, st, m, nil)
	defer s.Stop()

	original := event("standup", time.Now().Add(10*time.Minute), time.Hour)
	st.Replace([]model.Event{original})
	s.OnDiff(st.Replace([]model.Event{event("standup", original.Start.Add(time.Hour), time.Hour)}))
	require.Len(t, s.Deferred(), 1)

	s.OnDiff(st.Replace(nil))
	assert.Empty(t, s.Deferred())
	s.Released(original)
	assert.Empty(t, s.Pending())
}

func TestChanged_DeliveredTitleChangeNotReannounced(t *testing.T) {
	f := newFixture(t)
	ev := event("standup", time.Now().Add(5*time.Minute), time.Hour)
	require.NoError(t, f.journal.Record(context.Background(), journal.Entry{
		Key: ev.Key, Start: ev.Start, Outcome: journal.OutcomeInformed,
	}))
	f.sync(ev)

	renamed := ev
	renamed.Title = "Renamed"
	f.sync(renamed)
	assert.Empty(t, f.sched.Pending())
	expectNoFire(t, f.engine, 50*time.Millisecond)
}

func TestReschedule_OnConfigChange(t *testing.T) {
	f := newFixture(t)
	start := time.Now().Add(2 * time.Hour)
	f.sync(event("standup", start, 15*time.Minute))

	next := f.holder.Current()
	next.LeadMinutes = 5
	require.NoError(t, f.holder.Replace(next))

	pending := f.sched.Pending()
	require.Len(t, pending, 1)
	assert.True(t, pending[0].FireAt.Equal(start.Add(-5*time.Minute)))
}

func TestReschedule_RejectedConfigKeepsTimers(t *testing.T) {
	f := newFixture(t)
	start := time.Now().Add(2 * time.Hour)
	f.sync(event("standup", start, 15*time.Minute))

	bad := f.holder.Current()
	bad.LeadMinutes = 7
	var cerr *config.ConfigError
	require.ErrorAs(t, f.holder.Replace(bad), &cerr)

	pending := f.sched.Pending()
	require.Len(t, pending, 1)
	assert.True(t, pending[0].FireAt.Equal(start.Add(-15*time.Minute)))
}

func TestArmAt_FiresAtExplicitTime(t *testing.T) {
	f := newFixture(t)
	ev := event("snoozy", time.Now().Add(3*time.Minute), time.Hour)
	f.store.Replace([]model.Event{ev})

	f.sched.ArmAt(ev, time.Now().Add(30*time.Millisecond))
	pending := f.sched.Pending()
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Snooze)

	expectFire(t, f.engine, ev.Key)
	assert.Empty(t, f.sched.Pending())
}

func TestFire_SkipsDeliveredStart(t *testing.T) {
	f := newFixture(t)
	ev := event("done", time.Now().Add(5*time.Minute), time.Hour)
	f.store.Replace([]model.Event{ev})
	f.sched.ArmAt(ev, time.Now().Add(30*time.Millisecond))

	// Announced through another path after the timer was armed.
	require.NoError(t, f.journal.Record(context.Background(), journal.Entry{
		Key: ev.Key, Start: ev.Start, Outcome: journal.OutcomeInformed,
	}))

	expectNoFire(t, f.engine, 100*time.Millisecond)
	assert.Empty(t, f.sched.Pending())
}

func TestReschedule_ElapsedTimerNotRearmed(t *testing.T) {
	f := newFixture(t)
	f.sync(event("late", time.Now().Add(2*time.Minute), 30*time.Minute))
	expectFire(t, f.engine, "test:late")

	next := f.holder.Current()
	next.LeadMinutes = 5
	require.NoError(t, f.holder.Replace(next))

	assert.Empty(t, f.sched.Pending())
	expectNoFire(t, f.engine, 50*time.Millisecond)
}

func TestStop_CancelsTimers(t *testing.T) {
	f := newFixture(t)
	ev := event("soon", time.Now().Add(time.Hour), time.Hour)
	f.store.Replace([]model.Event{ev})
	f.sched.ArmAt(ev, time.Now().Add(20*time.Millisecond))

	f.sched.Stop()
	assert.Empty(t, f.sched.Pending())
	expectNoFire(t, f.engine, 60*time.Millisecond)

	f.sched.ArmAt(ev, time.Now())
	assert.Empty(t, f.sched.Pending(), "arms after Stop are ignored")
}

// End to end with the real engine: a fired event is announced once, and the
// next sync does not arm it again.
func TestWithEngine_ExactlyOnce(t *testing.T) {
	rc := config.DefaultReminder()
	rc.StepDelay = 5 * time.Millisecond
	holder, err := config.NewHolder(rc)
	require.NoError(t, err)

	j := journal.NewMemory()
	eng := escalation.New(holder, audio.Log{}, j)
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })

	st := store.New()
	s := New(holder, st, eng, j)
	defer s.Stop()

	ev := event("standup", time.Now().Add(time.Minute), time.Hour)
	feed, unsubscribe := eng.Subscribe()
	defer unsubscribe()
	s.OnDiff(st.Replace([]model.Event{ev}))

	deadline := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case tr := <-feed:
			done = tr.State == escalation.Informed
		case <-deadline:
			t.Fatal("event was not announced")
		}
	}

	assert.Eventually(t, func() bool { return !eng.Live(ev.Key) }, time.Second, 5*time.Millisecond)

	// Force a Removed then Added cycle; the journal keeps it from re-firing.
	s.OnDiff(st.Replace(nil))
	s.OnDiff(st.Replace([]model.Event{ev}))
	assert.Empty(t, s.Pending())
}

// A start moved while the notification plays is armed once the notification
// is released, without waiting for another diff.
func TestWithEngine_MovedDuringNotificationRearmed(t *testing.T) {
	rc := config.DefaultReminder()
	rc.StepDelay = 50 * time.Millisecond
	holder, err := config.NewHolder(rc)
	require.NoError(t, err)

	j := journal.NewMemory()
	eng := escalation.New(holder, audio.Log{}, j)
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })

	st := store.New()
	s := New(holder, st, eng, j)
	defer s.Stop()
	eng.OnSnooze(s.ArmAt)
	eng.OnRelease(s.Released)

	feed, unsubscribe := eng.Subscribe()
	defer unsubscribe()

	ev := event("standup", time.Now().Add(2*time.Minute), time.Hour)
	s.OnDiff(st.Replace([]model.Event{ev}))

	deadline := time.After(2 * time.Second)
	for started := false; !started; {
		select {
		case tr := <-feed:
			started = tr.State == escalation.Step0
		case <-deadline:
			t.Fatal("event was not fired")
		}
	}

	newStart := time.Now().Add(3 * time.Hour).Truncate(time.Second)
	s.OnDiff(st.Replace([]model.Event{event("standup", newStart, time.Hour)}))
	require.True(t, eng.Live(ev.Key), "change must arrive during the escalation")

	assert.Eventually(t, func() bool { return !eng.Live(ev.Key) }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		pending := s.Pending()
		return len(pending) == 1 &&
			pending[0].Key == ev.Key &&
			pending[0].FireAt.Equal(newStart.Add(-15*time.Minute))
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, s.Deferred())
}
