// Package escalation drives the per-event reminder state machine: three
// escalating voice prompts a step delay apart, then the full-detail
// announcement, unless the user acknowledges first.
//
// Every transition is a compare-and-swap on the notification's state word,
// so an acknowledgment racing a step timer has exactly one winner and the
// loser's side effects never happen.
package escalation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chronocal/internal/audio"
	"chronocal/internal/config"
	"chronocal/internal/feed"
	"chronocal/internal/journal"
	appLog "chronocal/internal/log"
	"chronocal/internal/model"
)

// ErrSchedulingConflict is returned by Fire when a notification for the same
// event is still live.
var ErrSchedulingConflict = errors.New("escalation: notification already live for event")

// Transition is published on every state change for UI subscribers.
type Transition struct {
	EventKey       model.Key `json:"event_id"`
	NotificationID string    `json:"notification_id"`
	Step           int       `json:"step"`
	State          State     `json:"state"`
	DisplayText    string    `json:"display_text,omitempty"`
	// Dismiss tells the UI to close its acknowledgment affordance.
	Dismiss bool      `json:"dismiss,omitempty"`
	At      time.Time `json:"at"`
}

// Notification is one live run of the state machine for an event.
type Notification struct {
	ID        string
	Event     model.Event
	Config    config.ReminderConfig
	CreatedAt time.Time

	state  atomic.Int32
	signal chan struct{}
	done   chan struct{}
	// ctx is cancelled on preemption and cuts a step phrase short.
	ctx  context.Context
	stop context.CancelFunc
}

// State returns the current state.
func (n *Notification) State() State {
	return State(n.state.Load())
}

// Done is closed once the notification reached a terminal state and all
// its side effects ran.
func (n *Notification) Done() <-chan struct{} {
	return n.done
}

func (n *Notification) cas(from, to State) bool {
	return n.state.CompareAndSwap(int32(from), int32(to))
}

// preempt moves a pre-terminal notification to target. It fails once the
// notification was acknowledged or reached a terminal state.
func (n *Notification) preempt(target State) bool {
	for {
		cur := n.State()
		if cur.Terminal() || cur == Acknowledged {
			return false
		}
		if n.cas(cur, target) {
			n.stop()
			select {
			case n.signal <- struct{}{}:
			default:
			}
			return true
		}
	}
}

// Snapshot is a read-only view of a live notification.
type Snapshot struct {
	ID        string    `json:"id"`
	EventKey  model.Key `json:"event_id"`
	Title     string    `json:"title"`
	Start     time.Time `json:"start"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Engine owns all live notifications.
type Engine struct {
	cfg      *config.Holder
	announce audio.Announcer
	journal  journal.Journal
	feed     *feed.Hub[Transition]
	clock    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	live      map[model.Key]*Notification
	onSnooze  func(ev model.Event, at time.Time)
	onRelease func(ev model.Event)
}

// New returns an engine reading reminder settings from cfg. A nil journal
// disables delivery history.
func New(cfg *config.Holder, announcer audio.Announcer, j journal.Journal) *Engine {
	if announcer == nil {
		announcer = audio.Log{}
	}
	if j == nil {
		j = journal.NewMemory()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		announce: announcer,
		journal:  j,
		feed:     feed.NewHub[Transition]("transitions"),
		clock:    time.Now,
		ctx:      ctx,
		cancel:   cancel,
		live:     make(map[model.Key]*Notification),
	}
}

// SetClock replaces the time source. Only used by tests.
func (e *Engine) SetClock(clock func() time.Time) {
	e.clock = clock
}

// OnSnooze registers the hook that re-arms a snoozed event at the given
// time. The scheduler installs itself here.
func (e *Engine) OnSnooze(fn func(ev model.Event, at time.Time)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onSnooze = fn
}

// OnRelease registers the hook called once a notification is no longer
// live, after any snooze hook. The scheduler uses it to pick up changes that
// arrived while the notification was running.
func (e *Engine) OnRelease(fn func(ev model.Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onRelease = fn
}

// Subscribe returns the transition feed and its cancel function.
func (e *Engine) Subscribe() (<-chan Transition, func()) {
	return e.feed.Subscribe()
}

// Fire creates a notification for ev with a snapshot of the current reminder
// config and starts escalating it.
func (e *Engine) Fire(ev model.Event) (*Notification, error) {
	e.mu.Lock()
	if _, exists := e.live[ev.Key]; exists {
		e.mu.Unlock()
		return nil, ErrSchedulingConflict
	}
	if e.ctx.Err() != nil {
		e.mu.Unlock()
		return nil, errors.New("escalation: engine stopped")
	}
	n := &Notification{
		ID:        uuid.NewString(),
		Event:     ev.Clone(),
		Config:    e.cfg.Current(),
		CreatedAt: e.clock(),
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	n.ctx, n.stop = context.WithCancel(e.ctx)
	e.live[ev.Key] = n
	e.wg.Add(1)
	e.mu.Unlock()

	appLog.Info("notification fired", "event", ev.Key, "notification", n.ID, "title", ev.Title, "start", ev.Start)
	go e.run(n)
	return n, nil
}

// Acknowledge stops the escalation for key and speaks the full detail right
// away. It returns false when nothing acknowledgeable is live, including a
// second acknowledgment of the same notification.
func (e *Engine) Acknowledge(key model.Key) bool {
	n := e.get(key)
	if n == nil || !n.preempt(Acknowledged) {
		return false
	}
	appLog.Info("notification acknowledged", "event", key, "notification", n.ID)
	return true
}

// Cancel stops the escalation for key without announcing the detail, for
// example because the event was deleted.
func (e *Engine) Cancel(key model.Key) bool {
	n := e.get(key)
	if n == nil || !n.preempt(Cancelled) {
		return false
	}
	appLog.Info("notification cancelled", "event", key, "notification", n.ID)
	return true
}

// Snooze stops the escalation for key and asks the snooze hook to fire it
// again after the configured snooze duration.
func (e *Engine) Snooze(key model.Key) bool {
	n := e.get(key)
	if n == nil || !n.preempt(Snoozed) {
		return false
	}
	appLog.Info("notification snoozed", "event", key, "notification", n.ID, "for", n.Config.SnoozeDuration)
	return true
}

// Live reports whether a notification for key has not reached a terminal
// state yet.
func (e *Engine) Live(key model.Key) bool {
	return e.get(key) != nil
}

// Active reports whether a notification for key is live and past Pending.
func (e *Engine) Active(key model.Key) bool {
	n := e.get(key)
	return n != nil && n.State() != Pending
}

// Notifications returns a snapshot of live notifications.
func (e *Engine) Notifications() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Snapshot, 0, len(e.live))
	for _, n := range e.live {
		out = append(out, Snapshot{
			ID:        n.ID,
			EventKey:  n.Event.Key,
			Title:     n.Event.Title,
			Start:     n.Event.Start,
			State:     n.State(),
			CreatedAt: n.CreatedAt,
		})
	}
	return out
}

// Stop cancels every live notification and waits for their goroutines, or
// for ctx to expire. Fire fails after Stop.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.cancel()
	keys := make([]model.Key, 0, len(e.live))
	for k := range e.live {
		keys = append(keys, k)
	}
	e.mu.Unlock()

	for _, k := range keys {
		e.Cancel(k)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.feed.Close()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) get(key model.Key) *Notification {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live[key]
}

// run is the single owner of n's side effects.
func (e *Engine) run(n *Notification) {
	defer e.wg.Done()
	defer close(n.done)
	defer n.stop()

	after := e.escalate(n)
	e.release(n)
	if after != nil {
		after()
	}

	e.mu.Lock()
	hook := e.onRelease
	e.mu.Unlock()
	if hook != nil {
		hook(n.Event)
	}
}

// escalate walks the steps and returns an action to run once n is no
// longer live.
func (e *Engine) escalate(n *Notification) func() {
	t0 := e.clock()
	delay := n.Config.StepDelay

	for k := 0; k < config.StepCount; k++ {
		if k > 0 && !e.wait(n, t0.Add(time.Duration(k)*delay)) {
			return e.finishPreempted(n)
		}
		from := Pending
		if k > 0 {
			from = stepState(k - 1)
		}
		if !n.cas(from, stepState(k)) {
			return e.finishPreempted(n)
		}
		phrase := StepPhrase(k, n.Config.UserName)
		e.publish(n, Transition{Step: k, State: stepState(k), DisplayText: phrase})
		e.speakStep(n, phrase, n.Config.StepVolumes[k])
	}

	if !e.wait(n, t0.Add(time.Duration(config.StepCount)*delay)) {
		return e.finishPreempted(n)
	}
	if !n.cas(stepState(config.StepCount-1), Informed) {
		return e.finishPreempted(n)
	}
	e.deliver(n)
	return nil
}

// wait blocks until deadline and reports true, or returns false as soon as
// the notification is preempted.
func (e *Engine) wait(n *Notification, deadline time.Time) bool {
	d := deadline.Sub(e.clock())
	if d <= 0 {
		return !n.State().Preempted()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return !n.State().Preempted()
	case <-n.signal:
		return false
	case <-e.ctx.Done():
		n.preempt(Cancelled)
		return false
	}
}

// finishPreempted runs the side effects of whichever external signal won.
func (e *Engine) finishPreempted(n *Notification) func() {
	switch st := n.State(); st {
	case Acknowledged:
		e.publish(n, Transition{State: Acknowledged})
		n.state.Store(int32(Informed))
		e.deliver(n)
	case Cancelled:
		e.publish(n, Transition{State: Cancelled, Dismiss: true})
		e.record(n, journal.OutcomeCancelled)
	case Snoozed:
		e.publish(n, Transition{State: Snoozed, Dismiss: true})
		e.record(n, journal.OutcomeSnoozed)
		e.mu.Lock()
		hook := e.onSnooze
		e.mu.Unlock()
		if hook != nil {
			at := e.clock().Add(n.Config.SnoozeDuration)
			return func() { hook(n.Event, at) }
		}
	default:
		appLog.Warn("notification stopped in unexpected state", "event", n.Event.Key, "notification", n.ID, "state", st)
	}
	return nil
}

// deliver speaks the full detail of an Informed notification.
func (e *Engine) deliver(n *Notification) {
	text := DetailText(n.Event, n.Config)
	e.publish(n, Transition{State: Informed, DisplayText: text, Dismiss: true})
	e.speak(n, text, n.Config.DetailVolume)
	e.record(n, journal.OutcomeInformed)
	appLog.Info("notification informed", "event", n.Event.Key, "notification", n.ID)
}

// speakStep speaks an escalation phrase. Preempting n interrupts it.
func (e *Engine) speakStep(n *Notification, text string, volume float64) {
	err := e.announce.Announce(audio.WithVoice(n.ctx, n.Config.Voice), text, volume)
	switch {
	case err == nil:
	case n.ctx.Err() != nil:
		appLog.Debug("step phrase interrupted", "event", n.Event.Key, "notification", n.ID)
	default:
		appLog.Error("announcement failed", err, "event", n.Event.Key, "notification", n.ID)
	}
}

// speak runs to completion even when n was preempted; only Stop cuts it.
func (e *Engine) speak(n *Notification, text string, volume float64) {
	if err := e.announce.Announce(audio.WithVoice(e.ctx, n.Config.Voice), text, volume); err != nil {
		appLog.Error("announcement failed", err, "event", n.Event.Key, "notification", n.ID)
	}
}

func (e *Engine) record(n *Notification, outcome journal.Outcome) {
	err := e.journal.Record(context.Background(), journal.Entry{
		Key:            n.Event.Key,
		Title:          n.Event.Title,
		Start:          n.Event.Start,
		NotificationID: n.ID,
		Outcome:        outcome,
		At:             e.clock(),
	})
	if err != nil {
		appLog.Error("journal record failed", err, "event", n.Event.Key, "notification", n.ID, "outcome", outcome)
	}
}

func (e *Engine) publish(n *Notification, t Transition) {
	t.EventKey = n.Event.Key
	t.NotificationID = n.ID
	t.At = e.clock()
	e.feed.Publish(t)
}

// release removes n from the live set. The journal entry is written before
// this, so a scheduler that no longer sees n live also sees the delivery.
func (e *Engine) release(n *Notification) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.live[n.Event.Key]; ok && cur == n {
		delete(e.live, n.Event.Key)
	}
}
