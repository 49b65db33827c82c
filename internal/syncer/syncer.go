// Package syncer periodically pulls events from every configured provider,
// merges them into the event store and forwards the resulting diff to the
// trigger scheduler.
package syncer

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"chronocal/internal/config"
	"chronocal/internal/feed"
	appLog "chronocal/internal/log"
	"chronocal/internal/model"
	"chronocal/internal/provider"
	"chronocal/internal/store"
)

// DiffSink receives the diff of every store replacement.
type DiffSink interface {
	OnDiff(diff model.Diff)
}

// Health is published when a provider becomes degraded or recovers.
type Health struct {
	Provider string    `json:"provider"`
	Degraded bool      `json:"degraded"`
	Failures int       `json:"failures"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Status is the per-provider sync state.
type Status struct {
	Provider            string    `json:"provider"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastAttempt         time.Time `json:"last_attempt"`
	LastSuccess         time.Time `json:"last_success"`
	Degraded            bool      `json:"degraded"`
	Events              int       `json:"events"`
}

// Result summarizes one sync cycle.
type Result struct {
	Diff     model.Diff
	Events   int
	Failures []error
}

// Coordinator runs sync cycles. Cycles never overlap: cron runs are
// skipped while one is in progress and SyncNow waits for it.
type Coordinator struct {
	providers *provider.Registry
	store     *store.Store
	sink      DiffSink
	cfg       config.SyncConfig
	clock     func() time.Time
	health    *feed.Hub[Health]

	runMu sync.Mutex
	cron  *cron.Cron

	mu     sync.RWMutex
	last   map[string][]model.Event
	status map[string]*Status
}

// New returns a coordinator for the providers in reg.
func New(reg *provider.Registry, st *store.Store, sink DiffSink, cfg config.SyncConfig) *Coordinator {
	if cfg.LookaheadHours <= 0 {
		cfg.LookaheadHours = 36
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	return &Coordinator{
		providers: reg,
		store:     st,
		sink:      sink,
		cfg:       cfg,
		clock:     time.Now,
		health:    feed.NewHub[Health]("provider-health"),
		last:      make(map[string][]model.Event),
		status:    make(map[string]*Status),
	}
}

// SetClock replaces the time source. Only used by tests.
func (c *Coordinator) SetClock(clock func() time.Time) {
	c.clock = clock
}

// Subscribe returns the provider health feed.
func (c *Coordinator) Subscribe() (<-chan Health, func()) {
	return c.health.Subscribe()
}

// Start runs a first sync and then follows the configured schedule until
// Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	logger := cronLogger{}
	cr := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := cr.AddFunc(c.cfg.Schedule, func() {
		if _, err := c.SyncNow(ctx); err != nil {
			appLog.Error("scheduled sync failed", err)
		}
	}); err != nil {
		return fmt.Errorf("syncer: invalid schedule %q: %w", c.cfg.Schedule, err)
	}

	if _, err := c.SyncNow(ctx); err != nil {
		appLog.Error("initial sync failed", err)
	}

	c.runMu.Lock()
	c.cron = cr
	c.runMu.Unlock()
	cr.Start()
	appLog.Info("sync schedule started", "schedule", c.cfg.Schedule, "providers", c.providers.Len())
	return nil
}

// Stop stops the schedule and waits for a running cycle to finish.
func (c *Coordinator) Stop() {
	c.runMu.Lock()
	cr := c.cron
	c.cron = nil
	c.runMu.Unlock()
	if cr != nil {
		<-cr.Stop().Done()
	}
	c.health.Close()
}

// SyncNow runs one sync cycle. Provider failures are reported in the result
// and the health feed; the error is only non-nil when ctx was cancelled.
func (c *Coordinator) SyncNow(ctx context.Context) (Result, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	now := c.clock()
	window := model.Window{Start: now, End: now.Add(time.Duration(c.cfg.LookaheadHours) * time.Hour)}
	providers := c.providers.All()

	type fetched struct {
		id     string
		events []model.Event
		err    error
	}
	results := make([]fetched, len(providers))

	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func(i int, p provider.Provider) {
			defer wg.Done()
			events, err := p.FetchEvents(ctx, window)
			if err != nil {
				var perr *provider.ProviderError
				if !errors.As(err, &perr) {
					err = provider.Wrap(p.ID(), err)
				}
			}
			results[i] = fetched{id: p.ID(), events: events, err: err}
		}(i, p)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var res Result
	candidate := make([]model.Event, 0)

	c.mu.Lock()
	for _, r := range results {
		st := c.statusLocked(r.id)
		st.LastAttempt = now
		if r.err != nil {
			res.Failures = append(res.Failures, r.err)
			c.recordFailureLocked(st, r.err)
			// Keep serving what the provider returned last time.
			candidate = append(candidate, c.last[r.id]...)
			continue
		}
		events := normalize(r.id, r.events)
		c.last[r.id] = events
		c.recordSuccessLocked(st, len(events))
		candidate = append(candidate, events...)
	}
	c.mu.Unlock()

	res.Diff = c.store.Replace(candidate)
	res.Events = c.store.Len()
	appLog.Info("sync completed",
		"providers", len(providers),
		"failed", len(res.Failures),
		"events", res.Events,
		"added", len(res.Diff.Added),
		"removed", len(res.Diff.Removed),
		"changed", len(res.Diff.Changed),
	)
	if c.sink != nil && !res.Diff.Empty() {
		c.sink.OnDiff(res.Diff)
	}
	return res, nil
}

// Status returns the per-provider state ordered by provider ID.
func (c *Coordinator) Status() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Status, 0, len(c.status))
	for _, st := range c.status {
		out = append(out, *st)
	}
	slices.SortFunc(out, func(a, b Status) int {
		return cmp.Compare(a.Provider, b.Provider)
	})
	return out
}

func (c *Coordinator) statusLocked(id string) *Status {
	st, ok := c.status[id]
	if !ok {
		st = &Status{Provider: id}
		c.status[id] = st
	}
	return st
}

func (c *Coordinator) recordFailureLocked(st *Status, err error) {
	st.ConsecutiveFailures++
	st.LastError = err.Error()
	appLog.Error("provider fetch failed", err, "provider", st.Provider, "consecutive_failures", st.ConsecutiveFailures)

	if !st.Degraded && st.ConsecutiveFailures >= c.cfg.FailureThreshold {
		st.Degraded = true
		appLog.Warn("provider degraded", "provider", st.Provider, "failures", st.ConsecutiveFailures)
		c.health.Publish(Health{
			Provider: st.Provider,
			Degraded: true,
			Failures: st.ConsecutiveFailures,
			Error:    st.LastError,
			At:       c.clock(),
		})
	}
}

func (c *Coordinator) recordSuccessLocked(st *Status, events int) {
	recovered := st.Degraded
	st.ConsecutiveFailures = 0
	st.LastError = ""
	st.LastSuccess = st.LastAttempt
	st.Degraded = false
	st.Events = events
	if recovered {
		appLog.Info("provider recovered", "provider", st.Provider)
		c.health.Publish(Health{Provider: st.Provider, At: c.clock()})
	}
}

// normalize tags events with their provider and drops the ones violating
// Start <= End.
func normalize(providerID string, events []model.Event) []model.Event {
	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if ev.Provider == "" {
			ev.Provider = providerID
		}
		if ev.Key == "" && ev.NativeID != "" {
			ev.Key = model.NewKey(providerID, ev.NativeID)
		}
		if !ev.Valid() {
			appLog.Warn("dropping invalid event", "provider", providerID, "key", ev.Key, "start", ev.Start, "end", ev.End)
			continue
		}
		out = append(out, ev)
	}
	return out
}

// cronLogger routes cron's own logging through the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
