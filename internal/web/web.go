package web

import (
	"cmp"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"chronocal/internal/config"
	"chronocal/internal/escalation"
	"chronocal/internal/journal"
	appLog "chronocal/internal/log"
	"chronocal/internal/model"
	"chronocal/internal/scheduler"
	"chronocal/internal/store"
	"chronocal/internal/syncer"
)

// Deps are the collaborators the HTTP boundary reads from and drives.
type Deps struct {
	Config *config.Config
	// ConfigPath is where reminder changes are persisted. Empty keeps them
	// in memory only.
	ConfigPath string
	Reminder   *config.Holder
	Store      *store.Store
	Engine     *escalation.Engine
	Scheduler  *scheduler.Scheduler
	Syncer     *syncer.Coordinator
	Journal    journal.Journal
}

// Server provides the HTTP API used by the UI: acknowledgment, snooze,
// timeline, status, settings and a server-sent event feed.
type Server struct {
	deps  Deps
	mux   *http.ServeMux
	clock func() time.Time

	// cfgMu serializes settings writes so the file on disk matches the
	// holder.
	cfgMu sync.Mutex
}

// NewServer constructs a new Server.
func NewServer(d Deps) *Server {
	if d.Config == nil {
		d.Config = config.DefaultConfig()
	}
	s := &Server{
		deps:  d,
		mux:   http.NewServeMux(),
		clock: time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.deps.Config.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	ba := s.deps.Config.BasicAuth
	if ba == nil {
		return false
	}
	// An empty username or password disables auth.
	return ba.Username != "" && ba.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.deps.Config.BasicAuth.Username
	password := s.deps.Config.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="chronocal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Run serves on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.deps.Config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.deps.Config.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)

	s.mux.HandleFunc("GET /api/timeline", s.handleTimeline)
	s.mux.HandleFunc("GET /api/next", s.handleNext)
	s.mux.HandleFunc("GET /api/notifications", s.handleNotifications)
	s.mux.HandleFunc("POST /api/notifications/{key}/ack", s.handleAck)
	s.mux.HandleFunc("POST /api/notifications/{key}/snooze", s.handleSnooze)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/sync", s.handleSync)
	s.mux.HandleFunc("GET /api/config/reminder", s.handleGetReminder)
	s.mux.HandleFunc("PUT /api/config/reminder", s.handlePutReminder)
	s.mux.HandleFunc("GET /api/history", s.handleHistory)
	s.mux.HandleFunc("GET /api/feed", s.handleFeed)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventDTO is a JSON-friendly view of model.Event.
type eventDTO struct {
	ID        model.Key `json:"id"`
	Provider  string    `json:"provider"`
	Title     string    `json:"title"`
	Location  string    `json:"location,omitempty"`
	Attendees []string  `json:"attendees,omitempty"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

func toEventDTO(ev model.Event) eventDTO {
	return eventDTO{
		ID:        ev.Key,
		Provider:  ev.Provider,
		Title:     ev.Title,
		Location:  ev.Location,
		Attendees: ev.Attendees,
		Start:     ev.Start,
		End:       ev.End,
	}
}

// handleTimeline returns the merged timeline.
//
// GET /api/timeline?upcoming=1&limit=50
//   - upcoming: hide events that already ended (default 1)
//   - limit:    maximum number of events, 0 for all (default 0)
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	upcoming := parseIntDefault(q.Get("upcoming"), 1) != 0
	limit := parseIntDefault(q.Get("limit"), 0)

	now := s.clock()
	events := s.deps.Store.Timeline()
	out := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		if upcoming && !ev.End.After(now) {
			continue
		}
		out = append(out, toEventDTO(ev))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

type nextResponse struct {
	Event   *eventDTO `json:"event"`
	StartIn string    `json:"start_in,omitempty"`
}

func (s *Server) handleNext(w http.ResponseWriter, _ *http.Request) {
	now := s.clock()
	ev, ok := s.deps.Store.Next(now)
	if !ok {
		writeJSON(w, http.StatusOK, nextResponse{})
		return
	}
	dto := toEventDTO(ev)
	writeJSON(w, http.StatusOK, nextResponse{
		Event:   &dto,
		StartIn: ev.Start.Sub(now).Truncate(time.Second).String(),
	})
}

type notificationsResponse struct {
	Live    []escalation.Snapshot `json:"live"`
	Pending []scheduler.Armed     `json:"pending"`
}

func (s *Server) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	live := s.deps.Engine.Notifications()
	slices.SortFunc(live, func(a, b escalation.Snapshot) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.EventKey, b.EventKey)
	})
	writeJSON(w, http.StatusOK, notificationsResponse{
		Live:    live,
		Pending: s.deps.Scheduler.Pending(),
	})
}

// handleAck acknowledges the live notification of an event.
// 404 when nothing is live for the key, 409 when it can no longer be
// acknowledged (already acknowledged, cancelled or snoozed).
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	s.preempt(w, r, "acknowledged", s.deps.Engine.Acknowledge)
}

func (s *Server) handleSnooze(w http.ResponseWriter, r *http.Request) {
	s.preempt(w, r, "snoozed", s.deps.Engine.Snooze)
}

func (s *Server) preempt(w http.ResponseWriter, r *http.Request, verb string, fn func(model.Key) bool) {
	key := model.Key(r.PathValue("key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing event id")
		return
	}
	if !s.deps.Engine.Live(key) {
		writeError(w, http.StatusNotFound, "no live notification for "+key.String())
		return
	}
	if !fn(key) {
		writeError(w, http.StatusConflict, "notification can no longer be "+verb)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event_id": key, "result": verb})
}

type statusResponse struct {
	Now       time.Time       `json:"now"`
	Events    int             `json:"events"`
	Live      int             `json:"live"`
	Pending   int             `json:"pending"`
	Providers []syncer.Status `json:"providers"`
	Reminder  reminderDTO     `json:"reminder"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Now:       s.clock(),
		Events:    s.deps.Store.Len(),
		Live:      len(s.deps.Engine.Notifications()),
		Pending:   len(s.deps.Scheduler.Pending()),
		Providers: s.deps.Syncer.Status(),
		Reminder:  toReminderDTO(s.deps.Reminder.Current()),
	})
}

type syncResponse struct {
	Events   int      `json:"events"`
	Added    int      `json:"added"`
	Removed  int      `json:"removed"`
	Changed  int      `json:"changed"`
	Failures []string `json:"failures,omitempty"`
}

// handleSync runs a sync cycle now. Provider failures are reported in the
// body; the status is 200 as long as the cycle ran.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Syncer.SyncNow(r.Context())
	if err != nil {
		appLog.Error("api sync failed", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	resp := syncResponse{
		Events:  res.Events,
		Added:   len(res.Diff.Added),
		Removed: len(res.Diff.Removed),
		Changed: len(res.Diff.Changed),
	}
	for _, f := range res.Failures {
		resp.Failures = append(resp.Failures, f.Error())
	}
	writeJSON(w, http.StatusOK, resp)
}

// reminderDTO carries durations as Go duration strings ("1.5s", "5m").
type reminderDTO struct {
	LeadMinutes  int       `json:"lead_minutes"`
	StepVolumes  []float64 `json:"step_volumes"`
	DetailVolume float64   `json:"detail_volume"`
	StepDelay    string    `json:"step_delay"`
	Snooze       string    `json:"snooze"`
	UserName     string    `json:"user_name"`
	Timezone     string    `json:"timezone"`
	Voice        string    `json:"voice"`
}

func toReminderDTO(rc config.ReminderConfig) reminderDTO {
	return reminderDTO{
		LeadMinutes:  rc.LeadMinutes,
		StepVolumes:  rc.StepVolumes,
		DetailVolume: rc.DetailVolume,
		StepDelay:    rc.StepDelay.String(),
		Snooze:       rc.SnoozeDuration.String(),
		UserName:     rc.UserName,
		Timezone:     rc.Timezone,
		Voice:        rc.Voice,
	}
}

func (d reminderDTO) toConfig() (config.ReminderConfig, error) {
	delay, err := time.ParseDuration(d.StepDelay)
	if err != nil {
		return config.ReminderConfig{}, &config.ConfigError{Field: "step_delay", Reason: err.Error()}
	}
	snooze, err := time.ParseDuration(d.Snooze)
	if err != nil {
		return config.ReminderConfig{}, &config.ConfigError{Field: "snooze", Reason: err.Error()}
	}
	return config.ReminderConfig{
		LeadMinutes:    d.LeadMinutes,
		StepVolumes:    d.StepVolumes,
		DetailVolume:   d.DetailVolume,
		StepDelay:      delay,
		SnoozeDuration: snooze,
		UserName:       d.UserName,
		Timezone:       d.Timezone,
		Voice:          d.Voice,
	}, nil
}

func (s *Server) handleGetReminder(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toReminderDTO(s.deps.Reminder.Current()))
}

// handlePutReminder replaces the reminder settings. Fields missing from the
// body keep their current value. Pending timers are re-armed by the
// scheduler through the holder's change listener.
func (s *Server) handlePutReminder(w http.ResponseWriter, r *http.Request) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	dto := toReminderDTO(s.deps.Reminder.Current())
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	next, err := dto.toConfig()
	if err == nil {
		err = s.deps.Reminder.Replace(next)
	}
	if err != nil {
		var cerr *config.ConfigError
		if errors.As(err, &cerr) {
			writeError(w, http.StatusBadRequest, cerr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	current := s.deps.Reminder.Current()
	if s.deps.ConfigPath != "" {
		s.deps.Config.Reminder = current
		if err := config.Save(s.deps.ConfigPath, s.deps.Config); err != nil {
			appLog.Error("failed to persist reminder config", err, "path", s.deps.ConfigPath)
			writeError(w, http.StatusInternalServerError, "settings applied but not saved: "+err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, toReminderDTO(current))
}

// handleHistory returns finished notifications, newest first.
//
// GET /api/history?limit=50
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	entries, err := s.deps.Journal.Recent(r.Context(), limit)
	if err != nil {
		appLog.Error("api history: journal read failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleFeed streams escalation transitions and provider health changes as
// server-sent events until the client goes away or the producers stop.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	transitions, stopTransitions := s.deps.Engine.Subscribe()
	defer stopTransitions()
	health, stopHealth := s.deps.Syncer.Subscribe()
	defer stopHealth()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case tr, ok := <-transitions:
			if !ok {
				return
			}
			if !writeSSE(w, "transition", tr) {
				return
			}
		case h, ok := <-health:
			if !ok {
				return
			}
			if !writeSSE(w, "provider_health", h) {
				return
			}
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, event string, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		appLog.Error("failed to encode feed value", err, "event", event)
		return true
	}
	if _, err := w.Write([]byte("event: " + event + "\ndata: " + string(data) + "\n\n")); err != nil {
		return false
	}
	return true
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
