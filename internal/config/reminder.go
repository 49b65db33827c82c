package config

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	appLog "chronocal/internal/log"
)

// LeadTimes is the enumerated set of supported reminder lead times.
var LeadTimes = []time.Duration{
	5 * time.Minute,
	10 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
}

// StepCount is the number of escalation steps before the full-detail announcement.
const StepCount = 3

// ReminderConfig is the process-wide reminder configuration read by the
// trigger scheduler and the escalation engine.
type ReminderConfig struct {
	// LeadMinutes must be one of LeadTimes expressed in minutes.
	LeadMinutes int `yaml:"lead_minutes" json:"lead_minutes"`
	// StepVolumes are the volumes (0..1) of the three escalation steps.
	StepVolumes []float64 `yaml:"step_volumes" json:"step_volumes"`
	// DetailVolume is the volume of the full-detail announcement.
	DetailVolume float64 `yaml:"detail_volume" json:"detail_volume"`
	// StepDelay separates consecutive escalation steps.
	StepDelay time.Duration `yaml:"step_delay" json:"step_delay"`
	// SnoozeDuration is how long a snoozed reminder waits before firing again.
	SnoozeDuration time.Duration `yaml:"snooze" json:"snooze"`
	// UserName is spoken in the escalation phrases.
	UserName string `yaml:"user_name" json:"user_name"`
	// Timezone is the IANA zone used when speaking event times. Empty uses
	// the local zone.
	Timezone string `yaml:"timezone" json:"timezone"`
	// Voice selects the speech voice. Empty uses the player's default.
	Voice string `yaml:"voice,omitempty" json:"voice"`
}

// DefaultReminder returns the default reminder settings.
func DefaultReminder() ReminderConfig {
	return ReminderConfig{
		LeadMinutes:    15,
		StepVolumes:    []float64{0.2, 0.4, 0.75},
		DetailVolume:   0.75,
		StepDelay:      1500 * time.Millisecond,
		SnoozeDuration: 5 * time.Minute,
		UserName:       "User",
	}
}

// Normalize fills zero values with defaults. It never overrides values that
// were set, even invalid ones, so Validate can reject them. DetailVolume is
// left alone since 0 is a valid setting; its default comes from
// DefaultReminder when the file is loaded.
func (r *ReminderConfig) Normalize() {
	def := DefaultReminder()
	if r.LeadMinutes == 0 {
		r.LeadMinutes = def.LeadMinutes
	}
	if r.StepVolumes == nil {
		r.StepVolumes = def.StepVolumes
	}
	if r.StepDelay == 0 {
		r.StepDelay = def.StepDelay
	}
	if r.SnoozeDuration == 0 {
		r.SnoozeDuration = def.SnoozeDuration
	}
	if strings.TrimSpace(r.UserName) == "" {
		r.UserName = def.UserName
	}
}

// LeadTime returns the lead time as a duration.
func (r ReminderConfig) LeadTime() time.Duration {
	return time.Duration(r.LeadMinutes) * time.Minute
}

// Location resolves Timezone, falling back to the local zone.
func (r ReminderConfig) Location() *time.Location {
	if r.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Validate reports the first malformed setting as a *ConfigError.
func (r ReminderConfig) Validate() error {
	if !slices.Contains(LeadTimes, r.LeadTime()) {
		return &ConfigError{Field: "lead_minutes", Reason: fmt.Sprintf("%d is not one of 5, 10, 15, 30", r.LeadMinutes)}
	}
	if len(r.StepVolumes) != StepCount {
		return &ConfigError{Field: "step_volumes", Reason: fmt.Sprintf("want %d volumes, got %d", StepCount, len(r.StepVolumes))}
	}
	for i, v := range r.StepVolumes {
		if v < 0 || v > 1 {
			return &ConfigError{Field: "step_volumes", Reason: fmt.Sprintf("volume %d (%.2f) outside 0..1", i, v)}
		}
		if i > 0 && v < r.StepVolumes[i-1] {
			return &ConfigError{Field: "step_volumes", Reason: "volumes must not decrease"}
		}
	}
	if r.DetailVolume < 0 || r.DetailVolume > 1 {
		return &ConfigError{Field: "detail_volume", Reason: fmt.Sprintf("%.2f outside 0..1", r.DetailVolume)}
	}
	if r.StepDelay <= 0 {
		return &ConfigError{Field: "step_delay", Reason: "must be positive"}
	}
	if r.SnoozeDuration <= 0 {
		return &ConfigError{Field: "snooze", Reason: "must be positive"}
	}
	if strings.TrimSpace(r.UserName) == "" {
		return &ConfigError{Field: "user_name", Reason: "must not be empty"}
	}
	if r.Timezone != "" {
		if _, err := time.LoadLocation(r.Timezone); err != nil {
			return &ConfigError{Field: "timezone", Reason: err.Error()}
		}
	}
	return nil
}

// Clone returns a copy that does not share the volume slice.
func (r ReminderConfig) Clone() ReminderConfig {
	r.StepVolumes = slices.Clone(r.StepVolumes)
	return r
}

// ConfigError reports a malformed reminder setting. The previous
// configuration stays in effect when Holder.Replace returns one.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: invalid %s: %s", e.Field, e.Reason)
}

// Holder keeps the current ReminderConfig and lets the settings collaborator
// replace it atomically while readers keep going.
type Holder struct {
	current atomic.Pointer[ReminderConfig]

	mu        sync.Mutex
	listeners []func(ReminderConfig)
}

// NewHolder validates initial and returns a holder serving it.
func NewHolder(initial ReminderConfig) (*Holder, error) {
	initial = initial.Clone()
	initial.Normalize()
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	h := &Holder{}
	h.current.Store(&initial)
	return h, nil
}

// Current returns a copy of the reminder config in effect.
func (h *Holder) Current() ReminderConfig {
	return h.current.Load().Clone()
}

// Replace validates next and swaps it in, then notifies listeners. A
// malformed config is rejected with a *ConfigError and the previous one is
// retained.
func (h *Holder) Replace(next ReminderConfig) error {
	next = next.Clone()
	next.Normalize()
	if err := next.Validate(); err != nil {
		appLog.Error("reminder config rejected", err)
		return err
	}

	h.mu.Lock()
	h.current.Store(&next)
	listeners := slices.Clone(h.listeners)
	h.mu.Unlock()

	appLog.Info("reminder config replaced",
		"lead_minutes", next.LeadMinutes,
		"step_delay", next.StepDelay,
		"user_name", next.UserName,
	)
	for _, fn := range listeners {
		fn(next.Clone())
	}
	return nil
}

// OnChange registers fn to run after every successful Replace.
func (h *Holder) OnChange(fn func(ReminderConfig)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}
