package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "chronocal/internal/log"
	"chronocal/internal/model"
)

const defaultMaxOccurrencesPerEvent = 5000

// ExpandConfig controls recurrence expansion.
type ExpandConfig struct {
	// Location is the zone occurrences are converted to. Nil means time.Local.
	Location *time.Location

	// Window bounds the occurrences returned; an occurrence is kept when it
	// overlaps the window.
	Window model.Window

	// MaxOccurrencesPerEvent caps runaway rules. Zero means
	// defaultMaxOccurrencesPerEvent.
	MaxOccurrencesPerEvent int
}

// ExpandResult is the list of concrete events plus the UIDs that hit the cap.
type ExpandResult struct {
	Events          []model.Event
	TruncatedEvents []string
}

// ExpandOccurrences turns parsed VEVENTs from src into concrete events
// overlapping the window. It handles single events, RRULE recurrences,
// EXDATE exclusions and RECURRENCE-ID overrides.
//
// A single event is keyed by its UID. A recurring instance is keyed by its
// UID and original start, so an override that moves an instance shows up as
// a change of the same event rather than a removal and an addition.
func ExpandOccurrences(src Source, events []ParsedEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.Window.End.Before(cfg.Window.Start) {
		return result, errors.New("expand: window end is before start")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	baseByUID := make(map[string][]ParsedEvent)
	overridesByUID := make(map[string][]ParsedEvent)
	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
		} else {
			baseByUID[ev.UID] = append(baseByUID[ev.UID], ev)
		}
	}

	for uid, bases := range baseByUID {
		ov := overridesByUID[uid]
		truncated := false
		for _, ev := range bases {
			var out []model.Event
			if ev.RawRRule == "" {
				out = expandSingle(src, ev, cfg)
			} else {
				var hitCap bool
				out, hitCap = expandRecurring(src, ev, ov, cfg)
				truncated = truncated || hitCap
			}
			result.Events = append(result.Events, out...)
		}
		if truncated {
			result.TruncatedEvents = append(result.TruncatedEvents, uid)
			appLog.Warn("ics: occurrences truncated", "id", src.ID, "uid", uid, "cap", cfg.MaxOccurrencesPerEvent)
		}
	}

	return result, nil
}

func expandSingle(src Source, ev ParsedEvent, cfg ExpandConfig) []model.Event {
	out := makeEvent(src, ev, ev.UID, ev.Start, ev.End, cfg.Location)
	if !cfg.Window.Contains(out) {
		return nil
	}
	return []model.Event{out}
}

func expandRecurring(src Source, ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]model.Event, bool) {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("ics: failed to parse RRULE", err, "id", src.ID, "uid", ev.UID, "rrule", ev.RawRRule)
		return nil, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	dur := ev.End.Sub(ev.Start)
	// Widen the lower bound by the duration so an occurrence already in
	// progress at window start is still returned.
	from := cfg.Window.Start.Add(-dur).In(ev.Start.Location())
	to := cfg.Window.End.In(ev.Start.Location())

	occTimes := set.Between(from, to, true)
	hitCap := false
	if len(occTimes) > cfg.MaxOccurrencesPerEvent {
		occTimes = occTimes[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	out := make([]model.Event, 0, len(occTimes))
	for _, occStart := range occTimes {
		occEnd := occStart.Add(dur)
		if ev.AllDay {
			day := time.Date(occStart.Year(), occStart.Month(), occStart.Day(), 0, 0, 0, 0, occStart.Location())
			occStart, occEnd = day, day.AddDate(0, 0, 1)
		}

		instance := ev.UID + "@" + occStart.UTC().Format("20060102T150405Z")
		e := makeEvent(src, ev, instance, occStart, occEnd, cfg.Location)
		if o, ok := findOverride(overrides, occStart); ok {
			e = makeEvent(src, o, instance, o.Start, o.End, cfg.Location)
		}
		if cfg.Window.Contains(e) {
			out = append(out, e)
		}
	}
	return out, hitCap
}

func findOverride(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(start) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

func makeEvent(src Source, ev ParsedEvent, nativeID string, start, end time.Time, loc *time.Location) model.Event {
	title := ev.Summary
	if title == "" {
		title = "No Title"
	}
	return model.Event{
		Key:       model.NewKey(src.ID, nativeID),
		Provider:  src.ID,
		NativeID:  nativeID,
		Title:     title,
		Location:  ev.Location,
		Attendees: ev.Attendees,
		Start:     start.In(loc),
		End:       end.In(loc),
	}
}
