// Package caldav reads events from CalDAV servers such as iCloud, Fastmail
// or Nextcloud.
package caldav

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"chronocal/internal/config"
	appLog "chronocal/internal/log"
	"chronocal/internal/model"
	"chronocal/internal/provider"
)

const (
	// ICloudEndpoint is used when no endpoint is configured.
	ICloudEndpoint = "https://caldav.icloud.com/"

	maxInstancesPerEvent = 500
)

// userAgentTransport sets the User-Agent some servers require.
type userAgentTransport struct {
	base http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", "chronocal/1.0")
	return t.base.RoundTrip(req)
}

// Provider serves the events of one CalDAV account.
type Provider struct {
	id       string
	calendar string
	client   *caldav.Client
	loc      *time.Location

	mu    sync.Mutex
	paths []string // discovered calendar collection paths
}

// NewProvider creates a provider. Calendar discovery is deferred to the
// first fetch so an unreachable server does not block startup.
func NewProvider(cfg config.CalDAVConfig, loc *time.Location) (*Provider, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = ICloudEndpoint
	}
	httpClient := webdav.HTTPClientWithBasicAuth(&http.Client{
		Timeout:   30 * time.Second,
		Transport: &userAgentTransport{base: http.DefaultTransport},
	}, cfg.Username, cfg.Password)

	client, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("caldav %s: failed to create client: %w", cfg.ID, err)
	}
	if loc == nil {
		loc = time.Local
	}
	return &Provider{id: cfg.ID, calendar: cfg.Calendar, client: client, loc: loc}, nil
}

func (p *Provider) ID() string {
	return p.id
}

func (p *Provider) FetchEvents(ctx context.Context, window model.Window) ([]model.Event, error) {
	paths, err := p.calendarPaths(ctx)
	if err != nil {
		return nil, provider.Wrap(p.id, err)
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     "VCALENDAR",
			AllProps: true,
			AllComps: true,
			Expand:   &caldav.CalendarExpandRequest{Start: window.Start, End: window.End},
		},
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{{
				Name:  "VEVENT",
				Start: window.Start,
				End:   window.End,
			}},
		},
	}

	out := make([]model.Event, 0)
	for _, path := range paths {
		objects, err := p.client.QueryCalendar(ctx, path, query)
		if err != nil {
			// Rediscover next time in case the collection moved.
			p.mu.Lock()
			p.paths = nil
			p.mu.Unlock()
			return nil, provider.Wrap(p.id, fmt.Errorf("query %s: %w", path, err))
		}
		for _, obj := range objects {
			if obj.Data == nil {
				continue
			}
			out = append(out, convertCalendar(p.id, obj.Data, window, p.loc)...)
		}
	}
	appLog.Debug("caldav fetch completed", "provider", p.id, "calendars", len(paths), "events", len(out))
	return out, nil
}

// calendarPaths discovers the collections to read, once.
func (p *Provider) calendarPaths(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.paths) > 0 {
		return p.paths, nil
	}

	principal, err := p.client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find principal path: %w", err)
	}
	homeSet, err := p.client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendar home set: %w", err)
	}
	calendars, err := p.client.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendars: %w", err)
	}

	var paths []string
	for _, cal := range calendars {
		if !supportsEvents(cal) {
			continue
		}
		if p.calendar == "" || cal.Name == p.calendar {
			paths = append(paths, cal.Path)
		}
	}
	if len(paths) == 0 {
		if p.calendar != "" {
			return nil, fmt.Errorf("no calendar found with name %q", p.calendar)
		}
		return nil, fmt.Errorf("no event calendars found")
	}
	appLog.Info("caldav calendars discovered", "provider", p.id, "count", len(paths))
	p.paths = paths
	return paths, nil
}

func supportsEvents(cal caldav.Calendar) bool {
	if len(cal.SupportedComponentSet) == 0 {
		return true
	}
	for _, c := range cal.SupportedComponentSet {
		if strings.EqualFold(c, "VEVENT") {
			return true
		}
	}
	return false
}

// convertCalendar maps the VEVENTs of one calendar object to events. Servers
// that honor the expand request return one VEVENT per instance with a
// RECURRENCE-ID; for the others the RRULE is expanded here.
func convertCalendar(providerID string, cal *ical.Calendar, window model.Window, loc *time.Location) []model.Event {
	out := make([]model.Event, 0, 1)
	for _, ve := range cal.Events() {
		uid, err := ve.Props.Text(ical.PropUID)
		if err != nil || uid == "" {
			appLog.Warn("caldav: skipping vevent without UID", "provider", providerID)
			continue
		}
		start, err := ve.DateTimeStart(loc)
		if err != nil {
			appLog.Warn("caldav: skipping vevent", "provider", providerID, "uid", uid, "reason", err.Error())
			continue
		}
		end, err := ve.DateTimeEnd(loc)
		if err != nil || end.IsZero() {
			end = start
		}
		base := model.Event{
			Provider:  providerID,
			Title:     textProp(ve.Component, ical.PropSummary, "No Title"),
			Location:  textProp(ve.Component, ical.PropLocation, ""),
			Attendees: attendees(ve.Component),
		}

		if rid := ve.Props.Get(ical.PropRecurrenceID); rid != nil {
			ridTime, err := rid.DateTime(loc)
			if err == nil {
				out = appendInstance(out, providerID, base, instanceID(uid, ridTime), start, end, loc, window)
				continue
			}
		}

		set, err := ve.RecurrenceSet(loc)
		if err != nil {
			appLog.Warn("caldav: bad recurrence, using first instance", "provider", providerID, "uid", uid, "reason", err.Error())
		}
		if set == nil {
			out = appendInstance(out, providerID, base, uid, start, end, loc, window)
			continue
		}
		dur := end.Sub(start)
		starts := set.Between(window.Start.Add(-dur), window.End, true)
		if len(starts) > maxInstancesPerEvent {
			starts = starts[:maxInstancesPerEvent]
		}
		for _, s := range starts {
			out = appendInstance(out, providerID, base, instanceID(uid, s), s, s.Add(dur), loc, window)
		}
	}
	return out
}

func appendInstance(out []model.Event, providerID string, base model.Event, nativeID string, start, end time.Time, loc *time.Location, window model.Window) []model.Event {
	ev := base
	ev.NativeID = nativeID
	ev.Key = model.NewKey(providerID, nativeID)
	ev.Start = start.In(loc)
	ev.End = end.In(loc)
	if !window.Contains(ev) {
		return out
	}
	return append(out, ev)
}

func instanceID(uid string, start time.Time) string {
	return uid + "@" + start.UTC().Format("20060102T150405Z")
}

func textProp(c *ical.Component, name, fallback string) string {
	v, err := c.Props.Text(name)
	if err != nil || strings.TrimSpace(v) == "" {
		return fallback
	}
	return strings.TrimSpace(v)
}

func attendees(c *ical.Component) []string {
	props := c.Props.Values(ical.PropAttendee)
	if len(props) == 0 {
		return nil
	}
	out := make([]string, 0, len(props))
	for _, p := range props {
		name := p.Params.Get(ical.ParamCommonName)
		if name == "" {
			name = strings.TrimPrefix(strings.TrimPrefix(p.Value, "mailto:"), "MAILTO:")
		}
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}
