// Package google reads events from Google Calendar through the Calendar v3
// API.
package google

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"chronocal/internal/config"
	appLog "chronocal/internal/log"
	"chronocal/internal/model"
	"chronocal/internal/provider"
)

// Provider serves the events of one or more calendars of a Google account.
type Provider struct {
	id          string
	calendarIDs []string
	service     *calendar.Service
	loc         *time.Location
}

// NewProvider authenticates with the token saved by `chronocal auth google`.
func NewProvider(ctx context.Context, cfg config.GoogleConfig, loc *time.Location) (*Provider, error) {
	oc, err := OAuthConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("google %s: %w", cfg.ID, err)
	}
	tok, err := TokenFromFile(cfg.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("google %s: could not load token (run 'chronocal auth google'): %w", cfg.ID, err)
	}

	ts := &savingTokenSource{
		base: oc.TokenSource(ctx, tok),
		path: cfg.TokenFile,
		last: tok.AccessToken,
	}
	client := oauth2.NewClient(ctx, oauth2.ReuseTokenSource(tok, ts))
	svc, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("google %s: failed to create calendar service: %w", cfg.ID, err)
	}
	return newProvider(cfg.ID, cfg.CalendarIDs, svc, loc), nil
}

func newProvider(id string, calendarIDs []string, svc *calendar.Service, loc *time.Location) *Provider {
	if len(calendarIDs) == 0 {
		calendarIDs = []string{"primary"}
	}
	if loc == nil {
		loc = time.Local
	}
	return &Provider{id: id, calendarIDs: calendarIDs, service: svc, loc: loc}
}

func (p *Provider) ID() string {
	return p.id
}

func (p *Provider) FetchEvents(ctx context.Context, window model.Window) ([]model.Event, error) {
	out := make([]model.Event, 0)
	for _, calID := range p.calendarIDs {
		call := p.service.Events.List(calID).
			ShowDeleted(false).
			SingleEvents(true).
			TimeMin(window.Start.Format(time.RFC3339)).
			TimeMax(window.End.Format(time.RFC3339)).
			OrderBy("startTime").
			MaxResults(250)

		err := call.Pages(ctx, func(page *calendar.Events) error {
			for _, item := range page.Items {
				ev, err := p.convertEvent(item)
				if err != nil {
					appLog.Warn("google: skipping event", "provider", p.id, "calendar", calID, "event", item.Id, "reason", err.Error())
					continue
				}
				out = append(out, ev)
			}
			return nil
		})
		if err != nil {
			return nil, provider.Wrap(p.id, fmt.Errorf("calendar %s: %w", calID, err))
		}
	}
	appLog.Debug("google fetch completed", "provider", p.id, "events", len(out))
	return out, nil
}

func (p *Provider) convertEvent(item *calendar.Event) (model.Event, error) {
	if item.Status == "cancelled" {
		return model.Event{}, fmt.Errorf("cancelled")
	}
	if item.Start == nil || item.End == nil {
		return model.Event{}, fmt.Errorf("missing start or end")
	}
	start, err := p.parseTime(item.Start)
	if err != nil {
		return model.Event{}, fmt.Errorf("start: %w", err)
	}
	end, err := p.parseTime(item.End)
	if err != nil {
		return model.Event{}, fmt.Errorf("end: %w", err)
	}

	title := item.Summary
	if title == "" {
		title = "No Title"
	}

	var attendees []string
	for _, a := range item.Attendees {
		if a == nil || a.Resource || a.Self {
			continue
		}
		name := a.DisplayName
		if name == "" {
			name = a.Email
		}
		if name != "" {
			attendees = append(attendees, name)
		}
	}

	return model.Event{
		Key:       model.NewKey(p.id, item.Id),
		Provider:  p.id,
		NativeID:  item.Id,
		Title:     title,
		Location:  item.Location,
		Attendees: attendees,
		Start:     start,
		End:       end,
	}, nil
}

func (p *Provider) parseTime(dt *calendar.EventDateTime) (time.Time, error) {
	switch {
	case dt.DateTime != "":
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return time.Time{}, err
		}
		return t.In(p.loc), nil
	case dt.Date != "":
		// All-day events start at local midnight.
		return time.ParseInLocation("2006-01-02", dt.Date, p.loc)
	default:
		return time.Time{}, fmt.Errorf("no date or dateTime")
	}
}
