// Package zoho reads events from Zoho Calendar over its REST API.
package zoho

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"chronocal/internal/config"
	appLog "chronocal/internal/log"
	"chronocal/internal/model"
	"chronocal/internal/provider"
)

const (
	defaultAccountsURL = "https://accounts.zoho.com"
	defaultAPIURL      = "https://calendar.zoho.com/api/v1"
)

// Provider serves the events of one Zoho calendar.
type Provider struct {
	id          string
	apiURL      string
	calendarUID string
	client      *http.Client
	loc         *time.Location
}

// zohoTransport authorizes requests with the "Zoho-oauthtoken" scheme Zoho
// expects instead of "Bearer".
type zohoTransport struct {
	source oauth2.TokenSource
	base   http.RoundTripper
}

func (t *zohoTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := t.source.Token()
	if err != nil {
		return nil, fmt.Errorf("zoho token refresh: %w", err)
	}
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Zoho-oauthtoken "+tok.AccessToken)
	return t.base.RoundTrip(req)
}

// NewProvider returns a provider refreshing access tokens from the
// configured refresh token.
func NewProvider(ctx context.Context, cfg config.ZohoConfig, loc *time.Location) (*Provider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RefreshToken == "" {
		return nil, fmt.Errorf("zoho %s: client_id, client_secret and refresh_token are required", cfg.ID)
	}
	if cfg.CalendarUID == "" {
		return nil, fmt.Errorf("zoho %s: calendar_uid is required", cfg.ID)
	}
	accounts := strings.TrimSuffix(firstNonEmpty(cfg.AccountsURL, defaultAccountsURL), "/")
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  accounts + "/oauth/v2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	source := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})

	if loc == nil {
		loc = time.Local
	}
	return &Provider{
		id:          cfg.ID,
		apiURL:      strings.TrimSuffix(firstNonEmpty(cfg.APIURL, defaultAPIURL), "/"),
		calendarUID: cfg.CalendarUID,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &zohoTransport{source: source, base: http.DefaultTransport},
		},
		loc: loc,
	}, nil
}

func (p *Provider) ID() string {
	return p.id
}

type eventsResponse struct {
	Events []zohoEvent `json:"events"`
	Error  []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type zohoEvent struct {
	UID          string `json:"uid"`
	RecurrenceID string `json:"recurrenceid"`
	Title        string `json:"title"`
	Location     string `json:"location"`
	IsAllDay     bool   `json:"isallday"`
	DateAndTime  struct {
		Timezone string `json:"timezone"`
		Start    string `json:"start"`
		End      string `json:"end"`
	} `json:"dateandtime"`
	Attendees []struct {
		Email string `json:"email"`
		Name  string `json:"dName"`
	} `json:"attendees"`
}

func (p *Provider) FetchEvents(ctx context.Context, window model.Window) ([]model.Event, error) {
	rng, err := json.Marshal(map[string]string{
		"start": window.Start.UTC().Format("20060102T150405Z"),
		"end":   window.End.UTC().Format("20060102T150405Z"),
	})
	if err != nil {
		return nil, provider.Wrap(p.id, err)
	}
	endpoint := fmt.Sprintf("%s/calendars/%s/events?range=%s", p.apiURL, url.PathEscape(p.calendarUID), url.QueryEscape(string(rng)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, provider.Wrap(p.id, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, provider.Wrap(p.id, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, provider.Wrap(p.id, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, provider.Wrap(p.id, fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body))))
	}

	var payload eventsResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, provider.Wrap(p.id, fmt.Errorf("decode events: %w", err))
	}
	if len(payload.Error) > 0 {
		return nil, provider.Wrap(p.id, fmt.Errorf("api error %s: %s", payload.Error[0].Code, payload.Error[0].Message))
	}

	out := make([]model.Event, 0, len(payload.Events))
	for _, ze := range payload.Events {
		ev, err := p.convertEvent(ze)
		if err != nil {
			appLog.Warn("zoho: skipping event", "provider", p.id, "uid", ze.UID, "reason", err.Error())
			continue
		}
		out = append(out, ev)
	}
	appLog.Debug("zoho fetch completed", "provider", p.id, "events", len(out))
	return out, nil
}

func (p *Provider) convertEvent(ze zohoEvent) (model.Event, error) {
	if ze.UID == "" {
		return model.Event{}, errors.New("missing uid")
	}
	loc := p.loc
	if ze.DateAndTime.Timezone != "" {
		if l, err := time.LoadLocation(ze.DateAndTime.Timezone); err == nil {
			loc = l
		}
	}
	start, err := parseZohoTime(ze.DateAndTime.Start, loc)
	if err != nil {
		return model.Event{}, fmt.Errorf("start: %w", err)
	}
	end, err := parseZohoTime(ze.DateAndTime.End, loc)
	if err != nil {
		return model.Event{}, fmt.Errorf("end: %w", err)
	}
	if ze.IsAllDay && !end.After(start) {
		end = start.AddDate(0, 0, 1)
	}

	nativeID := ze.UID
	if ze.RecurrenceID != "" {
		nativeID += "@" + ze.RecurrenceID
	}
	title := strings.TrimSpace(ze.Title)
	if title == "" {
		title = "No Title"
	}
	var attendees []string
	for _, a := range ze.Attendees {
		name := firstNonEmpty(a.Name, a.Email)
		if name != "" {
			attendees = append(attendees, name)
		}
	}

	return model.Event{
		Key:       model.NewKey(p.id, nativeID),
		Provider:  p.id,
		NativeID:  nativeID,
		Title:     title,
		Location:  ze.Location,
		Attendees: attendees,
		Start:     start.In(p.loc),
		End:       end.In(p.loc),
	}, nil
}

var zohoLayouts = []string{
	"20060102T150405Z0700",
	"20060102T150405Z",
	"20060102T150405",
	"20060102",
}

func parseZohoTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range zohoLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
