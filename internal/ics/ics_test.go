package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronocal/internal/model"
	"chronocal/internal/provider"
)

var sampleICS = strings.ReplaceAll(`BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//chronocal//test//EN
BEGIN:VEVENT
UID:standup
DTSTAMP:20240101T000000Z
DTSTART:20240115T100000Z
DTEND:20240115T101500Z
SUMMARY:Standup
LOCATION:Room 4
ATTENDEE;CN=Alice:mailto:alice@example.com
ATTENDEE:mailto:bob@example.com
END:VEVENT
BEGIN:VEVENT
UID:daily
DTSTAMP:20240101T000000Z
DTSTART:20240108T090000Z
DTEND:20240108T093000Z
RRULE:FREQ=DAILY;COUNT=10
EXDATE:20240116T090000Z
SUMMARY:Daily sync
END:VEVENT
BEGIN:VEVENT
UID:daily
DTSTAMP:20240101T000000Z
RECURRENCE-ID:20240117T090000Z
DTSTART:20240117T110000Z
DTEND:20240117T113000Z
SUMMARY:Daily sync (moved)
END:VEVENT
BEGIN:VEVENT
UID:backwards
DTSTAMP:20240101T000000Z
DTSTART:20240115T120000Z
DTEND:20240115T110000Z
SUMMARY:Backwards
END:VEVENT
END:VCALENDAR
`, "\n", "\r\n")

var window = model.Window{
	Start: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 1, 18, 12, 0, 0, 0, time.UTC),
}

func byKey(events []model.Event) map[model.Key]model.Event {
	out := make(map[model.Key]model.Event, len(events))
	for _, e := range events {
		out[e.Key] = e
	}
	return out
}

func TestParseAndExpand(t *testing.T) {
	src := Source{ID: "work", URL: "https://example.com/cal.ics"}

	parsed, err := ParseICS(src, []byte(sampleICS))
	require.NoError(t, err)
	assert.Len(t, parsed, 3, "backwards event is skipped")

	res, err := ExpandOccurrences(src, parsed, ExpandConfig{Location: time.UTC, Window: window})
	require.NoError(t, err)

	events := byKey(res.Events)
	require.Len(t, events, 3)

	standup, ok := events["work:standup"]
	require.True(t, ok)
	assert.Equal(t, "Standup", standup.Title)
	assert.Equal(t, "Room 4", standup.Location)
	assert.Equal(t, []string{"Alice", "bob@example.com"}, standup.Attendees)
	assert.Equal(t, "work", standup.Provider)
	assert.True(t, standup.Start.Equal(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)))

	_, ok = events["work:daily@20240115T090000Z"]
	assert.True(t, ok)
	_, ok = events["work:daily@20240116T090000Z"]
	assert.False(t, ok, "excluded by EXDATE")

	moved, ok := events["work:daily@20240117T090000Z"]
	require.True(t, ok)
	assert.Equal(t, "Daily sync (moved)", moved.Title)
	assert.True(t, moved.Start.Equal(time.Date(2024, 1, 17, 11, 0, 0, 0, time.UTC)))
}

func TestExpand_RejectsInvertedWindow(t *testing.T) {
	_, err := ExpandOccurrences(Source{ID: "x"}, nil, ExpandConfig{
		Window: model.Window{Start: window.End, End: window.Start},
	})
	assert.Error(t, err)
}

func TestProvider_CachesAndFallsBack(t *testing.T) {
	var calls atomic.Int32
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if failing.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(sampleICS))
	}))
	defer srv.Close()

	fetcher := NewFetcher(t.TempDir())
	p := NewProvider(Source{ID: "work", URL: srv.URL + "/secret.ics"}, fetcher, time.UTC)
	assert.Equal(t, "work", p.ID())

	ctx := context.Background()
	first, err := p.FetchEvents(ctx, window)
	require.NoError(t, err)
	assert.Len(t, first, 3)

	res, err := fetcher.Fetch(ctx, p.src)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.False(t, res.Stale)

	failing.Store(true)
	stale, err := p.FetchEvents(ctx, window)
	require.NoError(t, err)
	assert.Len(t, stale, 3)
	assert.Equal(t, int32(3), calls.Load())
}

func TestProvider_ErrorWithoutCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewProvider(Source{ID: "work", URL: srv.URL}, NewFetcher(t.TempDir()), time.UTC)
	_, err := p.FetchEvents(context.Background(), window)

	var perr *provider.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "work", perr.Provider)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://calendar.example.com/...(redacted)", redactURL("https://calendar.example.com/private/abc.ics?token=x"))
	assert.Equal(t, "ics://...(redacted)", redactURL("not a url"))
}
