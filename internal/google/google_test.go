package google

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"chronocal/internal/config"
	"chronocal/internal/model"
	"chronocal/internal/provider"
)

const eventsJSON = `{
  "kind": "calendar#events",
  "items": [
    {
      "id": "standup",
      "status": "confirmed",
      "summary": "Standup",
      "location": "Room 4",
      "start": {"dateTime": "2024-01-15T10:00:00Z"},
      "end": {"dateTime": "2024-01-15T10:15:00Z"},
      "attendees": [
        {"email": "alice@example.com", "displayName": "Alice"},
        {"email": "bob@example.com"},
        {"email": "me@example.com", "self": true},
        {"email": "room@resource.calendar.google.com", "resource": true}
      ]
    },
    {
      "id": "holiday",
      "start": {"date": "2024-01-16"},
      "end": {"date": "2024-01-17"}
    },
    {
      "id": "broken",
      "summary": "Broken",
      "start": {"dateTime": "not a time"},
      "end": {"dateTime": "2024-01-15T11:00:00Z"}
    }
  ]
}`

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	svc, err := calendar.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return newProvider("work", nil, svc, time.UTC)
}

func TestFetchEvents(t *testing.T) {
	var query string
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/calendars/primary/events"), r.URL.Path)
		query = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(eventsJSON))
	})

	window := model.Window{
		Start: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 16, 12, 0, 0, 0, time.UTC),
	}
	events, err := p.FetchEvents(context.Background(), window)
	require.NoError(t, err)
	require.Len(t, events, 2, "unparseable event is skipped")

	standup := events[0]
	assert.Equal(t, model.Key("work:standup"), standup.Key)
	assert.Equal(t, "Standup", standup.Title)
	assert.Equal(t, "Room 4", standup.Location)
	assert.Equal(t, []string{"Alice", "bob@example.com"}, standup.Attendees)
	assert.True(t, standup.Start.Equal(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)))

	holiday := events[1]
	assert.Equal(t, "No Title", holiday.Title)
	assert.True(t, holiday.Start.Equal(time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 24*time.Hour, holiday.End.Sub(holiday.Start))

	assert.Contains(t, query, "singleEvents=true")
	assert.Contains(t, query, "timeMin=2024-01-15T00%3A00%3A00Z")
}

func TestFetchEvents_ErrorIsProviderError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":500,"message":"backend"}}`, http.StatusInternalServerError)
	})

	_, err := p.FetchEvents(context.Background(), model.Window{Start: time.Now(), End: time.Now().Add(time.Hour)})
	var perr *provider.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "work", perr.Provider)
}

func TestOAuthConfig(t *testing.T) {
	oc, err := OAuthConfig(config.GoogleConfig{ClientID: "id", ClientSecret: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "id", oc.ClientID)
	assert.Equal(t, []string{calendar.CalendarReadonlyScope}, oc.Scopes)
	assert.Contains(t, AuthURL(oc), "access_type=offline")

	_, err = OAuthConfig(config.GoogleConfig{CredentialsFile: filepath.Join(t.TempDir(), "missing.json")})
	assert.Error(t, err)
}

func TestTokenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "token-work.json")
	tok := &oauth2.Token{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer"}
	require.NoError(t, SaveToken(path, tok))

	got, err := TokenFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "r", got.RefreshToken)
}
