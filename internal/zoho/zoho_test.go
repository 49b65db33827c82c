package zoho

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronocal/internal/config"
	"chronocal/internal/model"
	"chronocal/internal/provider"
)

const eventsJSON = `{
  "events": [
    {
      "uid": "abc123@zoho.com",
      "title": "Planning",
      "location": "Room 2",
      "isallday": false,
      "dateandtime": {"timezone": "UTC", "start": "20240115T140000Z", "end": "20240115T150000Z"},
      "attendees": [{"email": "alice@example.com", "dName": "Alice"}, {"email": "bob@example.com"}]
    },
    {
      "uid": "weekly@zoho.com",
      "recurrenceid": "20240116T090000Z",
      "title": "",
      "dateandtime": {"timezone": "Asia/Kolkata", "start": "20240116T143000+0530", "end": "20240116T150000+0530"}
    },
    {
      "uid": "",
      "title": "broken",
      "dateandtime": {"start": "20240116T090000Z", "end": "20240116T100000Z"}
    }
  ]
}`

func newTestServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var refreshes atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/v2/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "rt-1", r.Form.Get("refresh_token"))
		refreshes.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-1",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("GET /api/v1/calendars/{uid}/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Zoho-oauthtoken at-1", r.Header.Get("Authorization"))
		assert.Equal(t, "cal-1", r.PathValue("uid"))

		var rng map[string]string
		require.NoError(t, json.Unmarshal([]byte(r.URL.Query().Get("range")), &rng))
		assert.Equal(t, "20240115T000000Z", rng["start"])
		assert.Equal(t, "20240116T120000Z", rng["end"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &refreshes
}

func newTestProvider(t *testing.T, srv *httptest.Server) *Provider {
	t.Helper()
	p, err := NewProvider(context.Background(), config.ZohoConfig{
		ID:           "zoho",
		AccountsURL:  srv.URL,
		APIURL:       srv.URL + "/api/v1",
		CalendarUID:  "cal-1",
		ClientID:     "client",
		ClientSecret: "secret",
		RefreshToken: "rt-1",
	}, time.UTC)
	require.NoError(t, err)
	return p
}

var window = model.Window{
	Start: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 1, 16, 12, 0, 0, 0, time.UTC),
}

func TestFetchEvents(t *testing.T) {
	srv, refreshes := newTestServer(t, http.StatusOK, eventsJSON)
	p := newTestProvider(t, srv)

	events, err := p.FetchEvents(context.Background(), window)
	require.NoError(t, err)
	require.Len(t, events, 2)

	planning := events[0]
	assert.Equal(t, model.NewKey("zoho", "abc123@zoho.com"), planning.Key)
	assert.Equal(t, "Planning", planning.Title)
	assert.Equal(t, "Room 2", planning.Location)
	assert.Equal(t, []string{"Alice", "bob@example.com"}, planning.Attendees)
	assert.True(t, planning.Start.Equal(time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)))

	weekly := events[1]
	assert.Equal(t, "weekly@zoho.com@20240116T090000Z", weekly.NativeID)
	assert.Equal(t, "No Title", weekly.Title)
	assert.True(t, weekly.Start.Equal(time.Date(2024, 1, 16, 9, 0, 0, 0, time.UTC)))

	// The access token is cached across calls.
	_, err = p.FetchEvents(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, int32(1), refreshes.Load())
}

func TestFetchEvents_ErrorStatus(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusUnauthorized, `{"error":[{"code":"INVALID_TOKEN","message":"bad"}]}`)
	p := newTestProvider(t, srv)

	_, err := p.FetchEvents(context.Background(), window)
	var perr *provider.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "zoho", perr.Provider)
	assert.Contains(t, err.Error(), "401")
}

func TestFetchEvents_APIErrorBody(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusOK, `{"error":[{"code":"CALENDAR_NOT_FOUND","message":"no such calendar"}]}`)
	p := newTestProvider(t, srv)

	_, err := p.FetchEvents(context.Background(), window)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CALENDAR_NOT_FOUND")
}

func TestNewProvider_RequiresCredentials(t *testing.T) {
	_, err := NewProvider(context.Background(), config.ZohoConfig{ID: "zoho", CalendarUID: "cal"}, nil)
	assert.Error(t, err)

	_, err = NewProvider(context.Background(), config.ZohoConfig{
		ID: "zoho", ClientID: "c", ClientSecret: "s", RefreshToken: "r",
	}, nil)
	assert.Error(t, err)
}

func TestParseZohoTime(t *testing.T) {
	ist, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	got, err := parseZohoTime("20240115T100000", ist)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 1, 15, 4, 30, 0, 0, time.UTC)))

	got, err = parseZohoTime("20240115", time.UTC)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)))

	_, err = parseZohoTime("tomorrow", time.UTC)
	assert.Error(t, err)
}
