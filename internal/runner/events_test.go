package runner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPEventSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events", r.URL.Path)
		assert.Equal(t, "2026-08-28", r.URL.Query().Get("date"))
		w.Write([]byte(`[
			{"id":"ev-1","symbol":"acme","date":"2026-08-28","transcript":"call text"},
			{"id":"","symbol":"BETA","date":"2026-08-28","transcript":"x"},
			{"id":"ev-3","symbol":"GAMA","date":"not-a-date","transcript":"x"}
		]`))
	}))
	defer srv.Close()

	src := NewHTTPEventSource(srv.URL, "", 2*time.Second)
	events, err := src.EventsForDay(context.Background(), time.Date(2026, time.August, 28, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	// Incomplete and malformed entries are skipped, not fatal.
	require.Len(t, events, 1)
	assert.Equal(t, "ev-1", events[0].ID)
	assert.Equal(t, "ACME", events[0].Symbol)
}

func TestHTTPEventSource_FeedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src := NewHTTPEventSource(srv.URL, "", 2*time.Second)
	_, err := src.EventsForDay(context.Background(), time.Now())
	assert.Error(t, err)
}
