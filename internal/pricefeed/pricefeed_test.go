package pricefeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDay = time.Date(2026, time.August, 31, 0, 0, 0, 0, time.UTC)

func TestHTTPSource_Close(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/close", r.URL.Path)
		assert.Equal(t, "ACME", r.URL.Query().Get("symbol"))
		assert.Equal(t, "2026-08-31", r.URL.Query().Get("date"))
		w.Write([]byte(`{"symbol":"ACME","date":"2026-08-31","close":"101.25"}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, "", 2*time.Second)
	price, ok, err := src.ClosePrice(context.Background(), "acme", testDay)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.RequireFromString("101.25")))
}

func TestHTTPSource_MissingCloseIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, "", 2*time.Second)
	_, ok, err := src.ClosePrice(context.Background(), "ACME", testDay)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHTTPSource_NullCloseIsMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"ACME","date":"2026-08-31","close":null}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, "", 2*time.Second)
	_, ok, err := src.ClosePrice(context.Background(), "ACME", testDay)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHTTPSource_ServerErrorIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, "", 2*time.Second)
	_, _, err := src.ClosePrice(context.Background(), "ACME", testDay)
	assert.Error(t, err)
}

func TestHTTPSource_RejectsNonPositiveClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"close":"0"}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, "", 2*time.Second)
	_, _, err := src.ClosePrice(context.Background(), "ACME", testDay)
	assert.Error(t, err)
}

func TestCachedSource_SecondLookupSkipsUpstream(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"close":"55.10"}`))
	}))
	defer srv.Close()

	cache, err := OpenCache(NewHTTPSource(srv.URL, "", 2*time.Second), filepath.Join(t.TempDir(), "prices.db"))
	require.NoError(t, err)
	defer cache.Close()

	for i := 0; i < 3; i++ {
		price, ok, err := cache.ClosePrice(context.Background(), "ACME", testDay)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "55.1", price.String())
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestCachedSource_MissingCloseNotCached(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cache, err := OpenCache(NewHTTPSource(srv.URL, "", 2*time.Second), filepath.Join(t.TempDir(), "prices.db"))
	require.NoError(t, err)
	defer cache.Close()

	for i := 0; i < 2; i++ {
		_, ok, err := cache.ClosePrice(context.Background(), "ACME", testDay)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, int32(2), calls.Load())
}
