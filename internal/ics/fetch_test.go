package ics

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirrorcal/internal/model"
)

const sampleICS = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nEND:VCALENDAR\r\n"

func TestFetch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(sampleICS))
	}))
	defer srv.Close()

	body, err := NewFetcher(time.Second).Fetch(context.Background(), model.Subscription{URL: srv.URL + "/cal.ics"})

	require.NoError(t, err)
	assert.Equal(t, sampleICS, body)
}

func TestFetch_BasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := "Basic " + base64.StdEncoding.EncodeToString([]byte("alice:s3cret"))
		assert.Equal(t, want, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(sampleICS))
	}))
	defer srv.Close()

	sub := model.Subscription{
		URL:  srv.URL,
		Auth: &model.Auth{Method: model.AuthBasic, User: "alice", Pass: "s3cret"},
	}
	_, err := NewFetcher(time.Second).Fetch(context.Background(), sub)

	require.NoError(t, err)
}

func TestFetch_BearerAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok123", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(sampleICS))
	}))
	defer srv.Close()

	sub := model.Subscription{
		URL:  srv.URL,
		Auth: &model.Auth{Method: model.AuthBearer, Token: "tok123"},
	}
	_, err := NewFetcher(time.Second).Fetch(context.Background(), sub)

	require.NoError(t, err)
}

func TestFetch_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewFetcher(time.Second).Fetch(context.Background(), model.Subscription{URL: srv.URL + "/secret-token.ics"})

	var ferr *FetchError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, FetchErrorStatus, ferr.Kind)
	assert.Equal(t, http.StatusInternalServerError, ferr.StatusCode)
	assert.True(t, ferr.Retryable())
	assert.NotContains(t, err.Error(), "secret-token")
}

func TestFetch_NotFoundNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewFetcher(time.Second).Fetch(context.Background(), model.Subscription{URL: srv.URL})

	var ferr *FetchError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, http.StatusNotFound, ferr.StatusCode)
	assert.False(t, ferr.Retryable())
}

func TestFetch_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewFetcher(time.Second).Fetch(context.Background(), model.Subscription{URL: url})

	var ferr *FetchError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, FetchErrorTransport, ferr.Kind)
	assert.True(t, ferr.Retryable())
}

func TestFetch_ConditionalRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(sampleICS))
	}))
	defer srv.Close()

	f := NewFetcher(time.Second)
	sub := model.Subscription{URL: srv.URL}

	body, err := f.Fetch(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, sampleICS, body)

	_, err = f.Fetch(context.Background(), sub)
	assert.ErrorIs(t, err, ErrNotModified)

	f.Forget(sub.URL)
	body, err = f.Fetch(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, sampleICS, body)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetch_InvalidURL(t *testing.T) {
	_, err := NewFetcher(time.Second).Fetch(context.Background(), model.Subscription{URL: "not a url"})
	assert.Error(t, err)
}

func TestNormalizeURL(t *testing.T) {
	got, err := NormalizeURL("webcal://p01-calendars.icloud.com/published/2/abc")
	require.NoError(t, err)
	assert.Equal(t, "https://p01-calendars.icloud.com/published/2/abc", got)

	got, err = NormalizeURL("  https://example.com/a.ics ")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a.ics", got)

	_, err = NormalizeURL("")
	assert.Error(t, err)
	_, err = NormalizeURL("/relative/path.ics")
	assert.Error(t, err)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://example.com/...(redacted)", RedactURL("https://example.com/path/private.ics?token=abcd"))
	assert.Equal(t, "https://example.com/...(redacted)", RedactURL("https://bob:pw@example.com/cal"))
	assert.Equal(t, "ics://...(redacted)", RedactURL("garbage"))
}
