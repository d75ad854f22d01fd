package fetch_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/illmade-knight/go-fetchcache/pkg/fetch"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type balance struct {
	Balance int `json:"balance"`
}

func newTestFetcher(t *testing.T, handler http.HandlerFunc) *fetch.HTTPFetcher[balance] {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	f, err := fetch.NewHTTPFetcher[balance](fetch.HTTPConfig{
		Host:     srv.URL,
		User:     "svc",
		Password: "secret",
		Timeout:  2 * time.Second,
	}, nil, zerolog.Nop())
	require.NoError(t, err)
	return f
}

func TestHTTPFetcher_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("Success sends params and credentials", func(t *testing.T) {
		f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/getBalance", r.URL.Path)
			user, pass, ok := r.BasicAuth()
			assert.True(t, ok)
			assert.Equal(t, "svc", user)
			assert.Equal(t, "secret", pass)

			var params map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
			assert.Equal(t, "EUR", params["currency"])

			_, _ = w.Write([]byte(`{"balance":100}`))
		})

		got, err := f.Get(ctx, fetch.NewRequest("getBalance", map[string]any{"currency": "EUR"}))
		require.NoError(t, err)
		assert.Equal(t, balance{Balance: 100}, got)
	})

	t.Run("Remote status is a typed fetch error", func(t *testing.T) {
		f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream exploded", http.StatusServiceUnavailable)
		})

		_, err := f.Get(ctx, fetch.NewRequest("getBalance", nil))
		require.Error(t, err)

		var fe *fetch.Error
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, fetch.KindFetch, fe.Kind)
		assert.Equal(t, fetch.CodeRemoteStatus, fe.Code)
		assert.Equal(t, http.StatusServiceUnavailable, fe.Status)
		assert.Contains(t, fe.Message, "upstream exploded")
		assert.Contains(t, fe.Location, "httpfetcher.go:")
	})

	t.Run("Malformed body", func(t *testing.T) {
		f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{not json`))
		})

		_, err := f.Get(ctx, fetch.NewRequest("getBalance", nil))
		var fe *fetch.Error
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, fetch.CodeMalformedResponse, fe.Code)
	})

	t.Run("Context deadline maps to timeout", func(t *testing.T) {
		release := make(chan struct{})
		f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		})
		t.Cleanup(func() { close(release) })

		shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		_, err := f.Get(shortCtx, fetch.NewRequest("getBalance", nil))
		var fe *fetch.Error
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, fetch.CodeTimeout, fe.Code)
	})

	t.Run("Empty method is rejected", func(t *testing.T) {
		f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("server should not be called")
		})

		_, err := f.Get(ctx, fetch.Request{})
		var fe *fetch.Error
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, fetch.CodeBadRequest, fe.Code)
	})
}

func TestNewHTTPFetcher_InvalidHost(t *testing.T) {
	_, err := fetch.NewHTTPFetcher[balance](fetch.HTTPConfig{}, nil, zerolog.Nop())
	require.Error(t, err)

	_, err = fetch.NewHTTPFetcher[balance](fetch.HTTPConfig{Host: "api.example.com"}, nil, zerolog.Nop())
	require.Error(t, err)
}
