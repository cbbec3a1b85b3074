package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/aggregator/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(&Config{BaseURL: srv.URL})
	require.NoError(t, err)
	return c
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "missing url", cfg: Config{}, wantErr: true},
		{name: "bad scheme", cfg: Config{BaseURL: "ftp://host"}, wantErr: true},
		{name: "valid", cfg: Config{BaseURL: "http://localhost:4000"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, DefaultTimeout, tt.cfg.Timeout)
			assert.NotNil(t, tt.cfg.HTTPClient)
		})
	}

	cfg := Config{}
	assert.True(t, errors.Is(cfg.Validate(), ErrMissingBaseURL))
}

func TestClientURL(t *testing.T) {
	c, err := NewClient(&Config{BaseURL: "http://backend:4000/"})
	require.NoError(t, err)
	assert.Equal(t, "http://backend:4000/pricing?q=NL,DE", c.URL(domain.KindPricing, []string{"NL", "DE"}))
	assert.Equal(t, "http://backend:4000/track?q=a+b,c%2Cd", c.URL(domain.KindTracking, []string{"a b", "c,d"}))
}

func TestPricing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pricing", r.URL.Path)
		assert.Equal(t, "NL,DE,CN", r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"NL": 14.24, "DE": null}`))
	})

	got, err := c.Pricing(context.Background(), []string{"NL", "DE", "CN"})
	require.NoError(t, err)
	require.NotNil(t, got["NL"])
	assert.Equal(t, 14.24, *got["NL"])
	assert.Contains(t, got, "DE")
	assert.Nil(t, got["DE"])
	assert.NotContains(t, got, "CN")
}

func TestTracking(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/track", r.URL.Path)
		w.Write([]byte(`{"1": "IN TRANSIT", "2": "NEW"}`))
	})

	got, err := c.Tracking(context.Background(), []string{"1", "2"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInTransit, *got["1"])
	assert.Equal(t, domain.StatusNew, *got["2"])
}

func TestTrackingUnknownStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"1": "LOST"}`))
	})

	_, err := c.Tracking(context.Background(), []string{"1"})
	assert.ErrorIs(t, err, domain.ErrUnknownTrackingStatus)
}

func TestShipments(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/shipments", r.URL.Path)
		w.Write([]byte(`{"1": ["box", "envelope"], "2": []}`))
	})

	got, err := c.Shipments(context.Background(), []string{"1", "2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"box", "envelope"}, *got["1"])
	assert.Empty(t, *got["2"])
}

func TestNullBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`null`))
	})

	got, err := c.Pricing(context.Background(), []string{"NL"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLookupErrors(t *testing.T) {
	t.Run("service unavailable", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		_, err := c.Pricing(context.Background(), []string{"NL"})
		assert.ErrorIs(t, err, ErrUnexpectedStatus)
	})

	t.Run("malformed body", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"NL": "cheap"}`))
		})
		_, err := c.Pricing(context.Background(), []string{"NL"})
		assert.Error(t, err)
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer srv.Close()
		c, err := NewClient(&Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
		require.NoError(t, err)
		_, err = c.Shipments(context.Background(), []string{"1"})
		assert.Error(t, err)
	})

	t.Run("unreachable", func(t *testing.T) {
		c, err := NewClient(&Config{BaseURL: "http://127.0.0.1:1"})
		require.NoError(t, err)
		_, err = c.Tracking(context.Background(), []string{"1"})
		assert.Error(t, err)
	})
}

func TestPing(t *testing.T) {
	healthy := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})
	assert.NoError(t, healthy.Ping(context.Background()))

	failing := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	assert.True(t, errors.Is(failing.Ping(context.Background()), ErrUnexpectedStatus))
}
