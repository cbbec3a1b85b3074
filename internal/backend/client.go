// Package backend is the HTTP client for the downstream batch-lookup service.
//
// Each lookup issues one GET with every id of the batch in the q parameter,
// comma separated:
//
//	GET {base}/pricing?q=NL,DE
//	GET {base}/track?q=109347263,123456891
//	GET {base}/shipments?q=109347263,123456891
//
// The service answers with a JSON object keyed by id. Ids it has no data for
// may be missing or null, and the whole body may be null.
//
// Stub serves the same contract with generated data, for local runs and
// tests.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dreamware/aggregator/internal/domain"
)

// DefaultTimeout bounds a single downstream call.
const DefaultTimeout = 5 * time.Second

var (
	// ErrUnexpectedStatus is returned for any non-2xx downstream response.
	ErrUnexpectedStatus = errors.New("unexpected downstream status")

	// ErrMissingBaseURL is returned by Config.Validate when no base URL is set.
	ErrMissingBaseURL = errors.New("backend base url is required")
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Validate fills defaults and checks required fields.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return ErrMissingBaseURL
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid backend base url %q: %w", c.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid backend base url %q: scheme must be http or https", c.BaseURL)
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return nil
}

// Client performs batch lookups against the downstream service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient validates cfg and returns a ready client.
func NewClient(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: cfg.HTTPClient,
	}, nil
}

// Pricing looks up prices by ISO country code.
func (c *Client) Pricing(ctx context.Context, ids []string) (map[string]*float64, error) {
	return lookup[float64](ctx, c, domain.KindPricing, ids)
}

// Tracking looks up the tracking status of the given order numbers.
func (c *Client) Tracking(ctx context.Context, ids []string) (map[string]*domain.TrackingStatus, error) {
	return lookup[domain.TrackingStatus](ctx, c, domain.KindTracking, ids)
}

// Shipments looks up the products contained in the given shipments.
func (c *Client) Shipments(ctx context.Context, ids []string) (map[string]*[]string, error) {
	return lookup[[]string](ctx, c, domain.KindShipments, ids)
}

// Ping checks the service's /health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check: %w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	return nil
}

// URL returns the lookup URL for kind and ids. Ids are escaped individually
// and joined with a literal comma, which the service expects unescaped.
func (c *Client) URL(kind domain.Kind, ids []string) string {
	escaped := make([]string, len(ids))
	for i, id := range ids {
		escaped[i] = url.QueryEscape(id)
	}
	return fmt.Sprintf("%s/%s?q=%s", c.baseURL, kind, strings.Join(escaped, ","))
}

func lookup[V any](ctx context.Context, c *Client, kind domain.Kind, ids []string) (map[string]*V, error) {
	target := c.URL(kind, ids)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s lookup: %w", kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s lookup: %w: %d", kind, ErrUnexpectedStatus, resp.StatusCode)
	}

	var out map[string]*V
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s lookup: decode response: %w", kind, err)
	}
	return out, nil
}
