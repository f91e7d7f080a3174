package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"commaudit/internal/metrics"
)

// Client is a thin HTTP client for a running `commaudit serve`.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL (e.g. http://host:port).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Health checks that the service is up.
func (c *Client) Health(ctx context.Context) error {
	var resp HealthResponse
	if err := c.getJSON(ctx, "/healthz", &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("unhealthy: %q", resp.Status)
	}
	return nil
}

// Mismatches runs a remote audit and returns its diagnostics.
func (c *Client) Mismatches(ctx context.Context) (MismatchesResponse, error) {
	var resp MismatchesResponse
	if err := c.getJSON(ctx, "/mismatches", &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Rounds runs a remote audit and returns its per-round aggregates.
func (c *Client) Rounds(ctx context.Context) (RoundsResponse, error) {
	var resp RoundsResponse
	if err := c.getJSON(ctx, "/rounds", &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Types runs a remote audit and returns its per-type aggregates.
func (c *Client) Types(ctx context.Context) ([]metrics.TypeSummary, error) {
	var resp []metrics.TypeSummary
	if err := c.getJSON(ctx, "/types", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Report fetches the plain-text report.
func (c *Client) Report(ctx context.Context) (string, error) {
	res, err := c.get(ctx, "/report")
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer res.Body.Close()
		body, _ := io.ReadAll(res.Body)
		msg := strings.TrimSpace(string(body))
		var e ErrorResponse
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		if msg != "" {
			return nil, fmt.Errorf("request failed: %s: %s", res.Status, msg)
		}
		return nil, fmt.Errorf("request failed: %s", res.Status)
	}
	return res, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	res, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	decoder := json.NewDecoder(res.Body)
	return decoder.Decode(out)
}
