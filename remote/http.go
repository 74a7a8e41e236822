package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hazyhaar/scansync/fault"
	"github.com/hazyhaar/scansync/recordstore"
)

const maxBodyBytes = 4 * 1024 * 1024

// Config tunes the HTTP client.
type Config struct {
	// BaseURL is the backend root, e.g. "https://api.example.com".
	BaseURL string
	// Timeout is the per-call deadline, distinct from retry backoff.
	// Default: 20s.
	Timeout time.Duration
	// HTTPClient overrides the underlying client (tests).
	HTTPClient *http.Client
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
}

// HTTPClient implements Client over the backend's JSON API.
type HTTPClient struct {
	cfg Config
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the backend at cfg.BaseURL.
func NewHTTPClient(cfg Config) *HTTPClient {
	cfg.defaults()
	return &HTTPClient{cfg: cfg}
}

// Analyze implements Client.
func (c *HTTPClient) Analyze(ctx context.Context, req AnalyzeRequest) (*recordstore.Record, error) {
	var rec recordstore.Record
	if err := c.call(ctx, http.MethodPost, "/v1/analyze", req, &rec, "analyze", req.OwnerID); err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpsertRecord implements Client.
func (c *HTTPClient) UpsertRecord(ctx context.Context, r *recordstore.Record) error {
	path := "/v1/records/" + url.PathEscape(r.ID)
	return c.call(ctx, http.MethodPut, path, r, nil, "upsert record", r.OwnerID)
}

// FetchRecords implements Client.
func (c *HTTPClient) FetchRecords(ctx context.Context, ownerID string) ([]*recordstore.Record, error) {
	var records []*recordstore.Record
	path := "/v1/records?owner=" + url.QueryEscape(ownerID)
	err := c.call(ctx, http.MethodGet, path, nil, &records, "fetch records", ownerID)
	if err != nil {
		var bad *fault.BadPayload
		if errors.As(err, &bad) && errors.Is(bad.Cause, errNotFound) {
			return nil, nil // unknown owner: nothing to pull
		}
		return nil, err
	}
	return records, nil
}

// DeleteRecord implements Client.
func (c *HTTPClient) DeleteRecord(ctx context.Context, id string) error {
	path := "/v1/records/" + url.PathEscape(id)
	err := c.call(ctx, http.MethodDelete, path, nil, nil, "delete record", "")
	var bad *fault.BadPayload
	if errors.As(err, &bad) && errors.Is(bad.Cause, errNotFound) {
		return nil // already gone
	}
	return err
}

// GetCounter implements Client.
func (c *HTTPClient) GetCounter(ctx context.Context, ownerID string) (*Counter, error) {
	var counter Counter
	path := "/v1/usage/" + url.PathEscape(ownerID)
	err := c.call(ctx, http.MethodGet, path, nil, &counter, "get counter", ownerID)
	if err != nil {
		var bad *fault.BadPayload
		if errors.As(err, &bad) && errors.Is(bad.Cause, errNotFound) {
			return nil, nil // server has no counter for this owner
		}
		return nil, err
	}
	return &counter, nil
}

// IncrementCounter implements Client.
func (c *HTTPClient) IncrementCounter(ctx context.Context, ownerID string, amount int) (*Counter, error) {
	var counter Counter
	path := "/v1/usage/" + url.PathEscape(ownerID) + "/increment"
	body := map[string]int{"amount": amount}
	if err := c.call(ctx, http.MethodPost, path, body, &counter, "increment counter", ownerID); err != nil {
		return nil, err
	}
	return &counter, nil
}

var errNotFound = errors.New("not found")

// call performs one JSON round-trip and maps the outcome onto the fault
// taxonomy. out may be nil when no response body is expected.
func (c *HTTPClient) call(ctx context.Context, method, path string, in, out any, op, ownerID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &fault.BadPayload{Op: op, Cause: err}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return &fault.BadPayload{Op: op, Cause: err}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		// Transport-level failure: no connectivity, DNS, timeout.
		return &fault.Offline{Op: op, Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fallthrough to decode
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		return &fault.Overloaded{Op: op, Status: resp.StatusCode}
	case resp.StatusCode == http.StatusPaymentRequired:
		return &fault.QuotaExceeded{OwnerID: ownerID}
	case resp.StatusCode == http.StatusNotFound:
		return &fault.BadPayload{Op: op, Cause: fmt.Errorf("%w: %s %s", errNotFound, method, path)}
	default:
		return &fault.BadPayload{Op: op, Cause: fmt.Errorf("http %d", resp.StatusCode)}
	}

	if out == nil {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &fault.Offline{Op: op, Cause: err}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &fault.BadPayload{Op: op, Cause: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
