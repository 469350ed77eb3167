// Package webhook calls the external automation webhook that supplies deal
// records.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/petal-labs/dealbridge/deal"
)

// HTTPClient abstracts outbound HTTP execution.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures a Client.
type Config struct {
	URL        string
	Headers    map[string]string
	UserAgent  string
	HTTPClient HTTPClient
}

// Error reports a failed webhook call: a transport failure, a non-success
// status, or a body that could not be read or decoded.
type Error struct {
	StatusCode int
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil && e.Message == "" {
		return "webhook: " + e.Cause.Error()
	}
	if e.Cause != nil {
		return fmt.Sprintf("webhook: %s: %v", e.Message, e.Cause)
	}
	return "webhook: " + e.Message
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Client posts deal lookups to a fixed webhook URL.
type Client struct {
	url        string
	headers    map[string]string
	userAgent  string
	httpClient HTTPClient
}

// NewClient creates a Client. The URL is required; a nil HTTPClient falls back
// to http.DefaultClient so the transport default timeout applies.
func NewClient(cfg Config) (*Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("webhook: url is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	return &Client{
		url:        url,
		headers:    headers,
		userAgent:  cfg.UserAgent,
		httpClient: httpClient,
	}, nil
}

// URL returns the configured webhook destination.
func (c *Client) URL() string {
	return c.url
}

type fetchRequest struct {
	DealID string `json:"dealId"`
}

// Fetch issues exactly one POST carrying {"dealId": dealID} and decodes the
// returned deal record. There is no retry.
func (c *Client) Fetch(ctx context.Context, dealID string) (*deal.Record, error) {
	body, err := encodeRequest(dealID)
	if err != nil {
		return nil, &Error{Message: "encode request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Message: "build request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Message: "read response body", Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("unexpected status code: %d", resp.StatusCode),
		}
	}

	rec, err := decodeRecord(respBody)
	if err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Message: "decode response", Cause: err}
	}
	return rec, nil
}

// encodeRequest marshals the lookup body without HTML escaping so the deal id
// reaches the webhook byte-for-byte.
func encodeRequest(dealID string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(fetchRequest{DealID: dealID}); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// decodeRecord accepts either a record object or an array of records, in which
// case the first element is used. An empty body yields an empty record.
func decodeRecord(body []byte) (*deal.Record, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return &deal.Record{}, nil
	}

	if trimmed[0] == '[' {
		var items []deal.Record
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return &deal.Record{}, nil
		}
		return &items[0], nil
	}

	var rec deal.Record
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
