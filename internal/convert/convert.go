// Package convert talks to the external format-conversion service that turns
// non-PDF uploads into the canonical document type.
package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pkt.systems/pslog"
)

// Error is the structured failure returned by the conversion service.
// Conversion failures are surfaced to the uploading user and never retried.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("convert: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("convert: %s", e.Code)
}

// Config configures the conversion client.
type Config struct {
	// Endpoint is the conversion service base URL, e.g. http://converter:8080.
	Endpoint string
	// Timeout bounds a single conversion round trip.
	Timeout time.Duration
	// HTTPClient overrides the default client; primarily for tests.
	HTTPClient *http.Client
	Logger     pslog.Logger
}

// Client issues conversion requests.
type Client struct {
	endpoint string
	httpc    *http.Client
	logger   pslog.Logger
}

// DefaultTimeout bounds conversion calls when Config.Timeout is zero.
const DefaultTimeout = 2 * time.Minute

// New constructs a conversion client.
func New(cfg Config) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("convert: endpoint required")
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpc = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Client{endpoint: endpoint, httpc: httpc, logger: logger}, nil
}

// Convert submits raw bytes with their MIME type and returns the converted
// document bytes, or an *Error when the service rejects the payload.
func (c *Client) Convert(ctx context.Context, payload []byte, mimeType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/convert", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("convert: build request: %w", err)
	}
	if mimeType != "" {
		req.Header.Set("Content-Type", mimeType)
	}
	c.logger.Debug("convert.request", "bytes", len(payload), "mime", mimeType)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("convert: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeFailure(resp)
	}
	converted, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("convert: read response: %w", err)
	}
	c.logger.Debug("convert.success", "in_bytes", len(payload), "out_bytes", len(converted))
	return converted, nil
}

func decodeFailure(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("convert: service returned %d", resp.StatusCode)
	}
	var convErr Error
	if json.Unmarshal(body, &convErr) == nil && convErr.Code != "" {
		return &convErr
	}
	return &Error{
		Code:    fmt.Sprintf("http_%d", resp.StatusCode),
		Message: strings.TrimSpace(string(body)),
	}
}
