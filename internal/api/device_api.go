// Package api is the typed client for the irrigation controller's HTTP
// endpoint. It only translates requests and responses: there are no
// retries and no caching at this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/models"
)

var (
	// ErrTransport means the request never produced an HTTP response
	// (unreachable host, timeout, canceled context).
	ErrTransport = errors.New("transport error")
	// ErrProtocol means a response arrived but did not have the expected shape.
	ErrProtocol = errors.New("protocol error")
)

const (
	latestPath = "/api/latest"
	eventsPath = "/api/events"
	pumpPath   = "/api/pump"

	maxErrorBody = 512
)

// Client talks to one device endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithTimeout sets the timeout of the underlying HTTP client.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithUserAgent sets the User-Agent header on every request.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// NewClient creates a client for the device reachable at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		userAgent: "moissense",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the normalized endpoint URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ReadState fetches the latest device snapshot.
func (c *Client) ReadState(ctx context.Context) (models.StateSnapshot, error) {
	var payload latestPayload
	if err := c.getJSON(ctx, latestPath, &payload); err != nil {
		return models.StateSnapshot{}, err
	}
	snapshot, err := payload.toSnapshot()
	if err != nil {
		return models.StateSnapshot{}, fmt.Errorf("%w: %s: %v", ErrProtocol, latestPath, err)
	}
	return snapshot, nil
}

// ReadEvents fetches the device event history in the order the service
// returns it. An empty history is a valid, non-nil result.
func (c *Client) ReadEvents(ctx context.Context) ([]models.EventRecord, error) {
	var payload []eventPayload
	if err := c.getJSON(ctx, eventsPath, &payload); err != nil {
		return nil, err
	}
	events := make([]models.EventRecord, 0, len(payload))
	for i, p := range payload {
		ev, err := p.toRecord()
		if err != nil {
			return nil, fmt.Errorf("%w: %s[%d]: %v", ErrProtocol, eventsPath, i, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// SendCommand asks the device to switch the pump to target. When the HTTP
// exchange itself succeeds, a device-side refusal (including a non-2xx
// status) comes back as an unaccepted CommandResult rather than an error.
func (c *Client) SendCommand(ctx context.Context, target models.PumpState) (models.CommandResult, error) {
	body, err := json.Marshal(commandRequest{Cmd: target.String()})
	if err != nil {
		return models.CommandResult{}, fmt.Errorf("%w: encode command: %v", ErrProtocol, err)
	}

	resp, err := c.do(ctx, http.MethodPost, pumpPath, bytes.NewReader(body))
	if err != nil {
		return models.CommandResult{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.CommandResult{}, fmt.Errorf("%w: read %s: %v", ErrTransport, pumpPath, err)
	}

	var payload commandResponse
	decodeErr := json.Unmarshal(raw, &payload)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("device returned %d", resp.StatusCode)
		if decodeErr == nil && payload.Error != "" {
			msg = fmt.Sprintf("%s: %s", msg, payload.Error)
		} else if text := strings.TrimSpace(string(raw)); text != "" {
			msg = fmt.Sprintf("%s: %s", msg, truncate(text, maxErrorBody))
		}
		return models.CommandResult{Accepted: false, ErrorMessage: msg}, nil
	}

	if decodeErr != nil {
		return models.CommandResult{}, fmt.Errorf("%w: decode %s: %v", ErrProtocol, pumpPath, decodeErr)
	}
	result, err := payload.toResult()
	if err != nil {
		return models.CommandResult{}, fmt.Errorf("%w: %s: %v", ErrProtocol, pumpPath, err)
	}
	return result, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: %s: got %d %s", ErrProtocol, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrProtocol, path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%w: build %s %s: %v", ErrTransport, method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrTransport, method, path, err)
	}
	return resp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
