package httpapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/kacy/integrity-bridge/channel"
)

// Client is a channel.BinaryMessenger that sends messages to a remote
// gateway. Wrap it in a channel.MethodChannel to invoke methods.
//
// A client only sends: handlers cannot be bound to it, so registering a
// bridge.Handler with a Client binds nothing and logs a warning.
type Client struct {
	baseURL     string
	contentType string
	httpClient  *http.Client
	logger      *slog.Logger
}

var _ channel.BinaryMessenger = (*Client)(nil)

// NewClient creates a client for the gateway at baseURL. contentType is
// sent with every message (e.g., "application/json", "application/cbor").
func NewClient(baseURL, contentType string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		contentType: contentType,
		httpClient:  httpClient,
		logger:      slog.Default(),
	}
}

// WithLogger sets the logger for unsupported operations.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// SetMessageHandler is not supported and only logs a warning.
func (c *Client) SetMessageHandler(name string, h channel.MessageHandler) {
	if h == nil {
		return
	}
	c.logger.Warn("cannot bind a handler to a remote gateway client", "channel", name, "gateway", c.baseURL)
}

// ClearMessageHandler implements channel.BinaryMessenger. Nothing is ever
// bound, so it always reports false.
func (c *Client) ClearMessageHandler(string, channel.MessageHandler) bool {
	return false
}

// Send implements channel.BinaryMessenger.
func (c *Client) Send(ctx context.Context, name string, message []byte) ([]byte, error) {
	endpoint := c.baseURL + "/channels/" + url.PathEscape(name)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(message))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.contentType != "" {
		req.Header.Set("Content-Type", c.contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxMessageBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read reply: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return body, nil
	case http.StatusNoContent:
		return nil, nil
	default:
		return nil, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
