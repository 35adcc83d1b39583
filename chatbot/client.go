// Package chatbot relays triggered chat messages to an external responder
// service and posts its replies back to the room as the bot identity.
package chatbot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/huddle/chat"
)

// maxResponseBytes caps how much of a responder reply is read.
const maxResponseBytes = 64 << 10

// Client talks to the responder: POST {message, username}, expect {response}.
type Client struct {
	Endpoint   string
	HTTPClient *http.Client
}

// NewClient returns a responder client for endpoint.
func NewClient(endpoint string, httpClient *http.Client) *Client {
	return &Client{Endpoint: endpoint, HTTPClient: httpClient}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

type queryRequest struct {
	Message  string `json:"message"`
	Username string `json:"username"`
}

type queryResponse struct {
	Response string `json:"response"`
}

// Query asks the responder to answer message from username. Every failure
// wraps chat.ErrUpstreamUnavailable.
func (c *Client) Query(ctx context.Context, message, username string) (string, error) {
	body, err := json.Marshal(queryRequest{Message: message, Username: username})
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", chat.ErrUpstreamUnavailable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", chat.ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http().Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", chat.ErrUpstreamUnavailable, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("%w: responder returned %d: %s", chat.ErrUpstreamUnavailable, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out queryResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", chat.ErrUpstreamUnavailable, err)
	}
	reply := strings.TrimSpace(out.Response)
	if reply == "" {
		return "", fmt.Errorf("%w: empty response", chat.ErrUpstreamUnavailable)
	}
	return clampText(reply), nil
}

// clampText cuts s to chat.MaxTextLength bytes without splitting a rune.
func clampText(s string) string {
	if len(s) > chat.MaxTextLength {
		s = strings.ToValidUTF8(s[:chat.MaxTextLength], "")
	}
	return s
}
