// Package chatsync is a client-side synchronization core for two-party chat.
//
// It reconciles an eventually-consistent, possibly-duplicated, possibly-reordered
// stream of real-time socket messages against persisted history fetched over
// REST, maintains per-conversation grouping, and provides optimistic local echo
// of sent messages before server confirmation.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://api.example.com"))
//	socket := chatsync.NewSocketClient(&chatsync.SocketConfig{
//		URL:    client.SocketURL(),
//		UserID: "u1",
//	})
//	session := chatsync.NewSession(client, socket, &chatsync.SessionConfig{SelfID: "u1"})
//
//	session.Start(ctx)
//	session.LoadHistory(ctx)
//	session.SendMessage(ctx, "u2", "hello")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api.sociora.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client used to bootstrap chat history.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new chat REST client.
// token is optional — pass "" when the server does not require auth.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// SocketURL derives the WebSocket endpoint from the client's base URL.
func (c *Client) SocketURL() string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// History API
// ============================================================================

// HistoryResponse is the wire shape of GET /chat/history.
// Each entry in Chats is left raw so the Normalizer can resolve the
// server's field-name variants.
type HistoryResponse struct {
	Success bool              `json:"success"`
	Chats   []json.RawMessage `json:"chats"`
	Error   string            `json:"error,omitempty"`
}

// FetchHistory retrieves the persisted message history for the
// authenticated user.
func (c *Client) FetchHistory(ctx context.Context) (*HistoryResponse, error) {
	data, err := c.doRequest(ctx, "GET", "/chat/history", nil, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[HistoryResponse](data)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "server reported failure"
		}
		return nil, fmt.Errorf("fetch history: %s", msg)
	}
	c.logger.Debug("history fetched", zap.Int("count", len(res.Chats)))
	return res, nil
}
