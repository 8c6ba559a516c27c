// Package teamhub is the Go client SDK for the TeamHub collaboration
// backend's chat subsystem. It provides the REST client, the real-time
// transport wrapper, and an in-memory chat state store that mirrors the
// server's view of rooms, messages, typing, and presence.
package teamhub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const defaultBaseURL = "https://api.teamhub.app/api"

// ============================================================================
// Client
// ============================================================================

// Client is the TeamHub REST API client. It is the delivery path of last
// resort for chat operations: the real-time channel is preferred, and the
// Session falls back to these endpoints when it is unavailable.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = baseURL }
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger attaches a structured logger. The default discards all
// output.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient creates a TeamHub API client authenticated with a bearer
// token.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Chat returns the chat sub-client.
func (c *Client) Chat() *ChatClient {
	return &ChatClient{client: c}
}

// Notifications returns the notifications sub-client.
func (c *Client) Notifications() *NotificationsClient {
	return &NotificationsClient{client: c}
}

// doRequest issues an authenticated API request and returns the response
// after mapping non-2xx statuses to *APIError.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.log.Debug().Str("method", method).Str("path", path).Msg("api request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		apiErr := &APIError{}
		if decodeErr := json.NewDecoder(resp.Body).Decode(apiErr); decodeErr != nil || apiErr.Message == "" {
			apiErr.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		c.log.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("api error")
		return nil, apiErr
	}
	return resp, nil
}

// decodeJSON decodes an API response body into T and closes the body.
func decodeJSON[T any](resp *http.Response) (T, error) {
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// ============================================================================
// Chat Sub-Client
// ============================================================================

// ChatClient accesses the chat REST endpoints.
type ChatClient struct {
	client *Client
}

// historyPath maps a chat type and target id to its messages endpoint.
func historyPath(chatType ChatType, targetID string) (string, error) {
	if !chatType.Valid() {
		return "", fmt.Errorf("%w: unknown chat type %q", ErrInvalidRoomSpec, chatType)
	}
	if targetID == "" {
		return "", fmt.Errorf("%w: target id required", ErrInvalidRoomSpec)
	}
	return fmt.Sprintf("/chat/%s/%s/messages", chatType, targetID), nil
}

// History fetches a page of message history for a conversation. targetID
// is the workspace id, project id, or other user's id depending on the
// chat type. Messages come back oldest first.
func (cc *ChatClient) History(ctx context.Context, chatType ChatType, targetID string, opts *HistoryOptions) (*HistoryPage, error) {
	path, err := historyPath(chatType, targetID)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	if opts != nil {
		if opts.Limit > 0 {
			query.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Skip > 0 {
			query.Set("skip", strconv.Itoa(opts.Skip))
		}
		if opts.Before != "" {
			query.Set("before", opts.Before)
		}
	}
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	resp, err := cc.client.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	page, err := decodeJSON[HistoryPage](resp)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// Send creates a message over REST. This is the fallback delivery path;
// the server persists and broadcasts it exactly as it would a real-time
// send, but no broadcast reaches this client if it is offline, so callers
// add the returned message to their store themselves.
func (cc *ChatClient) Send(ctx context.Context, chatType ChatType, targetID string, opts SendOptions) (*Message, error) {
	path, err := historyPath(chatType, targetID)
	if err != nil {
		return nil, err
	}
	if opts.MessageType == "" {
		opts.MessageType = MessageText
	}

	resp, err := cc.client.doRequest(ctx, http.MethodPost, path, opts)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[sendResponse](resp)
	if err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// OnlineUsers fetches a workspace's presence roster.
func (cc *ChatClient) OnlineUsers(ctx context.Context, workspaceID string) ([]OnlineUser, error) {
	if workspaceID == "" {
		return nil, fmt.Errorf("%w: workspace id required", ErrInvalidRoomSpec)
	}
	resp, err := cc.client.doRequest(ctx, http.MethodGet, "/chat/workspace/"+workspaceID+"/online-users", nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[onlineUsersResponse](resp)
	if err != nil {
		return nil, err
	}
	return out.Users, nil
}

// Members fetches a workspace's member roster, used to start direct
// conversations.
func (cc *ChatClient) Members(ctx context.Context, workspaceID string) ([]Member, error) {
	if workspaceID == "" {
		return nil, fmt.Errorf("%w: workspace id required", ErrInvalidRoomSpec)
	}
	resp, err := cc.client.doRequest(ctx, http.MethodGet, "/chat/workspace/"+workspaceID+"/members", nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[membersResponse](resp)
	if err != nil {
		return nil, err
	}
	return out.Members, nil
}

// ============================================================================
// Notifications Sub-Client
// ============================================================================

// NotificationsClient accesses the notification REST endpoints.
type NotificationsClient struct {
	client *Client
}

// MarkRead marks the given notifications as read.
func (nc *NotificationsClient) MarkRead(ctx context.Context, opts MarkNotificationsReadOptions) error {
	resp, err := nc.client.doRequest(ctx, http.MethodPatch, "/notifications/mark-as-read", opts)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// MarkAllRead marks every notification in a workspace as read.
func (nc *NotificationsClient) MarkAllRead(ctx context.Context, workspaceID string) error {
	if workspaceID == "" {
		return fmt.Errorf("%w: workspace id required", ErrInvalidRoomSpec)
	}
	resp, err := nc.client.doRequest(ctx, http.MethodPatch, "/notifications/workspace/"+workspaceID+"/mark-all-read", nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}
