package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/matheus3301/boostsync/internal/archive"
	"github.com/matheus3301/boostsync/internal/chat"
	"github.com/matheus3301/boostsync/internal/order"
)

// Error is a non-2xx answer from the daemon.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("daemon: %d %s", e.StatusCode, e.Message)
}

// Client talks to a daemon over its Unix domain socket.
type Client struct {
	http *http.Client
}

// NewClient creates a client dialing socketPath for every request.
func NewClient(socketPath string) *Client {
	return &Client{http: &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}}
}

// Do sends a JSON request and decodes the JSON answer into out, which may
// be nil.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://boostd"+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &Error{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Health(ctx context.Context) error {
	return c.Do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) Stats(ctx context.Context) (StatsResponse, error) {
	var out StatsResponse
	err := c.Do(ctx, http.MethodGet, "/v1/stats", nil, &out)
	return out, err
}

func (c *Client) Orders(ctx context.Context) ([]order.Entry, error) {
	var out struct {
		Orders []order.Entry `json:"orders"`
	}
	err := c.Do(ctx, http.MethodGet, "/v1/orders", nil, &out)
	return out.Orders, err
}

func (c *Client) Order(ctx context.Context, id string) (order.Entry, error) {
	var out order.Entry
	err := c.Do(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) SetOrder(ctx context.Context, id string, st order.Status) (WriteResult, error) {
	var out WriteResult
	err := c.Do(ctx, http.MethodPut, "/v1/orders/"+url.PathEscape(id), map[string]any{"status": st}, &out)
	return out, err
}

func (c *Client) RefreshOrder(ctx context.Context, id string) (WriteResult, error) {
	var out WriteResult
	err := c.Do(ctx, http.MethodPost, "/v1/orders/"+url.PathEscape(id)+"/refresh", nil, &out)
	return out, err
}

func (c *Client) Conversations(ctx context.Context, limit int) ([]chat.Conversation, error) {
	var out struct {
		Conversations []chat.Conversation `json:"conversations"`
	}
	path := fmt.Sprintf("/v1/conversations?limit=%d", limit)
	err := c.Do(ctx, http.MethodGet, path, nil, &out)
	return out.Conversations, err
}

// Timeline fetches the live timeline of a conversation with day separators
// in tz ("" = daemon local time).
func (c *Client) Timeline(ctx context.Context, conversationID, tz string) ([]chat.TimelineItem, error) {
	var out struct {
		Items []chat.TimelineItem `json:"items"`
	}
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if tz != "" {
		path += "?tz=" + url.QueryEscape(tz)
	}
	err := c.Do(ctx, http.MethodGet, path, nil, &out)
	return out.Items, err
}

func (c *Client) Send(ctx context.Context, conversationID, content string) (chat.Message, error) {
	var out chat.Message
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	err := c.Do(ctx, http.MethodPost, path, map[string]string{"content": content}, &out)
	return out, err
}

func (c *Client) Retry(ctx context.Context, messageID string) error {
	return c.Do(ctx, http.MethodPost, "/v1/messages/"+url.PathEscape(messageID)+"/retry", nil, nil)
}

func (c *Client) RefreshConversation(ctx context.Context, conversationID string) (int, error) {
	var out struct {
		Changed int `json:"changed"`
	}
	err := c.Do(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(conversationID)+"/refresh", nil, &out)
	return out.Changed, err
}

// Archive closes a conversation as st (completed when empty) and returns
// its archive entry.
func (c *Client) Archive(ctx context.Context, conversationID string, st chat.ConversationStatus) (archive.Entry, error) {
	var out archive.Entry
	err := c.Do(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(conversationID)+"/archive", CloseRequest{Status: st}, &out)
	return out, err
}

func (c *Client) Unarchive(ctx context.Context, conversationID string) error {
	return c.Do(ctx, http.MethodDelete, "/v1/conversations/"+url.PathEscape(conversationID)+"/archive", nil, nil)
}

func (c *Client) ListArchive(ctx context.Context) ([]archive.Entry, error) {
	var out struct {
		Archive []archive.Entry `json:"archive"`
	}
	err := c.Do(ctx, http.MethodGet, "/v1/archive", nil, &out)
	return out.Archive, err
}
