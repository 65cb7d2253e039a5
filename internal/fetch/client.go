// Package fetch is the REST collaborator: point-in-time status fetches,
// message pages and message sends against the platform API.
package fetch

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

	"github.com/matheus3301/boostsync/internal/chat"
	"github.com/matheus3301/boostsync/internal/order"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Defaults for the request limiter and per-request timeout.
const (
	DefaultRatePerSecond = 5
	DefaultBurst         = 10
	DefaultTimeout       = 10 * time.Second
)

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 512

// HTTPError is a non-2xx response from the API.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Config configures a Client.
type Config struct {
	BaseURL       string
	Token         string
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration
}

// Client talks to the platform REST API. Every request waits on a shared
// token bucket so bursts of refreshes cannot flood the server.
type Client struct {
	base    string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient creates an API client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultRatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:  logger,
	}
}

// FetchStatus fetches the current status of one order.
func (c *Client) FetchStatus(ctx context.Context, id string) (order.Update, error) {
	body, err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(id), nil)
	if err != nil {
		return order.Update{}, err
	}
	u, err := order.DecodeUpdate(body)
	if err != nil {
		return order.Update{}, err
	}
	return u, nil
}

// FetchStatuses fetches several orders in one request. Items that cannot be
// attributed are skipped.
func (c *Client) FetchStatuses(ctx context.Context, ids []string) ([]order.Update, error) {
	q := url.Values{"ids": {strings.Join(ids, ",")}}
	body, err := c.do(ctx, http.MethodGet, "/orders?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	us, skipped, err := order.DecodeUpdates(body)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		c.logger.Debug("unattributable order items skipped", zap.Int("count", skipped))
	}
	return us, nil
}

// FetchMessages fetches the latest page of a conversation, oldest first.
func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	body, err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil)
	if err != nil {
		return nil, err
	}
	msgs, err := chat.DecodeMessages(body)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if msgs[i].ConversationID == "" {
			msgs[i].ConversationID = conversationID
		}
	}
	return msgs, nil
}

// Send posts a message and returns the server acknowledgment. It makes
// Client a chat.Transport.
func (c *Client) Send(ctx context.Context, out chat.Outgoing) (chat.Message, error) {
	payload, err := json.Marshal(map[string]string{
		"tempId":  out.TempID,
		"content": out.Content,
		"type":    string(out.Kind),
	})
	if err != nil {
		return chat.Message{}, err
	}
	body, err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(out.ConversationID)+"/messages", payload)
	if err != nil {
		return chat.Message{}, err
	}
	ack, err := chat.DecodeMessage(body)
	if err != nil {
		return chat.Message{}, err
	}
	return ack, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, path, err)
	}
	c.logger.Debug("api request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &HTTPError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}
