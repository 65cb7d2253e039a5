package push

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/matheus3301/boostsync/internal/bus"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Reconnect backoff bounds.
const (
	DefaultMinBackoff = time.Second
	DefaultMaxBackoff = 30 * time.Second
)

// readLimit caps one frame; message pages are never pushed.
const readLimit = 1 << 20

// Config configures a Client.
type Config struct {
	URL        string
	Token      string
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Client keeps one websocket connection to the push endpoint alive until
// its context is cancelled.
type Client struct {
	cfg       Config
	handler   *Handler
	bus       *bus.Bus
	logger    *zap.Logger
	connected atomic.Bool
	frames    atomic.Int64
}

// NewClient creates a push client applying frames through apply.
func NewClient(cfg Config, apply Applier, b *bus.Bus, logger *zap.Logger) *Client {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(DefaultMaxBackoff, cfg.MinBackoff)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		handler: NewHandler(apply, b, logger),
		bus:     b,
		logger:  logger,
	}
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Frames returns how many frames have been read since start.
func (c *Client) Frames() int64 {
	return c.frames.Load()
}

// Run dials and reads until ctx is cancelled, reconnecting with capped
// exponential backoff. It returns ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.MinBackoff
	for {
		opened, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if opened {
			backoff = c.cfg.MinBackoff
		}
		c.logger.Warn("push connection lost", zap.Error(err), zap.Duration("retry_in", backoff))

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff = min(backoff*2, c.cfg.MaxBackoff)
	}
}

// session runs one connection. opened reports whether the dial succeeded.
func (c *Client) session(ctx context.Context) (opened bool, err error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return false, err
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(readLimit)

	c.connected.Store(true)
	c.logger.Info("push connected", zap.String("url", c.cfg.URL))
	c.bus.Publish(bus.NewEvent(bus.PushConnected, c.cfg.URL))
	defer func() {
		c.connected.Store(false)
		c.bus.Publish(bus.NewEvent(bus.PushDisconnected, errString(err)))
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return true, err
		}
		if typ != websocket.MessageText {
			continue
		}
		c.frames.Add(1)
		if err := c.handler.Handle(data); err != nil {
			c.logger.Debug("push frame dropped", zap.Error(err),
				zap.Bool("unknown_type", errors.Is(err, ErrUnknownFrame)))
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
