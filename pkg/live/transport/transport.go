// Package transport owns the persistent websocket connection to the
// streaming endpoint. It supports exactly one concurrent reader and one
// concurrent writer; sends are atomic at frame granularity.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultHost = "generativelanguage.googleapis.com"

	bidiPath = "/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"

	defaultConnectTimeout = 15 * time.Second
	defaultWriteTimeout   = 5 * time.Second
)

// ErrMissingCredential is returned by Dial when no API key is configured.
var ErrMissingCredential = errors.New("transport: missing API key")

// ErrClosed marks a clean end of the inbound frame sequence, as opposed to
// a read failure on a live connection.
var ErrClosed = errors.New("transport: connection closed")

// Config describes how to reach the endpoint.
type Config struct {
	// Host overrides the service host. Mostly useful for tests.
	Host string
	// Scheme overrides "wss". Mostly useful for tests.
	Scheme string
	// APIKey is passed through as the key query parameter. Required.
	APIKey string

	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Conn is a connected duplex frame transport.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
	closed       atomic.Bool
}

// Dial opens the persistent connection. The credential must be present; an
// absent key fails before any network activity.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingCredential
	}
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = DefaultHost
	}
	if strings.TrimSpace(cfg.Scheme) == "" {
		cfg.Scheme = "wss"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	u := url.URL{
		Scheme:   cfg.Scheme,
		Host:     cfg.Host,
		Path:     bidiPath,
		RawQuery: url.Values{"key": []string{cfg.APIKey}}.Encode(),
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", cfg.Host, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", cfg.Host, err)
	}
	cfg.Logger.Info("connected", "host", cfg.Host)

	return &Conn{
		ws:           ws,
		logger:       cfg.Logger,
		writeTimeout: cfg.WriteTimeout,
	}, nil
}

// Send writes one text frame. Concurrent callers are serialized so frame
// bytes never interleave.
func (c *Conn) Send(data []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("send frame: %w", ErrClosed)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	return nil
}

// Receive blocks for the next inbound frame. The service delivers JSON
// envelopes in text or binary frames; both are returned. A clean close of
// the connection returns ErrClosed; any other failure is a read error.
func (c *Conn) Receive() ([]byte, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("receive frame: %w", err)
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			return data, nil
		default:
			continue
		}
	}
}

// Close performs a best-effort close handshake and releases the socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second),
		)
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	return nil
}
