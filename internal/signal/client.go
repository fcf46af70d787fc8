// Package signal is the client end of the signaling channel: named events
// sent to and received from the relay over one websocket.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/support-signaling/internal/models"
	"github.com/pion/logging"
)

// ErrClosed is returned by Send after the channel is gone.
var ErrClosed = errors.New("signal: channel closed")

const (
	writeWait           = 10 * time.Second
	defaultPingInterval = 30 * time.Second
)

// Handler receives one event. Handlers run on the read goroutine in arrival
// order and should not block.
type Handler func(msg models.SignalMessage)

type Config struct {
	// URL is the relay base (http, https, ws or wss); the signaling path is appended.
	URL           string
	Header        http.Header
	PingInterval  time.Duration
	LoggerFactory logging.LoggerFactory
}

// Client manages the WebSocket connection to the relay.
type Client struct {
	url          string
	header       http.Header
	pingInterval time.Duration
	log          logging.LeveledLogger

	conn *websocket.Conn

	writeMu sync.Mutex

	mu       sync.RWMutex
	handlers map[models.EventType][]Handler
	onClose  []func(error)

	closing   atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewClient creates a client. Register handlers before Connect so no early
// event is missed.
func NewClient(cfg Config) (*Client, error) {
	u, err := WebSocketURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	ping := cfg.PingInterval
	if ping <= 0 {
		ping = defaultPingInterval
	}
	return &Client{
		url:          u,
		header:       cfg.Header,
		pingInterval: ping,
		log:          lf.NewLogger("signal"),
		handlers:     make(map[models.EventType][]Handler),
		closed:       make(chan struct{}),
	}, nil
}

// WebSocketURL derives the relay's signaling endpoint from its base URL.
func WebSocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("relay url %q: unsupported scheme", base)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/support"
	return u.String(), nil
}

// Connect dials the relay and starts the read and ping loops.
func (c *Client) Connect(ctx context.Context) error {
	c.log.Infof("connecting to %s", c.url)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.conn = conn

	go c.readLoop()
	go c.pingLoop()
	return nil
}

// On registers a handler for an event name.
func (c *Client) On(event models.EventType, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// OnClose registers a callback run once when the channel goes away. err is
// nil after Disconnect.
func (c *Client) OnClose(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

// Send emits an event. Delivery is fire-and-forget.
func (c *Client) Send(event models.EventType, payload any) error {
	msg, err := models.NewSignalMessage(event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	c.log.Tracef(">>> %s", data)
	return nil
}

// Disconnect closes the channel. It is safe to call more than once.
func (c *Client) Disconnect() error {
	if c.conn == nil {
		return nil
	}
	c.closing.Store(true)
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	c.shutdown(nil)
	return nil
}

// Done is closed when the channel is gone.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Err reports why the channel closed; nil while open or after Disconnect.
func (c *Client) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
		c.conn.Close()

		c.mu.RLock()
		fns := make([]func(error), len(c.onClose))
		copy(fns, c.onClose)
		c.mu.RUnlock()
		for _, fn := range fns {
			fn(err)
		}
	})
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closing.Load() {
				c.shutdown(nil)
				return
			}
			c.log.Warnf("read error: %v", err)
			c.shutdown(fmt.Errorf("signaling lost: %w", err))
			return
		}
		c.log.Tracef("<<< %s", data)

		var msg models.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warnf("unmarshal error: %v", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg models.SignalMessage) {
	c.mu.RLock()
	hs := c.handlers[msg.Type]
	c.mu.RUnlock()

	if len(hs) == 0 {
		if msg.Type == models.EventError {
			var e models.ErrorPayload
			msg.Decode(&e)
			c.log.Warnf("relay error: %s", e.Message)
			return
		}
		c.log.Debugf("unhandled event: %s", msg.Type)
		return
	}
	for _, h := range hs {
		h(msg)
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				select {
				case <-c.closed:
				default:
					c.log.Warnf("ping error: %v", err)
				}
				return
			}
		}
	}
}
