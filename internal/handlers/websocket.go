package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/support-signaling/internal/models"
	"github.com/mossy-p/support-signaling/internal/queue"
	"github.com/pion/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
	eventTimeout   = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// RelayConfig wires the relay to its queue store and optional collaborators.
type RelayConfig struct {
	Store         queue.Store
	Recorder      queue.Recorder
	Bus           *Bus
	LoggerFactory logging.LoggerFactory
}

// Relay is the signaling hub. It keeps the connections bound to a requester or
// technician id, feeds queue events to the matching service and forwards
// negotiation messages to the addressed peer.
type Relay struct {
	queue *queue.Service
	bus   *Bus

	mu    sync.RWMutex
	peers map[string]*Client // bound id -> connection
}

// Client represents a WebSocket client connection
type Client struct {
	ConnID string
	Conn   *websocket.Conn
	Send   chan []byte

	relay *Relay
	done  chan struct{} // closed when the read pump exits

	mu sync.Mutex
	id string // bound identity, empty until the first queue event
}

func NewRelay(cfg RelayConfig) *Relay {
	r := &Relay{
		bus:   cfg.Bus,
		peers: make(map[string]*Client),
	}
	r.queue = queue.NewService(queue.Config{
		Store:         cfg.Store,
		Notifier:      r,
		Recorder:      cfg.Recorder,
		LoggerFactory: cfg.LoggerFactory,
	})
	return r
}

// Queue exposes the matching service for the staff API.
func (r *Relay) Queue() *queue.Service {
	return r.queue
}

// HandleSignaling upgrades the request and serves one signaling connection.
func (r *Relay) HandleSignaling(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	client := &Client{
		ConnID: uuid.New().String(),
		Conn:   conn,
		Send:   make(chan []byte, sendBufferSize),
		relay:  r,
		done:   make(chan struct{}),
	}
	log.Printf("Connection %s opened from %s", client.ConnID, c.ClientIP())

	go client.writePump()
	go client.readPump()
}

// Deliver implements queue.Notifier. Peers held by another relay process are
// reached through the bus.
func (r *Relay) Deliver(peerID string, msg models.SignalMessage) {
	if r.deliverLocal(peerID, msg) {
		return
	}
	if r.bus == nil {
		log.Printf("Target peer %s not connected, dropping %s", peerID, msg.Type)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	if err := r.bus.Publish(ctx, peerID, msg); err != nil {
		log.Printf("Failed to publish %s for %s: %v", msg.Type, peerID, err)
	}
}

// deliverLocal sends to a peer connected to this process.
func (r *Relay) deliverLocal(peerID string, msg models.SignalMessage) bool {
	r.mu.RLock()
	client, ok := r.peers[peerID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	client.sendMessage(msg)
	return true
}

// bind associates the connection with id. A newer connection for the same id
// takes over and the old one is closed.
func (r *Relay) bind(ctx context.Context, c *Client, id string) error {
	if id == "" {
		return errors.New("missing id")
	}
	c.mu.Lock()
	cur := c.id
	c.mu.Unlock()
	if cur != "" {
		if cur != id {
			return fmt.Errorf("connection already bound to %s", cur)
		}
		return nil
	}

	r.mu.Lock()
	old := r.peers[id]
	r.peers[id] = c
	r.mu.Unlock()

	c.mu.Lock()
	c.id = id
	c.mu.Unlock()

	if old != nil && old != c {
		// The old connection no longer owns id, so its cleanup skips the
		// queue. End whatever it left behind here.
		log.Printf("Peer %s reconnected, closing connection %s", id, old.ConnID)
		old.Conn.Close()
		if err := r.queue.Disconnect(ctx, id); err != nil {
			log.Printf("Cleanup of previous connection for %s failed: %v", id, err)
		}
	}
	log.Printf("Connection %s bound to %s", c.ConnID, id)
	return nil
}

// unbind removes the connection and reports whether it still owned its id.
func (r *Relay) unbind(c *Client) (string, bool) {
	id := c.boundID()
	if id == "" {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peers[id] != c {
		return id, false
	}
	delete(r.peers, id)
	return id, true
}

func (r *Relay) handle(c *Client, msg models.SignalMessage) error {
	if msg.Type.IsNegotiation() {
		return r.forward(c, msg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	switch msg.Type {
	case models.EventRequestSupport:
		var p models.RequestSupportPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		if err := r.bind(ctx, c, p.UserID); err != nil {
			return err
		}
		return r.queue.SubmitRequest(ctx, p.UserID, p.Username)

	case models.EventCancelRequest:
		var p models.UserPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		if p.UserID != c.boundID() {
			return fmt.Errorf("cannot cancel request of %s", p.UserID)
		}
		return r.queue.CancelRequest(ctx, p.UserID)

	case models.EventTechnicianOnline:
		var p models.TechnicianOnlinePayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		if err := r.bind(ctx, c, p.TechnicianID); err != nil {
			return err
		}
		return r.queue.RegisterTechnicianOnline(ctx, p.TechnicianID, p.TechnicianName)

	case models.EventGetPendingRequests:
		id := c.boundID()
		if id == "" {
			return errors.New("announce technicianOnline first")
		}
		return r.queue.ReplayPending(ctx, id)

	case models.EventAcceptSupport:
		var p models.AcceptSupportPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		if err := r.bind(ctx, c, p.TechnicianID); err != nil {
			return err
		}
		_, err := r.queue.AcceptRequest(ctx, p.UserID, p.TechnicianID, p.TechnicianName)
		if errors.Is(err, queue.ErrAlreadyClaimed) || errors.Is(err, queue.ErrTechnicianBusy) {
			// The technician already got acceptRejected.
			return nil
		}
		return err

	case models.EventEndSupport:
		var p models.UserPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		id := c.boundID()
		if id == "" {
			return errors.New("connection not bound")
		}
		return r.queue.EndSession(ctx, p.UserID, id)
	}
	return fmt.Errorf("unknown event %q", msg.Type)
}

// forward relays a negotiation message to the peer named in its payload,
// stamped with the sender's bound id.
func (r *Relay) forward(c *Client, msg models.SignalMessage) error {
	from := c.boundID()
	if from == "" {
		return errors.New("connection not bound")
	}
	to, err := msg.Recipient()
	if err != nil {
		return err
	}
	msg.From = from
	r.Deliver(to, msg)
	return nil
}

func (c *Client) boundID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Client) readPump() {
	defer func() {
		c.Conn.Close()
		close(c.done)

		id, owner := c.relay.unbind(c)
		if owner {
			ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
			if err := c.relay.queue.Disconnect(ctx, id); err != nil {
				log.Printf("Cleanup after %s failed: %v", id, err)
			}
			cancel()
		}
		log.Printf("Connection %s (%s) closed", c.ConnID, id)
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("Failed to parse message: %v", err)
			c.sendError(fmt.Errorf("malformed message: %w", err))
			continue
		}

		if err := c.relay.handle(c, msg); err != nil {
			log.Printf("Event %s from %s rejected: %v", msg.Type, c.ConnID, err)
			c.sendError(err)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendMessage(msg models.SignalMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal message: %v", err)
		return
	}

	select {
	case <-c.done:
		log.Printf("Dropping %s for closed connection %s", msg.Type, c.ConnID)
	case c.Send <- data:
	default:
		log.Printf("Failed to send message to peer %s, buffer full", c.ConnID)
	}
}

func (c *Client) sendError(err error) {
	msg, mErr := models.NewSignalMessage(models.EventError, models.ErrorPayload{Message: err.Error()})
	if mErr != nil {
		return
	}
	c.sendMessage(msg)
}
