package sessiontest

import (
	"errors"
	"sync"

	"github.com/mossy-p/support-signaling/internal/models"
)

var ErrPipeClosed = errors.New("sessiontest: pipe closed")

// Endpoint is one side of an in-memory relay between two sessions. It
// forwards negotiation events to the other side stamped with the sender id,
// turns endSupport into supportEnded, and only records queue events.
type Endpoint struct {
	id    string
	other *Endpoint
	inbox chan models.SignalMessage

	mu      sync.Mutex
	handler func(models.SignalMessage)
	sent    []models.SignalMessage
	held    map[models.EventType][]models.SignalMessage
	closed  bool
}

// NewPipe connects two endpoints owned by ids a and b.
func NewPipe(a, b string) (*Endpoint, *Endpoint) {
	ea := newEndpoint(a)
	eb := newEndpoint(b)
	ea.other, eb.other = eb, ea
	go ea.run()
	go eb.run()
	return ea, eb
}

func newEndpoint(id string) *Endpoint {
	return &Endpoint{
		id:    id,
		inbox: make(chan models.SignalMessage, 256),
		held:  make(map[models.EventType][]models.SignalMessage),
	}
}

// Attach sets the receiver of inbound messages, typically Session.Dispatch.
func (e *Endpoint) Attach(fn func(models.SignalMessage)) {
	e.mu.Lock()
	e.handler = fn
	e.mu.Unlock()
}

func (e *Endpoint) Send(event models.EventType, payload any) error {
	msg, err := models.NewSignalMessage(event, payload)
	if err != nil {
		return err
	}
	msg.From = e.id

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrPipeClosed
	}
	e.sent = append(e.sent, msg)
	e.mu.Unlock()

	switch {
	case event.IsNegotiation():
		e.other.deliver(msg)
	case event == models.EventEndSupport:
		ended, err := models.NewSignalMessage(models.EventSupportEnded, payload)
		if err != nil {
			return err
		}
		e.other.deliver(ended)
	}
	return nil
}

// Sent returns the messages of type event sent through this endpoint, or all
// of them when event is empty.
func (e *Endpoint) Sent(event models.EventType) []models.SignalMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []models.SignalMessage
	for _, m := range e.sent {
		if event == "" || m.Type == event {
			out = append(out, m)
		}
	}
	return out
}

// Hold keeps inbound messages of type event until Release.
func (e *Endpoint) Hold(event models.EventType) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.held[event]; !ok {
		e.held[event] = nil
	}
}

// Release delivers the held messages of type event and stops holding it.
func (e *Endpoint) Release(event models.EventType) {
	e.mu.Lock()
	msgs := e.held[event]
	delete(e.held, event)
	e.mu.Unlock()
	for _, m := range msgs {
		e.enqueue(m)
	}
}

// Inject delivers msg as if the relay had sent it.
func (e *Endpoint) Inject(msg models.SignalMessage) {
	e.deliver(msg)
}

// Close makes further sends fail, like a dropped channel.
func (e *Endpoint) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

func (e *Endpoint) deliver(msg models.SignalMessage) {
	e.mu.Lock()
	if held, ok := e.held[msg.Type]; ok {
		e.held[msg.Type] = append(held, msg)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.enqueue(msg)
}

func (e *Endpoint) enqueue(msg models.SignalMessage) {
	select {
	case e.inbox <- msg:
	default:
	}
}

func (e *Endpoint) run() {
	for msg := range e.inbox {
		e.mu.Lock()
		fn := e.handler
		e.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
	}
}
