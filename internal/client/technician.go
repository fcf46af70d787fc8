package client

import (
	"context"
	"sync"

	"github.com/mossy-p/support-signaling/internal/models"
	"github.com/mossy-p/support-signaling/internal/session"
)

// Technician is the staff side: it announces itself online, keeps the list
// of pending requests and takes one call at a time.
type Technician struct {
	*base

	mu      sync.Mutex
	pending []models.NewSupportRequestPayload
	current *call
}

func NewTechnician(cfg Config) (*Technician, error) {
	b, err := newBase(cfg, "technician")
	if err != nil {
		return nil, err
	}
	return &Technician{base: b}, nil
}

// Start connects to the relay and announces the technician online. The relay
// answers with the pending list.
func (t *Technician) Start(ctx context.Context) error {
	t.fetchICE(ctx)

	t.sig.On(models.EventNewSupportRequest, t.handleNewRequest)
	t.sig.On(models.EventPendingRequests, t.handlePendingList)
	t.sig.On(models.EventRequestCanceled, t.handleWithdrawn)
	t.sig.On(models.EventRequestTaken, t.handleWithdrawn)
	for _, ev := range []models.EventType{
		models.EventAcceptSupport,
		models.EventAcceptRejected,
		models.EventOffer,
		models.EventAnswer,
		models.EventICECandidate,
		models.EventNetworkLost,
		models.EventSupportEnded,
	} {
		t.sig.On(ev, t.toCall)
	}

	if err := t.connect(ctx, t.currentCall); err != nil {
		return err
	}
	return t.sig.Send(models.EventTechnicianOnline, models.TechnicianOnlinePayload{
		TechnicianID:   t.cfg.ID,
		TechnicianName: t.cfg.Name,
	})
}

// Refresh asks the relay to replay the pending list.
func (t *Technician) Refresh() error {
	return t.sig.Send(models.EventGetPendingRequests, struct{}{})
}

// Pending returns the requests waiting for a technician, oldest first.
func (t *Technician) Pending() []models.NewSupportRequestPayload {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.NewSupportRequestPayload(nil), t.pending...)
}

// Accept claims the pending request of userID and returns its call. If
// another technician wins, the call ends with session.ReasonRejected.
func (t *Technician) Accept(ctx context.Context, userID string) (*session.Session, error) {
	t.mu.Lock()
	if t.current != nil && t.current.sess.State() != session.StateEnded {
		t.mu.Unlock()
		return nil, ErrBusy
	}
	i := t.indexOf(userID)
	if i < 0 {
		t.mu.Unlock()
		return nil, ErrUnknownRequest
	}
	req := t.pending[i]
	t.pending = append(t.pending[:i], t.pending[i+1:]...)

	sess, err := t.newSession(session.RoleTechnician, nil)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	t.current = newCall(sess, t.log)
	t.mu.Unlock()

	return sess, sess.Accept(ctx, req)
}

// Session returns the current or last call, nil before the first accept.
func (t *Technician) Session() *session.Session {
	if c := t.currentCall(); c != nil {
		return c.sess
	}
	return nil
}

func (t *Technician) currentCall() *call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *Technician) toCall(msg models.SignalMessage) {
	c := t.currentCall()
	if c == nil {
		t.log.Debugf("%s without a call, ignoring", msg.Type)
		return
	}
	c.push(msg)
}

func (t *Technician) handleNewRequest(msg models.SignalMessage) {
	var p models.NewSupportRequestPayload
	if err := msg.Decode(&p); err != nil {
		t.log.Warnf("%v", err)
		return
	}
	if t.add(p) {
		t.log.Infof("new request from %s (%s)", p.Username, p.UserID)
		t.notify(p)
	}
}

func (t *Technician) handlePendingList(msg models.SignalMessage) {
	var list []models.NewSupportRequestPayload
	if len(msg.Payload) > 0 {
		if err := msg.Decode(&list); err != nil {
			t.log.Warnf("%v", err)
			return
		}
	}

	t.mu.Lock()
	known := make(map[string]bool, len(t.pending))
	for _, p := range t.pending {
		known[p.UserID] = true
	}
	t.pending = list
	t.mu.Unlock()

	for _, p := range list {
		if !known[p.UserID] {
			t.notify(p)
		}
	}
}

// handleWithdrawn drops a request that was canceled or taken by someone else.
func (t *Technician) handleWithdrawn(msg models.SignalMessage) {
	var p models.UserPayload
	if err := msg.Decode(&p); err != nil {
		t.log.Warnf("%v", err)
		return
	}
	t.mu.Lock()
	if i := t.indexOf(p.UserID); i >= 0 {
		t.pending = append(t.pending[:i], t.pending[i+1:]...)
	}
	t.mu.Unlock()
	t.log.Debugf("request %s withdrawn (%s)", p.UserID, msg.Type)
}

func (t *Technician) add(p models.NewSupportRequestPayload) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.indexOf(p.UserID) >= 0 {
		return false
	}
	t.pending = append(t.pending, p)
	return true
}

func (t *Technician) notify(p models.NewSupportRequestPayload) {
	if t.cfg.OnRequest != nil {
		t.cfg.OnRequest(p)
	}
}

// indexOf runs with t.mu held.
func (t *Technician) indexOf(userID string) int {
	for i, p := range t.pending {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}
