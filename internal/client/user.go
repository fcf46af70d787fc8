package client

import (
	"context"
	"sync"
	"time"

	"github.com/mossy-p/support-signaling/internal/feedback"
	"github.com/mossy-p/support-signaling/internal/models"
	"github.com/mossy-p/support-signaling/internal/session"
)

// User is the end-user side: it asks for help, rings until a technician
// picks up and rates the call when it is over.
type User struct {
	*base
	call *call

	mu        sync.Mutex
	ringer    *Ringer
	connected bool
}

func NewUser(cfg Config) (*User, error) {
	b, err := newBase(cfg, "user")
	if err != nil {
		return nil, err
	}
	return &User{base: b}, nil
}

// Start connects to the relay and submits the request.
func (u *User) Start(ctx context.Context) (*session.Session, error) {
	u.fetchICE(ctx)

	sess, err := u.newSession(session.RoleRequester, u.observe)
	if err != nil {
		return nil, err
	}
	u.call = newCall(sess, u.log)

	for _, ev := range []models.EventType{
		models.EventSupportAccepted,
		models.EventOffer,
		models.EventAnswer,
		models.EventICECandidate,
		models.EventNetworkLost,
		models.EventSupportEnded,
	} {
		u.sig.On(ev, u.call.push)
	}
	if err := u.connect(ctx, func() *call { return u.call }); err != nil {
		return nil, err
	}

	u.mu.Lock()
	u.ringer = StartRinger(u.ringInterval(), u.cfg.Ring)
	u.mu.Unlock()
	if err := sess.Request(); err != nil {
		u.stopRinging()
		return nil, err
	}
	u.log.Infof("support requested as %s", u.cfg.ID)
	return sess, nil
}

// Session returns the call started by Start.
func (u *User) Session() *session.Session {
	if u.call == nil {
		return nil
	}
	return u.call.sess
}

// Wait blocks until the call ended, or ends it when ctx is done, then runs
// the rating step if the call was ever connected.
func (u *User) Wait(ctx context.Context) (feedback.Result, error) {
	sess := u.Session()
	if sess == nil {
		return feedback.Result{}, ErrNoCall
	}
	select {
	case <-sess.Done():
	case <-ctx.Done():
		sess.EndCall(func() bool { return true })
	}
	u.stopRinging()

	u.mu.Lock()
	connected := u.connected
	u.mu.Unlock()
	if !connected || u.cfg.Prompter == nil {
		return feedback.Result{}, nil
	}

	flow := feedback.NewFlow(feedback.Config{
		Prompter:      u.cfg.Prompter,
		Submitter:     u.api,
		LoggerFactory: u.lf,
	})
	return flow.Run(ctx, sess.ID())
}

func (u *User) observe(tr session.Transition) {
	if tr.From == session.StateRequesting {
		u.stopRinging()
	}
	if tr.To == session.StateConnected {
		u.mu.Lock()
		u.connected = true
		u.mu.Unlock()
	}
}

func (u *User) stopRinging() {
	u.mu.Lock()
	r := u.ringer
	u.ringer = nil
	u.mu.Unlock()
	if r != nil {
		r.Stop()
	}
}

func (u *User) ringInterval() time.Duration {
	if u.cfg.RingInterval <= 0 {
		return 3 * time.Second
	}
	return u.cfg.RingInterval
}
