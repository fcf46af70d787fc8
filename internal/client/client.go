// Package client runs one side of a support call: it connects to the relay,
// drives a session through the call and, for the end-user, asks for a rating
// afterwards.
package client

import (
	"context"
	"errors"
	"time"

	"github.com/mossy-p/support-signaling/internal/feedback"
	"github.com/mossy-p/support-signaling/internal/iceconfig"
	"github.com/mossy-p/support-signaling/internal/media"
	"github.com/mossy-p/support-signaling/internal/models"
	"github.com/mossy-p/support-signaling/internal/session"
	"github.com/mossy-p/support-signaling/internal/signal"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

var (
	ErrBusy           = errors.New("client: a call is already in progress")
	ErrUnknownRequest = errors.New("client: no such pending request")
	ErrNoCall         = errors.New("client: no call in progress")
)

// NetworkMonitor reports connectivity changes until ctx is done.
// netwatch.Monitor implements it.
type NetworkMonitor interface {
	Run(ctx context.Context, onChange func(online bool))
}

type Config struct {
	RelayURL string
	ID       string
	Name     string
	Device   media.Device
	NewPeer  session.PeerFactory
	API      *API

	ConnectTimeout    time.Duration
	ICEGrace          time.Duration
	ReconnectTimeout  time.Duration
	ReconnectAttempts int
	MediaTimeout      time.Duration

	// Network is optional; without it only transport failures trigger recovery.
	Network NetworkMonitor
	// OnStateChange observes the transitions of every call.
	OnStateChange func(session.Transition)

	// End-user only.
	RingInterval time.Duration
	Ring         func()
	Prompter     feedback.Prompter

	// Technician only. OnRequest is called for each new pending request.
	OnRequest func(models.NewSupportRequestPayload)

	LoggerFactory logging.LoggerFactory
}

// base holds what both roles share.
type base struct {
	cfg Config
	lf  logging.LoggerFactory
	log logging.LeveledLogger
	api *API
	sig *signal.Client
	ice []webrtc.ICEServer
}

func newBase(cfg Config, name string) (*base, error) {
	if cfg.ID == "" {
		return nil, errors.New("client: empty id")
	}
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	api := cfg.API
	if api == nil {
		api = NewAPI(cfg.RelayURL)
	}
	sig, err := signal.NewClient(signal.Config{URL: cfg.RelayURL, LoggerFactory: lf})
	if err != nil {
		return nil, err
	}
	return &base{
		cfg: cfg,
		lf:  lf,
		log: lf.NewLogger(name),
		api: api,
		sig: sig,
	}, nil
}

// fetchICE loads the relay's ICE list, falling back to the built-in STUN
// servers when the relay cannot serve it.
func (b *base) fetchICE(ctx context.Context) {
	servers, err := b.api.ICEServers(ctx)
	if err != nil {
		b.log.Warnf("ice servers unavailable, using defaults: %v", err)
		servers = iceconfig.DefaultServers
	}
	if !iceconfig.HasTURN(servers) {
		b.log.Warn("no TURN server configured, calls across restrictive NATs will fail")
	}
	b.ice = iceconfig.ToWebRTC(servers)
}

// connect opens the channel and watches the network for the lifetime of ctx.
func (b *base) connect(ctx context.Context, current func() *call) error {
	b.sig.OnClose(func(err error) {
		if c := current(); c != nil {
			c.sess.HandleSignalingLost()
		}
	})
	if err := b.sig.Connect(ctx); err != nil {
		return err
	}
	if b.cfg.Network != nil {
		go b.cfg.Network.Run(ctx, func(online bool) {
			c := current()
			if c == nil {
				return
			}
			if online {
				c.sess.NetworkOnline()
			} else {
				c.sess.NetworkOffline()
			}
		})
	}
	return nil
}

func (b *base) newSession(role session.Role, onState func(session.Transition)) (*session.Session, error) {
	return session.New(session.Config{
		Role:              role,
		SelfID:            b.cfg.ID,
		SelfName:          b.cfg.Name,
		Signaler:          b.sig,
		Device:            b.cfg.Device,
		NewPeer:           b.cfg.NewPeer,
		ICEServers:        b.ice,
		ConnectTimeout:    b.cfg.ConnectTimeout,
		MediaTimeout:      b.cfg.MediaTimeout,
		ICEGrace:          b.cfg.ICEGrace,
		ReconnectTimeout:  b.cfg.ReconnectTimeout,
		ReconnectAttempts: b.cfg.ReconnectAttempts,
		OnStateChange: func(tr session.Transition) {
			if onState != nil {
				onState(tr)
			}
			if b.cfg.OnStateChange != nil {
				b.cfg.OnStateChange(tr)
			}
		},
		LoggerFactory: b.lf,
	})
}

// Close leaves the relay.
func (b *base) Close() error {
	return b.sig.Disconnect()
}

// call feeds relay events to one session in arrival order. Dispatch may
// block on media acquisition, so it runs off the channel's read goroutine.
type call struct {
	sess *session.Session
	in   chan models.SignalMessage
	log  logging.LeveledLogger
}

func newCall(sess *session.Session, log logging.LeveledLogger) *call {
	c := &call{sess: sess, in: make(chan models.SignalMessage, 256), log: log}
	go c.run()
	return c
}

func (c *call) push(msg models.SignalMessage) {
	select {
	case c.in <- msg:
	case <-c.sess.Done():
	default:
		c.log.Warnf("call queue full, dropping %s", msg.Type)
	}
}

func (c *call) run() {
	for {
		select {
		case msg := <-c.in:
			if err := c.sess.Dispatch(msg); err != nil {
				c.log.Warnf("%s: %v", msg.Type, err)
			}
		case <-c.sess.Done():
			return
		}
	}
}
