// Package reconnect drives the recovery of a call whose transport degraded.
// It decides when to restart ICE, when to rebuild the connection and when to
// give up; the session carries the actions out.
package reconnect

import (
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// Cause is what started a recovery.
type Cause int

const (
	// CauseTransport is an ICE disconnection past the grace period or a
	// failed connection.
	CauseTransport Cause = iota
	CauseOffline
	CauseOnline
	CausePeerLost
	CauseRetry
)

func (c Cause) String() string {
	switch c {
	case CauseTransport:
		return "transport"
	case CauseOffline:
		return "offline"
	case CauseOnline:
		return "online"
	case CausePeerLost:
		return "peer-lost"
	case CauseRetry:
		return "retry"
	}
	return "unknown"
}

// Target is the call being supervised. Methods are called from the
// supervisor's own goroutines, never while it holds its lock.
type Target interface {
	// Recovering is called once when a recovery starts. The sequence may
	// have been superseded by the time it arrives; apply it only while
	// r.Current() holds, checked under the lock that also guards the calls
	// into PeerState.
	Recovering(r Recovery)
	// RestartICE sends an ICE-restart offer on the existing connection.
	RestartICE() error
	// Rebuild replaces the connection and sends a fresh offer.
	Rebuild() error
	// GiveUp is called when recovery is exhausted.
	GiveUp()
}

// Recovery is one recovery sequence as handed to Target.Recovering.
type Recovery struct {
	Cause Cause

	sup *Supervisor
	gen uint64
}

// Current reports whether no later event has reset or replaced the sequence.
// A Recovery made outside a Supervisor is always current.
func (r Recovery) Current() bool {
	if r.sup == nil {
		return true
	}
	r.sup.mu.Lock()
	defer r.sup.mu.Unlock()
	return r.gen == r.sup.gen && !r.sup.stopped
}

type Config struct {
	Target Target
	// Grace is how long a disconnected connection may recover on its own.
	Grace time.Duration
	// AttemptTimeout bounds each restart or rebuild.
	AttemptTimeout time.Duration
	MaxAttempts    int
	// Initiator drives ICE-level recovery. Non-initiators wait for the
	// peer's offer.
	Initiator     bool
	LoggerFactory logging.LoggerFactory
}

// Supervisor allows one outstanding recovery sequence at a time. Every timer
// carries the generation it was armed in; a newer event makes it stale.
type Supervisor struct {
	target    Target
	grace     time.Duration
	timeout   time.Duration
	max       int
	initiator bool
	log       logging.LeveledLogger

	mu         sync.Mutex
	gen        uint64
	active     bool
	attempt    int
	iceRestart bool
	offline    bool
	stopped    bool
	timer      *time.Timer
}

func New(cfg Config) *Supervisor {
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	s := &Supervisor{
		target:    cfg.Target,
		grace:     cfg.Grace,
		timeout:   cfg.AttemptTimeout,
		max:       cfg.MaxAttempts,
		initiator: cfg.Initiator,
		log:       lf.NewLogger("reconnect"),
	}
	if s.grace <= 0 {
		s.grace = 5 * time.Second
	}
	if s.timeout <= 0 {
		s.timeout = 15 * time.Second
	}
	if s.max <= 0 {
		s.max = 3
	}
	return s
}

// PeerState feeds connection state changes of the current connection.
func (s *Supervisor) PeerState(state webrtc.PeerConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	switch state {
	case webrtc.PeerConnectionStateConnected:
		if s.active {
			s.log.Infof("recovered after %d attempt(s)", s.attempt)
		}
		s.offline = false
		s.reset()

	case webrtc.PeerConnectionStateDisconnected:
		if s.active || s.timer != nil {
			return
		}
		s.log.Infof("connection disconnected, waiting %v before recovery", s.grace)
		g := s.gen
		s.timer = time.AfterFunc(s.grace, func() { s.graceExpired(g) })

	case webrtc.PeerConnectionStateFailed:
		if s.active {
			return
		}
		s.log.Info("connection failed")
		s.begin(CauseTransport)
	}
}

// Offline reports that the local network went away. Nothing can be sent, so
// the call waits for Online or the recovery deadline.
func (s *Supervisor) Offline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.offline {
		return
	}
	s.offline = true
	s.log.Info("network offline")
	s.begin(CauseOffline)
}

// Online reports that the local network is back. This side then renegotiates
// from scratch without waiting for the peer to notice.
func (s *Supervisor) Online() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || !s.offline {
		return
	}
	s.offline = false
	s.log.Info("network online, renegotiating")
	s.begin(CauseOnline)
}

// PeerLost reports that the peer announced its own loss of network. The peer
// renegotiates when it is back.
func (s *Supervisor) PeerLost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.active {
		return
	}
	s.log.Info("peer lost its network")
	s.begin(CausePeerLost)
}

// Retry restarts recovery after the target gave up.
func (s *Supervisor) Retry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.begin(CauseRetry)
}

// Active reports whether a recovery sequence is running.
func (s *Supervisor) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Stop cancels any recovery for good.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.reset()
}

func (s *Supervisor) reset() {
	s.gen++
	s.active = false
	s.attempt = 0
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// begin starts a new recovery sequence, replacing any running one. The
// initiating side climbs the attempt ladder, starting with an ICE restart
// when only the transport degraded. The other side only has an overall
// deadline.
func (s *Supervisor) begin(cause Cause) {
	s.reset()
	s.active = true
	s.iceRestart = cause == CauseTransport
	initiate := cause == CauseOnline || cause == CauseRetry ||
		(cause == CauseTransport && s.initiator)
	g := s.gen

	go func() {
		r := Recovery{Cause: cause, sup: s, gen: g}
		if !r.Current() {
			return
		}
		s.target.Recovering(r)
		if initiate {
			s.next(g)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if g != s.gen {
			return
		}
		s.timer = time.AfterFunc(time.Duration(s.max)*s.timeout, func() { s.expire(g) })
	}()
}

// next runs the following attempt of the ladder if generation g is current.
func (s *Supervisor) next(g uint64) {
	s.mu.Lock()
	if g != s.gen || s.stopped {
		s.mu.Unlock()
		return
	}
	s.attempt++
	if s.attempt > s.max {
		s.log.Errorf("recovery failed after %d attempts", s.max)
		s.reset()
		s.mu.Unlock()
		s.target.GiveUp()
		return
	}
	s.gen++
	g = s.gen
	attempt := s.attempt
	restart := s.iceRestart && attempt == 1
	s.timer = time.AfterFunc(s.timeout, func() { s.next(g) })
	s.mu.Unlock()

	var err error
	if restart {
		s.log.Infof("attempt %d/%d: ICE restart", attempt, s.max)
		err = s.target.RestartICE()
	} else {
		s.log.Infof("attempt %d/%d: rebuilding connection", attempt, s.max)
		err = s.target.Rebuild()
	}
	if err != nil {
		s.log.Warnf("attempt %d: %v", attempt, err)
		s.mu.Lock()
		if g == s.gen && s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.mu.Unlock()
		s.next(g)
	}
}

func (s *Supervisor) graceExpired(g uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g != s.gen || s.stopped || s.active {
		return
	}
	s.timer = nil
	s.log.Info("still disconnected after grace period")
	s.begin(CauseTransport)
}

func (s *Supervisor) expire(g uint64) {
	s.mu.Lock()
	if g != s.gen || s.stopped {
		s.mu.Unlock()
		return
	}
	s.log.Error("no recovery before the deadline")
	s.reset()
	s.mu.Unlock()
	s.target.GiveUp()
}
