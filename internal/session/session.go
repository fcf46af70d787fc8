// Package session is the per-call state machine shared by both sides of a
// support call. It owns the local media and the peer connection, and is the
// only place that mutates them.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/support-signaling/internal/media"
	"github.com/mossy-p/support-signaling/internal/models"
	"github.com/mossy-p/support-signaling/internal/reconnect"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// Signaler sends one named event to the relay.
type Signaler interface {
	Send(event models.EventType, payload any) error
}

// Peer is the connection to the remote side. Callbacks must not be invoked
// synchronously from the methods that trigger them.
type Peer interface {
	AddTrack(track webrtc.TrackLocal) error
	ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(c webrtc.ICECandidateInit) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	PacketsReceived() uint64
	Close() error
}

// PeerFactory creates a fresh connection. It is called for the first
// negotiation and again for every rebuild.
type PeerFactory func(iceServers []webrtc.ICEServer) (Peer, error)

type Config struct {
	Role       Role
	SelfID     string
	SelfName   string
	Signaler   Signaler
	Device     media.Device
	NewPeer    PeerFactory
	ICEServers []webrtc.ICEServer

	ConnectTimeout    time.Duration
	MediaTimeout      time.Duration
	LivenessInterval  time.Duration
	ICEGrace          time.Duration
	ReconnectTimeout  time.Duration
	ReconnectAttempts int

	// OnStateChange observes every transition, in order, on a separate
	// goroutine.
	OnStateChange func(Transition)
	LoggerFactory logging.LoggerFactory
}

// Session is one support call seen from one side.
type Session struct {
	cfg Config
	log logging.LeveledLogger
	sup *reconnect.Supervisor

	notify *notifier
	done   chan struct{}

	mu           sync.Mutex
	state        State
	parts        Participants
	endReason    string
	local        *media.Stream
	screen       *media.Stream
	peer         Peer
	peerGen      uint64
	peerState    webrtc.PeerConnectionState
	retired      []Peer
	pending      []webrtc.ICECandidateInit
	makingOffer  bool
	offerRestart bool
	connectTimer *time.Timer
	stopLiveness chan struct{}
}

func New(cfg Config) (*Session, error) {
	if cfg.Role != RoleRequester && cfg.Role != RoleTechnician {
		return nil, fmt.Errorf("session: unknown role %q", cfg.Role)
	}
	if cfg.SelfID == "" {
		return nil, errors.New("session: empty id")
	}
	if cfg.Signaler == nil || cfg.Device == nil || cfg.NewPeer == nil {
		return nil, errors.New("session: signaler, device and peer factory are required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 20 * time.Second
	}
	if cfg.MediaTimeout <= 0 {
		cfg.MediaTimeout = 10 * time.Second
	}
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = 10 * time.Second
	}
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}

	s := &Session{
		cfg:    cfg,
		log:    lf.NewLogger("session"),
		notify: newNotifier(cfg.OnStateChange),
		done:   make(chan struct{}),
	}
	if cfg.Role == RoleRequester {
		s.parts.RequesterID, s.parts.RequesterName = cfg.SelfID, cfg.SelfName
	} else {
		s.parts.TechnicianID, s.parts.TechnicianName = cfg.SelfID, cfg.SelfName
	}
	s.sup = reconnect.New(reconnect.Config{
		Target:         s,
		Grace:          cfg.ICEGrace,
		AttemptTimeout: cfg.ReconnectTimeout,
		MaxAttempts:    cfg.ReconnectAttempts,
		Initiator:      cfg.Role == RoleTechnician,
		LoggerFactory:  lf,
	})
	return s, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Participants() Participants {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parts
}

// ID is the session id the relay records history under: the requester id.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parts.RequesterID
}

func (s *Session) Role() Role { return s.cfg.Role }

// EndReason is empty until the session ended.
func (s *Session) EndReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// Done is closed when the session reaches StateEnded.
func (s *Session) Done() <-chan struct{} { return s.done }

// LocalStream is the camera and microphone stream, nil before media is
// acquired.
func (s *Session) LocalStream() *media.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// Sharing reports whether the screen replaces the camera.
func (s *Session) Sharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen != nil
}

// Request enqueues the end-user's request with the relay.
func (s *Session) Request() error {
	s.mu.Lock()
	defer s.unlock()
	if s.cfg.Role != RoleRequester {
		return ErrWrongRole
	}
	if err := s.setState(StateRequesting, ""); err != nil {
		return err
	}
	err := s.send(models.EventRequestSupport, models.RequestSupportPayload{
		UserID:   s.parts.RequesterID,
		Username: s.parts.RequesterName,
	})
	if err != nil {
		s.end(ReasonSignalingLost)
		return err
	}
	return nil
}

// HandleAccepted reacts to a technician picking up the request: media is
// acquired and a connection prepared to receive the offer. A device error
// ends the call.
func (s *Session) HandleAccepted(ctx context.Context, p models.SupportAcceptedPayload) error {
	s.mu.Lock()
	if s.state != StateRequesting {
		s.log.Warnf("accepted by %s while %s, ignoring", p.TechnicianID, s.state)
		s.unlock()
		return nil
	}
	s.parts.TechnicianID, s.parts.TechnicianName = p.TechnicianID, p.TechnicianName
	if err := s.setState(StateAccepted, ""); err != nil {
		s.unlock()
		return err
	}
	s.unlock()

	stream, err := s.acquire(ctx)

	s.mu.Lock()
	defer s.unlock()
	if s.state != StateAccepted {
		stream.Stop()
		return ErrEnded
	}
	if err == nil {
		s.local = stream
		err = s.buildPeer()
	}
	if err != nil {
		s.log.Errorf("cannot start call: %v", err)
		if sErr := s.send(models.EventEndSupport, models.UserPayload{UserID: s.parts.RequesterID}); sErr != nil {
			s.log.Warnf("send endSupport: %v", sErr)
		}
		s.end(ReasonDeviceError)
		return err
	}

	if err := s.setState(StateNegotiating, ""); err != nil {
		return err
	}
	return nil
}

// Accept claims a pending request for the technician. Media is acquired
// before the claim so a device error never leaves the requester waiting on a
// technician that cannot start the call.
func (s *Session) Accept(ctx context.Context, req models.NewSupportRequestPayload) error {
	s.mu.Lock()
	if s.cfg.Role != RoleTechnician {
		s.unlock()
		return ErrWrongRole
	}
	if err := s.setState(StateAccepted, ""); err != nil {
		s.unlock()
		return err
	}
	s.parts.RequesterID, s.parts.RequesterName = req.UserID, req.Username
	s.unlock()

	stream, err := s.acquire(ctx)

	s.mu.Lock()
	defer s.unlock()
	if s.state != StateAccepted {
		stream.Stop()
		return ErrEnded
	}
	if err == nil {
		s.local = stream
		err = s.buildPeer()
	}
	if err != nil {
		s.log.Errorf("cannot accept %s: %v", req.UserID, err)
		s.end(ReasonDeviceError)
		return err
	}

	err = s.send(models.EventAcceptSupport, models.AcceptSupportPayload{
		UserID:         s.parts.RequesterID,
		TechnicianID:   s.parts.TechnicianID,
		TechnicianName: s.parts.TechnicianName,
	})
	if err != nil {
		s.end(ReasonSignalingLost)
		return err
	}
	return nil
}

// HandleAcceptEcho starts negotiation once the relay confirmed the claim.
func (s *Session) HandleAcceptEcho(p models.AcceptSupportPayload) error {
	s.mu.Lock()
	defer s.unlock()
	if s.state != StateAccepted || p.UserID != s.parts.RequesterID {
		s.log.Debugf("accept echo for %s while %s, ignoring", p.UserID, s.state)
		return nil
	}
	if p.Username != "" {
		s.parts.RequesterName = p.Username
	}
	if err := s.setState(StateNegotiating, ""); err != nil {
		return err
	}
	return s.sendOffer(false)
}

// HandleRejected drops a claim that lost to another technician.
func (s *Session) HandleRejected(p models.AcceptRejectedPayload) {
	s.mu.Lock()
	defer s.unlock()
	if s.state != StateAccepted || p.UserID != s.parts.RequesterID {
		return
	}
	s.log.Infof("request %s not ours (%s)", p.UserID, p.Reason)
	s.end(ReasonRejected)
}

// HandleOffer answers an offer from the paired peer. An offer from a freshly
// built remote connection replaces ours. On glare the technician keeps its
// own offer and the requester yields.
func (s *Session) HandleOffer(from string, p models.OfferPayload) error {
	s.mu.Lock()
	defer s.unlock()
	if !s.acceptsNegotiation(from, models.EventOffer) {
		return nil
	}

	rebuild := false
	switch {
	case s.makingOffer:
		futile := s.offerRestart && !p.ICERestart
		if s.cfg.Role == RoleTechnician && !futile {
			s.log.Infof("ignoring competing offer from %s", from)
			return nil
		}
		rebuild = true
	case s.peer == nil:
		rebuild = true
	case !p.ICERestart && s.peer.HasRemoteDescription():
		rebuild = true
	}

	if rebuild {
		if err := s.buildPeer(); err != nil {
			s.log.Errorf("rebuild for incoming offer: %v", err)
			return err
		}
		if s.state == StateConnected {
			if err := s.setState(StateReconnecting, "peer-renegotiating"); err != nil {
				return err
			}
			s.sup.PeerLost()
		}
	}
	if s.state == StateFailed {
		if err := s.setState(StateReconnecting, "peer-renegotiating"); err != nil {
			return err
		}
		s.sup.PeerLost()
	}

	if err := s.peer.SetRemoteDescription(p.Offer); err != nil {
		s.log.Warnf("discarding offer from %s: %v", from, err)
		return nil
	}
	s.flushCandidates()

	answer, err := s.peer.CreateAnswer()
	if err != nil {
		s.log.Warnf("answer %s: %v", from, err)
		return nil
	}
	return s.send(models.EventAnswer, models.AnswerPayload{To: from, Answer: answer})
}

// HandleAnswer applies the answer to our outstanding offer. Answers with no
// outstanding offer are late or duplicated and are dropped.
func (s *Session) HandleAnswer(from string, p models.AnswerPayload) {
	s.mu.Lock()
	defer s.unlock()
	if !s.acceptsNegotiation(from, models.EventAnswer) {
		return
	}
	if !s.makingOffer || s.peer == nil {
		s.log.Warnf("answer from %s with no outstanding offer, discarding", from)
		return
	}
	if err := s.peer.SetRemoteDescription(p.Answer); err != nil {
		s.log.Warnf("discarding answer from %s: %v", from, err)
		return
	}
	s.makingOffer = false
	s.flushCandidates()
}

// HandleCandidate applies a remote candidate, or buffers it until the remote
// description it belongs to is set.
func (s *Session) HandleCandidate(from string, p models.CandidatePayload) {
	s.mu.Lock()
	defer s.unlock()
	if !s.acceptsNegotiation(from, models.EventICECandidate) {
		return
	}
	if s.peer == nil || !s.peer.HasRemoteDescription() {
		s.pending = append(s.pending, p.Candidate)
		s.log.Debugf("buffered candidate (%d pending)", len(s.pending))
		return
	}
	if err := s.peer.AddICECandidate(p.Candidate); err != nil {
		s.log.Warnf("candidate from %s: %v", from, err)
	}
}

// HandleNetworkLost reacts to the peer announcing it went offline.
func (s *Session) HandleNetworkLost(from string) {
	s.mu.Lock()
	defer s.unlock()
	if !s.acceptsNegotiation(from, models.EventNetworkLost) {
		return
	}
	switch s.state {
	case StateNegotiating, StateConnected, StateReconnecting:
		s.sup.PeerLost()
	}
}

// HandleEnded tears the call down after the peer ended it.
func (s *Session) HandleEnded(p models.UserPayload) {
	s.mu.Lock()
	defer s.unlock()
	if s.state == StateEnded || p.UserID != s.parts.RequesterID {
		return
	}
	s.log.Infof("call ended by the other side")
	s.end(ReasonRemoteEnded)
}

// HandleSignalingLost ends the call. The relay keeps no session record, so
// nothing can be resumed over a new channel.
func (s *Session) HandleSignalingLost() {
	s.mu.Lock()
	defer s.unlock()
	if s.state == StateEnded {
		return
	}
	s.log.Warn("signaling channel lost")
	s.end(ReasonSignalingLost)
}

// EndCall ends or cancels the call and tells the peer. Ending a connected
// call needs confirm to return true; anything earlier is canceled outright.
func (s *Session) EndCall(confirm func() bool) error {
	// confirm may block on the user, so it runs without the lock and the
	// state is checked again afterwards.
	confirmed := false
	if st := s.State(); st == StateEnded {
		return ErrEnded
	} else if st == StateConnected {
		if confirm == nil || !confirm() {
			return ErrNotConfirmed
		}
		confirmed = true
	}

	s.mu.Lock()
	defer s.unlock()
	if s.state == StateConnected && !confirmed {
		return ErrNotConfirmed
	}

	var err error
	reason := ReasonEnded
	switch s.state {
	case StateEnded:
		return ErrEnded
	case StateIdle:
		reason = ReasonCanceled
	case StateRequesting:
		reason = ReasonCanceled
		err = s.send(models.EventCancelRequest, models.UserPayload{UserID: s.parts.RequesterID})
	default:
		err = s.send(models.EventEndSupport, models.UserPayload{UserID: s.parts.RequesterID})
	}
	if err != nil {
		s.log.Warnf("notify end: %v", err)
	}
	s.end(reason)
	return nil
}

// Retry restarts recovery from StateFailed.
func (s *Session) Retry() error {
	s.mu.Lock()
	defer s.unlock()
	if s.state != StateFailed {
		return fmt.Errorf("%w: retry while %s", ErrInvalidTransition, s.state)
	}
	s.sup.Retry()
	return nil
}

// NetworkOffline tells the peer (best effort) and starts waiting for the
// network to return.
func (s *Session) NetworkOffline() {
	s.mu.Lock()
	defer s.unlock()
	switch s.state {
	case StateNegotiating, StateConnected, StateReconnecting:
	default:
		return
	}
	if err := s.send(models.EventNetworkLost, models.NetworkLostPayload{To: s.remoteID()}); err != nil {
		s.log.Debugf("network-lost not sent: %v", err)
	}
	s.sup.Offline()
}

// NetworkOnline renegotiates after the network came back.
func (s *Session) NetworkOnline() {
	s.mu.Lock()
	defer s.unlock()
	switch s.state {
	case StateNegotiating, StateConnected, StateReconnecting, StateFailed:
		s.sup.Online()
	}
}

// ToggleMute flips the microphone without renegotiation and reports whether
// it is now muted.
func (s *Session) ToggleMute() (bool, error) {
	s.mu.Lock()
	defer s.unlock()
	if s.local == nil || s.state == StateEnded {
		return false, ErrNotConnected
	}
	audio := s.local.Audio()
	if len(audio) == 0 {
		return false, ErrNotConnected
	}
	enabled := !audio[0].Enabled()
	for _, t := range audio {
		t.SetEnabled(enabled)
	}
	return !enabled, nil
}

// ToggleCamera flips the camera track and reports whether it is now off.
func (s *Session) ToggleCamera() (bool, error) {
	s.mu.Lock()
	defer s.unlock()
	if s.local == nil || s.state == StateEnded {
		return false, ErrNotConnected
	}
	cam := s.local.Video()
	if cam == nil {
		return false, ErrNotConnected
	}
	cam.SetEnabled(!cam.Enabled())
	return !cam.Enabled(), nil
}

// ToggleScreenShare switches the outgoing video between camera and screen on
// the existing sender and reports whether the screen is now shared. When the
// system stops the share the camera comes back on its own. A screen capture
// error is returned but leaves the call up.
func (s *Session) ToggleScreenShare(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.local == nil || s.state == StateEnded {
		s.unlock()
		return false, ErrNotConnected
	}
	if s.screen != nil {
		err := s.stopSharing()
		s.unlock()
		return false, err
	}
	s.unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.MediaTimeout)
	defer cancel()
	stream, err := s.cfg.Device.DisplayMedia(ctx)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.unlock()
	if s.local == nil || s.state == StateEnded {
		stream.Stop()
		return false, ErrEnded
	}
	if s.screen != nil {
		stream.Stop()
		return true, nil
	}
	video := stream.Video()
	if video == nil {
		stream.Stop()
		return false, &media.DeviceError{Source: media.SourceScreen, Err: media.ErrDeviceUnavailable}
	}
	if s.peer != nil {
		if err := s.peer.ReplaceTrack(webrtc.RTPCodecTypeVideo, video.Local()); err != nil {
			stream.Stop()
			return false, err
		}
	}
	s.screen = stream
	video.OnEnded(func() { s.screenEnded(stream) })
	s.log.Info("sharing screen")
	return true, nil
}

// Recovering implements reconnect.Target.
func (s *Session) Recovering(r reconnect.Recovery) {
	s.mu.Lock()
	defer s.unlock()
	if !r.Current() {
		s.log.Debugf("%s recovery superseded before it started", r.Cause)
		return
	}
	if r.Cause == reconnect.CauseTransport && s.peerState == webrtc.PeerConnectionStateConnected {
		s.log.Debug("connection came back before recovery started")
		return
	}
	switch s.state {
	case StateNegotiating, StateConnected, StateFailed:
		if err := s.setState(StateReconnecting, ""); err != nil {
			s.log.Warnf("recovering: %v", err)
		}
	}
}

// RestartICE implements reconnect.Target.
func (s *Session) RestartICE() error {
	s.mu.Lock()
	defer s.unlock()
	if err := s.recovering(); err != nil {
		return err
	}
	if s.peer == nil || !s.peer.HasRemoteDescription() {
		return errors.New("no negotiated connection to restart")
	}
	return s.sendOffer(true)
}

// Rebuild implements reconnect.Target. Participants are kept; only the
// connection is new.
func (s *Session) Rebuild() error {
	s.mu.Lock()
	defer s.unlock()
	if err := s.recovering(); err != nil {
		return err
	}
	if s.local == nil {
		return ErrNotConnected
	}
	if err := s.buildPeer(); err != nil {
		return err
	}
	return s.sendOffer(false)
}

// GiveUp implements reconnect.Target.
func (s *Session) GiveUp() {
	s.mu.Lock()
	defer s.unlock()
	if s.state != StateReconnecting {
		return
	}
	s.log.Error("connection could not be recovered")
	s.dropPeer()
	if err := s.setState(StateFailed, "recovery-exhausted"); err != nil {
		s.log.Warnf("give up: %v", err)
	}
}

// Dispatch routes a relay event to its handler. It may block while media is
// acquired.
func (s *Session) Dispatch(msg models.SignalMessage) error {
	switch msg.Type {
	case models.EventSupportAccepted:
		var p models.SupportAcceptedPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		return s.HandleAccepted(context.Background(), p)

	case models.EventAcceptSupport:
		var p models.AcceptSupportPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		return s.HandleAcceptEcho(p)

	case models.EventAcceptRejected:
		var p models.AcceptRejectedPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		s.HandleRejected(p)

	case models.EventOffer:
		var p models.OfferPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		return s.HandleOffer(msg.From, p)

	case models.EventAnswer:
		var p models.AnswerPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		s.HandleAnswer(msg.From, p)

	case models.EventICECandidate:
		var p models.CandidatePayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		s.HandleCandidate(msg.From, p)

	case models.EventNetworkLost:
		s.HandleNetworkLost(msg.From)

	case models.EventSupportEnded:
		var p models.UserPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		s.HandleEnded(p)

	default:
		s.log.Debugf("ignoring %s", msg.Type)
	}
	return nil
}

// The methods below run with s.mu held.

func (s *Session) unlock() {
	retired := s.retired
	s.retired = nil
	s.mu.Unlock()
	for _, p := range retired {
		if err := p.Close(); err != nil {
			s.log.Debugf("close peer: %v", err)
		}
	}
}

func (s *Session) setState(to State, reason string) error {
	from := s.state
	if err := checkTransition(from, to); err != nil {
		return err
	}
	s.state = to
	if reason != "" {
		s.log.Infof("%s -> %s (%s)", from, to, reason)
	} else {
		s.log.Infof("%s -> %s", from, to)
	}

	if from == StateNegotiating && s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
	if from == StateConnected && s.stopLiveness != nil {
		close(s.stopLiveness)
		s.stopLiveness = nil
	}
	switch to {
	case StateNegotiating:
		s.connectTimer = time.AfterFunc(s.cfg.ConnectTimeout, s.connectExpired)
	case StateConnected:
		s.stopLiveness = make(chan struct{})
		go s.watchLiveness(s.stopLiveness)
	}

	s.notify.push(Transition{From: from, To: to, Reason: reason})
	return nil
}

func (s *Session) end(reason string) {
	if s.state == StateEnded {
		return
	}
	s.sup.Stop()
	s.dropPeer()
	s.screen.Stop()
	s.screen = nil
	s.local.Stop()
	s.pending = nil
	s.endReason = reason
	if err := s.setState(StateEnded, reason); err != nil {
		s.log.Errorf("end: %v", err)
		return
	}
	close(s.done)
}

func (s *Session) acquire(ctx context.Context) (*media.Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.MediaTimeout)
	defer cancel()
	return s.cfg.Device.UserMedia(ctx)
}

// buildPeer replaces the connection with a fresh one carrying the local
// tracks. Callbacks of older connections are ignored from here on.
func (s *Session) buildPeer() error {
	p, err := s.cfg.NewPeer(s.cfg.ICEServers)
	if err != nil {
		return fmt.Errorf("create connection: %w", err)
	}
	tracks := s.local.Audio()
	if v := s.outgoingVideo(); v != nil {
		tracks = append(tracks, v)
	}
	for _, t := range tracks {
		if err := p.AddTrack(t.Local()); err != nil {
			p.Close()
			return err
		}
	}

	s.dropPeer()
	s.peer = p
	s.peerState = webrtc.PeerConnectionStateNew
	gen := s.peerGen
	p.OnICECandidate(func(c webrtc.ICECandidateInit) { s.localCandidate(gen, c) })
	p.OnConnectionStateChange(func(st webrtc.PeerConnectionState) { s.peerStateChanged(gen, st) })
	return nil
}

func (s *Session) dropPeer() {
	s.peerGen++
	s.peerState = webrtc.PeerConnectionStateClosed
	s.makingOffer = false
	if s.peer != nil {
		s.retired = append(s.retired, s.peer)
		s.peer = nil
	}
}

func (s *Session) outgoingVideo() media.Track {
	if v := s.screen.Video(); v != nil {
		return v
	}
	return s.local.Video()
}

func (s *Session) sendOffer(restart bool) error {
	offer, err := s.peer.CreateOffer(restart)
	if err != nil {
		return err
	}
	s.makingOffer = true
	s.offerRestart = restart
	return s.send(models.EventOffer, models.OfferPayload{
		To:         s.remoteID(),
		Offer:      offer,
		ICERestart: restart,
	})
}

func (s *Session) flushCandidates() {
	for _, c := range s.pending {
		if err := s.peer.AddICECandidate(c); err != nil {
			s.log.Warnf("buffered candidate: %v", err)
		}
	}
	s.pending = nil
}

func (s *Session) send(event models.EventType, payload any) error {
	if err := s.cfg.Signaler.Send(event, payload); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

func (s *Session) remoteID() string {
	if s.cfg.Role == RoleRequester {
		return s.parts.TechnicianID
	}
	return s.parts.RequesterID
}

// acceptsNegotiation drops negotiation messages after the end, before a
// pairing, or from anyone but the paired peer.
func (s *Session) acceptsNegotiation(from string, event models.EventType) bool {
	switch s.state {
	case StateEnded:
		s.log.Debugf("%s after the call ended, discarding", event)
		return false
	case StateIdle, StateRequesting, StateAccepted:
		s.log.Warnf("%s before negotiation started, discarding", event)
		return false
	}
	if from != s.remoteID() {
		s.log.Warnf("%s from %q, expected %q, discarding", event, from, s.remoteID())
		return false
	}
	return true
}

func (s *Session) recovering() error {
	switch s.state {
	case StateEnded:
		return ErrEnded
	case StateReconnecting:
		return nil
	}
	return fmt.Errorf("%w: recovery while %s", ErrInvalidTransition, s.state)
}

func (s *Session) stopSharing() error {
	cam := s.local.Video()
	if s.peer != nil && cam != nil {
		if err := s.peer.ReplaceTrack(webrtc.RTPCodecTypeVideo, cam.Local()); err != nil {
			return err
		}
	}
	s.screen.Stop()
	s.screen = nil
	s.log.Info("back to camera")
	return nil
}

// Callbacks from timers, tracks and connections.

func (s *Session) screenEnded(stream *media.Stream) {
	s.mu.Lock()
	defer s.unlock()
	if s.screen != stream {
		return
	}
	s.log.Info("screen share stopped by the system")
	if err := s.stopSharing(); err != nil {
		s.log.Warnf("restore camera: %v", err)
	}
}

func (s *Session) localCandidate(gen uint64, c webrtc.ICECandidateInit) {
	s.mu.Lock()
	defer s.unlock()
	if gen != s.peerGen || s.state == StateEnded {
		return
	}
	err := s.send(models.EventICECandidate, models.CandidatePayload{To: s.remoteID(), Candidate: c})
	if err != nil {
		s.log.Debugf("candidate not sent: %v", err)
	}
}

func (s *Session) peerStateChanged(gen uint64, st webrtc.PeerConnectionState) {
	s.mu.Lock()
	defer s.unlock()
	if gen != s.peerGen || s.state == StateEnded {
		return
	}
	s.peerState = st
	s.log.Debugf("connection %s", st)

	switch st {
	case webrtc.PeerConnectionStateConnected:
		if s.state == StateNegotiating || s.state == StateReconnecting {
			if err := s.setState(StateConnected, ""); err != nil {
				s.log.Warnf("connected: %v", err)
			}
		}
		s.sup.PeerState(st)
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		if s.state == StateConnected || s.state == StateReconnecting {
			s.sup.PeerState(st)
		}
	}
}

func (s *Session) connectExpired() {
	s.mu.Lock()
	defer s.unlock()
	if s.state != StateNegotiating {
		return
	}
	s.log.Errorf("not connected after %v", s.cfg.ConnectTimeout)
	s.dropPeer()
	if err := s.setState(StateFailed, "connect-timeout"); err != nil {
		s.log.Warnf("connect timeout: %v", err)
	}
}

func (s *Session) watchLiveness(stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.LivenessInterval)
	defer ticker.Stop()

	var last uint64
	stalled := false
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		p := s.peer
		s.unlock()
		if p == nil {
			continue
		}
		n := p.PacketsReceived()
		switch {
		case n == last && !stalled:
			s.log.Warnf("connected but no media received in %v", s.cfg.LivenessInterval)
			stalled = true
		case n != last && stalled:
			s.log.Info("media flowing again")
			stalled = false
		}
		last = n
	}
}
