// Package rtc adapts a pion PeerConnection to the negotiation steps of a
// support call.
package rtc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

var ErrClosed = errors.New("rtc: peer closed")

type Config struct {
	ICEServers []webrtc.ICEServer
	// ICE agent timeouts; zero keeps pion's defaults.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
	// IncludeLoopback gathers 127.0.0.1 candidates, for same-host tests.
	IncludeLoopback bool
	LoggerFactory   logging.LoggerFactory
}

// Peer wraps a PeerConnection with one audio and one video sender.
type Peer struct {
	pc  *webrtc.PeerConnection
	log logging.LeveledLogger

	liveness *Liveness

	mu      sync.Mutex
	senders map[webrtc.RTPCodecType]*webrtc.RTPSender
	closed  bool
}

// NewPeer creates a PeerConnection with the default codecs and interceptors
// (NACK, RTCP reports, TWCC).
func NewPeer(cfg Config) (*Peer, error) {
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: lf}
	if cfg.DisconnectedTimeout > 0 || cfg.FailedTimeout > 0 || cfg.KeepAliveInterval > 0 {
		disconnected, failed, keepAlive := cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval
		if disconnected == 0 {
			disconnected = 5 * time.Second
		}
		if failed == 0 {
			failed = 25 * time.Second
		}
		if keepAlive == 0 {
			keepAlive = 2 * time.Second
		}
		se.SetICETimeouts(disconnected, failed, keepAlive)
	}
	if cfg.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   cfg.ICEServers,
		BundlePolicy: webrtc.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{
		pc:       pc,
		log:      lf.NewLogger("rtc"),
		liveness: &Liveness{},
		senders:  make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
	}
	pc.OnTrack(p.handleTrack)
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.log.Debugf("ICE connection state: %s", state)
	})
	return p, nil
}

// AddTrack attaches a local track. The kind's sender is reused by ReplaceTrack.
func (p *Peer) AddTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add %s track: %w", track.Kind(), err)
	}
	p.senders[track.Kind()] = sender

	// Read incoming RTCP so interceptors (NACK, reports) keep working.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// ReplaceTrack swaps the outgoing track of a kind in place, without
// renegotiation.
func (p *Peer) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	p.mu.Lock()
	sender, ok := p.senders[kind]
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("no %s sender", kind)
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("replace %s track: %w", kind, err)
	}
	return nil
}

// CreateOffer creates an offer, optionally restarting ICE, and sets it as the
// local description.
func (p *Peer) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := p.pc.CreateOffer(opts)
	if err != nil {
		return offer, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return offer, fmt.Errorf("set local description: %w", err)
	}
	return offer, nil
}

// CreateAnswer answers the current remote offer and sets it as the local
// description.
func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return answer, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return answer, fmt.Errorf("set local description: %w", err)
	}
	return answer, nil
}

func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	return nil
}

// HasRemoteDescription reports whether remote candidates can be applied.
func (p *Peer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	if err := p.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// OnICECandidate registers the callback for local candidates. The end of
// gathering is not reported.
func (p *Peer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			p.log.Debug("ICE gathering complete")
			return
		}
		fn(c.ToJSON())
	})
}

func (p *Peer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

// PacketsReceived is the number of inbound RTP packets on all remote tracks.
func (p *Peer) PacketsReceived() uint64 {
	return p.liveness.Snapshot().Packets
}

// Liveness exposes the inbound media counters.
func (p *Peer) Liveness() *Liveness {
	return p.liveness
}

func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.pc.Close()
}

func (p *Peer) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	p.log.Infof("remote %s track (%s)", track.Kind(), track.Codec().MimeType)

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		// Ask for a keyframe so the picture starts without waiting for the
		// sender's next interval.
		err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
		if err != nil {
			p.log.Debugf("send PLI: %v", err)
		}
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		p.liveness.observe(pkt)
	}
}
