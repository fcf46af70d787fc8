// Package sessiontest provides in-memory stand-ins for the peer connection
// and the relay, for tests of code built on sessions.
package sessiontest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Network links fake peers. A pair connects once the offerer applied the
// answer of a peer that applied its offer.
type Network struct {
	mu     sync.Mutex
	next   int
	peers  map[string]*Peer
	all    []*Peer
	down   bool
	failed map[string]bool
}

func NewNetwork() *Network {
	return &Network{peers: make(map[string]*Peer), failed: make(map[string]bool)}
}

// NewPeer has the signature of a session PeerFactory minus the interface
// conversion, which the caller does.
func (n *Network) NewPeer(_ []webrtc.ICEServer) (*Peer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	p := &Peer{
		id:     fmt.Sprintf("peer%d", n.next),
		net:    n,
		events: make(chan func(), 256),
		state:  webrtc.PeerConnectionStateNew,
	}
	n.peers[p.id] = p
	n.all = append(n.all, p)
	go p.run()
	return p, nil
}

// Peers returns every peer created, oldest first.
func (n *Network) Peers() []*Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Peer(nil), n.all...)
}

// SetDown makes new negotiations stall without connecting.
func (n *Network) SetDown(down bool) {
	n.mu.Lock()
	n.down = down
	n.mu.Unlock()
}

func (n *Network) isDown() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.down
}

func (n *Network) lookup(id string) *Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[id]
}

// Peer is a fake connection. SDP bodies are "<kind> <peer id> <version>"
// tokens; candidates name their peer.
type Peer struct {
	id  string
	net *Network

	events chan func()

	mu            sync.Mutex
	closed        bool
	state         webrtc.PeerConnectionState
	local         *webrtc.SessionDescription
	remote        *webrtc.SessionDescription
	remoteID      string
	version       int
	restarts      int
	tracks        map[webrtc.RTPCodecType]webrtc.TrackLocal
	candidates    []webrtc.ICECandidateInit
	packets       uint64
	onCandidate   func(webrtc.ICECandidateInit)
	onStateChange func(webrtc.PeerConnectionState)
}

var ErrNoRemoteDescription = errors.New("sessiontest: remote description not set")

func (p *Peer) ID() string { return p.id }

func (p *Peer) run() {
	for fn := range p.events {
		fn()
	}
}

// async queues fn on the peer's callback goroutine. Called with p.mu held.
func (p *Peer) async(fn func()) {
	if p.closed {
		return
	}
	select {
	case p.events <- fn:
	default:
	}
}

func (p *Peer) AddTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("sessiontest: peer closed")
	}
	if p.tracks == nil {
		p.tracks = make(map[webrtc.RTPCodecType]webrtc.TrackLocal)
	}
	p.tracks[track.Kind()] = track
	return nil
}

func (p *Peer) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("sessiontest: peer closed")
	}
	if _, ok := p.tracks[kind]; !ok {
		return fmt.Errorf("sessiontest: no %s sender", kind)
	}
	p.tracks[kind] = track
	return nil
}

// Track returns the track currently sent for kind.
func (p *Peer) Track(kind webrtc.RTPCodecType) webrtc.TrackLocal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracks[kind]
}

func (p *Peer) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, errors.New("sessiontest: peer closed")
	}
	if iceRestart {
		p.restarts++
	}
	p.version++
	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("offer %s %d", p.id, p.version),
	}
	p.local = &offer
	p.gather()
	return offer, nil
}

func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, errors.New("sessiontest: peer closed")
	}
	if p.remote == nil || p.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("sessiontest: no remote offer")
	}
	p.version++
	answer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("answer %s %d", p.id, p.version),
	}
	p.local = &answer
	p.gather()
	return answer, nil
}

func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	fields := strings.Fields(desc.SDP)
	if len(fields) != 3 {
		return fmt.Errorf("sessiontest: malformed sdp %q", desc.SDP)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("sessiontest: peer closed")
	}
	if desc.Type == webrtc.SDPTypeAnswer && (p.local == nil || p.local.Type != webrtc.SDPTypeOffer) {
		p.mu.Unlock()
		return errors.New("sessiontest: answer without local offer")
	}
	p.remote = &desc
	p.remoteID = fields[1]
	isAnswer := desc.Type == webrtc.SDPTypeAnswer
	remoteID := p.remoteID
	p.mu.Unlock()

	if isAnswer {
		if other := p.net.lookup(remoteID); other != nil && other.RemoteID() == p.id && !p.net.isDown() {
			p.SetState(webrtc.PeerConnectionStateConnected)
			other.SetState(webrtc.PeerConnectionStateConnected)
		}
	}
	return nil
}

func (p *Peer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote != nil
}

// RemoteID is the peer whose description was applied last.
func (p *Peer) RemoteID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteID
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return ErrNoRemoteDescription
	}
	p.candidates = append(p.candidates, c)
	return nil
}

// Candidates returns the remote candidates applied so far.
func (p *Peer) Candidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *Peer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *Peer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onStateChange = fn
	p.mu.Unlock()
}

// SetState simulates a connection state change, reported asynchronously.
func (p *Peer) SetState(st webrtc.PeerConnectionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = st
	fn := p.onStateChange
	if fn == nil {
		return
	}
	p.async(func() { fn(st) })
}

func (p *Peer) State() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Restarts counts ICE-restart offers.
func (p *Peer) Restarts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restarts
}

func (p *Peer) PacketsReceived() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.packets
}

// AddPackets simulates inbound media.
func (p *Peer) AddPackets(n uint64) {
	p.mu.Lock()
	p.packets += n
	p.mu.Unlock()
}

func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.state = webrtc.PeerConnectionStateClosed
	close(p.events)
	return nil
}

func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// gather emits one host candidate after a local description is set.
func (p *Peer) gather() {
	fn := p.onCandidate
	if fn == nil {
		return
	}
	c := webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%s %d", p.id, p.version)}
	p.async(func() { fn(c) })
}
