package handlers

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/support-signaling/internal/iceconfig"
	"github.com/mossy-p/support-signaling/internal/models"
	"github.com/mossy-p/support-signaling/internal/queue"
	"github.com/pion/webrtc/v4"
	goredis "github.com/redis/go-redis/v9"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, cfg RelayConfig, calls CallHistory) (*httptest.Server, *Relay) {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = queue.NewMemoryStore()
	}
	relay := NewRelay(cfg)
	router := NewRouter(RouterConfig{
		AllowedOrigins: []string{"http://localhost:3000"},
		JWTSecret:      testSecret,
		Relay:          relay,
		History:        calls,
		ICEServers:     func() []iceconfig.Server { return iceconfig.DefaultServers },
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, relay
}

type wsPeer struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, srv *httptest.Server) *wsPeer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/support"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsPeer{t: t, conn: conn}
}

func (p *wsPeer) send(typ models.EventType, payload any) {
	p.t.Helper()
	msg, err := models.NewSignalMessage(typ, payload)
	if err != nil {
		p.t.Fatal(err)
	}
	if err := p.conn.WriteJSON(msg); err != nil {
		p.t.Fatalf("write %s: %v", typ, err)
	}
}

// expect reads until a message of type typ arrives, skipping others.
func (p *wsPeer) expect(typ models.EventType) models.SignalMessage {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	defer p.conn.SetReadDeadline(time.Time{})
	for {
		var msg models.SignalMessage
		if err := p.conn.ReadJSON(&msg); err != nil {
			p.t.Fatalf("waiting for %s: %v", typ, err)
		}
		if msg.Type == typ {
			return msg
		}
	}
}

// expectNone asserts no message of type typ arrives within d.
func (p *wsPeer) expectNone(typ models.EventType, d time.Duration) {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(d))
	defer p.conn.SetReadDeadline(time.Time{})
	for {
		var msg models.SignalMessage
		if err := p.conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type == typ {
			p.t.Fatalf("unexpected %s: %s", typ, msg.Payload)
		}
	}
}

func TestRelaySupportScenario(t *testing.T) {
	srv, _ := newTestServer(t, RelayConfig{}, nil)

	tech := dial(t, srv)
	tech.send(models.EventTechnicianOnline, models.TechnicianOnlinePayload{TechnicianID: "t1", TechnicianName: "Bob"})
	tech.expect(models.EventPendingRequests)

	user := dial(t, srv)
	user.send(models.EventRequestSupport, models.RequestSupportPayload{UserID: "u1", Username: "Alice"})

	var req models.NewSupportRequestPayload
	if err := tech.expect(models.EventNewSupportRequest).Decode(&req); err != nil {
		t.Fatal(err)
	}
	if req.UserID != "u1" || req.Username != "Alice" || req.Timestamp == 0 {
		t.Fatalf("newSupportRequest = %+v", req)
	}

	tech.send(models.EventAcceptSupport, models.AcceptSupportPayload{UserID: "u1", TechnicianID: "t1", TechnicianName: "Bob"})

	var acc models.SupportAcceptedPayload
	user.expect(models.EventSupportAccepted).Decode(&acc)
	if acc.TechnicianID != "t1" || acc.TechnicianName != "Bob" {
		t.Fatalf("supportAccepted = %+v", acc)
	}
	var echo models.AcceptSupportPayload
	tech.expect(models.EventAcceptSupport).Decode(&echo)
	if echo.UserID != "u1" || echo.Username != "Alice" {
		t.Fatalf("accept echo = %+v", echo)
	}

	// Negotiation is forwarded by "to" and stamped with the sender.
	tech.send(models.EventOffer, models.OfferPayload{
		To:    "u1",
		Offer: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"},
	})
	offer := user.expect(models.EventOffer)
	if offer.From != "t1" {
		t.Errorf("offer from = %q, want t1", offer.From)
	}
	user.send(models.EventAnswer, models.AnswerPayload{
		To:     offer.From,
		Answer: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"},
	})
	if ans := tech.expect(models.EventAnswer); ans.From != "u1" {
		t.Errorf("answer from = %q, want u1", ans.From)
	}
	tech.send(models.EventICECandidate, models.CandidatePayload{
		To:        "u1",
		Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 5000 typ host"},
	})
	user.expect(models.EventICECandidate)

	user.send(models.EventEndSupport, models.UserPayload{UserID: "u1"})
	var ended models.UserPayload
	tech.expect(models.EventSupportEnded).Decode(&ended)
	if ended.UserID != "u1" {
		t.Errorf("supportEnded = %+v", ended)
	}
}

func TestRelayCancelWithdrawsRequest(t *testing.T) {
	srv, relay := newTestServer(t, RelayConfig{}, nil)

	tech := dial(t, srv)
	tech.send(models.EventTechnicianOnline, models.TechnicianOnlinePayload{TechnicianID: "t1", TechnicianName: "Bob"})
	tech.expect(models.EventPendingRequests)

	user := dial(t, srv)
	user.send(models.EventRequestSupport, models.RequestSupportPayload{UserID: "u1", Username: "Alice"})
	tech.expect(models.EventNewSupportRequest)

	user.send(models.EventCancelRequest, models.UserPayload{UserID: "u1"})
	tech.expect(models.EventRequestCanceled)

	snap, _ := relay.Queue().Snapshot(context.Background())
	if len(snap.Pending) != 0 {
		t.Errorf("pending = %+v", snap.Pending)
	}
}

func TestRelayDisconnectCleansUp(t *testing.T) {
	srv, relay := newTestServer(t, RelayConfig{}, nil)

	tech := dial(t, srv)
	tech.send(models.EventTechnicianOnline, models.TechnicianOnlinePayload{TechnicianID: "t1", TechnicianName: "Bob"})
	tech.expect(models.EventPendingRequests)

	user := dial(t, srv)
	user.send(models.EventRequestSupport, models.RequestSupportPayload{UserID: "u1", Username: "Alice"})
	tech.expect(models.EventNewSupportRequest)
	tech.send(models.EventAcceptSupport, models.AcceptSupportPayload{UserID: "u1", TechnicianID: "t1", TechnicianName: "Bob"})
	user.expect(models.EventSupportAccepted)

	tech.conn.Close()
	user.expect(models.EventSupportEnded)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, _ := relay.Queue().Snapshot(context.Background())
		if len(snap.Technicians) == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("technician presence not removed after disconnect")
}

func TestRelayReconnectEndsPreviousSession(t *testing.T) {
	srv, relay := newTestServer(t, RelayConfig{}, nil)

	tech := dial(t, srv)
	tech.send(models.EventTechnicianOnline, models.TechnicianOnlinePayload{TechnicianID: "t1", TechnicianName: "Bob"})
	tech.expect(models.EventPendingRequests)

	user := dial(t, srv)
	user.send(models.EventRequestSupport, models.RequestSupportPayload{UserID: "u1", Username: "Alice"})
	tech.expect(models.EventNewSupportRequest)
	tech.send(models.EventAcceptSupport, models.AcceptSupportPayload{UserID: "u1", TechnicianID: "t1", TechnicianName: "Bob"})
	user.expect(models.EventSupportAccepted)
	tech.expect(models.EventAcceptSupport)

	again := dial(t, srv)
	again.send(models.EventRequestSupport, models.RequestSupportPayload{UserID: "u1", Username: "Alice"})

	var ended models.UserPayload
	if err := tech.expect(models.EventSupportEnded).Decode(&ended); err != nil || ended.UserID != "u1" {
		t.Fatalf("supportEnded = %+v (%v)", ended, err)
	}
	var req models.NewSupportRequestPayload
	if err := tech.expect(models.EventNewSupportRequest).Decode(&req); err != nil || req.UserID != "u1" {
		t.Fatalf("newSupportRequest = %+v (%v)", req, err)
	}

	snap, err := relay.Queue().Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Pending) != 1 {
		t.Errorf("pending after reconnect = %+v", snap.Pending)
	}

	// The technician is free again.
	tech.send(models.EventAcceptSupport, models.AcceptSupportPayload{UserID: "u1", TechnicianID: "t1", TechnicianName: "Bob"})
	again.expect(models.EventSupportAccepted)
}

func TestRelayLosingAcceptorRejected(t *testing.T) {
	srv, _ := newTestServer(t, RelayConfig{}, nil)

	t1 := dial(t, srv)
	t1.send(models.EventTechnicianOnline, models.TechnicianOnlinePayload{TechnicianID: "t1", TechnicianName: "Bob"})
	t1.expect(models.EventPendingRequests)
	t2 := dial(t, srv)
	t2.send(models.EventTechnicianOnline, models.TechnicianOnlinePayload{TechnicianID: "t2", TechnicianName: "Dave"})
	t2.expect(models.EventPendingRequests)

	user := dial(t, srv)
	user.send(models.EventRequestSupport, models.RequestSupportPayload{UserID: "u1", Username: "Alice"})
	t1.expect(models.EventNewSupportRequest)
	t2.expect(models.EventNewSupportRequest)

	t1.send(models.EventAcceptSupport, models.AcceptSupportPayload{UserID: "u1", TechnicianID: "t1", TechnicianName: "Bob"})
	t1.expect(models.EventAcceptSupport)
	t2.expect(models.EventRequestTaken)

	t2.send(models.EventAcceptSupport, models.AcceptSupportPayload{UserID: "u1", TechnicianID: "t2", TechnicianName: "Dave"})
	var rej models.AcceptRejectedPayload
	t2.expect(models.EventAcceptRejected).Decode(&rej)
	if rej.Reason != models.RejectAlreadyAccepted {
		t.Errorf("reason = %q", rej.Reason)
	}
	user.expect(models.EventSupportAccepted)
	user.expectNone(models.EventSupportAccepted, 200*time.Millisecond)
}

func TestRelayProtocolErrors(t *testing.T) {
	srv, _ := newTestServer(t, RelayConfig{}, nil)
	peer := dial(t, srv)

	tests := []struct {
		name string
		send func()
	}{
		{"unknown event", func() { peer.send("dance", nil) }},
		{"unbound negotiation", func() {
			peer.send(models.EventOffer, models.OfferPayload{To: "u1"})
		}},
		{"malformed json", func() { peer.conn.WriteMessage(websocket.TextMessage, []byte("{")) }},
		{"empty payload", func() { peer.send(models.EventRequestSupport, nil) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.send()
			var e models.ErrorPayload
			peer.expect(models.EventError).Decode(&e)
			if e.Message == "" {
				t.Error("empty error message")
			}
		})
	}
}

func TestRelayCannotCancelOthersRequest(t *testing.T) {
	srv, relay := newTestServer(t, RelayConfig{}, nil)

	user := dial(t, srv)
	user.send(models.EventRequestSupport, models.RequestSupportPayload{UserID: "u1", Username: "Alice"})
	other := dial(t, srv)
	other.send(models.EventRequestSupport, models.RequestSupportPayload{UserID: "u2", Username: "Carol"})

	other.send(models.EventCancelRequest, models.UserPayload{UserID: "u1"})
	other.expect(models.EventError)

	snap, _ := relay.Queue().Snapshot(context.Background())
	if len(snap.Pending) != 2 {
		t.Errorf("pending = %+v", snap.Pending)
	}
}

func TestRelaysShareQueueOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *goredis.Client {
		c := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { c.Close() })
		return c
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := func(origin string) *httptest.Server {
		client := newClient()
		srv, relay := newTestServer(t, RelayConfig{
			Store: queue.NewRedisStore(client),
			Bus:   NewBus(client, origin),
		}, nil)
		ready := make(chan struct{})
		go relay.RunBus(ctx, ready)
		select {
		case <-ready:
		case <-time.After(3 * time.Second):
			t.Fatal("bus did not subscribe")
		}
		return srv
	}
	srvA := start("a")
	srvB := start("b")

	tech := dial(t, srvA)
	tech.send(models.EventTechnicianOnline, models.TechnicianOnlinePayload{TechnicianID: "t1", TechnicianName: "Bob"})
	tech.expect(models.EventPendingRequests)

	user := dial(t, srvB)
	user.send(models.EventRequestSupport, models.RequestSupportPayload{UserID: "u1", Username: "Alice"})
	tech.expect(models.EventNewSupportRequest)

	tech.send(models.EventAcceptSupport, models.AcceptSupportPayload{UserID: "u1", TechnicianID: "t1", TechnicianName: "Bob"})
	user.expect(models.EventSupportAccepted)

	tech.send(models.EventOffer, models.OfferPayload{To: "u1", Offer: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}})
	if msg := user.expect(models.EventOffer); msg.From != "t1" {
		t.Errorf("from = %q", msg.From)
	}
}
