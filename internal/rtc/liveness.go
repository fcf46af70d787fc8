package rtc

import (
	"sync"
	"time"

	"github.com/pion/rtp"
)

// Stats is a point-in-time view of inbound media.
type Stats struct {
	Packets    uint64
	Bytes      uint64
	LastPacket time.Time
}

// Liveness counts inbound RTP packets.
type Liveness struct {
	mu    sync.Mutex
	stats Stats
}

func (l *Liveness) observe(pkt *rtp.Packet) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats.Packets++
	l.stats.Bytes += uint64(len(pkt.Payload))
	l.stats.LastPacket = time.Now()
}

func (l *Liveness) Snapshot() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Stalled reports whether no packet arrived within d. A call that never
// received media is stalled.
func (l *Liveness) Stalled(d time.Duration) bool {
	s := l.Snapshot()
	return s.LastPacket.IsZero() || time.Since(s.LastPacket) > d
}
