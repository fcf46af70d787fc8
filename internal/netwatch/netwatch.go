// Package netwatch reports when the machine loses or regains its network, by
// probing a TCP address (normally the relay).
package netwatch

import (
	"context"
	"net"
	"time"

	"github.com/pion/logging"
)

// DialFunc opens a probe connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type Config struct {
	// Addr is the host:port probed.
	Addr     string
	Interval time.Duration
	Timeout  time.Duration
	// Failures is the number of consecutive failed probes that mean offline.
	Failures      int
	Dial          DialFunc
	LoggerFactory logging.LoggerFactory
}

// Monitor probes Addr every Interval.
type Monitor struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	failures int
	dial     DialFunc
	log      logging.LeveledLogger
}

func New(cfg Config) *Monitor {
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	m := &Monitor{
		addr:     cfg.Addr,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		failures: cfg.Failures,
		dial:     cfg.Dial,
		log:      lf.NewLogger("netwatch"),
	}
	if m.interval <= 0 {
		m.interval = 2 * time.Second
	}
	if m.timeout <= 0 {
		m.timeout = time.Second
	}
	if m.failures <= 0 {
		m.failures = 2
	}
	if m.dial == nil {
		d := &net.Dialer{}
		m.dial = d.DialContext
	}
	return m
}

// Run probes until ctx is done, calling onChange(false) when the network goes
// away and onChange(true) when it is back. The network is assumed up at start.
func (m *Monitor) Run(ctx context.Context, onChange func(online bool)) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	online := true
	failed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if m.probe(ctx) {
			failed = 0
			if !online {
				online = true
				m.log.Infof("%s reachable again", m.addr)
				onChange(true)
			}
			continue
		}

		failed++
		if online && failed >= m.failures {
			online = false
			m.log.Warnf("%s unreachable after %d probes", m.addr, failed)
			onChange(false)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	c, err := m.dial(ctx, "tcp", m.addr)
	if err != nil {
		m.log.Debugf("probe %s: %v", m.addr, err)
		return false
	}
	_ = c.Close()
	return true
}
