package client

import (
	"sync"
	"time"
)

// Ringer repeats ring every interval until stopped. The first ring is
// immediate.
type Ringer struct {
	stop chan struct{}
	once sync.Once
	done chan struct{}
}

func StartRinger(interval time.Duration, ring func()) *Ringer {
	r := &Ringer{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(r.done)
		if ring == nil {
			<-r.stop
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			ring()
			select {
			case <-r.stop:
				return
			case <-ticker.C:
			}
		}
	}()
	return r
}

// Stop ends the loop and waits for a ring in progress. Safe to call more
// than once.
func (r *Ringer) Stop() {
	r.once.Do(func() { close(r.stop) })
	<-r.done
}
