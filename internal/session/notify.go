package session

import "sync"

// notifier delivers transitions to the observer on its own goroutine, in
// order, without blocking the state machine.
type notifier struct {
	fn func(Transition)

	mu    sync.Mutex
	queue []Transition
	wake  chan struct{}
}

func newNotifier(fn func(Transition)) *notifier {
	n := &notifier{fn: fn, wake: make(chan struct{}, 1)}
	if fn != nil {
		go n.run()
	}
	return n
}

func (n *notifier) push(t Transition) {
	if n.fn == nil {
		return
	}
	n.mu.Lock()
	n.queue = append(n.queue, t)
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// run exits after delivering the transition to StateEnded.
func (n *notifier) run() {
	for range n.wake {
		for {
			n.mu.Lock()
			if len(n.queue) == 0 {
				n.mu.Unlock()
				break
			}
			t := n.queue[0]
			n.queue = n.queue[1:]
			n.mu.Unlock()

			n.fn(t)
			if t.To == StateEnded {
				return
			}
		}
	}
}
