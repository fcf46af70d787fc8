package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/mossy-p/support-signaling/internal/models"
	"github.com/redis/go-redis/v9"
)

const busChannel = "support:deliver"

// envelope is one message on the delivery bus.
type envelope struct {
	Origin  string               `json:"origin"`
	To      string               `json:"to"`
	Message models.SignalMessage `json:"message"`
}

// Bus carries deliveries between relay processes sharing a Redis queue
// store. A process publishes when the target is not connected locally and
// every other process delivers it if it holds the target.
type Bus struct {
	client *redis.Client
	origin string
}

func NewBus(client *redis.Client, origin string) *Bus {
	return &Bus{client: client, origin: origin}
}

func (b *Bus) Publish(ctx context.Context, peerID string, msg models.SignalMessage) error {
	data, err := json.Marshal(envelope{Origin: b.origin, To: peerID, Message: msg})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return b.client.Publish(ctx, busChannel, data).Err()
}

// Run subscribes and hands foreign deliveries to deliver until ctx is done.
// ready is closed once the subscription is active.
func (b *Bus) Run(ctx context.Context, deliver func(peerID string, msg models.SignalMessage) bool, ready chan<- struct{}) error {
	sub := b.client.Subscribe(ctx, busChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", busChannel, err)
	}
	if ready != nil {
		close(ready)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				log.Printf("Bad bus message: %v", err)
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			deliver(env.To, env.Message)
		}
	}
}

// RunBus attaches the relay to its bus. It blocks until ctx is done.
func (r *Relay) RunBus(ctx context.Context, ready chan<- struct{}) error {
	if r.bus == nil {
		return nil
	}
	return r.bus.Run(ctx, r.deliverLocal, ready)
}
