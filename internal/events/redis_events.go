// Package events carries the "something changed" signal between
// writers of trip/driver state and the scheduling loop. The payload is
// intentionally empty; receivers refresh from storage.
package events

import (
	"context"

	"github.com/redis/go-redis/v9"
)

type Publisher struct {
	client  *redis.Client
	channel string
}

func NewPublisher(c *redis.Client, channel string) *Publisher {
	return &Publisher{client: c, channel: channel}
}

// Notify publishes a change signal. Best-effort: a dropped signal only
// delays the next refresh until the poll interval catches up.
func (p *Publisher) Notify(ctx context.Context) error {
	return p.client.Publish(ctx, p.channel, "1").Err()
}

type Subscriber struct {
	client  *redis.Client
	channel string
}

func NewSubscriber(c *redis.Client, channel string) *Subscriber {
	return &Subscriber{client: c, channel: channel}
}

// Changes subscribes and forwards one empty struct per published
// signal. The channel closes when ctx is cancelled. Signals arriving
// while the receiver is busy are coalesced into one pending tick.
func (s *Subscriber) Changes(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	sub := s.client.Subscribe(ctx, s.channel)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default: // a tick is already pending
				}
			}
		}
	}()
	return out
}
