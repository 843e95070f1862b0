package sioengine

import (
	"context"
	"errors"
	"sync"
)

// BrokerAdapter is the injected publish/subscribe capability used for
// cross-process fanout. Implementations wrap a concrete broker client;
// the engine only relies on the two operations below.
//
// Listen returns a channel of raw messages. A raw message may be a
// structured record (*PubSubMessage or a generic map), a JSON text
// payload, or an opaque serialized blob; the coordinator tries all three
// in that order. The channel is closed when ctx is cancelled or the
// subscription is lost; calling Listen again obtains a fresh
// subscription delivering from "now", with no replay guarantee.
type BrokerAdapter interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Listen(ctx context.Context, channel string) (<-chan any, error)
	Close() error
}

// ErrBrokerClosed is returned by MemoryBroker operations after Close.
var ErrBrokerClosed = errors.New("broker is closed")

// MemoryBroker is an in-process BrokerAdapter. It lets several
// coordinators in one process share a channel, which covers tests,
// examples and single-process deployments.
type MemoryBroker struct {
	mu     sync.Mutex
	subs   map[string][]chan any
	closed bool
}

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string][]chan any)}
}

// Publish delivers payload to every current subscriber of channel.
// Subscribers that cannot keep up have messages dropped rather than
// blocking the publisher.
func (b *MemoryBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	for _, sub := range b.subs[channel] {
		select {
		case sub <- payload:
		default:
		}
	}
	return nil
}

// Listen subscribes to channel until ctx is cancelled.
func (b *MemoryBroker) Listen(ctx context.Context, channel string) (<-chan any, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	sub := make(chan any, 256)
	b.subs[channel] = append(b.subs[channel], sub)
	b.mu.Unlock()

	out := make(chan any)
	go func() {
		defer close(out)
		defer b.unsubscribe(channel, sub)
		for {
			select {
			case msg, ok := <-sub:
				if !ok {
					return
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *MemoryBroker) unsubscribe(channel string, sub chan any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[channel]
	for i, s := range subs {
		if s == sub {
			b.subs[channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// Close shuts the broker down and disconnects every subscriber.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub)
		}
	}
	b.subs = make(map[string][]chan any)
	return nil
}
