// Package inmem provides process-local implementations of the domain ports, used when the
// service runs as a single instance without Redis or Postgres.
package inmem

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pscheid92/fanout/internal/domain"
)

const defaultSubscriptionBuffer = 256

// Broker is an in-process pub/sub broker. Every subscription of a channel receives every payload
// published to it. A subscription whose buffer is full drops the payload.
type Broker struct {
	mu         sync.RWMutex
	subs       map[string]map[*subscription]struct{}
	closed     bool
	bufferSize int
}

var _ domain.Broker = (*Broker)(nil)

func NewBroker() *Broker {
	return &Broker{
		subs:       make(map[string]map[*subscription]struct{}),
		bufferSize: defaultSubscriptionBuffer,
	}
}

func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return domain.ErrBrokerClosed
	}

	for sub := range b.subs[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case sub.ch <- msg:
		default:
			slog.Warn("Dropping message for slow in-memory subscriber", "channel", channel)
		}
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, channel string) (domain.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, domain.ErrBrokerClosed
	}

	sub := &subscription{broker: b, channel: channel, ch: make(chan []byte, b.bufferSize)}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*subscription]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	return sub, nil
}

// Close ends every subscription and rejects further use.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.subs {
		for sub := range subs {
			sub.closeChannel()
		}
	}
	b.subs = nil
	return nil
}

func (b *Broker) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subs[sub.channel]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subs, sub.channel)
		}
	}
	sub.closeChannel()
}

type subscription struct {
	broker  *Broker
	channel string
	ch      chan []byte
	once    sync.Once
}

func (s *subscription) Messages() <-chan []byte {
	return s.ch
}

func (s *subscription) Close() error {
	s.broker.remove(s)
	return nil
}

// closeChannel must be called with the broker lock held.
func (s *subscription) closeChannel() {
	s.once.Do(func() { close(s.ch) })
}
