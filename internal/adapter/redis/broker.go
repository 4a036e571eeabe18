package redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/pscheid92/fanout/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const subscriptionBuffer = 256

// Broker implements domain.Broker on Redis pub/sub. Redis delivers every published message to
// every subscriber of the channel, the publishing process included.
type Broker struct {
	rdb *goredis.Client
}

var _ domain.Broker = (*Broker)(nil)

func NewBroker(rdb *goredis.Client) *Broker {
	return &Broker{rdb: rdb}
}

func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe returns once Redis confirmed the subscription, so nothing published afterwards is missed.
func (b *Broker) Subscribe(ctx context.Context, channel string) (domain.Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	sub := &subscription{
		ps:   ps,
		out:  make(chan []byte, subscriptionBuffer),
		quit: make(chan struct{}),
	}
	go sub.run()
	return sub, nil
}

type subscription struct {
	ps   *goredis.PubSub
	out  chan []byte
	quit chan struct{}
	once sync.Once
}

func (s *subscription) run() {
	defer close(s.out)

	ch := s.ps.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(msg.Payload):
			case <-s.quit:
				return
			}
		case <-s.quit:
			return
		}
	}
}

func (s *subscription) Messages() <-chan []byte {
	return s.out
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.quit)
		err = s.ps.Close()
	})
	if err != nil {
		return fmt.Errorf("close redis subscription: %w", err)
	}
	return nil
}
