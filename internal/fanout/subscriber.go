package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/pscheid92/fanout/internal/adapter/metrics"
	"github.com/pscheid92/fanout/internal/domain"
)

var ErrSubscriptionClosed = errors.New("broker subscription closed")

// Subscriber delivers every notification on the channel to the local registry.
type Subscriber struct {
	broker  domain.Broker
	channel string
	local   domain.LocalBroadcaster
	metrics *metrics.FanoutMetrics
	active  atomic.Bool
}

func NewSubscriber(broker domain.Broker, channel string, local domain.LocalBroadcaster, m *metrics.FanoutMetrics) *Subscriber {
	return &Subscriber{broker: broker, channel: channel, local: local, metrics: m}
}

// Start subscribes and blocks until ctx is cancelled (nil) or the subscription ends
// (ErrSubscriptionClosed).
func (s *Subscriber) Start(ctx context.Context) error {
	sub, err := s.broker.Subscribe(ctx, s.channel)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.channel, err)
	}
	s.active.Store(true)
	defer func() {
		s.active.Store(false)
		_ = sub.Close()
	}()

	slog.Info("Fan-out subscriber started", "channel", s.channel)

	messages := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return ErrSubscriptionClosed
			}
			s.handleMessage(msg)
		}
	}
}

// Active reports whether a broker subscription is currently established.
func (s *Subscriber) Active() bool {
	return s.active.Load()
}

// handleMessage decodes one payload and broadcasts it locally. Bad payloads are dropped.
func (s *Subscriber) handleMessage(payload []byte) {
	if s.metrics != nil {
		s.metrics.Received.Inc()
	}

	n, err := Decode(payload)
	if err != nil {
		if s.metrics != nil {
			s.metrics.DecodeFailures.Inc()
		}
		slog.Warn("Dropping undecodable broker message", "channel", s.channel, "error", err)
		return
	}

	s.local.BroadcastLocal(n)
}
