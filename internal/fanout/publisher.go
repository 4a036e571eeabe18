package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/pscheid92/fanout/internal/adapter/metrics"
	"github.com/pscheid92/fanout/internal/domain"
)

const DefaultPublishTimeout = 2 * time.Second

// Publisher hands notifications to the broker. It implements domain.EventPublisher.
type Publisher struct {
	broker  domain.Broker
	channel string
	timeout time.Duration
	metrics *metrics.FanoutMetrics
}

var _ domain.EventPublisher = (*Publisher)(nil)

type PublisherOption func(*Publisher)

func WithPublishTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.timeout = d }
}

func WithPublisherMetrics(m *metrics.FanoutMetrics) PublisherOption {
	return func(p *Publisher) { p.metrics = m }
}

func NewPublisher(broker domain.Broker, channel string, opts ...PublisherOption) *Publisher {
	p := &Publisher{broker: broker, channel: channel, timeout: DefaultPublishTimeout}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends n to every process on the channel. Nothing is buffered when the broker fails.
func (p *Publisher) Publish(ctx context.Context, n domain.Notification) error {
	data, err := Encode(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err = p.broker.Publish(ctx, p.channel, data)
	p.observe(start, err)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.channel, err)
	}
	return nil
}

func (p *Publisher) observe(start time.Time, err error) {
	if p.metrics == nil {
		return
	}
	p.metrics.PublishDuration.Observe(time.Since(start).Seconds())
	result := "success"
	if err != nil {
		result = "error"
	}
	p.metrics.Published.WithLabelValues(result).Inc()
}
