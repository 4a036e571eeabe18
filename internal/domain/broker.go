package domain

import "context"

// Broker is a publish/subscribe transport where every subscriber of a channel receives every
// payload published to it, including the publishing process's own subscription.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription is an active broker subscription. Messages is closed after Close or when the
// underlying connection goes away.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// EventPublisher is the only surface domain operations need to emit a notification.
type EventPublisher interface {
	Publish(ctx context.Context, n Notification) error
}

// LocalBroadcaster delivers a notification to the live streams held by this process.
type LocalBroadcaster interface {
	BroadcastLocal(n Notification)
}
