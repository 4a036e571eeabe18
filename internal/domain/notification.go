package domain

// Notification is the unit of broker transport and of the wire event.
// ID and OriginClientID are optional; nil means absent, which is distinct from "".
// A Notification is treated as immutable once published.
type Notification struct {
	Topic          string
	Message        string
	ID             *string
	OriginClientID *string
}

type NotificationOption func(*Notification)

// WithID sets the wire event id.
func WithID(id string) NotificationOption {
	return func(n *Notification) { n.ID = &id }
}

// WithOrigin records the client identity that caused the event so receivers can suppress the echo.
func WithOrigin(clientID string) NotificationOption {
	return func(n *Notification) { n.OriginClientID = &clientID }
}

func NewNotification(topic, message string, opts ...NotificationOption) Notification {
	n := Notification{Topic: topic, Message: message}
	for _, opt := range opts {
		opt(&n)
	}
	return n
}

// Origin returns the originating client id, or "" when absent.
func (n Notification) Origin() string {
	if n.OriginClientID == nil {
		return ""
	}
	return *n.OriginClientID
}

// EventID returns the event id, or "" when absent.
func (n Notification) EventID() string {
	if n.ID == nil {
		return ""
	}
	return *n.ID
}
