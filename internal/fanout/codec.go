package fanout

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pscheid92/fanout/internal/domain"
)

// Kind names the payload type of an envelope.
type Kind string

const KindNotification Kind = "notification"

var (
	ErrUnknownKind = errors.New("unknown envelope kind")
	ErrMalformed   = errors.New("malformed envelope")
)

type envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type notificationPayload struct {
	Topic          string  `json:"topic"`
	Message        string  `json:"message"`
	ID             *string `json:"id,omitempty"`
	OriginClientID *string `json:"originClientId,omitempty"`
}

type decoder func(json.RawMessage) (domain.Notification, error)

var decoders = map[Kind]decoder{
	KindNotification: decodeNotification,
}

// Encode wraps n in a notification envelope.
func Encode(n domain.Notification) ([]byte, error) {
	if n.Topic == "" {
		return nil, domain.ErrEmptyNotification
	}

	payload, err := json.Marshal(notificationPayload{
		Topic:          n.Topic,
		Message:        n.Message,
		ID:             n.ID,
		OriginClientID: n.OriginClientID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal notification: %w", err)
	}

	data, err := json.Marshal(envelope{Kind: KindNotification, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Decode parses an envelope and resolves its payload through the kind table.
func Decode(data []byte) (domain.Notification, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	decode, ok := decoders[env.Kind]
	if !ok {
		return domain.Notification{}, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	return decode(env.Payload)
}

func decodeNotification(raw json.RawMessage) (domain.Notification, error) {
	if len(raw) == 0 {
		return domain.Notification{}, fmt.Errorf("%w: missing payload", ErrMalformed)
	}

	var p notificationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.Topic == "" {
		return domain.Notification{}, fmt.Errorf("%w: empty topic", ErrMalformed)
	}

	return domain.Notification{
		Topic:          p.Topic,
		Message:        p.Message,
		ID:             p.ID,
		OriginClientID: p.OriginClientID,
	}, nil
}
