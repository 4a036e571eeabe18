package coordinator

import (
	"context"
	"sync"

	"github.com/pscheid92/fanout/internal/client/stream"
)

// Options describe the logical connection a caller wants to consume.
type Options struct {
	URL            string
	ClientID       string
	IdentityHeader string
	// ConsumerOptions are passed to the stream consumer when this call starts the transport.
	ConsumerOptions []stream.Option
}

// consumerTransport adapts a running stream consumer to Transport.
type consumerTransport struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *consumerTransport) Cancel()               { t.cancel() }
func (t *consumerTransport) Done() <-chan struct{} { return t.done }

// Connect joins the logical connection for opts.ClientID, starting a stream consumer when no
// live one exists. Consumer events are recorded on the connection record; use Watch to observe
// them. The returned release function drops this caller's reference and is safe to call twice.
//
// The transport is shared, so it outlives ctx; only the last release stops it.
func (c *Coordinator) Connect(ctx context.Context, opts Options) (release func()) {
	id := ConnectionID(opts.ClientID)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &consumerTransport{cancel: cancel, done: make(chan struct{})}

	if c.RegisterConnection(id, opts.URL, opts.ClientID, t) {
		consumer := stream.NewConsumer(opts.URL, c.consumerOptions(id, t, opts)...)
		go func() {
			defer close(t.done)
			consumer.Run(runCtx)
		}()
	} else {
		cancel()
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.UnregisterConnection(id, nil) })
	}
}

func (c *Coordinator) consumerOptions(id string, t Transport, opts Options) []stream.Option {
	header := opts.IdentityHeader
	if header == "" {
		header = "X-Client-ID"
	}

	// Callbacks chain, so the caller's own OnMessage/OnStatus/OnError run alongside the routing
	// into the record.
	out := append([]stream.Option{}, opts.ConsumerOptions...)
	out = append(out,
		stream.WithIdentity(header, opts.ClientID),
		stream.OnStatus(func(s stream.StatusChange) {
			c.mutate(id, t, func(r *record) { r.setStatus(s.Status, s.ReconnectDelay, c.clock.Now()) })
		}),
		stream.OnMessage(func(m stream.Message) {
			c.mutate(id, t, func(r *record) { r.addMessage(m) })
		}),
		stream.OnError(func(err error) {
			c.mutate(id, t, func(r *record) { r.addError(err, c.clock.Now()) })
		}),
	)
	return out
}
