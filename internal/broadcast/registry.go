package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/fanout/internal/adapter/metrics"
	"github.com/pscheid92/fanout/internal/domain"
)

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
)

// Registry maps client identities to their live stream on this process. Last registration wins.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]Stream

	clock             clockwork.Clock
	heartbeatInterval time.Duration
	writeTimeout      time.Duration
	metrics           *metrics.StreamMetrics
	logger            *slog.Logger
}

type Option func(*Registry)

func WithClock(clock clockwork.Clock) Option {
	return func(r *Registry) { r.clock = clock }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Registry) { r.heartbeatInterval = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(r *Registry) { r.writeTimeout = d }
}

func WithMetrics(m *metrics.StreamMetrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		streams:           make(map[string]Stream),
		clock:             clockwork.NewRealClock(),
		heartbeatInterval: DefaultHeartbeatInterval,
		writeTimeout:      DefaultWriteTimeout,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register stores s as the stream for identity. A previous stream for the same identity is
// completed before s becomes visible; when registrations race, the one stored last wins and every
// stream it displaced has been completed.
func (r *Registry) Register(identity string, s Stream) {
	for {
		r.mu.Lock()
		previous, existed := r.streams[identity]
		if existed && previous == s {
			r.mu.Unlock()
			return
		}
		if !existed {
			r.streams[identity] = s
			r.mu.Unlock()
			r.observeAdded(s)
			return
		}
		r.mu.Unlock()

		previous.Complete()
		if r.metrics != nil {
			r.metrics.StreamsReplaced.Inc()
		}
		r.logger.Debug("Replaced stream for identity", "client_id", identity)

		r.mu.Lock()
		current, stillThere := r.streams[identity]
		switch {
		case stillThere && current == previous:
			r.streams[identity] = s
			r.mu.Unlock()
			r.observeRemoved(previous)
			r.observeAdded(s)
			return
		case !stillThere:
			// previous already unregistered itself on completion
			r.streams[identity] = s
			r.mu.Unlock()
			r.observeAdded(s)
			return
		}
		r.mu.Unlock()
	}
}

// Unregister removes identity only while it still maps to s, so a stream that was replaced
// never evicts its replacement.
func (r *Registry) Unregister(identity string, s Stream) {
	r.mu.Lock()
	current, ok := r.streams[identity]
	removed := ok && current == s
	if removed {
		delete(r.streams, identity)
	}
	r.mu.Unlock()

	if removed {
		r.observeRemoved(s)
	}
}

// BroadcastLocal writes n to every live stream except the one owned by its origin.
func (r *Registry) BroadcastLocal(n domain.Notification) {
	targets := r.snapshot(func(identity string) bool {
		return n.OriginClientID == nil || identity != *n.OriginClientID
	})
	r.deliver(targets, EventFromNotification(n))
}

// Heartbeat writes the keep-alive block to every live stream.
func (r *Registry) Heartbeat() {
	r.deliver(r.snapshot(nil), HeartbeatEvent())
	if r.metrics != nil {
		r.metrics.HeartbeatsSent.Inc()
	}
}

// Run sends heartbeats until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.Heartbeat()
		}
	}
}

// Shutdown completes every stream and empties the registry.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	streams := r.streams
	r.streams = make(map[string]Stream)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range streams {
		r.observeRemoved(s)
		wg.Add(1)
		go func(s Stream) {
			defer wg.Done()
			s.Complete()
		}(s)
	}
	wg.Wait()

	r.logger.Info("Stream registry shut down", "streams", len(streams))
}

// Count returns the number of registered streams.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

type target struct {
	identity string
	stream   Stream
}

func (r *Registry) snapshot(include func(identity string) bool) []target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := make([]target, 0, len(r.streams))
	for identity, s := range r.streams {
		if include == nil || include(identity) {
			targets = append(targets, target{identity: identity, stream: s})
		}
	}
	return targets
}

// deliver writes ev to all targets concurrently and prunes the failed ones after every write
// has finished or timed out.
func (r *Registry) deliver(targets []target, ev Event) {
	if len(targets) == 0 {
		return
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []target
	)
	for _, t := range targets {
		wg.Add(1)
		go func(t target) {
			defer wg.Done()
			if err := r.write(t.stream, ev); err != nil {
				r.logger.Debug("Stream write failed", "client_id", t.identity, "event", ev.Name, "error", err)
				mu.Lock()
				failed = append(failed, t)
				mu.Unlock()
			}
		}(t)
	}
	wg.Wait()

	if r.metrics != nil {
		r.metrics.EventsWritten.WithLabelValues(ev.Name).Add(float64(len(targets) - len(failed)))
		r.metrics.WriteFailures.WithLabelValues(ev.Name).Add(float64(len(failed)))
	}

	r.prune(failed)
}

func (r *Registry) write(s Stream, ev Event) error {
	result := make(chan error, 1)
	go func() { result <- s.WriteEvent(ev) }()

	timer := r.clock.NewTimer(r.writeTimeout)
	defer timer.Stop()

	select {
	case err := <-result:
		return err
	case <-timer.Chan():
		return ErrWriteTimeout
	}
}

func (r *Registry) prune(failed []target) {
	for _, t := range failed {
		r.mu.Lock()
		current, ok := r.streams[t.identity]
		removed := ok && current == t.stream
		if removed {
			delete(r.streams, t.identity)
		}
		r.mu.Unlock()

		if removed {
			r.observeRemoved(t.stream)
		}
		t.stream.Complete()
	}
	if len(failed) > 0 {
		r.logger.Debug("Pruned dead streams", "count", len(failed))
	}
}

func (r *Registry) observeAdded(s Stream) {
	if r.metrics != nil {
		r.metrics.ActiveStreams.WithLabelValues(transportOf(s)).Inc()
	}
}

func (r *Registry) observeRemoved(s Stream) {
	if r.metrics != nil {
		r.metrics.ActiveStreams.WithLabelValues(transportOf(s)).Dec()
	}
}
