// Package coordinator shares one streaming transport between every local consumer of the same
// logical connection and keeps a bounded record of what that connection saw.
package coordinator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/fanout/internal/client/stream"
)

const DefaultTeardownDelay = 100 * time.Millisecond

// Transport is the running connection behind a record. Done is closed once it stopped on its own
// or was cancelled; such a transport is expired and may be replaced.
type Transport interface {
	Cancel()
	Done() <-chan struct{}
}

// ConnectionID derives the record key for a client identity.
func ConnectionID(clientID string) string {
	return "stream:" + clientID
}

type entry struct {
	record    *record
	transport Transport

	teardown        clockwork.Timer
	teardownGen     uint64
	onFinalTeardown func()
}

// Coordinator owns the connection records of this process. All methods are safe for
// concurrent use.
type Coordinator struct {
	mu            sync.Mutex
	clock         clockwork.Clock
	teardownDelay time.Duration
	entries       map[string]*entry
	watchers      map[string]map[uint64]func(Snapshot)
	nextWatcher   uint64
	closed        bool
}

type Option func(*Coordinator)

func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithTeardownDelay sets how long a record with no consumers survives before it is torn down.
func WithTeardownDelay(d time.Duration) Option {
	return func(c *Coordinator) { c.teardownDelay = d }
}

func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		clock:         clockwork.NewRealClock(),
		teardownDelay: DefaultTeardownDelay,
		entries:       make(map[string]*entry),
		watchers:      make(map[string]map[uint64]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterConnection reports whether the caller should start t. When an unexpired transport
// already serves id the caller joins it instead and must not start its own.
func (c *Coordinator) RegisterConnection(id, url, identity string, t Transport) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}

	e := c.entries[id]
	if e != nil {
		c.cancelTeardownLocked(e)
	}

	if e != nil && e.transport != nil && !expired(e.transport) {
		e.record.refCount++
		snap, watchers := c.notificationLocked(id, e)
		c.mu.Unlock()

		notify(watchers, snap)
		return false
	}

	e = &entry{record: newRecord(id, url, identity), transport: t}
	c.entries[id] = e
	snap, watchers := c.notificationLocked(id, e)
	c.mu.Unlock()

	notify(watchers, snap)
	return true
}

// UnregisterConnection drops one consumer. When none remain, the record is torn down after the
// teardown delay unless a new registration arrives first. onFinalTeardown runs once, right before
// the transport is cancelled.
func (c *Coordinator) UnregisterConnection(id string, onFinalTeardown func()) {
	c.mu.Lock()
	e := c.entries[id]
	if e == nil {
		c.mu.Unlock()
		return
	}

	if e.record.refCount > 0 {
		e.record.refCount--
	}
	if e.record.refCount == 0 {
		c.scheduleTeardownLocked(id, e, onFinalTeardown)
	}
	snap, watchers := c.notificationLocked(id, e)
	c.mu.Unlock()

	notify(watchers, snap)
}

func (c *Coordinator) UpdateStatus(id string, status stream.Status, reconnectDelay time.Duration) {
	c.mutate(id, nil, func(r *record) { r.setStatus(status, reconnectDelay, c.clock.Now()) })
}

func (c *Coordinator) AddMessage(id string, m stream.Message) {
	c.mutate(id, nil, func(r *record) { r.addMessage(m) })
}

func (c *Coordinator) AddError(id string, err error) {
	c.mutate(id, nil, func(r *record) { r.addError(err, c.clock.Now()) })
}

func (c *Coordinator) ClearMessages(id string) {
	c.mutate(id, nil, func(r *record) {
		r.messages.clear()
		r.lastMessage = nil
	})
}

func (c *Coordinator) ClearErrors(id string) {
	c.mutate(id, nil, func(r *record) {
		r.errors.clear()
		r.lastError = nil
	})
}

// Snapshot returns the current state of id, or false when no record exists.
func (c *Coordinator) Snapshot(id string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[id]
	if e == nil {
		return Snapshot{}, false
	}
	return e.record.snapshot(), true
}

// Watch calls fn with a fresh snapshot after every change to id. The returned function removes
// the watcher.
func (c *Coordinator) Watch(id string, fn func(Snapshot)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextWatcher++
	key := c.nextWatcher
	if c.watchers[id] == nil {
		c.watchers[id] = make(map[uint64]func(Snapshot))
	}
	c.watchers[id][key] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.watchers[id], key)
		if len(c.watchers[id]) == 0 {
			delete(c.watchers, id)
		}
	}
}

// Close cancels every transport and pending teardown. Watchers are not notified and later
// registrations are refused.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true

	transports := make([]Transport, 0, len(c.entries))
	for _, e := range c.entries {
		c.cancelTeardownLocked(e)
		if e.transport != nil {
			transports = append(transports, e.transport)
		}
	}
	c.entries = make(map[string]*entry)
	c.watchers = make(map[string]map[uint64]func(Snapshot))
	c.mu.Unlock()

	for _, t := range transports {
		t.Cancel()
	}
	slog.Debug("Connection coordinator closed", "transports", len(transports))
}

// mutate applies fn to the record of id. With a non-nil owner the change only applies while
// owner is still the record's transport, so a replaced transport cannot write into its successor.
func (c *Coordinator) mutate(id string, owner Transport, fn func(*record)) {
	c.mu.Lock()
	e := c.entries[id]
	if e == nil || (owner != nil && e.transport != owner) {
		c.mu.Unlock()
		return
	}

	fn(e.record)
	snap, watchers := c.notificationLocked(id, e)
	c.mu.Unlock()

	notify(watchers, snap)
}

func (c *Coordinator) scheduleTeardownLocked(id string, e *entry, onFinalTeardown func()) {
	c.cancelTeardownLocked(e)
	e.onFinalTeardown = onFinalTeardown
	gen := e.teardownGen
	e.teardown = c.clock.AfterFunc(c.teardownDelay, func() { c.runTeardown(id, e, gen) })
}

func (c *Coordinator) cancelTeardownLocked(e *entry) {
	e.teardownGen++
	if e.teardown != nil {
		e.teardown.Stop()
		e.teardown = nil
	}
}

func (c *Coordinator) runTeardown(id string, e *entry, gen uint64) {
	c.mu.Lock()
	if c.entries[id] != e || e.teardownGen != gen || e.record.refCount > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.entries, id)
	e.teardown = nil
	onFinal, t := e.onFinalTeardown, e.transport
	c.mu.Unlock()

	if onFinal != nil {
		onFinal()
	}
	if t != nil {
		t.Cancel()
	}
	slog.Debug("Connection torn down", "connection_id", id)
}

func (c *Coordinator) notificationLocked(id string, e *entry) (Snapshot, []func(Snapshot)) {
	watchers := c.watchers[id]
	if len(watchers) == 0 {
		return Snapshot{}, nil
	}
	fns := make([]func(Snapshot), 0, len(watchers))
	for _, fn := range watchers {
		fns = append(fns, fn)
	}
	return e.record.snapshot(), fns
}

func notify(watchers []func(Snapshot), snap Snapshot) {
	for _, fn := range watchers {
		fn(snap)
	}
}

func expired(t Transport) bool {
	select {
	case <-t.Done():
		return true
	default:
		return false
	}
}
