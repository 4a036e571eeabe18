package coordinator

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/fanout/internal/client/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	cancels atomic.Int32
	done    chan struct{}
	once    sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{done: make(chan struct{})}
}

func (f *fakeTransport) Cancel() {
	f.cancels.Add(1)
	f.expire()
}

func (f *fakeTransport) Done() <-chan struct{} { return f.done }

func (f *fakeTransport) expire() { f.once.Do(func() { close(f.done) }) }

func TestConnectionID_Deterministic(t *testing.T) {
	assert.Equal(t, ConnectionID("client-a"), ConnectionID("client-a"))
	assert.NotEqual(t, ConnectionID("client-a"), ConnectionID("client-b"))
}

func TestRegister_DedupAndSingleTeardown(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(WithClock(clock))
	id := ConnectionID("client-a")
	first, second := newFakeTransport(), newFakeTransport()

	assert.True(t, c.RegisterConnection(id, "http://x/events", "client-a", first))
	assert.False(t, c.RegisterConnection(id, "http://x/events", "client-a", second))

	snap, ok := c.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, 2, snap.RefCount)

	var teardowns atomic.Int32
	onFinal := func() { teardowns.Add(1) }
	c.UnregisterConnection(id, onFinal)
	c.UnregisterConnection(id, onFinal)

	snap, ok = c.Snapshot(id)
	require.True(t, ok, "record survives until the teardown delay elapses")
	assert.Equal(t, 0, snap.RefCount)

	clock.Advance(DefaultTeardownDelay)

	assert.Eventually(t, func() bool { return teardowns.Load() == 1 }, time.Second, 5*time.Millisecond)
	_, ok = c.Snapshot(id)
	assert.False(t, ok)
	assert.Equal(t, int32(1), first.cancels.Load())
	assert.Equal(t, int32(0), second.cancels.Load(), "rejected transport was never adopted")

	c.UnregisterConnection(id, onFinal)
	clock.Advance(DefaultTeardownDelay)
	assert.Never(t, func() bool { return teardowns.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestRegister_DuringTeardownDelayCancelsTeardown(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(WithClock(clock))
	id := ConnectionID("client-a")
	transport := newFakeTransport()

	require.True(t, c.RegisterConnection(id, "u", "client-a", transport))
	var teardowns atomic.Int32
	c.UnregisterConnection(id, func() { teardowns.Add(1) })

	clock.Advance(DefaultTeardownDelay / 2)
	assert.False(t, c.RegisterConnection(id, "u", "client-a", newFakeTransport()), "remount joins the live transport")
	clock.Advance(DefaultTeardownDelay)

	assert.Never(t, func() bool { return teardowns.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	snap, ok := c.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, 1, snap.RefCount)
	assert.Equal(t, int32(0), transport.cancels.Load())
}

func TestRegister_ExpiredTransportIsReplaced(t *testing.T) {
	c := New(WithClock(clockwork.NewFakeClock()))
	id := ConnectionID("client-a")
	first, second := newFakeTransport(), newFakeTransport()

	require.True(t, c.RegisterConnection(id, "u", "client-a", first))
	c.AddMessage(id, stream.Message{Event: "task", Data: "old"})
	first.expire()

	assert.True(t, c.RegisterConnection(id, "u", "client-a", second))
	snap, ok := c.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, 1, snap.RefCount)
	assert.Empty(t, snap.Messages, "a new record starts empty")
}

func TestUnregister_NeverGoesNegative(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(WithClock(clock))
	id := ConnectionID("client-a")
	require.True(t, c.RegisterConnection(id, "u", "client-a", newFakeTransport()))

	c.UnregisterConnection(id, nil)
	c.UnregisterConnection(id, nil)

	snap, ok := c.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, 0, snap.RefCount)

	c.UnregisterConnection("unknown", nil)
}

func TestAddMessage_KeepsMostRecentHundred(t *testing.T) {
	c := New()
	id := ConnectionID("client-a")
	require.True(t, c.RegisterConnection(id, "u", "client-a", newFakeTransport()))

	for i := range 150 {
		c.AddMessage(id, stream.Message{Event: "task", Data: fmt.Sprint(i)})
	}

	snap, ok := c.Snapshot(id)
	require.True(t, ok)
	require.Len(t, snap.Messages, MessageBufferSize)
	for i, m := range snap.Messages {
		assert.Equal(t, fmt.Sprint(i+50), m.Data)
	}
	require.NotNil(t, snap.LastMessage)
	assert.Equal(t, "149", snap.LastMessage.Data)
	assert.Equal(t, 150, snap.Received)

	c.ClearMessages(id)
	snap, _ = c.Snapshot(id)
	assert.Empty(t, snap.Messages)
	assert.Nil(t, snap.LastMessage)
	assert.Equal(t, 150, snap.Received)
}

func TestAddError_KeepsMostRecentFifty(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(WithClock(clock))
	id := ConnectionID("client-a")
	require.True(t, c.RegisterConnection(id, "u", "client-a", newFakeTransport()))

	for i := range 60 {
		c.AddError(id, fmt.Errorf("failure %d", i))
	}

	snap, _ := c.Snapshot(id)
	require.Len(t, snap.Errors, ErrorBufferSize)
	assert.EqualError(t, snap.Errors[0].Err, "failure 10")
	assert.Equal(t, clock.Now(), snap.Errors[0].At)
	require.NotNil(t, snap.LastError)
	assert.EqualError(t, snap.LastError.Err, "failure 59")

	c.ClearErrors(id)
	snap, _ = c.Snapshot(id)
	assert.Empty(t, snap.Errors)
	assert.Nil(t, snap.LastError)
}

func TestUpdateStatus_Timestamps(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(WithClock(clock))
	id := ConnectionID("client-a")
	require.True(t, c.RegisterConnection(id, "u", "client-a", newFakeTransport()))

	snap, _ := c.Snapshot(id)
	assert.Equal(t, stream.StatusIdle, snap.Status)

	c.UpdateStatus(id, stream.StatusConnected, 0)
	snap, _ = c.Snapshot(id)
	assert.Equal(t, stream.StatusConnected, snap.Status)
	assert.Equal(t, clock.Now(), snap.ConnectedAt)

	clock.Advance(time.Minute)
	c.UpdateStatus(id, stream.StatusError, 0)
	c.UpdateStatus(id, stream.StatusReconnecting, 2*time.Second)
	snap, _ = c.Snapshot(id)
	assert.Equal(t, stream.StatusReconnecting, snap.Status)
	assert.True(t, snap.ConnectedAt.IsZero())
	assert.Equal(t, clock.Now(), snap.DisconnectedAt)
	assert.Equal(t, 2*time.Second, snap.ReconnectDelay)
}

func TestMutations_OnUnknownIDAreIgnored(t *testing.T) {
	c := New()

	c.UpdateStatus("missing", stream.StatusConnected, 0)
	c.AddMessage("missing", stream.Message{Data: "x"})
	c.AddError("missing", errors.New("x"))

	_, ok := c.Snapshot("missing")
	assert.False(t, ok)
}

func TestWatch(t *testing.T) {
	c := New()
	id := ConnectionID("client-a")

	var mu sync.Mutex
	var seen []Snapshot
	cancel := c.Watch(id, func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	require.True(t, c.RegisterConnection(id, "u", "client-a", newFakeTransport()))
	c.AddMessage(id, stream.Message{Event: "task", Data: "create"})
	cancel()
	c.AddMessage(id, stream.Message{Event: "task", Data: "update"})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, 1, seen[0].RefCount)
	assert.Len(t, seen[1].Messages, 1)
}

func TestClose_CancelsEverything(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(WithClock(clock))
	a, b := newFakeTransport(), newFakeTransport()
	require.True(t, c.RegisterConnection(ConnectionID("a"), "u", "a", a))
	require.True(t, c.RegisterConnection(ConnectionID("b"), "u", "b", b))

	var teardowns atomic.Int32
	c.UnregisterConnection(ConnectionID("b"), func() { teardowns.Add(1) })

	c.Close()
	clock.Advance(time.Second)

	assert.Equal(t, int32(1), a.cancels.Load())
	assert.Equal(t, int32(1), b.cancels.Load())
	assert.Never(t, func() bool { return teardowns.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.False(t, c.RegisterConnection(ConnectionID("a"), "u", "a", newFakeTransport()))
}

func TestDefault_InitOnFirstUseAndShutdown(t *testing.T) {
	t.Cleanup(Shutdown)

	first := Default()
	assert.Same(t, first, Default())

	transport := newFakeTransport()
	require.True(t, first.RegisterConnection(ConnectionID("a"), "u", "a", transport))

	Shutdown()
	assert.Equal(t, int32(1), transport.cancels.Load())
	assert.NotSame(t, first, Default())
}

func TestRing(t *testing.T) {
	r := newRing[int](3)
	for i := range 5 {
		r.push(i)
	}
	assert.Equal(t, []int{2, 3, 4}, r.values())
	assert.Len(t, r.values(), 3)

	r.clear()
	assert.Empty(t, r.values())
	r.push(9)
	assert.Equal(t, []int{9}, r.values())
}
