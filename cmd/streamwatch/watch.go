package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/pscheid92/fanout/internal/client/coordinator"
	"github.com/pscheid92/fanout/internal/client/stream"
)

// watch follows the stream until ctx ends or the requested number of events was printed.
func watch(ctx context.Context, out io.Writer, opts watchOptions) error {
	if err := opts.validate(); err != nil {
		return err
	}

	clientID := opts.clientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	coord := coordinator.Default()
	defer coordinator.Shutdown()

	id := coordinator.ConnectionID(clientID)
	p := &printer{out: out, limit: opts.count, finish: func() { cancel(errDone) }}
	stopWatch := coord.Watch(id, p.observe)
	defer stopWatch()

	slog.Info("Watching stream", "url", opts.url, "client_id", clientID, "consumers", opts.consumers)

	releases := make([]func(), 0, opts.consumers)
	for range opts.consumers {
		releases = append(releases, coord.Connect(ctx, coordinator.Options{
			URL:            opts.url,
			ClientID:       clientID,
			IdentityHeader: opts.header,
			ConsumerOptions: []stream.Option{
				stream.WithBackoff(opts.initialBackoff, opts.maxBackoff),
				stream.WithConnectTimeout(opts.connectTimeout),
			},
		}))
	}
	defer func() {
		for _, release := range releases {
			release()
		}
	}()

	<-ctx.Done()
	if isDone(ctx) {
		slog.Debug("Event count reached", "count", opts.count)
	}
	return nil
}

// printer writes status transitions and newly received events from connection snapshots.
type printer struct {
	out    io.Writer
	limit  int
	finish func()

	mu       sync.Mutex
	status   stream.Status
	received int
	printed  int
	lastErr  *coordinator.ErrorEntry
}

func (p *printer) observe(snap coordinator.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if snap.LastError != nil && (p.lastErr == nil || !snap.LastError.At.Equal(p.lastErr.At)) {
		p.lastErr = snap.LastError
		fmt.Fprintf(p.out, "! %v\n", snap.LastError.Err)
	}

	if snap.Status != p.status {
		p.status = snap.Status
		if snap.Status == stream.StatusReconnecting {
			fmt.Fprintf(p.out, "# %s in %s\n", snap.Status, snap.ReconnectDelay)
		} else {
			fmt.Fprintf(p.out, "# %s\n", snap.Status)
		}
	}

	fresh := snap.Received - p.received
	p.received = snap.Received
	if fresh <= 0 {
		return
	}
	if fresh > len(snap.Messages) {
		fresh = len(snap.Messages)
	}

	for _, m := range snap.Messages[len(snap.Messages)-fresh:] {
		if p.limit > 0 && p.printed >= p.limit {
			return
		}
		p.printMessage(m)
		p.printed++
		if p.limit > 0 && p.printed == p.limit {
			p.finish()
		}
	}
}

func (p *printer) printMessage(m stream.Message) {
	line := m.Event
	if m.ID != "" {
		line += " id=" + m.ID
	}
	if m.Comment != "" {
		line += " origin=" + m.Comment
	}
	fmt.Fprintf(p.out, "%s: %s\n", line, m.Data)
}
