// Package broadcast holds the live stream handles of this process and writes events to them.
//
// The Registry keeps at most one Stream per client identity. Delivery passes work on a snapshot
// of the registry, write to every handle concurrently under a per-write deadline, and prune the
// handles that failed once the pass is over. A heartbeat pass runs on a fixed interval so dead
// peers are discovered even when no events flow.
package broadcast
