package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	instancesKey = "fanout:instances"
	// Instances without a heartbeat for this long are considered gone.
	instanceLiveness = 60 * time.Second
)

// StreamCounter reports how many live streams this process holds.
type StreamCounter interface {
	Count() int
}

// InstanceInfo is one process's latest heartbeat.
type InstanceInfo struct {
	InstanceID string    `json:"instanceId"`
	Version    string    `json:"version"`
	Streams    int       `json:"streams"`
	LastSeen   time.Time `json:"lastSeen"`
}

// InstanceRegistry tracks the processes sharing the broker channel. Each process writes a
// heartbeat into one shared hash.
type InstanceRegistry struct {
	rdb        goredis.Cmdable
	instanceID string
	heartbeat  time.Duration
	version    string
	streams    StreamCounter
	clock      clockwork.Clock
	group      singleflight.Group
}

func NewInstanceRegistry(rdb goredis.Cmdable, instanceID string, heartbeat time.Duration, version string, streams StreamCounter, clock clockwork.Clock) *InstanceRegistry {
	return &InstanceRegistry{
		rdb:        rdb,
		instanceID: instanceID,
		heartbeat:  heartbeat,
		version:    version,
		streams:    streams,
		clock:      clock,
	}
}

// Start registers immediately, then on every heartbeat. It blocks until ctx is cancelled and
// removes this instance before returning.
func (r *InstanceRegistry) Start(ctx context.Context) {
	r.register(ctx)

	ticker := r.clock.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.register(ctx)
		case <-ctx.Done():
			r.unregister()
			return
		}
	}
}

func (r *InstanceRegistry) register(ctx context.Context) {
	info := InstanceInfo{
		InstanceID: r.instanceID,
		Version:    r.version,
		Streams:    r.streams.Count(),
		LastSeen:   r.clock.Now().UTC(),
	}

	data, err := json.Marshal(info)
	if err != nil {
		return
	}

	if err := r.rdb.HSet(ctx, instancesKey, r.instanceID, data).Err(); err != nil {
		slog.Warn("Failed to write instance heartbeat", "instance_id", r.instanceID, "error", err)
	}
}

func (r *InstanceRegistry) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.rdb.HDel(ctx, instancesKey, r.instanceID).Err(); err != nil {
		slog.Warn("Failed to remove instance heartbeat", "instance_id", r.instanceID, "error", err)
	}
}

// List returns live instances ordered by id. Concurrent callers share one Redis round trip.
// Stale entries are removed as a side effect.
func (r *InstanceRegistry) List(ctx context.Context) ([]InstanceInfo, error) {
	v, err, _ := r.group.Do(instancesKey, func() (any, error) {
		return r.list(ctx)
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]InstanceInfo)), nil
}

func (r *InstanceRegistry) list(ctx context.Context) ([]InstanceInfo, error) {
	entries, err := r.rdb.HGetAll(ctx, instancesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	now := r.clock.Now()
	infos := make([]InstanceInfo, 0, len(entries))
	var stale []string
	for id, data := range entries {
		var info InstanceInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil || now.Sub(info.LastSeen) >= instanceLiveness {
			stale = append(stale, id)
			continue
		}
		infos = append(infos, info)
	}

	if len(stale) > 0 {
		if err := r.rdb.HDel(ctx, instancesKey, stale...).Err(); err != nil {
			slog.Debug("Failed to prune stale instances", "count", len(stale), "error", err)
		}
	}

	slices.SortFunc(infos, func(a, b InstanceInfo) int { return strings.Compare(a.InstanceID, b.InstanceID) })
	return infos, nil
}
