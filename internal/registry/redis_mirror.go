package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"vmgate/internal/vm"
)

// RedisMirror publishes every reloaded Snapshot to a Redis key so that a
// fleet of EPG instances behind the same load balancer, each running
// against the same underlying registry writer, can serve reads from
// Redis instead of requiring local filesystem access to the registry
// file. Publishing is best-effort: a Redis outage degrades mirrored
// readers, it never blocks or fails the local Cache.
type RedisMirror struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisMirror creates a mirror that writes snapshots to key on the
// given client, each with the given expiry.
func NewRedisMirror(client *redis.Client, key string, ttl time.Duration) *RedisMirror {
	return &RedisMirror{client: client, key: key, ttl: ttl}
}

func (m *RedisMirror) Publish(snapshot *vm.Snapshot) {
	data, err := json.Marshal(vm.RegistryFile{VMs: snapshot.VMs})
	if err != nil {
		slog.Warn("registry mirror marshal failed", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := m.client.Set(ctx, m.key, data, m.ttl).Err(); err != nil {
		slog.Warn("registry mirror publish failed", "key", m.key, "error", err)
	}
}
