// Package registry provides the stat-keyed cached read of the per-VM
// proxy registry file: the host side of the host-guest control plane's
// VM lookup table.
package registry

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"vmgate/internal/vm"
)

// statKey identifies a specific version of the registry file's contents
// without reading it: mtime in nanoseconds plus size in bytes.
type statKey struct {
	mtimeNs int64
	size    int64
}

// Mirror publishes freshly-loaded snapshots somewhere other EPG
// instances can read them from, so a fleet of gateways sharing one
// registry file (or one registry writer) doesn't each need local disk
// access to it. Implemented by RedisMirror; nil in single-instance
// deployments.
type Mirror interface {
	Publish(snapshot *vm.Snapshot)
}

// Cache loads and caches a Snapshot, re-reading the backing file only
// when its (mtime, size) changes. All I/O and parse errors are logged
// and the previous snapshot (possibly empty) is returned — a registry
// write-in-progress must never cause a denial-of-service on active
// flows that only need to consult the cache.
type Cache struct {
	path string

	mu  sync.Mutex // serializes reload attempts; readers never block on it
	key statKey

	snapshot atomic.Pointer[vm.Snapshot]

	mirror Mirror
}

// NewCache creates a Cache for the registry file at path. The cache
// starts out serving an empty snapshot until the first Load call.
func NewCache(path string) *Cache {
	c := &Cache{path: path}
	c.snapshot.Store(vm.Empty())
	return c
}

// WithMirror attaches a Mirror that receives every successfully reloaded
// snapshot. Returns the Cache for chaining.
func (c *Cache) WithMirror(m Mirror) *Cache {
	c.mirror = m
	return c
}

// Load returns the current snapshot, reloading from disk first if the
// backing file's (mtime, size) has changed since the last load.
func (c *Cache) Load() *vm.Snapshot {
	st, err := os.Stat(c.path)
	if err != nil {
		slog.Warn("registry stat failed, serving previous snapshot", "path", c.path, "error", err)
		return c.snapshot.Load()
	}

	key := statKey{mtimeNs: st.ModTime().UnixNano(), size: st.Size()}

	c.mu.Lock()
	defer c.mu.Unlock()

	if key == c.key {
		return c.snapshot.Load()
	}

	data, err := os.ReadFile(c.path) // #nosec G304 -- path comes from trusted operator config
	if err != nil {
		slog.Warn("registry read failed, serving previous snapshot", "path", c.path, "error", err)
		return c.snapshot.Load()
	}

	var file vm.RegistryFile
	if err := json.Unmarshal(data, &file); err != nil {
		slog.Warn("registry parse failed, serving previous snapshot", "path", c.path, "error", err)
		return c.snapshot.Load()
	}

	snap := &vm.Snapshot{VMs: file.VMs}
	if snap.VMs == nil {
		snap.VMs = map[string]vm.Registration{}
	}

	c.key = key
	c.snapshot.Store(snap)

	slog.Debug("registry reloaded", "path", c.path, "vms", len(snap.VMs))

	if c.mirror != nil {
		c.mirror.Publish(snap)
	}

	return snap
}
