package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vmgate/internal/vm"
)

func writeRegistry(t *testing.T, path string, file vm.RegistryFile) {
	t.Helper()
	data, err := json.Marshal(file)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestCache_LoadMissingFileServesEmptySnapshot(t *testing.T) {
	c := NewCache(filepath.Join(t.TempDir(), "missing.json"))
	snap := c.Load()
	if len(snap.VMs) != 0 {
		t.Errorf("got %d vms, want 0", len(snap.VMs))
	}
}

func TestCache_LoadParsesRegisteredVMs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	writeRegistry(t, path, vm.RegistryFile{
		VMs: map[string]vm.Registration{
			"10.0.0.5": {RunID: "run-1", MitmEnabled: true},
		},
	})

	c := NewCache(path)
	snap := c.Load()

	reg, ok := snap.Lookup("10.0.0.5")
	if !ok {
		t.Fatalf("expected vm 10.0.0.5 present")
	}
	if reg.RunID != "run-1" || !reg.MitmEnabled {
		t.Errorf("got %+v", reg)
	}
}

func TestCache_SkipsReloadWhenStatUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	writeRegistry(t, path, vm.RegistryFile{VMs: map[string]vm.Registration{
		"10.0.0.1": {RunID: "run-a"},
	}})

	c := NewCache(path)
	first := c.Load()

	// Rewrite with different content but force an identical stat key by
	// restoring the original mtime; the cache must still serve `first`.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	writeRegistry(t, path, vm.RegistryFile{VMs: map[string]vm.Registration{
		"10.0.0.1": {RunID: "run-b"},
	}})
	if err := os.Chtimes(path, info.ModTime(), info.ModTime()); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	// Best-effort: if the size also changed, pad isn't guaranteed equal,
	// so only assert the invariant when the stat key truly matches.
	info2, _ := os.Stat(path)
	if info2.Size() != info.Size() || info2.ModTime() != info.ModTime() {
		t.Skip("platform could not reproduce an identical stat key")
	}

	second := c.Load()
	if second != first {
		t.Errorf("expected cached snapshot to be reused when stat key is unchanged")
	}
}

func TestCache_ReloadsWhenFileChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	writeRegistry(t, path, vm.RegistryFile{VMs: map[string]vm.Registration{
		"10.0.0.1": {RunID: "run-a"},
	}})

	c := NewCache(path)
	first := c.Load()
	if _, ok := first.Lookup("10.0.0.2"); ok {
		t.Fatalf("unexpected vm present before update")
	}

	time.Sleep(10 * time.Millisecond) // ensure mtime advances on coarse filesystems
	writeRegistry(t, path, vm.RegistryFile{VMs: map[string]vm.Registration{
		"10.0.0.1": {RunID: "run-a"},
		"10.0.0.2": {RunID: "run-b"},
	}})

	second := c.Load()
	if _, ok := second.Lookup("10.0.0.2"); !ok {
		t.Errorf("expected reload to pick up newly registered vm")
	}
}

func TestCache_MalformedFileServesPreviousSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	writeRegistry(t, path, vm.RegistryFile{VMs: map[string]vm.Registration{
		"10.0.0.1": {RunID: "run-a"},
	}})

	c := NewCache(path)
	good := c.Load()

	time.Sleep(10 * time.Millisecond)
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	bad := c.Load()
	if bad != good {
		t.Errorf("expected malformed reload to keep serving the previous snapshot")
	}
}

type recordingMirror struct {
	published []*vm.Snapshot
}

func (m *recordingMirror) Publish(s *vm.Snapshot) {
	m.published = append(m.published, s)
}

func TestCache_PublishesToMirrorOnSuccessfulReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	writeRegistry(t, path, vm.RegistryFile{VMs: map[string]vm.Registration{
		"10.0.0.1": {RunID: "run-a"},
	}})

	mirror := &recordingMirror{}
	c := NewCache(path).WithMirror(mirror)
	c.Load()

	if len(mirror.published) != 1 {
		t.Fatalf("got %d publishes, want 1", len(mirror.published))
	}

	// Second load with unchanged stat must not publish again.
	c.Load()
	if len(mirror.published) != 1 {
		t.Errorf("got %d publishes after unchanged reload, want 1", len(mirror.published))
	}
}
