package proxy

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestStoreRoundTripAndClear(t *testing.T) {
	store := NewStore(t.TempDir())
	state := newState()
	state.bind("gb-london", 10800, "vpnns0", time.Unix(100, 0), PIDs{Client: 11, Proxy: 12})
	if err := store.Save(state); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.SaveRandom(RandomState{Slug: "gb-london", ExpiresAt: 200}); err != nil {
		t.Fatalf("SaveRandom failed: %v", err)
	}

	loaded, dropped, err := store.Load()
	if err != nil || len(dropped) != 0 {
		t.Fatalf("Load failed: %v dropped=%v", err, dropped)
	}
	if loaded.SlugToPort["gb-london"] != 10800 || loaded.PIDs[10800].Proxy != 12 {
		t.Fatalf("unexpected state %+v", loaded)
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, ok, _ := store.LoadRandom(); ok {
		t.Fatalf("expected random state cleared")
	}
	empty, _, err := store.Load()
	if err != nil || len(empty.PortToSlug) != 0 {
		t.Fatalf("expected empty state after clear, got %+v (%v)", empty, err)
	}
}

func TestStoreLoadRepairsInconsistentPorts(t *testing.T) {
	dir := t.TempDir()
	raw := `{
  "slugToPort": {"gb-london": 10800, "us-east": 10801, "ghost": 10805},
  "portToSlug": {"10800": "gb-london", "10801": "us-east"},
  "portToNs": {"10800": "vpnns0"},
  "lastUsed": {"10800": 1, "10801": 2},
  "pids": {"10800": {"client": 1, "proxy": 2}, "10801": {"client": 3, "proxy": 4}}
}`
	if err := os.WriteFile(filepath.Join(dir, stateFileName), []byte(raw), 0o644); err != nil {
		t.Fatalf("write state: %v", err)
	}

	state, dropped, err := NewStore(dir).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(dropped) != 1 || dropped[0] != 10801 {
		t.Fatalf("expected port 10801 dropped, got %v", dropped)
	}
	if _, ok := state.SlugToPort["us-east"]; ok {
		t.Fatalf("expected us-east unbound")
	}
	if _, ok := state.SlugToPort["ghost"]; ok {
		t.Fatalf("expected dangling slug removed")
	}
	if state.SlugToPort["gb-london"] != 10800 {
		t.Fatalf("expected consistent port kept")
	}
}

func TestStoreLoadRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, stateFileName), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write state: %v", err)
	}
	if _, _, err := NewStore(dir).Load(); err == nil {
		t.Fatalf("expected corrupt state to fail")
	}
}

func TestStoreWithLockSerializes(t *testing.T) {
	store := NewStore(t.TempDir())
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithLock(func() error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()
				time.Sleep(2 * time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("WithLock failed: %v", err)
			}
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected exclusive sections, saw %d concurrent", maxSeen)
	}
}

func TestRandomStateExpiry(t *testing.T) {
	rs := RandomState{Slug: "gb", ExpiresAt: 100}
	if rs.Expired(time.Unix(99, 0)) {
		t.Fatalf("expected selection valid before expiry")
	}
	if !rs.Expired(time.Unix(100, 0)) {
		t.Fatalf("expected selection expired at expiry")
	}
}

func TestAllocatePortLowestFree(t *testing.T) {
	state := newState()
	state.bind("a", 10800, "vpnns0", time.Unix(0, 0), PIDs{})
	state.bind("b", 10802, "vpnns2", time.Unix(0, 0), PIDs{})
	port, err := allocatePort(state, 10800, 10802)
	if err != nil || port != 10801 {
		t.Fatalf("expected 10801, got %d (%v)", port, err)
	}
	state.bind("c", 10801, "vpnns1", time.Unix(0, 0), PIDs{})
	if _, err := allocatePort(state, 10800, 10802); err != ErrNoFreePort {
		t.Fatalf("expected ErrNoFreePort, got %v", err)
	}
}

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest("  Random ")
	if err != nil || !req.IsRandom() || req.String() != RandomKeyword {
		t.Fatalf("expected random request, got %+v (%v)", req, err)
	}
	req, err = ParseRequest("gb-london")
	if err != nil || req.IsRandom() || req.Slug() != "gb-london" {
		t.Fatalf("expected named request, got %+v (%v)", req, err)
	}
	if _, err := ParseRequest(" "); err == nil {
		t.Fatalf("expected empty request rejected")
	}
}
