package registry

import (
	"fmt"
	"testing"
	"time"
)

func TestTouchCreatesAndUpdates(t *testing.T) {
	r := New(0, 0)
	now := time.Now()
	r.Touch("AA:BB:CC:DD:EE:FF", "peer1", -60, now)
	r.Touch("AA:BB:CC:DD:EE:FF", "peer1", -55, now.Add(time.Second))

	peers := r.Discovered()
	if len(peers) != 1 {
		t.Fatalf("expected 1 discovered peer, got %d", len(peers))
	}
	if peers[0].RSSI != -55 {
		t.Fatalf("RSSI not updated: got %d", peers[0].RSSI)
	}
}

func TestCacheCapEvictsOldestNonConnected(t *testing.T) {
	r := New(10, time.Hour)
	base := time.Now()
	for i := 0; i < 12; i++ {
		addr := addrFor(i)
		r.Touch(addr, "p", -50, base.Add(time.Duration(i)*time.Second))
	}
	if got := len(r.Discovered()); got > 10 {
		t.Fatalf("expected cache capped near 10, got %d", got)
	}
}

func TestBindIdentityIdempotentAndConflict(t *testing.T) {
	r := New(0, 0)
	var id [16]byte
	id[0] = 1

	if ok := r.BindIdentity("addr1", id, "hash1"); !ok {
		t.Fatalf("first bind should succeed")
	}
	if ok := r.BindIdentity("addr1", id, "hash1"); !ok {
		t.Fatalf("idempotent re-bind should succeed")
	}

	var other [16]byte
	other[0] = 2
	if ok := r.BindIdentity("addr1", other, "hash2"); ok {
		t.Fatalf("conflicting bind should report ok=false")
	}
}

func TestUnbindIdentityRemovesEverything(t *testing.T) {
	r := New(0, 0)
	var id [16]byte
	id[0] = 9
	r.BindIdentity("addr1", id, "hash1")
	r.PutLink("hash1", fakeLink{"hash1"})

	hash, link, found := r.UnbindIdentity("addr1")
	if !found || hash != "hash1" || link == nil {
		t.Fatalf("unexpected unbind result: hash=%s found=%v link=%v", hash, found, link)
	}

	if _, ok := r.IdentityFor("addr1"); ok {
		t.Fatalf("identity should be gone")
	}
	if _, ok := r.AddressFor("hash1"); ok {
		t.Fatalf("reverse mapping should be gone")
	}
	if _, ok := r.Link("hash1"); ok {
		t.Fatalf("link should be gone")
	}
}

func TestBlacklistExpiry(t *testing.T) {
	r := New(0, 0)
	now := time.Now()
	r.Blacklist("addr1", now.Add(60*time.Second), 3)

	if !r.IsBlacklisted("addr1", now) {
		t.Fatalf("expected blacklisted at t=0")
	}
	if !r.IsBlacklisted("addr1", now.Add(59*time.Second)) {
		t.Fatalf("expected blacklisted at t=59")
	}
	if r.IsBlacklisted("addr1", now.Add(61*time.Second)) {
		t.Fatalf("expected not blacklisted at t=61")
	}
}

func TestRecordSuccessClearsBlacklistNotFailures(t *testing.T) {
	r := New(0, 0)
	now := time.Now()
	r.Touch("addr1", "p", -50, now)
	r.RecordFailure("addr1", now)
	r.RecordFailure("addr1", now)
	r.Blacklist("addr1", now.Add(time.Minute), 2)

	r.RecordSuccess("addr1")

	if r.IsBlacklisted("addr1", now) {
		t.Fatalf("blacklist should be cleared on success")
	}
	peers := r.Discovered()
	if peers[0].Failures != 2 {
		t.Fatalf("failure counter should survive success, got %d", peers[0].Failures)
	}
	if peers[0].Successes != 1 {
		t.Fatalf("success counter should increment, got %d", peers[0].Successes)
	}
}

func TestPruneStaleSkipsBoundAndInFlight(t *testing.T) {
	r := New(0, time.Minute)
	now := time.Now()
	old := now.Add(-2 * time.Minute)

	r.Touch("stale-addr", "p1", -50, old)

	var id [16]byte
	id[0] = 7
	r.Touch("bound-addr", "p2", -50, old)
	r.BindIdentity("bound-addr", id, "hash-bound")

	r.Touch("inflight-addr", "p3", -50, old)
	r.RecordAttempt("inflight-addr", now)

	r.Touch("fresh-addr", "p4", -50, now)

	removed := r.PruneStale(now)
	if len(removed) != 1 || removed[0] != "stale-addr" {
		t.Fatalf("expected only stale-addr pruned, got %v", removed)
	}

	peers := r.Discovered()
	addrs := make(map[string]bool, len(peers))
	for _, p := range peers {
		addrs[p.Address] = true
	}
	if !addrs["bound-addr"] || !addrs["inflight-addr"] || !addrs["fresh-addr"] {
		t.Fatalf("bound, in-flight, and fresh peers should survive: %v", addrs)
	}
	if addrs["stale-addr"] {
		t.Fatalf("stale-addr should have been pruned")
	}
}

type fakeLink struct{ hash string }

func (f fakeLink) IdentityHash() string { return f.hash }
func (f fakeLink) Close()               {}

func addrFor(i int) string {
	return fmt.Sprintf("AA:BB:CC:DD:EE:%02X", i)
}
