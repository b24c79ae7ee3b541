// Package registry holds the peer registry and identity maps of
// spec.md §4.3: discovered peers, the blacklist, the address<->identity
// mappings, the set of peer links, and the in-flight connect set. All
// of the maps it's responsible for are protected by one lock, per the
// lock-ordering rule in §4.3 and §5 (peer lock first, then
// fragmentation lock; never hold either while calling the driver).
package registry

import (
	"sync"
	"time"
)

// DiscoveredPeer is a peer learned via advertisement (§3).
type DiscoveredPeer struct {
	Address       string
	Name          string
	RSSI          int
	FirstSeen     time.Time
	LastSeen      time.Time
	Attempts      int
	Successes     int
	Failures      int
	LastAttemptAt time.Time
}

// BlacklistEntry records a temporarily excluded address (§3).
type BlacklistEntry struct {
	Address      string
	Until        time.Time
	FailureCount int
}

// Link is the minimal surface the registry needs from a peer link in
// order to store and tear it down; it exists so this package does not
// need to import internal/peerlink (which itself depends on
// internal/fragment, not on registry). internal/peerlink.Link
// satisfies it.
type Link interface {
	IdentityHash() string
	Close()
}

// DefaultStaleAfter is how long an unseen discovered peer survives (§3).
const DefaultStaleAfter = 60 * time.Second

// DefaultCacheCap is the discovered-peer cache size cap (§3, §6).
const DefaultCacheCap = 100

// evictBatchFraction is the fraction of the cache evicted at once when
// the cap is exceeded (§3: "20% batches").
const evictBatchFraction = 0.2

// Registry is the peer registry and identity map described in §4.3.
type Registry struct {
	mu sync.Mutex

	discovered map[string]*DiscoveredPeer // address -> peer
	blacklist  map[string]*BlacklistEntry // address -> entry
	addrToID   map[string][identitySize]byte
	idToAddr   map[string]string // identity hash -> address
	links      map[string]Link  // identity hash -> link
	inFlight   map[string]struct{}

	localAddress string
	cacheCap     int
	staleAfter   time.Duration
}

const identitySize = 16

// New creates an empty Registry. cacheCap <= 0 selects DefaultCacheCap;
// staleAfter <= 0 selects DefaultStaleAfter.
func New(cacheCap int, staleAfter time.Duration) *Registry {
	if cacheCap <= 0 {
		cacheCap = DefaultCacheCap
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Registry{
		discovered: make(map[string]*DiscoveredPeer),
		blacklist:  make(map[string]*BlacklistEntry),
		addrToID:   make(map[string][identitySize]byte),
		idToAddr:   make(map[string]string),
		links:      make(map[string]Link),
		inFlight:   make(map[string]struct{}),
		cacheCap:   cacheCap,
		staleAfter: staleAfter,
	}
}

// SetLocalAddress records this adapter's own BLE address, used by
// direction arbitration (§4.4) to exclude peers we should wait on
// rather than dial.
func (r *Registry) SetLocalAddress(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localAddress = addr
}

// LocalAddress returns the local address, or "" if unset.
func (r *Registry) LocalAddress() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localAddress
}

// Touch creates or updates a discovered peer on an advertisement (§4.5
// "Discovery"). now is injected so callers can drive it from tests.
func (r *Registry) Touch(address, name string, rssi int, now time.Time) *DiscoveredPeer {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.discovered[address]
	if !ok {
		p = &DiscoveredPeer{Address: address, FirstSeen: now}
		r.discovered[address] = p
	}
	p.Name = name
	p.RSSI = rssi
	p.LastSeen = now

	r.evictIfOverCapLocked()
	return p
}

// evictIfOverCapLocked drops the oldest non-connected entries in
// 20%-of-cap batches once the cache exceeds its configured size (§3).
// Must be called with r.mu held.
func (r *Registry) evictIfOverCapLocked() {
	if len(r.discovered) <= r.cacheCap {
		return
	}

	type candidate struct {
		address  string
		lastSeen time.Time
	}
	var candidates []candidate
	for addr, p := range r.discovered {
		if r.hasIdentityLocked(addr) {
			continue // connected peers are never pruned from discovery
		}
		candidates = append(candidates, candidate{addr, p.LastSeen})
	}

	batch := int(float64(r.cacheCap) * evictBatchFraction)
	if batch < 1 {
		batch = 1
	}
	for i := 0; i < len(candidates) && i < batch; i++ {
		oldestIdx := i
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].lastSeen.Before(candidates[oldestIdx].lastSeen) {
				oldestIdx = j
			}
		}
		candidates[i], candidates[oldestIdx] = candidates[oldestIdx], candidates[i]
		delete(r.discovered, candidates[i].address)
	}
}

func (r *Registry) hasIdentityLocked(address string) bool {
	_, ok := r.addrToID[address]
	return ok
}

// PruneStale removes discovered peers unseen since now-staleAfter that
// have neither a bound identity (a peer link) nor an in-flight connect
// attempt, and returns their addresses so the caller can ask the
// driver to forget any platform-side object it still holds for them
// (§4.5, SPEC_FULL.md §4). Called from the periodic reaper.
func (r *Registry) PruneStale(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.staleAfter)
	var removed []string
	for addr, p := range r.discovered {
		if !p.LastSeen.Before(cutoff) {
			continue
		}
		if r.hasIdentityLocked(addr) {
			continue
		}
		if _, inFlight := r.inFlight[addr]; inFlight {
			continue
		}
		delete(r.discovered, addr)
		removed = append(removed, addr)
	}
	return removed
}

// Discovered returns a snapshot of all currently discovered peers.
func (r *Registry) Discovered() []*DiscoveredPeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*DiscoveredPeer, 0, len(r.discovered))
	for _, p := range r.discovered {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// RecordAttempt marks address as attempted right now, before the
// driver.Connect call — the ordering invariant of §4.5 that prevents
// re-entrant discovery from re-selecting the same peer.
func (r *Registry) RecordAttempt(address string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.discovered[address]; ok {
		p.Attempts++
		p.LastAttemptAt = now
	}
	r.inFlight[address] = struct{}{}
}

// RecordSuccess clears in-flight state, bumps the success counter, and
// clears any blacklist entry for address (§4.4: "A success clears the
// blacklist entry but not the failure counter").
func (r *Registry) RecordSuccess(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, address)
	if p, ok := r.discovered[address]; ok {
		p.Successes++
	}
	delete(r.blacklist, address)
}

// RecordFailure clears in-flight state and bumps the failure counter.
// It returns the peer's updated failure count (0 if the peer is no
// longer discovered) so the caller can apply the blacklist policy.
func (r *Registry) RecordFailure(address string, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, address)
	p, ok := r.discovered[address]
	if !ok {
		return 0
	}
	p.Failures++
	p.LastAttemptAt = now
	return p.Failures
}

// Blacklist adds or refreshes a blacklist entry.
func (r *Registry) Blacklist(address string, until time.Time, failureCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blacklist[address] = &BlacklistEntry{Address: address, Until: until, FailureCount: failureCount}
}

// IsBlacklisted reports whether address is blacklisted as of now.
func (r *Registry) IsBlacklisted(address string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.blacklist[address]
	return ok && e.Until.After(now)
}

// IsInFlight reports whether a connect attempt to address is ongoing.
func (r *Registry) IsInFlight(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inFlight[address]
	return ok
}

// ClearInFlight removes address from the in-flight set without
// touching attempt/failure counters (used when a connect attempt is
// abandoned for reasons outside the normal success/failure path).
func (r *Registry) ClearInFlight(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, address)
}

// BindIdentity establishes the address<->identity mapping at
// handshake completion (§4.5). It is idempotent: re-binding the same
// (address, identity) pair is a no-op, while binding a different
// identity to an address that already has one is reported via ok=false
// so the caller can log the §9 "assert and log on mismatch" case.
func (r *Registry) BindIdentity(address string, identity [identitySize]byte, identityHash string) (ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, has := r.addrToID[address]; has {
		if existing == identity {
			return true
		}
		return false
	}
	r.addrToID[address] = identity
	r.idToAddr[identityHash] = address
	return true
}

// UnbindIdentity removes the address<->identity mapping found for
// address, along with any peer link keyed by its identity hash.
// Returns the identity hash that was removed, if any.
func (r *Registry) UnbindIdentity(address string) (identityHash string, link Link, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, has := r.addrToID[address]
	if !has {
		return "", nil, false
	}
	delete(r.addrToID, address)

	for hash, a := range r.idToAddr {
		if a == address {
			identityHash = hash
			delete(r.idToAddr, hash)
			break
		}
	}
	_ = id

	link = r.links[identityHash]
	delete(r.links, identityHash)
	return identityHash, link, true
}

// IdentityFor returns the identity bound to address, if any.
func (r *Registry) IdentityFor(address string) (id [identitySize]byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok = r.addrToID[address]
	return id, ok
}

// AddressFor returns the address bound to an identity hash, if any.
func (r *Registry) AddressFor(identityHash string) (address string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	address, ok = r.idToAddr[identityHash]
	return address, ok
}

// PutLink stores a peer link, keyed by its identity hash. At most one
// link may exist per identity hash (invariant 4, §8); storing a second
// one for the same hash replaces the first without closing it — callers
// must Close the old link themselves if that's the intent.
func (r *Registry) PutLink(identityHash string, link Link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links[identityHash] = link
}

// Link returns the peer link for an identity hash, if any.
func (r *Registry) Link(identityHash string) (Link, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[identityHash]
	return l, ok
}

// Links returns a snapshot of all currently stored links. Intended for
// outbound fan-out (§4.5 "Data path"): snapshot under the lock, then
// release it before calling into any link.
func (r *Registry) Links() []Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Link, 0, len(r.links))
	for _, l := range r.links {
		out = append(out, l)
	}
	return out
}

// ConnectedCount returns the number of established peer links.
func (r *Registry) ConnectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}

// HasIdentity reports whether address already has a bound identity
// (used by the peripheral handshake path to decide whether a 16-byte
// payload is an identity handshake or ordinary data, §4.5).
func (r *Registry) HasIdentity(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasIdentityLocked(address)
}
