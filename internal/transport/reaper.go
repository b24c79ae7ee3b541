package transport

import (
	"sort"
	"time"

	"github.com/rns-go/ble-mesh-adapter/internal/peerlink"
	"github.com/rns-go/ble-mesh-adapter/internal/policy"
)

// reaperLoop runs the periodic reaper of spec.md §4.5 plus the
// supplemented connection-rotation feature (SPEC_FULL.md §4): it
// sweeps stale reassembly buffers, prunes stale discovered peers, and
// periodically rotates out the weakest connected peer to make room for
// better-scoring discoveries once the connection slots are saturated.
func (t *Transport) reaperLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.ReaperInterval)
	defer ticker.Stop()

	var sinceRotation time.Duration
	for {
		select {
		case <-ticker.C:
			t.sweepOnce()

			sinceRotation += t.cfg.ReaperInterval
			if t.cfg.ConnectionRotationInterval > 0 && sinceRotation >= t.cfg.ConnectionRotationInterval {
				sinceRotation = 0
				t.rotateWeakestConnection()
			}
		case <-t.stopCh:
			return
		}
	}
}

func (t *Transport) sweepOnce() {
	now := time.Now()

	for _, l := range t.reg.Links() {
		link, ok := l.(*peerlink.Link)
		if !ok {
			continue
		}
		if n := link.SweepReassembly(); n > 0 {
			t.log.WithField("identity_hash", link.IdentityHash()).WithField("discarded", n).Debug("reassembly buffers timed out")
		}
	}

	if stale := t.reg.PruneStale(now); len(stale) > 0 {
		t.log.WithField("pruned", len(stale)).Debug("stale discovered peers removed")
		for _, addr := range stale {
			if err := t.drv.ForgetDevice(addr); err != nil {
				t.log.WithError(err).WithField("address", addr).Debug("forget stale device failed")
			}
		}
	}
}

// rotateWeakestConnection disconnects the lowest-scoring connected
// peer when the adapter is at its connection-slot cap and a
// better-scoring peer is waiting, making room for fresher links
// instead of pinning the first seven peers ever discovered for the
// lifetime of the process.
func (t *Transport) rotateWeakestConnection() {
	if t.reg.ConnectedCount() < t.cfg.MaxConnections {
		return
	}

	now := time.Now()
	discovered := t.reg.Discovered()
	if len(discovered) == 0 {
		return
	}

	sort.Slice(discovered, func(i, j int) bool {
		return policy.Score(discovered[i], now) > policy.Score(discovered[j], now)
	})
	best := discovered[0]
	if t.reg.HasIdentity(best.Address) {
		return // best candidate is already connected; nothing to rotate in
	}

	weakestHash, weakestScore := "", float64(-1)
	for _, l := range t.reg.Links() {
		link, ok := l.(*peerlink.Link)
		if !ok {
			continue
		}
		addr, found := t.reg.AddressFor(link.IdentityHash())
		if !found {
			continue
		}
		for _, p := range discovered {
			if p.Address != addr {
				continue
			}
			sc := policy.Score(p, now)
			if weakestHash == "" || sc < weakestScore {
				weakestHash, weakestScore = link.IdentityHash(), sc
			}
		}
	}
	if weakestHash == "" {
		return
	}
	if policy.Score(best, now) <= weakestScore {
		return // no waiting candidate outscores the weakest connection
	}
	if addr, found := t.reg.AddressFor(weakestHash); found {
		t.log.WithField("address", addr).Debug("rotating out weakest connection for a stronger candidate")
		if err := t.drv.Disconnect(addr); err != nil {
			t.log.WithError(err).WithField("address", addr).Debug("rotation disconnect failed")
		}
	}
}
