// Package policy implements the connection policy of spec.md §4.4:
// peer scoring, slot-bounded selection, MAC-based direction
// arbitration, per-peer cooldown, and the failure/blacklist escalation
// ladder.
package policy

import (
	"sort"
	"strings"
	"time"

	"github.com/fatih/structs"
	"github.com/sirupsen/logrus"

	"github.com/rns-go/ble-mesh-adapter/internal/identity"
	"github.com/rns-go/ble-mesh-adapter/internal/registry"
)

// Config holds the tunables named in spec.md §6 that drive this package.
type Config struct {
	MaxConnections     int
	MinRSSI            int
	MaxFailures         int
	RetryBackoff        time.Duration
	PerPeerCooldown     time.Duration
}

// DefaultConfig matches the defaults in spec.md §6.
func DefaultConfig() Config {
	return Config{
		MaxConnections:  7,
		MinRSSI:         -85,
		MaxFailures:     3,
		RetryBackoff:    60 * time.Second,
		PerPeerCooldown: 5 * time.Second,
	}
}

// scoring constants, spec.md §4.4.
const (
	rssiFloor   = -100
	rssiCeil    = -30
	rssiRange   = 70
	newPeerBonus = 25
	historyWeight = 50

	recencyFull      = 25.0
	recencyFastCut   = 5 * time.Second
	recencyZeroAfter = 30 * time.Second
)

// Score computes the three-component score of spec.md §4.4 for a
// discovered peer as of now.
func Score(p *registry.DiscoveredPeer, now time.Time) float64 {
	return rssiComponent(p.RSSI) + historyComponent(p) + recencyComponent(p.LastSeen, now)
}

func rssiComponent(rssi int) float64 {
	clamped := rssi
	if clamped < rssiFloor {
		clamped = rssiFloor
	}
	if clamped > rssiCeil {
		clamped = rssiCeil
	}
	return float64(clamped-rssiFloor) / float64(rssiCeil-rssiFloor) * rssiRange
}

func historyComponent(p *registry.DiscoveredPeer) float64 {
	if p.Attempts == 0 {
		return newPeerBonus
	}
	return float64(p.Successes) / float64(p.Attempts) * historyWeight
}

func recencyComponent(lastSeen, now time.Time) float64 {
	age := now.Sub(lastSeen)
	switch {
	case age < recencyFastCut:
		return recencyFull
	case age < recencyZeroAfter:
		remaining := recencyZeroAfter - recencyFastCut
		return recencyFull * (1 - float64(age-recencyFastCut)/float64(remaining))
	default:
		return 0
	}
}

// MinRSSIUnknown is the driver's sentinel for "RSSI unknown" (§4.5),
// which must never be rejected by the min-RSSI floor.
const MinRSSIUnknown = -127

// PassesRSSIFloor reports whether rssi clears the configured floor,
// treating the driver's "unknown" sentinel as always acceptable.
func PassesRSSIFloor(rssi, minRSSI int) bool {
	return rssi == MinRSSIUnknown || rssi >= minRSSI
}

// Selector runs selection (§4.4 "Selection") against a Registry.
type Selector struct {
	cfg Config
	log logrus.FieldLogger
}

// NewSelector builds a Selector. log may be nil, selecting logrus's
// standard logger.
func NewSelector(cfg Config, log logrus.FieldLogger) *Selector {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Selector{cfg: cfg, log: log}
}

// Select returns the addresses to connect to right now: winners are
// scored descending and capped at the number of open slots.
func (s *Selector) Select(reg *registry.Registry, now time.Time) []string {
	connected := reg.ConnectedCount()
	slots := s.cfg.MaxConnections - connected
	if slots <= 0 {
		return nil
	}

	local := reg.LocalAddress()
	type scored struct {
		address string
		score   float64
	}
	var candidates []scored

	for _, p := range reg.Discovered() {
		if reg.HasIdentity(p.Address) {
			continue
		}
		if reg.IsInFlight(p.Address) {
			continue
		}
		if reg.IsBlacklisted(p.Address, now) {
			continue
		}
		if local != "" {
			initiates, err := identity.LowerMACInitiates(local, p.Address)
			if err == nil && !initiates && !strings.EqualFold(local, p.Address) {
				continue
			}
		}
		if !p.LastAttemptAt.IsZero() && now.Sub(p.LastAttemptAt) < s.cfg.PerPeerCooldown {
			continue
		}

		sc := Score(p, now)
		candidates = append(candidates, scored{p.Address, sc})

		s.log.WithFields(logrus.Fields{
			"component": "policy",
			"peer":      structs.Map(p),
			"score":     sc,
		}).Debug("scored discovered peer")
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	if len(candidates) > slots {
		candidates = candidates[:slots]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.address
	}
	return out
}

// BlacklistDuration computes the escalating backoff of spec.md §4.4:
// retryBackoff * min(failures - threshold + 1, 8).
func BlacklistDuration(cfg Config, failures int) time.Duration {
	if failures < cfg.MaxFailures {
		return 0
	}
	multiplier := failures - cfg.MaxFailures + 1
	if multiplier > 8 {
		multiplier = 8
	}
	return cfg.RetryBackoff * time.Duration(multiplier)
}
