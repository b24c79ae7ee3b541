// Package driver defines the contract between the core peer manager
// and a platform-specific BLE driver (spec.md §4.2). The core only
// ever consumes this interface; concrete implementations (e.g.
// internal/bluez) live in sibling packages.
package driver

import (
	"context"
	"errors"
	"time"
)

// Role identifies which side of a GATT connection a peer was observed on.
type Role int

const (
	RoleUnknown Role = iota
	RoleCentral
	RolePeripheral
)

func (r Role) String() string {
	switch r {
	case RoleCentral:
		return "central"
	case RolePeripheral:
		return "peripheral"
	default:
		return "unknown"
	}
}

// PowerMode mirrors the driver's radio power/duty-cycle hint (§6).
type PowerMode int

const (
	PowerBalanced PowerMode = iota
	PowerAggressive
	PowerSaver
)

func (m PowerMode) String() string {
	switch m {
	case PowerAggressive:
		return "aggressive"
	case PowerSaver:
		return "saver"
	default:
		return "balanced"
	}
}

// ParsePowerMode maps a configuration string to a PowerMode, defaulting
// to PowerBalanced for an empty or unrecognized value.
func ParsePowerMode(s string) PowerMode {
	switch s {
	case "aggressive":
		return PowerAggressive
	case "saver":
		return PowerSaver
	default:
		return PowerBalanced
	}
}

// Severity classifies on_error callbacks (§4.2, §7).
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
	SeverityFatal
)

// Discovered is the device payload handed to OnDeviceDiscovered.
type Discovered struct {
	Address          string
	Name             string
	RSSI             int
	ServiceUUIDs     []string
	ManufacturerData map[uint16][]byte
}

// Errors in the connection taxonomy of spec.md §7. The driver maps its
// own lower-level failures onto these before calling back into the
// core; none of them are expected to leak past the core to the host.
var (
	ErrConnectTimeout           = errors.New("driver: connect timeout")
	ErrPermissionDenied         = errors.New("driver: permission denied")
	ErrAdapterUnavailable       = errors.New("driver: adapter unavailable")
	ErrServiceNotFound          = errors.New("driver: service not found")
	ErrNotificationSetupFailed  = errors.New("driver: notification setup failed")
	ErrIdentityReadFailed       = errors.New("driver: identity read failed")
	ErrDriverClosed             = errors.New("driver: closed")
	ErrAdapterError             = errors.New("driver: adapter error")
)

// Events is the callback surface the driver invokes on the core. All
// callbacks are assumed delivered on a single serial driver thread
// (spec.md §5); the core never blocks this thread on I/O of its own.
type Events interface {
	OnDeviceDiscovered(d Discovered)
	OnDeviceConnected(address string, role Role)
	OnMTUNegotiated(address string, mtu int)
	OnDataReceived(address string, data []byte)
	OnDeviceDisconnected(address string)
	OnError(severity Severity, message string, cause error)
}

// Driver is the operation surface the core calls into (spec.md §4.2).
// Every method may block; the core guarantees it never calls these
// while holding its peer or fragmentation locks (spec.md §4.3, §5).
type Driver interface {
	// Start initializes the GATT service with the given UUIDs and
	// begins delivering events to the supplied Events sink.
	Start(ctx context.Context, serviceUUID, rxUUID, txUUID, identityUUID string, events Events) error
	Stop() error

	SetIdentity(identity [16]byte) error
	SetPowerMode(mode PowerMode) error

	StartScanning() error
	StopScanning() error

	StartAdvertising(deviceName string, identity [16]byte) error
	StopAdvertising() error

	Connect(ctx context.Context, address string) error
	Disconnect(address string) error

	Send(ctx context.Context, address string, frame []byte) error
	ReadCharacteristic(ctx context.Context, address, uuid string) ([]byte, error)
	WriteCharacteristic(ctx context.Context, address, uuid string, value []byte) error

	GetLocalAddress() (string, error)
	GetPeerRole(address string) (Role, error)

	// ForgetDevice asks the driver to drop any platform-side object it
	// holds for address (e.g. a stale org.bluez.Device1). Best effort;
	// implementations that have nothing to clean up return nil.
	ForgetDevice(address string) error
}

// Default operation timeouts, spec.md §5 and §6.
const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultSendTimeout    = 2 * time.Second
)
