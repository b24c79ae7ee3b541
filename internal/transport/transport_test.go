package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rns-go/ble-mesh-adapter/internal/config"
	"github.com/rns-go/ble-mesh-adapter/internal/driver"
	"github.com/rns-go/ble-mesh-adapter/internal/fragment"
	"github.com/rns-go/ble-mesh-adapter/internal/identity"
)

// fakeDriver is an in-memory driver.Driver used to drive the
// lifecycle controller without any real BLE stack.
type fakeDriver struct {
	mu sync.Mutex

	events driver.Events

	connectErr    error
	readIdentity  [identity.Size]byte
	readErr       error
	sentFrames    [][]byte
	writtenValues [][]byte
	forgotten     []string
	localAddr     string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{localAddr: "11:22:33:44:55:66"}
}

func (f *fakeDriver) Start(ctx context.Context, serviceUUID, rxUUID, txUUID, identityUUID string, events driver.Events) error {
	f.events = events
	return nil
}
func (f *fakeDriver) Stop() error                        { return nil }
func (f *fakeDriver) SetIdentity(id [identity.Size]byte) error { return nil }
func (f *fakeDriver) SetPowerMode(mode driver.PowerMode) error { return nil }
func (f *fakeDriver) StartScanning() error               { return nil }
func (f *fakeDriver) StopScanning() error                { return nil }
func (f *fakeDriver) StartAdvertising(name string, id [identity.Size]byte) error { return nil }
func (f *fakeDriver) StopAdvertising() error             { return nil }

func (f *fakeDriver) Connect(ctx context.Context, address string) error {
	return f.connectErr
}
func (f *fakeDriver) Disconnect(address string) error { return nil }

func (f *fakeDriver) Send(ctx context.Context, address string, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.sentFrames = append(f.sentFrames, cp)
	return nil
}

func (f *fakeDriver) ReadCharacteristic(ctx context.Context, address, uuid string) ([]byte, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	out := make([]byte, identity.Size)
	copy(out, f.readIdentity[:])
	return out, nil
}

func (f *fakeDriver) WriteCharacteristic(ctx context.Context, address, uuid string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	f.writtenValues = append(f.writtenValues, cp)
	return nil
}

func (f *fakeDriver) GetLocalAddress() (string, error) { return f.localAddr, nil }
func (f *fakeDriver) GetPeerRole(address string) (driver.Role, error) {
	return driver.RoleCentral, nil
}

func (f *fakeDriver) ForgetDevice(address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, address)
	return nil
}

// fakeHost is an in-memory HostRouter.
type fakeHost struct {
	mu       sync.Mutex
	id       [identity.Size]byte
	hasID    bool
	received [][]byte
}

func (h *fakeHost) Identity() ([identity.Size]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id, h.hasID
}
func (h *fakeHost) PruneStaleRoutes(now time.Time) {}
func (h *fakeHost) Deliver(packet []byte, peerIdentityHash string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, packet)
}

func (h *fakeHost) publish(id [identity.Size]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.id = id
	h.hasID = true
}

func newTestTransport(t *testing.T, drv *fakeDriver, host *fakeHost) *Transport {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ReaperInterval = 10 * time.Millisecond
	tr := New(cfg, drv, host, nil)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(tr.Detach)
	return tr
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCentralHandshakeCreatesLink(t *testing.T) {
	drv := newFakeDriver()
	drv.readIdentity = [identity.Size]byte{9, 9, 9}
	host := &fakeHost{}
	host.publish([identity.Size]byte{1, 2, 3})

	tr := newTestTransport(t, drv, host)
	waitFor(t, time.Second, func() bool { return tr.localIdentity != [identity.Size]byte{} })

	const addr = "AA:BB:CC:DD:EE:FF"
	drv.events.OnDeviceConnected(addr, driver.RoleCentral)
	waitFor(t, time.Second, func() bool {
		drv.mu.Lock()
		defer drv.mu.Unlock()
		return len(drv.writtenValues) == 1
	})
	drv.events.OnMTUNegotiated(addr, 100)

	hash := identity.Hash(drv.readIdentity)
	if _, ok := tr.reg.Link(hash); !ok {
		t.Fatalf("expected peer link to exist after central handshake")
	}
}

func TestPeripheralHandshakeThenData(t *testing.T) {
	drv := newFakeDriver()
	host := &fakeHost{}
	host.publish([identity.Size]byte{1})

	tr := newTestTransport(t, drv, host)
	waitFor(t, time.Second, func() bool { return tr.localIdentity != [identity.Size]byte{} })

	const addr = "AA:BB:CC:DD:EE:01"
	drv.events.OnDeviceConnected(addr, driver.RolePeripheral)
	drv.events.OnMTUNegotiated(addr, 100)

	peerID := [identity.Size]byte{5, 5, 5}
	drv.events.OnDataReceived(addr, peerID[:])

	hash := identity.Hash(peerID)
	if _, ok := tr.reg.Link(hash); !ok {
		t.Fatalf("expected peer link after peripheral identity handshake")
	}

	// A second 16-byte payload for the same address must be treated as
	// ordinary data, not re-interpreted as a new identity handshake.
	dataFrame := fragment.Frame{Type: fragment.TypeEnd, Sequence: 0, Total: 1, Payload: []byte("0123456789abcdef")}
	drv.events.OnDataReceived(addr, dataFrame.Encode())

	host.mu.Lock()
	got := len(host.received)
	host.mu.Unlock()
	if got != 1 {
		t.Fatalf("expected the second 16-byte payload delivered as data, got %d delivered packets", got)
	}
}

func TestDisconnectionClearsState(t *testing.T) {
	drv := newFakeDriver()
	drv.readIdentity = [identity.Size]byte{7}
	host := &fakeHost{}
	host.publish([identity.Size]byte{1})

	tr := newTestTransport(t, drv, host)
	waitFor(t, time.Second, func() bool { return tr.localIdentity != [identity.Size]byte{} })

	const addr = "AA:BB:CC:DD:EE:02"
	drv.events.OnDeviceConnected(addr, driver.RoleCentral)
	waitFor(t, time.Second, func() bool {
		drv.mu.Lock()
		defer drv.mu.Unlock()
		return len(drv.writtenValues) == 1
	})
	drv.events.OnMTUNegotiated(addr, 100)

	drv.events.OnDeviceDisconnected(addr)

	if _, ok := tr.reg.IdentityFor(addr); ok {
		t.Fatalf("identity mapping should be gone after disconnect")
	}
	if tr.reg.IsInFlight(addr) {
		t.Fatalf("in-flight set should not contain a disconnected address")
	}
}

func TestConnectFailureBlacklistsAfterThreeAttempts(t *testing.T) {
	drv := newFakeDriver()
	drv.connectErr = errors.New("simulated radio failure")
	host := &fakeHost{}
	host.publish([identity.Size]byte{1})

	cfg := config.DefaultConfig()
	cfg.MaxConnectionFailures = 3
	cfg.ConnectionRetryBackoff = 10 * time.Millisecond
	tr := New(cfg, drv, host, nil)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(tr.Detach)

	const addr = "AA:BB:CC:DD:EE:03"
	now := time.Now()
	tr.reg.Touch(addr, "peer", -50, now)

	for i := 0; i < 3; i++ {
		tr.reg.RecordAttempt(addr, now)
		tr.handleConnectFailure(addr, drv.connectErr)
	}

	if !tr.reg.IsBlacklisted(addr, time.Now()) {
		t.Fatalf("expected address to be blacklisted after 3 failures")
	}
}

func TestRSSIFloorRejectsWeakDiscovery(t *testing.T) {
	drv := newFakeDriver()
	host := &fakeHost{}
	host.publish([identity.Size]byte{1})
	tr := newTestTransport(t, drv, host)

	drv.events.OnDeviceDiscovered(driver.Discovered{Address: "AA:BB:CC:DD:EE:04", RSSI: -95})

	peers := tr.reg.Discovered()
	if len(peers) != 0 {
		t.Fatalf("peer below rssi floor should not be tracked, got %d", len(peers))
	}
}

func TestRSSIUnknownSentinelIsAccepted(t *testing.T) {
	drv := newFakeDriver()
	host := &fakeHost{}
	host.publish([identity.Size]byte{1})
	tr := newTestTransport(t, drv, host)

	drv.events.OnDeviceDiscovered(driver.Discovered{Address: "AA:BB:CC:DD:EE:05", RSSI: -127})

	peers := tr.reg.Discovered()
	if len(peers) != 1 {
		t.Fatalf("peer with unknown rssi sentinel should be tracked, got %d", len(peers))
	}
}
