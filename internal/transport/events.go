package transport

import (
	"context"
	"time"

	"github.com/rns-go/ble-mesh-adapter/internal/driver"
	"github.com/rns-go/ble-mesh-adapter/internal/identity"
	"github.com/rns-go/ble-mesh-adapter/internal/peerlink"
	"github.com/rns-go/ble-mesh-adapter/internal/policy"
)

// OnDeviceDiscovered implements driver.Events (§4.5 "Discovery").
func (t *Transport) OnDeviceDiscovered(d driver.Discovered) {
	now := time.Now()

	if !policy.PassesRSSIFloor(d.RSSI, t.cfg.MinRSSI) {
		return
	}

	t.reg.Touch(d.Address, d.Name, d.RSSI, now)

	if id, ok := t.preAdvertisedIdentity(d); ok {
		hash := identity.Hash(id)
		if ok := t.reg.BindIdentity(d.Address, id, hash); !ok {
			t.warnOnce(d.Address, "identity-conflict", "discovered identity conflicts with an existing binding")
		}
	} else if id, ok := identity.ParseDeviceName(d.Name); ok {
		if d.Name != t.advertisedName() {
			hash := identity.Hash(id)
			if ok := t.reg.BindIdentity(d.Address, id, hash); !ok {
				t.warnOnce(d.Address, "identity-conflict", "name-derived identity conflicts with an existing binding")
			}
		}
	}

	t.runSelection(now)
}

// advertisedName returns the device name this adapter is itself
// advertising, used to reject self-discovery via the name fallback.
func (t *Transport) advertisedName() string {
	if t.cfg.DeviceName != "" {
		return t.cfg.DeviceName
	}
	return identity.DeviceName(t.localIdentity)
}

// preAdvertisedIdentity extracts a peer identity from the reserved
// manufacturer-data blob, when the device also advertises the
// configured service UUID (§4.5 "Discovery"). The service UUID alone
// carries no identity bytes; it only confirms the device is running
// this mesh service before the (optional) fast-discovery blob is
// trusted.
func (t *Transport) preAdvertisedIdentity(d driver.Discovered) (id [identity.Size]byte, ok bool) {
	hasServiceUUID := false
	for _, u := range d.ServiceUUIDs {
		if u == t.cfg.ServiceUUID {
			hasServiceUUID = true
			break
		}
	}
	if !hasServiceUUID {
		return id, false
	}
	blob, hasBlob := d.ManufacturerData[manufacturerIdentityID]
	if !hasBlob || len(blob) != identity.Size {
		return id, false
	}
	copy(id[:], blob)
	return id, true
}

// runSelection applies §4.4 selection and initiates connects to every
// winner, recording the attempt before the (blocking) driver call so a
// re-entrant discovery cannot re-select the same peer.
func (t *Transport) runSelection(now time.Time) {
	for _, address := range t.sel.Select(t.reg, now) {
		t.reg.RecordAttempt(address, now)
		go t.connectTo(address)
	}
}

// connectTo drives one connect attempt, transiently boosting the radio
// to aggressive power for its duration when the configured mode is
// balanced, mirroring the original implementation's
// adjust-power-for-connection behavior (SPEC_FULL.md §4).
func (t *Transport) connectTo(address string) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ConnectionTimeout)
	defer cancel()

	restore := t.bumpPowerForConnect()
	defer restore()

	if err := t.drv.Connect(ctx, address); err != nil {
		t.handleConnectFailure(address, err)
	}
}

// bumpPowerForConnect raises the driver to aggressive power when the
// configured mode is balanced, and returns a func that restores the
// configured mode. It is a no-op (returning a no-op restore) for any
// other configured mode, since aggressive and saver are both explicit
// operator choices this transport should not override.
func (t *Transport) bumpPowerForConnect() func() {
	if t.cfg.PowerMode != driver.PowerBalanced {
		return func() {}
	}
	if err := t.drv.SetPowerMode(driver.PowerAggressive); err != nil {
		t.log.WithError(err).Debug("transient aggressive power bump failed")
		return func() {}
	}
	return func() {
		if err := t.drv.SetPowerMode(driver.PowerBalanced); err != nil {
			t.log.WithError(err).Debug("power mode restore after connect failed")
		}
	}
}

func (t *Transport) handleConnectFailure(address string, err error) {
	now := time.Now()
	failures := t.reg.RecordFailure(address, now)
	t.log.WithError(err).WithField("address", address).Debug("connect attempt failed")

	dur := policy.BlacklistDuration(policy.Config{
		MaxFailures:  t.cfg.MaxConnectionFailures,
		RetryBackoff: t.cfg.ConnectionRetryBackoff,
	}, failures)
	if dur > 0 {
		t.reg.Blacklist(address, now.Add(dur), failures)
		if fgErr := t.drv.ForgetDevice(address); fgErr != nil {
			t.log.WithError(fgErr).WithField("address", address).Debug("forget device failed")
		}
	}
}

// OnDeviceConnected implements driver.Events. The central-role path
// reads the peer's identity and writes our own; the peripheral-role
// path waits for the first 16-byte write instead (§4.5).
func (t *Transport) OnDeviceConnected(address string, role driver.Role) {
	if role != driver.RoleCentral {
		return
	}
	go t.centralHandshake(address)
}

func (t *Transport) centralHandshake(address string) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ConnectionTimeout)
	defer cancel()

	raw, err := t.drv.ReadCharacteristic(ctx, address, t.cfg.IdentityUUID)
	if err != nil || len(raw) != identity.Size {
		t.log.WithError(err).WithField("address", address).Warn("identity read failed, aborting peer link")
		t.reg.ClearInFlight(address)
		_ = t.drv.Disconnect(address)
		return
	}

	var id [identity.Size]byte
	copy(id[:], raw)
	hash := identity.Hash(id)
	if ok := t.reg.BindIdentity(address, id, hash); !ok {
		t.warnOnce(address, "identity-conflict", "central identity conflicts with an existing binding")
	}

	if err := t.drv.WriteCharacteristic(ctx, address, t.cfg.RXUUID, t.localIdentity[:]); err != nil {
		t.log.WithError(err).WithField("address", address).Warn("identity write failed")
	}

	t.reg.RecordSuccess(address)
}

// OnMTUNegotiated implements driver.Events (§4.5 central step 4): once
// the MTU is known, the peer link is created.
func (t *Transport) OnMTUNegotiated(address string, mtu int) {
	t.mtuMu.Lock()
	t.mtu[address] = mtu
	t.mtuMu.Unlock()

	id, ok := t.reg.IdentityFor(address)
	if !ok {
		return // peripheral path: identity not bound until the handshake write arrives
	}
	t.ensureLink(address, id, mtu)
}

func (t *Transport) ensureLink(address string, id [identity.Size]byte, mtu int) {
	hash := identity.Hash(id)
	if _, exists := t.reg.Link(hash); exists {
		return
	}
	link := peerlink.New(address, "", id, hash, mtu, peerlink.NewSender(t.drv), t, t.tracer, t.log)
	t.reg.PutLink(hash, link)
}

// OnDataReceived implements driver.Events (§4.5 peripheral handshake
// and the inbound data path).
func (t *Transport) OnDataReceived(address string, data []byte) {
	if len(data) == identity.Size && !t.reg.HasIdentity(address) {
		t.peripheralHandshake(address, data)
		return
	}

	id, ok := t.reg.IdentityFor(address)
	if !ok {
		t.log.WithField("address", address).Debug("data from peer with no bound identity, dropping")
		return
	}
	hash := identity.Hash(id)
	link, ok := t.reg.Link(hash)
	if !ok {
		t.log.WithField("address", address).Debug("data for peer with no link yet, dropping")
		return
	}
	pl, ok := link.(*peerlink.Link)
	if !ok {
		return
	}
	if err := pl.ReceiveFrame(data); err != nil {
		t.log.WithError(err).WithField("address", address).Debug("malformed inbound frame")
	}
}

func (t *Transport) peripheralHandshake(address string, data []byte) {
	var id [identity.Size]byte
	copy(id[:], data)
	hash := identity.Hash(id)

	if ok := t.reg.BindIdentity(address, id, hash); !ok {
		t.warnOnce(address, "identity-conflict", "peripheral identity conflicts with an existing binding")
		return
	}

	mtu := defaultMTU
	t.mtuMu.Lock()
	if m, ok := t.mtu[address]; ok {
		mtu = m
	}
	t.mtuMu.Unlock()

	t.ensureLink(address, id, mtu)
	t.reg.RecordSuccess(address)
}

// OnDeviceDisconnected implements driver.Events (§4.5 "Disconnection").
// Idempotent under repeated delivery.
func (t *Transport) OnDeviceDisconnected(address string) {
	t.reg.ClearInFlight(address)

	_, link, found := t.reg.UnbindIdentity(address)
	if found && link != nil {
		link.Close()
	}

	t.mtuMu.Lock()
	delete(t.mtu, address)
	t.mtuMu.Unlock()

	if err := t.drv.ForgetDevice(address); err != nil {
		t.log.WithError(err).WithField("address", address).Debug("forget device on disconnect failed")
	}
}

// OnError implements driver.Events (§7): every driver fault is logged
// through the side channel, never propagated to the host router.
func (t *Transport) OnError(severity driver.Severity, message string, cause error) {
	entry := t.log.WithField("cause", cause)
	switch severity {
	case driver.SeverityFatal:
		entry.WithField("severity", "fatal").Error(message)
		t.online.Store(false)
	case driver.SeverityError:
		entry.WithField("severity", "error").Error(message)
	default:
		entry.WithField("severity", "warning").Warn(message)
	}
}
