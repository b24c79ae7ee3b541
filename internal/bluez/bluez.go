//go:build linux
// +build linux

// Package bluez is the Linux driver.Driver implementation: a BlueZ
// GATT client and server over D-Bus.
package bluez

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/muka/go-bluetooth/api"
	"github.com/muka/go-bluetooth/api/service"
	"github.com/muka/go-bluetooth/bluez/profile/adapter"
	"github.com/muka/go-bluetooth/bluez/profile/advertising"
	"github.com/muka/go-bluetooth/bluez/profile/device"
	"github.com/muka/go-bluetooth/bluez/profile/gatt"
	"github.com/sirupsen/logrus"

	"github.com/rns-go/ble-mesh-adapter/internal/driver"
)

// notificationRetryDelays is the back-off schedule for notification
// setup attempts (spec.md §7: "up to three attempts, 0.2/0.5/1.0 s").
var notificationRetryDelays = []time.Duration{200 * time.Millisecond, 500 * time.Millisecond, time.Second}

// Driver is the BlueZ-backed driver.Driver.
type Driver struct {
	log logrus.FieldLogger

	adp   *adapter.Adapter1
	adMgr *advertising.LEAdvertisingManager1

	mu           sync.RWMutex
	devices      map[string]*device.Device1
	discoverCancel func()

	gattApp      *service.App
	rxChar       *service.Char
	txChar       *service.Char
	identityChar *service.Char
	localIdentity [16]byte

	// remoteRXUUID is the RX characteristic UUID passed to Start. A
	// central-role Send writes frames into this characteristic on the
	// peer's GATT server, which advertises the same service/RX/TX/
	// identity UUID set as this side (spec.md §4.2).
	remoteRXUUID string

	advertisementID dbus.ObjectPath
	cleanupAdvertisement func()

	events driver.Events
}

// New constructs a Linux BlueZ driver against the default adapter.
func New(log logrus.FieldLogger) (*Driver, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	a, err := api.GetDefaultAdapter()
	if err != nil {
		return nil, fmt.Errorf("bluez: %w: %v", driver.ErrAdapterUnavailable, err)
	}
	if powered, err := a.GetPowered(); err != nil {
		return nil, fmt.Errorf("bluez: %w: %v", driver.ErrAdapterError, err)
	} else if !powered {
		if err := a.SetPowered(true); err != nil {
			return nil, fmt.Errorf("bluez: %w: %v", driver.ErrAdapterUnavailable, err)
		}
	}
	adMgr, err := advertising.NewLEAdvertisingManager1(a.Path())
	if err != nil {
		return nil, fmt.Errorf("bluez: %w: %v", driver.ErrAdapterError, err)
	}
	return &Driver{
		log:     log.WithField("component", "bluez"),
		adp:     a,
		adMgr:   adMgr,
		devices: make(map[string]*device.Device1),
	}, nil
}

// Start registers the local GATT service (RX/TX/identity characteristics)
// and begins delivering driver events (spec.md §4.2, §6).
func (d *Driver) Start(ctx context.Context, serviceUUID, rxUUID, txUUID, identityUUID string, events driver.Events) error {
	d.events = events
	d.remoteRXUUID = rxUUID

	appConfig := &service.AppOptions{
		AdapterID: d.adp.Properties.Address,
	}
	app, err := service.NewApp(*appConfig)
	if err != nil {
		return fmt.Errorf("bluez: %w: %v", driver.ErrServiceNotFound, err)
	}
	d.gattApp = app

	svc, err := app.NewService(serviceUUID)
	if err != nil {
		return fmt.Errorf("bluez: %w: %v", driver.ErrServiceNotFound, err)
	}
	if err := app.AddService(svc); err != nil {
		return fmt.Errorf("bluez: %w: %v", driver.ErrServiceNotFound, err)
	}

	rx, err := svc.NewChar(rxUUID)
	if err != nil {
		return fmt.Errorf("bluez: %w: %v", driver.ErrNotificationSetupFailed, err)
	}
	rx.Properties.Flags = []string{gatt.FlagCharacteristicWrite, gatt.FlagCharacteristicWriteWithoutResponse}
	rx.OnWrite(d.handleRXWrite)
	if err := svc.AddChar(rx); err != nil {
		return fmt.Errorf("bluez: %w: %v", driver.ErrNotificationSetupFailed, err)
	}
	d.rxChar = rx

	tx, err := svc.NewChar(txUUID)
	if err != nil {
		return fmt.Errorf("bluez: %w: %v", driver.ErrNotificationSetupFailed, err)
	}
	tx.Properties.Flags = []string{gatt.FlagCharacteristicNotify}
	if err := svc.AddChar(tx); err != nil {
		return fmt.Errorf("bluez: %w: %v", driver.ErrNotificationSetupFailed, err)
	}
	d.txChar = tx

	id, err := svc.NewChar(identityUUID)
	if err != nil {
		return fmt.Errorf("bluez: %w: %v", driver.ErrNotificationSetupFailed, err)
	}
	id.Properties.Flags = []string{gatt.FlagCharacteristicRead}
	id.OnRead(d.handleIdentityRead)
	if err := svc.AddChar(id); err != nil {
		return fmt.Errorf("bluez: %w: %v", driver.ErrNotificationSetupFailed, err)
	}
	d.identityChar = id

	if err := app.Run(); err != nil {
		return fmt.Errorf("bluez: %w: %v", driver.ErrServiceNotFound, err)
	}
	return nil
}

func (d *Driver) Stop() error {
	if d.gattApp != nil {
		d.gattApp.Close()
	}
	return nil
}

func (d *Driver) SetIdentity(identity [16]byte) error {
	d.mu.Lock()
	d.localIdentity = identity
	d.mu.Unlock()
	return nil
}

func (d *Driver) SetPowerMode(mode driver.PowerMode) error {
	// BlueZ exposes no duty-cycle knob directly; this only sets an LE
	// discovery filter whose DuplicateData flag is on for aggressive and
	// off for saver (balanced keeps the filter's default). Scan window
	// and interval are not changed.
	filter := adapter.NewDiscoveryFilter()
	filter.Transport = "le"
	switch mode {
	case driver.PowerAggressive:
		filter.DuplicateData = true
	case driver.PowerSaver:
		filter.DuplicateData = false
	}
	if err := d.adp.SetDiscoveryFilter(filter.ToMap()); err != nil {
		return fmt.Errorf("bluez: %w: %v", driver.ErrAdapterError, err)
	}
	return nil
}

func (d *Driver) StartScanning() error {
	discovery, cancel, err := api.Discover(d.adp, nil)
	if err != nil {
		return fmt.Errorf("bluez: %w: %v", driver.ErrAdapterError, err)
	}
	d.mu.Lock()
	d.discoverCancel = cancel
	d.mu.Unlock()

	go d.pumpDiscoveryEvents(discovery)
	return nil
}

func (d *Driver) pumpDiscoveryEvents(discovery chan *adapter.DeviceDiscovered) {
	for ev := range discovery {
		if ev.Type == adapter.DeviceRemoved {
			d.mu.Lock()
			delete(d.devices, string(ev.Path))
			d.mu.Unlock()
			continue
		}
		if ev.Type != adapter.DeviceAdded {
			continue
		}
		dev, err := device.NewDevice1(ev.Path)
		if err != nil {
			d.log.WithError(err).Debug("could not load discovered device object")
			continue
		}
		d.mu.Lock()
		d.devices[string(ev.Path)] = dev
		d.mu.Unlock()

		if d.events != nil {
			d.events.OnDeviceDiscovered(toDiscovered(dev))
		}
		go d.watchConnection(dev)
	}
}

func toDiscovered(dev *device.Device1) driver.Discovered {
	name, _ := dev.GetName()
	addr, _ := dev.GetAddress()
	rssi, err := dev.GetRSSI()
	if err != nil {
		rssi = -127
	}
	uuids, _ := dev.GetUUIDs()
	return driver.Discovered{
		Address:      addr,
		Name:         name,
		RSSI:         int(rssi),
		ServiceUUIDs: uuids,
		// ManufacturerData requires a ManufacturerData1 property read;
		// left empty here, the name/service-UUID paths remain primary.
		ManufacturerData: map[uint16][]byte{},
	}
}

func (d *Driver) watchConnection(dev *device.Device1) {
	connected, err := dev.GetConnected()
	if err != nil || !connected {
		return
	}
	addr, _ := dev.GetAddress()
	if d.events != nil {
		d.events.OnDeviceConnected(addr, driver.RoleCentral)
	}
}

func (d *Driver) StopScanning() error {
	d.mu.Lock()
	cancel := d.discoverCancel
	d.discoverCancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return d.adp.StopDiscovery()
}

func (d *Driver) StartAdvertising(deviceName string, identity [16]byte) error {
	props := &advertising.LEAdvertisement1Properties{
		Type:         advertising.AdvertisementTypePeripheral,
		LocalName:    deviceName,
		ServiceUUIDs: []string{},
		ManufacturerData: map[uint16]interface{}{
			0xFFFF: identity[:],
		},
		Includes: []string{advertising.SupportedIncludesTxPower},
	}
	cleanup, err := api.ExposeAdvertisement(d.adp.Properties.Address, props, 0)
	if err != nil {
		return fmt.Errorf("bluez: %w: %v", driver.ErrAdapterError, err)
	}
	d.cleanupAdvertisement = cleanup
	return nil
}

func (d *Driver) StopAdvertising() error {
	if d.cleanupAdvertisement != nil {
		d.cleanupAdvertisement()
		d.cleanupAdvertisement = nil
	}
	return nil
}

func (d *Driver) Connect(ctx context.Context, address string) error {
	dev, ok := d.deviceByAddress(address)
	if !ok {
		return fmt.Errorf("bluez: %w: %s", driver.ErrAdapterError, address)
	}
	done := make(chan error, 1)
	go func() { done <- dev.Connect() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("bluez: %w: %v", driver.ErrConnectTimeout, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bluez: %w", driver.ErrConnectTimeout)
	}
}

func (d *Driver) Disconnect(address string) error {
	dev, ok := d.deviceByAddress(address)
	if !ok {
		return nil
	}
	return dev.Disconnect()
}

func (d *Driver) Send(ctx context.Context, address string, frame []byte) error {
	dev, ok := d.deviceByAddress(address)
	if !ok {
		return fmt.Errorf("bluez: %w: %s", driver.ErrAdapterError, address)
	}
	role, _ := d.GetPeerRole(address)
	if role == driver.RolePeripheral {
		// We are peripheral for this link: push via TX notify.
		if d.txChar == nil {
			return fmt.Errorf("bluez: %w", driver.ErrNotificationSetupFailed)
		}
		return d.notifyWithRetry(frame)
	}
	// We are central: write to the peer's RX characteristic.
	return d.writeRemoteCharacteristic(ctx, dev, d.remoteRXUUID, frame)
}

func (d *Driver) notifyWithRetry(value []byte) error {
	var lastErr error
	for i, delay := range notificationRetryDelays {
		if err := d.txChar.WriteValue(value, nil); err != nil {
			lastErr = err
			d.log.WithError(err).WithField("attempt", i+1).Debug("notify attempt failed")
			time.Sleep(delay)
			continue
		}
		return nil
	}
	return fmt.Errorf("bluez: %w: %v", driver.ErrNotificationSetupFailed, lastErr)
}

func (d *Driver) writeRemoteCharacteristic(ctx context.Context, dev *device.Device1, uuid string, value []byte) error {
	return d.WriteCharacteristic(ctx, mustAddress(dev), uuid, value)
}

func mustAddress(dev *device.Device1) string {
	addr, _ := dev.GetAddress()
	return addr
}

func (d *Driver) ReadCharacteristic(ctx context.Context, address, charUUID string) ([]byte, error) {
	dev, ok := d.deviceByAddress(address)
	if !ok {
		return nil, fmt.Errorf("bluez: %w: %s", driver.ErrAdapterError, address)
	}
	ch, err := findCharacteristic(dev, charUUID)
	if err != nil {
		return nil, fmt.Errorf("bluez: %w: %v", driver.ErrIdentityReadFailed, err)
	}
	return ch.ReadValue(nil)
}

func (d *Driver) WriteCharacteristic(ctx context.Context, address, charUUID string, value []byte) error {
	dev, ok := d.deviceByAddress(address)
	if !ok {
		return fmt.Errorf("bluez: %w: %s", driver.ErrAdapterError, address)
	}
	ch, err := findCharacteristic(dev, charUUID)
	if err != nil {
		return fmt.Errorf("bluez: %w: %v", driver.ErrNotificationSetupFailed, err)
	}
	return ch.WriteValue(value, nil)
}

func (d *Driver) GetLocalAddress() (string, error) {
	return d.adp.GetAddress()
}

func (d *Driver) GetPeerRole(address string) (driver.Role, error) {
	// BlueZ does not expose a direct "who initiated" flag once
	// connected; a device object reachable via adapter discovery that
	// we connected to ourselves is central, everything else observed
	// only through a GATT server callback is peripheral.
	if _, known := d.deviceByAddress(address); known {
		return driver.RoleCentral, nil
	}
	return driver.RolePeripheral, nil
}

// ForgetDevice removes BlueZ's persisted org.bluez.Device1 object for
// address, the D-Bus analogue of spec.md §4.4's "ask the driver to
// remove any persisted platform-side state" and the reaper's stale
// D-Bus device pruning (SPEC_FULL.md §4).
func (d *Driver) ForgetDevice(address string) error {
	dev, ok := d.deviceByAddress(address)
	if !ok {
		return nil
	}
	if err := d.adp.RemoveDevice(dev.Path()); err != nil {
		return fmt.Errorf("bluez: %w: %v", driver.ErrAdapterError, err)
	}
	d.mu.Lock()
	delete(d.devices, string(dev.Path()))
	d.mu.Unlock()
	return nil
}

func (d *Driver) deviceByAddress(address string) (*device.Device1, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, dev := range d.devices {
		if addr, err := dev.GetAddress(); err == nil && addr == address {
			return dev, true
		}
	}
	return nil, false
}

func findCharacteristic(dev *device.Device1, charUUID string) (*gatt.GattCharacteristic1, error) {
	chars, err := dev.GetCharacteristics()
	if err != nil {
		return nil, err
	}
	for _, ch := range chars {
		if uuidsEqual(ch.Properties.UUID, charUUID) {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("characteristic %s not found", charUUID)
}

func uuidsEqual(a, b string) bool {
	pa, errA := uuid.Parse(a)
	pb, errB := uuid.Parse(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return pa == pb
}

func (d *Driver) handleRXWrite(c *service.Char, value []byte) ([]byte, error) {
	if d.events == nil {
		return nil, nil
	}
	address := c.GetPeerAddress()
	d.events.OnDataReceived(address, value)
	return nil, nil
}

func (d *Driver) handleIdentityRead(c *service.Char, options map[string]interface{}) ([]byte, error) {
	d.mu.RLock()
	id := d.localIdentity
	d.mu.RUnlock()
	out := make([]byte, 16)
	copy(out, id[:])
	return out, nil
}
