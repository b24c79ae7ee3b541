// Package transport implements the lifecycle controller of spec.md
// §4.5: startup, discovery, both connection-role handshakes, the data
// path, disconnection handling, periodic reapers, and shutdown. It is
// the component the host router attaches to as its BLE mesh interface.
package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rns-go/ble-mesh-adapter/internal/config"
	"github.com/rns-go/ble-mesh-adapter/internal/diag"
	"github.com/rns-go/ble-mesh-adapter/internal/driver"
	"github.com/rns-go/ble-mesh-adapter/internal/identity"
	"github.com/rns-go/ble-mesh-adapter/internal/peerlink"
	"github.com/rns-go/ble-mesh-adapter/internal/policy"
	"github.com/rns-go/ble-mesh-adapter/internal/registry"
	"github.com/rns-go/ble-mesh-adapter/pkg/utils"
)

// identityWaitPoll is the polling interval of the identity-waiter task
// (spec.md §5: "polls host state at 100 ms intervals, no timeout").
const identityWaitPoll = 100 * time.Millisecond

// manufacturerIdentityID is the reserved manufacturer-data id (0xFFFF)
// a fast-discovery identity blob is advertised under (spec.md §4.5).
const manufacturerIdentityID = 0xFFFF

// defaultMTU is the MTU given to a link created before any
// on_mtu_negotiated event has arrived for its address — the
// BLE-mandated minimum ATT MTU. A later on_mtu_negotiated event does
// not change the MTU of a link that already exists.
const defaultMTU = 23

// HostRouter is the mesh stack above this transport (spec.md §1, §4.5
// startup step 3-4, §6 "inbound/outbound/detach"). The transport never
// assumes anything about its internals beyond this surface.
type HostRouter interface {
	// Identity returns the node's published identity, and whether one
	// has been published yet. Polled until it is.
	Identity() (id [identity.Size]byte, ok bool)
	// PruneStaleRoutes removes routing entries whose receiving
	// interface is this transport and are stale, per §4.5 startup
	// step 3 (a workaround for an external persistence bug upstream).
	PruneStaleRoutes(now time.Time)
	// Deliver hands a fully reassembled inbound packet to the host
	// router, tagged with the sending peer's identity hash.
	Deliver(packet []byte, peerIdentityHash string)
}

// Transport is the lifecycle controller and the host-facing adapter
// (spec.md §4.5, §6).
type Transport struct {
	cfg    config.Config
	drv    driver.Driver
	host   HostRouter
	reg    *registry.Registry
	sel    *policy.Selector
	log    logrus.FieldLogger

	localIdentity [identity.Size]byte

	mtuMu sync.Mutex
	mtu   map[string]int

	online atomic.Bool

	// warnThrottle suppresses repeated per-address warning logs (e.g. a
	// flaky peer re-triggering identity conflicts every reconnect) for
	// one minute at a time rather than letting them spam the log.
	warnThrottle *utils.ExpiringSet

	// tracer is non-nil only when cfg.TraceFile is set; every peer link
	// created after Start records its wire frames through it.
	tracer *diag.Tracer

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// warnThrottleTTL and warnThrottleSweep bound how often the same
// address/reason pair can log a warning.
const (
	warnThrottleTTL   = time.Minute
	warnThrottleSweep = 30 * time.Second
)

// New builds a Transport. log may be nil, selecting logrus's standard
// logger.
func New(cfg config.Config, drv driver.Driver, host HostRouter, log logrus.FieldLogger) *Transport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Transport{
		cfg: cfg,
		drv: drv,
		host: host,
		reg: registry.New(cfg.MaxDiscoveredPeers, 0),
		sel: policy.NewSelector(policy.Config{
			MaxConnections:  cfg.MaxConnections,
			MinRSSI:         cfg.MinRSSI,
			MaxFailures:     cfg.MaxConnectionFailures,
			RetryBackoff:    cfg.ConnectionRetryBackoff,
			PerPeerCooldown: 5 * time.Second,
		}, log),
		log:          log.WithField("component", "transport"),
		mtu:          make(map[string]int),
		warnThrottle: utils.NewExpiringSet(warnThrottleTTL, warnThrottleSweep),
		stopCh:       make(chan struct{}),
	}
}

// Start runs the startup sequence of spec.md §4.5.
func (t *Transport) Start(ctx context.Context) error {
	t.online.Store(true)

	if t.cfg.TraceFile != "" {
		tracer, err := diag.Open(t.cfg.TraceFile, t.log)
		if err != nil {
			t.online.Store(false)
			return fmt.Errorf("transport: open trace file: %w", err)
		}
		t.tracer = tracer
	}

	if err := t.drv.Start(ctx, t.cfg.ServiceUUID, t.cfg.RXUUID, t.cfg.TXUUID, t.cfg.IdentityUUID, t); err != nil {
		t.online.Store(false)
		return fmt.Errorf("transport: driver start: %w", err)
	}

	if err := t.drv.SetPowerMode(t.cfg.PowerMode); err != nil {
		t.log.WithError(err).Warn("set power mode failed")
	}

	t.wg.Add(1)
	go t.reaperLoop()

	t.host.PruneStaleRoutes(time.Now())

	t.wg.Add(1)
	go t.identityWaiter(ctx)

	return nil
}

// identityWaiter blocks until the host router publishes an identity,
// then sets it on the driver, computes the advertised device name, and
// starts advertising/scanning per the enabled roles (§4.5 step 4).
func (t *Transport) identityWaiter(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(identityWaitPoll)
	defer ticker.Stop()

	for {
		if id, ok := t.host.Identity(); ok {
			t.localIdentity = id
			break
		}
		select {
		case <-ticker.C:
			continue
		case <-t.stopCh:
			return
		}
	}

	if err := t.drv.SetIdentity(t.localIdentity); err != nil {
		t.log.WithError(err).Error("set identity failed")
		return
	}

	name := t.cfg.DeviceName
	if name == "" {
		name = identity.DeviceName(t.localIdentity)
	}

	if addr, err := t.drv.GetLocalAddress(); err == nil {
		t.reg.SetLocalAddress(addr)
	} else {
		t.log.WithError(err).Warn("could not read local address")
	}

	if t.cfg.EnablePeripheral {
		if err := t.drv.StartAdvertising(name, t.localIdentity); err != nil {
			t.log.WithError(err).Error("start advertising failed")
		}
	}
	if t.cfg.EnableCentral {
		if err := t.drv.StartScanning(); err != nil {
			t.log.WithError(err).Error("start scanning failed")
		}
	}
}

// warnOnce logs msg at Warn level for address/reason at most once per
// warnThrottleTTL, so a peer that keeps tripping the same condition on
// every reconnect attempt does not flood the log.
func (t *Transport) warnOnce(address, reason, msg string) {
	if !t.warnThrottle.Add(address + "/" + reason) {
		return
	}
	t.log.WithField("address", address).Warn(msg)
}

// Online reports whether the transport is running.
func (t *Transport) Online() bool { return t.online.Load() }

// Outbound fans a host packet out to every online link (spec.md §6,
// §4.5 "Data path"). The snapshot is taken under the registry's lock
// and released before any driver call, per the §5 suspension-point
// rule.
func (t *Transport) Outbound(packet []byte) {
	for _, l := range t.reg.Links() {
		link, ok := l.(*peerlink.Link)
		if !ok || !link.Online() {
			continue
		}
		go func(link *peerlink.Link) {
			ctx, cancel := context.WithTimeout(context.Background(), driver.DefaultSendTimeout)
			defer cancel()
			if err := link.Send(ctx, packet); err != nil {
				t.log.WithError(err).WithField("identity_hash", link.IdentityHash()).Warn("outbound send failed")
			}
		}(link)
	}
}

// Inbound satisfies peerlink.Host: a peer link forwards a fully
// reassembled packet here, and it is handed to the host router.
func (t *Transport) Inbound(packet []byte, link *peerlink.Link) {
	t.host.Deliver(packet, link.IdentityHash())
}

// Detach runs the shutdown sequence of spec.md §4.5.
func (t *Transport) Detach() {
	if !t.online.CompareAndSwap(true, false) {
		return
	}

	if t.cfg.EnablePeripheral {
		_ = t.drv.StopAdvertising()
	}
	if t.cfg.EnableCentral {
		_ = t.drv.StopScanning()
	}

	for _, l := range t.reg.Links() {
		link, ok := l.(*peerlink.Link)
		if !ok {
			continue
		}
		if addr, found := t.reg.AddressFor(link.IdentityHash()); found {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			done := make(chan error, 1)
			go func(addr string) { done <- t.drv.Disconnect(addr) }(addr)
			select {
			case err := <-done:
				if err != nil {
					t.log.WithError(err).WithField("address", addr).Warn("disconnect during shutdown failed")
				}
			case <-ctx.Done():
				t.log.WithField("address", addr).Warn("disconnect during shutdown timed out")
			}
			cancel()
		}
		link.Close()
	}

	close(t.stopCh)
	t.wg.Wait()
	t.warnThrottle.Stop()

	if err := t.drv.Stop(); err != nil {
		t.log.WithError(err).Warn("driver stop failed")
	}

	if err := t.tracer.Close(); err != nil {
		t.log.WithError(err).Warn("trace file close failed")
	}
}
