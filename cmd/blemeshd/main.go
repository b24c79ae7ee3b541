//go:build linux
// +build linux

// Command blemeshd is a demo wiring of the BLE mesh transport adapter:
// it loads configuration, starts the Linux BlueZ driver, and attaches
// a minimal stand-in host router so the adapter can be exercised
// end-to-end without a full mesh stack above it.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rns-go/ble-mesh-adapter/internal/bluez"
	"github.com/rns-go/ble-mesh-adapter/internal/config"
	"github.com/rns-go/ble-mesh-adapter/internal/identity"
	"github.com/rns-go/ble-mesh-adapter/internal/transport"
)

const appVersion = "0.1.0"

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file (optional)")
		logLevel   = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Parse()

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		log.SetLevel(lvl)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load config failed")
	}

	drv, err := bluez.New(log)
	if err != nil {
		log.WithError(err).Fatal("init bluez driver failed")
	}

	host := newDemoRouter(log)

	tr := transport.New(cfg, drv, host, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tr.Start(ctx); err != nil {
		log.WithError(err).Fatal("start transport failed")
	}

	log.WithFields(logrus.Fields{
		"version":      appVersion,
		"service_uuid": cfg.ServiceUUID,
		"max_conns":    cfg.MaxConnections,
		"min_rssi":     cfg.MinRSSI,
		"power_mode":   cfg.PowerMode,
	}).Info("blemeshd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()
	tr.Detach()
	log.Info("blemeshd stopped")
}

// demoRouter is a minimal transport.HostRouter: it mints a random
// identity when constructed and logs every inbound packet
// instead of forwarding it into a real mesh routing table, which is
// out of scope for this adapter (spec.md §1 Non-goals).
type demoRouter struct {
	log logrus.FieldLogger

	mu sync.Mutex
	id [identity.Size]byte
}

func newDemoRouter(log logrus.FieldLogger) *demoRouter {
	r := &demoRouter{log: log.WithField("component", "demo-router")}
	if _, err := rand.Read(r.id[:]); err != nil {
		// crypto/rand failure is effectively unrecoverable on any
		// platform this binary targets; fall back to a time-derived
		// value rather than advertising an all-zero identity forever.
		for i := range r.id {
			r.id[i] = byte(time.Now().UnixNano() >> uint(i%8*8))
		}
	}
	return r
}

func (r *demoRouter) Identity() ([identity.Size]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id, true
}

func (r *demoRouter) PruneStaleRoutes(now time.Time) {
	// No persisted routing table in this demo; nothing to prune.
}

func (r *demoRouter) Deliver(packet []byte, peerIdentityHash string) {
	r.log.WithFields(logrus.Fields{
		"from":  peerIdentityHash,
		"bytes": len(packet),
	}).Info(fmt.Sprintf("received %d bytes", len(packet)))
}
