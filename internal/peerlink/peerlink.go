// Package peerlink implements the per-peer duplex channel of spec.md
// §4.6: a fragmenter, a reassembler, and the byte counters for one
// logical peer connection. A Link owns the pieces it is uniquely
// responsible for; it does not own the underlying driver connection
// handle, which remains the driver's responsibility.
package peerlink

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/rns-go/ble-mesh-adapter/internal/diag"
	"github.com/rns-go/ble-mesh-adapter/internal/driver"
	"github.com/rns-go/ble-mesh-adapter/internal/fragment"
)

// Sender is the minimal surface a Link needs from the driver to push
// frames out; it exists so tests can substitute a fake without pulling
// in a full driver.Driver.
type Sender interface {
	Send(ctx context.Context, address string, frame []byte) error
}

// Host receives fully reassembled inbound packets (§4.6
// "process_incoming"). Implemented by the host adapter.
type Host interface {
	Inbound(packet []byte, link *Link)
}

// Link is the core's per-peer duplex channel (§4.5, §4.6).
type Link struct {
	address      string
	name         string
	identity     [16]byte
	identityHash string

	fragmenter  *fragment.Fragmenter
	reassembler *fragment.Reassembler

	sender Sender
	host   Host
	log    logrus.FieldLogger

	// tracer records every wire frame crossing this link when a trace
	// file is configured (internal/diag, SPEC_FULL.md §3); nil when tracing is
	// disabled, in which case every call below is a no-op.
	tracer *diag.Tracer

	mu     sync.Mutex
	online bool

	rxBytes atomic.Uint64
	txBytes atomic.Uint64
}

// New creates a Link for one peer. mtu is the link's negotiated ATT
// MTU (§4.5 step 4: created once on_mtu_negotiated fires). tracer may
// be nil.
func New(address, name string, identity [16]byte, identityHash string, mtu int, sender Sender, host Host, tracer *diag.Tracer, log logrus.FieldLogger) *Link {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Link{
		address:      address,
		name:         name,
		identity:     identity,
		identityHash: identityHash,
		fragmenter:   fragment.NewFragmenter(mtu),
		reassembler:  fragment.NewReassembler(fragment.DefaultReassemblyTimeout),
		sender:       sender,
		host:         host,
		tracer:       tracer,
		log:          log.WithFields(logrus.Fields{"component": "peerlink", "identity_hash": identityHash}),
		online:       true,
	}
}

// IdentityHash satisfies registry.Link.
func (l *Link) IdentityHash() string { return l.identityHash }

// Address returns the peer's current BLE address.
func (l *Link) Address() string { return l.address }

// Online reports whether the link is still accepting sends.
func (l *Link) Online() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.online
}

// Close marks the link offline. Safe to call more than once.
func (l *Link) Close() {
	l.mu.Lock()
	l.online = false
	l.mu.Unlock()
}

// Send fragments packet and transmits each frame via the driver in
// sequence order, never interleaved with another packet to this peer
// (§5 ordering guarantee — guaranteed here simply by Send being
// called synchronously to completion for one packet before the next).
// A transmission error on any frame aborts this packet's send; the
// host router is expected to retry end-to-end.
func (l *Link) Send(ctx context.Context, packet []byte) error {
	if !l.Online() {
		return fmt.Errorf("peerlink: %s is offline", l.identityHash)
	}

	frames, err := l.fragmenter.Fragment(packet)
	if err != nil {
		return fmt.Errorf("peerlink: fragment: %w", err)
	}

	for _, f := range frames {
		wire := f.Encode()
		if err := l.sender.Send(ctx, l.address, wire); err != nil {
			l.log.WithError(err).Warn("send failed, aborting packet")
			return fmt.Errorf("peerlink: send frame %d/%d: %w", f.Sequence, f.Total, err)
		}
		l.tracer.Record(diag.DirectionOutbound, l.identityHash, wire)
		l.txBytes.Add(uint64(len(wire)))
	}
	return nil
}

// ReceiveFrame feeds one inbound wire frame to the reassembler. When a
// packet completes, it is forwarded to the host.
func (l *Link) ReceiveFrame(raw []byte) error {
	l.rxBytes.Add(uint64(len(raw)))
	l.tracer.Record(diag.DirectionInbound, l.identityHash, raw)

	packet, done, err := l.reassembler.Feed(l.identityHash, raw)
	if err != nil {
		l.log.WithError(err).Debug("dropping malformed frame")
		return err
	}
	if !done {
		return nil
	}
	if l.host != nil {
		l.host.Inbound(packet, l)
	}
	return nil
}

// SweepReassembly discards stale partial packets, called from the
// periodic reaper (§4.5).
func (l *Link) SweepReassembly() int {
	return l.reassembler.Sweep()
}

// Stats reports the byte counters and reassembly stats (§4.1, §4.5).
type Stats struct {
	RXBytes     uint64
	TXBytes     uint64
	Reassembler fragment.Stats
}

// Stats returns a snapshot of this link's counters.
func (l *Link) Stats() Stats {
	return Stats{
		RXBytes:     l.rxBytes.Load(),
		TXBytes:     l.txBytes.Load(),
		Reassembler: l.reassembler.Stats(),
	}
}

// driverSender adapts a driver.Driver to the Sender interface used by
// Link so the controller package can hand a Link its driver directly.
type driverSender struct {
	d   driver.Driver
}

func (s driverSender) Send(ctx context.Context, address string, frame []byte) error {
	return s.d.Send(ctx, address, frame)
}

// NewSender wraps a driver.Driver as a Sender.
func NewSender(d driver.Driver) Sender { return driverSender{d: d} }
