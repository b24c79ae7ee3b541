// Package fragment implements the MTU-adaptive fragmentation and
// reassembly codec that turns opaque mesh packets into BLE frames and
// back.
package fragment

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame types, per the wire format in spec.md §6.
const (
	TypeStart    uint8 = 0x01
	TypeContinue uint8 = 0x02
	TypeEnd      uint8 = 0x03
)

// HeaderSize is the fixed 5-byte frame header: type(1) + sequence(2) + total(2).
const HeaderSize = 5

var (
	// ErrEmptyPacket is returned when Fragment is asked to split a zero-length packet.
	ErrEmptyPacket = errors.New("fragment: empty packet")
	// ErrInvalidInput is returned when Fragment is given a nil packet.
	ErrInvalidInput = errors.New("fragment: invalid input")
	// ErrMalformedFrame is returned by the reassembler for frames shorter than the header.
	ErrMalformedFrame = errors.New("fragment: malformed frame")
)

// Frame is one MTU-sized wire unit: a 5-byte header plus payload.
type Frame struct {
	Type     uint8
	Sequence uint16
	Total    uint16
	Payload  []byte
}

// Encode renders a Frame into its wire representation.
func (f Frame) Encode() []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = f.Type
	binary.BigEndian.PutUint16(buf[1:3], f.Sequence)
	binary.BigEndian.PutUint16(buf[3:5], f.Total)
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// DecodeFrame parses a wire frame. It rejects anything shorter than
// the 5-byte header with ErrMalformedFrame.
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(raw))
	}
	return Frame{
		Type:     raw[0],
		Sequence: binary.BigEndian.Uint16(raw[1:3]),
		Total:    binary.BigEndian.Uint16(raw[3:5]),
		Payload:  raw[HeaderSize:],
	}, nil
}

// Fragmenter splits outbound packets into MTU-sized frames.
type Fragmenter struct {
	mtu int
}

// NewFragmenter configures a Fragmenter for a given link MTU (§4.1).
// The MTU must be at least HeaderSize+1; the caller is expected to
// have already negotiated it with the driver.
func NewFragmenter(mtu int) *Fragmenter {
	return &Fragmenter{mtu: mtu}
}

// Fragment splits packet into an ordered sequence of frames whose
// length never exceeds the configured MTU.
func (fr *Fragmenter) Fragment(packet []byte) ([]Frame, error) {
	if packet == nil {
		return nil, ErrInvalidInput
	}
	if len(packet) == 0 {
		return nil, ErrEmptyPacket
	}

	payloadBudget := fr.mtu - HeaderSize
	if payloadBudget < 1 {
		return nil, fmt.Errorf("fragment: mtu %d too small for header", fr.mtu)
	}

	n := (len(packet) + payloadBudget - 1) / payloadBudget
	frames := make([]Frame, 0, n)
	for i := 0; i < n; i++ {
		start := i * payloadBudget
		end := start + payloadBudget
		if end > len(packet) {
			end = len(packet)
		}

		ftype := TypeContinue
		switch {
		case n == 1:
			ftype = TypeEnd
		case i == 0:
			ftype = TypeStart
		case i == n-1:
			ftype = TypeEnd
		}

		frames = append(frames, Frame{
			Type:     ftype,
			Sequence: uint16(i),
			Total:    uint16(n),
			Payload:  packet[start:end],
		})
	}
	return frames, nil
}

// pendingPacket holds partial reassembly state for one logical packet
// from one sender.
type pendingPacket struct {
	total     int
	slots     [][]byte
	filled    int
	updatedAt int64 // unix nanos, injected by caller via Now()
}

// Stats mirrors the counters exported by §4.1.
type Stats struct {
	FragmentsReceived  uint64
	PacketsReassembled uint64
	PacketsTimeout     uint64
	PendingPackets     int
}
