package fragment

import (
	"sync"
	"time"
)

// DefaultReassemblyTimeout is the default abandon window for a
// partially received packet (§4.1: default 30s).
const DefaultReassemblyTimeout = 30 * time.Second

// Reassembler reconstructs packets from out-of-order frames, keyed by
// an opaque sender key (the fragmenter key derived from peer
// identity, §4.3).
type Reassembler struct {
	mu      sync.Mutex
	timeout time.Duration
	now     func() time.Time

	pending map[string]*pendingPacket
	stats   Stats
}

// NewReassembler creates a Reassembler with the given abandon timeout.
// A zero timeout selects DefaultReassemblyTimeout.
func NewReassembler(timeout time.Duration) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultReassemblyTimeout
	}
	return &Reassembler{
		timeout: timeout,
		now:     time.Now,
		pending: make(map[string]*pendingPacket),
	}
}

// Feed delivers one received frame for sender. It returns the
// reassembled packet and true once all of a packet's frames have
// arrived; otherwise it returns nil, false. Frames may arrive in any
// order, and a repeated CONTINUE or END sequence number overwrites its
// slot idempotently. A START frame for a sender that already has a
// partial buffer (including a repeated START) discards that buffer,
// counting it in PacketsTimeout, and begins a new one.
func (r *Reassembler) Feed(sender string, raw []byte) ([]byte, bool, error) {
	frame, err := DecodeFrame(raw)
	if err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.FragmentsReceived++

	if frame.Total <= 1 {
		// Single-frame packet: nothing to buffer.
		r.stats.PacketsReassembled++
		return append([]byte(nil), frame.Payload...), true, nil
	}

	pp, ok := r.pending[sender]
	if ok && frame.Type == TypeStart {
		// A START begins a new buffer with capacity total (§4.1), even
		// if a previous partial for this sender was never completed —
		// discard it rather than merge frames from two packets.
		r.stats.PacketsTimeout++
		delete(r.pending, sender)
		ok = false
	}
	if !ok {
		pp = &pendingPacket{
			total: int(frame.Total),
			slots: make([][]byte, frame.Total),
		}
		r.pending[sender] = pp
	}

	if int(frame.Sequence) < len(pp.slots) {
		if pp.slots[frame.Sequence] == nil {
			pp.filled++
		}
		pp.slots[frame.Sequence] = append([]byte(nil), frame.Payload...)
	}
	pp.updatedAt = r.now().UnixNano()

	if pp.filled < pp.total {
		return nil, false, nil
	}

	size := 0
	for _, s := range pp.slots {
		size += len(s)
	}
	out := make([]byte, 0, size)
	for _, s := range pp.slots {
		out = append(out, s...)
	}

	delete(r.pending, sender)
	r.stats.PacketsReassembled++
	return out, true, nil
}

// Sweep discards any buffer whose last update is older than the
// configured timeout, incrementing PacketsTimeout once per discard.
// Intended to be called from the periodic reaper (§4.5, §5).
func (r *Reassembler) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.timeout).UnixNano()
	discarded := 0
	for key, pp := range r.pending {
		if pp.updatedAt < cutoff {
			delete(r.pending, key)
			r.stats.PacketsTimeout++
			discarded++
		}
	}
	return discarded
}

// Forget drops any partial buffer for sender without counting it as a
// timeout. Used on disconnect (§4.5 invariant 6).
func (r *Reassembler) Forget(sender string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, sender)
}

// Stats returns a snapshot of the reassembler's counters.
func (r *Reassembler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.PendingPackets = len(r.pending)
	return s
}

// SetClock overrides the reassembler's notion of "now". Exposed for
// tests that exercise the timeout sweep deterministically (S6).
func (r *Reassembler) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}
