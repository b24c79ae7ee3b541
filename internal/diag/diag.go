// Package diag is a debug-only frame trace dump: every fragment frame
// that crosses the transport is appended, lz4-compressed, to a trace
// file on disk for offline inspection (spec.md §7: "diagnostic output
// is limited to the logging system" describes the steady-state path;
// this is the opt-in capture path for reproducing a failure after the
// fact). Disabled by default; a nil *Tracer is always safe to call.
package diag

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/sirupsen/logrus"
)

// Direction distinguishes an outbound frame from an inbound one in the
// trace record.
type Direction uint8

const (
	DirectionOutbound Direction = iota
	DirectionInbound
)

func (d Direction) String() string {
	if d == DirectionInbound {
		return "in"
	}
	return "out"
}

// recordHeader is the on-disk framing for one trace entry, written
// before each lz4-compressed frame payload: direction, a Unix-nano
// timestamp, the peer identity hash length, and the compressed and
// original payload lengths.
type recordHeader struct {
	Direction      uint8
	TimestampUnixN int64
	HashLen        uint16
	CompressedLen  uint32
	OriginalLen    uint32
}

const headerSize = 1 + 8 + 2 + 4 + 4

// Tracer appends frame records to a single trace file. All writes are
// serialized; it is safe for concurrent use across peer links.
type Tracer struct {
	mu  sync.Mutex
	f   *os.File
	log logrus.FieldLogger
}

// Open creates (or truncates) a trace file at path. A nil *Tracer
// (e.g. when tracing is disabled in config) makes every method below
// a no-op, so callers never need a separate enabled check.
func Open(path string, log logrus.FieldLogger) (*Tracer, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("diag: open trace file: %w", err)
	}
	return &Tracer{f: f, log: log.WithField("component", "diag")}, nil
}

// Record appends one frame to the trace, compressing its payload with
// lz4 so a long-running capture does not grow unbounded on disk.
func (t *Tracer) Record(dir Direction, identityHash string, frame []byte) {
	if t == nil {
		return
	}

	var compressed bytes.Buffer
	zw := lz4.NewWriter(&compressed)
	if _, err := zw.Write(frame); err != nil {
		t.log.WithError(err).Debug("trace frame compression failed")
		return
	}
	if err := zw.Close(); err != nil {
		t.log.WithError(err).Debug("trace frame compression close failed")
		return
	}

	hdr := recordHeader{
		Direction:      uint8(dir),
		TimestampUnixN: time.Now().UnixNano(),
		HashLen:        uint16(len(identityHash)),
		CompressedLen:  uint32(compressed.Len()),
		OriginalLen:    uint32(len(frame)),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := writeHeader(t.f, hdr); err != nil {
		t.log.WithError(err).Warn("trace header write failed")
		return
	}
	if _, err := t.f.WriteString(identityHash); err != nil {
		t.log.WithError(err).Warn("trace identity write failed")
		return
	}
	if _, err := t.f.Write(compressed.Bytes()); err != nil {
		t.log.WithError(err).Warn("trace payload write failed")
	}
}

// Close flushes and closes the underlying trace file.
func (t *Tracer) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.f.Close()
}

func writeHeader(w io.Writer, h recordHeader) error {
	buf := make([]byte, headerSize)
	buf[0] = h.Direction
	binary.BigEndian.PutUint64(buf[1:9], uint64(h.TimestampUnixN))
	binary.BigEndian.PutUint16(buf[9:11], h.HashLen)
	binary.BigEndian.PutUint32(buf[11:15], h.CompressedLen)
	binary.BigEndian.PutUint32(buf[15:19], h.OriginalLen)
	_, err := w.Write(buf)
	return err
}

// Record is a single decoded trace entry, returned by ReadAll for
// offline inspection tooling.
type Record struct {
	Direction    Direction
	Timestamp    time.Time
	IdentityHash string
	Frame        []byte
}

// ReadAll decodes every record in a trace file written by a Tracer.
// It is the read-side counterpart used by an operator replaying a
// captured session; it never runs inside the transport itself.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("diag: open trace file: %w", err)
	}
	defer f.Close()

	var records []Record
	for {
		hdrBuf := make([]byte, headerSize)
		if _, err := io.ReadFull(f, hdrBuf); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("diag: read header: %w", err)
		}
		hashLen := binary.BigEndian.Uint16(hdrBuf[9:11])
		compressedLen := binary.BigEndian.Uint32(hdrBuf[11:15])

		hashBuf := make([]byte, hashLen)
		if _, err := io.ReadFull(f, hashBuf); err != nil {
			return nil, fmt.Errorf("diag: read identity: %w", err)
		}

		compressed := make([]byte, compressedLen)
		if _, err := io.ReadFull(f, compressed); err != nil {
			return nil, fmt.Errorf("diag: read payload: %w", err)
		}

		var out bytes.Buffer
		zr := lz4.NewReader(bytes.NewReader(compressed))
		if _, err := io.Copy(&out, zr); err != nil {
			return nil, fmt.Errorf("diag: decompress payload: %w", err)
		}

		records = append(records, Record{
			Direction:    Direction(hdrBuf[0]),
			Timestamp:    time.Unix(0, int64(binary.BigEndian.Uint64(hdrBuf[1:9]))),
			IdentityHash: string(hashBuf),
			Frame:        out.Bytes(),
		})
	}
	return records, nil
}
