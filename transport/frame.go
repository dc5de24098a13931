// Package transport implements the length-prefixed frame protocol spec §4.A
// uses to carry opaque byte payloads over a subprocess's stdin/stdout pipes.
//
// Wire format: [length: 4 bytes big-endian unsigned][payload: length bytes].
// Maximum payload size is bounded to prevent runaway reads; minimum payload
// is zero (used for heartbeats).
//
// Grounded on oriys-nova's vsock client (internal/firecracker/vsock.go),
// which frames JSON payloads the same way over a net.Conn, and on
// dmora-agentrun's engine/acp/conn.go, whose mutex-protected encoder and
// single ReadLoop are the model for Writer and Reader below.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxPayloadBytes is the default frame size bound (spec §5, §6).
const DefaultMaxPayloadBytes = 10 * 1024 * 1024

// ErrPeerClosed is returned by Reader.Receive when the peer's write end
// closed, whether cleanly (io.EOF on the length prefix) or mid-frame (a
// short read on a payload announced as longer). Both are terminal: the
// transport cannot recover and the caller must treat this as peer loss.
var ErrPeerClosed = errors.New("transport: peer closed connection")

// ErrFrameTooLarge is returned when an announced payload exceeds the
// configured maximum.
var ErrFrameTooLarge = errors.New("transport: frame exceeds maximum payload size")

// Writer serializes payloads under a lock so that concurrent producers
// (e.g. an Execute frame and an InputResponse frame racing from different
// goroutines) cannot interleave their writes.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w with frame serialization.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Send writes one length-prefixed frame. Safe for concurrent use.
func (fw *Writer) Send(payload []byte) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	// Single buffered write of header+payload to minimize syscalls,
	// mirroring the batched write in oriys-nova's vsock sendLocked.
	buf := make([]byte, 4+len(payload))
	copy(buf, header[:])
	copy(buf[4:], payload)

	_, err := fw.w.Write(buf)
	if err != nil {
		return fmt.Errorf("transport: write frame: %w", err)
	}
	return nil
}

// frameResult is pushed onto Reader's channel by the pump goroutine. Using a
// channel as the wakeup mechanism is Go's idiomatic analog to a condition
// variable signaled by an I/O callback: the pump blocks in a real read
// syscall (no polling), and Receive blocks on a channel receive (no polling).
type frameResult struct {
	payload []byte
	err     error
}

// Reader pumps frames from an io.Reader on a dedicated goroutine and
// delivers them to Receive callers in arrival order. Exactly one goroutine
// may call Receive for the life of a Reader — this is the single-reader
// invariant spec §4.F requires of the Session relative to its worker
// transport. Neither Reader nor Session checks this at runtime: it holds
// because Session's readLoop is the only code that calls Receive.
type Reader struct {
	r       io.Reader
	maxSize int

	frames chan frameResult
}

// NewReader wraps r with frame deserialization. maxSize bounds the largest
// payload that will be accepted; zero selects DefaultMaxPayloadBytes.
func NewReader(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = DefaultMaxPayloadBytes
	}
	fr := &Reader{
		r:       r,
		maxSize: maxSize,
		frames:  make(chan frameResult, 16),
	}
	go fr.pump()
	return fr
}

// pump reads frames until the underlying reader errors or closes, then
// reports a terminal error on the channel and exits.
func (fr *Reader) pump() {
	defer close(fr.frames)
	for {
		payload, err := fr.readOne()
		if err != nil {
			fr.frames <- frameResult{err: err}
			return
		}
		fr.frames <- frameResult{payload: payload}
	}
}

func (fr *Reader) readOne() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrPeerClosed
		}
		return nil, fmt.Errorf("transport: read length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if int(length) > fr.maxSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrPeerClosed
		}
		return nil, fmt.Errorf("transport: read payload: %w", err)
	}
	return payload, nil
}

// Receive returns the next complete payload, or a terminal error once the
// peer disconnects. Callers must not invoke Receive concurrently; doing so
// would violate the single-reader invariant and race over which goroutine
// observes which frame.
func (fr *Reader) Receive() ([]byte, error) {
	res, ok := <-fr.frames
	if !ok {
		return nil, ErrPeerClosed
	}
	return res.payload, res.err
}
