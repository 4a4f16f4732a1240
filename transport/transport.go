// Package transport abstracts a nonblocking socket into a uniform byte
// sink/source consumed by the connection engine. Two channel variants exist,
// plain and TLS, surfacing identical readiness signals so the engine above
// them never needs to know which one it is driving.
package transport

import (
	"fmt"

	"github.com/tealdb/teal/buffer"
)

// Kind classifies the result of a single channel operation.
type Kind int

const (
	// Progress indicates the operation completed without waiting. N may be
	// zero when there was no fill space, nothing to write or nothing
	// pending.
	Progress Kind = iota
	// PeerClosed indicates the remote side closed the connection.
	PeerClosed
	// WouldBlockOnRead indicates the operation must wait for the socket to
	// become readable before retrying. Only read operations report it; TLS
	// writes queue their records and never wait for readability.
	WouldBlockOnRead
	// WouldBlockOnWrite indicates the operation must wait for the socket to
	// become writable before retrying. For TLS this can be reported by a
	// read operation.
	WouldBlockOnWrite
	// Interrupted indicates the syscall was interrupted; retry immediately.
	Interrupted
	// Fatal indicates an unrecoverable I/O error; the connection must close.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Progress:
		return "progress"
	case PeerClosed:
		return "peer-closed"
	case WouldBlockOnRead:
		return "would-block-read"
	case WouldBlockOnWrite:
		return "would-block-write"
	case Interrupted:
		return "interrupted"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Outcome is the result of a single channel operation.
type Outcome struct {
	Kind Kind
	N    int   // bytes moved when Kind == Progress
	Err  error // cause when Kind == Fatal
}

func progress(n int) Outcome { return Outcome{Kind: Progress, N: n} }

func fatal(err error) Outcome { return Outcome{Kind: Fatal, Err: err} }

// Waits captures which socket readiness the channel's next retry must wait
// for. TLS record boundaries are not aligned with socket readiness, so a
// read may have to wait for writability and vice versa; the enumeration
// makes the invalid flag combinations of a four-boolean encoding
// unrepresentable.
type Waits int

const (
	// WaitsNone means no retry is pending.
	WaitsNone Waits = iota
	// ReadWantsRead: a read is parked until the socket is readable.
	ReadWantsRead
	// ReadWantsWrite: a read is parked until the socket is writable.
	ReadWantsWrite
	// WriteWantsWrite: a write is parked until the socket is writable.
	WriteWantsWrite
	// WriteWantsRead: a write is parked until the socket is readable. No
	// channel sets it; it keeps the engine's arming logic total.
	WriteWantsRead
)

// Channel is the uniform byte sink/source over a nonblocking socket.
type Channel interface {
	// ReadInto fills buf's free space with at most one socket read worth of
	// bytes, advancing buf's size on Progress.
	ReadInto(buf *buffer.Buffer) Outcome
	// WriteFrom drains buf's unflushed region toward the socket, advancing
	// buf's cursor on Progress.
	WriteFrom(buf *buffer.Buffer) Outcome
	// Flush pushes channel-internal pending bytes (TLS records already
	// encrypted but not yet on the wire) to the socket. Progress with N == 0
	// means nothing is pending.
	Flush() Outcome
	// Waits reports the readiness the next retry must wait for.
	Waits() Waits
	// Fd returns the underlying descriptor for event registration.
	Fd() int
	// Close releases the socket, retrying on interrupt. Idempotent.
	Close() error
}
