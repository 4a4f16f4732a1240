package transport

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tealdb/teal/buffer"
)

// errWouldBlock is handed to crypto/tls when the record queue runs dry. It
// reports Temporary so the tls.Conn leaves the session usable and returns
// control to the caller instead of poisoning itself.
var errWouldBlock net.Error = &wouldBlockError{}

type wouldBlockError struct{}

func (*wouldBlockError) Error() string   { return "transport: would block" }
func (*wouldBlockError) Timeout() bool   { return true }
func (*wouldBlockError) Temporary() bool { return true }

// TLSChannel moves bytes over an upgraded connection. The tls.Conn never
// touches the socket directly: inbound records are staged in recordConn.in
// by the channel, and outbound records land in recordConn.out and are
// flushed by the channel with would-block handling. A short socket write
// therefore never reaches crypto/tls, whose write path treats any error as
// permanent.
type TLSChannel struct {
	fd      int
	rc      *recordConn
	tconn   *tls.Conn
	waits   Waits
	scratch []byte
	closed  bool
}

// NewTLSChannel derives a TLS session from the process-wide config over an
// already-nonblocking descriptor. Handshake must be called before the first
// ReadInto/WriteFrom.
func NewTLSChannel(fd int, cfg *tls.Config) *TLSChannel {
	rc := &recordConn{fd: fd}
	return &TLSChannel{
		fd:      fd,
		rc:      rc,
		tconn:   tls.Server(rc, cfg),
		scratch: make([]byte, buffer.DefaultCapacity),
	}
}

// Handshake runs the server-side handshake as a synchronous loop. The
// socket stays nonblocking; when a flight is short the loop poll-waits on
// the descriptor rather than surfacing would-block, matching the engine
// contract that the handshake completes before any application bytes move.
func (c *TLSChannel) Handshake(timeout time.Duration) error {
	c.rc.handshaking = true
	c.rc.deadline = time.Now().Add(timeout)
	err := c.tconn.Handshake()
	c.rc.handshaking = false
	return err
}

// Fd implements Channel.
func (c *TLSChannel) Fd() int { return c.fd }

// Waits implements Channel.
func (c *TLSChannel) Waits() Waits { return c.waits }

// ReadInto implements Channel.
func (c *TLSChannel) ReadInto(buf *buffer.Buffer) Outcome {
	c.waits = WaitsNone
	// Records produced by the previous operation (alerts, key updates) go
	// out before more plaintext is pulled.
	if len(c.rc.out) > 0 {
		if oc := c.flushPending(); oc.Kind != Progress {
			if oc.Kind == WouldBlockOnWrite {
				c.waits = ReadWantsWrite
			}
			return oc
		}
	}
	if buf.WriteAvailable() == 0 {
		return progress(0)
	}
	for {
		n, err := c.tconn.Read(buf.FillSlice())
		if n > 0 {
			buf.Advance(n)
			return progress(n)
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, errWouldBlock):
			// The session needs more records than the staging queue holds.
			if oc := c.fill(); oc.Kind != Progress {
				if oc.Kind == WouldBlockOnRead {
					c.waits = ReadWantsRead
				}
				return oc
			}
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return Outcome{Kind: PeerClosed}
		default:
			return fatal(err)
		}
	}
}

// WriteFrom implements Channel.
func (c *TLSChannel) WriteFrom(buf *buffer.Buffer) Outcome {
	c.waits = WaitsNone
	if len(c.rc.out) > 0 {
		if oc := c.flushPending(); oc.Kind != Progress {
			if oc.Kind == WouldBlockOnWrite {
				c.waits = WriteWantsWrite
			}
			return oc
		}
	}
	pending := buf.Unflushed()
	if len(pending) == 0 {
		return progress(0)
	}
	n, err := c.tconn.Write(pending)
	if err != nil {
		return fatal(err)
	}
	buf.Skip(n)
	if oc := c.flushPending(); oc.Kind != Progress && oc.Kind != WouldBlockOnWrite {
		return oc
	}
	// Plaintext was consumed even if the encrypted records are still
	// queued; the next WriteFrom or Flush drains them.
	return progress(n)
}

// Flush implements Channel.
func (c *TLSChannel) Flush() Outcome {
	c.waits = WaitsNone
	oc := c.flushPending()
	if oc.Kind == WouldBlockOnWrite {
		c.waits = WriteWantsWrite
	}
	return oc
}

// Close implements Channel. A close_notify is attempted but not insisted
// upon; the descriptor is released regardless.
func (c *TLSChannel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.tconn.CloseWrite()
	_ = c.flushPending()
	return closeRetry(c.fd)
}

// fill pulls one socket read worth of records into the staging queue.
func (c *TLSChannel) fill() Outcome {
	n, err := unix.Read(c.fd, c.scratch)
	switch {
	case err == unix.EAGAIN:
		return Outcome{Kind: WouldBlockOnRead}
	case err == unix.EINTR:
		return Outcome{Kind: Interrupted}
	case err != nil:
		return fatal(err)
	case n == 0:
		return Outcome{Kind: PeerClosed}
	}
	c.rc.in = append(c.rc.in, c.scratch[:n]...)
	return progress(n)
}

// flushPending drains the outbound record queue toward the socket.
func (c *TLSChannel) flushPending() Outcome {
	for len(c.rc.out) > 0 {
		n, err := unix.Write(c.fd, c.rc.out)
		switch {
		case err == unix.EAGAIN:
			return Outcome{Kind: WouldBlockOnWrite}
		case err == unix.EINTR:
			continue
		case err != nil:
			return fatal(err)
		case n == 0:
			continue
		}
		c.rc.out = c.rc.out[n:]
	}
	c.rc.out = nil
	return progress(0)
}

// recordConn is the in-memory net.Conn crypto/tls runs against. Outside the
// handshake, an empty inbound queue surfaces errWouldBlock; during the
// handshake both directions poll-wait on the raw descriptor so tls.Conn
// sees blocking semantics.
type recordConn struct {
	fd          int
	in          []byte
	out         []byte
	handshaking bool
	deadline    time.Time
}

func (rc *recordConn) Read(p []byte) (int, error) {
	if len(rc.in) == 0 {
		if !rc.handshaking {
			return 0, errWouldBlock
		}
		if err := rc.fillWait(); err != nil {
			return 0, err
		}
	}
	n := copy(p, rc.in)
	rc.in = rc.in[n:]
	if len(rc.in) == 0 {
		rc.in = nil
	}
	return n, nil
}

func (rc *recordConn) Write(p []byte) (int, error) {
	rc.out = append(rc.out, p...)
	if rc.handshaking {
		if err := rc.flushWait(); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// fillWait reads from the socket, poll-waiting for readability while the
// handshake deadline allows.
func (rc *recordConn) fillWait() error {
	scratch := make([]byte, 4096)
	for {
		n, err := unix.Read(rc.fd, scratch)
		switch {
		case err == unix.EAGAIN:
			if err := rc.pollWait(unix.POLLIN); err != nil {
				return err
			}
		case err == unix.EINTR:
		case err != nil:
			return err
		case n == 0:
			return io.EOF
		default:
			rc.in = append(rc.in, scratch[:n]...)
			return nil
		}
	}
}

// flushWait drains the outbound queue, poll-waiting for writability.
func (rc *recordConn) flushWait() error {
	for len(rc.out) > 0 {
		n, err := unix.Write(rc.fd, rc.out)
		switch {
		case err == unix.EAGAIN:
			if err := rc.pollWait(unix.POLLOUT); err != nil {
				return err
			}
		case err == unix.EINTR:
		case err != nil:
			return err
		default:
			rc.out = rc.out[n:]
		}
	}
	rc.out = nil
	return nil
}

func (rc *recordConn) pollWait(events int16) error {
	remain := time.Until(rc.deadline)
	if remain <= 0 {
		return errors.New("transport: tls handshake timed out")
	}
	fds := []unix.PollFd{{Fd: int32(rc.fd), Events: events}}
	n, err := unix.Poll(fds, int(remain.Milliseconds())+1)
	if err != nil && err != unix.EINTR {
		return err
	}
	if n == 0 && err == nil {
		return errors.New("transport: tls handshake timed out")
	}
	return nil
}

func (rc *recordConn) Close() error                       { return nil }
func (rc *recordConn) LocalAddr() net.Addr                { return tlsAddr{} }
func (rc *recordConn) RemoteAddr() net.Addr               { return tlsAddr{} }
func (rc *recordConn) SetDeadline(_ time.Time) error      { return nil }
func (rc *recordConn) SetReadDeadline(_ time.Time) error  { return nil }
func (rc *recordConn) SetWriteDeadline(_ time.Time) error { return nil }

type tlsAddr struct{}

func (tlsAddr) Network() string { return "tls" }
func (tlsAddr) String() string  { return "tls" }
