package transport

import (
	"golang.org/x/sys/unix"

	"github.com/tealdb/teal/buffer"
)

// PlainChannel moves bytes over a cleartext nonblocking socket.
type PlainChannel struct {
	fd     int
	waits  Waits
	closed bool
}

// NewPlainChannel wraps an already-nonblocking descriptor.
func NewPlainChannel(fd int) *PlainChannel {
	return &PlainChannel{fd: fd}
}

// Fd implements Channel.
func (c *PlainChannel) Fd() int { return c.fd }

// Waits implements Channel.
func (c *PlainChannel) Waits() Waits { return c.waits }

// ReadInto implements Channel.
func (c *PlainChannel) ReadInto(buf *buffer.Buffer) Outcome {
	c.waits = WaitsNone
	if buf.WriteAvailable() == 0 {
		return progress(0)
	}
	n, err := unix.Read(c.fd, buf.FillSlice())
	switch {
	case err == unix.EAGAIN:
		c.waits = ReadWantsRead
		return Outcome{Kind: WouldBlockOnRead}
	case err == unix.EINTR:
		return Outcome{Kind: Interrupted}
	case err != nil:
		return fatal(err)
	case n == 0:
		return Outcome{Kind: PeerClosed}
	}
	buf.Advance(n)
	return progress(n)
}

// WriteFrom implements Channel.
func (c *PlainChannel) WriteFrom(buf *buffer.Buffer) Outcome {
	c.waits = WaitsNone
	pending := buf.Unflushed()
	if len(pending) == 0 {
		return progress(0)
	}
	n, err := unix.Write(c.fd, pending)
	switch {
	case err == unix.EAGAIN:
		c.waits = WriteWantsWrite
		return Outcome{Kind: WouldBlockOnWrite}
	case err == unix.EINTR:
		return Outcome{Kind: Interrupted}
	case err != nil:
		return fatal(err)
	case n == 0:
		// A zero-byte write with data pending; retry.
		return Outcome{Kind: Interrupted}
	}
	buf.Skip(n)
	return progress(n)
}

// Flush implements Channel. A plain channel buffers nothing of its own.
func (c *PlainChannel) Flush() Outcome { return progress(0) }

// Close implements Channel.
func (c *PlainChannel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return closeRetry(c.fd)
}

// closeRetry closes fd, retrying while the syscall reports interruption.
func closeRetry(fd int) error {
	for {
		err := unix.Close(fd)
		if err != unix.EINTR {
			return err
		}
	}
}
