// Package engine drives one client connection as a state machine on the
// dispatch loop. The engine owns the socket, the two fixed buffers and
// the response queue; protocol semantics live behind the Handler port.
// Every method runs on the loop goroutine.
package engine

import (
	"crypto/tls"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/tealdb/teal/buffer"
	"github.com/tealdb/teal/dispatch"
	"github.com/tealdb/teal/protocol"
	"github.com/tealdb/teal/transport"
)

// handshakeTimeout bounds the synchronous TLS upgrade.
const handshakeTimeout = 10 * time.Second

type state int

const (
	// stateRead pulls socket bytes into the read buffer.
	stateRead state = iota
	// stateProcess parses packets and hands them to the handler.
	stateProcess
	// stateWrite serializes the response queue toward the socket.
	stateWrite
	// stateWait is parked on a readiness event.
	stateWait
	// stateResult is parked on deferred work; the descriptor is
	// detached from the poller until the task callback fires.
	stateResult
	// stateClosed tears the connection down.
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateRead:
		return "read"
	case stateProcess:
		return "process"
	case stateWrite:
		return "write"
	case stateWait:
		return "wait"
	case stateResult:
		return "result"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// Config assembles the pieces a connection is built from. Queue must be
// the same queue the handler enqueues into.
type Config struct {
	Fd      int
	Handler protocol.Handler
	Queue   *protocol.ResponseQueue
	TLS     *tls.Config
	OnClose func()

	// BufferSize is the capacity of the read and write buffers. Zero
	// means buffer.DefaultCapacity.
	BufferSize int
}

// Conn is one client connection. All fields are confined to the loop
// goroutine.
type Conn struct {
	loop    *dispatch.Loop
	ch      transport.Channel
	handler protocol.Handler
	queue   *protocol.ResponseQueue
	log     *zap.Logger

	ev     *dispatch.FdEvent
	resume *dispatch.ManualEvent

	rbuf *buffer.Buffer
	wbuf *buffer.Buffer

	reader protocol.FrameReader
	writer protocol.FrameWriter

	tlsConfig *tls.Config
	upgrade   bool
	secured   bool

	startupDone bool
	pending     bool
	taskDone    bool
	closing     bool

	state state
	wake  state

	onClose func()
	closed  bool
}

// NewConn wraps an already-nonblocking descriptor. Call Start on the
// loop goroutine to begin serving.
func NewConn(loop *dispatch.Loop, cfg Config, log *zap.Logger) *Conn {
	size := cfg.BufferSize
	if size <= 0 {
		size = buffer.DefaultCapacity
	}
	return &Conn{
		loop:      loop,
		ch:        transport.NewPlainChannel(cfg.Fd),
		handler:   cfg.Handler,
		queue:     cfg.Queue,
		log:       log.With(zap.Int("fd", cfg.Fd)),
		rbuf:      buffer.New(size),
		wbuf:      buffer.New(size),
		tlsConfig: cfg.TLS,
		onClose:   cfg.OnClose,
	}
}

// Start registers the descriptor with the loop and begins the read
// cycle. It must run on the loop goroutine; schedule it through
// Loop.Submit.
func (c *Conn) Start() error {
	c.resume = c.loop.NewManualEvent(c.onTaskDone)
	c.handler.SetTaskCallback(c.resume.Activate)

	ev, err := c.loop.Register(c.ch.Fd(), dispatch.Readable, c.onEvent)
	if err != nil {
		return err
	}
	c.ev = ev
	c.state = stateRead
	c.drive()
	return nil
}

// onEvent resumes the machine after a readiness wait.
func (c *Conn) onEvent(dispatch.Flags) {
	if c.closed {
		return
	}
	if c.state == stateWait {
		c.state = c.wake
	}
	c.drive()
}

// drive runs the machine until it parks or closes.
func (c *Conn) drive() {
	for {
		switch c.state {
		case stateRead:
			c.doRead()
		case stateProcess:
			c.doProcess()
		case stateWrite:
			c.doWrite()
		case stateWait, stateResult:
			return
		case stateClosed:
			c.close()
			return
		}
	}
}

// doRead drains the socket into the read buffer. The parser runs only
// after at least one byte moved, so an empty would-block parks without
// spinning through the process state.
func (c *Conn) doRead() {
	c.rbuf.Compact()
	moved := false
	for {
		oc := c.ch.ReadInto(c.rbuf)
		switch oc.Kind {
		case transport.Progress:
			bytesRead.Add(float64(oc.N))
			if oc.N == 0 {
				// No fill space left; the parser must consume first.
				c.state = stateProcess
				return
			}
			moved = true
			if c.rbuf.Full() {
				c.state = stateProcess
				return
			}
		case transport.WouldBlockOnRead, transport.WouldBlockOnWrite:
			if moved {
				c.state = stateProcess
			} else {
				c.parkOnSocket(stateRead)
			}
			return
		case transport.Interrupted:
		case transport.PeerClosed:
			c.state = stateClosed
			return
		case transport.Fatal:
			c.log.Debug("socket read failed", zap.Error(oc.Err))
			c.state = stateClosed
			return
		}
	}
}

// doProcess parses and dispatches every complete packet in the read
// buffer, then moves to the write state when responses are queued.
func (c *Conn) doProcess() {
	if c.upgrade {
		if err := c.upgradeTLS(); err != nil {
			c.log.Info("tls handshake failed", zap.Error(err))
			c.state = stateClosed
			return
		}
	}
	for {
		pkt, res, err := c.reader.Next(c.rbuf, c.startupDone)
		switch res {
		case protocol.FrameMore:
			if c.queue.Empty() && !c.queue.FlushRequested() {
				c.state = stateRead
			} else {
				c.state = stateWrite
			}
			return
		case protocol.FrameBad:
			c.log.Info("unparseable packet", zap.Error(err))
			if !c.writer.StartupComplete {
				// No length-framed channel to carry an error yet.
				c.state = stateClosed
				return
			}
			c.queue.Enqueue(protocol.ErrorResponse("FATAL", "08P01", err.Error(), ""))
			c.queue.MarkFlush()
			c.closing = true
			c.state = stateWrite
			return
		}

		packetsProcessed.Inc()
		if !c.startupDone {
			if c.dispatchStartup(pkt) {
				return
			}
			continue
		}
		switch c.handler.Process(pkt) {
		case protocol.ResultComplete:
		case protocol.ResultPending:
			c.pending = true
			c.state = stateWrite
			return
		case protocol.ResultTerminate:
			c.closing = true
			c.queue.MarkFlush()
			c.state = stateWrite
			return
		}
	}
}

// dispatchStartup consumes one untyped packet. It returns true when the
// machine changed state and the process loop must stop.
func (c *Conn) dispatchStartup(pkt *protocol.Packet) bool {
	if protocol.IsSSLRequest(pkt.Payload) {
		use := c.tlsConfig != nil && !c.secured
		c.queue.Enqueue(protocol.SSLResponse(use))
		c.queue.MarkFlush()
		c.upgrade = use
		c.state = stateWrite
		return true
	}

	done, err := c.handler.ProcessStartup(pkt)
	// Any packet past SSL negotiation ends the unframed phase, so a
	// startup rejection still serializes with its length field.
	c.writer.StartupComplete = true
	if err != nil {
		if !errors.Is(err, protocol.ErrSessionEnded) {
			c.log.Info("startup rejected", zap.Error(err))
		}
		c.closing = true
		c.state = stateWrite
		return true
	}
	if done {
		c.startupDone = true
		c.state = stateWrite
		return true
	}
	return false
}

// doWrite serializes the queue. A complete pass returns to processing so
// pipelined input drains before the next wait.
func (c *Conn) doWrite() {
	res, err := c.writer.WritePackets(c.queue, c.wbuf, c.flushWire)
	switch res {
	case protocol.WriteComplete:
		switch {
		case c.closing:
			c.state = stateClosed
		case c.pending:
			c.parkForResult()
		default:
			c.state = stateProcess
		}
	case protocol.WriteNotReady:
		c.parkOnSocket(stateWrite)
	case protocol.WriteFailed:
		c.log.Debug("socket write failed", zap.Error(err))
		c.state = stateClosed
	}
}

// flushWire drains the write buffer through the channel and then the
// channel's own pending records.
func (c *Conn) flushWire() protocol.FlushStatus {
	for c.wbuf.ReadAvailable() > 0 {
		oc := c.ch.WriteFrom(c.wbuf)
		switch oc.Kind {
		case transport.Progress, transport.Interrupted:
			bytesWritten.Add(float64(oc.N))
		case transport.WouldBlockOnRead, transport.WouldBlockOnWrite:
			return protocol.FlushBlocked
		default:
			return protocol.FlushFailed
		}
	}
	c.wbuf.Reset()
	for {
		oc := c.ch.Flush()
		switch oc.Kind {
		case transport.Progress:
			return protocol.FlushDone
		case transport.Interrupted:
		case transport.WouldBlockOnRead, transport.WouldBlockOnWrite:
			return protocol.FlushBlocked
		default:
			return protocol.FlushFailed
		}
	}
}

// parkOnSocket arms the poller with the readiness the channel reported
// and records which state the event resumes.
func (c *Conn) parkOnSocket(resume state) {
	flags := waitFlags(c.ch.Waits(), resume)
	if err := c.ev.Update(flags); err != nil {
		c.log.Warn("retarget poll interest", zap.Error(err))
		c.state = stateClosed
		return
	}
	c.wake = resume
	c.state = stateWait
}

// waitFlags maps the channel's cross-coupled readiness onto poll
// interest. With no parked retry the resume direction decides.
func waitFlags(w transport.Waits, resume state) dispatch.Flags {
	switch w {
	case transport.ReadWantsRead, transport.WriteWantsRead:
		return dispatch.Readable
	case transport.ReadWantsWrite, transport.WriteWantsWrite:
		return dispatch.Writable
	}
	if resume == stateWrite {
		return dispatch.Writable
	}
	return dispatch.Readable
}

// parkForResult detaches the descriptor while deferred work runs, so
// client bytes queue in the kernel instead of firing events. When the
// completion callback already fired during the preceding write, the
// result is collected right away instead of parking.
func (c *Conn) parkForResult() {
	if c.taskDone {
		c.taskDone = false
		c.collectResult()
		return
	}
	if err := c.ev.Disable(); err != nil {
		c.log.Warn("park descriptor", zap.Error(err))
		c.state = stateClosed
		return
	}
	c.state = stateResult
}

// collectResult drains finished work into the queue and resumes the
// write state, or parks when the wake was spurious.
func (c *Conn) collectResult() {
	switch c.handler.GetResult() {
	case protocol.ResultPending:
		if err := c.ev.Disable(); err != nil {
			c.log.Warn("park descriptor", zap.Error(err))
			c.state = stateClosed
			return
		}
		c.state = stateResult
		return
	case protocol.ResultTerminate:
		c.closing = true
		c.queue.MarkFlush()
	}
	c.pending = false
	c.state = stateWrite
}

// onTaskDone runs on the loop goroutine after the execution backend
// announces completion. A completion arriving while the machine is
// still writing is remembered and consumed once the write finishes.
func (c *Conn) onTaskDone() {
	if c.closed {
		return
	}
	if c.state != stateResult {
		c.taskDone = true
		return
	}
	if err := c.ev.Enable(); err != nil {
		c.log.Warn("unpark descriptor", zap.Error(err))
		c.state = stateClosed
		c.close()
		return
	}
	c.collectResult()
	c.drive()
}

// upgradeTLS swaps the plain channel for a TLS one over the same
// descriptor. The client sends no records until it has read the
// acceptance byte, so the read buffer holds nothing worth keeping.
func (c *Conn) upgradeTLS() error {
	c.upgrade = false
	tch := transport.NewTLSChannel(c.ch.Fd(), c.tlsConfig)
	if err := tch.Handshake(handshakeTimeout); err != nil {
		return err
	}
	c.ch = tch
	c.secured = true
	c.rbuf.Reset()
	c.reader.Reset()
	c.log.Debug("connection secured")
	return nil
}

// close releases everything once.
func (c *Conn) close() {
	if c.closed {
		return
	}
	c.closed = true
	c.state = stateClosed
	if c.ev != nil {
		if err := c.ev.Deregister(); err != nil {
			c.log.Warn("deregister descriptor", zap.Error(err))
		}
	}
	if err := c.ch.Close(); err != nil {
		c.log.Debug("close socket", zap.Error(err))
	}
	c.handler.Reset()
	c.log.Debug("connection closed")
	if c.onClose != nil {
		c.onClose()
	}
}
