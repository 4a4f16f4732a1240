package protocol

import (
	"fmt"

	"github.com/tealdb/teal/buffer"
)

// MaxPacketLength caps the wire length field of a single packet. Anything
// larger is a protocol violation or a hostile client.
const MaxPacketLength = 1 << 24

// FrameResult classifies one parse attempt.
type FrameResult int

const (
	// FrameReady means a complete packet was produced.
	FrameReady FrameResult = iota
	// FrameMore means the buffer ran dry mid-packet; read more and retry.
	FrameMore
	// FrameBad means the stream is unparseable and the connection must
	// close.
	FrameBad
)

// FrameReader assembles inbound packets from a read buffer. Parsing is a
// two-phase affair, header then payload, and either phase can park on an
// empty buffer and resume later. A header never straddles a parse call:
// when fewer than the header's worth of bytes are available the reader
// consumes nothing, so after the buffer compacts the header bytes
// accumulate contiguously at the cursor.
type FrameReader struct {
	headerDone bool
	pkt        *Packet
	filled     int
}

// Pending reports whether a partially assembled packet is in flight.
func (r *FrameReader) Pending() bool { return r.headerDone }

// Reset discards any partially assembled packet.
func (r *FrameReader) Reset() {
	r.headerDone = false
	r.pkt = nil
	r.filled = 0
}

// Next consumes at most one packet's worth of bytes from rbuf. typed
// selects the framing: startup-phase packets carry no type byte. On
// FrameReady the returned packet is complete and the reader is clean; on
// FrameMore the caller must refill rbuf and call again; on FrameBad the
// error describes the violation.
func (r *FrameReader) Next(rbuf *buffer.Buffer, typed bool) (*Packet, FrameResult, error) {
	if !r.headerDone {
		need := 4
		if typed {
			need = 5
		}
		if rbuf.ReadAvailable() < need {
			return nil, FrameMore, nil
		}

		pkt := &Packet{}
		if typed {
			t, _ := rbuf.Byte()
			pkt.Type = t
		}
		length, _ := rbuf.Uint32()
		if length < 4 || length > MaxPacketLength {
			return nil, FrameBad, fmt.Errorf("protocol: invalid packet length %d", length)
		}
		pkt.Length = length
		pkt.Payload = make([]byte, length-4)
		pkt.Extended = len(pkt.Payload) > rbuf.Cap()

		r.pkt = pkt
		r.filled = 0
		r.headerDone = true
	}

	if r.filled < len(r.pkt.Payload) {
		n := copy(r.pkt.Payload[r.filled:], rbuf.Unflushed())
		rbuf.Skip(n)
		r.filled += n
		if r.filled < len(r.pkt.Payload) {
			return nil, FrameMore, nil
		}
	}

	pkt := r.pkt
	r.Reset()
	return pkt, FrameReady, nil
}

// FlushStatus is the writer's view of a wire flush attempt.
type FlushStatus int

const (
	// FlushDone means the write buffer fully reached the socket.
	FlushDone FlushStatus = iota
	// FlushBlocked means the socket would block; retry on writability.
	FlushBlocked
	// FlushFailed means the connection is broken.
	FlushFailed
)

// FlushFn drains the write buffer toward the socket. The frame writer
// calls it whenever the buffer fills and once more when a flush was
// requested.
type FlushFn func() FlushStatus

// WriteResult classifies one serialization pass over the response queue.
type WriteResult int

const (
	// WriteComplete means every queued packet was serialized and any
	// requested flush reached the wire.
	WriteComplete WriteResult = iota
	// WriteNotReady means the socket blocked mid-stream; progress is
	// saved and the pass resumes on the next writability event.
	WriteNotReady
	// WriteFailed means the connection is broken.
	WriteFailed
)

// FrameWriter serializes queued responses into a write buffer.
// StartupComplete gates the length field: until the client's startup
// packet has been consumed, responses are emitted without one, so the
// SSL negotiation answer is a single byte on the wire as the frontend
// expects.
type FrameWriter struct {
	StartupComplete bool
}

// WritePackets serializes the queue into wbuf, flushing through flush
// whenever wbuf fills. On WriteNotReady the queue and the in-progress
// packet retain their positions; calling again after the socket becomes
// writable resumes exactly where serialization stopped.
func (w *FrameWriter) WritePackets(q *ResponseQueue, wbuf *buffer.Buffer, flush FlushFn) (WriteResult, error) {
	for !q.Empty() {
		pkt := q.packets[q.next]
		if !pkt.headerDone {
			res, err := w.writeHeader(pkt, wbuf, flush)
			if res != WriteComplete {
				return res, err
			}
		}
		res, err := writeContent(pkt, wbuf, flush)
		if res != WriteComplete {
			return res, err
		}
		q.next++
	}
	q.clearPackets()

	if q.FlushRequested() {
		switch flush() {
		case FlushBlocked:
			return WriteNotReady, nil
		case FlushFailed:
			return WriteFailed, fmt.Errorf("protocol: wire flush failed")
		}
		q.clearFlush()
	}
	return WriteComplete, nil
}

// writeHeader emits the type byte and, once startup completed, the
// length field. The header is written atomically: if it does not fit the
// buffer is flushed first, so resume never lands mid-header.
func (w *FrameWriter) writeHeader(pkt *ResponsePacket, wbuf *buffer.Buffer, flush FlushFn) (WriteResult, error) {
	need := 0
	if pkt.Type != 0 {
		need++
	}
	if w.StartupComplete {
		need += 4
	}
	if wbuf.WriteAvailable() < need {
		switch flush() {
		case FlushBlocked:
			return WriteNotReady, nil
		case FlushFailed:
			return WriteFailed, fmt.Errorf("protocol: wire flush failed")
		}
	}
	if pkt.Type != 0 {
		wbuf.AppendByte(pkt.Type)
	}
	if w.StartupComplete {
		wbuf.AppendUint32(uint32(len(pkt.Payload)) + 4)
	}
	pkt.headerDone = true
	return WriteComplete, nil
}

// writeContent copies the payload, flushing whenever wbuf fills.
// writePtr records how far the copy got so a blocked flush resumes
// mid-payload.
func writeContent(pkt *ResponsePacket, wbuf *buffer.Buffer, flush FlushFn) (WriteResult, error) {
	for pkt.writePtr < len(pkt.Payload) {
		if wbuf.WriteAvailable() == 0 {
			switch flush() {
			case FlushBlocked:
				return WriteNotReady, nil
			case FlushFailed:
				return WriteFailed, fmt.Errorf("protocol: wire flush failed")
			}
			continue
		}
		n := wbuf.Append(pkt.Payload[pkt.writePtr:])
		pkt.writePtr += n
	}
	return WriteComplete, nil
}
