// Package dispatch is a single-goroutine epoll loop. Connections register
// their descriptors with level-triggered interest flags and get called
// back on the loop goroutine; other goroutines hand work to the loop
// through Submit, which wakes the loop via an eventfd. All FdEvent and
// ManualEvent methods except Activate must be called on the loop
// goroutine.
package dispatch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Flags is the readiness interest (and delivery) bitmask of an FdEvent.
type Flags uint32

const (
	// Readable requests or reports socket readability.
	Readable Flags = 1 << iota
	// Writable requests or reports socket writability.
	Writable
)

// ErrLoopClosed is returned by Submit after the loop has shut down.
var ErrLoopClosed = errors.New("dispatch: loop closed")

// Loop multiplexes descriptor readiness and submitted work onto one
// goroutine.
type Loop struct {
	epfd   int
	wakefd int
	log    *zap.Logger

	// fds is touched only on the loop goroutine.
	fds map[int]*FdEvent

	mu        sync.Mutex
	submitted []func()
	closed    bool

	running bool
}

// NewLoop creates an epoll instance plus its eventfd wake channel.
func NewLoop(log *zap.Logger) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("dispatch: epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("dispatch: eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(epfd)
		unix.Close(wakefd)
		return nil, fmt.Errorf("dispatch: register wake fd: %w", err)
	}
	return &Loop{
		epfd:   epfd,
		wakefd: wakefd,
		log:    log,
		fds:    make(map[int]*FdEvent),
	}, nil
}

// Register adds fd with the given interest. The callback runs on the
// loop goroutine with the flags that actually fired.
func (l *Loop) Register(fd int, flags Flags, cb func(Flags)) (*FdEvent, error) {
	ev := &FdEvent{loop: l, fd: fd, flags: flags, cb: cb}
	sys := unix.EpollEvent{Events: epollEvents(flags), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &sys); err != nil {
		return nil, fmt.Errorf("dispatch: register fd %d: %w", fd, err)
	}
	ev.armed = true
	l.fds[fd] = ev
	return ev, nil
}

// Submit schedules fn to run on the loop goroutine and wakes the loop.
// Safe to call from any goroutine.
func (l *Loop) Submit(fn func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.submitted = append(l.submitted, fn)
	l.mu.Unlock()
	return l.wake()
}

func (l *Loop) wake() error {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	for {
		_, err := unix.Write(l.wakefd, one[:])
		switch err {
		case unix.EINTR:
		case unix.EAGAIN:
			// Counter saturated; the loop is already due to wake.
			return nil
		default:
			return err
		}
	}
}

// Run processes events until Stop. It must own its goroutine for the
// lifetime of the loop.
func (l *Loop) Run() error {
	l.running = true
	events := make([]unix.EpollEvent, 128)
	for l.running {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("dispatch: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakefd {
				l.drainWake()
				continue
			}
			ev, ok := l.fds[fd]
			if !ok || !ev.armed {
				continue
			}
			ev.cb(deliveredFlags(events[i].Events))
		}
		l.runSubmitted()
	}
	return nil
}

// Stop asks the loop to exit after the current iteration. Safe to call
// from any goroutine.
func (l *Loop) Stop() {
	_ = l.Submit(func() { l.running = false })
}

// Close releases the loop's descriptors. Call after Run returns.
func (l *Loop) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	unix.Close(l.wakefd)
	return unix.Close(l.epfd)
}

func (l *Loop) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(l.wakefd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}

func (l *Loop) runSubmitted() {
	l.mu.Lock()
	work := l.submitted
	l.submitted = nil
	l.mu.Unlock()
	for _, fn := range work {
		fn()
	}
}

// FdEvent is one registered descriptor. Interest can be retargeted with
// Update, parked with Disable and restored with Enable; Deregister
// removes it for good.
type FdEvent struct {
	loop  *Loop
	fd    int
	flags Flags
	cb    func(Flags)
	armed bool
}

// Update changes the readiness interest.
func (e *FdEvent) Update(flags Flags) error {
	e.flags = flags
	if !e.armed {
		return nil
	}
	sys := unix.EpollEvent{Events: epollEvents(flags), Fd: int32(e.fd)}
	if err := unix.EpollCtl(e.loop.epfd, unix.EPOLL_CTL_MOD, e.fd, &sys); err != nil {
		return fmt.Errorf("dispatch: update fd %d: %w", e.fd, err)
	}
	return nil
}

// Disable detaches the descriptor from the poller without forgetting
// its interest. No callbacks fire until Enable.
func (e *FdEvent) Disable() error {
	if !e.armed {
		return nil
	}
	e.armed = false
	if err := unix.EpollCtl(e.loop.epfd, unix.EPOLL_CTL_DEL, e.fd, nil); err != nil {
		return fmt.Errorf("dispatch: disable fd %d: %w", e.fd, err)
	}
	return nil
}

// Enable re-attaches a disabled descriptor with its stored interest.
func (e *FdEvent) Enable() error {
	if e.armed {
		return nil
	}
	sys := unix.EpollEvent{Events: epollEvents(e.flags), Fd: int32(e.fd)}
	if err := unix.EpollCtl(e.loop.epfd, unix.EPOLL_CTL_ADD, e.fd, &sys); err != nil {
		return fmt.Errorf("dispatch: enable fd %d: %w", e.fd, err)
	}
	e.armed = true
	return nil
}

// Deregister removes the descriptor from the loop. It does not close
// the descriptor.
func (e *FdEvent) Deregister() error {
	delete(e.loop.fds, e.fd)
	if !e.armed {
		return nil
	}
	e.armed = false
	if err := unix.EpollCtl(e.loop.epfd, unix.EPOLL_CTL_DEL, e.fd, nil); err != nil {
		return fmt.Errorf("dispatch: deregister fd %d: %w", e.fd, err)
	}
	return nil
}

// ManualEvent runs a callback on the loop goroutine when activated from
// anywhere, typically a worker announcing finished deferred work.
// Activations coalesce while one is in flight.
type ManualEvent struct {
	loop *Loop
	cb   func()

	mu      sync.Mutex
	pending bool
}

// NewManualEvent binds cb to the loop.
func (l *Loop) NewManualEvent(cb func()) *ManualEvent {
	return &ManualEvent{loop: l, cb: cb}
}

// Activate schedules the callback. Safe to call from any goroutine.
func (m *ManualEvent) Activate() {
	m.mu.Lock()
	if m.pending {
		m.mu.Unlock()
		return
	}
	m.pending = true
	m.mu.Unlock()

	err := m.loop.Submit(func() {
		m.mu.Lock()
		m.pending = false
		m.mu.Unlock()
		m.cb()
	})
	if err != nil {
		m.mu.Lock()
		m.pending = false
		m.mu.Unlock()
		m.loop.log.Warn("manual event dropped", zap.Error(err))
	}
}

func epollEvents(flags Flags) uint32 {
	var ev uint32
	if flags&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if flags&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev | unix.EPOLLRDHUP
}

func deliveredFlags(events uint32) Flags {
	var flags Flags
	if events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		flags |= Readable
	}
	if events&unix.EPOLLOUT != 0 {
		flags |= Writable
	}
	return flags
}
