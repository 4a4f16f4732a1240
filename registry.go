package teal

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// sessionRegistry tracks live sessions for out-of-band cancellation. A
// cancel request arrives on its own connection carrying the pid and
// secret a session advertised via BackendKeyData; the hook interrupts
// whatever statement that session is running.
type sessionRegistry struct {
	mu       sync.Mutex
	nextPid  uint32
	sessions map[uint32]*sessionEntry
}

type sessionEntry struct {
	secret uint32
	cancel func()
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[uint32]*sessionEntry)}
}

// Bind implements protocol.SessionRegistry.
func (r *sessionRegistry) Bind(cancel func()) (pid, secret uint32) {
	var raw [4]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic("teal: reading random secret: " + err.Error())
	}
	secret = binary.BigEndian.Uint32(raw[:])

	r.mu.Lock()
	r.nextPid++
	pid = r.nextPid
	r.sessions[pid] = &sessionEntry{secret: secret, cancel: cancel}
	r.mu.Unlock()
	return pid, secret
}

// Cancel implements protocol.SessionRegistry. A mismatched secret is
// ignored silently, as the frontend expects no response either way.
func (r *sessionRegistry) Cancel(pid, secret uint32) {
	r.mu.Lock()
	entry, ok := r.sessions[pid]
	r.mu.Unlock()
	if !ok || entry.secret != secret {
		return
	}
	entry.cancel()
}

// Release implements protocol.SessionRegistry.
func (r *sessionRegistry) Release(pid uint32) {
	r.mu.Lock()
	delete(r.sessions, pid)
	r.mu.Unlock()
}
