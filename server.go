// Package teal is a PostgreSQL-wire-compatible server over an embedded
// SQLite store. Connections are multiplexed onto a small set of epoll
// event loops; statements execute on a shared worker pool.
package teal

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/tealdb/teal/dispatch"
	"github.com/tealdb/teal/engine"
	"github.com/tealdb/teal/executor"
	"github.com/tealdb/teal/protocol"
)

// Server accepts frontend connections and distributes them across the
// event loops round-robin.
type Server struct {
	cfg      Config
	log      *zap.Logger
	backend  *executor.Backend
	loops    []*dispatch.Loop
	registry *sessionRegistry
	tlsConf  *tls.Config

	ln   *net.TCPListener
	next int

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewServer validates cfg and assembles the shared backend and loops.
// Nothing listens until Start.
func NewServer(cfg Config, log *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var tlsConf *tls.Config
	if cfg.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("teal: load tls keypair: %w", err)
		}
		tlsConf = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	backend, err := executor.NewBackend(cfg.DataPath, cfg.Workers, log.Named("executor"))
	if err != nil {
		return nil, err
	}

	loops := make([]*dispatch.Loop, cfg.Loops)
	for i := range loops {
		loop, err := dispatch.NewLoop(log.Named("dispatch"))
		if err != nil {
			backend.Close()
			for _, l := range loops[:i] {
				l.Close()
			}
			return nil, err
		}
		loops[i] = loop
	}

	return &Server{
		cfg:      cfg,
		log:      log,
		backend:  backend,
		loops:    loops,
		registry: newSessionRegistry(),
		tlsConf:  tlsConf,
	}, nil
}

// Start binds the listener and spins up the loop and accept goroutines.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("teal: listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln.(*net.TCPListener)

	for _, loop := range s.loops {
		loop := loop
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := loop.Run(); err != nil {
				s.log.Error("event loop exited", zap.Error(err))
			}
		}()
	}
	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("server listening",
		zap.String("addr", s.ln.Addr().String()),
		zap.Int("loops", len(s.loops)),
		zap.String("auth", s.cfg.Auth),
		zap.Bool("tls", s.tlsConf != nil))
	return nil
}

// ListenAndServe starts the server and blocks until Close.
func (s *Server) ListenAndServe() error {
	if err := s.Start(); err != nil {
		return err
	}
	s.wg.Wait()
	return nil
}

// Addr returns the bound listen address. Valid after Start.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Close stops accepting, winds down the loops and releases the backend.
// Idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.ln.Close()
	for _, loop := range s.loops {
		loop.Stop()
	}
	s.wg.Wait()
	for _, loop := range s.loops {
		loop.Close()
	}
	if berr := s.backend.Close(); err == nil {
		err = berr
	}
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.AcceptTCP()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}
		s.serve(conn)
	}
}

// serve detaches the accepted connection's descriptor from the net
// runtime and hands it to the next event loop.
func (s *Server) serve(conn *net.TCPConn) {
	remote := conn.RemoteAddr().String()
	fd, err := rawFd(conn)
	if err != nil {
		s.log.Warn("detach connection", zap.String("remote", remote), zap.Error(err))
		conn.Close()
		return
	}
	conn.Close()
	if err := unix.SetNonblock(fd, true); err != nil {
		s.log.Warn("set nonblocking", zap.String("remote", remote), zap.Error(err))
		unix.Close(fd)
		return
	}

	loop := s.loops[s.next%len(s.loops)]
	s.next++

	queue := &protocol.ResponseQueue{}
	handler, err := protocol.NewHandler(s.cfg.Protocol, queue, s.newAuth(), s.backend.NewCop(),
		s.registry, s.log.Named("session").With(zap.String("remote", remote)))
	if err != nil {
		s.log.Warn("build session handler", zap.String("remote", remote), zap.Error(err))
		unix.Close(fd)
		return
	}
	c := engine.NewConn(loop, engine.Config{
		Fd:         fd,
		Handler:    handler,
		Queue:      queue,
		TLS:        s.tlsConf,
		OnClose:    func() { activeConnections.Dec() },
		BufferSize: s.cfg.BufferSize,
	}, s.log.Named("engine"))

	connectionsTotal.Inc()
	activeConnections.Inc()
	err = loop.Submit(func() {
		if err := c.Start(); err != nil {
			s.log.Warn("start connection", zap.String("remote", remote), zap.Error(err))
			unix.Close(fd)
			activeConnections.Dec()
		}
	})
	if err != nil {
		unix.Close(fd)
		activeConnections.Dec()
	}
	s.log.Debug("connection accepted", zap.String("remote", remote))
}

// rawFd duplicates the connection's descriptor so its lifetime is no
// longer tied to the net.Conn or its runtime finalizer.
func rawFd(conn *net.TCPConn) (int, error) {
	f, err := conn.File()
	if err != nil {
		return 0, err
	}
	defer f.Close()
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return 0, err
	}
	return fd, nil
}

// newAuth mints a per-session authenticator; the md5 exchange keeps a
// per-session salt.
func (s *Server) newAuth() protocol.Authenticator {
	switch s.cfg.Auth {
	case AuthCleartext:
		return &clearTextAuth{pp: &ConstantPassword{Password: []byte(s.cfg.Password)}}
	case AuthMD5:
		return &md5Auth{pp: &Md5ConstantPassword{Password: []byte(s.cfg.Password)}}
	}
	return noPasswordAuth{}
}
