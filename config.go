package teal

import (
	"fmt"
	"runtime"

	"github.com/tealdb/teal/buffer"
	"github.com/tealdb/teal/protocol"
)

// Auth method names accepted by Config.Auth.
const (
	AuthTrust     = "trust"
	AuthCleartext = "password"
	AuthMD5       = "md5"
)

// Config carries the server's tunables. The zero value is not usable;
// fill it and let Validate supply defaults.
type Config struct {
	// Addr is the TCP listen address, host:port.
	Addr string

	// DataPath is the path of the backing store file. ":memory:" keeps
	// the store in RAM.
	DataPath string

	// Loops is the number of event loop goroutines serving
	// connections. Defaults to GOMAXPROCS.
	Loops int

	// Workers is the size of the statement worker pool. Defaults to
	// 4 * GOMAXPROCS.
	Workers int

	// Auth selects the authentication exchange: trust, password or md5.
	Auth string

	// Password is the shared credential for the password and md5
	// methods.
	Password string

	// TLSCert and TLSKey are the PEM certificate and key paths. Both
	// empty disables TLS and SSLRequests are declined.
	TLSCert string
	TLSKey  string

	// BufferSize is the per-connection read and write buffer capacity
	// in bytes. Defaults to buffer.DefaultCapacity.
	BufferSize int

	// Protocol selects the frontend wire protocol. Only
	// protocol.KindPostgres is known today.
	Protocol string
}

// DefaultConfig returns the settings Validate fills in for a zero
// Config.
func DefaultConfig() Config {
	return Config{
		Addr:       "127.0.0.1:5432",
		DataPath:   "teal.db",
		Loops:      runtime.GOMAXPROCS(0),
		Workers:    4 * runtime.GOMAXPROCS(0),
		Auth:       AuthTrust,
		BufferSize: buffer.DefaultCapacity,
		Protocol:   protocol.KindPostgres,
	}
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:5432"
	}
	if c.DataPath == "" {
		c.DataPath = "teal.db"
	}
	if c.Loops <= 0 {
		c.Loops = runtime.GOMAXPROCS(0)
	}
	if c.Workers <= 0 {
		c.Workers = 4 * runtime.GOMAXPROCS(0)
	}
	if c.Auth == "" {
		c.Auth = AuthTrust
	}
	switch c.Auth {
	case AuthTrust:
	case AuthCleartext, AuthMD5:
		if c.Password == "" {
			return fmt.Errorf("teal: auth method %q requires a password", c.Auth)
		}
	default:
		return fmt.Errorf("teal: unknown auth method %q", c.Auth)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("teal: tls requires both a certificate and a key")
	}
	if c.BufferSize <= 0 {
		c.BufferSize = buffer.DefaultCapacity
	}
	if c.Protocol == "" {
		c.Protocol = protocol.KindPostgres
	}
	if c.Protocol != protocol.KindPostgres {
		return fmt.Errorf("teal: unknown protocol %q", c.Protocol)
	}
	return nil
}
