package engine

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/chunkreader/v2"
	"github.com/jackc/pgproto3/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/tealdb/teal/dispatch"
	"github.com/tealdb/teal/protocol"
)

// stubCop answers every statement with a canned result on a background
// goroutine, mimicking the worker-pool completion path.
type stubCop struct {
	mu        sync.Mutex
	cb        func()
	results   []*protocol.QueryResult
	submitted []string
}

func (s *stubCop) Submit(stmt string, params ...[]byte) error {
	s.mu.Lock()
	s.submitted = append(s.submitted, stmt)
	cb := s.cb
	s.mu.Unlock()
	go cb()
	return nil
}

func (s *stubCop) Collect() *protocol.QueryResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) == 0 {
		return &protocol.QueryResult{Tag: "SELECT 0"}
	}
	res := s.results[0]
	s.results = s.results[1:]
	return res
}

func (s *stubCop) Cancel() {}

func (s *stubCop) SetTaskCallback(cb func()) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

func (s *stubCop) Reset() {}

func (s *stubCop) push(res *protocol.QueryResult) {
	s.mu.Lock()
	s.results = append(s.results, res)
	s.mu.Unlock()
}

func (s *stubCop) statements() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.submitted...)
}

type stubRegistry struct{}

func (stubRegistry) Bind(func()) (uint32, uint32) { return 42, 99 }
func (stubRegistry) Cancel(uint32, uint32)        {}
func (stubRegistry) Release(uint32)               {}

type trustAuth struct{}

func (trustAuth) Challenge(*protocol.ClientIdentity) *protocol.ResponsePacket { return nil }
func (trustAuth) Verify(*protocol.ClientIdentity, []byte) error               { return nil }

func startLoop(t *testing.T) *dispatch.Loop {
	t.Helper()
	l, err := dispatch.NewLoop(zaptest.NewLogger(t))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- l.Run() }()
	t.Cleanup(func() {
		l.Stop()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("loop did not stop")
		}
		l.Close()
	})
	return l
}

type connOpts struct {
	tls    *tls.Config
	sndbuf int
}

// newTestConn wires a served connection to one end of a socketpair and
// hands back the client end as a net.Conn.
func newTestConn(t *testing.T, opts connOpts) (net.Conn, *stubCop) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	if opts.sndbuf > 0 {
		require.NoError(t, unix.SetsockoptInt(fds[0], unix.SOL_SOCKET, unix.SO_SNDBUF, opts.sndbuf))
	}

	clientFile := os.NewFile(uintptr(fds[1]), "client")
	client, err := net.FileConn(clientFile)
	require.NoError(t, err)
	clientFile.Close()
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.SetDeadline(time.Now().Add(10*time.Second)))

	loop := startLoop(t)
	cop := &stubCop{}
	queue := &protocol.ResponseQueue{}
	log := zaptest.NewLogger(t)
	handler := protocol.NewPostgres(queue, trustAuth{}, cop, stubRegistry{}, log)
	conn := NewConn(loop, Config{Fd: fds[0], Handler: handler, Queue: queue, TLS: opts.tls}, log)
	require.NoError(t, loop.Submit(func() {
		if err := conn.Start(); err != nil {
			t.Errorf("start conn: %v", err)
		}
	}))
	return client, cop
}

func newFrontend(rw io.ReadWriter) *pgproto3.Frontend {
	return pgproto3.NewFrontend(chunkreader.New(rw), rw)
}

func recv(t *testing.T, fe *pgproto3.Frontend) pgproto3.BackendMessage {
	t.Helper()
	msg, err := fe.Receive()
	require.NoError(t, err)
	return msg
}

func sendStartup(t *testing.T, w io.Writer, user string) {
	t.Helper()
	msg := &pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      map[string]string{"user": user},
	}
	_, err := w.Write(msg.Encode(nil))
	require.NoError(t, err)
}

// expectGreeting consumes the full post-authentication sequence.
func expectGreeting(t *testing.T, fe *pgproto3.Frontend) {
	t.Helper()
	require.IsType(t, &pgproto3.AuthenticationOk{}, recv(t, fe))
	for i := 0; i < 4; i++ {
		require.IsType(t, &pgproto3.ParameterStatus{}, recv(t, fe))
	}
	key, ok := recv(t, fe).(*pgproto3.BackendKeyData)
	require.True(t, ok)
	require.Equal(t, uint32(42), key.ProcessID)
	rfq, ok := recv(t, fe).(*pgproto3.ReadyForQuery)
	require.True(t, ok)
	require.Equal(t, byte('I'), rfq.TxStatus)
}

func expectResultSet(t *testing.T, fe *pgproto3.Frontend, rows int, tag string) {
	t.Helper()
	require.IsType(t, &pgproto3.RowDescription{}, recv(t, fe))
	for i := 0; i < rows; i++ {
		require.IsType(t, &pgproto3.DataRow{}, recv(t, fe))
	}
	cc, ok := recv(t, fe).(*pgproto3.CommandComplete)
	require.True(t, ok)
	require.Equal(t, tag, string(cc.CommandTag))
	require.IsType(t, &pgproto3.ReadyForQuery{}, recv(t, fe))
}

func TestConn_Startup(t *testing.T) {
	client, _ := newTestConn(t, connOpts{})
	fe := newFrontend(client)

	sendStartup(t, client, "alice")
	expectGreeting(t, fe)
}

func TestConn_SimpleQuery(t *testing.T) {
	client, cop := newTestConn(t, connOpts{})
	fe := newFrontend(client)

	sendStartup(t, client, "alice")
	expectGreeting(t, fe)

	cop.push(&protocol.QueryResult{
		Columns: []protocol.Column{{Name: "n"}},
		Rows:    [][][]byte{{[]byte("1")}},
		Tag:     "SELECT 1",
	})
	_, err := client.Write((&pgproto3.Query{String: "SELECT 1"}).Encode(nil))
	require.NoError(t, err)

	expectResultSet(t, fe, 1, "SELECT 1")
	require.Equal(t, []string{"SELECT 1"}, cop.statements())
}

func TestConn_PipelinedQueries(t *testing.T) {
	client, cop := newTestConn(t, connOpts{})
	fe := newFrontend(client)

	sendStartup(t, client, "alice")
	expectGreeting(t, fe)

	cop.push(&protocol.QueryResult{Tag: "INSERT 0 1"})
	cop.push(&protocol.QueryResult{Tag: "INSERT 0 1"})

	// Both statements land in one socket write; the second must be
	// picked up from the buffer after the first result flushes.
	wire := (&pgproto3.Query{String: "INSERT INTO t VALUES (1)"}).Encode(nil)
	wire = (&pgproto3.Query{String: "INSERT INTO t VALUES (2)"}).Encode(wire)
	_, err := client.Write(wire)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		cc, ok := recv(t, fe).(*pgproto3.CommandComplete)
		require.True(t, ok)
		require.Equal(t, "INSERT 0 1", string(cc.CommandTag))
		require.IsType(t, &pgproto3.ReadyForQuery{}, recv(t, fe))
	}
	require.Len(t, cop.statements(), 2)
}

func TestConn_QueryError(t *testing.T) {
	client, cop := newTestConn(t, connOpts{})
	fe := newFrontend(client)

	sendStartup(t, client, "alice")
	expectGreeting(t, fe)

	cop.push(&protocol.QueryResult{Err: errors.New("no such table: t")})
	_, err := client.Write((&pgproto3.Query{String: "SELECT * FROM t"}).Encode(nil))
	require.NoError(t, err)

	errMsg, ok := recv(t, fe).(*pgproto3.ErrorResponse)
	require.True(t, ok)
	require.Equal(t, "XX000", errMsg.Code)
	require.IsType(t, &pgproto3.ReadyForQuery{}, recv(t, fe))
}

func TestConn_FragmentedStartup(t *testing.T) {
	client, _ := newTestConn(t, connOpts{})
	fe := newFrontend(client)

	wire := (&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      map[string]string{"user": "alice"},
	}).Encode(nil)

	// Split mid-header and mid-payload; the parser must resume at each
	// boundary without consuming partial headers.
	for _, chunk := range [][]byte{wire[:2], wire[2:7], wire[7:]} {
		_, err := client.Write(chunk)
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)
	}
	expectGreeting(t, fe)
}

func TestConn_OversizedQuery(t *testing.T) {
	client, cop := newTestConn(t, connOpts{})
	fe := newFrontend(client)

	sendStartup(t, client, "alice")
	expectGreeting(t, fe)

	// Larger than the read buffer, so the payload is staged in its own
	// allocation and filled across several reads.
	query := "SELECT 1 /* " + strings.Repeat("x", 3*8192) + " */"
	cop.push(&protocol.QueryResult{Tag: "SELECT 1"})
	_, err := client.Write((&pgproto3.Query{String: query}).Encode(nil))
	require.NoError(t, err)

	cc, ok := recv(t, fe).(*pgproto3.CommandComplete)
	require.True(t, ok)
	require.Equal(t, "SELECT 1", string(cc.CommandTag))
	require.IsType(t, &pgproto3.ReadyForQuery{}, recv(t, fe))
	require.Equal(t, []string{query}, cop.statements())
}

func TestConn_SlowReader(t *testing.T) {
	client, cop := newTestConn(t, connOpts{sndbuf: 4096})
	fe := newFrontend(client)

	sendStartup(t, client, "alice")
	expectGreeting(t, fe)

	// A result set far larger than the kernel send buffer forces the
	// serializer to park on writability and resume repeatedly.
	const rows = 2000
	out := make([][][]byte, rows)
	for i := range out {
		out[i] = [][]byte{[]byte(strings.Repeat("v", 64))}
	}
	cop.push(&protocol.QueryResult{
		Columns: []protocol.Column{{Name: "v"}},
		Rows:    out,
		Tag:     "SELECT 2000",
	})
	_, err := client.Write((&pgproto3.Query{String: "SELECT v FROM big"}).Encode(nil))
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	expectResultSet(t, fe, rows, "SELECT 2000")
}

func TestConn_Terminate(t *testing.T) {
	client, _ := newTestConn(t, connOpts{})
	fe := newFrontend(client)

	sendStartup(t, client, "alice")
	expectGreeting(t, fe)

	_, err := client.Write((&pgproto3.Terminate{}).Encode(nil))
	require.NoError(t, err)

	var buf [1]byte
	_, err = client.Read(buf[:])
	require.ErrorIs(t, err, io.EOF)
}

func TestConn_SSLDeclined(t *testing.T) {
	client, _ := newTestConn(t, connOpts{})

	_, err := client.Write((&pgproto3.SSLRequest{}).Encode(nil))
	require.NoError(t, err)

	var answer [1]byte
	_, err = io.ReadFull(client, answer[:])
	require.NoError(t, err)
	require.Equal(t, byte('N'), answer[0])

	// The session continues in cleartext.
	fe := newFrontend(client)
	sendStartup(t, client, "alice")
	expectGreeting(t, fe)
}

func TestConn_SSLSession(t *testing.T) {
	client, cop := newTestConn(t, connOpts{tls: serverTLSConfig(t)})

	_, err := client.Write((&pgproto3.SSLRequest{}).Encode(nil))
	require.NoError(t, err)

	var answer [1]byte
	_, err = io.ReadFull(client, answer[:])
	require.NoError(t, err)
	require.Equal(t, byte('S'), answer[0])

	tclient := tls.Client(client, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, tclient.Handshake())

	fe := newFrontend(tclient)
	sendStartup(t, tclient, "alice")
	expectGreeting(t, fe)

	cop.push(&protocol.QueryResult{
		Columns: []protocol.Column{{Name: "n"}},
		Rows:    [][][]byte{{[]byte("1")}},
		Tag:     "SELECT 1",
	})
	_, err = tclient.Write((&pgproto3.Query{String: "SELECT 1"}).Encode(nil))
	require.NoError(t, err)
	expectResultSet(t, fe, 1, "SELECT 1")
}

// serverTLSConfig mints a throwaway self-signed certificate.
func serverTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  key,
		}},
	}
}
