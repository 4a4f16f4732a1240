package protocol

import (
	"errors"
	"fmt"

	"github.com/jackc/pgproto3/v2"
	"go.uber.org/zap"
)

const serverVersion = "12.5"

// ErrSessionEnded is returned by ProcessStartup when the packet ends
// the session without a failure, such as a consumed cancel request.
var ErrSessionEnded = errors.New("protocol: session ended")

// PreparedStatement is a parsed statement awaiting a Bind.
type PreparedStatement struct {
	Name      string
	Query     string
	ParamOIDs []uint32
}

// Portal is a bound statement awaiting an Execute.
type Portal struct {
	Statement *PreparedStatement
	Params    [][]byte
}

// Postgres implements Handler for the PostgreSQL frontend protocol. A
// session moves through authentication, then alternates between the
// simple and extended query flows; statements run on the traffic cop
// and results are marshalled back when the engine asks for them.
type Postgres struct {
	queue    *ResponseQueue
	auth     Authenticator
	cop      TrafficCop
	registry SessionRegistry
	log      *zap.Logger

	identity      ClientIdentity
	authenticated bool
	bound         bool
	pid           uint32
	secret        uint32
	inExtended    bool

	stmts   map[string]*PreparedStatement
	portals map[string]*Portal
}

// KindPostgres names the PostgreSQL frontend protocol for NewHandler.
const KindPostgres = "postgres"

// NewHandler builds the session handler for the named protocol kind.
func NewHandler(kind string, queue *ResponseQueue, auth Authenticator, cop TrafficCop, registry SessionRegistry, log *zap.Logger) (Handler, error) {
	switch kind {
	case KindPostgres:
		return NewPostgres(queue, auth, cop, registry, log), nil
	}
	return nil, fmt.Errorf("protocol: unknown kind %q", kind)
}

// NewPostgres returns a session handler enqueueing into queue. The
// queue is owned by the connection engine; the handler never touches
// the socket.
func NewPostgres(queue *ResponseQueue, auth Authenticator, cop TrafficCop, registry SessionRegistry, log *zap.Logger) *Postgres {
	return &Postgres{
		queue:    queue,
		auth:     auth,
		cop:      cop,
		registry: registry,
		log:      log,
		stmts:    make(map[string]*PreparedStatement),
		portals:  make(map[string]*Portal),
	}
}

// Identity implements Handler.
func (h *Postgres) Identity() *ClientIdentity { return &h.identity }

// SetTaskCallback implements Handler.
func (h *Postgres) SetTaskCallback(cb func()) { h.cop.SetTaskCallback(cb) }

// ProcessStartup implements Handler.
func (h *Postgres) ProcessStartup(pkt *Packet) (bool, error) {
	if IsCancelRequest(pkt.Payload) {
		pid, secret, err := CancelKeyData(pkt.Payload)
		if err != nil {
			return false, err
		}
		// The frontend opened this connection solely to deliver the
		// cancel; it expects no response.
		h.registry.Cancel(pid, secret)
		h.log.Debug("cancel request consumed", zap.Uint32("pid", pid))
		return false, ErrSessionEnded
	}

	v, err := StartupVersion(pkt.Payload)
	if err != nil {
		return false, err
	}
	if v != "3.0" {
		e := Unsupported("frontend protocol %s", v).WithHint("server supports protocol 3.0")
		h.queue.Enqueue(ErrorResponse("FATAL", e.Code(), e.Error(), e.Hint()))
		h.queue.MarkFlush()
		return false, e
	}

	args := StartupArgs(pkt.Payload)
	h.identity = ClientIdentity{
		User:            args["user"],
		Database:        args["database"],
		ApplicationName: args["application_name"],
	}
	if h.identity.User == "" {
		e := Invalid("startup packet: no user name specified").WithCode("28000")
		h.queue.Enqueue(ErrorResponse("FATAL", e.Code(), e.Error(), e.Hint()))
		h.queue.MarkFlush()
		return false, e
	}
	if h.identity.Database == "" {
		h.identity.Database = h.identity.User
	}

	if challenge := h.auth.Challenge(&h.identity); challenge != nil {
		h.queue.Enqueue(challenge)
		h.queue.MarkFlush()
		return true, nil
	}
	h.finishAuth()
	return true, nil
}

// Process implements Handler.
func (h *Postgres) Process(pkt *Packet) Result {
	if !h.authenticated {
		return h.processPassword(pkt)
	}

	switch pkt.Type {
	case TypeQuery:
		return h.processQuery(pkt)
	case TypeParse:
		return h.processParse(pkt)
	case TypeBind:
		return h.processBind(pkt)
	case TypeDescribe:
		return h.processDescribe(pkt)
	case TypeExecute:
		return h.processExecute(pkt)
	case TypeClose:
		return h.processClose(pkt)
	case TypeSync:
		h.queue.Enqueue(ReadyForQuery(TxIdle))
		h.queue.MarkFlush()
		return ResultComplete
	case TypeFlush:
		h.queue.MarkFlush()
		return ResultComplete
	case TypeTerminate:
		return ResultTerminate
	default:
		h.queue.Enqueue(ErrorResponse("ERROR", "08P01",
			fmt.Sprintf("unrecognized frontend message type %q", pkt.Type), ""))
		h.queue.Enqueue(ReadyForQuery(TxIdle))
		h.queue.MarkFlush()
		return ResultComplete
	}
}

func (h *Postgres) processPassword(pkt *Packet) Result {
	if pkt.Type != TypePassword {
		h.queue.Enqueue(ErrorResponse("FATAL", "28000",
			"expected password response", ""))
		h.queue.MarkFlush()
		return ResultTerminate
	}
	var msg pgproto3.PasswordMessage
	if err := msg.Decode(pkt.Payload); err != nil {
		h.queue.Enqueue(ErrorResponse("FATAL", "08P01", "malformed password message", ""))
		h.queue.MarkFlush()
		return ResultTerminate
	}
	if err := h.auth.Verify(&h.identity, []byte(msg.Password)); err != nil {
		h.queue.Enqueue(ErrorResponse("FATAL", "28P01",
			fmt.Sprintf("password authentication failed for user %q", h.identity.User), ""))
		h.queue.MarkFlush()
		h.log.Info("authentication failed",
			zap.String("user", h.identity.User), zap.Error(err))
		return ResultTerminate
	}
	h.finishAuth()
	return ResultComplete
}

// finishAuth queues the post-authentication greeting and registers the
// session for cancellation.
func (h *Postgres) finishAuth() {
	h.authenticated = true
	h.pid, h.secret = h.registry.Bind(h.cop.Cancel)
	h.bound = true

	h.queue.Enqueue(AuthenticationOK())
	h.queue.Enqueue(ParameterStatus("server_version", serverVersion))
	h.queue.Enqueue(ParameterStatus("server_encoding", "UTF8"))
	h.queue.Enqueue(ParameterStatus("client_encoding", "UTF8"))
	h.queue.Enqueue(ParameterStatus("DateStyle", "ISO, MDY"))
	h.queue.Enqueue(BackendKeyData(h.pid, h.secret))
	h.queue.Enqueue(ReadyForQuery(TxIdle))
	h.queue.MarkFlush()

	h.log.Info("session established",
		zap.String("user", h.identity.User),
		zap.String("database", h.identity.Database),
		zap.Uint32("pid", h.pid))
}

func (h *Postgres) processQuery(pkt *Packet) Result {
	var msg pgproto3.Query
	if err := msg.Decode(pkt.Payload); err != nil {
		return h.malformed("Query")
	}
	query := msg.String
	if query == "" {
		h.queue.Enqueue(EmptyQueryResponse())
		h.queue.Enqueue(ReadyForQuery(TxIdle))
		h.queue.MarkFlush()
		return ResultComplete
	}
	h.inExtended = false
	if err := h.cop.Submit(query); err != nil {
		h.queue.Enqueue(ErrorResponse("ERROR", "53300", err.Error(), ""))
		h.queue.Enqueue(ReadyForQuery(TxIdle))
		h.queue.MarkFlush()
		return ResultComplete
	}
	h.log.Debug("query submitted", zap.String("query", query))
	return ResultPending
}

func (h *Postgres) processParse(pkt *Packet) Result {
	var msg pgproto3.Parse
	if err := msg.Decode(pkt.Payload); err != nil {
		return h.malformed("Parse")
	}
	h.stmts[msg.Name] = &PreparedStatement{
		Name:      msg.Name,
		Query:     msg.Query,
		ParamOIDs: msg.ParameterOIDs,
	}
	h.queue.Enqueue(ParseComplete())
	return ResultComplete
}

func (h *Postgres) processBind(pkt *Packet) Result {
	var msg pgproto3.Bind
	if err := msg.Decode(pkt.Payload); err != nil {
		return h.malformed("Bind")
	}
	stmt, ok := h.stmts[msg.PreparedStatement]
	if !ok {
		h.enqueueError(Undefined("prepared statement %q", msg.PreparedStatement).WithCode("26000"))
		return ResultComplete
	}
	h.portals[msg.DestinationPortal] = &Portal{Statement: stmt, Params: msg.Parameters}
	h.queue.Enqueue(BindComplete())
	return ResultComplete
}

func (h *Postgres) processDescribe(pkt *Packet) Result {
	var msg pgproto3.Describe
	if err := msg.Decode(pkt.Payload); err != nil {
		return h.malformed("Describe")
	}
	switch msg.ObjectType {
	case 'S':
		stmt, ok := h.stmts[msg.Name]
		if !ok {
			h.enqueueError(Undefined("prepared statement %q", msg.Name).WithCode("26000"))
			return ResultComplete
		}
		h.queue.Enqueue(ParameterDescription(stmt.ParamOIDs))
		h.queue.Enqueue(NoData())
	case 'P':
		if _, ok := h.portals[msg.Name]; !ok {
			h.enqueueError(Undefined("portal %q", msg.Name).WithCode("34000"))
			return ResultComplete
		}
		// Result shape is unknown until execution; RowDescription
		// arrives with the result set.
		h.queue.Enqueue(NoData())
	default:
		return h.malformed("Describe")
	}
	return ResultComplete
}

func (h *Postgres) processExecute(pkt *Packet) Result {
	var msg pgproto3.Execute
	if err := msg.Decode(pkt.Payload); err != nil {
		return h.malformed("Execute")
	}
	// The row limit is ignored; results are never suspended.
	portal, ok := h.portals[msg.Portal]
	if !ok {
		h.enqueueError(Undefined("portal %q", msg.Portal).WithCode("34000"))
		return ResultComplete
	}
	h.inExtended = true
	if err := h.cop.Submit(portal.Statement.Query, portal.Params...); err != nil {
		h.queue.Enqueue(ErrorResponse("ERROR", "53300", err.Error(), ""))
		return ResultComplete
	}
	h.log.Debug("portal executed", zap.String("query", portal.Statement.Query))
	return ResultPending
}

func (h *Postgres) processClose(pkt *Packet) Result {
	var msg pgproto3.Close
	if err := msg.Decode(pkt.Payload); err != nil {
		return h.malformed("Close")
	}
	switch msg.ObjectType {
	case 'S':
		delete(h.stmts, msg.Name)
	case 'P':
		delete(h.portals, msg.Name)
	default:
		return h.malformed("Close")
	}
	h.queue.Enqueue(CloseComplete())
	return ResultComplete
}

// GetResult implements Handler.
func (h *Postgres) GetResult() Result {
	res := h.cop.Collect()
	if res == nil {
		return ResultComplete
	}
	switch {
	case res.Err != nil:
		h.queue.Enqueue(ErrorResponse("ERROR", errCode(res.Err), res.Err.Error(), errHint(res.Err)))
	case len(res.Columns) > 0:
		h.queue.Enqueue(RowDescription(res.Columns))
		for _, row := range res.Rows {
			h.queue.Enqueue(DataRow(row))
		}
		h.queue.Enqueue(CommandComplete(res.Tag))
	default:
		h.queue.Enqueue(CommandComplete(res.Tag))
	}
	if !h.inExtended {
		h.queue.Enqueue(ReadyForQuery(TxIdle))
	}
	h.queue.MarkFlush()
	return ResultComplete
}

// Reset implements Handler.
func (h *Postgres) Reset() {
	if h.bound {
		h.registry.Release(h.pid)
		h.bound = false
	}
	h.cop.Reset()
}

// enqueueError turns a coded error into an ErrorResponse.
func (h *Postgres) enqueueError(e error) {
	h.queue.Enqueue(ErrorResponse("ERROR", errCode(e), e.Error(), errHint(e)))
}

func (h *Postgres) malformed(msg string) Result {
	h.queue.Enqueue(ErrorResponse("ERROR", "08P01",
		fmt.Sprintf("malformed %s message", msg), ""))
	h.queue.Enqueue(ReadyForQuery(TxIdle))
	h.queue.MarkFlush()
	return ResultComplete
}

// errCode surfaces a SQLSTATE carried by the execution error, falling
// back to internal_error.
func errCode(err error) string {
	var coded interface{ Code() string }
	if errors.As(err, &coded) && coded.Code() != "" {
		return coded.Code()
	}
	return "XX000"
}

// errHint surfaces a hint carried by the execution error, if any.
func errHint(err error) string {
	var hinted interface{ Hint() string }
	if errors.As(err, &hinted) {
		return hinted.Hint()
	}
	return ""
}
