package protocol

import (
	"github.com/jackc/pgio"
	"github.com/jackc/pgtype"
)

// SSLResponse answers an SSLRequest. It is the one response a backend
// sends with no length field, which the headerless startup-phase frame
// writer produces naturally.
func SSLResponse(supported bool) *ResponsePacket {
	if supported {
		return &ResponsePacket{Type: 'S'}
	}
	return &ResponsePacket{Type: 'N'}
}

// AuthenticationOK reports a successfully authenticated session.
func AuthenticationOK() *ResponsePacket {
	return &ResponsePacket{Type: 'R', Payload: pgio.AppendUint32(nil, 0)}
}

// AuthenticationCleartext requests the password in clear text.
func AuthenticationCleartext() *ResponsePacket {
	return &ResponsePacket{Type: 'R', Payload: pgio.AppendUint32(nil, 3)}
}

// AuthenticationMD5 requests an md5-hashed password using the given
// per-session salt.
func AuthenticationMD5(salt [4]byte) *ResponsePacket {
	payload := pgio.AppendUint32(nil, 5)
	payload = append(payload, salt[:]...)
	return &ResponsePacket{Type: 'R', Payload: payload}
}

// ParameterStatus reports a server parameter to the frontend.
func ParameterStatus(name, value string) *ResponsePacket {
	payload := appendCString(nil, name)
	payload = appendCString(payload, value)
	return &ResponsePacket{Type: 'S', Payload: payload}
}

// BackendKeyData hands the frontend the process id and secret it needs
// to cancel queries on this session from another connection.
func BackendKeyData(pid, secret uint32) *ResponsePacket {
	payload := pgio.AppendUint32(nil, pid)
	payload = pgio.AppendUint32(payload, secret)
	return &ResponsePacket{Type: 'K', Payload: payload}
}

// ReadyForQuery tells the frontend the backend is idle and carries the
// transaction status byte.
func ReadyForQuery(status byte) *ResponsePacket {
	return &ResponsePacket{Type: 'Z', Payload: []byte{status}}
}

// CommandComplete reports a finished command with its tag, e.g.
// "SELECT 3".
func CommandComplete(tag string) *ResponsePacket {
	return &ResponsePacket{Type: 'C', Payload: appendCString(nil, tag)}
}

// EmptyQueryResponse substitutes for CommandComplete when the query
// string was empty.
func EmptyQueryResponse() *ResponsePacket {
	return &ResponsePacket{Type: 'I'}
}

// ParseComplete is sent when a prepared statement was parsed
// successfully.
func ParseComplete() *ResponsePacket {
	return &ResponsePacket{Type: '1'}
}

// BindComplete is sent when a portal was bound successfully.
func BindComplete() *ResponsePacket {
	return &ResponsePacket{Type: '2'}
}

// CloseComplete acknowledges a Close message.
func CloseComplete() *ResponsePacket {
	return &ResponsePacket{Type: '3'}
}

// NoData is sent in response to Describe when the target produces no
// rows.
func NoData() *ResponsePacket {
	return &ResponsePacket{Type: 'n'}
}

// PortalSuspended reports that Execute stopped at its row limit.
func PortalSuspended() *ResponsePacket {
	return &ResponsePacket{Type: 's'}
}

// ParameterDescription describes a prepared statement's parameters.
func ParameterDescription(oids []uint32) *ResponsePacket {
	payload := pgio.AppendUint16(nil, uint16(len(oids)))
	for _, oid := range oids {
		payload = pgio.AppendUint32(payload, oid)
	}
	return &ResponsePacket{Type: 't', Payload: payload}
}

// ErrorResponse reports an error with the given severity, SQLSTATE code
// and message. hint may be empty.
func ErrorResponse(severity, code, message, hint string) *ResponsePacket {
	payload := append([]byte{'S'}, appendCString(nil, severity)...)
	payload = append(payload, 'C')
	payload = appendCString(payload, code)
	payload = append(payload, 'M')
	payload = appendCString(payload, message)
	if hint != "" {
		payload = append(payload, 'H')
		payload = appendCString(payload, hint)
	}
	payload = append(payload, 0)
	return &ResponsePacket{Type: 'E', Payload: payload}
}

// RowDescription describes the columns of a result set. Columns with a
// zero oid are reported as text.
func RowDescription(cols []Column) *ResponsePacket {
	payload := pgio.AppendUint16(nil, uint16(len(cols)))
	for _, col := range cols {
		oid := col.OID
		if oid == 0 {
			oid = pgtype.TextOID
		}
		payload = appendCString(payload, col.Name)
		payload = pgio.AppendUint32(payload, 0)  // table oid
		payload = pgio.AppendUint16(payload, 0)  // attribute number
		payload = pgio.AppendUint32(payload, oid)
		payload = pgio.AppendInt16(payload, -1)  // type size
		payload = pgio.AppendInt32(payload, -1)  // type modifier
		payload = pgio.AppendUint16(payload, 0)  // text format
	}
	return &ResponsePacket{Type: 'T', Payload: payload}
}

// DataRow carries one result row in text format. A nil value is a SQL
// NULL.
func DataRow(values [][]byte) *ResponsePacket {
	payload := pgio.AppendUint16(nil, uint16(len(values)))
	for _, v := range values {
		if v == nil {
			payload = pgio.AppendInt32(payload, -1)
			continue
		}
		payload = pgio.AppendInt32(payload, int32(len(v)))
		payload = append(payload, v...)
	}
	return &ResponsePacket{Type: 'D', Payload: payload}
}

func appendCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}
