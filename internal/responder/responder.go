// Package responder formats outbound JSON responses and owns the
// multi-level string escaping contract that keeps already-encoded record
// values wire-compatible with clients.
package responder

import (
	"strings"

	"github.com/crosswind-labs/pgproxy/internal/types"
)

const (
	missingRequestId   = "Missing requestId"
	missingRequestType = "Missing requestType"
)

// WebSocketSender is the minimal outbound surface the responder needs from
// a transport. Implemented by internal/wsserver. Send hands frame off and
// returns immediately; done reports the write's outcome asynchronously so a
// stalled client's write never blocks the caller.
type WebSocketSender interface {
	Send(clientId types.ClientId, frame []byte, done func(error))
}

// Response is the fully-formed outbound frame, built field by field in the
// exact order the wire protocol requires.
type Response struct {
	requestId   string // raw JSON token (number/string) or the literal missingRequestId string
	typ         string // raw JSON token (quoted func name) or the literal missingRequestType string
	unsolicited bool
	hasSuccess  bool
	success     bool
	extraKey    string
	extraValue  string // raw JSON token for the extra key's value
	clientId    string
}

// Responder is stateless; safe to use concurrently from any handler.
type Responder struct{}

// requestIdToken renders a request's requestId field as a raw JSON token,
// substituting the fixed literal when the client omitted it.
func requestIdToken(req types.Request) string {
	if !req.HasReqId || len(req.RequestId) == 0 {
		return quote(missingRequestId)
	}
	return string(req.RequestId)
}

// funcToken renders a request's func field as a raw JSON token,
// substituting the fixed literal when Func is empty: the client omitted
// func, or the decoder did not recognize it or could not parse the frame.
func funcToken(req types.Request) string {
	if req.Func == "" {
		return quote(missingRequestType)
	}
	return quote(string(req.Func))
}

// Success builds a success response with no extra payload (e.g. connect,
// disconnect, listen, unlisten).
func (Responder) Success(req types.Request, clientId types.ClientId) Response {
	return Response{
		requestId:  requestIdToken(req),
		typ:        funcToken(req),
		hasSuccess: true,
		success:    true,
		clientId:   clientId.String(),
	}
}

// SuccessCount builds a success response carrying a "count" field (executeSql).
func (Responder) SuccessCount(req types.Request, clientId types.ClientId, count int) Response {
	r := Responder{}.Success(req, clientId)
	r.extraKey = "count"
	r.extraValue = itoa(count)
	return r
}

// SuccessRecords builds a success response carrying a "records" field
// (query, moreQueryResults). Each record is already-encoded JSON text
// returned verbatim by the driver; it is never re-decoded, only escaped and
// wrapped as a JSON string.
func (Responder) SuccessRecords(req types.Request, clientId types.ClientId, records []string) Response {
	r := Responder{}.Success(req, clientId)
	r.extraKey = "records"
	r.extraValue = marshalStringArray(records)
	return r
}

// Error builds an error response keyed by the originating request.
func (Responder) Error(req types.Request, clientId types.ClientId, message string) Response {
	return Response{
		requestId:  requestIdToken(req),
		typ:        funcToken(req),
		hasSuccess: true,
		success:    false,
		extraKey:   "error",
		extraValue: quote(Escape(message)),
		clientId:   clientId.String(),
	}
}

// UnsolicitedListen builds an unrequested LISTEN notification, keyed by the
// Request that originally initiated the LISTEN (so the client can correlate
// it to the right subscription).
func (Responder) UnsolicitedListen(listenReq types.Request, clientId types.ClientId, notification string) Response {
	return Response{
		requestId:   requestIdToken(listenReq),
		typ:         quote(string(types.FuncListen)),
		unsolicited: true,
		extraKey:    "notification",
		extraValue:  quote(Escape(notification)),
		clientId:    clientId.String(),
	}
}

// UnsolicitedConnectionLost builds an unrequested connection-lost event.
func (Responder) UnsolicitedConnectionLost(lastReq types.Request, clientId types.ClientId, errMsg string) Response {
	return Response{
		requestId:   requestIdToken(lastReq),
		typ:         quote(string(types.FuncConnect)),
		unsolicited: true,
		extraKey:    "connectionLostError",
		extraValue:  quote(Escape(errMsg)),
		clientId:    clientId.String(),
	}
}

// Marshal renders the response to wire bytes in the exact field order the
// protocol requires.
func (r Response) Marshal() []byte {
	var b strings.Builder
	b.WriteString(`{"requestId":`)
	b.WriteString(r.requestId)
	b.WriteString(`,"type":`)
	b.WriteString(r.typ)
	if r.unsolicited {
		b.WriteString(`,"unsolicited":true`)
	}
	if r.hasSuccess {
		if r.success {
			b.WriteString(`,"success":true`)
		} else {
			b.WriteString(`,"success":false`)
		}
	}
	if r.extraKey != "" {
		b.WriteByte(',')
		b.WriteString(quote(r.extraKey))
		b.WriteByte(':')
		b.WriteString(r.extraValue)
	}
	b.WriteString(`,"clientId":`)
	b.WriteString(quote(r.clientId))
	b.WriteByte('}')
	return []byte(b.String())
}

// Send marshals and hands the response to the transport.
func (Responder) Send(ws WebSocketSender, clientId types.ClientId, resp Response, done func(error)) {
	ws.Send(clientId, resp.Marshal(), done)
}

func quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	b.WriteString(s)
	b.WriteByte('"')
	return b.String()
}

func marshalStringArray(vals []string) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vals {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(quote(Escape(v)))
	}
	b.WriteByte(']')
	return b.String()
}

func itoa(n int) string {
	neg := n < 0
	if neg {
		n = -n
	}
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

// Escape prepares a raw string (an error message, or an already-encoded
// record value that may itself be nested JSON up to three levels deep) for
// embedding as a JSON string value.
//
// Values coming from the driver may already carry escaped quote runs from
// upstream JSON encoding, multiplying as 1, 3, 7, 15 backslashes per nesting
// level (each re-encoding doubles the existing backslashes and adds one).
// Collapsing those runs deepest-first (7, then 3, then 1) normalizes every
// nested quote back down to a single bare quote before it is given its one,
// correct level of escaping here. Doing the passes in the other order would
// let a shallower pattern consume part of a deeper run and corrupt it.
func Escape(s string) string {
	s = collapseQuoteRun(s, 7)
	s = collapseQuoteRun(s, 3)
	s = collapseQuoteRun(s, 1)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\t", `\t`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}

// collapseQuoteRun replaces every occurrence of n backslashes followed by a
// quote (including the last n backslashes of a longer run) with the run one
// escape level down: (n-1)/2 backslashes followed by a quote (n==1
// collapses to a bare quote).
func collapseQuoteRun(s string, n int) string {
	from := strings.Repeat(`\`, n) + `"`
	to := strings.Repeat(`\`, (n-1)/2) + `"`
	return strings.ReplaceAll(s, from, to)
}
