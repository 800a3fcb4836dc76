// Package types holds the data model shared across the proxy: client and
// connection identifiers, the raw connect request, and the wire-level
// request/response envelopes.
package types

import (
	"context"
	"encoding/json"

	"github.com/gofrs/uuid"
)

// ClientId identifies a WebSocket client connection. Assigned by the
// transport layer, stable for the life of that connection.
type ClientId = uuid.UUID

// ConnectionId identifies a backend PostgreSQL connection. Assigned by the
// driver on successful connect, stable until disconnect.
type ConnectionId = uuid.UUID

// RequestFunc is the wire value of the "func" field of an incoming request.
type RequestFunc string

const (
	FuncConnect           RequestFunc = "connect"
	FuncDisconnect        RequestFunc = "disconnect"
	FuncQuery             RequestFunc = "query"
	FuncMoreQueryResults  RequestFunc = "moreQueryResults"
	FuncExecuteSql        RequestFunc = "executeSql"
	FuncListen            RequestFunc = "listen"
	FuncUnlisten          RequestFunc = "unlisten"
)

// ConnectRequest is the payload of a "connect" request. Fingerprint only
// considers Host/Port/Database/User - Password is intentionally excluded so
// that clients authenticating with the same credentials can share a LISTEN
// connection.
type ConnectRequest struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// Fingerprint is the sharing key for LISTEN connections: host, port,
// database and user, password excluded by design.
type Fingerprint struct {
	Host     string
	Port     int
	Database string
	User     string
}

func (c ConnectRequest) Fingerprint() Fingerprint {
	return Fingerprint{Host: c.Host, Port: c.Port, Database: c.Database, User: c.User}
}

// ListenKey is the sharing key for a shared LISTEN connection: fingerprint
// plus channel name.
type ListenKey struct {
	Fingerprint Fingerprint
	Channel     string
}

// Request is the decoded envelope of an inbound frame. Raw carries the
// original JSON bytes verbatim; the responder echoes requestId and func from
// the RequestId and Func fields, not from Raw.
type Request struct {
	Func      RequestFunc
	RequestId json.RawMessage // preserves the client's original encoding (number or absent)
	SessionId string
	HasReqId  bool
	Raw       json.RawMessage

	// payload fields, populated according to Func
	Connect           ConnectRequest
	DiscardConnection bool
	Sql               string
	RecordCount       int
	Channel           string

	// set when Func could not be determined or the payload failed to parse
	UnknownDetail string
}

// SessionModel is the mutable session state threaded through the
// authenticate predicate. Hosts without meaningful session state simply
// return the value unchanged.
type SessionModel struct {
	Login string
	Admin bool
}

// Authenticate validates a sessionId against host-specific rules, optionally
// mutating the session model (kept for host compatibility with
// implementations that maintain real session state).
type Authenticate func(ctx context.Context, session SessionModel, sessionId string) (SessionModel, bool, error)
