// Package client implements the per-connection Client State Machine: one
// instance per connected WebSocket client, dispatching decoded requests to
// the Connection Manager and formatting responses via internal/responder.
//
// Like internal/connmgr, a Client is not internally synchronized. It is
// driven exclusively from the Supervisor's single serialized event loop
// (internal/proxy), the same "no locking required" guarantee the teacher's
// websocket hub documents for its own single-goroutine select loop.
package client

import (
	"time"

	"github.com/crosswind-labs/pgproxy/internal/responder"
	"github.com/crosswind-labs/pgproxy/internal/types"
)

const (
	errNotConnected     = "Operation NOT allowed since not connected"
	errUsedForListening = "Operation NOT allowed since connection is used for listening"
	errAlreadyListening = "Operation NOT allowed since connection is ALREADY used for listening"
)

// ConnManager is the subset of *connmgr.ConnManager the client state machine
// drives directly. Connect/Disconnect/Listen/Unlisten outcomes are not
// returned here — they arrive later through connmgr.Notifier, implemented by
// internal/proxy, which owns the client table this package does not.
type ConnManager interface {
	IsConnected(clientId types.ClientId) bool
	IsNonListenConnection(clientId types.ClientId) bool
	IsListeningOnChannel(clientId types.ClientId, channel string) bool
	Connect(clientId types.ClientId, req types.ConnectRequest, request types.Request, timeout time.Duration)
	Disconnect(clientId types.ClientId, discardConnection bool, request types.Request, timeout time.Duration)
	Listen(clientId types.ClientId, channel string, request types.Request, timeout time.Duration)
	Unlisten(clientId types.ClientId, channel string, request types.Request, timeout time.Duration)
	Query(clientId types.ClientId, sql string, recordCount int, timeout time.Duration, done func(records []string, err error))
	MoreQueryResults(clientId types.ClientId, recordCount int, timeout time.Duration, done func(records []string, err error))
	ExecuteSql(clientId types.ClientId, sql string, timeout time.Duration, done func(count int, err error))
}

// Client is the spec's Client State Machine.
type Client struct {
	Id types.ClientId

	connMgr ConnManager
	sender  responder.WebSocketSender
	respond responder.Responder
	timeout time.Duration
	post    func(func())

	running        bool
	fatalError     *string
	disconnectedAt *time.Time
	listenRequest  *types.Request
	lastRequest    types.Request

	Session types.SessionModel
}

// New builds a running client bound to connMgr and a transport sender. post
// re-enters the Supervisor's single event-loop goroutine; send uses it to
// apply a send's outcome without the Client ever being touched from the
// sender's own goroutine.
func New(id types.ClientId, connMgr ConnManager, sender responder.WebSocketSender, timeout time.Duration, post func(func())) *Client {
	return &Client{
		Id:      id,
		connMgr: connMgr,
		sender:  sender,
		running: true,
		timeout: timeout,
		post:    post,
	}
}

// Running reports whether the client is still accepting outbound sends.
func (c *Client) Running() bool { return c.running }

// SetRunning marks the client as stopped (supervisor-driven). Once false,
// send becomes a no-op: internal bookkeeping continues so the DB side can be
// drained cleanly, but no further WebSocket frames are written.
func (c *Client) SetRunning(running bool) { c.running = running }

// FatalError returns the sticky fatal error, if any (invariant I4: monotonic
// until client destruction).
func (c *Client) FatalError() (string, bool) {
	if c.fatalError == nil {
		return "", false
	}
	return *c.fatalError, true
}

// SetFatalError latches the fatal error. Idempotent past the first call.
func (c *Client) SetFatalError(msg string) {
	if c.fatalError == nil {
		c.fatalError = &msg
	}
}

// DisconnectedAt returns the time the WebSocket disconnected, if it has.
func (c *Client) DisconnectedAt() (time.Time, bool) {
	if c.disconnectedAt == nil {
		return time.Time{}, false
	}
	return *c.disconnectedAt, true
}

// SetDisconnectedAt stamps the disconnect time, starting the GC countdown.
func (c *Client) SetDisconnectedAt(t time.Time) {
	if c.disconnectedAt == nil {
		c.disconnectedAt = &t
	}
}

// ListenRequest returns the Request that originated the client's current
// LISTEN subscription, used to key unsolicited notifications.
func (c *Client) ListenRequest() (types.Request, bool) {
	if c.listenRequest == nil {
		return types.Request{}, false
	}
	return *c.listenRequest, true
}

// SetListenRequest records the request that started a LISTEN. Called by
// internal/proxy from its ListenSucceeded notifier callback.
func (c *Client) SetListenRequest(req types.Request) { c.listenRequest = &req }

// ClearListenRequest drops the stored LISTEN request. Called by
// internal/proxy from its UnlistenSucceeded/ConnectionLost notifier callbacks.
func (c *Client) ClearListenRequest() { c.listenRequest = nil }

// LastRequest returns the most recent request this client dispatched,
// used to key an unsolicited ConnectionLost event.
func (c *Client) LastRequest() types.Request { return c.lastRequest }

// send marshals and writes resp if the client is still running, and latches
// a fatal error on write failure per spec section 4.4.
// send never blocks: the underlying write runs asynchronously, and a
// failure latches fatalError by posting back onto the event loop rather
// than mutating c directly from whatever goroutine the send completed on.
func (c *Client) send(resp responder.Response) {
	if !c.running {
		return
	}
	c.respond.Send(c.sender, c.Id, resp, func(err error) {
		if err == nil {
			return
		}
		c.post(func() { c.SetFatalError(err.Error()) })
	})
}

// Deny answers req with a fixed error message without forwarding it to the
// connection manager — used by internal/proxy when authentication fails, so
// a WebSocket send error on the denial itself still latches fatalError the
// same way any other response would.
func (c *Client) Deny(req types.Request, message string) {
	c.lastRequest = req
	c.send(c.respond.Error(req, c.Id, message))
}

// HandleRequest dispatches a decoded request: invariant I4's fatalError
// short-circuit, then the canonical pre-checks from spec section 4.4, then
// either a direct connmgr call (Connect/Disconnect/Listen/Unlisten, whose
// outcome arrives later via connmgr.Notifier) or a locally-answered
// Query/MoreQueryResults/ExecuteSql.
func (c *Client) HandleRequest(req types.Request) {
	c.lastRequest = req

	if msg, isFatal := c.FatalError(); isFatal {
		c.send(c.respond.Error(req, c.Id, msg))
		return
	}

	switch req.Func {
	case types.FuncConnect:
		c.connMgr.Connect(c.Id, req.Connect, req, c.timeout)

	case types.FuncDisconnect:
		if !c.connMgr.IsConnected(c.Id) {
			c.send(c.respond.Error(req, c.Id, errNotConnected))
			return
		}
		c.connMgr.Disconnect(c.Id, req.DiscardConnection, req, c.timeout)

	case types.FuncListen:
		if !c.connMgr.IsConnected(c.Id) {
			c.send(c.respond.Error(req, c.Id, errNotConnected))
			return
		}
		if !c.connMgr.IsNonListenConnection(c.Id) {
			c.send(c.respond.Error(req, c.Id, errAlreadyListening))
			return
		}
		c.connMgr.Listen(c.Id, req.Channel, req, c.timeout)

	case types.FuncUnlisten:
		if !c.connMgr.IsConnected(c.Id) {
			c.send(c.respond.Error(req, c.Id, errNotConnected))
			return
		}
		// the specific "not listening to this channel" case is reported by
		// connmgr.Unlisten itself via UnlistenFailed.
		c.connMgr.Unlisten(c.Id, req.Channel, req, c.timeout)

	case types.FuncQuery:
		if !c.connMgr.IsConnected(c.Id) {
			c.send(c.respond.Error(req, c.Id, errNotConnected))
			return
		}
		if !c.connMgr.IsNonListenConnection(c.Id) {
			c.send(c.respond.Error(req, c.Id, errUsedForListening))
			return
		}
		c.connMgr.Query(c.Id, req.Sql, req.RecordCount, c.timeout, func(records []string, err error) {
			if err != nil {
				c.send(c.respond.Error(req, c.Id, err.Error()))
				return
			}
			c.send(c.respond.SuccessRecords(req, c.Id, records))
		})

	case types.FuncMoreQueryResults:
		if !c.connMgr.IsConnected(c.Id) {
			c.send(c.respond.Error(req, c.Id, errNotConnected))
			return
		}
		if !c.connMgr.IsNonListenConnection(c.Id) {
			c.send(c.respond.Error(req, c.Id, errUsedForListening))
			return
		}
		c.connMgr.MoreQueryResults(c.Id, req.RecordCount, c.timeout, func(records []string, err error) {
			if err != nil {
				c.send(c.respond.Error(req, c.Id, err.Error()))
				return
			}
			c.send(c.respond.SuccessRecords(req, c.Id, records))
		})

	case types.FuncExecuteSql:
		if !c.connMgr.IsConnected(c.Id) {
			c.send(c.respond.Error(req, c.Id, errNotConnected))
			return
		}
		if !c.connMgr.IsNonListenConnection(c.Id) {
			c.send(c.respond.Error(req, c.Id, errUsedForListening))
			return
		}
		c.connMgr.ExecuteSql(c.Id, req.Sql, c.timeout, func(count int, err error) {
			if err != nil {
				c.send(c.respond.Error(req, c.Id, err.Error()))
				return
			}
			c.send(c.respond.SuccessCount(req, c.Id, count))
		})

	default:
		c.send(c.respond.Error(req, c.Id, req.UnknownDetail))
	}
}

// NotifyConnected answers the originating Connect request with success.
func (c *Client) NotifyConnected(req types.Request) { c.send(c.respond.Success(req, c.Id)) }

// NotifyConnectFailed answers the originating Connect request with err.
func (c *Client) NotifyConnectFailed(req types.Request, err error) {
	c.send(c.respond.Error(req, c.Id, err.Error()))
}

// NotifyDisconnected answers the originating Disconnect request with success.
func (c *Client) NotifyDisconnected(req types.Request) { c.send(c.respond.Success(req, c.Id)) }

// NotifyDisconnectFailed answers the originating Disconnect request with err.
func (c *Client) NotifyDisconnectFailed(req types.Request, err error) {
	c.send(c.respond.Error(req, c.Id, err.Error()))
}

// NotifyListenSucceeded answers the originating Listen request with success
// and latches it as the client's listenRequest.
func (c *Client) NotifyListenSucceeded(req types.Request) {
	c.SetListenRequest(req)
	c.send(c.respond.Success(req, c.Id))
}

// NotifyListenFailed answers the originating Listen request with err.
func (c *Client) NotifyListenFailed(req types.Request, err error) {
	c.send(c.respond.Error(req, c.Id, err.Error()))
}

// NotifyUnlistenSucceeded answers the originating Unlisten request with
// success and clears the stored listenRequest.
func (c *Client) NotifyUnlistenSucceeded(req types.Request) {
	c.ClearListenRequest()
	c.send(c.respond.Success(req, c.Id))
}

// NotifyUnlistenFailed answers the originating Unlisten request with err.
func (c *Client) NotifyUnlistenFailed(req types.Request, err error) {
	c.send(c.respond.Error(req, c.Id, err.Error()))
}

// NotifyListenNotification formats and sends an unsolicited LISTEN payload,
// keyed by the request that originally initiated the subscription.
func (c *Client) NotifyListenNotification(payload string) {
	req, ok := c.ListenRequest()
	if !ok {
		return
	}
	c.send(c.respond.UnsolicitedListen(req, c.Id, payload))
}

// NotifyConnectionLost formats and sends an unsolicited connection-lost
// event, keyed by the client's most recent request.
func (c *Client) NotifyConnectionLost(errMsg string) {
	c.ClearListenRequest()
	c.send(c.respond.UnsolicitedConnectionLost(c.lastRequest, c.Id, errMsg))
}
