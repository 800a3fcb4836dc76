// Package connmgr implements the connection manager: it binds clients to
// backend PostgreSQL connections, shares LISTEN connections across clients
// with identical credentials and channel, and carries out the reconnection
// dance required when a sharer unlistens.
//
// ConnManager is not internally synchronized. It is designed to be driven
// exclusively from the single serialized event loop the proxy supervisor
// runs (see internal/proxy); every exported method must be called from that
// loop, the same way the teacher's websocket hub documents "hub is only
// handled here, no locking is required" for its own single-goroutine select
// loop.
package connmgr

import (
	"context"
	"errors"
	"time"

	"github.com/crosswind-labs/pgproxy/internal/types"
	"github.com/gofrs/uuid"
	"golang.org/x/exp/maps"
)

// Driver is the external collaborator the connection manager drives: the
// concrete PostgreSQL backend. internal/pgdriver implements this on pgx/v5.
type Driver interface {
	Connect(ctx context.Context, req types.ConnectRequest, onLost func(id types.ConnectionId, err error)) (types.ConnectionId, error)
	Disconnect(ctx context.Context, id types.ConnectionId, discard bool) error
	Query(ctx context.Context, id types.ConnectionId, sql string, recordCount int) (records []string, more bool, err error)
	MoreQueryResults(ctx context.Context, id types.ConnectionId, recordCount int) (records []string, more bool, err error)
	ExecuteSql(ctx context.Context, id types.ConnectionId, sql string) (count int, err error)
	Listen(ctx context.Context, req types.ConnectRequest, id types.ConnectionId, channel string,
		onNotify func(payload string), onLost func(id types.ConnectionId, err error)) error
	Unlisten(ctx context.Context, id types.ConnectionId, channel string) error
}

// Notifier receives the asynchronous outcomes of connection manager
// operations and routes them to the right client. Implemented by
// internal/proxy, which owns the client table the connection manager does
// not.
type Notifier interface {
	Connected(clientId types.ClientId, request types.Request, connId types.ConnectionId)
	ConnectFailed(clientId types.ClientId, request types.Request, err error)
	Disconnected(clientId types.ClientId, request types.Request)
	DisconnectFailed(clientId types.ClientId, request types.Request, err error)
	ListenSucceeded(clientId types.ClientId, request types.Request)
	ListenFailed(clientId types.ClientId, request types.Request, err error)
	ListenNotification(clientId types.ClientId, payload string)
	UnlistenSucceeded(clientId types.ClientId, request types.Request)
	UnlistenFailed(clientId types.ClientId, request types.Request, err error)
	ConnectionLost(clientId types.ClientId, err error)
}

type connectRecord struct {
	req     types.ConnectRequest
	request types.Request
}

type sharedListenEntry struct {
	ownerClientId types.ClientId
	connectionId  types.ConnectionId
}

// ConnManager is the spec's "Connection Manager": it tracks
// ClientId -> ConnectionId, ClientId -> (ConnectRequest, Request), and
// (fingerprint, channel) -> shared LISTEN connection.
type ConnManager struct {
	driver   Driver
	post     func(func())
	notifier Notifier
	stopping bool

	connectRequests  map[types.ClientId]connectRecord
	connectionIds    map[types.ClientId]types.ConnectionId
	refCount         map[types.ConnectionId]int
	clientsByConnId  map[types.ConnectionId]map[types.ClientId]bool
	sharedListen     map[types.ListenKey]*sharedListenEntry
	listenConnToKey  map[types.ConnectionId]types.ListenKey
}

// New builds a connection manager. post must serialize the given closure
// back onto the owning event loop (see internal/proxy.Supervisor.post);
// notifier routes operation outcomes to the client that originated them.
func New(driver Driver, post func(func()), notifier Notifier) *ConnManager {
	return &ConnManager{
		driver:          driver,
		post:            post,
		notifier:        notifier,
		connectRequests: make(map[types.ClientId]connectRecord),
		connectionIds:   make(map[types.ClientId]types.ConnectionId),
		refCount:        make(map[types.ConnectionId]int),
		clientsByConnId: make(map[types.ConnectionId]map[types.ClientId]bool),
		sharedListen:    make(map[types.ListenKey]*sharedListenEntry),
		listenConnToKey: make(map[types.ConnectionId]types.ListenKey),
	}
}

// SetStopping marks the manager as draining. The flag is only recorded: no
// operation of the manager reads it, so new work, including LISTEN sharing,
// is still served.
func (m *ConnManager) SetStopping(stopping bool) { m.stopping = stopping }

// IsConnected reports whether clientId currently has any backend
// connection at all.
func (m *ConnManager) IsConnected(clientId types.ClientId) bool {
	_, exists := m.connectionIds[clientId]
	return exists
}

// IsNonListenConnection reports true iff the client has no connection, or
// its connection does not back a shared LISTEN entry (invariant I2).
func (m *ConnManager) IsNonListenConnection(clientId types.ClientId) bool {
	connId, exists := m.connectionIds[clientId]
	if !exists {
		return true
	}
	_, isListen := m.listenConnToKey[connId]
	return !isListen
}

// IsListeningOnChannel reports true iff the client's connection is the
// shared LISTEN entry for the given channel.
func (m *ConnManager) IsListeningOnChannel(clientId types.ClientId, channel string) bool {
	connId, exists := m.connectionIds[clientId]
	if !exists {
		return false
	}
	key, isListen := m.listenConnToKey[connId]
	return isListen && key.Channel == channel
}

func (m *ConnManager) bind(clientId types.ClientId, connId types.ConnectionId) {
	m.connectionIds[clientId] = connId
	m.refCount[connId]++
	if m.clientsByConnId[connId] == nil {
		m.clientsByConnId[connId] = make(map[types.ClientId]bool)
	}
	m.clientsByConnId[connId][clientId] = true
}

// unbind drops clientId's current connection mapping. It returns the
// connection it was bound to and whether this was the last reference to
// that connection (per invariant I3, the caller is then responsible for the
// real driver disconnect).
func (m *ConnManager) unbind(clientId types.ClientId) (connId types.ConnectionId, wasLast bool) {
	connId, exists := m.connectionIds[clientId]
	if !exists {
		return connId, false
	}
	delete(m.connectionIds, clientId)
	delete(m.clientsByConnId[connId], clientId)
	m.refCount[connId]--
	wasLast = m.refCount[connId] <= 0
	if wasLast {
		delete(m.refCount, connId)
		delete(m.clientsByConnId, connId)
		if key, isListen := m.listenConnToKey[connId]; isListen {
			delete(m.sharedListen, key)
			delete(m.listenConnToKey, connId)
		}
	}
	return connId, wasLast
}

// Connect issues a driver-level connect for clientId. The eventual outcome
// is delivered to the notifier as Connected or ConnectFailed.
func (m *ConnManager) Connect(clientId types.ClientId, req types.ConnectRequest, request types.Request, timeout time.Duration) {
	m.connectRequests[clientId] = connectRecord{req: req, request: request}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		connId, err := m.driver.Connect(ctx, req, func(id types.ConnectionId, lostErr error) {
			m.post(func() { m.handleConnectionLost(id, lostErr) })
		})

		m.post(func() {
			if err != nil {
				delete(m.connectRequests, clientId)
				m.notifier.ConnectFailed(clientId, request, err)
				return
			}
			if _, stillWanted := m.connectRequests[clientId]; !stillWanted {
				// client disconnected (WebSocket closed) while we were
				// connecting; tear the now-orphaned connection back down.
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), timeout)
					defer cancel()
					_ = m.driver.Disconnect(ctx, connId, true)
				}()
				return
			}
			m.bind(clientId, connId)
			m.notifier.Connected(clientId, request, connId)
		})
	}()
}

// Disconnect tears clientId out of the connection it references. If it is
// the last reference to that connection, a real driver disconnect is
// issued; otherwise the mapping is dropped and success is synthesized
// immediately (invariant I3).
func (m *ConnManager) Disconnect(clientId types.ClientId, discardConnection bool, request types.Request, timeout time.Duration) {
	delete(m.connectRequests, clientId)
	connId, wasLast := m.unbind(clientId)

	if !wasLast {
		m.notifier.Disconnected(clientId, request)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := m.driver.Disconnect(ctx, connId, discardConnection)

		m.post(func() {
			if err != nil {
				m.notifier.DisconnectFailed(clientId, request, err)
				return
			}
			m.notifier.Disconnected(clientId, request)
		})
	}()
}

// Listen subscribes clientId to channel. If a shared LISTEN connection for
// the client's credential fingerprint and this channel already exists, the
// client is rebound to it and its former connection released. Otherwise the
// client's current connection becomes the new shared LISTEN connection.
func (m *ConnManager) Listen(clientId types.ClientId, channel string, request types.Request, timeout time.Duration) {
	rec, exists := m.connectRequests[clientId]
	if !exists {
		m.notifier.ListenFailed(clientId, request, errors.New("Operation NOT allowed since not connected"))
		return
	}

	key := types.ListenKey{Fingerprint: rec.req.Fingerprint(), Channel: channel}

	if entry, exists := m.sharedListen[key]; exists {
		oldConnId, wasLast := m.unbind(clientId)
		m.bind(clientId, entry.connectionId)
		if wasLast && oldConnId != entry.connectionId && oldConnId != uuid.Nil {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), timeout)
				defer cancel()
				_ = m.driver.Disconnect(ctx, oldConnId, true)
			}()
		}
		m.notifier.ListenSucceeded(clientId, request)
		return
	}

	connId := m.connectionIds[clientId]
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := m.driver.Listen(ctx, rec.req, connId, channel,
			func(payload string) {
				m.post(func() { m.routeListenEvent(connId, payload) })
			},
			func(id types.ConnectionId, lostErr error) {
				m.post(func() { m.handleConnectionLost(id, lostErr) })
			},
		)
		cancel()

		m.post(func() {
			if err != nil {
				m.notifier.ListenFailed(clientId, request, err)
				return
			}
			m.listenConnToKey[connId] = key
			m.sharedListen[key] = &sharedListenEntry{ownerClientId: clientId, connectionId: connId}
			m.notifier.ListenSucceeded(clientId, request)
		})
	}()
}

// Unlisten unsubscribes clientId from channel. The last sharer simply
// succeeds, leaving the shared connection to decay when its owner
// eventually disconnects entirely. Any other sharer is moved onto a fresh,
// non-listen connection.
func (m *ConnManager) Unlisten(clientId types.ClientId, channel string, request types.Request, timeout time.Duration) {
	connId, exists := m.connectionIds[clientId]
	if !exists || func() bool { key, ok := m.listenConnToKey[connId]; return !ok || key.Channel != channel }() {
		m.notifier.UnlistenFailed(clientId, request, errors.New("Operation NOT allowed since connection is NOT listening to specified channel"))
		return
	}

	if m.refCount[connId] <= 1 {
		m.notifier.UnlistenSucceeded(clientId, request)
		return
	}

	rec := m.connectRequests[clientId]
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		newConnId, err := m.driver.Connect(ctx, rec.req, func(id types.ConnectionId, lostErr error) {
			m.post(func() { m.handleConnectionLost(id, lostErr) })
		})

		m.post(func() {
			if err != nil {
				m.notifier.UnlistenFailed(clientId, request, err)
				return
			}
			m.unbind(clientId)
			m.bind(clientId, newConnId)
			m.connectRequests[clientId] = connectRecord{req: rec.req, request: request}
			m.notifier.UnlistenSucceeded(clientId, request)
		})
	}()
}

// Query runs sql against clientId's connection.
func (m *ConnManager) Query(clientId types.ClientId, sql string, recordCount int, timeout time.Duration, done func(records []string, err error)) {
	connId := m.connectionIds[clientId]
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		records, _, err := m.driver.Query(ctx, connId, sql, recordCount)
		m.post(func() { done(records, err) })
	}()
}

// MoreQueryResults continues paging the cursor opened by the last Query.
func (m *ConnManager) MoreQueryResults(clientId types.ClientId, recordCount int, timeout time.Duration, done func(records []string, err error)) {
	connId := m.connectionIds[clientId]
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		records, _, err := m.driver.MoreQueryResults(ctx, connId, recordCount)
		m.post(func() { done(records, err) })
	}()
}

// ExecuteSql runs a statement that does not return rows.
func (m *ConnManager) ExecuteSql(clientId types.ClientId, sql string, timeout time.Duration, done func(count int, err error)) {
	connId := m.connectionIds[clientId]
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		count, err := m.driver.ExecuteSql(ctx, connId, sql)
		m.post(func() { done(count, err) })
	}()
}

// routeListenEvent fans a notification out to every client currently bound
// to connId.
func (m *ConnManager) routeListenEvent(connId types.ConnectionId, payload string) {
	for clientId := range m.clientsByConnId[connId] {
		m.notifier.ListenNotification(clientId, payload)
	}
}

// handleConnectionLost destroys every trace of connId and tells every
// client that was bound to it.
func (m *ConnManager) handleConnectionLost(connId types.ConnectionId, lostErr error) {
	affected := maps.Keys(m.clientsByConnId[connId])
	delete(m.clientsByConnId, connId)
	delete(m.refCount, connId)
	if key, isListen := m.listenConnToKey[connId]; isListen {
		delete(m.sharedListen, key)
		delete(m.listenConnToKey, connId)
	}

	for _, clientId := range affected {
		delete(m.connectionIds, clientId)
		delete(m.connectRequests, clientId)
		m.notifier.ConnectionLost(clientId, lostErr)
	}
}

// ForgetClient drops every trace of clientId without talking to the driver.
// Used when a client is force-destroyed and its connection has already been
// (or is being) torn down through Disconnect.
func (m *ConnManager) ForgetClient(clientId types.ClientId) {
	delete(m.connectRequests, clientId)
	m.unbind(clientId)
}
