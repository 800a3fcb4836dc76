// Package proxy implements the Proxy Supervisor: the single serialized event
// loop that owns the client table and the connection manager, authenticates
// and remaps inbound Connect requests, drives the client lifecycle, and
// implements connmgr.Notifier to route asynchronous connection-manager
// outcomes back to the originating client.
//
// Like the teacher's websocket hub, every event-ingress method
// (ClientConnected, ClientDisconnected, Message, Stop, the periodic tick) posts a closure onto
// a single channel drained by one goroutine; all Supervisor/client/connmgr
// state is only ever touched from that goroutine, so none of it needs a
// mutex.
package proxy

import (
	"context"
	"time"

	"github.com/crosswind-labs/pgproxy/internal/client"
	"github.com/crosswind-labs/pgproxy/internal/connmgr"
	"github.com/crosswind-labs/pgproxy/internal/decoder"
	pglog "github.com/crosswind-labs/pgproxy/internal/log"
	"github.com/crosswind-labs/pgproxy/internal/responder"
	"github.com/crosswind-labs/pgproxy/internal/types"
	"golang.org/x/sync/errgroup"
)

const invalidSession = "Invalid session"

// Transport is the subset of internal/wsserver the Supervisor drives: the
// responder's send interface, plus the ability to force-close a client's
// underlying WebSocket during shutdown.
type Transport interface {
	responder.WebSocketSender
	Close(clientId types.ClientId)
}

// Taggers are host-message factories, mirroring the teacher's host-supplied
// error/log/started/stopped callbacks. The Supervisor invokes Started,
// Stopped, ClientDestroyed and ListenEvent, when non-nil, at the
// corresponding lifecycle point. Error, Log and SendError are carried in the
// configuration but the Supervisor never invokes them; a send failure only
// latches the client's fatalError. A demo host that does not care about a
// given event simply leaves it nil.
type Taggers struct {
	Error            func(err error)
	Log              func(message string)
	Started          func()
	Stopped          func()
	SendError        func(clientId types.ClientId, err error)
	ClientDestroyed  func(clientId types.ClientId)
	ListenEvent      func(clientId types.ClientId, payload string)
}

// Config is the Supervisor's runtime configuration, a direct translation of
// spec.md section 6's config surface into Go types. internal/config builds
// one of these from viper+validator for the demo host; tests construct it
// literally.
type Config struct {
	Authenticate types.Authenticate

	PgConnectTimeout                             time.Duration
	DelayBeforeStop                               time.Duration
	GarbageCollectDisconnectedClientsAfterPeriod time.Duration
	IdleDumpStateFrequency                        time.Duration
	Debug                                          bool

	HostMap     map[string]string
	PortMap     map[int]int
	DatabaseMap map[string]string
	UserMap     map[string]string
	PasswordMap map[string]string

	Taggers Taggers
}

// remapConnect substitutes host/port/database/user/password through the
// configured lookup tables, per spec.md section 4.5. A missing key becomes
// the literal "invalid" (0 for port) so untrusted clients never see the real
// backing credentials.
func (c Config) remapConnect(req types.ConnectRequest) types.ConnectRequest {
	host, ok := c.HostMap[req.Host]
	if !ok {
		host = "invalid"
	}
	port, ok := c.PortMap[req.Port]
	if !ok {
		port = 0
	}
	database, ok := c.DatabaseMap[req.Database]
	if !ok {
		database = "invalid"
	}
	user, ok := c.UserMap[req.User]
	if !ok {
		user = "invalid"
	}
	password, ok := c.PasswordMap[req.Password]
	if !ok {
		password = "invalid"
	}
	return types.ConnectRequest{Host: host, Port: port, Database: database, User: user, Password: password}
}

// Supervisor is the spec's Proxy Supervisor / PGProxy.
type Supervisor struct {
	config    Config
	transport Transport
	connMgr   *connmgr.ConnManager

	work chan func()
	done chan struct{}

	clients  map[types.ClientId]*client.Client
	running  bool
	stopping bool

	// authPending and authBusy give each client its own FIFO message queue
	// across the authenticate round-trip in Message: authenticate runs off
	// the event loop (it can block on LDAP/OIDC), so without this a second
	// message that authenticates faster than the first could reach
	// HandleRequest before it. At most one authenticate call per client is
	// ever in flight; the rest wait in authPending.
	authPending map[types.ClientId][]types.Request
	authBusy    map[types.ClientId]bool

	currentTime time.Time
	idleTicks   int
}

// New builds a Supervisor bound to driver (via its own connmgr.ConnManager)
// and transport. Call Run to start the event loop before feeding it events.
func New(driver connmgr.Driver, transport Transport, config Config) *Supervisor {
	s := &Supervisor{
		config:    config,
		transport: transport,
		work:        make(chan func(), 256),
		done:        make(chan struct{}),
		clients:     make(map[types.ClientId]*client.Client),
		authPending: make(map[types.ClientId][]types.Request),
		authBusy:    make(map[types.ClientId]bool),
	}
	s.connMgr = connmgr.New(driver, s.post, s)
	return s
}

// post enqueues f to run on the Supervisor's single event-loop goroutine.
// Safe to call from any goroutine, including from inside the loop itself.
func (s *Supervisor) post(f func()) { s.work <- f }

// Run drives the event loop until ctx is cancelled or the Supervisor reaches
// Stopped. It also posts start and drives the 1-second tick. Intended to be
// called once, in its own goroutine, by the demo host.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	s.post(s.start)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case now := <-ticker.C:
			s.post(func() { s.tick(now) })
		case f := <-s.work:
			f()
		}
	}
}

// start transitions the Supervisor to running and fires the started tagger.
func (s *Supervisor) start() {
	s.running = true
	s.currentTime = time.Now()
	pglog.Info(pglog.ContextProxy, "supervisor started")
	if s.config.Taggers.Started != nil {
		s.config.Taggers.Started()
	}
}

// Stop begins graceful shutdown: every live client is marked not-running,
// the connection manager is marked stopping, and DelayedStop is scheduled
// after config.DelayBeforeStop.
func (s *Supervisor) Stop() {
	s.post(func() {
		s.running = false
		s.stopping = true
		s.connMgr.SetStopping(true)
		for _, c := range s.clients {
			c.SetRunning(false)
		}
		time.AfterFunc(s.config.DelayBeforeStop, func() { s.post(s.delayedStop) })
	})
}

// delayedStop force-destroys every remaining client in parallel (per
// spec.md section 4.5), then transitions to Stopped once the table is
// empty.
func (s *Supervisor) delayedStop() {
	if len(s.clients) == 0 {
		s.stopped()
		return
	}

	ids := make([]types.ClientId, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}

	now := s.currentTime
	for _, id := range ids {
		if c, ok := s.clients[id]; ok {
			c.SetDisconnectedAt(now)
		}
	}

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			s.transport.Close(id)
			return nil
		})
	}
	_ = g.Wait()

	for _, id := range ids {
		s.connMgr.ForgetClient(id)
		delete(s.clients, id)
		if s.config.Taggers.ClientDestroyed != nil {
			s.config.Taggers.ClientDestroyed(id)
		}
	}
	s.stopped()
}

// clientDestroyed removes clientId's record; if the table is now empty and
// the Supervisor is no longer running, it transitions to Stopped.
func (s *Supervisor) clientDestroyed(clientId types.ClientId) {
	if _, exists := s.clients[clientId]; !exists {
		return
	}
	s.connMgr.ForgetClient(clientId)
	delete(s.clients, clientId)
	delete(s.authPending, clientId)
	delete(s.authBusy, clientId)
	if s.config.Taggers.ClientDestroyed != nil {
		s.config.Taggers.ClientDestroyed(clientId)
	}
	if !s.running && len(s.clients) == 0 {
		s.stopped()
	}
}

func (s *Supervisor) stopped() {
	pglog.Info(pglog.ContextProxy, "supervisor stopped")
	if s.config.Taggers.Stopped != nil {
		s.config.Taggers.Stopped()
	}
	if s.config.Debug {
		s.dumpState()
	}
	close(s.done)
}

func (s *Supervisor) dumpState() {
	pglog.Info(pglog.ContextProxy, "state dump: "+s.stateSummary())
}

func (s *Supervisor) stateSummary() string {
	return "clients=" + itoa(len(s.clients))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// tick is the 1-second periodic Supervisor message: it advances
// currentTime, dumps state at idleDumpStateFrequency, and garbage-collects
// clients that have been disconnected past
// garbageCollectDisconnectedClientsAfterPeriod.
func (s *Supervisor) tick(now time.Time) {
	s.currentTime = now

	s.idleTicks++
	if s.config.IdleDumpStateFrequency > 0 && time.Duration(s.idleTicks)*time.Second >= s.config.IdleDumpStateFrequency {
		s.idleTicks = 0
		s.dumpState()
	}

	for id, c := range s.clients {
		disconnectedAt, isDisconnected := c.DisconnectedAt()
		if !isDisconnected {
			continue
		}
		if now.Sub(disconnectedAt) >= s.config.GarbageCollectDisconnectedClientsAfterPeriod {
			s.clientDestroyed(id)
		}
	}
}

// ClientConnected handles a new WebSocket connection: it inserts a fresh
// Client record bound to this Supervisor's connection manager and
// transport. Named distinctly from connmgr.Notifier's Connected (a backend
// connect outcome), which this Supervisor also implements below.
func (s *Supervisor) ClientConnected(clientId types.ClientId, ip string) {
	s.post(func() {
		s.clients[clientId] = client.New(clientId, s.connMgr, s.transport, s.config.PgConnectTimeout, s.post)
		pglog.Info(pglog.ContextProxy, "client connected from "+ip)
	})
}

// ClientDisconnected handles a WebSocket disconnect: it stamps
// disconnectedAt and initiates an internal disconnect (discardConnection=
// true) of the client's backend connection; garbage collection later
// destroys the record.
func (s *Supervisor) ClientDisconnected(clientId types.ClientId) {
	s.post(func() {
		c, exists := s.clients[clientId]
		if !exists {
			return
		}
		c.SetRunning(false)
		c.SetDisconnectedAt(s.currentTime)
		if s.connMgr.IsConnected(clientId) {
			s.connMgr.Disconnect(clientId, true, types.Request{Func: types.FuncDisconnect}, s.config.PgConnectTimeout)
		}
	})
}

// Message handles an inbound WebSocket frame: decode, remap Connect
// credentials, authenticate, then dispatch to the client state machine. If
// the Supervisor is stopping, the request is rejected without dispatch.
func (s *Supervisor) Message(clientId types.ClientId, raw []byte) {
	s.post(func() {
		_, exists := s.clients[clientId]
		if !exists {
			return
		}

		if s.stopping {
			pglog.Warning(pglog.ContextProxy, "rejecting request: supervisor is stopping", nil)
			return
		}

		req := decoder.Decode(raw)
		if req.Func == types.FuncConnect {
			req.Connect = s.config.remapConnect(req.Connect)
		}

		s.enqueueAuth(clientId, req)
	})
}

// enqueueAuth preserves per-client FIFO order across the authenticate
// round-trip: authenticate can block on an LDAP/OIDC round-trip, so without
// this a later message that authenticates faster could reach HandleRequest
// before an earlier one still waiting on a slower check. At most one
// authenticate call per client runs at a time; the rest queue in
// authPending and are drained in arrival order.
func (s *Supervisor) enqueueAuth(clientId types.ClientId, req types.Request) {
	if s.authBusy[clientId] {
		s.authPending[clientId] = append(s.authPending[clientId], req)
		return
	}
	s.authBusy[clientId] = true
	s.runAuth(clientId, req)
}

// runAuth authenticates req off the event loop and posts its outcome back
// before letting the next queued message for clientId start authenticating.
func (s *Supervisor) runAuth(clientId types.ClientId, req types.Request) {
	c, exists := s.clients[clientId]
	if !exists {
		delete(s.authBusy, clientId)
		delete(s.authPending, clientId)
		return
	}

	session := c.Session
	sessionId := req.SessionId
	authenticate := s.config.Authenticate

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.PgConnectTimeout)
		defer cancel()

		updated, ok, err := authenticate(ctx, session, sessionId)

		s.post(func() {
			if cur, exists := s.clients[clientId]; exists {
				if err != nil || !ok {
					cur.Deny(req, invalidSession)
				} else {
					cur.Session = updated
					cur.HandleRequest(req)
				}
			}
			s.nextAuth(clientId)
		})
	}()
}

// nextAuth dequeues clientId's next pending message, if any, or marks the
// client idle so a future Message can start authenticating immediately.
func (s *Supervisor) nextAuth(clientId types.ClientId) {
	pending := s.authPending[clientId]
	if len(pending) == 0 {
		delete(s.authBusy, clientId)
		delete(s.authPending, clientId)
		return
	}
	next := pending[0]
	if len(pending) == 1 {
		delete(s.authPending, clientId)
	} else {
		s.authPending[clientId] = pending[1:]
	}
	s.runAuth(clientId, next)
}

// --- connmgr.Notifier ---
//
// Every method below runs already on the Supervisor's event loop: connmgr
// calls the notifier either from inside its own m.post closures or
// synchronously from one of its methods that the event loop itself invoked
// (Disconnect, Listen, Unlisten), so no further post() is needed here — only
// the client-table lookup.

func (s *Supervisor) Connected(clientId types.ClientId, request types.Request, connId types.ConnectionId) {
	if c, exists := s.clients[clientId]; exists {
		c.NotifyConnected(request)
	}
}

func (s *Supervisor) ConnectFailed(clientId types.ClientId, request types.Request, err error) {
	if c, exists := s.clients[clientId]; exists {
		c.NotifyConnectFailed(request, err)
	}
}

func (s *Supervisor) Disconnected(clientId types.ClientId, request types.Request) {
	if c, exists := s.clients[clientId]; exists {
		c.NotifyDisconnected(request)
	}
}

func (s *Supervisor) DisconnectFailed(clientId types.ClientId, request types.Request, err error) {
	if c, exists := s.clients[clientId]; exists {
		c.NotifyDisconnectFailed(request, err)
	}
}

func (s *Supervisor) ListenSucceeded(clientId types.ClientId, request types.Request) {
	if c, exists := s.clients[clientId]; exists {
		c.NotifyListenSucceeded(request)
	}
}

func (s *Supervisor) ListenFailed(clientId types.ClientId, request types.Request, err error) {
	if c, exists := s.clients[clientId]; exists {
		c.NotifyListenFailed(request, err)
	}
}

func (s *Supervisor) ListenNotification(clientId types.ClientId, payload string) {
	if c, exists := s.clients[clientId]; exists {
		c.NotifyListenNotification(payload)
	}
	if s.config.Taggers.ListenEvent != nil {
		s.config.Taggers.ListenEvent(clientId, payload)
	}
}

func (s *Supervisor) UnlistenSucceeded(clientId types.ClientId, request types.Request) {
	if c, exists := s.clients[clientId]; exists {
		c.NotifyUnlistenSucceeded(request)
	}
}

func (s *Supervisor) UnlistenFailed(clientId types.ClientId, request types.Request, err error) {
	if c, exists := s.clients[clientId]; exists {
		c.NotifyUnlistenFailed(request, err)
	}
}

func (s *Supervisor) ConnectionLost(clientId types.ClientId, err error) {
	if c, exists := s.clients[clientId]; exists {
		c.NotifyConnectionLost(err.Error())
	}
}
