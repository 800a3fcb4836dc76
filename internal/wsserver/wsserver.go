// Package wsserver is the WebSocket transport: an HTTP upgrade handler plus
// a hub of live connections, grounded directly on the teacher's
// handler/websocket/websocket.go. As in the teacher, a single hub goroutine
// owns the live-client set and is the only thing that ever touches a
// *websocket.Conn's lifecycle bookkeeping — "hub is only handled here, no
// locking is required" applies here exactly as it does there.
//
// Where the teacher's hub fans host-originated "unrequested transactions"
// out to every matching client, this hub instead relays Supervisor-addressed
// point-to-point sends: Send and Close are implemented as requests posted
// onto the same channel the hub's start() loop already selects on, so the
// live-client map is still mutated from nowhere but that one goroutine.
package wsserver

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/crosswind-labs/pgproxy/internal/types"
	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"

	pglog "github.com/crosswind-labs/pgproxy/internal/log"
)

// writeTimeout bounds every WriteMessage call so one stalled client (TCP
// receive buffer full, reader stopped pumping) can never wedge the hub loop
// or the goroutine the loop spawned to perform the write.
const writeTimeout = 5 * time.Second

// Router is the subset of internal/proxy.Supervisor this hub drives. Every
// method here is safe to call from any goroutine — the Supervisor posts
// each one onto its own single-threaded work queue internally.
type Router interface {
	ClientConnected(clientId types.ClientId, ip string)
	ClientDisconnected(clientId types.ClientId)
	Message(clientId types.ClientId, raw []byte)
}

type wsClient struct {
	id      types.ClientId
	address string
	ws      *websocket.Conn
	writeMx sync.Mutex
}

func (c *wsClient) write(frame []byte) error {
	c.writeMx.Lock()
	defer c.writeMx.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// sendRequest carries its outcome back through done instead of a result
// channel, so Send never has to block the caller on the write completing -
// only on handing the request to the hub loop.
type sendRequest struct {
	clientId types.ClientId
	frame    []byte
	done     func(error)
}

// Hub is the live-connection registry and transport entry point. It
// implements internal/proxy.Transport.
type Hub struct {
	router   Router
	upgrader websocket.Upgrader
	path     string

	clients map[types.ClientId]*wsClient

	clientAdd chan *wsClient
	clientDel chan types.ClientId
	sendReq   chan sendRequest
	closeReq  chan types.ClientId
}

// New builds a hub that upgrades requests at path and routes connection
// lifecycle and inbound frames to router. Call Start to run its loop before
// registering Handler with an http.ServeMux.
func New(router Router, path string) *Hub {
	return &Hub{
		router: router,
		path:   path,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients:   make(map[types.ClientId]*wsClient),
		clientAdd: make(chan *wsClient),
		clientDel: make(chan types.ClientId),
		sendReq:   make(chan sendRequest),
		closeReq:  make(chan types.ClientId),
	}
}

// Path returns the configured upgrade path, for mounting Handler.
func (h *Hub) Path() string { return h.path }

// Start runs the hub's single-goroutine select loop. Intended to be started
// once, in its own goroutine, by the demo host (mirrors the teacher's
// `go hub.start()` in StartBackgroundTasks).
func (h *Hub) Start() {
	for {
		select {
		case c := <-h.clientAdd:
			h.clients[c.id] = c

		case id := <-h.clientDel:
			if c, exists := h.clients[id]; exists {
				delete(h.clients, id)
				c.ws.Close()
				h.router.ClientDisconnected(id)
			}

		case req := <-h.sendReq:
			c, exists := h.clients[req.clientId]
			if !exists {
				req.done(errors.New("client not registered"))
				continue
			}
			go func() {
				if err := c.write(req.frame); err != nil {
					h.clientDel <- req.clientId
					req.done(err)
					return
				}
				req.done(nil)
			}()

		case id := <-h.closeReq:
			if c, exists := h.clients[id]; exists {
				delete(h.clients, id)
				c.writeMx.Lock()
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				c.writeMx.Unlock()
				c.ws.Close()
			}
		}
	}
}

// Send implements responder.WebSocketSender / internal/proxy.Transport: it
// hands frame to the registered client's connection, serialized through the
// hub loop and that client's own write mutex. It returns as soon as the
// request has been handed to the hub loop - the actual write (and its write
// deadline) run on a goroutine the loop spawns, and done reports the outcome
// whenever that write finishes. Callers must not assume done has fired by
// the time Send returns.
func (h *Hub) Send(clientId types.ClientId, frame []byte, done func(error)) {
	h.sendReq <- sendRequest{clientId: clientId, frame: frame, done: done}
}

// Close implements internal/proxy.Transport: it force-closes clientId's
// WebSocket without telling the Supervisor (used during DelayedStop, which
// has already removed the client from its own table).
func (h *Hub) Close(clientId types.ClientId) {
	h.closeReq <- clientId
}

// Handler upgrades an incoming HTTP request to a WebSocket, registers the
// new client with the hub, notifies the router, and starts that client's
// read pump.
func (h *Hub) Handler(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	clientId, err := uuid.NewV4()
	if err != nil {
		pglog.Error(pglog.ContextWebsocket, "failed to mint client id", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		pglog.Error(pglog.ContextWebsocket, "websocket upgrade failed", err)
		return
	}

	client := &wsClient{id: clientId, address: host, ws: ws}
	h.clientAdd <- client
	h.router.ClientConnected(clientId, host)

	go h.read(client)
}

func (h *Hub) read(c *wsClient) {
	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			h.clientDel <- c.id
			return
		}
		h.router.Message(c.id, message)
	}
}
