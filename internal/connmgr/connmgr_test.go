package connmgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/crosswind-labs/pgproxy/internal/types"
	"github.com/gofrs/uuid"
)

// loop is a minimal single-goroutine event queue used to serialize the
// async continuations ConnManager posts back, the way internal/proxy's
// Supervisor does for real.
type loop struct {
	ch chan func()
}

func newLoop() *loop { return &loop{ch: make(chan func(), 64)} }

func (l *loop) post(f func()) { l.ch <- f }

// drain runs every closure currently queued, waiting briefly for
// in-flight goroutines to post theirs.
func (l *loop) drain(t *testing.T) {
	t.Helper()
	for {
		select {
		case f := <-l.ch:
			f()
		case <-time.After(200 * time.Millisecond):
			return
		}
	}
}

type fakeDriver struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	listens     map[types.ConnectionId]chan struct{}
	failConnect bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{listens: make(map[types.ConnectionId]chan struct{})}
}

func (d *fakeDriver) Connect(ctx context.Context, req types.ConnectRequest, onLost func(types.ConnectionId, error)) (types.ConnectionId, error) {
	d.mu.Lock()
	d.connects++
	d.mu.Unlock()
	if d.failConnect {
		return uuid.Nil, errAuthFailed
	}
	id := uuid.Must(uuid.NewV4())
	return id, nil
}

func (d *fakeDriver) Disconnect(ctx context.Context, id types.ConnectionId, discard bool) error {
	d.mu.Lock()
	d.disconnects++
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) Query(ctx context.Context, id types.ConnectionId, sql string, recordCount int) ([]string, bool, error) {
	return []string{"1"}, false, nil
}

func (d *fakeDriver) MoreQueryResults(ctx context.Context, id types.ConnectionId, recordCount int) ([]string, bool, error) {
	return nil, false, nil
}

func (d *fakeDriver) ExecuteSql(ctx context.Context, id types.ConnectionId, sql string) (int, error) {
	return 1, nil
}

func (d *fakeDriver) Listen(ctx context.Context, req types.ConnectRequest, id types.ConnectionId, channel string,
	onNotify func(string), onLost func(types.ConnectionId, error)) error {
	d.mu.Lock()
	d.listens[id] = make(chan struct{})
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) Unlisten(ctx context.Context, id types.ConnectionId, channel string) error {
	return nil
}

func (d *fakeDriver) notify(id types.ConnectionId, m *ConnManager, l *loop, payload string) {
	l.post(func() { m.routeListenEvent(id, payload) })
}

var errAuthFailed = &testErr{"auth failed"}

type testErr struct{ s string }

func (e *testErr) Error() string { return e.s }

type fakeNotifier struct {
	mu              sync.Mutex
	connected       map[types.ClientId]types.ConnectionId
	connectFailed   map[types.ClientId]error
	disconnected    map[types.ClientId]bool
	listenOK        map[types.ClientId]bool
	listenFailed    map[types.ClientId]error
	unlistenOK      map[types.ClientId]bool
	unlistenFailed  map[types.ClientId]error
	notifications   map[types.ClientId][]string
	connectionLost  map[types.ClientId]error
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		connected:      make(map[types.ClientId]types.ConnectionId),
		connectFailed:  make(map[types.ClientId]error),
		disconnected:   make(map[types.ClientId]bool),
		listenOK:       make(map[types.ClientId]bool),
		listenFailed:   make(map[types.ClientId]error),
		unlistenOK:     make(map[types.ClientId]bool),
		unlistenFailed: make(map[types.ClientId]error),
		notifications:  make(map[types.ClientId][]string),
		connectionLost: make(map[types.ClientId]error),
	}
}

func (n *fakeNotifier) Connected(clientId types.ClientId, request types.Request, connId types.ConnectionId) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connected[clientId] = connId
}
func (n *fakeNotifier) ConnectFailed(clientId types.ClientId, request types.Request, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connectFailed[clientId] = err
}
func (n *fakeNotifier) Disconnected(clientId types.ClientId, request types.Request) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnected[clientId] = true
}
func (n *fakeNotifier) DisconnectFailed(clientId types.ClientId, request types.Request, err error) {}
func (n *fakeNotifier) ListenSucceeded(clientId types.ClientId, request types.Request) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listenOK[clientId] = true
}
func (n *fakeNotifier) ListenFailed(clientId types.ClientId, request types.Request, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listenFailed[clientId] = err
}
func (n *fakeNotifier) ListenNotification(clientId types.ClientId, payload string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications[clientId] = append(n.notifications[clientId], payload)
}
func (n *fakeNotifier) UnlistenSucceeded(clientId types.ClientId, request types.Request) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unlistenOK[clientId] = true
}
func (n *fakeNotifier) UnlistenFailed(clientId types.ClientId, request types.Request, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unlistenFailed[clientId] = err
}
func (n *fakeNotifier) ConnectionLost(clientId types.ClientId, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connectionLost[clientId] = err
}

func TestConnectThenDisconnect_ClearsConnectionId(t *testing.T) {
	l := newLoop()
	driver := newFakeDriver()
	notifier := newFakeNotifier()
	mgr := New(driver, l.post, notifier)

	clientId := uuid.Must(uuid.NewV4())
	req := types.ConnectRequest{Host: "h", Port: 5432, Database: "d", User: "u", Password: "p"}

	mgr.Connect(clientId, req, types.Request{}, time.Second)
	l.drain(t)

	if !mgr.IsConnected(clientId) {
		t.Fatal("expected client to be connected")
	}

	mgr.Disconnect(clientId, true, types.Request{}, time.Second)
	l.drain(t)

	if mgr.IsConnected(clientId) {
		t.Fatal("expected connection id to be cleared after disconnect")
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if !notifier.disconnected[clientId] {
		t.Fatal("expected Disconnected callback")
	}
}

func TestListenSharing_SingleBackendConnection(t *testing.T) {
	l := newLoop()
	driver := newFakeDriver()
	notifier := newFakeNotifier()
	mgr := New(driver, l.post, notifier)

	req := types.ConnectRequest{Host: "h", Port: 5432, Database: "d", User: "u"}
	clientA := uuid.Must(uuid.NewV4())
	clientB := uuid.Must(uuid.NewV4())

	mgr.Connect(clientA, req, types.Request{}, time.Second)
	l.drain(t)
	mgr.Connect(clientB, req, types.Request{}, time.Second)
	l.drain(t)

	mgr.Listen(clientA, "events", types.Request{}, time.Second)
	l.drain(t)
	mgr.Listen(clientB, "events", types.Request{}, time.Second)
	l.drain(t)

	connA := mgr.connectionIds[clientA]
	connB := mgr.connectionIds[clientB]
	if connA != connB {
		t.Fatalf("expected shared connection id, got %s vs %s", connA, connB)
	}
	if len(driver.listens) != 1 {
		t.Fatalf("expected exactly one backend LISTEN, got %d", len(driver.listens))
	}

	// a notification fans out to both clients
	driver.notify(connA, mgr, l, `{"hello":"world"}`)
	l.drain(t)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.notifications[clientA]) != 1 || len(notifier.notifications[clientB]) != 1 {
		t.Fatalf("expected one notification per client, got A=%v B=%v", notifier.notifications[clientA], notifier.notifications[clientB])
	}
}

func TestUnlisten_LastSharerKeepsConnection(t *testing.T) {
	l := newLoop()
	driver := newFakeDriver()
	notifier := newFakeNotifier()
	mgr := New(driver, l.post, notifier)

	req := types.ConnectRequest{Host: "h", Port: 5432, Database: "d", User: "u"}
	clientId := uuid.Must(uuid.NewV4())

	mgr.Connect(clientId, req, types.Request{}, time.Second)
	l.drain(t)
	mgr.Listen(clientId, "events", types.Request{}, time.Second)
	l.drain(t)

	connBefore := mgr.connectionIds[clientId]
	mgr.Unlisten(clientId, "events", types.Request{}, time.Second)
	l.drain(t)

	notifier.mu.Lock()
	ok := notifier.unlistenOK[clientId]
	notifier.mu.Unlock()
	if !ok {
		t.Fatal("expected unlisten success for last sharer")
	}
	if mgr.connectionIds[clientId] != connBefore {
		t.Fatal("expected connection id unchanged for last sharer's unlisten")
	}
}

func TestUnlisten_NonLastSharerReconnects(t *testing.T) {
	l := newLoop()
	driver := newFakeDriver()
	notifier := newFakeNotifier()
	mgr := New(driver, l.post, notifier)

	req := types.ConnectRequest{Host: "h", Port: 5432, Database: "d", User: "u"}
	clientA := uuid.Must(uuid.NewV4())
	clientB := uuid.Must(uuid.NewV4())

	mgr.Connect(clientA, req, types.Request{}, time.Second)
	l.drain(t)
	mgr.Connect(clientB, req, types.Request{}, time.Second)
	l.drain(t)
	mgr.Listen(clientA, "events", types.Request{}, time.Second)
	l.drain(t)
	mgr.Listen(clientB, "events", types.Request{}, time.Second)
	l.drain(t)

	sharedConn := mgr.connectionIds[clientA]

	mgr.Unlisten(clientA, "events", types.Request{}, time.Second)
	l.drain(t)

	notifier.mu.Lock()
	ok := notifier.unlistenOK[clientA]
	notifier.mu.Unlock()
	if !ok {
		t.Fatal("expected unlisten success")
	}
	if mgr.connectionIds[clientA] == sharedConn {
		t.Fatal("expected clientA to be moved off the shared connection")
	}
	if mgr.connectionIds[clientB] != sharedConn {
		t.Fatal("expected clientB to remain on the shared connection")
	}
	if !mgr.IsNonListenConnection(clientA) {
		t.Fatal("expected clientA's new connection to be a non-listen connection")
	}
}

func TestConnectionLost_FansOutToAllBoundClients(t *testing.T) {
	l := newLoop()
	driver := newFakeDriver()
	notifier := newFakeNotifier()
	mgr := New(driver, l.post, notifier)

	req := types.ConnectRequest{Host: "h", Port: 5432, Database: "d", User: "u"}
	clientA := uuid.Must(uuid.NewV4())
	clientB := uuid.Must(uuid.NewV4())

	mgr.Connect(clientA, req, types.Request{}, time.Second)
	l.drain(t)
	mgr.Connect(clientB, req, types.Request{}, time.Second)
	l.drain(t)
	mgr.Listen(clientA, "events", types.Request{}, time.Second)
	l.drain(t)
	mgr.Listen(clientB, "events", types.Request{}, time.Second)
	l.drain(t)

	connId := mgr.connectionIds[clientA]
	l.post(func() { mgr.handleConnectionLost(connId, errAuthFailed) })
	l.drain(t)

	if mgr.IsConnected(clientA) || mgr.IsConnected(clientB) {
		t.Fatal("expected both clients to lose their connection mapping")
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if notifier.connectionLost[clientA] == nil || notifier.connectionLost[clientB] == nil {
		t.Fatal("expected ConnectionLost for both clients")
	}
}
