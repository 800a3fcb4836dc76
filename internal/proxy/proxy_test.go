package proxy

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crosswind-labs/pgproxy/internal/types"
	"github.com/gofrs/uuid"
)

type fakeDriver struct {
	queryResult []string
}

func (d *fakeDriver) Connect(ctx context.Context, req types.ConnectRequest, onLost func(types.ConnectionId, error)) (types.ConnectionId, error) {
	id, _ := uuid.NewV4()
	return id, nil
}
func (d *fakeDriver) Disconnect(ctx context.Context, id types.ConnectionId, discard bool) error {
	return nil
}
func (d *fakeDriver) Query(ctx context.Context, id types.ConnectionId, sql string, recordCount int) ([]string, bool, error) {
	return d.queryResult, false, nil
}
func (d *fakeDriver) MoreQueryResults(ctx context.Context, id types.ConnectionId, recordCount int) ([]string, bool, error) {
	return nil, false, nil
}
func (d *fakeDriver) ExecuteSql(ctx context.Context, id types.ConnectionId, sql string) (int, error) {
	return 0, nil
}
func (d *fakeDriver) Listen(ctx context.Context, req types.ConnectRequest, id types.ConnectionId, channel string,
	onNotify func(string), onLost func(types.ConnectionId, error)) error {
	return nil
}
func (d *fakeDriver) Unlisten(ctx context.Context, id types.ConnectionId, channel string) error { return nil }

type fakeTransport struct {
	mu     sync.Mutex
	frames map[types.ClientId][]string
	closed map[types.ClientId]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(map[types.ClientId][]string), closed: make(map[types.ClientId]bool)}
}

func (t *fakeTransport) Send(clientId types.ClientId, frame []byte, done func(error)) {
	t.mu.Lock()
	t.frames[clientId] = append(t.frames[clientId], string(frame))
	t.mu.Unlock()
	done(nil)
}

func (t *fakeTransport) Close(clientId types.ClientId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed[clientId] = true
}

func (t *fakeTransport) waitForFrame(test *testing.T, clientId types.ClientId, substr string, timeout time.Duration) string {
	test.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		t.mu.Lock()
		for _, f := range t.frames[clientId] {
			if strings.Contains(f, substr) {
				t.mu.Unlock()
				return f
			}
		}
		t.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	test.Fatalf("timed out waiting for frame containing %q", substr)
	return ""
}

func (t *fakeTransport) isClosed(clientId types.ClientId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed[clientId]
}

func allowAllAuth(ctx context.Context, session types.SessionModel, sessionId string) (types.SessionModel, bool, error) {
	if sessionId == "bad" {
		return session, false, nil
	}
	return session, true, nil
}

// slowFirstAuth makes the "slow" sessionId hang until release is closed,
// while every other sessionId authenticates immediately - used to prove a
// fast-authenticating message can't overtake a slow one from the same
// client.
func slowFirstAuth(release chan struct{}) func(ctx context.Context, session types.SessionModel, sessionId string) (types.SessionModel, bool, error) {
	return func(ctx context.Context, session types.SessionModel, sessionId string) (types.SessionModel, bool, error) {
		if sessionId == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
				return session, false, ctx.Err()
			}
		}
		return session, true, nil
	}
}

func baseConfig() Config {
	return Config{
		Authenticate:                                  allowAllAuth,
		PgConnectTimeout:                               time.Second,
		DelayBeforeStop:                                30 * time.Millisecond,
		GarbageCollectDisconnectedClientsAfterPeriod:   time.Hour,
		IdleDumpStateFrequency:                          time.Hour,
	}
}

func TestSupervisor_HappyPathQuery(t *testing.T) {
	driver := &fakeDriver{queryResult: []string{`{"n":1}`}}
	transport := newFakeTransport()
	sup := New(driver, transport, baseConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	clientId, _ := uuid.NewV4()
	sup.ClientConnected(clientId, "127.0.0.1")

	sup.Message(clientId, []byte(`{"func":"connect","requestId":1,"sessionId":"s","host":"h","port":5432,"database":"d","user":"u","password":"p"}`))
	transport.waitForFrame(t, clientId, `"requestId":1`, 2*time.Second)

	sup.Message(clientId, []byte(`{"func":"query","requestId":2,"sessionId":"s","sql":"SELECT 1","recordCount":10}`))
	frame := transport.waitForFrame(t, clientId, `"requestId":2`, 2*time.Second)
	if !strings.Contains(frame, `"success":true`) || !strings.Contains(frame, `"records":[`) {
		t.Fatalf("got %s", frame)
	}

	sup.Message(clientId, []byte(`{"func":"disconnect","requestId":3,"sessionId":"s","discardConnection":true}`))
	frame = transport.waitForFrame(t, clientId, `"requestId":3`, 2*time.Second)
	if !strings.Contains(frame, `"success":true`) {
		t.Fatalf("got %s", frame)
	}
}

func TestSupervisor_InvalidSessionRejectsWithoutState(t *testing.T) {
	driver := &fakeDriver{}
	transport := newFakeTransport()
	sup := New(driver, transport, baseConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	clientId, _ := uuid.NewV4()
	sup.ClientConnected(clientId, "127.0.0.1")

	sup.Message(clientId, []byte(`{"func":"query","requestId":1,"sessionId":"bad","sql":"SELECT 1"}`))
	frame := transport.waitForFrame(t, clientId, `"requestId":1`, 2*time.Second)
	if !strings.Contains(frame, invalidSession) || !strings.Contains(frame, `"success":false`) {
		t.Fatalf("got %s", frame)
	}
}

func TestSupervisor_MessagesStayInOrderAcrossSlowAuth(t *testing.T) {
	driver := &fakeDriver{}
	transport := newFakeTransport()
	release := make(chan struct{})
	cfg := baseConfig()
	cfg.Authenticate = slowFirstAuth(release)
	cfg.PgConnectTimeout = 2 * time.Second
	sup := New(driver, transport, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	clientId, _ := uuid.NewV4()
	sup.ClientConnected(clientId, "127.0.0.1")

	// The first message authenticates slowly; the second authenticates
	// instantly. Without per-client sequencing the second's response could
	// reach the transport before the first's.
	sup.Message(clientId, []byte(`{"func":"disconnect","requestId":1,"sessionId":"slow","discardConnection":true}`))
	time.Sleep(20 * time.Millisecond)
	sup.Message(clientId, []byte(`{"func":"disconnect","requestId":2,"sessionId":"fast","discardConnection":true}`))

	time.Sleep(20 * time.Millisecond)
	transport.mu.Lock()
	gotAnyFrame := len(transport.frames[clientId]) > 0
	transport.mu.Unlock()
	if gotAnyFrame {
		t.Fatal("expected no responses yet: request 1 should still be blocked on auth")
	}

	close(release)

	transport.waitForFrame(t, clientId, `"requestId":1`, 2*time.Second)
	transport.waitForFrame(t, clientId, `"requestId":2`, 2*time.Second)

	transport.mu.Lock()
	frames := append([]string(nil), transport.frames[clientId]...)
	transport.mu.Unlock()
	if len(frames) != 2 || !strings.Contains(frames[0], `"requestId":1`) || !strings.Contains(frames[1], `"requestId":2`) {
		t.Fatalf("expected requestId 1 then 2 in order, got %v", frames)
	}
}

func TestSupervisor_GracefulShutdownClosesRemainingClients(t *testing.T) {
	driver := &fakeDriver{}
	transport := newFakeTransport()

	var mu sync.Mutex
	stopped := false
	cfg := baseConfig()
	cfg.Taggers.Stopped = func() {
		mu.Lock()
		stopped = true
		mu.Unlock()
	}
	sup := New(driver, transport, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	id1, _ := uuid.NewV4()
	id2, _ := uuid.NewV4()
	sup.ClientConnected(id1, "127.0.0.1")
	sup.ClientConnected(id2, "127.0.0.1")

	// give the loop a moment to actually register both clients before Stop
	// races the still-in-flight ClientConnected posts.
	time.Sleep(20 * time.Millisecond)

	sup.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := stopped
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if !stopped {
		t.Fatal("expected Stopped tagger to fire")
	}
	if !transport.isClosed(id1) || !transport.isClosed(id2) {
		t.Fatal("expected both clients force-closed during shutdown")
	}
}
