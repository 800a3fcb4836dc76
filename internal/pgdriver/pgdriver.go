// Package pgdriver implements connmgr.Driver against a real PostgreSQL
// backend using pgx/v5. Every logical connection is its own ad-hoc
// *pgx.Conn (clients bring arbitrary, possibly distinct, credentials, so a
// shared pool keyed by DSN buys nothing here); LISTEN connections additionally
// run a background goroutine draining server notifications, grounded on the
// reconnect-on-loss shape of a standalone pq.Listener wrapper but adapted to
// pgx/v5's WaitForNotification.
package pgdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/crosswind-labs/pgproxy/internal/types"
	"github.com/gofrs/uuid"
	pgxgofrsuuid "github.com/jackc/pgx-gofrs-uuid"
	"github.com/jackc/pgx/v5"
)

// cursorState tracks an in-progress Query so MoreQueryResults can continue
// paging it. A query result row is always peeked one ahead so "more" can be
// reported truthfully without losing that row.
type cursorState struct {
	rows         pgx.Rows
	peeked       bool
	peekedRecord string
}

type connState struct {
	conn   *pgx.Conn
	cursor *cursorState

	// set only for connections carrying a LISTEN subscription
	listenCancel context.CancelFunc
}

// Driver implements connmgr.Driver on pgx/v5.
type Driver struct {
	mu    sync.Mutex
	conns map[types.ConnectionId]*connState
}

// New builds an empty Driver. Safe for concurrent use: every method may be
// called from connmgr's spawned goroutines.
func New() *Driver {
	return &Driver{conns: make(map[types.ConnectionId]*connState)}
}

func dsn(req types.ConnectRequest) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(req.User, req.Password),
		Host:   fmt.Sprintf("%s:%d", req.Host, req.Port),
		Path:   "/" + req.Database,
	}
	q := u.Query()
	q.Set("sslmode", "prefer")
	u.RawQuery = q.Encode()
	return u.String()
}

func connectConfig(req types.ConnectRequest) (*pgx.ConnConfig, error) {
	cfg, err := pgx.ParseConfig(dsn(req))
	if err != nil {
		return nil, err
	}
	// bind gofrs/uuid (types.ClientId/ConnectionId and any uuid columns the
	// caller's SQL touches) directly into pgx's type system.
	originalAfterConnect := cfg.AfterConnect
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxgofrsuuid.Register(conn.TypeMap())
		if originalAfterConnect != nil {
			return originalAfterConnect(ctx, conn)
		}
		return nil
	}
	return cfg, nil
}

// Connect opens a new ad-hoc connection. Connect itself never calls onLost:
// a connection without a LISTEN subscription reports its loss only as an
// error from a later call against its id. Asynchronous loss detection is
// done by the watcher goroutine Listen installs, which calls the onLost
// passed to Listen.
func (d *Driver) Connect(ctx context.Context, req types.ConnectRequest, onLost func(types.ConnectionId, error)) (types.ConnectionId, error) {
	cfg, err := connectConfig(req)
	if err != nil {
		return uuid.Nil, err
	}

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return uuid.Nil, err
	}

	id, err := uuid.NewV4()
	if err != nil {
		_ = conn.Close(context.Background())
		return uuid.Nil, err
	}

	d.mu.Lock()
	d.conns[id] = &connState{conn: conn}
	d.mu.Unlock()
	return id, nil
}

// Disconnect closes the backend connection. discard is accepted for
// interface symmetry with the wire protocol's discardConnection flag; there
// is no pool to return a kept connection to, so it is otherwise a no-op here.
func (d *Driver) Disconnect(ctx context.Context, id types.ConnectionId, discard bool) error {
	d.mu.Lock()
	st, exists := d.conns[id]
	delete(d.conns, id)
	d.mu.Unlock()
	if !exists {
		return nil
	}
	if st.listenCancel != nil {
		st.listenCancel()
	}
	if st.cursor != nil && st.cursor.rows != nil {
		st.cursor.rows.Close()
	}
	return st.conn.Close(ctx)
}

func (d *Driver) get(id types.ConnectionId) (*connState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, exists := d.conns[id]
	if !exists {
		return nil, fmt.Errorf("no such connection")
	}
	return st, nil
}

// rowToJSON renders the current row of rows as a compact JSON object,
// matching the already-encoded-text contract internal/responder expects:
// the proxy never decodes this string again, only escapes and frames it.
func rowToJSON(rows pgx.Rows) (string, error) {
	values, err := rows.Values()
	if err != nil {
		return "", err
	}
	fields := rows.FieldDescriptions()

	obj := make(map[string]any, len(fields))
	for i, f := range fields {
		if i < len(values) {
			obj[f.Name] = values[i]
		}
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// runQuery executes sql and serves the first recordCount rows, keeping the
// cursor open on the connection state for MoreQueryResults.
func (d *Driver) runQuery(ctx context.Context, st *connState, sql string, args []any, recordCount int) ([]string, bool, error) {
	rows, err := st.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, false, err
	}
	st.cursor = &cursorState{rows: rows}
	return d.fetchBatch(ctx, st.cursor, recordCount)
}

func (d *Driver) fetchBatch(ctx context.Context, cur *cursorState, recordCount int) ([]string, bool, error) {
	records := make([]string, 0, recordCount)

	if cur.peeked {
		records = append(records, cur.peekedRecord)
		cur.peeked = false
	}

	for len(records) < recordCount && cur.rows.Next() {
		rec, err := rowToJSON(cur.rows)
		if err != nil {
			cur.rows.Close()
			return nil, false, err
		}
		records = append(records, rec)
	}

	if cur.rows.Err() != nil {
		err := cur.rows.Err()
		cur.rows.Close()
		return nil, false, err
	}

	if len(records) < recordCount {
		// exhausted before filling the batch
		cur.rows.Close()
		return records, false, nil
	}

	if cur.rows.Next() {
		rec, err := rowToJSON(cur.rows)
		if err != nil {
			cur.rows.Close()
			return nil, false, err
		}
		cur.peeked = true
		cur.peekedRecord = rec
		return records, true, nil
	}
	if cur.rows.Err() != nil {
		err := cur.rows.Err()
		cur.rows.Close()
		return nil, false, err
	}
	cur.rows.Close()
	return records, false, nil
}

// Query runs sql and returns up to recordCount records.
func (d *Driver) Query(ctx context.Context, id types.ConnectionId, sql string, recordCount int) ([]string, bool, error) {
	st, err := d.get(id)
	if err != nil {
		return nil, false, err
	}
	if recordCount <= 0 {
		recordCount = 1
	}
	return d.runQuery(ctx, st, sql, nil, recordCount)
}

// MoreQueryResults continues paging the cursor opened by the last Query.
func (d *Driver) MoreQueryResults(ctx context.Context, id types.ConnectionId, recordCount int) ([]string, bool, error) {
	st, err := d.get(id)
	if err != nil {
		return nil, false, err
	}
	if st.cursor == nil || st.cursor.rows == nil {
		return nil, false, fmt.Errorf("no open query cursor")
	}
	if recordCount <= 0 {
		recordCount = 1
	}
	return d.fetchBatch(ctx, st.cursor, recordCount)
}

// ExecuteSql runs a statement that does not return rows, reporting the
// number of rows affected.
func (d *Driver) ExecuteSql(ctx context.Context, id types.ConnectionId, sql string) (int, error) {
	st, err := d.get(id)
	if err != nil {
		return 0, err
	}
	tag, err := st.conn.Exec(ctx, sql)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Listen issues LISTEN on id's connection and runs a background goroutine
// delivering notifications to onNotify until Disconnect or Unlisten stops it
// (onLost does not fire then) or the connection is lost, in which case
// onLost fires.
func (d *Driver) Listen(ctx context.Context, req types.ConnectRequest, id types.ConnectionId, channel string,
	onNotify func(payload string), onLost func(types.ConnectionId, error)) error {
	st, err := d.get(id)
	if err != nil {
		return err
	}

	if _, err := st.conn.Exec(ctx, fmt.Sprintf(`LISTEN %s`, pgx.Identifier{channel}.Sanitize())); err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	st.listenCancel = cancel
	d.mu.Unlock()

	go func() {
		for {
			notification, err := st.conn.WaitForNotification(watchCtx)
			if err != nil {
				if watchCtx.Err() != nil {
					return // cancelled by Disconnect/Unlisten
				}
				onLost(id, err)
				return
			}
			onNotify(notification.Payload)
		}
	}()
	return nil
}

// Unlisten issues UNLISTEN and stops the background notification watcher;
// the connection itself is left open. connmgr never calls it: connmgr's
// Unlisten keeps the shared LISTEN connection and moves a departing sharer
// onto a fresh connection instead.
func (d *Driver) Unlisten(ctx context.Context, id types.ConnectionId, channel string) error {
	st, err := d.get(id)
	if err != nil {
		return err
	}
	if st.listenCancel != nil {
		st.listenCancel()
		st.listenCancel = nil
	}
	_, err = st.conn.Exec(ctx, fmt.Sprintf(`UNLISTEN %s`, pgx.Identifier{channel}.Sanitize()))
	return err
}
