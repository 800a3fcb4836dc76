// Package ldapauth implements an types.Authenticate predicate backed by a
// directory bind, grounded on the teacher's ldap/ldap_import connection
// setup (the same github.com/go-ldap/ldap/v3 client) and on login/login.go's
// optional second-factor plumbing, adapted from a user/password login
// exchange (out of scope per spec.md's credential-validation non-goal) to a
// pre-resolved bind credential looked up by sessionId.
package ldapauth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/crosswind-labs/pgproxy/internal/types"
	goldap "github.com/go-ldap/ldap/v3"
	"github.com/xlzd/gotp"
)

// Entry is a pre-resolved directory credential for one session, populated
// out-of-band (e.g. by whatever login flow issued the sessionId) before the
// WebSocket client ever presents it here.
type Entry struct {
	BindDN     string
	Password   string
	Login      string
	Admin      bool
	TOTPSecret string // empty disables the second factor for this session
}

// conn is the subset of *ldap.Conn this package drives, narrowed to an
// interface so tests can substitute a fake directory.
type conn interface {
	Bind(username, password string) error
	Close()
}

// Directory is a types.Authenticate predicate bound to one directory
// server and a table of pre-resolved session credentials.
type Directory struct {
	url  string
	dial func(url string) (conn, error)

	mu       sync.RWMutex
	sessions map[string]Entry
}

// New builds a Directory dialing url (e.g. "ldaps://dc1.example.com:636")
// for every Authenticate call.
func New(url string, sessions map[string]Entry) *Directory {
	return &Directory{
		url: url,
		dial: func(url string) (conn, error) {
			return goldap.DialURL(url)
		},
		sessions: sessions,
	}
}

// Put registers (or replaces) the directory credential for sessionId.
func (d *Directory) Put(sessionId string, entry Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[sessionId] = entry
}

// Forget removes a session's directory credential, e.g. on logout.
func (d *Directory) Forget(sessionId string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionId)
}

// Authenticate satisfies types.Authenticate. When the looked-up entry
// requires a second factor, sessionId must carry the TOTP code appended as
// "<sessionId>|<code>"; a missing or invalid code fails authentication
// without attempting the directory bind.
func (d *Directory) Authenticate(ctx context.Context, session types.SessionModel, sessionId string) (types.SessionModel, bool, error) {
	id, code, hasCode := strings.Cut(sessionId, "|")
	if !hasCode {
		id = sessionId
	}

	d.mu.RLock()
	entry, exists := d.sessions[id]
	d.mu.RUnlock()
	if !exists {
		return session, false, nil
	}

	if entry.TOTPSecret != "" {
		if !hasCode {
			return session, false, nil
		}
		totp := gotp.NewDefaultTOTP(entry.TOTPSecret)
		if !totp.Verify(code, time.Now().Unix()) {
			return session, false, nil
		}
	}

	c, err := d.dial(d.url)
	if err != nil {
		return session, false, err
	}
	defer c.Close()

	if err := c.Bind(entry.BindDN, entry.Password); err != nil {
		var ldapErr *goldap.Error
		if errors.As(err, &ldapErr) {
			return session, false, nil
		}
		return session, false, err
	}

	session.Login = entry.Login
	session.Admin = entry.Admin
	return session, true, nil
}
