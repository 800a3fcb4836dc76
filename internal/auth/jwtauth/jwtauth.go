// Package jwtauth implements a types.Authenticate predicate backed by a
// signed session token instead of a server-side session table, grounded on
// the teacher's per-connection identity (handler/websocket/websocket.go's
// clientType.loginId) but made stateless: the WebSocket client presents the
// token itself as sessionId, so there is nothing to look up.
package jwtauth

import (
	"context"
	"time"

	"github.com/crosswind-labs/pgproxy/internal/types"
	"github.com/gbrlsnchs/jwt/v3"
)

// claims is the custom payload carried by tokens this package issues and
// verifies: the registered claims plus the two fields the proxy needs out of
// a session.
type claims struct {
	jwt.Payload
	Login string `json:"login,omitempty"`
	Admin bool   `json:"admin,omitempty"`
}

// Verifier is a types.Authenticate predicate bound to one HS256 key.
type Verifier struct {
	alg *jwt.HMACSHA
}

// New builds a Verifier that checks tokens signed with secret.
func New(secret []byte) *Verifier {
	return &Verifier{alg: jwt.NewHS256(secret)}
}

// Issue signs a session token for login, valid for ttl, for use by whatever
// out-of-band login exchange hands sessionId to the client (the exchange
// itself is out of scope, per spec.md's credential-validation non-goal).
func (v *Verifier) Issue(login string, admin bool, ttl time.Duration) (string, error) {
	now := time.Now()
	pl := claims{
		Payload: jwt.Payload{
			Subject:        login,
			IssuedAt:       jwt.NumericDate(now),
			ExpirationTime: jwt.NumericDate(now.Add(ttl)),
		},
		Login: login,
		Admin: admin,
	}
	token, err := jwt.Sign(pl, v.alg)
	if err != nil {
		return "", err
	}
	return string(token), nil
}

// Authenticate satisfies types.Authenticate: sessionId is itself the signed
// token. A bad signature or an expired token is a normal authentication
// failure, not a system error.
func (v *Verifier) Authenticate(ctx context.Context, session types.SessionModel, sessionId string) (types.SessionModel, bool, error) {
	var pl claims
	if _, err := jwt.Verify([]byte(sessionId), v.alg, &pl, jwt.ValidateExpirationTime(time.Now())); err != nil {
		return session, false, nil
	}

	session.Login = pl.Login
	session.Admin = pl.Admin
	return session, true, nil
}
