// Package oidcauth implements a types.Authenticate predicate backed by an
// OIDC ID token, grounded on the teacher's request.LoginAuthOpenId call site
// in handler/websocket/websocket.go. The authorization-code exchange that
// produces the ID token is out of scope (spec.md's credential-validation
// non-goal) - sessionId here is already the raw ID token, issued to the
// client by whatever login flow fronts this proxy.
package oidcauth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/crosswind-labs/pgproxy/internal/types"
)

// claims is the subset of standard and custom ID token claims this package
// needs out of a session.
type claims struct {
	PreferredUsername string `json:"preferred_username"`
	Admin             bool   `json:"admin"`
}

// Verifier is a types.Authenticate predicate bound to one OIDC provider.
type Verifier struct {
	verifier *oidc.IDTokenVerifier
}

// New discovers providerURL (an OIDC discovery issuer) and builds a Verifier
// that accepts ID tokens issued to clientID.
func New(ctx context.Context, providerURL, clientID string) (*Verifier, error) {
	provider, err := oidc.NewProvider(ctx, providerURL)
	if err != nil {
		return nil, fmt.Errorf("discover oidc provider: %w", err)
	}
	return &Verifier{verifier: provider.Verifier(&oidc.Config{ClientID: clientID})}, nil
}

// Authenticate satisfies types.Authenticate: sessionId is the raw ID token.
// An invalid signature, audience, issuer or an expired token is a normal
// authentication failure, not a system error.
func (v *Verifier) Authenticate(ctx context.Context, session types.SessionModel, sessionId string) (types.SessionModel, bool, error) {
	idToken, err := v.verifier.Verify(ctx, sessionId)
	if err != nil {
		return session, false, nil
	}

	var c claims
	if err := idToken.Claims(&c); err != nil {
		return session, false, nil
	}

	session.Login = c.PreferredUsername
	session.Admin = c.Admin
	return session, true, nil
}
