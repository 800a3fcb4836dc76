package main

import (
	"context"
	"testing"

	"github.com/crosswind-labs/pgproxy/internal/config"
	"github.com/crosswind-labs/pgproxy/internal/types"
)

func TestAuthenticateFor_NoneAcceptsAnySession(t *testing.T) {
	authenticate, err := authenticateFor(&config.Config{AuthMode: config.AuthModeNone})
	if err != nil {
		t.Fatalf("authenticateFor: %v", err)
	}
	_, ok, err := authenticate(context.Background(), types.SessionModel{}, "anything")
	if err != nil || !ok {
		t.Fatalf("expected auth-mode none to accept, got ok=%v err=%v", ok, err)
	}
}

func TestAuthenticateFor_UnknownModeErrors(t *testing.T) {
	if _, err := authenticateFor(&config.Config{AuthMode: "bogus"}); err == nil {
		t.Fatal("expected error for unknown auth mode")
	}
}

func TestAuthenticateFor_JwtModeBuildsVerifier(t *testing.T) {
	authenticate, err := authenticateFor(&config.Config{AuthMode: config.AuthModeJwt, JwtSecret: "s3cret"})
	if err != nil {
		t.Fatalf("authenticateFor: %v", err)
	}
	if authenticate == nil {
		t.Fatal("expected a non-nil predicate")
	}
}
