package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/crosswind-labs/pgproxy/internal/auth/jwtauth"
	"github.com/crosswind-labs/pgproxy/internal/auth/ldapauth"
	"github.com/crosswind-labs/pgproxy/internal/auth/oidcauth"
	"github.com/crosswind-labs/pgproxy/internal/config"
	pglog "github.com/crosswind-labs/pgproxy/internal/log"
	"github.com/crosswind-labs/pgproxy/internal/pgdriver"
	"github.com/crosswind-labs/pgproxy/internal/proxy"
	"github.com/crosswind-labs/pgproxy/internal/types"
	"github.com/crosswind-labs/pgproxy/internal/wsserver"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the proxy in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

// authenticateFor resolves the configured auth mode into a types.Authenticate
// predicate. AuthModeNone accepts every sessionId unchanged - useful for
// local development and the integration test harness.
func authenticateFor(cfg *config.Config) (types.Authenticate, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return func(ctx context.Context, session types.SessionModel, sessionId string) (types.SessionModel, bool, error) {
			return session, true, nil
		}, nil
	case config.AuthModeLdap:
		return ldapauth.New(cfg.LdapURL, map[string]ldapauth.Entry{}).Authenticate, nil
	case config.AuthModeJwt:
		return jwtauth.New([]byte(cfg.JwtSecret)).Authenticate, nil
	case config.AuthModeOidc:
		verifier, err := oidcauth.New(context.Background(), cfg.OidcProviderURL, cfg.OidcClientID)
		if err != nil {
			return nil, fmt.Errorf("build oidc verifier: %w", err)
		}
		return verifier.Authenticate, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.AuthMode)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	pglog.SetDebug(cfg.Debug)

	authenticate, err := authenticateFor(cfg)
	if err != nil {
		return err
	}

	portMap, err := cfg.PortMapInts()
	if err != nil {
		return err
	}

	driver := pgdriver.New()

	var hub *wsserver.Hub
	sup := proxy.New(driver, transportFunc(func() *wsserver.Hub { return hub }), proxy.Config{
		Authenticate:                                  authenticate,
		PgConnectTimeout:                              cfg.PgConnectTimeout,
		DelayBeforeStop:                               cfg.DelayBeforeStop,
		GarbageCollectDisconnectedClientsAfterPeriod: cfg.GarbageCollectDisconnectedClientsAfterPeriod,
		IdleDumpStateFrequency:                        cfg.IdleDumpStateFrequency,
		Debug:                                         cfg.Debug,
		HostMap:                                       cfg.HostMap,
		PortMap:                                       portMap,
		DatabaseMap:                                   cfg.DatabaseMap,
		UserMap:                                       cfg.UserMap,
		PasswordMap:                                   cfg.PasswordMap,
		Taggers: proxy.Taggers{
			Error:   func(err error) { pglog.Error(pglog.ContextProxy, "fatal", err) },
			Log:     func(message string) { pglog.Info(pglog.ContextProxy, message) },
			Started: func() { pglog.Info(pglog.ContextProxy, "started") },
			Stopped: func() { pglog.Info(pglog.ContextProxy, "stopped") },
		},
	})
	hub = wsserver.New(sup, cfg.Path)

	go hub.Start()
	go sup.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc(hub.Path(), hub.Handler)

	server := &http.Server{Addr: fmt.Sprintf(":%d", cfg.WsPort), Handler: mux}
	go func() {
		<-ctx.Done()
		sup.Stop()
		server.Close()
	}()

	pglog.Info(pglog.ContextProxy, fmt.Sprintf("listening on :%d%s", cfg.WsPort, cfg.Path))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// transportFunc lets run() pass proxy.New a Transport that forwards to hub
// even though hub itself isn't constructed until after sup exists - proxy.New
// only stores the value, it never calls through it before Run starts.
type transportFunc func() *wsserver.Hub

func (t transportFunc) Send(clientId types.ClientId, frame []byte, done func(error)) { t().Send(clientId, frame, done) }
func (t transportFunc) Close(clientId types.ClientId)                                { t().Close(clientId) }
