package main

import (
	"context"
	"fmt"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	pglog "github.com/crosswind-labs/pgproxy/internal/log"
)

// program adapts run() to kardianos/service's Service interface: Start must
// return immediately, so the actual work happens in a goroutine; Stop
// cancels the context run() is watching.
type program struct {
	cancel context.CancelFunc
}

func (p *program) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go func() {
		if err := run(ctx); err != nil {
			pglog.Error(pglog.ContextProxy, "service run failed", err)
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

func newService() (service.Service, error) {
	return service.New(&program{}, &service.Config{
		Name:        "pgproxyd",
		DisplayName: "pgproxy WebSocket-to-PostgreSQL proxy",
		Description: "Authenticating WebSocket-to-PostgreSQL proxy service.",
	})
}

var serviceCmd = &cobra.Command{
	Use:   "service <install|uninstall|start|stop|run>",
	Short: "manage pgproxyd as a system service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return fmt.Errorf("build service: %w", err)
		}
		switch args[0] {
		case "run":
			return svc.Run()
		default:
			return service.Control(svc, args[0])
		}
	},
}
