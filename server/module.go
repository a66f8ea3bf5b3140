package server

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"wsrelay/auth"
	"wsrelay/config"
)

// Module provides the Manager and Server and ties the server to the fx
// lifecycle.
func Module() fx.Option {
	return fx.Module("relay",
		fx.Provide(
			NewFromParams,
			newServerFromParams,
		),
		fx.Invoke(registerLifecycle),
	)
}

// Params are the relay's injected dependencies.
type Params struct {
	fx.In

	Config        config.ProxyConfiguration
	Options       Options `optional:"true"`
	Authenticator auth.Authenticator
	Logger        *zap.Logger
	Registry      *prometheus.Registry `optional:"true"`
	Clock         clock.Clock          `optional:"true"`
	Dial          DialFunc             `optional:"true"`
}

// NewFromParams builds the Manager from injected dependencies.
func NewFromParams(p Params) *Manager {
	var metrics *Metrics
	if p.Registry != nil {
		metrics = NewMetrics(p.Registry)
	}
	return NewManager(ManagerParams{
		Config:        p.Config,
		Options:       p.Options,
		Authenticator: p.Authenticator,
		Logger:        p.Logger,
		Metrics:       metrics,
		Clock:         p.Clock,
		Dial:          p.Dial,
	})
}

type serverParams struct {
	fx.In

	Config   config.ProxyConfiguration
	Manager  *Manager
	Registry *prometheus.Registry `optional:"true"`
	Logger   *zap.Logger
}

func newServerFromParams(p serverParams) *Server {
	var gatherer prometheus.Gatherer
	if p.Registry != nil {
		gatherer = p.Registry
	}
	return NewServer(p.Config.ListenAddr(), p.Manager, gatherer, p.Logger)
}

// registerLifecycle starts the server with the app and drains it on stop. A
// server that fails while running shuts the app down.
func registerLifecycle(lc fx.Lifecycle, s *Server, sd fx.Shutdowner, log *zap.Logger) {
	s.OnFailure(func(err error) {
		if err := sd.Shutdown(fx.ExitCode(1)); err != nil {
			log.Error("Failed to request shutdown", zap.Error(err))
		}
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return s.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return s.Stop(ctx)
		},
	})
}
