// Command wsrelay relays Daemon JSON-API traffic between authenticated
// WebSocket clients and a single shared upstream connection.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"wsrelay/auth"
	"wsrelay/config"
	"wsrelay/server"
)

var version = "dev"

type flags struct {
	configPath string
	logLevel   string
	dev        bool
	jwtSecret  string
	opts       server.Options
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "token":
			handleToken(os.Args[2:])
			return
		case "version":
			fmt.Println("wsrelay", version)
			return
		}
	}

	f := parseFlags(os.Args[1:])
	log, err := newLogger(f.logLevel, f.dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level %q: %v\n", f.logLevel, err)
		os.Exit(2)
	}
	defer log.Sync()

	cfg, err := loadConfig(f.configPath)
	if err != nil {
		log.Fatal("Failed to load configuration", zap.String("path", f.configPath), zap.Error(err))
	}
	if f.jwtSecret == "" {
		log.Fatal("No JWT secret configured, set -jwt-secret or WSRELAY_JWT_SECRET")
	}

	log.Info("wsrelay starting",
		zap.String("version", version),
		zap.String("listen", cfg.ListenAddr()),
		zap.String("upstream", cfg.Upstream),
		zap.Bool("upstreamToken", cfg.Token != ""))

	app := fx.New(
		fx.Supply(cfg, f.opts, log),
		fx.Provide(
			func() auth.Authenticator { return auth.NewJWT([]byte(f.jwtSecret), nil) },
			newMetricsRegistry,
		),
		server.Module(),
		fx.Invoke(func(lc fx.Lifecycle, m *server.Manager) {
			reloadOnHangup(lc, m, f.configPath, log)
		}),
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx").WithOptions(zap.IncreaseLevel(zapcore.WarnLevel))}
		}),
	)
	app.Run()
	log.Info("wsrelay stopped")
}

func parseFlags(args []string) flags {
	def := server.DefaultOptions()
	var f flags
	fs := flag.NewFlagSet("wsrelay", flag.ExitOnError)
	fs.StringVar(&f.configPath, "config", "/etc/wsrelay/proxy.json", "Path to the proxy configuration record")
	fs.StringVar(&f.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.BoolVar(&f.dev, "dev", false, "Human-readable development logging")
	fs.StringVar(&f.jwtSecret, "jwt-secret", os.Getenv("WSRELAY_JWT_SECRET"), "HS256 secret for client bearer tokens")
	fs.DurationVar(&f.opts.HandshakeTimeout, "handshake-timeout", def.HandshakeTimeout, "Upstream authentication timeout")
	fs.DurationVar(&f.opts.DialTimeout, "dial-timeout", def.DialTimeout, "Upstream connect timeout")
	fs.DurationVar(&f.opts.BackoffBase, "backoff-base", def.BackoffBase, "First upstream reconnect delay")
	fs.DurationVar(&f.opts.BackoffMax, "backoff-max", def.BackoffMax, "Maximum upstream reconnect delay")
	fs.DurationVar(&f.opts.RequestTimeout, "request-timeout", def.RequestTimeout, "How long a request may wait for its upstream reply")
	fs.DurationVar(&f.opts.SweepInterval, "sweep-interval", def.SweepInterval, "Session expiry and request timeout sweep period")
	fs.IntVar(&f.opts.SendBuffer, "send-buffer", def.SendBuffer, "Outbound queue length per connection")
	fs.Parse(args)
	return f
}

func loadConfig(path string) (config.ProxyConfiguration, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.ProxyConfiguration{}, err
	}
	cfg = cfg.WithEnv()
	if err := cfg.Validate(); err != nil {
		return config.ProxyConfiguration{}, err
	}
	return cfg, nil
}

func newLogger(level string, dev bool) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if dev {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = lvl
	return zc.Build()
}

func newMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// reloadOnHangup re-reads the configuration on SIGHUP and points the relay at
// the new upstream. This is also how an upstream auth failure is cleared.
func reloadOnHangup(lc fx.Lifecycle, m *server.Manager, path string, log *zap.Logger) {
	hup := make(chan os.Signal, 1)
	stop := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			signal.Notify(hup, syscall.SIGHUP)
			go func() {
				for {
					select {
					case <-hup:
						cfg, err := loadConfig(path)
						if err != nil {
							log.Error("Failed to reload configuration", zap.String("path", path), zap.Error(err))
							continue
						}
						log.Info("Configuration reloaded", zap.String("upstream", cfg.Upstream))
						m.Reconfigure(cfg)
					case <-stop:
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			signal.Stop(hup)
			close(stop)
			return nil
		},
	})
}

// handleToken mints a client token: wsrelay token <subject> [ttl].
func handleToken(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: wsrelay token <subject> [ttl]")
		os.Exit(2)
	}
	secret := os.Getenv("WSRELAY_JWT_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "WSRELAY_JWT_SECRET must be set")
		os.Exit(1)
	}
	ttl := time.Hour
	if len(args) > 1 {
		d, err := time.ParseDuration(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid ttl %q: %v\n", args[1], err)
			os.Exit(2)
		}
		ttl = d
	}
	token, err := auth.NewJWT([]byte(secret), nil).Issue(args[0], ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
