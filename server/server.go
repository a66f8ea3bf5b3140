package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Server serves the relay endpoint, /healthz and /metrics, and runs the
// Manager's loop alongside the listener.
type Server struct {
	addr    string
	manager *Manager
	http    *http.Server
	log     *zap.Logger

	mu        sync.Mutex
	listener  net.Listener
	cancel    context.CancelFunc
	done      chan error
	onFailure func(error)
}

// NewServer wires the HTTP routes. gatherer may be nil to disable /metrics.
func NewServer(addr string, m *Manager, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/", MakeWebSocketHandler(m))
	mux.HandleFunc("/healthz", MakeHealthHandler(m))
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return &Server{
		addr:    addr,
		manager: m,
		http:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		log:     log.Named("http"),
	}
}

// Run listens on the configured address and blocks until ctx is done or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("Starting WebSocket relay", zap.String("addr", ln.Addr().String()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.manager.Run(ctx)
	})
	g.Go(func() error {
		if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// OnFailure registers fn to be called when a server started with Start stops
// on its own because the listener or the relay loop failed.
func (s *Server) OnFailure(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFailure = fn
}

// Start binds the listener and runs the server in the background.
func (s *Server) Start(context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	s.mu.Lock()
	s.listener, s.cancel, s.done = ln, cancel, done
	onFailure := s.onFailure
	s.mu.Unlock()

	go func() {
		err := s.serve(ctx, ln)
		done <- err
		if err != nil && ctx.Err() == nil && onFailure != nil {
			s.log.Error("Relay server failed", zap.Error(err))
			onFailure(err)
		}
	}()
	return nil
}

// Stop cancels a server started with Start and waits for it to drain.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return multierr.Combine(ctx.Err(), s.http.Close())
	}
}
