package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"
)

// Run supervises services until SIGINT/SIGTERM, ctx cancellation or a
// service failure, then stops them in reverse order.
func Run(ctx context.Context, stopTimeout time.Duration, services ...Service) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return NewSupervisor(services...).WithStopTimeout(stopTimeout).Run(ctx)
}

// HTTPService wraps an http.Server as a Service
type HTTPService struct {
	server  *http.Server
	name    string
	serving atomic.Bool
}

// NewHTTPService creates a Service from an http.Server
func NewHTTPService(name string, server *http.Server) *HTTPService {
	return &HTTPService{server: server, name: name}
}

func (s *HTTPService) Name() string { return s.name }

// Start binds the listener, so a taken port fails Start, then serves until
// ctx is cancelled
func (s *HTTPService) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.server.Addr, err)
	}
	slog.Info("HTTP server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	s.serving.Store(true)
	go func() {
		defer s.serving.Store(false)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

func (s *HTTPService) Stop(ctx context.Context) error {
	slog.Info("Stopping HTTP server", "service", s.name)
	return s.server.Shutdown(ctx)
}

func (s *HTTPService) Health() error {
	if !s.serving.Load() {
		return errors.New("http server not serving")
	}
	return nil
}
