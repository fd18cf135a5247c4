// Package supervisor runs the long-lived services of a relay process under a
// suture supervisor.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

// Config holds the restart policy.
type Config struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultConfig returns suture's own defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// New returns the root supervisor. Supervisor events are logged to logger.
func New(name string, logger zerolog.Logger, cfg Config) *suture.Supervisor {
	def := DefaultConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	return suture.New(name, suture.Spec{
		EventHook:        EventHook(logger),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	})
}

// EventHook logs supervisor events. Terminations and panics are errors,
// backoff transitions are warnings.
func EventHook(logger zerolog.Logger) suture.EventHook {
	return func(e suture.Event) {
		var ev *zerolog.Event
		switch e.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate:
			ev = logger.Error()
		case suture.EventTypeBackoff, suture.EventTypeStopTimeout:
			ev = logger.Warn()
		default:
			ev = logger.Info()
		}
		ev.Fields(e.Map()).Msg(e.String())
	}
}

// HTTPServer matches the lifecycle methods of *http.Server.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService runs an HTTP server as a supervised service and shuts it down
// gracefully when its context ends.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
	// onShutdown runs before the server stops accepting, to release
	// connections the server no longer tracks, such as hijacked ones.
	onShutdown func(ctx context.Context) error
}

// NewHTTPService wraps server. onShutdown may be nil.
func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration, onShutdown func(ctx context.Context) error) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout, onShutdown: onShutdown}
}

// Serve implements suture.Service.
func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if h.onShutdown != nil {
			if err := h.onShutdown(shutdownCtx); err != nil {
				return fmt.Errorf("close connections: %w", err)
			}
		}
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string { return "http-server" }
