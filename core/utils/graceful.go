// Package utils holds small shared helpers with no domain knowledge.
package utils

import (
	"context"
	"errors"
	"sync"
	"time"

	"cosmossdk.io/log"
)

// ErrShutdownTimeout is returned when registered hooks do not finish
// within the configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timed out")

type shutdownHook struct {
	name string
	fn   func() error
}

// GracefulShutdown runs registered hooks in reverse registration order
// when the process is asked to stop.
type GracefulShutdown struct {
	mu      sync.Mutex
	hooks   []shutdownHook
	timeout time.Duration
	logger  log.Logger
}

// NewGracefulShutdown creates and returns a shutdown manager.
func NewGracefulShutdown(timeout time.Duration, logger log.Logger) *GracefulShutdown {
	return &GracefulShutdown{
		timeout: timeout,
		logger:  logger.With("component", "shutdown"),
	}
}

// Register adds a named shutdown hook. Hooks run LIFO, so register
// components in startup order.
func (g *GracefulShutdown) Register(name string, fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks = append(g.hooks, shutdownHook{name: name, fn: fn})
}

// Shutdown executes all registered hooks, newest first, and collects
// their errors. It returns ErrShutdownTimeout if the hooks do not
// complete in time.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	hooks := make([]shutdownHook, len(g.hooks))
	copy(hooks, g.hooks)
	g.mu.Unlock()

	g.logger.Info("starting graceful shutdown", "hooks", len(hooks))

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var errs []error
		for i := len(hooks) - 1; i >= 0; i-- {
			hook := hooks[i]
			if err := hook.fn(); err != nil {
				g.logger.Error("shutdown hook failed", "hook", hook.name, "error", err)
				errs = append(errs, err)
				continue
			}
			g.logger.Debug("shutdown hook finished", "hook", hook.name)
		}
		done <- errors.Join(errs...)
	}()

	select {
	case err := <-done:
		if err == nil {
			g.logger.Info("graceful shutdown complete")
		}
		return err
	case <-shutdownCtx.Done():
		g.logger.Warn("graceful shutdown timed out")
		return ErrShutdownTimeout
	}
}
