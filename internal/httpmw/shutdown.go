package middleware

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/r3e-benchfabric/master/internal/logging"
)

// GracefulShutdown drains the admin HTTP server and runs operator-registered
// cleanup (closing the announcer, flushing the event bus, stopping campaign
// workers) on SIGINT/SIGTERM/SIGQUIT, giving in-flight pair/run requests a
// bounded window to finish rather than dropping them.
type GracefulShutdown struct {
	mu           sync.Mutex
	server       *http.Server
	timeout      time.Duration
	shutdownChan chan struct{}
	callbacks    []func()
	logger       *logging.Logger
}

// NewGracefulShutdown creates a new graceful shutdown manager. logger may be
// nil, in which case shutdown events are not logged.
func NewGracefulShutdown(server *http.Server, timeout time.Duration, logger *logging.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GracefulShutdown{
		server:       server,
		timeout:      timeout,
		shutdownChan: make(chan struct{}),
		logger:       logger,
	}
}

// OnShutdown registers a callback to run during shutdown.
func (g *GracefulShutdown) OnShutdown(callback func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callbacks = append(g.callbacks, callback)
}

// ListenForSignals starts listening for shutdown signals.
func (g *GracefulShutdown) ListenForSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		if g.logger != nil {
			g.logger.WithFields(map[string]interface{}{"signal": sig.String()}).Info("received shutdown signal")
		}
		g.Shutdown()
	}()
}

// Shutdown initiates graceful shutdown.
func (g *GracefulShutdown) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Run shutdown callbacks
	for _, callback := range g.callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil && g.logger != nil {
					g.logger.WithFields(map[string]interface{}{"panic": r}).Error("panic in shutdown callback")
				}
			}()
			callback()
		}()
	}

	// Shutdown HTTP server
	if g.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()

		if err := g.server.Shutdown(ctx); err != nil && g.logger != nil {
			g.logger.WithError(err).Error("error during server shutdown")
		}
	}

	close(g.shutdownChan)
}

// Wait blocks until shutdown is complete.
func (g *GracefulShutdown) Wait() {
	<-g.shutdownChan
}
