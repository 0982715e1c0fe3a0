// Package proxy owns the listener lifecycle that start_proxy/stop_proxy
// (§6) control: binding the accept socket, running the accept loop that
// hands each connection to internal/connhandler, and reporting a status
// snapshot for get_status. Grounded in the teacher's internal/proxy/proxy.go
// Serve/accept-loop shape, narrowed to a start/stop controller since the
// MITM handling itself now lives in internal/connhandler.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/syrahproxy/syrah/internal/config"
	"github.com/syrahproxy/syrah/internal/connhandler"
	"github.com/syrahproxy/syrah/internal/eventbus"
	"github.com/syrahproxy/syrah/internal/metrics"
)

// StartOptions carries the start_proxy command's fields (§6).
type StartOptions struct {
	Port        int
	BindAddress string
	EnableSSL   bool
	BypassHosts []string
}

// Controller starts and stops the proxy listener and tracks enough state to
// answer get_status. One Controller is built per process; Start/Stop may be
// called repeatedly across the controller's lifetime.
type Controller struct {
	handlerFactory func(cfg *config.ProxyConfig) *connhandler.Handler
	logger         *slog.Logger
	metrics        *metrics.Collector

	mu      sync.Mutex
	ln      net.Listener
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	cfg     *config.ProxyConfig
	running bool
	lastErr string
}

// HandlerFactory builds the connhandler.Handler used for each accepted
// connection, given the effective proxy config for this run. Kept as an
// injected func rather than a concrete *connhandler.Handler so Start can
// rebuild the handler (and its cert cache / pipeline wiring) fresh every
// time EnableSSL or BypassHosts changes across restarts.
type HandlerFactory func(cfg *config.ProxyConfig) *connhandler.Handler

// New builds a Controller. metricsCollector supplies the live
// active-connection and byte-throughput counts for Status snapshots — the
// same Collector passed to the connhandler.Handler the factory builds, so
// both sides of the connection lifecycle share one set of counters. A nil
// Collector reports all zeros.
func New(factory HandlerFactory, logger *slog.Logger, metricsCollector *metrics.Collector) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{handlerFactory: factory, logger: logger.With("component", "proxy"), metrics: metricsCollector}
}

// Start binds the listener and launches the accept loop in the background.
// It returns once the socket is bound, not once the loop exits. Calling
// Start while already running returns an error.
func (c *Controller) Start(opts StartOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return errors.New("proxy: already running")
	}

	addr := fmt.Sprintf("%s:%d", opts.BindAddress, opts.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		c.lastErr = err.Error()
		return fmt.Errorf("proxy: binding %s: %w", addr, err)
	}

	cfg := &config.ProxyConfig{
		BindAddress: opts.BindAddress,
		Port:        opts.Port,
		EnableSSL:   opts.EnableSSL,
		BypassHosts: opts.BypassHosts,
	}
	handler := c.handlerFactory(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	c.ln = ln
	c.cancel = cancel
	c.cfg = cfg
	c.running = true
	c.lastErr = ""

	c.wg.Add(1)
	go c.acceptLoop(ctx, ln, handler)

	c.logger.Info("proxy listener started", "addr", ln.Addr().String(), "enable_ssl", opts.EnableSSL)
	return nil
}

func (c *Controller) acceptLoop(ctx context.Context, ln net.Listener, handler *connhandler.Handler) {
	defer c.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.mu.Lock()
			c.lastErr = err.Error()
			c.mu.Unlock()
			c.logger.Error("accept failed", "error", err)
			return
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			handler.Handle(ctx, conn)
		}()
	}
}

// Stop closes the listener and waits for in-flight connections to unwind.
// Calling Stop when not running is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	ln := c.ln
	cancel := c.cancel
	c.running = false
	c.mu.Unlock()

	cancel()
	if err := ln.Close(); err != nil {
		return fmt.Errorf("proxy: closing listener: %w", err)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return errors.New("proxy: timed out waiting for connections to close")
	}

	c.logger.Info("proxy listener stopped")
	return nil
}

// IsRunning reports whether the accept loop is currently active.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Status renders a §4.K snapshot of the controller's current state.
func (c *Controller) Status() eventbus.StatusSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := eventbus.StatusSnapshot{
		IsRunning:         c.running,
		ActiveConnections: c.metrics.ActiveConnections(),
		BytesRx:           c.metrics.BytesRx(),
		BytesTx:           c.metrics.BytesTx(),
		Error:             c.lastErr,
	}
	if c.cfg != nil {
		snap.SSLInterceptionEnabled = c.cfg.EnableSSL
	}
	if c.ln != nil {
		snap.Address = c.ln.Addr().String()
	}
	if c.cfg != nil {
		snap.Port = c.cfg.Port
	}
	return snap
}
