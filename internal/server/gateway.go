package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/mcphub/internal/auth"
	"github.com/Tyrowin/mcphub/internal/catalog"
	"github.com/Tyrowin/mcphub/internal/config"
	"github.com/Tyrowin/mcphub/internal/dispatch"
	"github.com/Tyrowin/mcphub/internal/hub"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	defaultKeepAlive = 15 * time.Second
)

// Gateway binds the transport adapters to one hub and one dispatcher.
type Gateway struct {
	hub        *hub.Hub
	dispatcher *dispatch.Dispatcher
	gate       auth.Gate
	origins    *originPolicy
	upgrader   websocket.Upgrader
	limits     config.LimitsConfig
	keepAlive  time.Duration
	logger     *slog.Logger

	// ctx outlives individual requests; socket dispatches and handshake
	// delays run under it so they stop on shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	// mu orders wg.Add against Shutdown's wg.Wait.
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// New creates a Gateway serving cfg with the given hub and dispatcher.
func New(cfg *config.Config, h *hub.Hub, d *dispatch.Dispatcher, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	keepAlive := cfg.Server.KeepAliveInterval
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		hub:        h,
		dispatcher: d,
		gate:       auth.Gate{BearerToken: cfg.Auth.BearerToken, APIKey: cfg.Auth.APIKey},
		origins:    newOriginPolicy(cfg.Server.AllowedOrigins, logger),
		limits:     cfg.Limits,
		keepAlive:  keepAlive,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
	if !g.gate.Configured() {
		logger.Warn("no credentials configured, every request will be rejected")
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.origins.check,
	}
	return g
}

// Build assembles the hub, the built-in handler registry, and the dispatcher
// described by cfg into a ready Gateway.
func Build(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	h := hub.New(hub.WithQueueSize(cfg.Limits.QueueSize), hub.WithLogger(logger))

	registry := dispatch.NewRegistry()
	svc := catalog.NewService(cfg.CatalogOrDefault(), cfg.Server.HandshakeDelay)
	if err := svc.Register(registry); err != nil {
		return nil, fmt.Errorf("registering handlers: %w", err)
	}

	d := dispatch.New(registry, h, logger)
	return New(cfg, h, d, logger), nil
}

// Hub returns the gateway's broadcast hub.
func (g *Gateway) Hub() *hub.Hub {
	return g.hub
}

// Shutdown stops in-flight dispatches, closes every listener, and waits for
// the socket pumps to finish or ctx to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("initiating gateway shutdown")

	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()

	g.cancel()
	g.hub.Shutdown()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.logger.Info("gateway shutdown completed")
		return nil
	case <-ctx.Done():
		g.logger.Warn("gateway shutdown timed out, some connections may still be closing")
		return ctx.Err()
	}
}

// track reserves n wait group slots for connection goroutines. It fails once
// Shutdown has begun so no goroutine starts after the wait.
func (g *Gateway) track(n int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.wg.Add(n)
	return true
}

func deadline() time.Time {
	return time.Now().Add(writeWait)
}
