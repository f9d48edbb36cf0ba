// ABOUTME: Gateway orchestrator that wires storage, registry, fan-out, and the websocket server
// ABOUTME: Manages the HTTP listener, broker subscription, and graceful shutdown lifecycle

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/conversation"
	"github.com/2389/relay-gateway/internal/fanout"
	"github.com/2389/relay-gateway/internal/notify"
	"github.com/2389/relay-gateway/internal/plan"
	"github.com/2389/relay-gateway/internal/presence"
	"github.com/2389/relay-gateway/internal/registry"
	"github.com/2389/relay-gateway/internal/relay"
	"github.com/2389/relay-gateway/internal/store"
)

// brokerConnectTimeout bounds the startup ping to Redis.
const brokerConnectTimeout = 5 * time.Second

// Gateway orchestrates the relay-gateway server components.
type Gateway struct {
	config     *config.Config
	store      store.Store
	registry   *registry.Registry
	broker     fanout.Broker
	bus        *fanout.Bus
	router     *presence.Router
	handler    *relay.Handler
	httpServer *http.Server
	upgrader   websocket.Upgrader
	logger     *slog.Logger

	// ctx scopes every websocket; canceled on shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	endpoints map[string]*wsEndpoint
	conns     sync.WaitGroup
	busDone   chan struct{}
}

func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return s, nil
}

// initBroker connects to Redis when configured. An unreachable broker is
// logged and the gateway runs local-only.
func initBroker(cfg *config.Config, logger *slog.Logger) fanout.Broker {
	if cfg.Redis.URL == "" {
		logger.Info("no redis configured, running single instance")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), brokerConnectTimeout)
	defer cancel()

	broker, err := fanout.NewRedisBroker(ctx, cfg.Redis.URL, logger)
	if err != nil {
		logger.Warn("redis unavailable, running single instance", "error", err)
		return nil
	}
	return broker
}

func initDispatcher(cfg config.NotificationsConfig, logger *slog.Logger) (notify.Dispatcher, error) {
	switch cfg.Provider {
	case config.ProviderResend:
		d, err := notify.NewResendDispatcher(notify.ResendOptions{
			APIKey:   cfg.APIKey,
			From:     cfg.From,
			Endpoint: cfg.Endpoint,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating resend dispatcher: %w", err)
		}
		return d, nil
	default:
		return notify.NoopDispatcher{Logger: logger.With("component", "notify")}, nil
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	dispatcher, err := initDispatcher(cfg.Notifications, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	} else {
		logger.Warn("auth.jwt_secret not set, agent connections are not authenticated")
	}

	reg := registry.New(s, logger)
	broker := initBroker(cfg, logger)
	bus := fanout.NewBus(reg, broker, fanout.Options{
		InstanceID:    generateServerID(),
		ChannelPrefix: cfg.Redis.ChannelPrefix,
		Logger:        logger,
	})
	router := presence.NewRouter(bus, reg, s, dispatcher, presence.Options{
		NotifyTimeout: cfg.Delivery.NotifyTimeout,
		Logger:        logger,
	})
	sends := conversation.New(s, plan.NewChecker(s), logger)
	handler := relay.NewHandler(reg, sends, router, s, relay.Options{
		Verifier:          verifier,
		MessagesPerSecond: cfg.Delivery.MessagesPerSecond,
		Burst:             cfg.Delivery.Burst,
		SnapshotLimit:     cfg.Delivery.SnapshotLimit,
		Logger:            logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	gw := &Gateway{
		config:    cfg,
		store:     s,
		registry:  reg,
		broker:    broker,
		bus:       bus,
		router:    router,
		handler:   handler,
		logger:    logger.With("component", "gateway"),
		ctx:       ctx,
		cancel:    cancel,
		endpoints: make(map[string]*wsEndpoint),
	}
	gw.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     gw.checkOrigin,
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP routes: /ws, /health, and /health/ready.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)
	r.Get("/ws", g.handleWebSocket)
	return r
}

// Store returns the gateway's store.
func (g *Gateway) Store() store.Store {
	return g.store
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	allowed := g.config.Server.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no Origin.
		return true
	}
	for _, o := range allowed {
		if o == origin {
			return true
		}
	}
	g.logger.Warn("rejected websocket origin", "origin", origin)
	return false
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	ep := newEndpoint(uuid.New().String(), conn, g.config.Delivery.SendBuffer, g.logger)
	if !g.track(ep) {
		_ = conn.Close()
		return
	}
	defer g.untrack(ep)

	g.handler.Connect(ep)
	go ep.writePump()

	ep.readPump(g.ctx, func(ctx context.Context, raw []byte) {
		g.handler.Handle(ctx, ep, raw)
	})

	g.handler.Disconnect(ep)
	ep.close()
}

// track registers a live socket. It fails once shutdown has begun.
func (g *Gateway) track(ep *wsEndpoint) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ctx.Err() != nil {
		return false
	}
	g.endpoints[ep.id] = ep
	g.conns.Add(1)
	return true
}

func (g *Gateway) untrack(ep *wsEndpoint) {
	g.mu.Lock()
	delete(g.endpoints, ep.id)
	g.mu.Unlock()
	g.conns.Done()
}

// startBus runs the fan-out subscription until the gateway context ends.
func (g *Gateway) startBus() {
	g.busDone = make(chan struct{})
	go func() {
		defer close(g.busDone)
		if err := g.bus.Run(g.ctx); err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Error("fan-out bus stopped", "error", err)
		}
	}()
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	g.startBus()

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening",
			"addr", ln.Addr().String(),
			"instance_id", g.bus.InstanceID(),
			"broker", g.bus.Mode())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeEndpoints closes every live socket and waits for their handlers to finish.
func (g *Gateway) closeEndpoints(ctx context.Context) {
	g.mu.Lock()
	for _, ep := range g.endpoints {
		ep.close()
	}
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("timed out waiting for connections to close")
	}
}

// Shutdown stops accepting connections, closes live sockets, drains pending
// notifications, and closes the broker and store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.mu.Lock()
	g.cancel()
	g.mu.Unlock()
	g.closeEndpoints(ctx)

	if g.busDone != nil {
		<-g.busDone
	}
	g.router.Wait()
	g.bus.Close()

	if g.broker != nil {
		errs = appendCloseError(errs, "broker close", g.broker.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type readiness struct {
	Status     string `json:"status"`
	InstanceID string `json:"instance_id"`
	Broker     string `json:"broker"`
	Sessions   int    `json:"sessions"`
}

// handleReady reports instance identity, broker mode, and live session count.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(readiness{
		Status:     "ready",
		InstanceID: g.bus.InstanceID(),
		Broker:     g.bus.Mode(),
		Sessions:   g.registry.SessionCount(),
	})
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relay"
	}
	return fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
}
