// ABOUTME: Gateway orchestrator that coordinates the RPC and HTTP servers
// ABOUTME: Wires sessions, auth, presence, routing, store, and metrics lifecycle

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mesh-gateway/internal/auth"
	"github.com/2389/mesh-gateway/internal/backend"
	"github.com/2389/mesh-gateway/internal/config"
	"github.com/2389/mesh-gateway/internal/dispatch"
	"github.com/2389/mesh-gateway/internal/metrics"
	"github.com/2389/mesh-gateway/internal/presence"
	"github.com/2389/mesh-gateway/internal/router"
	"github.com/2389/mesh-gateway/internal/session"
	"github.com/2389/mesh-gateway/internal/store"
)

// ProtocolVersion is reported in the welcome notification.
const ProtocolVersion = "1.0"

// Options carries optional backends injected at boot.
type Options struct {
	// Reasoner serves agent.query calls. Nil means the method reports
	// the backend unavailable.
	Reasoner backend.Reasoner

	// PolicyEvaluator judges channel publishes. Nil means every publish
	// is allowed.
	PolicyEvaluator backend.PolicyEvaluator
}

// Gateway orchestrates the mesh-gateway server components. It owns the RPC
// listener for agent connections and the HTTP listener for health checks
// and metrics.
type Gateway struct {
	config     *config.Config
	registry   *session.Registry
	presence   *presence.Manager
	router     *router.Router
	authMgr    *auth.Manager
	dispatcher *dispatch.Dispatcher
	methods    *dispatch.Registry
	store      *store.Store
	policy     *backend.PolicyGate
	reasoner   backend.Reasoner
	httpServer *http.Server
	wsServer   *http.Server
	logger     *slog.Logger

	// serverID identifies this gateway instance
	serverID  string
	startedAt time.Time
}

// New creates a fully wired gateway from config. Opening the store and
// building the method table happen here; listening starts in Run.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Gateway, error) {
	st, err := store.New(cfg.Database.Path, logger.With("component", "store"))
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	registry := session.NewRegistry(logger.With("component", "sessions"))
	pres := presence.NewManager(logger.With("component", "presence"))
	rt := router.New(registry, pres, logger.With("component", "router"))
	authMgr := auth.NewManager([]byte(cfg.Auth.JWTSecret), st, cfg.Auth.TokenTTL, logger.With("component", "auth"))
	policy := backend.NewPolicyGate(opts.PolicyEvaluator, cfg.Policy.OnUnavailable, logger.With("component", "policy"))

	g := &Gateway{
		config:    cfg,
		registry:  registry,
		presence:  pres,
		router:    rt,
		authMgr:   authMgr,
		store:     st,
		policy:    policy,
		reasoner:  opts.Reasoner,
		logger:    logger,
		serverID:  "mesh-" + uuid.New().String()[:8],
		startedAt: time.Now().UTC(),
	}

	// Presence changes fan out on the reserved channel. Sessions subscribed
	// to it see every transition, including their own.
	pres.SetNotifier(func(rec presence.Record) {
		rt.Broadcast(router.PresenceChannel, "presence.changed", rec)
	})

	g.methods = dispatch.NewRegistry()
	if err := g.registerMethods(); err != nil {
		st.Close()
		return nil, fmt.Errorf("registering methods: %w", err)
	}
	g.dispatcher = dispatch.New(g.methods, authMgr, logger.With("component", "dispatch"))

	return g, nil
}

// Run starts the RPC and HTTP listeners and blocks until the context is
// canceled or a server fails, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	wsLn, err := net.Listen("tcp", g.config.Server.WSAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.WSAddr, err)
	}
	httpLn, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		wsLn.Close()
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}

	errCh := g.startServers(wsLn, httpLn)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (g *Gateway) startServers(wsLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", g.handleWS)
	g.wsServer = &http.Server{Handler: wsMux}

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/health", g.handleHealth)
	httpMux.HandleFunc("/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		httpMux.Handle(g.config.Metrics.Path, metrics.Handler())
	}
	g.httpServer = &http.Server{Handler: httpMux}

	go func() {
		g.logger.Info("RPC server listening", "addr", wsLn.Addr().String())
		if err := g.wsServer.Serve(wsLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("RPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown closes the listeners, every live session, and the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if g.wsServer != nil {
		errs = appendCloseError(errs, "RPC shutdown", g.wsServer.Shutdown(ctx))
	}
	if g.httpServer != nil {
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	}

	for _, sess := range g.registry.All() {
		sess.Close()
	}

	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the gateway is accepting connections.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", g.registry.Len())
}
