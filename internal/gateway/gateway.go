// ABOUTME: Gateway orchestrator that coordinates the division's registry, router, and tool stack
// ABOUTME: Manages the HTTP server, replication loop, and dispatcher lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/2389/fabric-gateway/internal/auth"
	"github.com/2389/fabric-gateway/internal/breaker"
	"github.com/2389/fabric-gateway/internal/config"
	"github.com/2389/fabric-gateway/internal/dedupe"
	"github.com/2389/fabric-gateway/internal/registry"
	"github.com/2389/fabric-gateway/internal/router"
	"github.com/2389/fabric-gateway/internal/store"
	"github.com/2389/fabric-gateway/internal/tools"
)

// Gateway fronts one division: it owns the authoritative registry shard,
// enforces permissions at the boundary, and routes messages to peer
// divisions through the circuit-breaker protected transport.
type Gateway struct {
	config *config.Config
	peers  *config.Peers
	store  *store.SQLiteStore
	logger *slog.Logger

	shard      *registry.Shard
	index      *registry.Index
	breakers   *breaker.Registry
	router     *router.Router
	dispatcher *router.Dispatcher
	tools      *tools.Registry
	executor   *tools.Executor

	// dedupe keeps inbound messageId dispositions so redelivered envelopes
	// are acknowledged without a second apply
	dedupe *dedupe.Cache

	// invoker carries payloads to local agent endpoints
	invoker AgentInvoker

	// limits throttles inbound federation traffic per source division
	limits *divisionLimits

	// verifier is nil when auth is disabled
	verifier *auth.JWTVerifier

	httpServer *http.Server
	prom       *prometheus.Registry

	// serverID identifies this gateway instance
	serverID  string
	startedAt time.Time
}

// initStore creates the store based on config and environment.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("FABRIC_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	peers, err := config.LoadPeers(cfg.Federation.PeersPath)
	if err != nil {
		s.Close()
		return nil, err
	}

	var verifier *auth.JWTVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
	}

	prom := prometheus.NewRegistry()
	prom.MustRegister(collectors.NewGoCollector())

	gw := &Gateway{
		config:    cfg,
		peers:     peers,
		store:     s,
		logger:    logger.With("component", "gateway"),
		dedupe:    dedupe.New(5*time.Minute, 100_000),
		verifier:  verifier,
		prom:      prom,
		serverID:  uuid.NewString()[:8],
		startedAt: time.Now().UTC(),
	}

	division := cfg.Division.ID
	gw.breakers = breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		BaseCooldown:     cfg.Breaker.BaseCooldown,
		MaxCooldown:      cfg.Breaker.MaxCooldown,
	}, logger)

	gw.shard = registry.NewShard(division, s, logger)
	gw.index = registry.NewIndex(gw.shard, newPeerClient(peers, nil, gw.tokenSource()),
		cfg.Registry.ReplicationInterval, cfg.Registry.HeartbeatTimeout, logger)

	transport := router.NewHTTPTransport(nil, gw.tokenSource())
	gw.router = router.New(division, s, transport, peers, gw.breakers, router.Settings{
		BaseDelay:     cfg.Router.BaseDelay,
		MaxDelay:      cfg.Router.MaxDelay,
		MaxAttempts:   cfg.Router.MaxAttempts,
		SLA:           cfg.Router.DeliverySLA,
		DispatchBatch: cfg.Router.DispatchBatch,
	}, router.NewMetrics(prom), logger)
	gw.dispatcher = router.NewDispatcher(gw.router)

	gw.tools = tools.NewRegistry(s, logger)
	gw.executor = tools.NewExecutor(gw.tools, s, tools.NewHTTPRunner(nil), cfg.Tools.MaxConcurrent, logger)

	gw.invoker = NewHTTPInvoker(nil)
	gw.limits = newDivisionLimits(cfg.Federation.MaxRequestsPerMinute, cfg.Federation.BurstLimit)

	if err := gw.recordKnownDivisions(context.Background()); err != nil {
		s.Close()
		return nil, err
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// tokenSource mints short-lived gateway tokens for peer calls. With auth
// disabled the source is nil and outbound requests go unauthenticated.
func (g *Gateway) tokenSource() router.TokenSource {
	if g.verifier == nil {
		return nil
	}
	return func() (string, error) {
		return g.verifier.Generate("gateway:"+g.serverID, g.config.Division.ID, 5*time.Minute)
	}
}

// recordKnownDivisions mirrors the peer map into the divisions table so
// status queries and audit entries can name the remote ends.
func (g *Gateway) recordKnownDivisions(ctx context.Context) error {
	for _, p := range g.peers.Divisions {
		rec := &store.DivisionRecord{
			DivisionID:      p.ID,
			GatewayEndpoint: p.GatewayEndpoint,
			Trusted:         p.Trusted,
		}
		if err := g.store.UpsertDivision(ctx, rec); err != nil {
			return fmt.Errorf("recording division %s: %w", p.ID, err)
		}
	}
	return nil
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.index.Run(runCtx)
	go g.dispatcher.Run(runCtx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening",
			"division", g.config.Division.ID,
			"addr", ln.Addr().String(),
			"server_id", g.serverID)
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

	cancel()
	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server and releases held resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down HTTP server: %w", err))
	}
	g.dedupe.Close()
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errors.Join(errs...)
}

// Handler exposes the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}
