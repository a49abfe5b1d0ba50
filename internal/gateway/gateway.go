// ABOUTME: Gateway orchestrator that wires the relay core to its HTTP and gRPC servers
// ABOUTME: Owns the conversation log, directory and session router lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/directory"
	"github.com/2389/coven-relay/internal/presence"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/transport"
)

// Gateway orchestrates the coven-relay server components.
// It serves relay connections and HTTP endpoints, plus an optional gRPC health service.
type Gateway struct {
	config     *config.Config
	log        store.Log
	directory  *directory.Directory
	router     *session.Router
	relay      *transport.Handler
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	tailnet    tailnetNode
	logger     *slog.Logger

	ready        atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore opens the conversation log backend selected by the config.
func initStore(cfg *config.Config, logger *slog.Logger) (store.Log, error) {
	log, err := store.Open(store.Options{
		Backend: cfg.Database.Backend,
		Path:    cfg.Database.Path,
		Driver:  cfg.Database.Driver,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening conversation log: %w", err)
	}
	return log, nil
}

// grpcEnabled reports whether the gRPC health server should run.
func grpcEnabled(cfg *config.Config) bool {
	return cfg.Tailscale.Enabled || cfg.Server.GRPCAddr != ""
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	log, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	dir := directory.New(logger)
	router := session.NewRouter(dir, presence.NewBroadcaster(dir, logger), log, session.Options{
		HistoryLimit:    cfg.Relay.HistoryLimit,
		StorageTimeout:  cfg.Database.Timeout,
		CloseSuperseded: cfg.Relay.CloseSuperseded,
		RosterOnConnect: cfg.Relay.RosterOnConnect,
	}, logger)
	relay := transport.NewHandler(router, transport.Options{
		SendBuffer:     cfg.Relay.SendBuffer,
		WriteTimeout:   cfg.Relay.WriteTimeout,
		MaxFrameBytes:  cfg.Relay.MaxFrameBytes,
		OriginPatterns: cfg.Relay.OriginPatterns,
	}, logger)

	gw := &Gateway{
		config:    cfg,
		log:       log,
		directory: dir,
		router:    router,
		relay:     relay,
		logger:    logger.With("component", "gateway"),
	}

	if grpcEnabled(cfg) {
		gw.grpcServer, gw.health = createGRPCServer(logger)
	}

	// Create HTTP server for the relay socket, health checks and API
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)
	mux.HandleFunc("GET /api/online", gw.handleOnline)
	mux.Handle("/ws", relay)
	mux.Handle("/", relay)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	gw.ready.Store(true)
	return gw, nil
}

// setupTCPListeners creates standard TCP listeners for HTTP and, if enabled, gRPC.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting relay",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.http_addr and server.grpc_addr are ignored when tailscale is enabled",
			"http_addr", g.config.Server.HTTPAddr,
			"grpc_addr", g.config.Server.GRPCAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

// Run starts the relay servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the run context is already canceled.
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

// Shutdown stops accepting connections, closes every live session and
// releases the conversation log. Later calls return the first result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down relay", "online", g.directory.Count())
	g.ready.Store(false)

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "relay shutdown", g.relay.Shutdown(ctx))

	if g.grpcServer != nil {
		g.health.Shutdown()
		shutdownGRPCServer(ctx, g.grpcServer)
	}

	if g.tailnet != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tailnet.Close())
	}
	errs = appendCloseError(errs, "store close", g.log.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
