// ABOUTME: Gateway that wires the session orchestrator to its HTTP and gRPC surfaces
// ABOUTME: Manages store, webhook dispatcher, viewers, health and listener lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/tether-gateway/internal/auth"
	"github.com/2389/tether-gateway/internal/broadcast"
	"github.com/2389/tether-gateway/internal/config"
	"github.com/2389/tether-gateway/internal/driver"
	"github.com/2389/tether-gateway/internal/orchestrator"
	"github.com/2389/tether-gateway/internal/session"
	"github.com/2389/tether-gateway/internal/store"
	"github.com/2389/tether-gateway/internal/webhook"
)

// webhookDrainTimeout bounds how long shutdown waits for running webhook deliveries.
const webhookDrainTimeout = 5 * time.Second

// Gateway owns every long-lived component of a running tether-gateway.
type Gateway struct {
	config       *config.Config
	store        store.Store
	driver       driver.Driver
	webhooks     *webhook.Dispatcher
	deadLetters  *webhook.DeadLetterBox
	viewers      *broadcast.Broadcaster
	orchestrator *orchestrator.Orchestrator
	verifier     *auth.JWTVerifier
	health       *health.Server
	grpcServer   *grpc.Server
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	draining atomic.Bool
}

// initStore opens the SQLite record store named by config.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a gateway backed by the SQLite store. The driver is owned by
// the gateway from here on and closed on shutdown.
func New(cfg *config.Config, drv driver.Driver, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	gw, err := newGateway(cfg, s, drv, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// newGateway assembles the components around an already opened store.
func newGateway(cfg *config.Config, s store.Store, drv driver.Driver, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	var box *webhook.DeadLetterBox
	if cfg.Webhooks.DeadLetterPath != "" {
		box, err = webhook.OpenDeadLetterBox(cfg.Webhooks.DeadLetterPath)
		if err != nil {
			return nil, fmt.Errorf("opening dead-letter box: %w", err)
		}
	}

	dispatcher, err := webhook.NewDispatcher(webhook.Options{
		Source:      cfg.Webhooks.Source,
		MaxAttempts: cfg.Webhooks.MaxAttempts,
		Delays:      cfg.Webhooks.Delays,
		Timeout:     cfg.Webhooks.Timeout,
		Workers:     cfg.Webhooks.Workers,
		DeadLetters: box,
		Logger:      logger,
	})
	if err != nil {
		if box != nil {
			_ = box.Close()
		}
		return nil, err
	}

	gw := &Gateway{
		config:      cfg,
		store:       s,
		driver:      drv,
		webhooks:    dispatcher,
		deadLetters: box,
		viewers:     broadcast.New(cfg.Viewers.HeartbeatInterval, logger),
		verifier:    verifier,
		health:      health.NewServer(),
		logger:      logger.With("component", "gateway"),
	}

	gw.orchestrator = orchestrator.New(orchestrator.Options{
		ReconnectBase:        cfg.Sessions.ReconnectBase,
		ReconnectCap:         cfg.Sessions.ReconnectCap,
		MaxReconnectAttempts: cfg.Sessions.MaxReconnectAttempts,
		PollInterval:         cfg.Delivery.PollInterval,
		PollBatch:            cfg.Delivery.PollBatch,
		SendInterval:         cfg.Delivery.SendInterval,
		SendTimeout:          cfg.Delivery.SendTimeout,
		MaxRetries:           cfg.Delivery.MaxRetries,
		OutcomeTTL:           cfg.Delivery.OutcomeTTL,
		Observer:             gw.observeSession,
		Logger:               logger,
	}, s, drv, dispatcher, gw.viewers)

	gw.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	gw.grpcServer = createGRPCServer(gw.health)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// createGRPCServer creates the gRPC server exposing grpc.health.v1.
func createGRPCServer(hs *health.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(server, hs)
	return server
}

// healthService is the gRPC health service name for a session.
func healthService(sessionID string) string {
	return "session/" + sessionID
}

// observeSession mirrors session states into the gRPC health server.
func (g *Gateway) observeSession(sessionID string, state session.State) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	switch state {
	case session.StateConnected:
		status = healthpb.HealthCheckResponse_SERVING
	case session.StateDeleted:
		status = healthpb.HealthCheckResponse_SERVICE_UNKNOWN
	}
	g.health.SetServingStatus(healthService(sessionID), status)
}

// Orchestrator exposes the session orchestrator, mainly for the CLI.
func (g *Gateway) Orchestrator() *orchestrator.Orchestrator {
	return g.orchestrator
}

// Handler returns the HTTP handler serving the API.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListeners creates standard TCP listeners. The gRPC listener is nil
// when no gRPC address is configured.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.config.Server.GRPCAddr == "" {
		return nil, httpLn, nil
	}
	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" || g.config.Server.GRPCAddr != "" {
			g.logger.Warn("server.http_addr and server.grpc_addr are ignored when tailscale is enabled")
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// Run restores stored sessions, serves until ctx is canceled or a server
// fails, then shuts everything down.
func (g *Gateway) Run(ctx context.Context) error {
	restored, err := g.orchestrator.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restoring sessions: %w", err)
	}
	g.logger.Info("sessions restored", "count", restored)

	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	if grpcLn != nil {
		eg.Go(func() error {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}
	eg.Go(func() error {
		g.viewers.Run(egCtx)
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The run context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "tether-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners joins the tailnet and listens there for HTTP (or
// Funnel) and gRPC health.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		httpLn, err = g.tsnetServer.ListenFunnel("tcp", ":443")
	} else {
		httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting work, tells viewers, stops every session actor
// without logging out, drains webhooks and releases storage. It is safe to
// call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.draining.Swap(true) {
		return nil
	}
	g.logger.Info("shutting down gateway")
	g.health.Shutdown()

	// Viewer handlers return once their shutdown frame is written, which
	// lets the HTTP server finish its graceful stop.
	g.viewers.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)

	g.orchestrator.Close()
	errs = appendCloseError(errs, "webhook drain", g.webhooks.Close(webhookDrainTimeout))
	if g.deadLetters != nil {
		errs = appendCloseError(errs, "dead-letter close", g.deadLetters.Close())
	}
	errs = appendCloseError(errs, "driver close", g.driver.Close())
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	g.logger.Info("gateway stopped")
	return nil
}
