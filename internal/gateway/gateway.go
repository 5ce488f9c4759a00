// ABOUTME: Gateway orchestrator that wires the ingestion pipeline, dispatcher and fan-out
// ABOUTME: Manages HTTP, gRPC health and optional tailnet listeners plus the session bridge lifecycle

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
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/inbox-gateway/internal/auth"
	"github.com/2389/inbox-gateway/internal/channel"
	"github.com/2389/inbox-gateway/internal/channel/cloud"
	"github.com/2389/inbox-gateway/internal/channel/session"
	"github.com/2389/inbox-gateway/internal/config"
	"github.com/2389/inbox-gateway/internal/convlog"
	"github.com/2389/inbox-gateway/internal/dedupe"
	"github.com/2389/inbox-gateway/internal/dispatch"
	"github.com/2389/inbox-gateway/internal/fanout"
	"github.com/2389/inbox-gateway/internal/flow"
	"github.com/2389/inbox-gateway/internal/media"
	"github.com/2389/inbox-gateway/internal/metrics"
	"github.com/2389/inbox-gateway/internal/normalize"
	"github.com/2389/inbox-gateway/internal/pipeline"
	"github.com/2389/inbox-gateway/internal/store"
)

// Gateway orchestrates the inbox-gateway server components.
type Gateway struct {
	config     *config.Config
	store      *store.SQLiteStore
	log        convlog.Log
	media      *media.Store
	channels   *channel.Registry
	dispatcher *dispatch.Dispatcher
	hub        *fanout.Hub
	graphs     *flow.GraphCache
	engine     *flow.Engine
	pipeline   *pipeline.Pipeline
	dedupe     *dedupe.Cache
	metrics    *metrics.Metrics
	verifier   *auth.JWTVerifier
	session    *session.Adapter

	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// bridgeDone is closed when the session bridge stops.
	bridgeDone chan struct{}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	gw := &Gateway{
		config: cfg,
		store:  st,
		logger: logger.With("component", "gateway"),
	}
	if err := gw.init(logger); err != nil {
		gw.closeComponents()
		return nil, err
	}
	return gw, nil
}

func (g *Gateway) init(logger *slog.Logger) error {
	cfg := g.config
	var err error

	g.log, err = convlog.Open(cfg.Log.Backend, cfg.Log.Dir, logger)
	if err != nil {
		return fmt.Errorf("opening conversation log: %w", err)
	}

	prefix := strings.TrimSuffix(cfg.Server.PublicURL, "/") + cfg.Media.URLPrefix
	g.media, err = media.New(cfg.Media.Dir, prefix, media.DefaultMaxBytes, logger)
	if err != nil {
		return fmt.Errorf("initializing media store: %w", err)
	}

	g.channels = channel.NewRegistry()
	g.channels.Register(cloud.New(g.store, cloud.Config{
		GraphURL:      cfg.Cloud.GraphURL,
		APIVersion:    cfg.Cloud.APIVersion,
		Timeout:       cfg.Cloud.SendTimeout,
		RatePerSecond: cfg.Cloud.RatePerSecond,
		Burst:         cfg.Cloud.Burst,
	}, logger))
	if cfg.Session.Enabled {
		if err := g.initSession(logger); err != nil {
			return err
		}
	}

	g.metrics = metrics.New()
	g.hub = fanout.NewHub(fanout.NewRegistry(logger), g.store, logger)
	g.hub.SetObserver(g.metrics)
	g.metrics.RegisterConnections(g.hub.Registry().Count)

	g.dispatcher = dispatch.New(dispatch.Deps{
		Adapters: g.channels,
		Log:      g.log,
		Chats:    g.store,
		Notifier: g.hub,
		Observer: g.metrics,
	}, cfg.Dispatch.Timeout, logger)

	g.graphs = flow.NewGraphCache(g.store, cfg.Flow.GraphCacheTTL)
	deps := flow.Deps{
		Cursors:   g.store,
		Graphs:    g.graphs,
		Sender:    g.dispatcher,
		Agents:    g.store,
		Notifier:  g.hub,
		History:   g.log,
		Requester: flow.NewRequester(nil, cfg.Flow.RequestTimeout),
	}
	if cfg.Flow.HandoffURL != "" {
		deps.Handoff = flow.NewWebhookHandoff(cfg.Flow.HandoffURL, cfg.Flow.RequestTimeout, logger)
	}
	g.engine = flow.NewEngine(deps, flow.Options{HopLimit: cfg.Flow.HopLimit}, logger)

	g.dedupe = dedupe.New(cfg.Dedupe.TTL, dedupe.DefaultMaxSize)
	norm := normalize.New(normalize.Config{
		Salt:         cfg.ChatKey.Salt,
		FetchTimeout: cfg.Media.FetchTimeout,
	}, normalize.Deps{
		Sources:  g.channels,
		Media:    g.media,
		Replies:  g.log,
		Audience: g.store,
	}, logger)
	g.pipeline = pipeline.New(pipeline.Deps{
		State:      g.store,
		Normalizer: norm,
		Log:        g.log,
		Dedupe:     g.dedupe,
		Flow:       g.engine,
		Fanout:     g.hub,
		Observer:   g.metrics,
	}, logger)

	g.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))

	g.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	g.health = health.NewServer()
	healthpb.RegisterHealthServer(g.grpcServer, g.health)
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// initSession loads the bridge config, registers the adapter and binds its
// session to the configured account.
func (g *Gateway) initSession(logger *slog.Logger) error {
	bcfg, err := session.LoadConfig(g.config.Session.BridgeConfig)
	if err != nil {
		return err
	}
	g.session, err = session.New(bcfg, logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.store.UpsertSession(ctx, &store.Session{SessionID: bcfg.Bridge.SessionID, AccountID: bcfg.Bridge.AccountID}); err != nil {
		return fmt.Errorf("registering session: %w", err)
	}
	g.channels.Register(g.session)
	return nil
}

// Handler returns the HTTP handler serving all routes.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC health listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// startBridge runs the session bridge until ctx is done. Bridge failures are
// logged; webhooks keep working without it.
func (g *Gateway) startBridge(ctx context.Context) {
	if g.session == nil {
		return
	}
	g.bridgeDone = make(chan struct{})
	go func() {
		defer close(g.bridgeDone)
		if err := g.session.Run(ctx, g.pipeline); err != nil {
			g.logger.Error("session bridge stopped", "error", err)
		}
	}()
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		select {
		case additionalErr := <-errCh:
			g.logger.Error("additional server error", "error", additionalErr)
		default:
		}
		return err
	}
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	bridgeCtx, stopBridge := context.WithCancel(ctx)
	defer stopBridge()

	errCh := g.startServers(grpcListener, httpListener)
	g.startBridge(bridgeCtx)
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	stopBridge()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
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
	return filepath.Join(homeDir, ".local", "share", "inbox-gateway", "tailscale"), nil
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

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
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
	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
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

// closeComponents releases everything New opened.
func (g *Gateway) closeComponents() []error {
	var errs []error
	if g.pipeline != nil {
		g.pipeline.Wait()
	}
	if g.hub != nil {
		g.hub.Registry().Close()
	}
	if g.dedupe != nil {
		g.dedupe.Close()
	}
	if g.log != nil {
		errs = appendCloseError(errs, "log close", g.log.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	return errs
}

// Shutdown gracefully stops all gateway servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.health.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)

	if g.bridgeDone != nil {
		select {
		case <-g.bridgeDone:
		case <-ctx.Done():
		}
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = append(errs, g.closeComponents()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
