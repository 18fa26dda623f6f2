// ABOUTME: Gateway orchestrator that coordinates the HTTP and gRPC servers
// ABOUTME: Owns the connector manager, task registry, journal and MCP endpoint lifecycle

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/mcp-relay/internal/auth"
	"github.com/2389/mcp-relay/internal/builtins"
	"github.com/2389/mcp-relay/internal/config"
	"github.com/2389/mcp-relay/internal/connector"
	"github.com/2389/mcp-relay/internal/manager"
	"github.com/2389/mcp-relay/internal/mcp"
	"github.com/2389/mcp-relay/internal/packs"
	"github.com/2389/mcp-relay/internal/store"
	"github.com/2389/mcp-relay/internal/tasks"
)

const (
	tailscaleGRPCPort = ":50051"
	shutdownTimeout   = 5 * time.Second
)

// Gateway orchestrates the mcp-relay server components.
type Gateway struct {
	config     *config.Config
	configPath string
	version    string
	startedAt  time.Time
	logger     *slog.Logger

	manager      *manager.Manager
	tasks        *tasks.Registry
	journal      store.Store // nil when database.path is empty
	packRegistry *packs.Registry
	packRouter   *packs.Router
	mcpServer    *mcp.Server
	authn        *auth.Authenticator
	broadcaster  *EventBroadcaster

	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// mcpEndpoint is the URL clients should use, logged at startup
	mcpEndpoint string

	// servers is the current configured server list, replaced on reload
	mu      sync.RWMutex
	servers []config.RemoteServerConfig

	pumpDone  chan struct{}
	closeOnce sync.Once
}

// Option customizes New.
type Option func(*Gateway, *manager.Options)

// WithConfigPath makes Run watch path and reconcile servers when it changes.
func WithConfigPath(path string) Option {
	return func(g *Gateway, _ *manager.Options) { g.configPath = path }
}

// WithVersion sets the version reported in serverInfo, clientInfo and /status.
func WithVersion(v string) Option {
	return func(g *Gateway, _ *manager.Options) { g.version = v }
}

// WithConnectorOptions replaces the connector template used for every remote
// server, for example to inject a transport factory.
func WithConnectorOptions(o connector.Options) Option {
	return func(_ *Gateway, m *manager.Options) { m.Connector = o }
}

// initJournal opens the journal named by the config, or returns nil when the
// journal is disabled.
func initJournal(cfg *config.Config) (store.Store, error) {
	if cfg.Database.Path == "" {
		return nil, nil
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing journal: %w", err)
	}
	return s, nil
}

// newAuthenticator builds the inbound credential checks from config.
func newAuthenticator(cfg config.AuthConfig, logger *slog.Logger) (*auth.Authenticator, error) {
	a := &auth.Authenticator{Required: cfg.Required}
	if cfg.JWTSecret != "" {
		a.JWT = auth.NewJWTVerifier([]byte(cfg.JWTSecret))
	}
	if len(cfg.APIKeys) > 0 {
		keys := make([]auth.APIKey, 0, len(cfg.APIKeys))
		for _, k := range cfg.APIKeys {
			keys = append(keys, auth.APIKey{Name: k.Name, Hash: k.Hash})
		}
		v, err := auth.NewAPIKeyVerifier(keys)
		if err != nil {
			return nil, fmt.Errorf("loading api keys: %w", err)
		}
		a.APIKeys = v
	}

	switch {
	case a.Required && a.JWT == nil && a.APIKeys == nil:
		return nil, errors.New("auth.required is set but neither jwt_secret nor api_keys is configured")
	case a.JWT == nil && a.APIKeys == nil:
		logger.Warn("auth disabled - no jwt_secret or api_keys configured")
	case !a.Required:
		logger.Info("auth optional - anonymous callers accepted")
	}
	return a, nil
}

// registerBuiltinPacks registers all builtin packs with the registry.
func (g *Gateway) registerBuiltinPacks() error {
	if err := g.packRegistry.RegisterPack(builtins.BasePack(g.tasks)); err != nil {
		return fmt.Errorf("registering base pack: %w", err)
	}
	if err := g.packRegistry.RegisterPack(builtins.AdminPack(g.manager, g.tasks, g.journal)); err != nil {
		return fmt.Errorf("registering admin pack: %w", err)
	}
	return nil
}

// determineMCPEndpoint derives the endpoint URL from config.
func determineMCPEndpoint(cfg *config.Config) string {
	if cfg.Tailscale.Enabled {
		scheme := "http"
		if cfg.Tailscale.HTTPS {
			scheme = "https"
		}
		return scheme + "://" + cfg.Tailscale.Hostname + cfg.Gateway.Path
	}
	return "http://" + cfg.Server.HTTPAddr + cfg.Gateway.Path
}

// New creates a new Gateway instance with the given configuration. Nothing
// is started and no remote server is contacted until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		config:      cfg,
		version:     "dev",
		startedAt:   time.Now(),
		logger:      logger.With("component", "gateway"),
		mcpEndpoint: determineMCPEndpoint(cfg),
		servers:     cfg.Servers,
	}
	mopts := manager.Options{
		Logger:          logger,
		PrefixToolNames: cfg.Manager.ShouldPrefix(),
		Retry:           cfg.Manager.Retry,
	}
	for _, opt := range opts {
		opt(g, &mopts)
	}
	if mopts.Connector.ClientVersion == "" {
		mopts.Connector.ClientVersion = g.version
	}

	journal, err := initJournal(cfg)
	if err != nil {
		return nil, err
	}
	g.journal = journal

	authn, err := newAuthenticator(cfg.Auth, g.logger)
	if err != nil {
		g.closeJournal()
		return nil, err
	}
	g.authn = authn

	g.manager = manager.New(mopts)
	g.tasks = tasks.NewRegistry()
	g.broadcaster = NewEventBroadcaster(logger)

	g.packRegistry = packs.NewRegistry(logger.With("component", "pack-registry"))
	g.packRouter = packs.NewRouter(packs.RouterConfig{
		Registry: g.packRegistry,
		Logger:   logger,
	})
	if err := g.registerBuiltinPacks(); err != nil {
		g.release()
		return nil, err
	}

	g.mcpServer, err = mcp.NewServer(mcp.Config{
		Registry:          g.packRegistry,
		Router:            g.packRouter,
		Tasks:             g.tasks,
		Logger:            logger,
		Remote:            g.manager,
		ExposeRemoteTools: cfg.Gateway.ExposeRemoteTools,
		Authenticator:     authn,
		Path:              cfg.Gateway.Path,
		ServerName:        cfg.Gateway.ServerName,
		Version:           g.version,
		AllowedOrigins:    cfg.Gateway.AllowedOrigins,
		OnToolCall:        g.recordToolCall,
	})
	if err != nil {
		g.release()
		return nil, fmt.Errorf("creating MCP server: %w", err)
	}

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		g.grpcServer, g.health = newHealthServer(g.logger)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	g.registerAPIRoutes(mux)
	g.mcpServer.RegisterRoutes(mux)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Handler returns the HTTP handler serving every gateway route.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// MCPEndpoint returns the URL clients should use for the MCP endpoint.
func (g *Gateway) MCPEndpoint() string {
	return g.mcpEndpoint
}

// setupTCPListeners creates standard TCP listeners. grpcLn is nil when the
// health service is disabled.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
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

// startServers starts the servers in goroutines, returning the error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health service listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String(), "mcp_endpoint", g.mcpEndpoint)
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// startRelay begins journaling manager events, registers the configured
// servers and auto-connects them in the background.
func (g *Gateway) startRelay(ctx context.Context) {
	g.pumpDone = make(chan struct{})
	go g.pumpEvents()

	go func() {
		if err := g.manager.Initialize(ctx, g.config.Servers); err != nil {
			g.logger.Warn("some servers were rejected", "error", err)
		}
	}()

	if g.configPath != "" {
		if err := config.Watch(ctx, g.configPath, g.logger, func(cfg *config.Config) { g.reload(ctx, cfg) }); err != nil {
			g.logger.Warn("config watch disabled", "path", g.configPath, "error", err)
		}
	}
}

// reload applies a changed config file. Only the server list is hot
// reloaded; everything else needs a restart.
func (g *Gateway) reload(ctx context.Context, cfg *config.Config) {
	if cfg.Server != g.config.Server || cfg.Gateway.Path != g.config.Gateway.Path {
		g.logger.Warn("listen address or gateway path changed; restart to apply")
	}
	g.mu.Lock()
	g.servers = cfg.Servers
	g.mu.Unlock()
	if err := g.manager.Reconcile(ctx, cfg.Servers); err != nil {
		g.logger.Error("reconciling servers", "error", err)
		return
	}
	g.logger.Info("configuration reloaded", "servers", len(cfg.Servers))
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

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	relayCtx, cancelRelay := context.WithCancel(ctx)
	defer cancelRelay()
	g.startRelay(relayCtx)

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	cancelRelay()
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
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
	return filepath.Join(homeDir, ".local", "share", "mcp-relay", "tailscale"), nil
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

// setupTailscaleListeners creates a tsnet node and returns listeners on it.
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

	grpcLn, err = g.tsnetServer.Listen("tcp", tailscaleGRPCPort)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	if tsCfg.HTTPS {
		httpLn, err = g.createTailscaleTLSListener(grpcLn)
		if err != nil {
			return nil, nil, err
		}
		return grpcLn, httpLn, nil
	}

	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs the node's address and points the MCP endpoint at
// its tailnet DNS name.
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

	if dnsName != "" {
		scheme := "http"
		if g.config.Tailscale.HTTPS {
			scheme = "https"
		}
		g.mcpEndpoint = scheme + "://" + strings.TrimSuffix(dnsName, ".") + g.config.Gateway.Path
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener(grpcLn net.Listener) (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	g.health.Shutdown()

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

func (g *Gateway) closeJournal() error {
	if g.journal == nil {
		return nil
	}
	return g.journal.Close()
}

// release frees what New allocated when construction fails part way.
func (g *Gateway) release() {
	_ = g.manager.Close()
	g.tasks.Close()
	g.broadcaster.Close()
	_ = g.closeJournal()
}

// Shutdown gracefully stops all gateway servers and releases resources.
// Remote servers are disconnected and their child processes reaped.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error
	g.closeOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		g.shutdownGRPCServer(ctx)
		g.mcpServer.Close()

		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}

		errs = appendCloseError(errs, "manager close", g.manager.Close())
		if g.pumpDone != nil {
			select {
			case <-g.pumpDone:
			case <-ctx.Done():
				g.logger.Warn("event pump did not drain before shutdown deadline")
			}
		}

		g.tasks.Close()
		g.broadcaster.Close()
		errs = appendCloseError(errs, "journal close", g.closeJournal())
	})

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once every server that should auto-connect is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	want, have := g.readiness()
	if have < want {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "%d of %d servers connected", have, want)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d servers)", have)
}

// readiness counts the auto-connect servers and how many of them are up.
// A server the manager does not know about counts as down.
func (g *Gateway) readiness() (want, have int) {
	g.mu.RLock()
	auto := make(map[string]bool, len(g.servers))
	for i := range g.servers {
		if g.servers[i].ShouldAutoConnect() {
			auto[g.servers[i].Name] = true
		}
	}
	g.mu.RUnlock()
	for _, st := range g.manager.Statuses() {
		if auto[st.Name] && st.Connected {
			have++
		}
	}
	return len(auto), have
}
