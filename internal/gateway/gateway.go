// ABOUTME: Gateway orchestrator that wires storage, generation and uploads behind one HTTP server
// ABOUTME: Manages listeners (TCP or tsnet), health endpoints and graceful shutdown

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
	"time"

	"github.com/yuin/goldmark"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/fynq/tutor-gateway/internal/auth"
	"github.com/fynq/tutor-gateway/internal/config"
	"github.com/fynq/tutor-gateway/internal/conversation"
	"github.com/fynq/tutor-gateway/internal/generation"
	"github.com/fynq/tutor-gateway/internal/objectstore"
	"github.com/fynq/tutor-gateway/internal/ratelimit"
	"github.com/fynq/tutor-gateway/internal/store"
	"github.com/fynq/tutor-gateway/internal/uploads"
)

// defaultKeepalive is how often an idle event stream gets a comment line.
const defaultKeepalive = 25 * time.Second

// Components are the collaborators a Gateway serves. New builds them from
// config; tests supply fakes through NewWithComponents.
type Components struct {
	Store     store.ConversationStore
	Verifier  auth.TokenVerifier
	Generator generation.Generator
	Objects   objectstore.Store // nil disables uploads
	Limiter   uploads.Limiter   // nil disables upload rate limiting
}

// Gateway serves the tutor HTTP API.
type Gateway struct {
	config       *config.Config
	store        store.ConversationStore
	verifier     auth.TokenVerifier
	conversation *conversation.Service
	uploads      *uploads.Service
	objects      objectstore.Store
	broadcaster  *conversation.EventBroadcaster
	markdown     goldmark.Markdown
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	// keepalive is the event stream ping interval
	keepalive time.Duration

	// closers release resources built by New, run in order on Shutdown
	closers []func() error
}

// initStore opens the conversation database. TUTOR_DB_PATH overrides the configured path.
func initStore(cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("TUTOR_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.OpenSQLiteStore(cfg.Database.Driver, dbPath, store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

func initVerifier(cfg *config.Config) (*auth.JWTVerifier, error) {
	opts := []auth.VerifierOption{auth.WithAudience(cfg.Auth.Audience)}
	if cfg.Auth.AllowShortSecret {
		opts = append(opts, auth.AllowShortSecret())
	}
	v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), opts...)
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	return v, nil
}

// New creates a Gateway and every backing component from cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	verifier, err := initVerifier(cfg)
	if err != nil {
		return nil, err
	}

	s, err := initStore(cfg, logger.With("component", "store"))
	if err != nil {
		return nil, err
	}

	gemini, err := generation.NewGeminiClient(ctx, geminiConfig(cfg), logger)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating generation client: %w", err)
	}

	comps := Components{
		Store:     s,
		Verifier:  verifier,
		Generator: gemini,
	}

	var limiter *ratelimit.KeyedLimiter
	if cfg.Storage.Enabled() {
		objects, err := objectstore.NewS3Store(ctx, objectstore.S3Config{
			Endpoint:        cfg.Storage.Endpoint,
			Region:          cfg.Storage.Region,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			Bucket:          cfg.Storage.Bucket,
			PublicBaseURL:   cfg.Storage.PublicBaseURL,
		}, logger)
		if err != nil {
			_ = gemini.Close()
			_ = s.Close()
			return nil, fmt.Errorf("creating object store: %w", err)
		}
		limiter = ratelimit.New(cfg.Uploads.RateLimit, cfg.Uploads.RateWindow)
		comps.Objects = objects
		comps.Limiter = limiter
	} else {
		logger.Warn("storage.bucket not set - file uploads disabled")
	}

	gw, err := NewWithComponents(cfg, comps, logger)
	if err != nil {
		_ = gemini.Close()
		_ = s.Close()
		return nil, err
	}

	gw.closers = append(gw.closers, gemini.Close)
	if limiter != nil {
		gw.closers = append(gw.closers, func() error {
			limiter.Close()
			return nil
		})
	}
	return gw, nil
}

// imagePolicy is shared by the orchestrator, the uploads service and the
// Gemini client so an image accepted before storage is never rejected after it.
func imagePolicy(cfg *config.Config) generation.ImagePolicy {
	policy := generation.DefaultImagePolicy()
	if cfg.Generation.MaxImageBytes > 0 {
		policy.MaxBytes = cfg.Generation.MaxImageBytes
	}
	if len(cfg.Generation.AllowedMediaTypes) > 0 {
		policy.AllowedMediaTypes = cfg.Generation.AllowedMediaTypes
	}
	return policy
}

func geminiConfig(cfg *config.Config) generation.GeminiConfig {
	return generation.GeminiConfig{
		APIKey:            cfg.Generation.APIKey,
		Model:             cfg.Generation.Model,
		Timeout:           cfg.Generation.Timeout,
		RequestsPerSecond: cfg.Generation.RequestsPerSecond,
		Burst:             cfg.Generation.Burst,
		ImagePolicy:       imagePolicy(cfg),
	}
}

// NewWithComponents creates a Gateway around already-built components.
// The gateway owns comps.Store and closes it on Shutdown.
func NewWithComponents(cfg *config.Config, comps Components, logger *slog.Logger) (*Gateway, error) {
	if comps.Store == nil || comps.Verifier == nil || comps.Generator == nil {
		return nil, errors.New("gateway requires a store, a verifier and a generator")
	}
	if logger == nil {
		logger = slog.Default()
	}

	policy := imagePolicy(cfg)

	broadcaster := conversation.NewEventBroadcaster(logger)
	convOpts := []conversation.Option{
		conversation.WithImagePolicy(policy),
		conversation.WithBroadcaster(broadcaster),
		conversation.WithLogger(logger),
	}
	if cfg.Generation.Timeout > 0 {
		convOpts = append(convOpts, conversation.WithGenerationTimeout(cfg.Generation.Timeout))
	}
	if cfg.Generation.PersistTimeout > 0 {
		convOpts = append(convOpts, conversation.WithPersistTimeout(cfg.Generation.PersistTimeout))
	}

	gw := &Gateway{
		config:       cfg,
		store:        comps.Store,
		verifier:     comps.Verifier,
		conversation: conversation.New(comps.Verifier, comps.Store, comps.Generator, convOpts...),
		objects:      comps.Objects,
		broadcaster:  broadcaster,
		markdown:     newMarkdown(),
		logger:       logger.With("component", "gateway"),
		keepalive:    defaultKeepalive,
	}
	if comps.Objects != nil {
		gw.uploads = uploads.New(comps.Objects, comps.Limiter, policy, logger)
	}

	mux := http.NewServeMux()
	gw.registerRoutes(mux)

	origins := cfg.CORS.AllowedOrigins
	if origins == nil {
		origins = config.DefaultAllowedOrigins
	}
	handler := corsMiddleware(origins)(mux)
	handler = gw.logRequests(handler)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: durationOr(cfg.Server.ReadHeaderTimeout, config.DefaultReadHeaderTimeout),
		WriteTimeout:      durationOr(cfg.Server.WriteTimeout, config.DefaultWriteTimeout),
	}

	return gw, nil
}

// Handler returns the root HTTP handler, middleware included.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// registerRoutes registers health and API routes on the mux.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	// Health endpoints - no auth required
	mux.HandleFunc("GET /{$}", g.handleRoot)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	// Sign-up and sign-in belong to the identity provider
	mux.HandleFunc("POST /api/v1/auth/register", g.handleIdentityProvider)
	mux.HandleFunc("POST /api/v1/auth/login", g.handleIdentityProvider)

	authn := auth.HTTPAuthMiddleware(g.verifier, g.logger)
	protect := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authn(h))
	}

	protect("POST /api/v1/chat/message", g.handleChatMessage)
	protect("POST /api/v1/chat/image", g.handleChatImage)
	protect("GET /api/v1/chat/history", g.handleHistory)
	protect("GET /api/v1/chat/history/{chat_id}", g.handleConversation)
	protect("GET /api/v1/chat/events", g.handleEvents)
	protect("GET /api/v1/users/me", g.handleMe)
	protect("POST /api/v1/files/upload", g.handleUpload)
	protect("DELETE /api/v1/files/{key...}", g.handleDeleteFile)
}

// setupTCPListener creates a standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}
	return g.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln until ctx is canceled, then shuts down.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
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

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The caller's context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(),
		durationOr(g.config.Server.ShutdownTimeout, config.DefaultShutdownTimeout))
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
	return filepath.Join(homeDir, ".local", "share", "tutor-gateway", "tailscale"), nil
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

// setupTailscaleListener joins the tailnet and returns the HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
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
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, err
	}
	return ln, nil
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

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		g.logger.Info("enabling HTTPS with Tailscale certs on :443")
		ln, err := g.tsnetServer.Listen("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		lc, err := g.tsnetServer.LocalClient()
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the HTTP server and releases resources.
// Open event streams end when the broadcaster closes their channels.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.broadcaster.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	for _, c := range g.closers {
		errs = appendCloseError(errs, "component close", c())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Welcome to the fynq AI Tutor Platform Backend!",
	})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the database (and object storage, if configured) respond.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "dependency", "store", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	if g.objects != nil {
		if err := g.objects.Ping(ctx); err != nil {
			g.logger.Warn("readiness check failed", "dependency", "object storage", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("object storage unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
