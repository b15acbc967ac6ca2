package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/gdelt-mcp/internal/admin"
	"github.com/alexjbarnes/gdelt-mcp/internal/auth"
	"github.com/alexjbarnes/gdelt-mcp/internal/bookkeeping"
	"github.com/alexjbarnes/gdelt-mcp/internal/config"
	"github.com/alexjbarnes/gdelt-mcp/internal/logging"
	"github.com/alexjbarnes/gdelt-mcp/internal/mcpserver"
	"github.com/alexjbarnes/gdelt-mcp/internal/metrics"
	"github.com/alexjbarnes/gdelt-mcp/internal/query"
	"github.com/alexjbarnes/gdelt-mcp/internal/relay"
	"github.com/alexjbarnes/gdelt-mcp/internal/server"
	"github.com/alexjbarnes/gdelt-mcp/internal/state"
	"github.com/alexjbarnes/gdelt-mcp/internal/usage"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP and HTTP query server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("gdelt-mcp starting",
		slog.String("version", Version),
		slog.String("listen", cfg.ListenAddr),
		slog.String("server_url", cfg.ServerURL),
		slog.String("issuer", cfg.Issuer()),
		slog.Any("api_key_tiers", cfg.APIKeyTiers),
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	appState, err := state.LoadAt(cfg.Store.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	usageStore, err := usage.Open(cfg.Store.UsagePath, logger)
	if err != nil {
		return fmt.Errorf("opening usage store: %w", err)
	}
	defer usageStore.Close()

	queue := bookkeeping.New(appState, bookkeeping.Options{
		Size:    cfg.BookkeepingQueue,
		Timeout: cfg.BookkeepingTimeout,
		Logger:  logger.With(slog.String("component", "bookkeeping")),
		Metrics: m,
	})

	authLogger := logger.With(slog.String("component", "auth"))

	keys := auth.NewKeySetCache(auth.KeySetOptions{
		URL:                cfg.JWKSURL(),
		Logger:             authLogger,
		Metrics:            m,
		TTL:                cfg.JWKSCacheTTL,
		MinRefreshInterval: cfg.JWKSMinRefresh,
		FetchTimeout:       cfg.VerifyTimeout,
	})

	gateway := auth.NewGateway(auth.GatewayConfig{
		Signed:  auth.NewSignedTokenVerifier(keys, cfg.Issuer(), cfg.JWTAudience),
		Opaque:  auth.NewAPIKeyVerifier(appState, queue, cfg.TierAllowed),
		Timeout: cfg.VerifyTimeout,
		Logger:  authLogger,
		Metrics: m,
	})

	executor := relay.NewClient(cfg.ExecutorURL, cfg.ExecutorToken, cfg.ExecutorTimeout)
	svc := query.NewService(executor, usageStore, m, logger.With(slog.String("component", "query")))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "gdelt-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, mcpserver.Deps{Runner: svc, Usage: usageStore})

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Gateway:       gateway,
		Runner:        svc,
		MCPHandler:    mcpHandler,
		Health:        executor,
		Metrics:       m.Handler(),
		Logger:        logger,
		ServerURL:     cfg.ServerURL,
		AuthServerURL: cfg.Issuer(),
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.ExecutorTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	servers := []*http.Server{srv}

	if cfg.Store.AdminAddr != "" {
		adminToken, cleanup, err := publishAdminToken(&cfg.Store)
		if err != nil {
			return err
		}
		defer cleanup()

		servers = append(servers, &http.Server{
			Addr:              cfg.Store.AdminAddr,
			Handler:           admin.NewHandler(admin.NewService(appState), adminToken, logger.With(slog.String("component", "admin"))),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return queue.Run(gctx)
	})

	for _, s := range servers {
		g.Go(func() error {
			logger.Info("listening", slog.String("addr", s.Addr))

			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", s.Addr, err)
			}

			return nil
		})
	}

	// Shutdown when context is cancelled.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var errs []error
		for _, s := range servers {
			errs = append(errs, s.Shutdown(shutdownCtx))
		}

		return errors.Join(errs...)
	})

	return g.Wait()
}

// publishAdminToken returns the admin token, generating one and writing
// it next to the identity store when none is configured. The returned
// cleanup removes a generated token file.
func publishAdminToken(sc *config.StoreConfig) (string, func(), error) {
	if sc.AdminToken != "" {
		return sc.AdminToken, func() {}, nil
	}

	token, err := auth.RandomHex(32)
	if err != nil {
		return "", nil, fmt.Errorf("generating admin token: %w", err)
	}

	path := sc.AdminTokenPath()
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", nil, fmt.Errorf("writing admin token: %w", err)
	}

	return token, func() { _ = os.Remove(path) }, nil
}
