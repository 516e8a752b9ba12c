package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wacall/wacall/internal/api"
	"github.com/wacall/wacall/internal/config"
	"github.com/wacall/wacall/internal/database"
	"github.com/wacall/wacall/internal/engine"
	"github.com/wacall/wacall/internal/gateway"
	"github.com/wacall/wacall/internal/media"
	"github.com/wacall/wacall/internal/metrics"
	"github.com/wacall/wacall/internal/permission"
	"github.com/wacall/wacall/internal/platform"
)

// permissionSweepInterval is how often overdue grants are marked expired.
const permissionSweepInterval = time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting wacall",
		"http_port", cfg.HTTPPort,
		"gateway_url", cfg.GatewayURL,
		"data_dir", cfg.DataDir,
	)

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	calls := database.NewCallRepository(db)
	perms := database.NewPermissionRepository(db)
	numbers := database.NewNumberRepository(db)
	agents := database.NewAgentRepository(db)

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to load jwt secret", "error", err)
		os.Exit(1)
	}

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Platform client and permission ledger.
	platformSvc := platform.NewService(platform.NewClient(cfg.GraphAPIURL), numbers)
	ledger := permission.NewLedger(perms, platformSvc)
	go sweepPermissions(appCtx, ledger)

	// Media and gateway signaling.
	mediaEng, err := media.NewEngine(cfg.StunServer, nil)
	if err != nil {
		slog.Error("failed to create media engine", "error", err)
		os.Exit(1)
	}
	gatewayClient := gateway.NewClient(cfg.GatewayURL, cfg.GatewayAPISecret)

	eng := engine.New(calls, ledger, platformSvc,
		mediaAdapter{mediaEng},
		func(ctx context.Context) (engine.SignalingSession, error) {
			return gatewayClient.NewSession(ctx)
		},
	)

	// Metrics: scrape-time collector plus an event-driven recorder.
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(eng.Directory(), calls, time.Now()))
	eng.Subscribe(metrics.NewRecorder(reg))

	// HTTP server using the api package.
	handler := api.NewServer(cfg, eng, ledger, calls, perms, numbers, agents, jwtSecret)
	defer handler.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", handler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE event stream stays open
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout. Live calls are hung up first so the
	// platform and gateway legs are released.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	eng.Shutdown(ctx)

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("wacall stopped")
}

// sweepPermissions periodically expires overdue permission grants. Check
// already expires lazily; the sweep keeps list views honest.
func sweepPermissions(ctx context.Context, ledger *permission.Ledger) {
	ticker := time.NewTicker(permissionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := ledger.ExpireSweep(ctx)
			if err != nil {
				slog.Error("permission expiry sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("expired overdue permissions", "count", n)
			}
		}
	}
}

// mediaAdapter narrows *media.Engine to the engine's MediaEngine
// interface; the concrete session type satisfies MediaSession as is.
type mediaAdapter struct {
	*media.Engine
}

func (a mediaAdapter) Acquire(ctx context.Context) (engine.MediaSession, error) {
	return a.Engine.Acquire(ctx)
}
