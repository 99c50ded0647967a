// Package main is the entry point for the drover control plane. The
// binary hosts the event bus, persistence, the session/run manager,
// the pattern executor, and the WebSocket fan-out behind a thin HTTP
// harness.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drover/drover/internal/cache"
	"github.com/drover/drover/internal/common/config"
	"github.com/drover/drover/internal/common/httpmw"
	"github.com/drover/drover/internal/common/logger"
	"github.com/drover/drover/internal/db"
	"github.com/drover/drover/internal/events/bus"
	gateways "github.com/drover/drover/internal/gateway/websocket"
	"github.com/drover/drover/internal/pattern"
	"github.com/drover/drover/internal/session/repository"
	"github.com/drover/drover/internal/session/service"
	"github.com/drover/drover/internal/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting drover...")

	// 3. Tracing (noop unless an endpoint is configured)
	tracing.SetEndpoint(cfg.Tracing.Endpoint)

	// 4. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. Open the store: SQLite in WAL mode by default, Postgres when
	// configured
	pool, err := db.Open(db.Config{
		Driver:   cfg.Database.Driver,
		Path:     cfg.Database.SQLitePath(),
		DSN:      cfg.Database.DSN(),
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()

	repo, repoClose, err := repository.Provide(pool.Writer(), pool.Reader())
	if err != nil {
		log.Fatal("Failed to initialize repository", zap.Error(err))
	}
	defer repoClose()
	log.Info("Database initialized", zap.String("driver", cfg.Database.Driver))

	// 6. Event bus, with the NATS relay attached when configured
	eventBus, busCleanup, err := bus.Provide(cfg, repo, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// 7. WebSocket fan-out
	hub := gateways.NewHub(eventBus, log)
	hub.Attach()
	wsHandler := gateways.NewHandler(hub, log)

	// 8. Session/run manager
	svc := service.New(repo, eventBus, cfg, log)

	// 9. Pattern executor, with the solo result cache when enabled
	var resultCache *cache.Cache
	if cfg.Cache.Enabled {
		dir := cfg.Cache.Dir
		if dir == "" {
			dir = cache.DefaultDir
		}
		resultCache = cache.New(dir)
		log.Info("Result cache enabled", zap.String("dir", dir))
	}
	executor := pattern.NewExecutor(repo, eventBus, cfg.Runner, resultCache, log)

	// 10. HTTP harness: WebSocket mount plus liveness
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "drover"))
	router.Use(httpmw.OtelTracing("drover"))

	router.GET("/ws", wsHandler.HandleConnection)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":          "ok",
			"service":         "drover",
			"clients":         hub.GetClientCount(),
			"active_runs":     len(svc.ActiveRuns()),
			"active_patterns": len(executor.ListActiveExecutions()),
		})
	})

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 11. Run hub and server until shutdown
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("Server listening",
			zap.Int("port", port),
			zap.String("websocket", "/ws"),
			zap.String("health", "/health"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	// 12. Graceful shutdown on SIGINT/SIGTERM
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-gctx.Done():
	}

	log.Info("Shutting down drover...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := g.Wait(); err != nil {
		log.Error("Server error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("drover stopped")
}
