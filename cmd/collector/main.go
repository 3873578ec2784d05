package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/errcatcher/internal/collector"
	"github.com/rickgao/errcatcher/internal/config"
	"github.com/rickgao/errcatcher/internal/database"
	"github.com/rickgao/errcatcher/internal/metrics"
	"github.com/rickgao/errcatcher/internal/model"
	"github.com/rickgao/errcatcher/internal/queue"
	"github.com/rickgao/errcatcher/internal/version"
	"github.com/rickgao/errcatcher/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/collector.local.yaml", "path to config file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	logger.Info("starting collector",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadCollector(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("connecting to database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"database", cfg.Database.Name,
	)
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := database.EnsureSchema(ctx, pool); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}
	logger.Info("database ready")

	reg := metrics.NewRegistry()
	m := metrics.NewCollector(reg)

	buf := queue.NewBuffer[model.Received](cfg.Writer.BatchSize, cfg.Writer.BufferSize)
	w := writer.NewEventWriter(writer.Config{
		BatchSize:     cfg.Writer.BatchSize,
		FlushInterval: cfg.Writer.FlushInterval,
	}, buf, pool, m, logger)

	ingest := collector.NewServer(buf, m, logger)

	mux := http.NewServeMux()
	mux.Handle(cfg.Listen.WSPath, ingest)
	mux.Handle("/health", healthHandler(pool, ingest, buf))
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, metrics.Handler(reg))
	}

	server := &http.Server{
		Addr:              cfg.Listen.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start writer", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("collector listening",
			"addr", cfg.Listen.Addr,
			"ws_path", cfg.Listen.WSPath,
		)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Hijacked websocket connections are not closed by Shutdown
		ingest.CloseAll()
		err := server.Shutdown(shutdownCtx)
		buf.Close()
		w.Stop(shutdownCtx)
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("collector stopped with error", "error", err)
		os.Exit(1)
	}

	stats := w.Stats()
	logger.Info("collector stopped",
		"inserted", stats.Inserts,
		"duplicates", stats.Conflicts,
		"write_errors", stats.Errors,
	)
}

// healthHandler reports database reachability and ingest state.
func healthHandler(pool *pgxpool.Pool, ingest *collector.Server, buf *queue.Buffer[model.Received]) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		if err := pool.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["database"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["database"] = "connected"
		}

		stats := buf.Stats()
		health.Components["ingest"] = map[string]any{
			"catchers": ingest.Count(),
			"buffered": stats.Count,
			"dropped":  stats.TotalDropped,
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
