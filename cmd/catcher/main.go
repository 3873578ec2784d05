package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/errcatcher/internal/catcher"
	"github.com/rickgao/errcatcher/internal/config"
	"github.com/rickgao/errcatcher/internal/metrics"
	"github.com/rickgao/errcatcher/internal/transport"
	"github.com/rickgao/errcatcher/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/catcher.local.yaml", "path to config file")
	message := flag.String("message", "", "send a single message instead of reading stdin")
	waitFor := flag.Duration("wait", 30*time.Second, "how long to wait for delivery")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	cfg, err := config.LoadCatcher(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []catcher.Option
	opts = append(opts, catcher.WithLogger(logger))

	if cfg.Metrics.Enabled {
		reg := metrics.NewRegistry()
		opts = append(opts, catcher.WithTransportOptions(transport.WithMetrics(metrics.NewTransport(reg))))

		ms := metrics.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, reg, logger)
		if err := ms.Start(); err != nil {
			logger.Error("failed to start metrics server", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			ms.Stop(shutdownCtx)
		}()
	}

	c, err := catcher.New(*cfg, opts...)
	if err != nil {
		logger.Error("failed to create catcher", "error", err)
		os.Exit(1)
	}

	var handles []*transport.PendingSend
	if *message != "" {
		handles = append(handles, c.SendMessage(*message, map[string]any{"source": "flag"}))
	} else {
		handles, err = sendLines(ctx, c, os.Stdin)
		if err != nil {
			logger.Error("failed to read stdin", "error", err)
		}
	}

	summary := await(ctx, handles, *waitFor)
	c.Close()

	fmt.Printf("sent=%d delivered=%d rejected=%d pending=%d\n",
		len(handles), summary.delivered, summary.rejected, summary.pending)

	if summary.rejected > 0 || summary.pending > 0 {
		os.Exit(1)
	}
}

// sendLines reports each non-empty line of r as a message event.
func sendLines(ctx context.Context, c *catcher.Catcher, r io.Reader) ([]*transport.PendingSend, error) {
	var handles []*transport.PendingSend
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line++
		text := scanner.Text()
		if text == "" {
			continue
		}
		handles = append(handles, c.SendMessage(text, map[string]any{
			"source": "stdin",
			"line":   line,
		}))
	}
	return handles, scanner.Err()
}

type summary struct {
	delivered int64
	rejected  int64
	pending   int64
}

// await waits for every handle to settle, bounded by timeout.
func await(ctx context.Context, handles []*transport.PendingSend, timeout time.Duration) summary {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var delivered, rejected, pending atomic.Int64
	var g errgroup.Group
	g.SetLimit(64)

	for _, p := range handles {
		p := p // per-iteration copy; go.mod targets go1.21 loop semantics
		g.Go(func() error {
			err := p.Wait(waitCtx)
			switch {
			case err == nil:
				delivered.Add(1)
			case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
				pending.Add(1)
			default:
				rejected.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	return summary{
		delivered: delivered.Load(),
		rejected:  rejected.Load(),
		pending:   pending.Load(),
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
