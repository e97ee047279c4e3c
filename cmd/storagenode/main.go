// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/DeepBlueCoffee/vespa/config"
	"github.com/DeepBlueCoffee/vespa/node"
	"github.com/DeepBlueCoffee/vespa/server/health"
	"github.com/DeepBlueCoffee/vespa/server/otel"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	oteltrace "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	watch := flag.Bool("watch", true, "Reload the configuration file when it changes")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := newLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	slog.Info("Starting storage node",
		slog.String("type", cfg.Node.Type),
		slog.String("cluster", cfg.Node.Cluster),
		slog.Int("index", cfg.Node.Index),
		slog.String("mbus_tcp_listener", cfg.MessageBus.TCPAddr),
		slog.String("mbus_ws_listener", cfg.MessageBus.WSAddr),
		slog.String("rpc_listener", cfg.RPC.Addr),
		slog.Bool("health_enabled", cfg.Health.Enabled),
		slog.String("log_level", cfg.Log.Level))

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics
	var tracer trace.Tracer

	if cfg.Otel.MetricsEnabled || cfg.Otel.TracesEnabled {
		nodeID := cfg.Node.Cluster + "/" + cfg.Node.Type + "/" + strconv.Itoa(cfg.Node.Index)
		shutdown, err := otel.InitProvider(cfg.Otel, nodeID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", slog.String("error", err.Error()))
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", slog.String("endpoint", cfg.Otel.Endpoint))

		if cfg.Otel.MetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", slog.String("error", err.Error()))
				os.Exit(1)
			}
			metrics = m
			slog.Info("OTel metrics enabled")
		}

		if cfg.Otel.TracesEnabled {
			tracer = oteltrace.Tracer("storagenode")
			slog.Info("Distributed tracing enabled", slog.Float64("sample_rate", cfg.Otel.TraceSampleRate))
		} else {
			slog.Info("Distributed tracing disabled (zero overhead)")
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	proc := node.New(logger, metrics, tracer)
	if err := proc.SetupConfig(cfg); err != nil {
		slog.Error("Invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := proc.CreateNode(); err != nil {
		slog.Error("Failed to create node", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := proc.Open(ctx); err != nil {
		slog.Error("Failed to open node", slog.String("error", err.Error()))
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return proc.Run(gctx)
	})

	if cfg.Health.Enabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Health.Addr,
			ShutdownTimeout: cfg.MessageBus.ShutdownTimeout,
		}, proc.Manager(), proc.Status(), logger)

		g.Go(func() error {
			return healthServer.Listen(gctx)
		})
	}

	if *watch && *configFile != "" {
		watcher, err := config.NewWatcher(*configFile, logger)
		if err != nil {
			slog.Error("Failed to watch configuration", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer watcher.Close()

		g.Go(func() error {
			return watcher.Run(gctx, func(next *config.Config) error {
				if err := proc.ConfigUpdated(next); err != nil {
					return err
				}
				err := proc.UpdateConfig()
				if err != nil && !errors.Is(err, config.ErrInvalid) {
					slog.Warn("Failed to apply configuration", slog.String("error", err.Error()))
					return nil
				}
				return err
			})
		})
	}

	slog.Info("Storage node started",
		slog.String("mbus_address", proc.BusAddr()),
		slog.String("rpc_address", proc.RPCAddr()))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Storage node failed", slog.String("error", err.Error()))
	}

	if err := proc.Shutdown(); err != nil {
		slog.Error("Error during shutdown", slog.String("error", err.Error()))
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", slog.String("error", err.Error()))
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("Storage node stopped")
}

func newLogger(cfg config.LogConfig, out *os.File) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: logLevel})
	case "pretty":
		tty := isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd())
		var w io.Writer = out
		if tty {
			w = colorable.NewColorable(out)
		}
		handler = tint.NewHandler(w, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.Kitchen,
			NoColor:    !tty,
		})
	default:
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}
