// Package command holds what the executables share: common flags, logger setup, and running
// a set of tasks until a signal arrives.
package command

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/CiaranWoodward/commbridge/config"
	"github.com/CiaranWoodward/commbridge/metric"
)

// Version is set at build time with -ldflags "-X ..."
var Version = "dev"

// CommonFlags returns the logging and metrics flags, defaulted from the environment
func CommonFlags() []cli.Flag {
	settings, err := config.LoadSettings()
	if err != nil {
		settings = config.Settings{LogLevel: "info", LogFormat: "text"}
	}
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log `LEVEL`: debug, info, warn or error.",
			Value: settings.LogLevel,
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "Log `FORMAT`: text or json.",
			Value: settings.LogFormat,
		},
		&cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "Serve Prometheus metrics at `ADDR`/metrics. Empty disables metrics.",
			Value: settings.MetricsAddr,
		},
	}
}

// SetupLogger builds the root logger for service
func SetupLogger(w io.Writer, service, level, format string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler).With(
		"service", service,
		"version", Version,
		"pid", os.Getpid(),
	)
}

// Logger builds the root logger from the common flags, and makes it the default
func Logger(c *cli.Context, service string) *slog.Logger {
	logger := SetupLogger(os.Stderr, service, c.String("log-level"), c.String("log-format"))
	slog.SetDefault(logger)
	return logger
}

// Registry returns a metrics registry if metrics are enabled, otherwise nil
func Registry(c *cli.Context) *metric.Registry {
	if c.String("metrics-addr") == "" {
		return nil
	}
	return metric.NewRegistry()
}

// Run runs every task until one fails or SIGINT/SIGTERM arrives, then waits for them all.
// Tasks must return once their context is cancelled. If registry is not nil its metrics are
// served at addr alongside.
func Run(ctx context.Context, logger *slog.Logger, registry *metric.Registry, addr string, tasks ...func(context.Context) error) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	if registry != nil && addr != "" {
		g.Go(func() error {
			logger.Info("Serving metrics", "addr", addr)
			return registry.Serve(gctx, addr)
		})
	}
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			return task(gctx)
		})
	}

	err := g.Wait()
	logger.Info("Shut down", "error", err)
	return err
}
