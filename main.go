package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/krinkuto11/acefleet/internal/app"
	"github.com/krinkuto11/acefleet/internal/config"
	"github.com/krinkuto11/acefleet/internal/logger"
	"github.com/krinkuto11/acefleet/internal/util"
	"github.com/krinkuto11/acefleet/internal/version"
)

func main() {
	startTime := time.Now()
	vlog := log.New(log.Writer(), "", 0)
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.PrintVersionInfo(true, vlog)
		os.Exit(0)
	} else {
		version.PrintVersionInfo(false, vlog)
	}

	var cfgManager *config.Manager
	cfg, err := config.Load(func() {
		if cfgManager == nil {
			return
		}
		fresh, err := config.Reread()
		if err != nil {
			slog.Warn("Ignoring invalid config reload", "error", err)
			return
		}
		if err := cfgManager.Replace(fresh); err != nil {
			slog.Warn("Config reload rejected", "error", err)
			return
		}
		slog.Info("Configuration reloaded")
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logInstance, styledLogger, cleanup, err := logger.NewWithTheme(&logger.Config{
		Level:      cfg.Logging.Level,
		LogDir:     cfg.Logging.LogDir,
		Theme:      cfg.Logging.Theme,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		FileOutput: cfg.Logging.FileOutput,
		PrettyLogs: cfg.Logging.PrettyLogs || util.IsTerminal(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()
	slog.SetDefault(logInstance)

	styledLogger.Info("Initialising", "version", version.Version, "pid", os.Getpid())

	cfgManager = config.NewManager(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		styledLogger.Info("Shutdown signal received", "signal", sig.String())
		cancel()
	}()

	application, err := app.New(ctx, cfgManager, styledLogger)
	if err != nil {
		if errors.Is(err, app.ErrBackendUnreachable) {
			logger.FatalWithLogger(logInstance, 2, "Container runtime unreachable", "error", err)
		}
		logger.FatalWithLogger(logInstance, 1, "Failed to create application", "error", err)
	}

	if err := application.Start(ctx); err != nil {
		logger.FatalWithLogger(logInstance, 1, "Failed to start application", "error", err)
	}

	select {
	case <-ctx.Done():
	case err := <-application.Err():
		styledLogger.Error("Fatal server error", "error", err)
		cancel()
	}

	if err := application.Stop(context.Background()); err != nil {
		styledLogger.Error("Error during shutdown", "error", err)
	}

	styledLogger.Info("acefleet has shutdown", "uptime", time.Since(startTime).Round(time.Second))
}
