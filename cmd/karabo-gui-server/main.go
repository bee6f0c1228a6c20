// Package main runs the Karabo GUI server: the gateway device that
// bridges framed TCP GUI clients onto the broker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/European-XFEL/Karabo-sub006/broker"
	"github.com/European-XFEL/Karabo-sub006/config"
	"github.com/European-XFEL/Karabo-sub006/device"
	"github.com/European-XFEL/Karabo-sub006/guiserver"
	"github.com/European-XFEL/Karabo-sub006/metric"
)

const (
	Version = "0.1.0"
	appName = "karabo-gui-server"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\n%s\n", r, buf[:n])
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("gui server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cli := parseFlags()
	if cli.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	cfg, err := config.Load(cli.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.Validate {
		slog.Info("configuration is valid")
		return nil
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	logger.Info("starting gui server", "version", Version, "config", cli.ConfigPath)

	ctx := context.Background()
	client, err := broker.NewClient(cfg.Broker.URL, cfg.Broker.Topic,
		broker.WithLogger(logger),
		broker.WithClientName(cfg.Broker.ClientName),
		broker.WithReconnect(cfg.Broker.MaxReconnects, cfg.Broker.ReconnectWait()))
	if err != nil {
		return fmt.Errorf("create broker client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	defer func() { _ = client.Close(ctx) }()

	registry := metric.NewRegistry()
	if cfg.Metrics.Enabled {
		metricsServer := metric.NewServer(registry, cfg.Metrics.Addr, logger)
		go func() {
			if serr := metricsServer.Start(); serr != nil {
				logger.Error("metrics server failed", "error", serr)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = metricsServer.Stop(shutdownCtx)
		}()
	}

	proc := device.NewProcessContext(client, cfg.GuiServer.ServerID)
	proc.Logger = logger
	proc.Metrics = registry

	srv, err := guiserver.New(proc, cfg.GuiServer.DeviceID, cfg.GuiServer.DeviceHash())
	if err != nil {
		return fmt.Errorf("create gui server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start gui server: %w", err)
	}
	if cfg.GuiServer.WebsocketAddr != "" {
		if err := srv.StartWebsocket(cfg.GuiServer.WebsocketAddr); err != nil {
			return fmt.Errorf("start websocket listener: %w", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cli.ShutdownTimeout)
	defer cancel()
	return srv.Stop(shutdownCtx)
}
