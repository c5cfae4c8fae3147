// Package main implements the wavecraft engine process: the parameter
// registry and request dispatcher, a websocket listener for networked
// control surfaces, the meter relay, and the audio-capture coordinator.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/RonHouben/wavecraft-sub004/bridge"
	"github.com/RonHouben/wavecraft-sub004/bus"
	"github.com/RonHouben/wavecraft-sub004/config"
	"github.com/RonHouben/wavecraft-sub004/engine"
	"github.com/RonHouben/wavecraft-sub004/fetch"
	"github.com/RonHouben/wavecraft-sub004/meter"
	"github.com/RonHouben/wavecraft-sub004/metric"
	"github.com/RonHouben/wavecraft-sub004/param"
	"github.com/RonHouben/wavecraft-sub004/transport"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "wavecraft"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.NewLoader().Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	metricsRegistry := setupMetrics(cfg, logger)

	registry := engine.NewRegistry()
	if err := defineParameters(registry); err != nil {
		return fmt.Errorf("define parameters: %w", err)
	}

	serverOpts := []engine.ServerOption{
		engine.WithServerLogger(logger),
		engine.WithRelayInterval(cfg.PollInterval()),
	}
	if metricsRegistry != nil {
		serverOpts = append(serverOpts, engine.WithMeterMetrics(
			metric.NewMeterMetrics(metricsRegistry, "relay")))
	}
	server := engine.NewServer(registry, serverOpts...)
	defer server.Close()

	ring := meter.NewRing(cfg.Meter.RingCapacity)
	server.RelayMeters(signalCtx, ring)

	stopDiagnostics := startDiagnostics(cfg, logger, server, metricsRegistry)
	defer stopDiagnostics()

	var wsServer *transport.Server
	if cfg.Server.Enabled {
		opts := []transport.ServerOption{
			transport.WithServerLogger(logger),
			transport.WithServerPath(cfg.Server.Path),
		}
		if metricsRegistry != nil {
			opts = append(opts, transport.WithServerMetrics(
				metric.NewTransportMetrics(metricsRegistry, "ws-server")))
		}
		wsServer = transport.NewServer(cfg.Server.Addr, opts...)
		if err := wsServer.Start(signalCtx); err != nil {
			return fmt.Errorf("start websocket server: %w", err)
		}
		defer func() { _ = wsServer.Stop(cliCfg.ShutdownTimeout) }()
		server.AttachServer(wsServer)
	}

	// Capture failure degrades to parameter-only operation; the error is
	// deliberately not propagated.
	coordinator := bridge.NewCoordinator(cfg.Capture.Binary, cfg.Server.URL(),
		bridge.WithLogger(logger),
		bridge.WithArgs(cfg.Capture.Args...))
	if startErr := coordinator.Start(signalCtx); startErr != nil {
		logger.Warn("running in degraded mode without audio capture", "error", startErr)
	}
	defer func() { _ = coordinator.Stop() }()

	slog.Info("wavecraft engine started",
		"addr", listenAddr(wsServer),
		"capture", coordinator.Configured(),
		"parameters", len(registry.List()))

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")
	return nil
}

func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting wavecraft engine",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// setupMetrics starts the prometheus endpoint when enabled. Returns nil
// when metrics are off; every consumer treats a nil registry as no-op.
func setupMetrics(cfg *config.Config, logger *slog.Logger) *metric.MetricsRegistry {
	if !cfg.Metrics.Enabled {
		return nil
	}

	registry := metric.NewMetricsRegistry()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry.PrometheusRegistry(), promhttp.HandlerOpts{}))

	go func() {
		logger.Info("metrics endpoint listening", "addr", cfg.Metrics.Addr)
		server := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics endpoint stopped", "error", err)
		}
	}()
	return registry
}

// startDiagnostics mounts an in-process control surface on an embedded
// pair: the parameter list loads through the same bus and fetch path an
// external surface uses, so the configured timeouts are exercised and
// readiness shows up in the logs. Returns a teardown function.
func startDiagnostics(cfg *config.Config, logger *slog.Logger, server *engine.Server, metricsRegistry *metric.MetricsRegistry) func() {
	engineEnd, surfaceEnd := transport.NewEmbeddedPair()
	server.AttachEmbedded(engineEnd)

	busOpts := []bus.Option{
		bus.WithLogger(logger),
		bus.WithRequestTimeout(cfg.Bus.RequestTimeout.Std()),
	}
	if metricsRegistry != nil {
		busOpts = append(busOpts, bus.WithMetrics(
			metric.NewBusMetrics(metricsRegistry, "embedded-bus")))
	}
	msgBus := bus.New(surfaceEnd, busOpts...)
	params := param.NewService(msgBus, param.WithLogger(logger))

	controller := fetch.NewController(surfaceEnd, func(ctx context.Context) ([]param.Info, error) {
		return params.GetAllParameters(ctx)
	}, fetch.WithLogger(logger), fetch.WithConnectTimeout(cfg.Fetch.ConnectTimeout.Std()))

	unsub := controller.Subscribe(func(snap fetch.Snapshot[[]param.Info]) {
		switch snap.State {
		case fetch.StateReady:
			logger.Info("parameter state loaded", "parameters", len(snap.Data))
		case fetch.StateError:
			logger.Warn("parameter state load failed", "error", snap.Err)
		}
	})

	return func() {
		unsub()
		_ = controller.Close()
		_ = params.Close()
		_ = msgBus.Close()
		_ = surfaceEnd.Close()
		_ = engineEnd.Close()
	}
}

// defineParameters declares the engine's built-in parameter set.
func defineParameters(registry *engine.Registry) error {
	params := []param.Info{
		{ID: "gain", Name: "Output Gain", Type: param.TypeFloat, Value: 0.75, Default: 0.75, Min: 0, Max: 1},
		{ID: "inputTrim", Name: "Input Trim", Type: param.TypeFloat, Value: 0, Default: 0, Min: -24, Max: 24, Unit: "dB"},
		{ID: "pan", Name: "Pan", Type: param.TypeFloat, Value: 0, Default: 0, Min: -1, Max: 1},
		{ID: "bypass", Name: "Bypass", Type: param.TypeBool, Value: 0, Default: 0, Min: 0, Max: 1},
		{ID: "meterEnabled", Name: "Metering", Type: param.TypeBool, Value: 1, Default: 1, Min: 0, Max: 1},
	}
	for _, p := range params {
		if err := registry.Define(p); err != nil {
			return err
		}
	}
	return nil
}

func listenAddr(s *transport.Server) string {
	if s == nil {
		return "disabled"
	}
	return s.Addr()
}
