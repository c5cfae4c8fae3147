// Package main implements meterfeed, the audio-capture side of the
// bridge. It analyzes capture blocks into meter frames and publishes
// them to the engine's websocket server as meterFrame events. The engine
// launches it with the server URL in the environment; it also runs
// standalone for development.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/RonHouben/wavecraft-sub004/bridge"
	"github.com/RonHouben/wavecraft-sub004/bus"
	"github.com/RonHouben/wavecraft-sub004/meter"
	"github.com/RonHouben/wavecraft-sub004/metric"
	"github.com/RonHouben/wavecraft-sub004/param"
	"github.com/RonHouben/wavecraft-sub004/protocol"
	"github.com/RonHouben/wavecraft-sub004/transport"
)

const (
	Version = "0.1.0"
	appName = "meterfeed"
)

type cliConfig struct {
	serverURL   string
	sampleRate  int
	blockSize   int
	pollHz      int
	metricsAddr string
	logLevel    string
	logFormat   string
}

func parseFlags() *cliConfig {
	cfg := &cliConfig{}

	flag.StringVar(&cfg.serverURL, "server",
		getEnv(bridge.ServerURLEnv, "ws://127.0.0.1:9000/ws"),
		fmt.Sprintf("Engine websocket URL (env: %s)", bridge.ServerURLEnv))
	flag.IntVar(&cfg.sampleRate, "sample-rate", 48000, "Capture sample rate")
	flag.IntVar(&cfg.blockSize, "block-size", 800, "Samples per block (800 at 48kHz is ~60Hz)")
	flag.IntVar(&cfg.pollHz, "poll-hz", 60, "Frame publish rate in Hz (1-120)")
	flag.StringVar(&cfg.metricsAddr, "metrics-addr",
		getEnv("WAVECRAFT_METRICS_ADDR", ""), "Prometheus endpoint address (empty disables metrics)")
	flag.StringVar(&cfg.logLevel, "log-level",
		getEnv("WAVECRAFT_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	flag.StringVar(&cfg.logFormat, "log-format",
		getEnv("WAVECRAFT_LOG_FORMAT", "json"), "Log format: json, text")
	flag.Parse()
	return cfg
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil && err != context.Canceled {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cfg := parseFlags()
	logger := setupLogger(cfg.logLevel, cfg.logFormat)
	slog.SetDefault(logger)

	if cfg.sampleRate <= 0 || cfg.blockSize <= 0 {
		return fmt.Errorf("sample-rate and block-size must be positive")
	}
	if cfg.pollHz < 1 || cfg.pollHz > 120 {
		return fmt.Errorf("poll-hz must be within 1-120")
	}

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	slog.Info("Starting meterfeed", "version", Version, "server", cfg.serverURL)

	metricsRegistry := setupMetrics(cfg.metricsAddr, logger)

	client := transport.NewNetworked(cfg.serverURL,
		transport.WithLogger(logger),
		transport.WithTransportMetrics(metric.NewTransportMetrics(metricsRegistry, "ws-client")))
	defer client.Close()
	if err := client.Connect(signalCtx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	client.OnConnectionChange(func(bool) {
		logger.Info("connection status changed", "status", transport.StatusOf(client))
	})

	// The capture process is also a parameter client: it honors the
	// engine's meterEnabled toggle instead of publishing blindly.
	msgBus := bus.New(client,
		bus.WithLogger(logger),
		bus.WithMetrics(metric.NewBusMetrics(metricsRegistry, "bus")))
	defer msgBus.Close()
	params := param.NewService(msgBus, param.WithLogger(logger))
	defer params.Close()

	enabled := watchMeterEnabled(client, params, logger)

	// Capture path: analyzer pushes into the ring from the capture
	// cadence; the poller drains and publishes over the socket. Frames
	// produced while disconnected are dropped by the ring, which is the
	// intended behavior for live meters.
	ring := meter.NewRing(meter.DefaultRingCapacity)
	analyzer := meter.NewAnalyzer(ring)

	poller := meter.NewPoller(ring, func(frames []meter.Frame) {
		if !enabled.Load() {
			return
		}
		// Ship only the newest frame; meters show current level.
		publish(client, logger, frames[len(frames)-1])
	}, meter.WithPollInterval(time.Second/time.Duration(cfg.pollHz)),
		meter.WithPollerLogger(logger),
		meter.WithPollerMetrics(metric.NewMeterMetrics(metricsRegistry, "meterfeed")))
	poller.Start(signalCtx)
	defer poller.Stop()

	source := newSineSource(cfg.sampleRate, cfg.blockSize, 440)
	err := source.Run(signalCtx, analyzer.Analyze)
	if err != nil && signalCtx.Err() != nil {
		slog.Info("Received shutdown signal")
		return nil
	}
	return err
}

// watchMeterEnabled tracks the engine's meterEnabled parameter: an
// initial read on every connect, then change notifications. Publishing
// defaults to on when the parameter cannot be read.
func watchMeterEnabled(client *transport.Networked, params *param.Service, logger *slog.Logger) *atomic.Bool {
	enabled := &atomic.Bool{}
	enabled.Store(true)

	params.OnParameterChanged(func(ev param.ChangeEvent) {
		if ev.ID != "meterEnabled" {
			return
		}
		enabled.Store(ev.Value >= 0.5)
		logger.Info("metering toggled by engine", "enabled", enabled.Load())
	})

	readOnce := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		info, err := params.GetParameter(ctx, "meterEnabled")
		if err != nil {
			var wireErr *protocol.ErrorObject
			if stderrors.As(err, &wireErr) {
				logger.Debug("engine has no meterEnabled parameter, publishing unconditionally")
				return
			}
			logger.Warn("meterEnabled read failed, publishing unconditionally", "error", err)
			return
		}
		enabled.Store(info.Bool())
	}

	client.OnConnectionChange(func(connected bool) {
		if connected {
			go readOnce()
		}
	})
	if client.IsConnected() {
		go readOnce()
	}

	return enabled
}

func publish(client *transport.Networked, logger *slog.Logger, frame meter.Frame) {
	if !client.IsConnected() {
		return
	}
	ev, err := protocol.NewEvent("meterFrame", frame)
	if err != nil {
		logger.Error("frame encoding failed", "error", err)
		return
	}
	data, err := protocol.Encode(ev)
	if err != nil {
		logger.Error("frame encoding failed", "error", err)
		return
	}
	if sendErr := client.Send(data); sendErr != nil {
		logger.Debug("frame dropped", "error", sendErr)
	}
}

// setupMetrics starts the prometheus endpoint when an address is given.
// Returns nil otherwise; every consumer treats a nil registry as no-op.
func setupMetrics(addr string, logger *slog.Logger) *metric.MetricsRegistry {
	if addr == "" {
		return nil
	}

	registry := metric.NewMetricsRegistry()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry.PrometheusRegistry(), promhttp.HandlerOpts{}))

	go func() {
		logger.Info("metrics endpoint listening", "addr", addr)
		server := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics endpoint stopped", "error", err)
		}
	}()
	return registry
}

func setupLogger(level, format string) *slog.Logger {
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

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler).With("service", appName, "version", Version, "pid", os.Getpid())
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
