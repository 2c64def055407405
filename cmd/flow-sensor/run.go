package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/flow-sensor/internal/config"
	"github.com/sweeney/flow-sensor/internal/gpio"
	"github.com/sweeney/flow-sensor/internal/meter"
	"github.com/sweeney/flow-sensor/internal/metrics"
	"github.com/sweeney/flow-sensor/internal/mqtt"
	"github.com/sweeney/flow-sensor/internal/pulse"
	"github.com/sweeney/flow-sensor/internal/status"
	"github.com/sweeney/flow-sensor/internal/store"
	"github.com/sweeney/flow-sensor/internal/telemetry"
	"github.com/sweeney/flow-sensor/internal/web"
)

const shutdownTimeout = 5 * time.Second

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	counter := pulse.NewCounter()
	hw, err := gpio.OpenReal(cfg.Pins(), counter.RegisterEdge)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer func() {
		if err := hw.Close(); err != nil {
			logger.Warn("close gpio failed", zap.Error(err))
		}
	}()

	hidrometer := openHidrometer(cfg, logger.Named("store"))
	defer func() {
		if err := hidrometer.Close(); err != nil && !errors.Is(err, store.ErrWriteInFlight) {
			logger.Warn("close store failed", zap.Error(err))
		}
	}()

	reg := metrics.New()
	tracker := status.NewTracker(time.Now(), statusConfig(cfg))
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	sinks := telemetry.Multi{telemetry.NewLineSink(os.Stdout)}
	var (
		publisher  mqtt.Publisher
		mqttStatus mqtt.ConnectionStatus
	)
	if cfg.MQTT.Broker != "" {
		p, err := mqtt.NewRealPublisher(mqtt.Options{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topics:   mqtt.TopicsFor(cfg.Device.Name),
			Logger:   logger.Named("mqtt"),
			OnEvict:  func(n int) { reg.MQTTEvicted.Add(float64(n)) },
		})
		if err != nil {
			return fmt.Errorf("init mqtt: %w", err)
		}
		defer p.Close()
		publisher, mqttStatus = p, p
		sinks = append(sinks, mqttSink(p, p, tracker))
	}

	m, err := meter.New(ctx, meter.Config{
		Device:          cfg.Device.Name,
		Position:        cfg.Device.Position,
		KFactor:         cfg.Sensor.KFactor,
		Period:          cfg.Loop.Period,
		IndicatorPeriod: cfg.Loop.Indicator,
		ResetCooldown:   cfg.Reset.Cooldown,
		ResetStable:     cfg.Reset.Stable,
	}, meter.Deps{
		Counter: counter,
		Store:   hidrometer,
		Button:  hw,
		LEDs:    hw,
		Logger:  logger.Named("meter"),
		Metrics: reg,
		Tracker: tracker,
		Sink:    sinks,
		OnReset: resetNotifier(publisher, tracker, logger),
	})
	if err != nil {
		return err
	}

	if publisher != nil {
		snap := tracker.Snapshot()
		err := publisher.PublishSystem(mqtt.SystemEvent{
			Timestamp:  snap.Now,
			Event:      "STARTUP",
			Retained:   true,
			RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
		})
		if err != nil {
			logger.Warn("publish startup event failed", zap.Error(err))
		}
	}

	logger.Info("started",
		zap.String("device", cfg.Device.Name),
		zap.Float64("k_factor", cfg.Sensor.KFactor),
		zap.Duration("period", cfg.Loop.Period),
		zap.String("engine", cfg.Storage.Engine),
		zap.String("broker", cfg.MQTT.Broker),
		zap.String("http", cfg.HTTP.Addr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	g, gctx := errgroup.WithContext(ctx)
	loopDone := make(chan struct{})

	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker, reg.Handler())
		g.Go(func() error {
			logger.Info("http status server listening", zap.String("addr", cfg.HTTP.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				// The meter keeps running without its status page.
				logger.Error("http server failed", zap.Error(err))
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-loopDone:
			case <-gctx.Done():
			}
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		defer close(loopDone)
		return runLoop(gctx, m, publisher, mqttStatus, tracker, time.Now, sigCh, logger)
	})

	return g.Wait()
}

// runLoop runs the meter until a signal arrives or ctx is done, then
// publishes a retained SHUTDOWN event carrying the final status.
func runLoop(ctx context.Context, m *meter.Meter, publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, now func() time.Time, sig <-chan os.Signal, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	var reason string
	select {
	case s := <-sig:
		reason = signalName(s)
		logger.Info("received signal, shutting down", zap.String("signal", reason))
	case <-ctx.Done():
		reason = "CANCELLED"
	}
	cancel()
	if err := <-done; err != nil {
		return err
	}
	logger.Info("final volume", zap.Float64("liters", m.Total()))

	if publisher == nil {
		return nil
	}
	event := mqtt.SystemEvent{
		Timestamp: now(),
		Event:     "SHUTDOWN",
		Reason:    reason,
		Retained:  true,
	}
	if tracker != nil {
		if mqttStatus != nil {
			tracker.SetMQTTConnected(mqttStatus.IsConnected())
		}
		event.RawPayload = status.FormatStatusEvent(tracker.Snapshot(), "SHUTDOWN", reason)
	}
	if err := publisher.PublishSystem(event); err != nil {
		logger.Warn("publish shutdown event failed", zap.Error(err))
	}
	return nil
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return "UNKNOWN"
	}
}

// openHidrometer opens the configured store. Any failure leaves the meter
// in memory-only mode rather than stopping it.
func openHidrometer(cfg config.Config, logger *zap.Logger) *store.Hidrometer {
	if cfg.Storage.Engine == config.EngineNone {
		logger.Warn("storage disabled, volume will not survive restart")
		return store.NewHidrometer(nil, 0, logger)
	}
	ns, err := store.Open(cfg.StoreConfig(), logger)
	if err != nil {
		logger.Error("store init failed, running memory-only", zap.Error(err))
		return store.NewHidrometer(nil, 0, logger)
	}
	return store.NewHidrometer(ns, cfg.Storage.CommitTimeout, logger)
}

// mqttSink adapts a publisher to a telemetry sink and mirrors the connection
// state into the tracker after every send.
func mqttSink(p mqtt.Publisher, cs mqtt.ConnectionStatus, tracker *status.Tracker) telemetry.Sink {
	return telemetry.SinkFunc(func(r telemetry.Record) error {
		err := p.PublishTelemetry(r)
		if tracker != nil && cs != nil {
			tracker.SetMQTTConnected(cs.IsConnected())
		}
		return err
	})
}

// resetNotifier returns the meter's reset hook. It is nil without a
// publisher.
func resetNotifier(publisher mqtt.Publisher, tracker *status.Tracker, logger *zap.Logger) func(time.Time, float64) {
	if publisher == nil {
		return nil
	}
	return func(at time.Time, previous float64) {
		reason := fmt.Sprintf("button, discarded %.3f L", previous)
		event := mqtt.SystemEvent{
			Timestamp: at,
			Event:     "RESET",
			Reason:    reason,
		}
		if tracker != nil {
			event.RawPayload = status.FormatStatusEvent(tracker.Snapshot(), "RESET", reason)
		}
		if err := publisher.PublishSystem(event); err != nil {
			logger.Warn("publish reset event failed", zap.Error(err))
		}
	}
}

func statusConfig(cfg config.Config) status.Config {
	return status.Config{
		Device:     cfg.Device.Name,
		Position:   cfg.Device.Position,
		KFactor:    cfg.Sensor.KFactor,
		PeriodMs:   cfg.Loop.Period.Milliseconds(),
		CooldownMs: cfg.Reset.Cooldown.Milliseconds(),
		Engine:     cfg.Storage.Engine,
		Broker:     cfg.MQTT.Broker,
		HTTPAddr:   cfg.HTTP.Addr,
	}
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
