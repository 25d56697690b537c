package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"hacoordinator/internal/api"
	"hacoordinator/internal/config"
	"hacoordinator/internal/influx"
	"hacoordinator/internal/integrations/rest"
	"hacoordinator/internal/integrations/sun"
	"hacoordinator/internal/integrations/upstream"
	"hacoordinator/internal/mqtt"
	"hacoordinator/internal/sinks"
	"hacoordinator/internal/telemetry"
	"hacoordinator/pkg/clock"
	"hacoordinator/pkg/coordinator"
	"hacoordinator/pkg/integration"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "No .env file found, using environment variables")
	}

	configPath := os.Getenv("HACOORD_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	bootLogger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	clk := clock.NewRealClock()
	loader := config.NewLoader(configPath, bootLogger, clk)
	cfg, err := loader.Load()
	if err != nil {
		bootLogger.Fatal("Failed to load config", zap.String("path", configPath), zap.Error(err))
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		bootLogger.Fatal("Failed to create logger", zap.Error(err))
	}
	defer logger.Sync()

	if err := run(cfg, loader, clk, logger); err != nil {
		logger.Fatal("Coordinator service failed", zap.Error(err))
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = level
	return zcfg.Build()
}

// run wires every component, blocks until SIGINT/SIGTERM and then shuts
// down in reverse order.
func run(cfg *config.Config, loader *config.Loader, clk clock.Clock, logger *zap.Logger) error {
	logger.Info("Starting update coordinator",
		zap.Int("integrations", len(cfg.Integrations)),
		zap.Bool("mqtt", cfg.MQTT.Enabled),
		zap.Bool("influxdb", cfg.InfluxDB.Enabled),
		zap.Bool("metrics", cfg.Metrics.Enabled))

	coordinatorOpts := cfg.Coordinator.Options()
	var apiOpts []api.Option

	if cfg.Metrics.Enabled {
		provider, err := telemetry.NewPrometheusProvider()
		if err != nil {
			return err
		}
		defer func() {
			if err := provider.Shutdown(context.Background()); err != nil {
				logger.Warn("Failed to shut down meter provider", zap.Error(err))
			}
		}()

		coordMetrics, err := telemetry.NewCoordinatorMetrics(provider.MeterProvider())
		if err != nil {
			return fmt.Errorf("failed to create coordinator metrics: %w", err)
		}
		httpMetrics, err := telemetry.NewHTTPMetrics(provider.MeterProvider())
		if err != nil {
			return fmt.Errorf("failed to create HTTP metrics: %w", err)
		}
		coordinatorOpts = append(coordinatorOpts, coordinator.WithObserver(coordMetrics))
		apiOpts = append(apiOpts,
			api.WithMetricsHandler(provider.Handler()),
			api.WithMiddleware(httpMetrics.Middleware))
	}

	attachers := []func(coordinator.Handle) coordinator.Subscription{
		sinks.NewUpdateLogger(logger).Attach,
	}

	if cfg.MQTT.Enabled {
		client, err := mqtt.Connect(cfg.MQTT, logger)
		if err != nil {
			return err
		}
		defer client.Close()

		publisher := sinks.NewStatePublisher(client, cfg.MQTT.TopicPrefix, byte(cfg.MQTT.QoS), cfg.MQTT.QueueSize, logger)
		publisher.Start()
		defer publisher.Stop()
		attachers = append(attachers, publisher.Attach)
	}

	if cfg.InfluxDB.Enabled {
		client, err := influx.Connect(cfg.InfluxDB, logger)
		if err != nil {
			return err
		}
		defer client.Close()
		attachers = append(attachers, sinks.NewHistoryRecorder(client, clk, logger).Attach)
	}

	registry := integration.NewRegistry(logger)
	for _, register := range []func(*integration.Registry) error{sun.Register, rest.Register, upstream.Register} {
		if err := register(registry); err != nil {
			return fmt.Errorf("failed to register integration type: %w", err)
		}
	}

	supervisor := integration.NewSupervisor(registry, logger,
		integration.WithSupervisorClock(clk),
		integration.WithSetupBackOff(cfg.SetupRetry.NewBackOff),
		integration.WithCoordinatorOptions(coordinatorOpts...),
		integration.WithOnLoaded(func(name string, handles []coordinator.Handle) func() {
			subs := make([]coordinator.Subscription, 0, len(handles)*len(attachers))
			for _, h := range handles {
				for _, attach := range attachers {
					subs = append(subs, attach(h))
				}
			}
			return func() {
				for _, sub := range subs {
					sub.Unsubscribe()
				}
			}
		}))
	defer supervisor.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := supervisor.LoadAll(ctx, cfg.Integrations); err != nil {
		// Entries that failed permanently stay visible in /api/integrations.
		logger.Error("Some integrations failed to load", zap.Error(err))
	}

	server := api.NewServer(supervisor, logger, cfg.API.Addr,
		append(apiOpts, api.WithShutdownTimeout(cfg.API.ShutdownTimeout))...)
	if err := server.Start(); err != nil {
		return err
	}
	defer func() {
		if err := server.Stop(); err != nil {
			logger.Warn("Failed to stop HTTP API server", zap.Error(err))
		}
	}()

	loader.StartAutoReload(func(prev, next *config.Config) {
		applyConfigChanges(supervisor, prev, next, logger)
	})
	defer loader.Stop()

	logger.Info("Update coordinator running. Press Ctrl+C to exit.")
	<-ctx.Done()
	logger.Info("Shutting down")
	return nil
}

// applyConfigChanges applies reloaded scan intervals to live coordinators.
// Other settings take effect on restart.
func applyConfigChanges(s *integration.Supervisor, prev, next *config.Config, logger *zap.Logger) {
	for name, d := range config.ScanIntervalChanges(prev, next) {
		var err error
		if d == nil {
			err = s.ResetScanInterval(name)
		} else {
			err = s.SetScanInterval(name, *d)
		}
		switch {
		case errors.Is(err, integration.ErrUnknownEntry):
			logger.Debug("Ignoring scan interval of entry that is not loaded", zap.String("entry", name))
		case err != nil:
			logger.Warn("Failed to apply scan interval", zap.String("entry", name), zap.Error(err))
		}
	}
	if len(prev.Integrations) != len(next.Integrations) {
		logger.Warn("Integration entries changed; restart to load or unload entries")
	}
}
