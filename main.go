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

	"github.com/nimdanitro/humidity-manager-go/pkg/config"
	"github.com/nimdanitro/humidity-manager-go/pkg/history"
	"github.com/nimdanitro/humidity-manager-go/pkg/metrics"
	"github.com/nimdanitro/humidity-manager-go/pkg/mqttstate"
	"github.com/nimdanitro/humidity-manager-go/pkg/regulator"
	"github.com/nimdanitro/humidity-manager-go/pkg/sensorpush"
	"github.com/nimdanitro/humidity-manager-go/pkg/status"
	"github.com/nimdanitro/humidity-manager-go/pkg/vesync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.uber.org/zap"
)

const (
	serviceName = "humidity-manager"
	modulePath  = "github.com/nimdanitro/humidity-manager-go"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "humidity-manager:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Parse command line flags
	var configFile string
	pflag.StringVarP(&configFile, "config", "c", os.Getenv("HM_CONFIG"), "Path to a config file (yaml, json, toml or env)")
	pflag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	// Setup Otel
	if cfg.OTel.Enabled {
		shutdown, err := setupOTelSDK(ctx)
		if err != nil {
			return fmt.Errorf("setup otel: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	// Initialize logger
	logger, closeLog, err := newLogger(cfg.Log.Level, cfg.Log.File, cfg.OTel.Enabled)
	if err != nil {
		return err
	}
	defer closeLog()
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	logger.Info("starting up", zap.String("version", version), zap.String("commit", commit), zap.String("buildDate", date))

	sensors, err := sensorpush.NewClient(
		sensorpush.WithLogger(logger.Named("sensorpush")),
		sensorpush.WithCredentials(cfg.SensorPush.User, cfg.SensorPush.Password),
		sensorpush.WithBaseURL(cfg.SensorPush.BaseURL),
	)
	if err != nil {
		return err
	}

	outlets, err := vesync.NewClient(
		vesync.WithLogger(logger.Named("vesync")),
		vesync.WithCredentials(cfg.VeSync.User, cfg.VeSync.Password),
		vesync.WithBaseURL(cfg.VeSync.BaseURL),
		vesync.WithTimeZone(cfg.VeSync.TimeZone),
	)
	if err != nil {
		return err
	}

	// Initialize metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	meter := otel.Meter(
		modulePath,
		metric.WithInstrumentationAttributes(semconv.OTelScopeName(modulePath)),
	)
	m, err := metrics.New(meter, reg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	observers := []regulator.Observer{m}

	if cfg.History.DSN != "" {
		store, err := history.Open(ctx, cfg.History.DSN, history.Options{Logger: logger.Named("history")})
		if err != nil {
			return err
		}
		defer store.Close(context.Background())
		observers = append(observers, store)
	}

	if cfg.MQTT.Broker != "" {
		pub, err := mqttstate.Connect(mqttstate.Config{
			Broker:    cfg.MQTT.Broker,
			ClientID:  cfg.MQTT.ClientID,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			Prefix:    cfg.MQTT.Prefix,
			Discovery: cfg.MQTT.Discovery,
		}, logger.Named("mqtt"))
		if err != nil {
			// state publishing is optional, regulation goes on without it
			logger.Error("cannot connect to mqtt broker", zap.Error(err))
		} else {
			defer pub.Close()
			observers = append(observers, pub)
		}
	}

	if cfg.Status.Addr != "" {
		srv := status.New(cfg.Status.Addr, cfg.Control.PollInterval,
			status.WithLogger(logger.Named("status")),
			status.WithGatherer(reg),
		)
		observers = append(observers, srv)
		go func() {
			if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server stopped", zap.Error(err))
			}
		}()
	}

	settings := cfg.Regulator()
	logger.Info("will check humidity and enable the outlet if necessary",
		zap.String("sensor", settings.Sensor),
		zap.String("outlet", settings.Outlet),
		zap.Duration("every", settings.PollInterval),
		zap.Bool("thresholdsFromSensor", settings.ThresholdsFromSensor),
	)

	ctrl, err := regulator.New(sensors, outlets, settings,
		regulator.WithLogger(logger.Named("regulator")),
		regulator.WithObservers(observers...),
	)
	if err != nil {
		return err
	}

	ctrl.Run(ctx)
	return nil
}
