package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/config"
	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/database"
	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/dispatcher"
	grpcserver "github.com/bagaspng/Moisture-Sense-Dashboard/internal/grpc"
	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/metrics"
	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/publisher"
	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/scheduler"
	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/server"
	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/state"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync loop and the operator APIs",
	Long: `Start polling the device and serve the operator HTTP API, the gRPC
health service and, when configured, the MQTT relay until SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mode, _ := cfg.InitialMode()
	store := state.NewStore(mode)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	device := newDeviceClient(cfg)

	audit, err := openCommandLog(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to open command log: %v", err)
	}
	defer audit.Close()

	commands := dispatcher.New(device, store, logger, m,
		dispatcher.WithAuditLog(audit),
		dispatcher.WithTimeout(cfg.Control.CommandTimeout),
	)

	sched := scheduler.NewScheduler(device, store, logger, m, scheduler.Config{
		Interval:        cfg.Sync.Interval,
		Timeout:         cfg.Sync.Timeout,
		BreakerFailures: cfg.Sync.BreakerFailures,
		BreakerOpenFor:  cfg.Sync.BreakerOpenFor,
	})

	httpSrv, err := server.New(store, commands, logger, m, server.Config{
		Addr:                 net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		StaleAfter:           cfg.Sync.StaleAfter,
		RateLimit:            cfg.Server.RateLimit,
		RateLimitBurst:       cfg.Server.RateLimitBurst,
		IdempotencyCacheSize: cfg.Server.IdempotencyCacheSize,
		Gatherer:             registry,
	})
	if err != nil {
		logger.Fatalf("Failed to setup HTTP server: %v", err)
	}

	health := grpcserver.NewHealthChecker()
	grpcSrv := grpcserver.SetupServer(health, logger, m, grpcserver.ServerConfig{
		RateLimit:      cfg.Server.RateLimit,
		RateLimitBurst: cfg.Server.RateLimitBurst,
	})
	lis, err := net.Listen("tcp", net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.GRPCPort)))
	if err != nil {
		logger.Fatalf("Failed to listen: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MQTT.Broker != "" {
		client, err := publisher.Connect(ctx, publisher.BrokerConfig{
			Broker:     cfg.MQTT.Broker,
			ClientID:   cfg.MQTT.ClientID,
			Username:   cfg.MQTT.Username,
			Password:   cfg.MQTT.Password,
			MaxElapsed: cfg.MQTT.ConnectTimeout,
		}, logger)
		if err != nil {
			logger.Fatalf("Failed to connect to MQTT broker: %v", err)
		}
		defer client.Disconnect(250)

		relay := publisher.NewRelay(client, publisher.Config{
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         byte(cfg.MQTT.QoS),
		}, logger, m)
		g.Go(func() error {
			relay.Run(gctx, store)
			return nil
		})
	}

	g.Go(func() error {
		health.Follow(gctx, store, cfg.Sync.StaleAfter, time.Second)
		return nil
	})
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.WithField("port", cfg.Server.GRPCPort).Info("Starting gRPC server")
		if err := grpcSrv.Serve(lis); err != nil {
			return fmt.Errorf("grpc server error: %w", err)
		}
		return nil
	})

	if err := sched.Start(); err != nil {
		return err
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		sched.Stop()
		shutdown(cfg, logger, httpSrv, grpcSrv, health)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Service error")
		return err
	}
	logger.Info("Stopped")
	return nil
}

// openCommandLog connects the PostgreSQL audit log, or returns a no-op log
// when no DSN is configured.
func openCommandLog(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (database.CommandLog, error) {
	if cfg.Database.DSN == "" {
		return database.NopCommandLog{}, nil
	}
	return database.NewPostgresCommandLog(ctx, cfg.Database.DSN, logger, database.ConnectOptions{
		MaxElapsed: cfg.Database.ConnectTimeout,
	})
}

func shutdown(cfg *config.Config, logger *logrus.Logger, httpSrv *server.Server, grpcSrv *grpc.Server, health *grpcserver.HealthChecker) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	health.Shutdown()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("HTTP server did not shut down cleanly")
	}

	// Watch streams never finish on their own.
	stopped := make(chan struct{})
	go func() {
		grpcSrv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		grpcSrv.Stop()
	}
}
