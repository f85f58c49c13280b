package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"evalgo.org/fleetrent/internal/api"
	"evalgo.org/fleetrent/internal/auth"
	"evalgo.org/fleetrent/internal/config"
	"evalgo.org/fleetrent/internal/events"
	"evalgo.org/fleetrent/internal/metrics"
	"evalgo.org/fleetrent/internal/ports"
	"evalgo.org/fleetrent/internal/reaper"
	"evalgo.org/fleetrent/internal/registry"
	"evalgo.org/fleetrent/internal/rental"
	"evalgo.org/fleetrent/internal/storage"
	"evalgo.org/fleetrent/internal/telemetry"
	"evalgo.org/fleetrent/internal/tracing"
	"evalgo.org/fleetrent/internal/tunnel"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the fleet server",
	Long: `Start the HTTP API and the /fleet node gateway.

The server opens the ledger database, accepts node agent sessions, serves
the rental API and periodically reaps silent nodes and unconfirmed
rentals.`,
	RunE: runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	shutdownTracing, err := tracing.Setup(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	store, err := storage.New(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	collectors := metrics.New()

	publisher, closeEvents, err := events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
	if err != nil {
		return err
	}
	defer closeEvents()

	samples, err := openTelemetry(cfg.Telemetry, logger)
	if err != nil {
		return err
	}
	defer samples.Close()

	allocator, err := ports.NewAllocator(store, cfg.Ports.Start, cfg.Ports.End,
		ports.WithMetrics(collectors),
		ports.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize port allocator: %w", err)
	}

	reg := registry.New(auth.NewNodeVerifier(cfg.Security.NodeTokenSecret, store), store,
		registry.WithSink(samples),
		registry.WithEvents(publisher),
		registry.WithMetrics(collectors),
		registry.WithLogger(logger),
		registry.WithHeartbeatExpiry(cfg.Registry.HeartbeatExpiry),
		registry.WithReapAfter(cfg.Registry.ReapAfter),
	)
	defer reg.Close()

	engineCfg, err := rentalConfig(cfg)
	if err != nil {
		return err
	}
	engine := rental.NewEngine(store, allocator, reg, engineCfg,
		rental.WithEvents(publisher),
		rental.WithMetrics(collectors),
		rental.WithLogger(logger),
	)

	if cfg.Reaper.Enabled {
		r := reaper.New(reg, engine, cfg.Reaper.Interval, cfg.Rental.PendingTimeout,
			reaper.WithCompactor(samples),
			reaper.WithLogger(logger),
		)
		r.Start()
		defer r.Stop()
	}

	server := api.New(cfg, api.Deps{
		Store:     store,
		Rentals:   engine,
		Registry:  reg,
		Ports:     allocator,
		Telemetry: samples,
		Metrics:   collectors,
		Events:    publisher,
		Logger:    logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		return nil

	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func openTelemetry(tc config.TelemetryConfig, logger *zap.Logger) (*telemetry.Store, error) {
	if tc.Path == "" {
		return telemetry.OpenInMemory(tc.Retention, logger)
	}
	return telemetry.Open(tc.Path, tc.Retention, logger)
}

func rentalConfig(c *config.Config) (rental.Config, error) {
	fee, err := c.Rental.FeeRate()
	if err != nil {
		return rental.Config{}, fmt.Errorf("invalid platform fee rate: %w", err)
	}
	return rental.Config{
		Services:    c.Rental.Services,
		PlatformFee: decimal.NewNullDecimal(fee),
		Tunnel: tunnel.Server{
			Addr:       c.Tunnel.ServerAddr,
			Port:       c.Tunnel.ServerPort,
			Token:      c.Tunnel.Token,
			PublicHost: c.Tunnel.PublicHost,
		},
		Descriptor:  tunnel.Options{SSHUser: c.Rental.SSHUser},
		StopTimeout: c.Rental.StopTimeout,
	}, nil
}
