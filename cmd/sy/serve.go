package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/bus"
	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/dispatch"
	"github.com/zulandar/switchyard/internal/gateway"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine behind the HTTP gateway",
		Long: `Loads the scenario definition, migrates the user-state database and
serves inbound messages over HTTP. Synchronous requests are answered directly;
queued requests are handled by the per-user worker pool and their responses
streamed over /api/v1/events. Expired integration callbacks are turned into
LOCAL_TIMEOUT messages by the sweeper.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().IntVar(&port, "port", 0, "override gateway.port")
	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, configPath string, port int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port > 0 {
		cfg.Gateway.Port = port
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	manager, err := buildManager(cfg, logger)
	if err != nil {
		return err
	}
	store, gormDB, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB(gormDB)

	b := bus.New(bus.Opts{Size: cfg.Dispatch.QueueSize, Logger: logger})
	defer b.Close()

	dispatcher, err := dispatch.NewDispatcher(dispatch.DispatcherOpts{
		Manager:     manager,
		Store:       store,
		Bus:         b,
		Workers:     cfg.Dispatch.Workers,
		QueueSize:   cfg.Dispatch.QueueSize,
		SkipAge:     cfg.SkipAge(),
		WarnAge:     cfg.WarnAge(),
		SaveRetries: cfg.Dispatch.SaveRetries,
		Exchanges:   store,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	sweeper, err := dispatch.NewSweeper(dispatch.SweeperOpts{
		Store:    store,
		Bus:      b,
		Interval: cfg.SweepInterval(),
		Batch:    cfg.Dispatch.SweepBatch,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	logger.Info("switchyard starting",
		zap.String("version", Version),
		zap.String("scenarios", cfg.ScenariosPath),
		zap.String("database", cfg.Database.Driver),
		zap.Int("port", cfg.Gateway.Port))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		return gateway.Start(gctx, gateway.StartOpts{
			Handler:   dispatcher,
			Bus:       b,
			Exchanges: store,
			Port:      cfg.Gateway.Port,
			Out:       cmd.OutOrStdout(),
			Logger:    logger,
		})
	})
	return g.Wait()
}
