package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chime/internal/config"
	"chime/internal/container"
	"chime/internal/logger"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the scheduler loop and dispatch due jobs",
	RunE:  runScheduler,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a config file")
	rootCmd.AddCommand(demoCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Initialize(cfg.Log.JSON, cfg.Log.Level); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runScheduler(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.ComponentLogger("scheduler")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := container.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	loop := c.SchedulerLoop()
	if err := loop.RegisterHandler(cfg.Demo.OwnerService, demoHandler(cfg.Demo.OutputPath)); err != nil {
		return err
	}
	if err := loop.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.MetricsPort),
		Handler: c.Metrics().Handler(),
	}
	g.Go(func() error {
		log.Infow("Serving metrics", "port", cfg.HTTP.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "metrics server")
		}
		return nil
	})

	if runner := c.MaintenanceRunner(); runner != nil {
		g.Go(func() error { return runner.Start(gctx) })
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-loop.Done():
			if err := loop.Err(); err != nil {
				return err
			}
		}

		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := loop.Stop(stopCtx); err != nil {
			log.Warnw("Scheduler loop did not drain in time", logger.FieldError, err)
		}
		return metricsSrv.Shutdown(stopCtx)
	})

	log.Infow("Scheduler started", "owner_service", cfg.Demo.OwnerService)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorw("Scheduler stopped with error", logger.FieldError, err)
		return err
	}
	log.Infow("Scheduler stopped")
	return nil
}
