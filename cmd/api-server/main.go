package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpAdapter "chime/internal/adapters/http"
	"chime/internal/config"
	"chime/internal/container"
	"chime/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "api-server",
	Short: "Serve the job scheduling HTTP API",
	RunE:  runServer,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Initialize(cfg.Log.JSON, cfg.Log.Level); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.ComponentLogger("api-server")

	// Handlers are registered in the scheduler binary; a loop here would
	// only release every message it picks up.
	cfg.Scheduler.AutoStart = false

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := container.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	router := gin.Default()

	router.GET("/healthz", func(gc *gin.Context) {
		gc.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "chime-api-server",
		})
	})
	router.GET("/metrics", gin.WrapH(c.Metrics().Handler()))

	httpAdapter.NewJobHandler(c.JobService()).RegisterRoutes(router.Group("/api/v1"))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infow("Starting API server", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		return err
	}

	log.Infow("Shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Server forced to shutdown", logger.FieldError, err)
	}

	log.Infow("Server exited")
	return nil
}
