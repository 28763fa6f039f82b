package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"chime/internal/app"
	"chime/internal/container"
	"chime/internal/domain"
	"chime/internal/logger"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

// DemoMessage is the payload of the demo job.
type DemoMessage struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

var (
	demoDelay      time.Duration
	demoRecurrence string
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Schedule a demo job for the running scheduler",
	RunE:  runDemo,
}

func init() {
	demoCmd.Flags().DurationVar(&demoDelay, "delay", 2*time.Minute, "Delay before the job is due")
	demoCmd.Flags().StringVar(&demoRecurrence, "recurrence", "none", "none, daily, weekly or monthly")
}

// demoHandler appends "Id/Name" for every occurrence to path.
func demoHandler(path string) domain.JobHandler {
	return app.HandleTyped(app.JSONCodec[DemoMessage]{}, func(_ context.Context, jobID string, msg DemoMessage) error {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return errors.Wrapf(err, "open demo output %s", path)
		}
		defer f.Close()

		if _, err := fmt.Fprintf(f, "%d/%s\n", msg.ID, msg.Name); err != nil {
			return errors.Wrapf(err, "write demo output for job %s", jobID)
		}
		return nil
	})
}

func runDemo(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	recurrence, err := domain.ParseRecurrence(demoRecurrence)
	if err != nil {
		return err
	}

	// Only submit; the scheduler process dispatches.
	cfg.Scheduler.AutoStart = false

	ctx := cmd.Context()
	c, err := container.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	scheduler := app.NewTypedScheduler[DemoMessage](c.JobService(), cfg.Demo.OwnerService, app.JSONCodec[DemoMessage]{})
	id, err := scheduler.Create(ctx, DemoMessage{ID: 1, Name: "A"}, time.Now().UTC().Add(demoDelay), recurrence, time.Time{})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "scheduled job %s for %s\n", id, cfg.Demo.OwnerService)
	return nil
}
