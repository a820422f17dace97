package main

import (
	"fmt"
	"log"
	"time"

	"github.com/dunamismax/scenecast/internal/domain"
	"github.com/dunamismax/scenecast/internal/render"
	"github.com/spf13/cobra"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var (
		storageLocation string
		interval        time.Duration
		retryBudget     int
	)

	cmd := &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Poll a render until it succeeds or fails",
		Long: "Poll a render at a fixed interval until it reaches a terminal status. " +
			"Interrupting the command stops watching; the render keeps running.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			poller := render.NewPoller(ctx.client(), render.PollerOptions{
				Interval:    interval,
				RetryBudget: retryBudget,
				Logger:      log.New(cmd.ErrOrStderr(), "[scenecast] ", log.LstdFlags|log.Lmsgprefix),
			})

			job := domain.RenderJob{ID: args[0], StorageLocation: storageLocation}
			final, err := poller.Watch(cmd.Context(), job, func(status domain.JobStatus) {
				fmt.Fprintf(out, "%s  %s\n", time.Now().Format(time.TimeOnly), statusLine(status))
			})
			if err != nil {
				return err
			}
			if final.State == domain.StateFailed {
				return fmt.Errorf("render %s failed: %s", job.ID, final.Reason)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&storageLocation, "storage-location", "", "Storage location returned at submission")
	cmd.Flags().DurationVar(&interval, "interval", render.DefaultPollInterval, "Time between status checks")
	cmd.Flags().IntVar(&retryBudget, "retry-budget", 3, "Consecutive failed status checks tolerated before giving up")
	return cmd
}
