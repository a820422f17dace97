package main

import (
	"fmt"

	"github.com/dunamismax/scenecast/internal/domain"
	"github.com/dunamismax/scenecast/internal/render"
	"github.com/spf13/cobra"
)

func newProgressCommand(ctx *commandContext) *cobra.Command {
	var (
		storageLocation string
		asJSON          bool
	)

	cmd := &cobra.Command{
		Use:   "progress <job-id>",
		Short: "Fetch one progress observation for a render",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			obs, err := ctx.client().PollJob(cmd.Context(), args[0], storageLocation)
			if err != nil {
				return fmt.Errorf("fetch progress: %w", err)
			}
			if asJSON {
				return writeJSON(cmd, obs)
			}
			// A single observation is folded into a fresh status so it reads
			// the same way watch output does.
			fmt.Fprintln(cmd.OutOrStdout(), statusLine(render.Transition(domain.JobStatus{}, obs, nil, 0)))
			return nil
		},
	}

	cmd.Flags().StringVar(&storageLocation, "storage-location", "", "Storage location returned at submission")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw observation as JSON")
	return cmd
}
