package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func newShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show the stored record of a render",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			record, err := ctx.client().GetRender(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get render: %w", err)
			}
			if asJSON {
				return writeJSON(cmd, record)
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderFields([][2]string{
				{"Job", record.Job.ID},
				{"Composition", orDash(record.Job.CompositionID)},
				{"Chunk frames", strconv.Itoa(record.Job.ChunkFrames)},
				{"Storage", orDash(record.Job.StorageLocation)},
				{"Status", statusLine(record.Status)},
				{"Submitted", formatTime(record.Job.SubmittedAt)},
				{"Updated", formatTime(record.UpdatedAt)},
				{"Webhook", orDash(record.WebhookURL)},
			}))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the record as JSON")
	return cmd
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
