package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dunamismax/scenecast/internal/domain"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderFields draws a two-column key/value table.
func renderFields(rows [][2]string) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Field", "Value"})
	for _, row := range rows {
		tw.AppendRow(table.Row{row[0], row[1]})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft, AlignHeader: text.AlignLeft},
		{Number: 2, Align: text.AlignLeft, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}

func statusLine(status domain.JobStatus) string {
	switch status.State {
	case domain.StateRendering:
		return fmt.Sprintf("rendering %s", percent(status.Progress))
	case domain.StateRetrying:
		return fmt.Sprintf("retrying status check (attempt %d) at %s", status.Attempt, percent(status.Progress))
	case domain.StateSucceeded:
		return "succeeded " + status.OutputLocation
	case domain.StateFailed:
		return "failed: " + status.Reason
	default:
		return "pending"
	}
}

func percent(p float64) string {
	return fmt.Sprintf("%5.1f%%", p*100)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
