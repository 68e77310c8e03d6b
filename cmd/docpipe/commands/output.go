package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/docpipe/pulse/async"
)

func wantJSON(cmd *cobra.Command) bool {
	j, _ := cmd.Flags().GetBool("json")
	return j
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// render prints v as JSON under --json, otherwise calls human.
func render(cmd *cobra.Command, v any, human func() error) error {
	if wantJSON(cmd) {
		return printJSON(v)
	}
	return human()
}

func printTable(header []string, rows [][]string) error {
	data := append(pterm.TableData{header}, rows...)
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func statusStyle(s async.JobStatus) string {
	switch s {
	case async.JobStatusCompleted:
		return pterm.FgGreen.Sprint(s)
	case async.JobStatusFailed:
		return pterm.FgRed.Sprint(s)
	case async.JobStatusCancelled:
		return pterm.FgGray.Sprint(s)
	case async.JobStatusProcessing:
		return pterm.FgCyan.Sprint(s)
	case async.JobStatusRetrying:
		return pterm.FgYellow.Sprint(s)
	default:
		return string(s)
	}
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
