package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/ballot/internal/journal"
	"github.com/joescharf/ballot/internal/models"
	"github.com/joescharf/ballot/internal/output"
)

var (
	historySession string
	historyType    string
	historyLimit   int
	historyJSON    bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the session lifecycle journal",
	Long: `List recorded session events, newest first.

The journal is an audit trail only. Sessions listed here are not live unless
the process that created them is still running.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return historyRun(cmd)
	},
}

func init() {
	historyCmd.Flags().StringVarP(&historySession, "session", "s", "", "Only events for this session id")
	historyCmd.Flags().StringVarP(&historyType, "type", "t", "", "Only events of this type (e.g. session.finalized)")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 50, "Maximum number of events (0 for all)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print events as JSON")
	rootCmd.AddCommand(historyCmd)
}

func historyRun(cmd *cobra.Command) error {
	if !viper.GetBool("journal.enabled") {
		ui.Warning("Journal is disabled (journal.enabled=false)")
		return nil
	}

	j, err := journal.Open(cmd.Context(), viper.GetString("journal.path"))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() { _ = j.Close() }()

	events, err := j.List(cmd.Context(), journal.ListFilter{
		SessionID: historySession,
		Type:      models.EventType(historyType),
		Limit:     historyLimit,
	})
	if err != nil {
		return err
	}

	if historyJSON {
		enc := json.NewEncoder(ui.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	}

	if len(events) == 0 {
		ui.Info("No events recorded.")
		return nil
	}

	table := ui.Table([]string{"Time", "Session", "Event", "Kind", "Task", "Repo"})
	for _, ev := range events {
		_ = table.Append([]string{
			ev.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			output.Cyan(ev.SessionID),
			eventLabel(ev.Type),
			string(ev.Kind),
			truncate(ev.Task, 40),
			ev.Repo,
		})
	}
	if err := table.Render(); err != nil {
		return err
	}
	ui.VerboseLog("%s shown", output.Plural(len(events), "event"))
	return nil
}

func eventLabel(t models.EventType) string {
	switch t {
	case models.EventSessionCreated:
		return output.Green(string(t))
	case models.EventSessionFinalized, models.EventSessionCombined:
		return output.Cyan(string(t))
	case models.EventSessionCleaned:
		return output.Yellow(string(t))
	}
	return string(t)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
