package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"go.olrik.dev/stagehand/internal/core"
	"go.olrik.dev/stagehand/internal/db"
)

const maxDetailsWidth = 60

func NewEventsCommand() *cobra.Command {
	var limit int
	var category string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent session events",
		Long: `Show recent events from the session database of the current project.

Categories: companion, recording, task, publish`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := core.Config.DatabasePath()
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("no session database for %s: %w", core.Config.ProjectPath, err)
			}

			database, err := db.Open(path)
			if err != nil {
				return err
			}
			defer database.Close()

			events, err := database.GetRecentEvents(category, limit)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No events recorded")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatEvents(events))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of events to show")
	cmd.Flags().StringVarP(&category, "category", "c", "", "only show events of this category")

	return cmd
}

func formatEvents(events []db.Event) string {
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		rows = append(rows, []string{
			strconv.FormatInt(e.ID, 10),
			humanize.Time(e.Timestamp),
			e.Category,
			e.Subject,
			e.EventType,
			summarizeDetails(e.Details),
		})
	}
	return renderTable(
		[]string{"ID", "When", "Category", "Subject", "Event", "Details"},
		rows,
		[]columnAlignment{alignRight, alignRight},
	)
}

// summarizeDetails shortens publish payloads to the paths they carry
func summarizeDetails(details string) string {
	if gjson.Valid(details) && gjson.Parse(details).IsObject() {
		var parts []string
		gjson.Parse(details).ForEach(func(key, value gjson.Result) bool {
			switch key.String() {
			case "image_path", "movie_path", "package_filepath", "error_msg":
				parts = append(parts, key.String()+"="+value.String())
			}
			return true
		})
		if len(parts) > 0 {
			details = strings.Join(parts, " ")
		}
	}
	if len(details) > maxDetailsWidth {
		return details[:maxDetailsWidth-3] + "..."
	}
	return details
}
