package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"basin/internal/logging"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the derived indexes from scratch",
	Long: `Rebuild the path and search indexes from the session logs and landing
history. The indexes are derived data; this is safe at any time and is
the fix for a missing or stale indexes directory.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openRepoEnv()
		if err != nil {
			return err
		}
		defer env.close()

		if err := env.repo.Reindex(); err != nil {
			env.journal(func(a *logging.ActivityLog) error {
				return a.Failure(logging.ActivityReindex, "", err)
			})
			return err
		}

		stats, err := env.repo.Index().Stats()
		if err != nil {
			return err
		}

		env.journal(func(a *logging.ActivityLog) error {
			return a.Record(logging.ActivityEvent{
				Type: logging.ActivityReindex,
				Details: map[string]any{
					"sessions":    stats.Sessions,
					"land_events": stats.LandEvents,
					"documents":   stats.Documents,
				},
			})
		})

		fmt.Printf("Reindexed %d sessions, %d land events, %d documents\n",
			stats.Sessions, stats.LandEvents, stats.Documents)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reindexCmd)
}
