package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"basin/internal/export"
)

var (
	historyLimit  int
	historyFormat string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show what has landed, newest last",
	Long: `Show the landing history: one line per land with its position,
session, partition, and touched paths. --format switches to an
interchange format (json, jsonl, yaml, md).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openRepoEnv()
		if err != nil {
			return err
		}
		defer env.close()

		events := env.repo.History()
		if historyLimit > 0 && len(events) > historyLimit {
			events = events[len(events)-historyLimit:]
		}

		if historyFormat != "" {
			return export.WriteHistory(export.BuildHistory(events), historyFormat, os.Stdout)
		}

		if len(events) == 0 {
			fmt.Println("Nothing has landed yet")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "POSITION\tSESSION\tPARTITION\tPATHS\tLANDED\tTREE")
		for _, ev := range events {
			partition := ev.Partition
			if partition == "" {
				partition = "(root)"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
				ev.Position,
				shortID(ev.SessionID.String()),
				partition,
				len(ev.TouchedPaths),
				ev.LandedAt.Local().Format(time.RFC3339),
				shortID(ev.TreeHash.String()),
			)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Show only the last N landings")
	historyCmd.Flags().StringVar(&historyFormat, "format", "", "Output format: json, jsonl, yaml, md (default: table)")
}
