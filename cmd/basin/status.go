package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"basin/internal/objectstore"
	"basin/internal/session"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize the repository",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openRepoEnv()
		if err != nil {
			return err
		}
		defer env.close()

		head := env.repo.Head()
		fmt.Printf("Repository: %s\n", env.repo.Root())
		fmt.Printf("Head:       position %d (tree %s)\n", head.Position, shortID(head.TreeHash.String()))

		metas, err := env.repo.ListSessions()
		if err != nil {
			return err
		}
		byState := map[session.State]int{}
		for _, meta := range metas {
			byState[meta.State]++
		}
		fmt.Printf("Sessions:   %d total", len(metas))
		for _, state := range []session.State{
			session.StateOpen, session.StateLanded, session.StateConflicted, session.StateAbandoned,
		} {
			if n := byState[state]; n > 0 {
				fmt.Printf(", %d %s", n, state)
			}
		}
		fmt.Println()

		store := env.repo.Store()
		var objects int
		var bytes int64
		for _, kind := range []objectstore.Kind{objectstore.KindBlob, objectstore.KindTree} {
			count, err := store.Count(kind)
			if err != nil {
				return err
			}
			size, err := store.Size(kind)
			if err != nil {
				return err
			}
			objects += count
			bytes += size
		}
		fmt.Printf("Objects:    %d (%s)\n", objects, formatBytes(bytes))

		if stats, err := env.repo.Index().Stats(); err == nil {
			fmt.Printf("Index:      %d sessions, %d land events, %d documents\n",
				stats.Sessions, stats.LandEvents, stats.Documents)
		}

		for _, meta := range metas {
			if meta.State != session.StateOpen {
				continue
			}
			fmt.Printf("\nOpen session %s (%s)\n", shortID(meta.ID.String()), meta.Goal)
			fmt.Printf("  base %d, %d records, %d paths, started %s ago\n",
				meta.BasePosition, meta.Records, len(meta.TouchedPaths), formatAge(meta.CreatedAt))
		}
		return nil
	},
}

// formatBytes renders a byte count with a binary unit.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
