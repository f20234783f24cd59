package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"basin/internal/land"
	"basin/internal/logging"
	"basin/internal/session"
)

var landCmd = &cobra.Command{
	Use:   "land [session-id]",
	Short: "Publish a session to the shared history",
	Long: `Publish a session to the shared history. The session's touched paths
are screened against everything that landed since it began; on overlap
it comes back conflicted with the paths listed, and nothing lands.

Without an argument your open session is landed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openRepoEnv()
		if err != nil {
			return err
		}
		defer env.close()

		var meta session.Meta
		if len(args) == 1 {
			meta, err = resolveSession(env.repo, args[0])
		} else {
			owner, idErr := agentID()
			if idErr != nil {
				return idErr
			}
			meta, err = openSessionFor(env.repo, owner)
		}
		if err != nil {
			return err
		}

		result, err := env.repo.Land(cmd.Context(), meta.ID)
		if err != nil {
			env.journal(func(a *logging.ActivityLog) error {
				return a.Failure(logging.ActivitySessionLand, meta.ID.String(), err)
			})
			return err
		}

		switch result.Outcome {
		case land.OutcomeLanded:
			env.journal(func(a *logging.ActivityLog) error {
				return a.SessionLanded(meta.ID.String(), result.Position)
			})
			fmt.Printf("Landed session %s at position %d\n", shortID(meta.ID.String()), result.Position)
			fmt.Printf("  tree: %s\n", result.TreeHash)
		case land.OutcomeConflicted:
			var paths []string
			for _, overlap := range result.Conflicts {
				paths = append(paths, overlap.Paths...)
			}
			env.journal(func(a *logging.ActivityLog) error {
				return a.SessionConflicted(meta.ID.String(), paths)
			})
			fmt.Printf("Session %s conflicted\n", shortID(meta.ID.String()))
			for _, overlap := range result.Conflicts {
				fmt.Printf("  with session %s:\n", shortID(overlap.OtherSession.String()))
				for _, p := range overlap.Paths {
					fmt.Printf("    %s\n", p)
				}
			}
			return fmt.Errorf("landing rejected: %d overlapping paths (revise and \"basin session reopen %s\")",
				len(paths), shortID(meta.ID.String()))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(landCmd)
}
