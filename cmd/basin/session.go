package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"basin/internal/logging"
	"basin/internal/session"
)

var (
	sessionListState string
	sessionListAll   bool
	abandonReason    string
	reopenReason     string
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage writer sessions",
	Long: `Manage writer sessions. A session is one writer's append-only log of
operations against a snapshot of the shared tree. Each agent holds at
most one open session at a time.`,
}

var sessionStartCmd = &cobra.Command{
	Use:   "start <goal>",
	Short: "Open a new session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openRepoEnv()
		if err != nil {
			return err
		}
		defer env.close()

		owner, err := agentID()
		if err != nil {
			return err
		}

		id, err := env.repo.StartSession(args[0], owner)
		if err != nil {
			return err
		}
		env.journal(func(a *logging.ActivityLog) error {
			return a.SessionStarted(id.String(), owner.String(), args[0])
		})

		fmt.Printf("Started session %s\n", id)
		fmt.Printf("  goal: %s\n", args[0])
		fmt.Printf("  base: position %d\n", env.repo.Head().Position)
		return nil
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Long: `List sessions, open ones by default. --state narrows to one state,
--all shows everything.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if sessionListState != "" && !session.State(sessionListState).Valid() {
			return fmt.Errorf("unknown session state: %s", sessionListState)
		}

		env, err := openRepoEnv()
		if err != nil {
			return err
		}
		defer env.close()

		metas, err := env.repo.ListSessions()
		if err != nil {
			return err
		}

		var shown []session.Meta
		for _, meta := range metas {
			switch {
			case sessionListAll:
				shown = append(shown, meta)
			case sessionListState != "":
				if meta.State == session.State(sessionListState) {
					shown = append(shown, meta)
				}
			default:
				if meta.State == session.StateOpen {
					shown = append(shown, meta)
				}
			}
		}
		if len(shown) == 0 {
			fmt.Println("No matching sessions")
			return nil
		}

		sort.Slice(shown, func(i, j int) bool {
			return shown[i].CreatedAt.Before(shown[j].CreatedAt)
		})

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATE\tBASE\tRECORDS\tPATHS\tAGE\tGOAL")
		for _, meta := range shown {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
				shortID(meta.ID.String()),
				meta.State,
				meta.BasePosition,
				meta.Records,
				len(meta.TouchedPaths),
				formatAge(meta.CreatedAt),
				truncate(meta.Goal, 48),
			)
		}
		return w.Flush()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openRepoEnv()
		if err != nil {
			return err
		}
		defer env.close()

		meta, err := resolveSession(env.repo, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Session:  %s\n", meta.ID)
		fmt.Printf("Goal:     %s\n", meta.Goal)
		fmt.Printf("Owner:    %s\n", meta.Owner)
		fmt.Printf("State:    %s\n", meta.State)
		fmt.Printf("Base:     position %d (tree %s)\n", meta.BasePosition, shortID(meta.BaseTree.String()))
		fmt.Printf("Created:  %s\n", meta.CreatedAt.Local().Format(time.RFC3339))
		fmt.Printf("Updated:  %s\n", meta.UpdatedAt.Local().Format(time.RFC3339))
		fmt.Printf("Records:  %d\n", meta.Records)

		if len(meta.TouchedPaths) > 0 {
			fmt.Printf("Touched paths (%d):\n", len(meta.TouchedPaths))
			for _, p := range meta.TouchedPaths {
				fmt.Printf("  %s\n", p)
			}
		}
		for _, c := range meta.Conflicts {
			fmt.Printf("Conflict with session %s:\n", shortID(c.OtherSession.String()))
			for _, p := range c.Paths {
				fmt.Printf("  %s\n", p)
			}
		}
		return nil
	},
}

var sessionAbandonCmd = &cobra.Command{
	Use:   "abandon <session-id>",
	Short: "Discard a session without landing it",
	Long: `Discard a session without landing it. The log is kept for the record;
the session just never reaches main.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openRepoEnv()
		if err != nil {
			return err
		}
		defer env.close()

		meta, err := resolveSession(env.repo, args[0])
		if err != nil {
			return err
		}
		if err := env.repo.Abandon(meta.ID, abandonReason); err != nil {
			return err
		}
		env.journal(func(a *logging.ActivityLog) error {
			return a.SessionAbandoned(meta.ID.String(), abandonReason)
		})

		fmt.Printf("Abandoned session %s\n", shortID(meta.ID.String()))
		return nil
	},
}

var sessionReopenCmd = &cobra.Command{
	Use:   "reopen <session-id>",
	Short: "Rebase a conflicted session onto the current head",
	Long: `Rebase a conflicted session onto the current head and open it for
another landing attempt. Only conflicted sessions can be reopened.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openRepoEnv()
		if err != nil {
			return err
		}
		defer env.close()

		meta, err := resolveSession(env.repo, args[0])
		if err != nil {
			return err
		}
		if err := env.repo.ReopenSession(meta.ID, reopenReason); err != nil {
			return err
		}
		head := env.repo.Head()
		env.journal(func(a *logging.ActivityLog) error {
			return a.SessionReopened(meta.ID.String(), head.Position)
		})

		fmt.Printf("Reopened session %s at position %d\n", shortID(meta.ID.String()), head.Position)
		return nil
	},
}

// formatAge renders how long ago t was, coarsely.
func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max-3]) + "..."
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionAbandonCmd)
	sessionCmd.AddCommand(sessionReopenCmd)

	sessionListCmd.Flags().StringVar(&sessionListState, "state", "", "Only sessions in this state (open, landed, abandoned, conflicted)")
	sessionListCmd.Flags().BoolVar(&sessionListAll, "all", false, "Show sessions in every state")
	sessionAbandonCmd.Flags().StringVar(&abandonReason, "reason", "", "Reason recorded in the session log")
	sessionReopenCmd.Flags().StringVar(&reopenReason, "reason", "", "Reason recorded in the session log")
}
