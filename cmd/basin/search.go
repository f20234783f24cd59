package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search over session narratives",
	Long: `Full-text search over the narrative records of every session: intents,
decisions, and conversation entries. File content is not indexed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")

		env, err := openRepoEnv()
		if err != nil {
			return err
		}
		defer env.close()

		limit := searchLimit
		if limit <= 0 {
			limit = env.cfg.Search.DefaultLimit
		}

		hits, err := env.repo.SearchText(cmd.Context(), query, limit)
		if err != nil {
			return err
		}
		if len(hits) == 0 {
			fmt.Println("No matches")
			return nil
		}

		for i, hit := range hits {
			fmt.Printf("%d. [%s] session %s seq %d (score %.2f)\n",
				i+1, hit.Type, shortID(hit.SessionID.String()), hit.Seq, hit.Score)
			fmt.Printf("   %s\n", truncate(strings.ReplaceAll(hit.Text, "\n", " "), 120))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0, "Maximum results (default from config)")
}
