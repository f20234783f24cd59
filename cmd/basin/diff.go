package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"basin/internal/hashing"
	"basin/internal/repo"
	"basin/internal/tree"
)

var diffCmd = &cobra.Command{
	Use:   "diff <from> [to]",
	Short: "Compare two points of the history",
	Long: `Compare two points of the history path by path. Each point is a
history position (a number, 0 for the empty start) or a full tree
hash. The second point defaults to the current head.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openRepoEnv()
		if err != nil {
			return err
		}
		defer env.close()

		from, err := resolveTreeRef(env.repo, args[0])
		if err != nil {
			return err
		}
		to := env.repo.Head().TreeHash
		if len(args) == 2 {
			to, err = resolveTreeRef(env.repo, args[1])
			if err != nil {
				return err
			}
		}

		entries, err := env.repo.Diff(from, to)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No differences")
			return nil
		}

		for _, entry := range entries {
			switch entry.Kind {
			case tree.DiffAdded:
				fmt.Printf("A  %s  %s\n", shortID(entry.NewHash.String()), entry.Path)
			case tree.DiffDeleted:
				fmt.Printf("D  %s  %s\n", shortID(entry.OldHash.String()), entry.Path)
			case tree.DiffModified:
				fmt.Printf("M  %s -> %s  %s\n",
					shortID(entry.OldHash.String()), shortID(entry.NewHash.String()), entry.Path)
			}
		}
		fmt.Printf("%d paths differ\n", len(entries))
		return nil
	},
}

// resolveTreeRef turns a position number or tree hash into a tree hash.
func resolveTreeRef(r *repo.Repo, ref string) (hashing.Hash, error) {
	if position, err := strconv.ParseUint(ref, 10, 64); err == nil {
		if position == 0 {
			return tree.New().Hash(), nil
		}
		event, err := r.EventAt(position)
		if err != nil {
			return hashing.Hash{}, err
		}
		return event.TreeHash, nil
	}

	h, err := hashing.Parse(ref)
	if err != nil {
		return hashing.Hash{}, fmt.Errorf("%q is neither a position nor a tree hash: %w", ref, err)
	}
	return h, nil
}

func init() {
	rootCmd.AddCommand(diffCmd)
}
