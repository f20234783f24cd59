package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"basin/internal/hashing"
)

var catTree bool

var catCmd = &cobra.Command{
	Use:   "cat <hash>",
	Short: "Write a stored object to stdout",
	Long: `Write a stored blob to stdout, verified against its hash on the way
out. With --tree the hash names a tree and its entries are listed
instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := hashing.Parse(args[0])
		if err != nil {
			return err
		}

		env, err := openRepoEnv()
		if err != nil {
			return err
		}
		defer env.close()

		if catTree {
			t, err := env.repo.Store().GetTree(h)
			if err != nil {
				return err
			}
			for _, entry := range t.Entries() {
				fmt.Printf("%s  %s\n", entry.Hash, entry.Path)
			}
			return nil
		}

		data, err := env.repo.GetBlob(h)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

func init() {
	rootCmd.AddCommand(catCmd)
	catCmd.Flags().BoolVar(&catTree, "tree", false, "Treat the hash as a tree and list its entries")
}
