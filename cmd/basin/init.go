package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"basin/internal/config"
	"basin/internal/logging"
	"basin/internal/repo"
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create a new repository",
	Long: `Create a new repository: the session, object, history, and index
directories plus the position-zero head over the empty tree.

Without an argument the repository goes to the configured storage root.
A default config file is written on first use so the location is stable
across commands.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := flagConfig
		if path == "" {
			path = config.ConfigPath()
		}
		cfg, created, err := config.LoadOrCreate(path)
		if err != nil {
			return err
		}
		configuredRoot := cfg.Storage.Root
		if flagRepo != "" {
			cfg.Storage.Root = flagRepo
		}
		if len(args) == 1 {
			cfg.Storage.Root = args[0]
		}

		if err := repo.Init(cfg.Storage.Root); err != nil {
			return err
		}

		// Point the config at the new repository so later commands find
		// it without --repo.
		if cfg.Storage.Root != configuredRoot {
			if err := config.SaveConfig(cfg, path); err != nil {
				return fmt.Errorf("update config: %w", err)
			}
		}

		env, envErr := openEnv()
		if envErr == nil {
			env.journal(func(a *logging.ActivityLog) error {
				return a.RepoInit(cfg.Storage.Root)
			})
			env.close()
		}

		if created {
			fmt.Printf("Wrote default config to %s\n", path)
		}
		fmt.Printf("Initialized empty basin repository in %s\n", cfg.Storage.Root)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
