package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"basin/internal/logging"
	"basin/internal/verify"
)

var (
	verifyLevel  string
	verifyFormat string
	verifyOutput string
	verifySample int
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Audit the repository for corruption",
	Long: `Audit the repository: layout, head consistency, the land-event hash
chain, session logs against their metadata, object content hashes, and
head-tree reachability.

Levels trade depth for time: quick checks layout and the chain,
standard adds session logs and a sampled object audit, full re-hashes
every object and walks every landed tree.

Exits non-zero when any check fails. Warnings (rebuildable or
self-healing findings) do not fail the audit.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := verify.ParseLevel(verifyLevel)
		if err != nil {
			return err
		}

		env, err := openRepoEnv()
		if err != nil {
			return err
		}
		defer env.close()

		opts := []verify.Option{verify.WithLevel(level)}
		if verifySample > 0 {
			opts = append(opts, verify.WithSampleSize(verifySample))
		}
		report, err := env.repo.Verify(cmd.Context(), opts...)
		if err != nil {
			env.journal(func(a *logging.ActivityLog) error {
				return a.Failure(logging.ActivityVerify, "", err)
			})
			return err
		}

		env.journal(func(a *logging.ActivityLog) error {
			result := "ok"
			if !report.Valid {
				result = "corrupt"
			}
			return a.Record(logging.ActivityEvent{
				Type:   logging.ActivityVerify,
				Result: result,
				Details: map[string]any{
					"level":  report.Level.String(),
					"passed": report.Passed,
					"failed": report.Failed,
				},
			})
		})

		out := os.Stdout
		if verifyOutput != "" {
			f, err := os.Create(verifyOutput)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}

		gen := verify.NewReportGenerator(verify.ReportFormat(verifyFormat)).WithVerbose(flagVerbose)
		if err := gen.Generate(report, out); err != nil {
			return err
		}

		if !report.Valid {
			return fmt.Errorf("verification failed: %d of %d checks", report.Failed,
				report.Passed+report.Failed+report.Warnings)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().StringVar(&verifyLevel, "level", "standard", "Verification depth: quick, standard, full")
	verifyCmd.Flags().StringVar(&verifyFormat, "format", "text", "Report format: text, json, markdown, html")
	verifyCmd.Flags().StringVarP(&verifyOutput, "output", "o", "", "Write the report to a file instead of stdout")
	verifyCmd.Flags().IntVar(&verifySample, "sample", 0, "Objects to re-hash below full level (default 256)")
}
