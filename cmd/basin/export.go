package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"basin/internal/export"
	"basin/internal/logging"
)

var (
	exportFormat string
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a session transcript",
	Long: `Export a session transcript: its metadata and every record of its log,
decoded. Formats: ` + formatList() + `.

Output goes to stdout unless --out names a file.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		exporter, err := export.NewExporter(exportFormat)
		if err != nil {
			return err
		}

		env, err := openRepoEnv()
		if err != nil {
			return err
		}
		defer env.close()

		meta, err := resolveSession(env.repo, args[0])
		if err != nil {
			return err
		}
		records, err := env.repo.SessionRecords(meta.ID)
		if err != nil {
			return err
		}
		transcript := export.BuildTranscript(meta, records)

		out := os.Stdout
		if exportOut != "" {
			if err := os.MkdirAll(filepath.Dir(exportOut), 0750); err != nil {
				return err
			}
			f, err := os.Create(exportOut)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}

		if err := exporter.Export(transcript, out); err != nil {
			env.journal(func(a *logging.ActivityLog) error {
				return a.Failure(logging.ActivityExport, meta.ID.String(), err)
			})
			return err
		}

		env.journal(func(a *logging.ActivityLog) error {
			return a.Record(logging.ActivityEvent{
				Type:      logging.ActivityExport,
				SessionID: meta.ID.String(),
				Details:   map[string]any{"format": exportFormat, "records": len(records)},
			})
		})

		if exportOut != "" {
			fmt.Printf("Exported %d records to %s\n", len(records), exportOut)
		}
		return nil
	},
}

func formatList() string {
	list := ""
	for i, f := range export.Formats() {
		if i > 0 {
			list += ", "
		}
		list += f
	}
	return list
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "json", "Transcript format")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Write to a file instead of stdout")
}
