package cmd

import (
	"fmt"
	"os"

	"github.com/recapd/recapd/internal/export"
	"github.com/spf13/cobra"
)

var (
	exportFormat string
	exportOutput string
	exportTitle  string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a conversation window to a file",
	Long: `Synchronize a conversation window and write it out as plain text,
standalone HTML, or a zip archive with extracted attachments and a
manifest.

Examples:
  recapd export --source webex --conversation ROOM_ID --start 2026-08-01 -o history.txt
  recapd export --source imap --conversation INBOX --start 2026-08-01 --format zip -o inbox.zip`,
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := runSync(cmd)
		if err != nil {
			return err
		}

		out := os.Stdout
		if exportOutput != "" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return fmt.Errorf("create output file: %w", err)
			}
			defer f.Close()
			out = f
		}

		title := exportTitle
		if title == "" {
			title = syncConversation
		}

		switch exportFormat {
		case "txt":
			err = export.Text(out, title, res.Messages)
		case "html":
			err = export.HTML(out, title, res.Messages)
		case "zip":
			if exportOutput == "" {
				return fmt.Errorf("zip export requires -o/--output")
			}
			err = export.Archive(out, title, res.Messages)
		default:
			return fmt.Errorf("unknown format %q (want txt, html or zip)", exportFormat)
		}
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}

		if exportOutput != "" {
			fmt.Printf("exported %d messages to %s\n", len(res.Messages), exportOutput)
		}
		return nil
	},
}

func init() {
	addSyncFlags(exportCmd)
	exportCmd.Flags().StringVar(&exportFormat, "format", "txt", "export format: txt, html or zip")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default stdout)")
	exportCmd.Flags().StringVar(&exportTitle, "title", "", "conversation title for the export header")
	rootCmd.AddCommand(exportCmd)
}
