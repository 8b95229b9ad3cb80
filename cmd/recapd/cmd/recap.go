package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var recapTitle string

var recapCmd = &cobra.Command{
	Use:   "recap",
	Short: "Summarize a conversation window with an LLM",
	Long: `Synchronize a conversation window and stream a recap of it to stdout.

Requires an OpenAI-compatible API key in the environment variable named
by [recap] api_key_env (default OPENAI_API_KEY).

Examples:
  recapd recap --source webex --conversation ROOM_ID --start 2026-08-25
  recapd recap --source imap --conversation INBOX --start 2026-08-01 --end 2026-08-31`,
	RunE: func(cmd *cobra.Command, args []string) error {
		summarizer := buildSummarizer(cfg)
		if summarizer == nil {
			return fmt.Errorf("no recap API key found in $%s", cfg.Recap.APIKeyEnv)
		}

		res, err := runSync(cmd)
		if err != nil {
			return err
		}
		if res.Partial() {
			fmt.Fprintf(os.Stderr, "warning: %d of %d days failed to fetch, recap covers partial history\n",
				res.FailedDays, res.Days)
		}

		title := recapTitle
		if title == "" {
			title = syncConversation
		}

		err = summarizer.RecapStream(cmd.Context(), title, res.Messages, func(delta string) error {
			_, err := fmt.Print(delta)
			return err
		})
		if err != nil {
			return err
		}
		fmt.Println()
		return nil
	},
}

func init() {
	addSyncFlags(recapCmd)
	recapCmd.Flags().StringVar(&recapTitle, "title", "", "conversation title for the recap prompt")
	rootCmd.AddCommand(recapCmd)
}
