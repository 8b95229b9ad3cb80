package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	chatsSource  string
	chatsAccount string
)

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List conversations visible to a backend account",
	Long: `List the conversations a backend exposes: Webex rooms, Reddit posts in
a subreddit, or IMAP mailboxes.

Examples:
  recapd chats --source webex
  recapd chats --source reddit --account golang
  recapd chats --source imap`,
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := buildRegistry(cfg).Get(chatsSource)
		if err != nil {
			return err
		}

		convs, err := src.ListConversations(cmd.Context(), chatsAccount)
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tTITLE")
		for _, c := range convs {
			fmt.Fprintf(w, "%s\t%s\t%s\n", c.ID, c.Kind, c.Title)
		}
		return w.Flush()
	},
}

func init() {
	chatsCmd.Flags().StringVar(&chatsSource, "source", "", "backend to list from (webex, reddit, imap)")
	chatsCmd.Flags().StringVar(&chatsAccount, "account", "default", "account identifier for the backend")
	_ = chatsCmd.MarkFlagRequired("source")
	rootCmd.AddCommand(chatsCmd)
}
