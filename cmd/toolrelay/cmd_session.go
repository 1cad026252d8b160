package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/xhit/go-str2duration/v2"

	"github.com/user/toolrelay/pkg/relay"
)

var sessionsURL string

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.Flags().StringVar(&sessionsURL, "url", "", "relay base URL (default derived from config)")
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List live sessions on the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL := sessionsURL
		if baseURL == "" {
			baseURL = loadConfig().WorkerRelayURL()
		}

		client := relay.NewClient(baseURL, "")
		client.Retry = relay.NoRetry()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		list, err := client.Sessions(ctx)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}

		if list.Total == 0 {
			fmt.Println("No active sessions.")
			return nil
		}

		bold := color.New(color.Bold).SprintFunc()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, bold("SESSION")+"\t"+bold("AGE"))
		for _, s := range list.Sessions {
			age := time.Duration(s.Age) * time.Millisecond
			fmt.Fprintf(w, "%s\t%s\n", s.SessionID, str2duration.String(age.Truncate(time.Second)))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("%d active\n", list.Total)
		return nil
	},
}
