package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/toolrelay/internal/state"
)

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd)
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect stored run records",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List run records, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		runs := state.NewRunStore(cfg.RunsDir())

		ids, err := runs.List(context.Background())
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		if len(ids) == 0 {
			fmt.Println("No runs found.")
			return nil
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a run record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		runs := state.NewRunStore(cfg.RunsDir())

		data, ok, err := runs.Read(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("read run: %w", err)
		}
		if !ok {
			return fmt.Errorf("run %q not found", args[0])
		}

		var out bytes.Buffer
		if err := json.Indent(&out, data, "", "  "); err != nil {
			os.Stdout.Write(data)
			fmt.Println()
			return nil
		}
		out.WriteByte('\n')
		_, err = out.WriteTo(os.Stdout)
		return err
	},
}
