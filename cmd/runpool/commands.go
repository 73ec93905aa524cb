package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/preview"
)

var (
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the service (the default command)",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Mark runs left running by a dead process as stopped, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			n, err := a.recover(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d orphaned run(s) stopped\n", n)
			return nil
		},
	}

	classifyCmd = &cobra.Command{
		Use:   "classify <dir>",
		Short: "Report how a run directory would be previewed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(preview.Classify(args[0]))
		},
	}
)

func init() {
	rootCmd.AddCommand(serveCmd, sweepCmd, classifyCmd)
}
