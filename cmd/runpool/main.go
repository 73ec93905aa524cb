// Command runpool runs coding agents for many (task, model) pairs in parallel
// under an admission cap, and serves live previews of what they build.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:          "runpool",
		Short:        "Parallel coding-agent run pool",
		SilenceUsage: true,
		RunE:         runServe,
		Long: `runpool admits (task, model) runs up to a parallelism cap, supervises the
agent processes, streams their output into structured log events and serves
previews of the resulting artifacts.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "directory holding config.yaml")
}

func main() {
	// a missing .env is fine
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
