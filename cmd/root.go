package cmd

import (
	"fmt"
	"os"

	"github.com/jmehdipour/event-outbox/cmd/worker"
	"github.com/spf13/cobra"
)

var (
	cfgPath string
	rootCmd = &cobra.Command{
		Use:   "event-outbox",
		Short: "Event log with a transactional outbox",
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config file (merged over the built-in defaults)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(worker.NewWorkerCmd())
}
