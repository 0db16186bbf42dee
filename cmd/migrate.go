package cmd

import (
	"fmt"

	"github.com/jmehdipour/event-outbox/cmd/worker"
	"github.com/jmehdipour/event-outbox/internal/config"
	"github.com/jmehdipour/event-outbox/internal/db"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [up|down|status|reset|version] [args...]",
	Short: "Run database migrations",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		sqlDB, err := worker.OpenDatabase(cfg.Database)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer sqlDB.Close()

		command := "up"
		if len(args) > 0 {
			command, args = args[0], args[1:]
		}
		if err := db.Migrate(cmd.Context(), sqlDB, cfg.Database.Driver, command, args...); err != nil {
			return err
		}

		fmt.Printf(">> migrate %s complete\n", command)
		return nil
	},
}
