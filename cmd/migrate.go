package cmd

import (
	"context"

	"github.com/shopmonkeyus/go-common/logger"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Synchronize every declared table with the live schema",
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.NewConsoleLogger()
		ctx := context.Background()
		db := openDatabase(ctx, cmd, log)
		defer db.Close()
		log.Info("schema synchronized for %d tables", len(db.Registry().Names()))
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
