package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/shopmonkeyus/go-common/logger"
	"github.com/spf13/cobra"
)

var dropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Drop one table, or every declared table",
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		if !force {
			fmt.Println("error: drop requires --force")
			os.Exit(1)
		}
		table := mustFlagString(cmd, "table", false)
		log := logger.NewConsoleLogger()
		ctx := context.Background()
		db := openDatabase(ctx, cmd, log)
		defer db.Close()
		if err := db.Drop(ctx, table); err != nil {
			fmt.Printf("error: %s\n", err)
			os.Exit(1)
		}
		if table == "" {
			log.Info("dropped all tables")
		} else {
			log.Info("dropped table %s", table)
		}
	},
}

func init() {
	dropCmd.Flags().String("table", "", "table to drop (default: all)")
	dropCmd.Flags().Bool("force", false, "confirm the drop")
	rootCmd.AddCommand(dropCmd)
}
