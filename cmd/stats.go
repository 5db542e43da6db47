package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/shopmonkeyus/go-common/logger"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database and per-table size information",
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.NewConsoleLogger()
		ctx := context.Background()
		db := openDatabase(ctx, cmd, log)
		defer db.Close()
		stats, err := db.Stats(ctx)
		if err != nil {
			fmt.Printf("error: %s\n", err)
			os.Exit(1)
		}
		bold := color.New(color.Bold)
		bold.Printf("database size: %d bytes\n\n", stats.Size)
		names := make([]string, 0, len(stats.Tables))
		for name := range stats.Tables {
			names = append(names, name)
		}
		sort.Strings(names)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TABLE\tROWS\tSIZE")
		for _, name := range names {
			table := stats.Tables[name]
			fmt.Fprintf(w, "%s\t%d\t%d\n", name, table.Count, table.Size)
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
