package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/oakdb/oak/internal"
	"github.com/oakdb/oak/internal/schema"
	"github.com/shopmonkeyus/go-common/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set by main from the build.
var Version = "dev"

type fieldConfig struct {
	Type       string   `mapstructure:"type"`
	Length     int      `mapstructure:"length"`
	Precision  int      `mapstructure:"precision"`
	Scale      int      `mapstructure:"scale"`
	NotNull    bool     `mapstructure:"notnull"`
	Initial    any      `mapstructure:"initial"`
	Legacy     []string `mapstructure:"legacy"`
	Deprecated bool     `mapstructure:"deprecated"`
}

type foreignConfig struct {
	Table string `mapstructure:"table"`
	Field string `mapstructure:"field"`
}

type tableConfig struct {
	Primary []string                 `mapstructure:"primary"`
	AutoInc bool                     `mapstructure:"autoinc"`
	Unique  [][]string               `mapstructure:"unique"`
	Foreign map[string]foreignConfig `mapstructure:"foreign"`
	Fields  map[string]fieldConfig   `mapstructure:"fields"`
}

type appConfig struct {
	URL    string                 `mapstructure:"url"`
	Tables map[string]tableConfig `mapstructure:"tables"`
}

func mustFlagString(cmd *cobra.Command, name string, required bool) string {
	val, err := cmd.Flags().GetString(name)
	if err != nil {
		fmt.Printf("error: %s\n", err)
		os.Exit(1)
	}
	if required && val == "" {
		fmt.Printf("error: required flag --%s missing\n", name)
		os.Exit(1)
	}
	return val
}

func loadConfig(cmd *cobra.Command) *appConfig {
	path := mustFlagString(cmd, "config", false)
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("oak")
		viper.AddConfigPath(".")
	}
	if err := viper.ReadInConfig(); err != nil {
		fmt.Printf("error: unable to read config: %s\n", err)
		os.Exit(1)
	}
	var config appConfig
	if err := viper.Unmarshal(&config); err != nil {
		fmt.Printf("error: unable to parse config: %s\n", err)
		os.Exit(1)
	}
	if url := mustFlagString(cmd, "url", false); url != "" {
		config.URL = url
	}
	if config.URL == "" {
		fmt.Println("error: no driver url configured")
		os.Exit(1)
	}
	return &config
}

// openDatabase connects the configured driver and declares every table
// from the config in stable order.
func openDatabase(ctx context.Context, cmd *cobra.Command, log logger.Logger) *internal.Database {
	config := loadConfig(cmd)
	db, err := internal.New(ctx, log, config.URL)
	if err != nil {
		fmt.Printf("error: unable to connect: %s\n", err)
		os.Exit(1)
	}
	names := make([]string, 0, len(config.Tables))
	for name := range config.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		table := config.Tables[name]
		fields := make(map[string]*schema.Field, len(table.Fields))
		for fname, fc := range table.Fields {
			fields[fname] = &schema.Field{
				Type:       schema.FieldType(fc.Type),
				Length:     fc.Length,
				Precision:  fc.Precision,
				Scale:      fc.Scale,
				NotNull:    fc.NotNull,
				Initial:    fc.Initial,
				Legacy:     fc.Legacy,
				Deprecated: fc.Deprecated,
			}
		}
		foreign := make(map[string]schema.Reference, len(table.Foreign))
		for fname, ref := range table.Foreign {
			foreign[fname] = schema.Reference{Table: ref.Table, Field: ref.Field}
		}
		opts := schema.Options{
			Primary: table.Primary,
			AutoInc: table.AutoInc,
			Unique:  table.Unique,
			Foreign: foreign,
		}
		if err := db.Extend(ctx, name, fields, opts); err != nil {
			db.Close()
			fmt.Printf("error: unable to prepare table %s: %s\n", name, err)
			os.Exit(1)
		}
		log.Debug("prepared table %s", name)
	}
	return db
}

var rootCmd = &cobra.Command{
	Use:   "oak",
	Short: "Schema-synchronized data access over embedded and server SQL backends",
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to the config file")
	rootCmd.PersistentFlags().String("url", "", "driver url, overriding the config file")
}
