// dmart replicates resolved entities out of an entity resolution
// engine into a SQL data mart and serves report queries over it.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/entitygraph/datamart/internal/config"
	"github.com/entitygraph/datamart/internal/storage"
	"github.com/entitygraph/datamart/internal/storage/factory"
	"github.com/entitygraph/datamart/internal/telemetry"
)

// Version and Build are stamped by the release pipeline via -ldflags.
var (
	Version = "dev"
	Build   = "unknown"
)

var (
	configFile string
	settings   *config.Settings
)

var rootCmd = &cobra.Command{
	Use:           "dmart",
	Short:         "dmart - entity resolution data mart replicator",
	Long:          `Keeps a SQL data mart in sync with an entity resolution engine and answers report queries against it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if configFile != "" {
			settings, err = config.LoadFile(configFile)
		} else {
			settings, err = config.Load("")
		}
		if err != nil {
			return err
		}
		if err := telemetry.Init(cmd.Context(), "dmart", Version); err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		telemetry.Shutdown(context.Background())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dmart version %s (%s)\n", Version, Build)
	},
}

// openStore opens the configured backend and wraps it with telemetry
// when enabled. Callers own the returned Close.
func openStore(ctx context.Context) (storage.Storage, error) {
	store, err := factory.Open(ctx, settings.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return telemetry.WrapStorage(store), nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: ./dmart.yaml)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
