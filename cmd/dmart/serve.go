package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/entitygraph/datamart/internal/consumer"
	"github.com/entitygraph/datamart/internal/engine"
	"github.com/entitygraph/datamart/internal/replicator"
)

var (
	serveDB      string
	serveEngine  string
	serveWorkers int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the replication pipeline",
	Long: `Consumes engine events, refreshes affected entities into the mart,
and folds report updates into the aggregate counters. Runs until
interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveDB != "" {
			settings.DatabaseURL = serveDB
		}
		if serveEngine != "" {
			settings.EngineURL = serveEngine
		}
		if serveWorkers > 0 {
			settings.Replicator.Workers = serveWorkers
		}
		if err := settings.Validate(); err != nil {
			return err
		}
		if settings.EngineURL == "" {
			return errors.New("engine_url is required to serve (set it in dmart.yaml or DMART_ENGINE_URL)")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		eng := engine.NewHTTPClient(settings.EngineURL, nil)
		if err := eng.Ping(ctx); err != nil {
			return fmt.Errorf("engine %s unreachable: %w", settings.EngineURL, err)
		}

		r := settings.Replicator
		rep, err := replicator.New(store, eng, replicator.Config{
			Workers:         r.Workers,
			BatchSize:       r.BatchSize,
			LeaseDuration:   r.LeaseDuration,
			PollInterval:    r.PollInterval,
			PoisonThreshold: r.PoisonThreshold,
			FoldInterval:    r.FoldInterval,
			FoldBatch:       r.FoldBatch,
			SweepInterval:   r.SweepInterval,
		})
		if err != nil {
			return err
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return rep.Run(ctx) })

		if settings.Kafka.Enabled() {
			kafka, err := consumer.NewKafka(consumer.KafkaConfig{
				Brokers:  settings.Kafka.Brokers,
				GroupID:  settings.Kafka.GroupID,
				Topics:   settings.Kafka.Topics,
				ClientID: settings.Kafka.ClientID,
				Version:  settings.Kafka.Version,
			}, rep)
			if err != nil {
				return err
			}
			defer kafka.Close()
			g.Go(func() error { return kafka.Run(ctx) })
			log.Printf("dmart: consuming %v from %v as group %s",
				settings.Kafka.Topics, settings.Kafka.Brokers, settings.Kafka.GroupID)
		} else {
			log.Printf("dmart: no kafka brokers configured, processing queued events only")
		}

		log.Printf("dmart: serving with %d workers against %s", r.Workers, settings.DatabaseURL)
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		log.Printf("dmart: shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveDB, "db", "", "Database URL (overrides config)")
	serveCmd.Flags().StringVar(&serveEngine, "engine", "", "Engine base URL (overrides config)")
	serveCmd.Flags().IntVar(&serveWorkers, "workers", 0, "Refresh worker count (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
