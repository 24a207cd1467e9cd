package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deadLetterLimit int

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the pending-event queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Queue depth, leases and dead letters",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.QueueStats(cmd.Context())
		if err != nil {
			return err
		}
		pending, err := store.PendingReportUpdates(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(map[string]any{
				"depth":           stats.Depth,
				"leased":          stats.Leased,
				"expired_leases":  stats.Expired,
				"dead_lettered":   stats.DeadLettered,
				"pending_updates": pending,
			})
		}
		fmt.Printf("depth:           %d\n", stats.Depth)
		fmt.Printf("leased:          %d\n", stats.Leased)
		fmt.Printf("expired leases:  %d\n", stats.Expired)
		fmt.Printf("dead lettered:   %d\n", stats.DeadLettered)
		fmt.Printf("pending updates: %d\n", pending)
		return nil
	},
}

var queueDeadLetterCmd = &cobra.Command{
	Use:   "dead-letter",
	Short: "List dead-lettered events",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		events, err := store.DeadLetters(cmd.Context(), deadLetterLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(events)
		}
		if len(events) == 0 {
			fmt.Println("no dead-lettered events")
			return nil
		}
		for _, ev := range events {
			fmt.Printf("#%d  %s  %s\n    %s\n",
				ev.ID, ev.FailedAt.Format("2006-01-02 15:04:05"), ev.Cause, ev.Payload)
		}
		return nil
	},
}

func init() {
	queueDeadLetterCmd.Flags().IntVar(&deadLetterLimit, "limit", 50, "Maximum events to list")
	queueCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	queueCmd.AddCommand(queueStatsCmd, queueDeadLetterCmd)
	rootCmd.AddCommand(queueCmd)
}
