package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/entitygraph/datamart/internal/reports"
)

var (
	pageBound      string
	pageBoundType  string
	pageSize       int
	pageSampleSize int
	pageRelations  bool
	reportScope    string
	reportSources  []string
	jsonOutput     bool
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Query report statistics",
}

var reportGetCmd = &cobra.Command{
	Use:   "get <report-key>",
	Short: "Print one aggregate counter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		counter, err := reports.NewService(store).GetStatistic(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(map[string]any{
				"key":            counter.Key.String(),
				"entity_count":   counter.EntityCount,
				"record_count":   counter.RecordCount,
				"relation_count": counter.RelationCount,
			})
		}
		fmt.Printf("%s\n  entities:  %d\n  records:   %d\n  relations: %d\n",
			counter.Key, counter.EntityCount, counter.RecordCount, counter.RelationCount)
		return nil
	},
}

var reportPageCmd = &cobra.Command{
	Use:   "page <report-key>",
	Short: "Enumerate the entities behind a statistic",
	Long: `Pages through the entity (or relation) population that contributes
to a report statistic. Bounds take an entity id, "max", or for
relationship statistics an "<id>:<id>" pair.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		svc := reports.NewService(store)
		req := reports.PageRequest{
			Bound:      pageBound,
			BoundType:  pageBoundType,
			PageSize:   pageSize,
			SampleSize: pageSampleSize,
		}
		relations := pageRelations || strings.Contains(pageBound, ":")
		var page *reports.Page
		if relations {
			page, err = svc.GetRelationPage(cmd.Context(), args[0], req)
		} else {
			page, err = svc.GetEntityPage(cmd.Context(), args[0], req)
		}
		if err != nil {
			return err
		}

		if jsonOutput {
			return outputJSON(page)
		}
		fmt.Printf("total %d, before %d, after %d\n",
			page.TotalCount, page.BeforePageCount, page.AfterPageCount)
		for _, item := range page.Items {
			if relations {
				fmt.Printf("%d:%d\n", item.EntityID, item.RelatedID)
			} else {
				fmt.Printf("%d\n", item.EntityID)
			}
		}
		return nil
	},
}

var reportSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Per-data-source entity, record and unmatched counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		scope, err := reports.ParseScope(reportScope)
		if err != nil {
			return err
		}
		summaries, err := reports.NewService(store).ListSourceSummaries(cmd.Context(), scope, reportSources)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(summaries)
		}
		fmt.Printf("%-20s %10s %10s %10s\n", "DATA SOURCE", "ENTITIES", "RECORDS", "UNMATCHED")
		for _, s := range summaries {
			fmt.Printf("%-20s %10d %10d %10d\n", s.DataSource, s.EntityCount, s.RecordCount, s.UnmatchedCount)
		}
		return nil
	},
}

var reportBreakdownCmd = &cobra.Command{
	Use:   "breakdown {size|relations}",
	Short: "Entity histograms by record or relation count",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		svc := reports.NewService(store)
		var buckets []reports.Bucket
		switch args[0] {
		case "size":
			buckets, err = svc.EntitySizeBreakdown(cmd.Context())
		case "relations":
			buckets, err = svc.EntityRelationBreakdown(cmd.Context())
		default:
			return fmt.Errorf("unknown breakdown %q (want size or relations)", args[0])
		}
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(buckets)
		}
		for _, b := range buckets {
			fmt.Printf("%6d  %d\n", b.Size, b.EntityCount)
		}
		return nil
	},
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	reportPageCmd.Flags().StringVar(&pageBound, "bound", "", "Page bound: entity id, \"max\", or \"<id>:<id>\" for relations")
	reportPageCmd.Flags().StringVar(&pageBoundType, "bound-type", "", "INCLUSIVE_LOWER (default), EXCLUSIVE_LOWER, INCLUSIVE_UPPER or EXCLUSIVE_UPPER")
	reportPageCmd.Flags().IntVar(&pageSize, "page-size", 0, "Window size (default 1000)")
	reportPageCmd.Flags().IntVar(&pageSampleSize, "sample-size", 0, "Random sample drawn from the window (0 disables sampling)")
	reportPageCmd.Flags().BoolVar(&pageRelations, "relations", false, "Page (entity, related) pairs instead of entity ids")
	reportSummaryCmd.Flags().StringVar(&reportScope, "scope", "", "LOADED (default), ALL_BUT_DEFAULT or ALL_WITH_DEFAULT")
	reportSummaryCmd.Flags().StringSliceVar(&reportSources, "source", nil, "Extra data sources to include (repeatable)")

	reportCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	reportCmd.AddCommand(reportGetCmd, reportPageCmd, reportSummaryCmd, reportBreakdownCmd)
	rootCmd.AddCommand(reportCmd)
}
