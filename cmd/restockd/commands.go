package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/common/version"
	"github.com/spf13/cobra"
	"k8s.io/component-base/metrics/legacyregistry"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/elevated-systems/restock-gardener/pkg/restock/config"
	"github.com/elevated-systems/restock-gardener/pkg/restock/health"
	"github.com/elevated-systems/restock-gardener/pkg/restock/ingest"
	"github.com/elevated-systems/restock-gardener/pkg/restock/scheduler"
	"github.com/elevated-systems/restock-gardener/pkg/restock/server"
	"github.com/elevated-systems/restock-gardener/pkg/restock/store"
	restocktesting "github.com/elevated-systems/restock-gardener/pkg/restock/testing"
	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

func newRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the batch scheduler and the operational API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p, err := newPipeline(ctx, cfg, clock.RealClock{})
			if err != nil {
				return err
			}
			defer p.Close()

			if cfg.Decision.ThresholdsPath != "" {
				if err := p.thresholds.Watch(ctx, cfg.Decision.ThresholdsPath); err != nil {
					return err
				}
			}
			if cfg.Observability.MetricsEnabled {
				legacyregistry.RawMustRegister(health.NewCollector(p.monitor))
			}

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.scheduler.Run(ctx)
			}()

			srv := server.New(cfg.Observability, p.monitor, p.store, p.scheduler)
			err = srv.Start(ctx)
			stop()
			wg.Wait()

			klog.InfoS("Restock daemon stopped")
			return err
		},
	}
}

func newOnceCommand(opts *options) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single batch cycle and print its summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p, err := newPipeline(ctx, cfg, clock.RealClock{})
			if err != nil {
				return err
			}
			defer p.Close()

			summary, err := p.scheduler.Tick(ctx)
			if summary != nil {
				if jsonOutput {
					if werr := writeJSON(cmd.OutOrStdout(), summary); werr != nil {
						return werr
					}
				} else {
					printSummary(cmd.OutOrStdout(), summary)
				}
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the cycle summary as JSON")
	return cmd
}

func newDecisionsCommand(opts *options) *cobra.Command {
	var (
		zone, item, cycle, since string
		jsonOutput               bool
	)

	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "List recorded restock decisions for a key or a cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cycle == "" && (zone == "" || item == "") {
				return fmt.Errorf("either --cycle or both --zone and --item are required")
			}

			cfg, err := opts.load()
			if err != nil {
				return err
			}
			st, err := store.NewSQLiteStore(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer st.Close()

			var decisions []types.RestockDecision
			if cycle != "" {
				decisions, err = st.DecisionsForCycle(cmd.Context(), cycle)
			} else {
				var from time.Time
				if since != "" {
					from, err = types.ParseDay(since)
					if err != nil {
						return fmt.Errorf("invalid --since: %v", err)
					}
				}
				decisions, err = st.DecisionsSince(cmd.Context(), types.Key{ZoneID: zone, ItemID: item}, from)
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), decisions)
			}
			printDecisions(cmd.OutOrStdout(), decisions)
			return nil
		},
	}

	cmd.Flags().StringVar(&zone, "zone", "", "Zone ID")
	cmd.Flags().StringVar(&item, "item", "", "Item ID")
	cmd.Flags().StringVar(&cycle, "cycle", "", "List every decision made in this cycle")
	cmd.Flags().StringVar(&since, "since", "", "Only decisions made on or after this day (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print decisions as JSON")
	return cmd
}

func newSimulateCommand(opts *options) *cobra.Command {
	var (
		zones, items string
		days         int
		seed         int64
		weekendLift  float64
		noise        float64
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Seed the SQLite sales source with synthetic daily sales ending yesterday",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 1 {
				return fmt.Errorf("--days must be positive")
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Source.Kind != config.SourceSQLite {
				return fmt.Errorf("simulate requires the sqlite source, got %q", cfg.Source.Kind)
			}

			var keys []types.Key
			for _, z := range splitList(zones) {
				for _, i := range splitList(items) {
					keys = append(keys, types.Key{ZoneID: z, ItemID: i})
				}
			}
			if len(keys) == 0 {
				return fmt.Errorf("at least one zone and one item are required")
			}

			sim := restocktesting.DefaultSimulation()
			sim.Seed = seed
			sim.WeekendLift = weekendLift
			sim.Noise = noise

			start := types.AddDays(types.Day(time.Now()), -days)
			records := restocktesting.SimulateSales(keys, start, days, sim)

			src, err := ingest.NewSQLiteSource(cfg.Source.SQLitePath)
			if err != nil {
				return err
			}
			defer src.Close()
			if err := src.Insert(cmd.Context(), records); err != nil {
				return err
			}

			klog.InfoS("Seeded sales source",
				"path", cfg.Source.SQLitePath,
				"keys", len(keys),
				"days", days,
				"records", len(records))
			return nil
		},
	}

	cmd.Flags().StringVar(&zones, "zones", "110001,110002", "Comma separated zone IDs")
	cmd.Flags().StringVar(&items, "items", "milk,bread,eggs", "Comma separated item IDs")
	cmd.Flags().IntVar(&days, "days", 60, "Days of history to generate")
	cmd.Flags().Int64Var(&seed, "seed", 1, "Random seed")
	cmd.Flags().Float64Var(&weekendLift, "weekend-lift", 1.5, "Demand multiplier on weekends")
	cmd.Flags().Float64Var(&noise, "noise", 2, "Maximum absolute daily noise in units")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Print("restockd"))
		},
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSummary(w io.Writer, s *scheduler.CycleSummary) {
	fmt.Fprintf(w, "cycle %s %s: %d keys, %d succeeded, %d failed\n",
		s.ID, s.State, s.KeysTotal, s.Succeeded, len(s.Failures))
	printDecisions(w, s.Decisions)
	for _, f := range s.Failures {
		fmt.Fprintf(w, "failed %s: %s: %s\n", f.Key, f.Reason, f.Error)
	}
}

func printDecisions(w io.Writer, decisions []types.RestockDecision) {
	if len(decisions) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ZONE\tITEM\tHORIZON\tSTOCK\tPREDICTED\tTHRESHOLD\tRESTOCK\tQUANTITY")
	for _, d := range decisions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.2f\t%.2f\t%t\t%.2f\n",
			d.Key.ZoneID, d.Key.ItemID, types.FormatDay(d.HorizonDate),
			d.CurrentStock, d.PredictedDemand, d.ThresholdUsed, d.Triggered, d.RecommendedQuantity)
	}
	tw.Flush()
}
