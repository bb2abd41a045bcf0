package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/HakAl/llmtap/internal/analytics"
	"github.com/HakAl/llmtap/internal/config"
	"github.com/HakAl/llmtap/internal/pricing"
	"github.com/HakAl/llmtap/internal/store"
)

// coster estimates the USD cost of a provider/model's token usage.
type coster interface {
	Cost(provider, model string, input, output int) (float64, bool)
}

func runStats(ctx context.Context, cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	window := fs.Duration("since", 7*24*time.Hour, "Time window")
	withCost := fs.Bool("cost", false, "Estimate cost from LiteLLM model prices")
	daily := fs.Bool("daily", false, "Add a per-day breakdown")
	drops := fs.Int("drops", 5, "Show this many recent queue drops (0 to hide)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var prices coster
	if *withCost {
		dir, _ := config.ConfigDir()
		src := pricing.NewSource(pricing.Config{CacheDir: dir})
		if err := src.Load(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "Warning: cost estimates unavailable:", err)
		} else {
			prices = src
		}
	}

	s, err := store.NewSQLiteStore(cfg.Store.DBPath, cfg.Retention)
	if err != nil {
		return fail(os.Stderr, storeError(cfg.Store.DBPath, err))
	}
	defer s.Close()

	end := time.Now()
	start := end.Add(-*window)
	engine := analytics.NewEngine(s.DB())
	if err := writeStats(ctx, os.Stdout, engine, start, end, prices); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	if *daily {
		if err := writeDaily(ctx, os.Stdout, engine, start, end); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			return 1
		}
	}
	if *drops > 0 {
		entries, err := s.ListDrops(ctx, *drops)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			return 1
		}
		writeDrops(os.Stdout, entries)
	}
	return 0
}

func writeDaily(ctx context.Context, w io.Writer, engine *analytics.Engine, start, end time.Time) error {
	byDay, err := engine.GetUsageByDay(ctx, start, end)
	if err != nil {
		return fmt.Errorf("usage by day: %w", err)
	}
	if len(byDay) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DAY\tCALLS\tERRORS\tTOKENS IN\tTOKENS OUT")
	for _, b := range byDay {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", b.Key, b.Count, b.ErrorCount, b.TotalTokensIn, b.TotalTokensOut)
	}
	return tw.Flush()
}

// writeDrops lists records the emitter queue discarded under pressure.
func writeDrops(w io.Writer, entries []*store.DropLogEntry) {
	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(w, "\nRecent drops (%d):\n", len(entries))
	for _, e := range entries {
		id, provider := "-", "-"
		if e.InteractionID != nil {
			id = shortID(*e.InteractionID)
		}
		if e.Provider != nil {
			provider = *e.Provider
		}
		fmt.Fprintf(w, "  %s  %s  %-9s  %s  %s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"), id, provider, e.Priority, e.Reason)
	}
}

// writeStats prints the summary and the per-model table. prices may be nil.
func writeStats(ctx context.Context, w io.Writer, engine *analytics.Engine, start, end time.Time, prices coster) error {
	overall, err := engine.GetOverallStats(ctx, start, end)
	if err != nil {
		return fmt.Errorf("overall stats: %w", err)
	}
	byModel, err := engine.GetUsageByModel(ctx, start, end)
	if err != nil {
		return fmt.Errorf("usage by model: %w", err)
	}

	fmt.Fprintf(w, "Interactions:  %d (%d streaming)\n", overall.TotalInteractions, overall.StreamingCount)
	fmt.Fprintf(w, "Errors:        %d (%.1f%%)\n", overall.ErrorCount, overall.ErrorRate)
	fmt.Fprintf(w, "Tokens:        %d in / %d out (%.0f per call)\n", overall.TotalTokensIn, overall.TotalTokensOut, overall.AvgTokensPerCall)
	fmt.Fprintf(w, "Avg duration:  %.0fms\n", overall.AvgDurationMs)

	if len(byModel) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	header := "MODEL\tCALLS\tERRORS\tTOKENS IN\tTOKENS OUT"
	if prices != nil {
		header += "\tEST. COST"
	}
	fmt.Fprintln(tw, header)

	var total float64
	for _, b := range byModel {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d", b.Key, b.Count, b.ErrorCount, b.TotalTokensIn, b.TotalTokensOut)
		if prices != nil {
			provider, model, _ := strings.Cut(b.Key, "/")
			if cost, ok := prices.Cost(provider, model, b.TotalTokensIn, b.TotalTokensOut); ok {
				total += cost
				fmt.Fprintf(tw, "\t$%.4f", cost)
			} else {
				fmt.Fprint(tw, "\t?")
			}
		}
		fmt.Fprintln(tw)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if prices != nil {
		fmt.Fprintf(w, "\nEstimated cost: $%.4f\n", total)
	}
	return nil
}
