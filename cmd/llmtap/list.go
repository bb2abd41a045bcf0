package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/HakAl/llmtap/internal/config"
	"github.com/HakAl/llmtap/internal/intercept"
	"github.com/HakAl/llmtap/internal/record"
	"github.com/HakAl/llmtap/internal/store"
)

func runList(ctx context.Context, cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	limit := fs.Int("n", 20, "Number of records")
	providerName := fs.String("provider", "", "Only this provider (openai, anthropic, gemini, custom)")
	model := fs.String("model", "", "Only this model")
	workflow := fs.String("workflow", "", "Only this workflow ID")
	errorsOnly := fs.Bool("errors", false, "Only failed calls")
	since := fs.Duration("since", 0, "Only records newer than this (e.g. 1h)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	filter := store.Filter{Limit: *limit}
	if *providerName != "" {
		p := record.Provider(*providerName)
		if !p.Valid() {
			fmt.Fprintf(os.Stderr, "Error: unknown provider %q\n", *providerName)
			return 2
		}
		filter.Provider = &p
	}
	if *model != "" {
		filter.Model = model
	}
	if *workflow != "" {
		filter.WorkflowID = workflow
	}
	if *errorsOnly {
		status := record.StatusError
		filter.Status = &status
	}
	if *since > 0 {
		start := time.Now().Add(-*since)
		filter.StartTime = &start
	}

	s, err := store.NewSQLiteStore(cfg.Store.DBPath, cfg.Retention)
	if err != nil {
		return fail(os.Stderr, storeError(cfg.Store.DBPath, err))
	}
	defer s.Close()

	recs, err := s.ListInteractions(ctx, filter)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	writeTable(os.Stdout, recs)
	return 0
}

func writeTable(w io.Writer, recs []*record.Interaction) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tID\tPROVIDER\tMODEL\tMETHOD\tSTATUS\tDURATION\tTOKENS")
	for _, rec := range recs {
		status := string(rec.Status)
		if rec.Status == record.StatusError && rec.ErrorMessage != "" {
			status += ": " + truncate(rec.ErrorMessage, 40)
		}
		method, _ := rec.Metadata[intercept.MetaMethod].(string)
		if streaming, _ := rec.Metadata[intercept.MetaStreaming].(bool); streaming {
			method += " (stream)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Timestamp.Local().Format("2006-01-02 15:04:05"),
			shortID(rec.ID),
			rec.Provider,
			rec.Model,
			method,
			status,
			formatDuration(rec.DurationMs),
			formatTokens(rec.Tokens),
		)
	}
	_ = tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func formatDuration(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return (time.Duration(*ms) * time.Millisecond).String()
}

func formatTokens(t record.Tokens) string {
	if t.IsZero() {
		return "-"
	}
	part := func(n *int) string {
		if n == nil {
			return "?"
		}
		return strconv.Itoa(*n)
	}
	return part(t.Input) + "/" + part(t.Output)
}
