package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/HakAl/llmtap/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

const usage = `Usage: llmtap [flags] <command> [args...]

Commands:
  serve    Stream recorded interactions to websocket clients
  list     Show recent interactions
  stats    Show usage statistics
  status   Check whether a server is running
  demo     Make an instrumented OpenAI call
  version  Show version

Flags:`

func main() {
	configPath := flag.String("config", "", "Path to config file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	level, err := parseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	if cmd == "version" {
		fmt.Printf("llmtap %s (%s)\n", version, commit)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Exit(fail(os.Stderr, configError(*configPath, err)))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	var code int
	switch cmd {
	case "serve":
		code = runServe(ctx, cfg, logger, args)
	case "list":
		code = runList(ctx, cfg, args)
	case "stats":
		code = runStats(ctx, cfg, args)
	case "status":
		code = runStatus(ctx, args)
	case "demo":
		code = runDemo(ctx, cfg, logger, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		code = 2
	}

	stop()
	os.Exit(code)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
