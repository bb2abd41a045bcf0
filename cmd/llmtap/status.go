package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// RunInfoLoader finds the running serve process.
type RunInfoLoader interface {
	Load() (*RunInfo, error)
}

// HealthChecker verifies the server is responding.
type HealthChecker interface {
	Check(ctx context.Context, addr string) error
}

// StatusCommand reports whether a serve process is up.
type StatusCommand struct {
	runFile       RunInfoLoader
	healthChecker HealthChecker
	stdout        io.Writer
	stderr        io.Writer
	now           func() time.Time
}

// Execute runs the command and returns the exit code.
func (c *StatusCommand) Execute(ctx context.Context) int {
	info, err := c.runFile.Load()
	if err != nil {
		if errors.Is(err, ErrNotRunning) {
			fmt.Fprintln(c.stderr, "llmtap server is not running.")
			fmt.Fprintln(c.stderr, "\nStart it with:")
			fmt.Fprintln(c.stderr, "    llmtap serve")
		} else {
			fmt.Fprintln(c.stderr, "Error:", err)
		}
		return 1
	}

	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.healthChecker.Check(healthCtx, info.Addr); err != nil {
		fmt.Fprintf(c.stderr, "Error: pid %d is alive but %s is not answering health checks: %v\n", info.PID, info.Addr, err)
		fmt.Fprintln(c.stderr, "Restart it with 'llmtap serve'.")
		return 1
	}

	now := time.Now
	if c.now != nil {
		now = c.now
	}
	fmt.Fprintf(c.stdout, "running  pid=%d  addr=%s  up=%s\n", info.PID, info.Addr, info.Uptime(now()))
	if info.Version != "" {
		fmt.Fprintf(c.stdout, "version  %s\n", info.Version)
	}
	fmt.Fprintf(c.stdout, "feed     %s\n", info.FeedURL())
	fmt.Fprintf(c.stdout, "db       %s\n", info.DBPath)
	return 0
}

func runStatus(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	runFile, err := DefaultRunFile()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	cmd := &StatusCommand{
		runFile:       runFile,
		healthChecker: &HTTPHealthChecker{},
		stdout:        os.Stdout,
		stderr:        os.Stderr,
	}
	return cmd.Execute(ctx)
}

// HTTPHealthChecker checks server health via HTTP.
type HTTPHealthChecker struct{}

// Check hits the health endpoint of the server at addr.
func (h *HTTPHealthChecker) Check(ctx context.Context, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}
