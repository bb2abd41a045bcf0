package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/HakAl/llmtap/internal/config"
	"github.com/HakAl/llmtap/internal/store"
	"github.com/HakAl/llmtap/internal/ws"
)

const portAttempts = 10

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	listen := fs.String("listen", "", "Listen address (overrides config)")
	retentionEvery := fs.Duration("retention-interval", time.Hour, "How often expired records are deleted")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	addr := cfg.Server.ListenAddr()
	if *listen != "" {
		addr = *listen
	}

	dataStore, err := store.NewSQLiteStore(cfg.Store.DBPath, cfg.Retention)
	if err != nil {
		return fail(os.Stderr, storeError(cfg.Store.DBPath, err))
	}
	defer dataStore.Close()
	logger.Info("database opened", "path", cfg.Store.DBPath)

	ln, actualAddr, err := listenWithFallback(addr, portAttempts)
	if err != nil {
		return fail(os.Stderr, listenError(addr, portAttempts, err))
	}

	hub := ws.NewHub(cfg.Auth.Token, logger)
	go hub.Run(ctx)

	feed := newStoreFeed(dataStore, hub, time.Now(), logger)
	go feed.Run(ctx)

	if cfg.Retention.InteractionsTTLDays > 0 || cfg.Retention.DropLogTTLDays > 0 {
		go runRetention(ctx, dataStore, *retentionEvery, logger)
	}

	if runFile, err := DefaultRunFile(); err == nil {
		info := RunInfo{PID: os.Getpid(), Addr: actualAddr, DBPath: cfg.Store.DBPath, Version: version, StartedAt: time.Now()}
		if err := runFile.Save(info); err != nil {
			logger.Warn("failed to write run file", "error", err)
		}
		defer runFile.Remove()
	}

	srv := &http.Server{
		Handler:           newRouter(hub, dataStore.DB()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  Feed:   ws://%s/ws\n", actualAddr)
	fmt.Fprintf(os.Stderr, "  DB:     %s\n", cfg.Store.DBPath)
	fmt.Fprintf(os.Stderr, "  Token:  %s\n", cfg.Auth.Token)
	fmt.Fprintf(os.Stderr, "\n")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	logger.Info("llmtap shutdown complete")
	return 0
}

// pinger reports database health.
type pinger interface {
	PingContext(ctx context.Context) error
}

func newRouter(hub *ws.Hub, db pinger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/ws", hub.Handler())
	return r
}

// listenWithFallback listens on addr, or on one of the next attempts-1
// ports when it is taken. It returns the address actually bound.
func listenWithFallback(addr string, attempts int) (net.Listener, string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, "", fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	base, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, "", fmt.Errorf("invalid port in %q: %w", addr, err)
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		candidate := net.JoinHostPort(host, strconv.Itoa(base+i))
		ln, err := net.Listen("tcp", candidate)
		if err == nil {
			if i > 0 {
				slog.Warn("port in use, using fallback", "requested", addr, "actual", candidate)
			}
			return ln, candidate, nil
		}
		if !isAddrInUse(err) {
			return nil, "", err
		}
		lastErr = err
	}
	return nil, "", lastErr
}

// runRetention deletes expired records now and then every interval.
func runRetention(ctx context.Context, s *store.SQLiteStore, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		deleted, err := s.RunRetention(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("retention failed", "error", err)
		case deleted > 0:
			logger.Info("retention removed expired rows", "rows", deleted)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
