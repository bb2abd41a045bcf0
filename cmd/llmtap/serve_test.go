package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/HakAl/llmtap/internal/ws"
)

// occupy binds n consecutive loopback ports and returns the first.
func occupy(t *testing.T, n int) int {
	t.Helper()
	free, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	base := free.Addr().(*net.TCPAddr).Port
	free.Close()

	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", net.JoinHostPort("localhost", strconv.Itoa(base+i)))
		if err != nil {
			t.Skipf("port %d unavailable: %v", base+i, err)
		}
		t.Cleanup(func() { ln.Close() })
	}
	return base
}

func TestListenWithFallback(t *testing.T) {
	t.Run("free port is used as is", func(t *testing.T) {
		ln, err := net.Listen("tcp", "localhost:0")
		if err != nil {
			t.Fatal(err)
		}
		port := ln.Addr().(*net.TCPAddr).Port
		ln.Close()

		want := net.JoinHostPort("localhost", strconv.Itoa(port))
		got, addr, err := listenWithFallback(want, 3)
		if err != nil {
			t.Fatalf("listenWithFallback: %v", err)
		}
		defer got.Close()
		if addr != want {
			t.Errorf("bound %s, want %s", addr, want)
		}
	})

	t.Run("taken port falls forward", func(t *testing.T) {
		base := occupy(t, 1)
		ln, addr, err := listenWithFallback(net.JoinHostPort("localhost", strconv.Itoa(base)), 4)
		if err != nil {
			t.Fatalf("listenWithFallback: %v", err)
		}
		defer ln.Close()
		_, p, _ := net.SplitHostPort(addr)
		if port, _ := strconv.Atoi(p); port <= base || port >= base+4 {
			t.Errorf("bound port %d, want in (%d, %d)", port, base, base+4)
		}
	})

	t.Run("exhausted range reports address in use", func(t *testing.T) {
		base := occupy(t, 2)
		_, _, err := listenWithFallback(net.JoinHostPort("localhost", strconv.Itoa(base)), 2)
		if !isAddrInUse(err) {
			t.Errorf("err = %v, want address in use", err)
		}
	})

	for _, bad := range []string{"no-port", "localhost:http-alt"} {
		t.Run("invalid "+bad, func(t *testing.T) {
			if _, _, err := listenWithFallback(bad, 2); err == nil {
				t.Errorf("listenWithFallback(%q) succeeded", bad)
			}
		})
	}
}

type stubPinger struct{ err error }

func (p stubPinger) PingContext(context.Context) error { return p.err }

func TestRouter_Healthz(t *testing.T) {
	tests := []struct {
		name string
		db   stubPinger
		want int
	}{
		{"database up", stubPinger{}, http.StatusOK},
		{"database down", stubPinger{err: errors.New("closed")}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newRouter(ws.NewHub("tok", nil), tt.db)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRouter_FeedRequiresToken(t *testing.T) {
	h := newRouter(ws.NewHub("tok", nil), stubPinger{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
