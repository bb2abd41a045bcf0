package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type stubRunFile struct {
	info *RunInfo
	err  error
}

func (s *stubRunFile) Load() (*RunInfo, error) { return s.info, s.err }

type stubHealth struct{ err error }

func (s *stubHealth) Check(context.Context, string) error { return s.err }

func TestStatusCommand(t *testing.T) {
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	info := &RunInfo{PID: 42, Addr: "localhost:9091", DBPath: "/tmp/llmtap.db", Version: "v0.3.0", StartedAt: started}

	tests := []struct {
		name       string
		runFile    *stubRunFile
		health     error
		wantCode   int
		wantStdout []string
		wantStderr string
	}{
		{"not running", &stubRunFile{err: ErrNotRunning}, nil, 1, nil, "llmtap serve"},
		{"unreadable run file", &stubRunFile{err: errors.New("disk failure")}, nil, 1, nil, "disk failure"},
		{"unhealthy", &stubRunFile{info: info}, errors.New("connection refused"), 1, nil, "pid 42 is alive"},
		{"healthy", &stubRunFile{info: info}, nil, 0, []string{"up=1h30m0s", "v0.3.0", "ws://localhost:9091/ws", "/tmp/llmtap.db"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			cmd := &StatusCommand{
				runFile:       tt.runFile,
				healthChecker: &stubHealth{err: tt.health},
				stdout:        &stdout,
				stderr:        &stderr,
				now:           func() time.Time { return started.Add(90 * time.Minute) },
			}

			if code := cmd.Execute(context.Background()); code != tt.wantCode {
				t.Errorf("exit code = %d, want %d", code, tt.wantCode)
			}
			for _, want := range tt.wantStdout {
				if !strings.Contains(stdout.String(), want) {
					t.Errorf("stdout missing %q:\n%s", want, stdout.String())
				}
			}
			if tt.wantStderr != "" && !strings.Contains(stderr.String(), tt.wantStderr) {
				t.Errorf("stderr missing %q:\n%s", tt.wantStderr, stderr.String())
			}
		})
	}
}

func TestRunFile_SaveLoadRemove(t *testing.T) {
	f := &RunFile{path: filepath.Join(t.TempDir(), "nested", runFileName), alive: func(int) bool { return true }}

	if _, err := f.Load(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Load() with no file = %v, want ErrNotRunning", err)
	}

	want := RunInfo{PID: 7, Addr: "localhost:9092", DBPath: "/tmp/x.db", StartedAt: time.Now().UTC().Truncate(time.Second)}
	if err := f.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// A second save replaces the first.
	want.Addr = "localhost:9093"
	if err := f.Save(want); err != nil {
		t.Fatalf("Save again: %v", err)
	}

	got, err := f.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Addr != want.Addr || got.PID != want.PID || !got.StartedAt.Equal(want.StartedAt) {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}

	if err := f.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := f.Remove(); err != nil {
		t.Errorf("Remove of a missing file = %v, want nil", err)
	}
}

func TestRunFile_StalePIDIsCleared(t *testing.T) {
	f := &RunFile{path: filepath.Join(t.TempDir(), runFileName), alive: func(int) bool { return false }}
	if err := f.Save(RunInfo{PID: 99999, Addr: "localhost:9091"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := f.Load(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Load() = %v, want ErrNotRunning", err)
	}
	if _, err := os.Stat(f.path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("stale run file still present: %v", err)
	}
}

func TestRunFile_Corrupt(t *testing.T) {
	f := &RunFile{path: filepath.Join(t.TempDir(), runFileName)}
	if err := os.WriteFile(f.path, []byte(`{"pid": 1}`), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := f.Load()
	if err == nil || errors.Is(err, ErrNotRunning) {
		t.Fatalf("Load() = %v, want a corruption error", err)
	}
}

func TestProcessAlive_Self(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Error("current process reported dead")
	}
}
