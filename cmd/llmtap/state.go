package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/HakAl/llmtap/internal/config"
)

const runFileName = "serve.json"

// ErrNotRunning means no serve process has left a run file.
var ErrNotRunning = errors.New("llmtap server not running")

// RunInfo is what a serve process advertises about itself.
type RunInfo struct {
	PID       int       `json:"pid"`
	Addr      string    `json:"addr"`
	DBPath    string    `json:"db_path"`
	Version   string    `json:"version,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// FeedURL is the live feed endpoint of the process.
func (ri *RunInfo) FeedURL() string { return "ws://" + ri.Addr + "/ws" }

// Uptime is the time since the process started, to the second.
func (ri *RunInfo) Uptime(now time.Time) time.Duration {
	return now.Sub(ri.StartedAt).Round(time.Second)
}

// RunFile is the on-disk RunInfo of the current serve process.
type RunFile struct {
	path  string
	alive func(pid int) bool
}

// DefaultRunFile returns the run file under the llmtap config dir.
func DefaultRunFile() (*RunFile, error) {
	dir, err := config.ConfigDir()
	if err != nil {
		return nil, err
	}
	return &RunFile{path: filepath.Join(dir, runFileName), alive: processAlive}, nil
}

// Load returns the advertised RunInfo. A file left by a process that no
// longer exists is removed and reported as ErrNotRunning.
func (f *RunFile) Load() (*RunInfo, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotRunning
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.path, err)
	}

	var ri RunInfo
	if err := json.Unmarshal(data, &ri); err != nil || ri.Addr == "" {
		return nil, fmt.Errorf("run file %s is unreadable; delete it and restart the server", f.path)
	}
	if ri.PID > 0 && f.alive != nil && !f.alive(ri.PID) {
		_ = f.Remove()
		return nil, ErrNotRunning
	}
	return &ri, nil
}

// Save writes ri atomically enough for a single writer.
func (f *RunFile) Save(ri RunInfo) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(ri, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	// Windows refuses to rename over an existing file.
	_ = os.Remove(f.path)
	return os.Rename(tmp, f.path)
}

// Remove deletes the run file. A missing file is not an error.
func (f *RunFile) Remove() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, os.ErrPermission)
}
