package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.Capture.Enabled {
		t.Error("capture should be enabled by default")
	}
	ints := []struct {
		name      string
		got, want int
	}{
		{"emitter.batch_size", cfg.Emitter.BatchSize, 50},
		{"emitter.batch_timeout_ms", cfg.Emitter.BatchTimeoutMs, 1000},
		{"emitter.queue_max_size", cfg.Emitter.QueueMaxSize, 10000},
		{"retention.interactions_ttl_days", cfg.Retention.InteractionsTTLDays, 30},
	}
	for _, tt := range ints {
		if tt.got != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, tt.got, tt.want)
		}
	}
	if cfg.Events.Topic != "llmtap.interactions" {
		t.Errorf("events.topic = %q", cfg.Events.Topic)
	}
	if got := cfg.Server.ListenAddr(); got != "localhost:9091" {
		t.Errorf("ListenAddr() = %q", got)
	}
	if cfg.Auth.Token != "" {
		t.Errorf("auth.token = %q, want empty", cfg.Auth.Token)
	}
}

func TestLoad_MissingFileGeneratesToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !strings.HasPrefix(cfg.Auth.Token, "llmtap_") {
		t.Errorf("generated token = %q", cfg.Auth.Token)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if os.PathSeparator == '/' && info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if again.Auth.Token != cfg.Auth.Token {
		t.Errorf("token changed between loads: %q then %q", cfg.Auth.Token, again.Auth.Token)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
emitter:
  batch_size: 5
store:
  db_path: /tmp/custom.db
capture:
  metadata:
    team: search
auth:
  token: fixed
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Emitter.BatchSize != 5 {
		t.Errorf("batch_size = %d, want 5", cfg.Emitter.BatchSize)
	}
	if cfg.Emitter.BatchTimeoutMs != 1000 {
		t.Errorf("unset batch_timeout_ms = %d, want the default", cfg.Emitter.BatchTimeoutMs)
	}
	if cfg.Store.DBPath != "/tmp/custom.db" {
		t.Errorf("db_path = %q", cfg.Store.DBPath)
	}
	if !reflect.DeepEqual(cfg.Capture.Metadata, map[string]string{"team": "search"}) {
		t.Errorf("metadata = %v", cfg.Capture.Metadata)
	}
	if cfg.Auth.Token != "fixed" {
		t.Errorf("token = %q", cfg.Auth.Token)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "server:\n  listen: localhost:1\nauth:\n  token: file\n")

	t.Setenv("LLMTAP_SERVER__LISTEN", "localhost:2")
	t.Setenv("LLMTAP_AUTH__TOKEN", "env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Listen != "localhost:2" || cfg.Auth.Token != "env" {
		t.Errorf("Got listen=%q token=%q, want the environment values", cfg.Server.Listen, cfg.Auth.Token)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := Load(writeFile(t, "emitter: [unclosed")); err == nil {
		t.Error("Load() should fail on invalid YAML")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Auth.Token = "tok"
	cfg.Store.DBPath = "/data/llmtap.db"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(cfg, loaded) {
		t.Errorf("Got = %+v, want %+v", loaded, cfg)
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"LLMTAP_STORE__DB_PATH": "store.db_path",
		"LLMTAP_AUTH__TOKEN":    "auth.token",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestListenAddr(t *testing.T) {
	if got := (&ServerConfig{Host: "0.0.0.0", Port: 8000}).ListenAddr(); got != "0.0.0.0:8000" {
		t.Errorf("ListenAddr() = %q", got)
	}
	if got := (&ServerConfig{}).ListenAddr(); got != "localhost:9091" {
		t.Errorf("zero ListenAddr() = %q", got)
	}
}
