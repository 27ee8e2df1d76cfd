package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "config.yaml")
}

func TestLoadWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected defaults written: %v", err)
	}
	if cfg.Orchestrator.Timeout != 300*time.Second {
		t.Errorf("expected timeout 300s, got %v", cfg.Orchestrator.Timeout)
	}
	if cfg.Orchestrator.PollInitial != 2*time.Second || cfg.Orchestrator.PollMax != 10*time.Second {
		t.Errorf("unexpected poll bounds %v..%v", cfg.Orchestrator.PollInitial, cfg.Orchestrator.PollMax)
	}
	if cfg.Orchestrator.PollMultiplier != 1.5 || cfg.Orchestrator.MaxServerErrors != 5 {
		t.Errorf("unexpected poll settings %+v", cfg.Orchestrator)
	}
	if cfg.Store.Backend != "file" || cfg.MaxConcurrent != 2 || cfg.LogLevel != "info" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := tempConfigPath(t)
	data := "log_level: debug\napi:\n  base_url: https://analytics.example.com/api\n  request_timeout: 5s\nstore:\n  backend: sqlite\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LogLevel != "debug" || cfg.Store.Backend != "sqlite" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.API.BaseURL != "https://analytics.example.com/api" || cfg.API.RequestTimeout != 5*time.Second {
		t.Errorf("unexpected api config %+v", cfg.API)
	}
	if cfg.Orchestrator.Timeout != 300*time.Second {
		t.Errorf("expected default timeout kept, got %v", cfg.Orchestrator.Timeout)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := tempConfigPath(t)
	t.Setenv("INSIGHTDASH_API_TOKEN", "env-token")
	t.Setenv("INSIGHTDASH_ORCHESTRATOR_TIMEOUT", "45s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.API.Token != "env-token" {
		t.Errorf("expected env token, got %q", cfg.API.Token)
	}
	if cfg.Orchestrator.Timeout != 45*time.Second {
		t.Errorf("expected 45s timeout, got %v", cfg.Orchestrator.Timeout)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "env-token") {
		t.Error("expected env override not persisted")
	}
}

func TestPaths(t *testing.T) {
	cfg := &Config{DataDir: "/data"}
	if got := cfg.ConversationsPath(); got != filepath.Join("/data", "conversations.json") {
		t.Errorf("unexpected conversations path %s", got)
	}
	cfg.Store.Path = "/elsewhere/conv.json"
	if got := cfg.ConversationsPath(); got != "/elsewhere/conv.json" {
		t.Errorf("expected explicit store path, got %s", got)
	}
	if got := cfg.SavedQueriesPath(); got != filepath.Join("/data", "queries.json") {
		t.Errorf("unexpected saved queries path %s", got)
	}
}

func TestListValues(t *testing.T) {
	path := tempConfigPath(t)
	if _, err := Load(path); err != nil {
		t.Fatal(err)
	}
	if err := SetValue(path, "api.token", "sk-secret-key-1234"); err != nil {
		t.Fatal(err)
	}

	plain, err := ListValues(path, false)
	if err != nil {
		t.Fatal(err)
	}
	if plain["api.token"] != "sk-secret-key-1234" {
		t.Errorf("expected unmasked token, got %v", plain["api.token"])
	}
	masked, err := ListValues(path, true)
	if err != nil {
		t.Fatal(err)
	}
	if masked["api.token"] != "***1234" {
		t.Errorf("expected masked token, got %v", masked["api.token"])
	}
	if masked["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", masked["log_level"])
	}
	keys := SortedKeys(masked)
	if keys[0] != "api.base_url" {
		t.Errorf("expected sorted keys, first is %s", keys[0])
	}
}

func TestGetValueUnknownKey(t *testing.T) {
	path := tempConfigPath(t)

	_, err := GetValue(path, "nonexistent.key")
	if err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
	if want := "unknown config key: nonexistent.key"; err.Error() != want {
		t.Errorf("expected error %q, got %q", want, err.Error())
	}
	if _, err := GetValue(path, "api"); err == nil {
		t.Error("expected error for a section key")
	}
}

func TestSetValue(t *testing.T) {
	tests := []struct {
		key, raw string
		want     any
	}{
		{"log_level", "debug", "debug"},
		{"max_concurrent", "16", 16},
		{"orchestrator.stream", "true", true},
		{"orchestrator.poll_multiplier", "1.2", 1.2},
		{"orchestrator.timeout", "600s", "600s"},
		{"api.base_url", "https://x.example.com/api", "https://x.example.com/api"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			path := tempConfigPath(t)
			if _, err := Load(path); err != nil {
				t.Fatal(err)
			}
			if err := SetValue(path, tt.key, tt.raw); err != nil {
				t.Fatalf("SetValue failed: %v", err)
			}
			got, err := GetValue(path, tt.key)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("expected %v (%T), got %v (%T)", tt.want, tt.want, got, got)
			}
			if level, _ := GetValue(path, "store.backend"); level != "file" {
				t.Errorf("expected other values preserved, got store.backend=%v", level)
			}
		})
	}
}

func TestSetValueRejectsUnknownKey(t *testing.T) {
	path := tempConfigPath(t)
	if _, err := Load(path); err != nil {
		t.Fatal(err)
	}
	if err := SetValue(path, "custom.setting", "value"); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestSetValueMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "config.yaml")
	if err := SetValue(path, "log_level", "debug"); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}
