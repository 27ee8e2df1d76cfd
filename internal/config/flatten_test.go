package config

import (
	"reflect"
	"testing"
)

func TestFlatten(t *testing.T) {
	m := map[string]any{
		"log_level": "info",
		"api": map[string]any{
			"base_url": "http://localhost:8000/api",
			"token":    "tok-123",
		},
		"orchestrator": map[string]any{
			"poll_multiplier": 1.5,
			"stream":          true,
		},
		"empty": map[string]any{},
	}
	want := map[string]any{
		"log_level":                    "info",
		"api.base_url":                 "http://localhost:8000/api",
		"api.token":                    "tok-123",
		"orchestrator.poll_multiplier": 1.5,
		"orchestrator.stream":          true,
	}
	if got := Flatten(m); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestUnflatten(t *testing.T) {
	got := Unflatten(map[string]any{
		"store.backend":  "sqlite",
		"store.redis_db": 2,
		"a.b.c":          "deep",
		"log_level":      "debug",
	})

	store, ok := got["store"].(map[string]any)
	if !ok {
		t.Fatalf("expected store to be a map, got %T", got["store"])
	}
	if store["backend"] != "sqlite" || store["redis_db"] != 2 {
		t.Errorf("unexpected store section %v", store)
	}
	b := got["a"].(map[string]any)["b"].(map[string]any)
	if b["c"] != "deep" {
		t.Errorf("expected a.b.c=deep, got %v", b["c"])
	}
	if got["log_level"] != "debug" {
		t.Errorf("expected log_level=debug, got %v", got["log_level"])
	}
}

func TestFlattenUnflattenRoundTrip(t *testing.T) {
	original := map[string]any{
		"data_dir": "/home/test/.insightdash",
		"api":      map[string]any{"token": "tok-123456", "base_url": "http://x"},
		"telegram": map[string]any{"token": "bot-token-abc"},
	}
	if got := Unflatten(Flatten(original)); !reflect.DeepEqual(got, original) {
		t.Errorf("expected %v, got %v", original, got)
	}
}

func TestMaskSecrets(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"api.token", "tok-123456", "***3456"},
		{"telegram.token", "123456:ABCdefGHIjkl", "***Ijkl"},
		{"store.dsn", "postgres://u:p@h/db", "***h/db"},
		{"api.token", "", ""},
		{"api.token", "ab", "***ab"},
		{"api.token", "abcd", "***abcd"},
		{"api.base_url", "http://localhost", "http://localhost"},
	}
	for _, tt := range tests {
		got := MaskSecrets(map[string]any{tt.key: tt.value})
		if got[tt.key] != tt.want {
			t.Errorf("%s=%q: expected %q, got %v", tt.key, tt.value, tt.want, got[tt.key])
		}
	}
	if !IsSecretKey("api.token") || IsSecretKey("log_level") {
		t.Error("unexpected secret key classification")
	}
}
