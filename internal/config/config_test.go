package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.APIBaseURL != defaultAPIBaseURL {
		t.Fatalf("unexpected base url %s", cfg.APIBaseURL)
	}
	if cfg.RequestTimeout != 5*time.Second {
		t.Fatalf("unexpected timeout %v", cfg.RequestTimeout)
	}
	if cfg.StorePath != defaultStorePath {
		t.Fatalf("unexpected store path %s", cfg.StorePath)
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("origin allowlist should be empty by default: %#v", cfg.AllowedOrigins)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("TEASYNC_API_BASE_URL", "https://tea.example.com/api/")
	t.Setenv("TEASYNC_REQUEST_TIMEOUT_SECONDS", "9")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.APIBaseURL != "https://tea.example.com/api" {
		t.Fatalf("expected trailing slash to be trimmed, got %s", cfg.APIBaseURL)
	}
	if cfg.RequestTimeout != 9*time.Second {
		t.Fatalf("unexpected timeout %v", cfg.RequestTimeout)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value any
	}{
		{name: "relative-url", key: "api.base_url", value: "/api"},
		{name: "empty-store", key: "store.path", value: " "},
		{name: "zero-timeout", key: "request.timeout_seconds", value: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set(tt.key, tt.value)
			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
