package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseDefaultConfig(t *testing.T) {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		t.Fatalf("failed to parse default config: %v", err)
	}

	if len(cfg.Retrieval.Feeds) == 0 {
		t.Error("expected feeds to be populated")
	}

	if cfg.LLM.Provider != "ollama" {
		t.Errorf("expected provider 'ollama', got %q", cfg.LLM.Provider)
	}

	if cfg.Retrieval.BatchSize != 3 {
		t.Errorf("expected batch size 3, got %d", cfg.Retrieval.BatchSize)
	}

	if cfg.Retrieval.RetryDelay != 10*time.Second {
		t.Errorf("expected retry delay 10s, got %v", cfg.Retrieval.RetryDelay)
	}

	if len(cfg.SubQueries.Languages) != 3 {
		t.Errorf("expected 3 languages, got %d", len(cfg.SubQueries.Languages))
	}

	if cfg.Server.Port != 8000 {
		t.Errorf("expected port 8000, got %d", cfg.Server.Port)
	}
}

func TestParseMinimalConfig(t *testing.T) {
	data := []byte(`
llm:
  provider: openai
  timeout: 45s
server:
  port: 9000
`)
	cfg, err := parse(data)
	if err != nil {
		t.Fatalf("failed to parse minimal config: %v", err)
	}

	if cfg.LLM.Provider != "openai" {
		t.Errorf("expected provider 'openai', got %q", cfg.LLM.Provider)
	}
	if cfg.LLM.Timeout != 45*time.Second {
		t.Errorf("expected timeout 45s, got %v", cfg.LLM.Timeout)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	// Defaults should still be set for unspecified fields
	if cfg.LLM.OllamaURL != "http://localhost:11434" {
		t.Errorf("expected default ollama_url, got %q", cfg.LLM.OllamaURL)
	}
	if cfg.SubQueries.Max != 10 {
		t.Errorf("expected default max 10, got %d", cfg.SubQueries.Max)
	}
}

func TestParseRejectsBadShares(t *testing.T) {
	data := []byte(`
subqueries:
  languages:
    - tag: ja
      share: 0.5
      min_engagement: 100
`)
	if _, err := parse(data); err == nil {
		t.Error("expected error for shares not summing to 1")
	}
}

func TestParseRejectsUnknownBackend(t *testing.T) {
	data := []byte(`
retrieval:
  backend: carrier-pigeon
`)
	if _, err := parse(data); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, DefaultConfigYAML, 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if len(cfg.Retrieval.Feeds) == 0 {
		t.Error("expected feeds to be populated from file")
	}
}

func TestResolveConfigPathExplicitMissing(t *testing.T) {
	if _, err := ResolveConfigPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config")
	}
}

func TestGetDataDir(t *testing.T) {
	cfg := &Config{}
	defaultDir := cfg.GetDataDir()
	if defaultDir == "" {
		t.Error("expected non-empty default data dir")
	}

	cfg.Output.DataDir = "/custom/path"
	if cfg.GetDataDir() != "/custom/path" {
		t.Errorf("expected '/custom/path', got %q", cfg.GetDataDir())
	}
}
