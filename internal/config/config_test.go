package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIPort != 8080 {
		t.Errorf("APIPort = %d, want default 8080", cfg.APIPort)
	}
	if cfg.BufferDurationMs != 2000 {
		t.Errorf("BufferDurationMs = %d, want default 2000", cfg.BufferDurationMs)
	}
}

func TestLoadParsesJSON(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"pipe_path":"/tmp/custom","api_port":9090,"buffer_duration_ms":500,"speakers":[{"ip":"10.0.0.2","name":"Kitchen","port":7000}]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PipePath != "/tmp/custom" || cfg.APIPort != 9090 || cfg.BufferDurationMs != 500 {
		t.Errorf("unexpected parsed config: %+v", cfg)
	}
	if len(cfg.Speakers) != 1 || cfg.Speakers[0].Name != "Kitchen" {
		t.Errorf("unexpected speakers: %+v", cfg.Speakers)
	}
}

func TestEnvOverridesAPIPort(t *testing.T) {
	t.Setenv("AIRLOOM_API_PORT", "1234")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIPort != 1234 {
		t.Errorf("APIPort = %d, want 1234 from env override", cfg.APIPort)
	}
}
