package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "absent.json"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Stacking.Window != 10 || cfg.Stacking.QualityMaskPrefix != "om" || cfg.Stacking.ProcessedPrefix != "p" {
		t.Fatalf("unexpected stacking defaults: %+v", cfg.Stacking)
	}
	if cfg.Processing.Exposure != 5.0 {
		t.Fatalf("expected 5s exposure, got %v", cfg.Processing.Exposure)
	}
	if cfg.Refinement.MaxIterations != 10 {
		t.Fatalf("expected 10 iterations, got %d", cfg.Refinement.MaxIterations)
	}
}

func TestLoadJSONExpandsEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	t.Setenv("METEORCAL_TEST_ROOT", dir)
	body := `{"paths": {"proc_dir": "${METEORCAL_TEST_ROOT}/proc"}, "stacking": {"window": 6}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Paths.ProcDir != filepath.Join(dir, "proc") {
		t.Fatalf("expected expanded proc dir, got %q", cfg.Paths.ProcDir)
	}
	if cfg.Stacking.Window != 6 {
		t.Fatalf("expected window 6, got %d", cfg.Stacking.Window)
	}
	// untouched sections keep defaults
	if cfg.Stacking.QualityMaskPrefix != "om" {
		t.Fatalf("default prefix lost: %q", cfg.Stacking.QualityMaskPrefix)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "tools:\n  scamp: /opt/bin/scamp\n  timeout: 5m\nrefinement:\n  max_iterations: 4\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Tools.Scamp != "/opt/bin/scamp" || cfg.ToolTimeout() != 5*time.Minute {
		t.Fatalf("unexpected tools: %+v", cfg.Tools)
	}
	if cfg.Refinement.MaxIterations != 4 {
		t.Fatalf("expected 4 iterations, got %d", cfg.Refinement.MaxIterations)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"window":  `{"stacking": {"window": 0}}`,
		"timeout": `{"tools": {"timeout": "soon"}}`,
		"level":   `{"logging": {"level": "loud"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := LoadFile(path)
			if err == nil || !strings.Contains(err.Error(), "invalid config") {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestLayoutPaths(t *testing.T) {
	cfg := Default()
	cfg.Paths.ProcDir = "/proc"
	cfg.Paths.MetaDir = "/meta"
	night := time.Date(2016, 8, 6, 0, 0, 0, 0, time.UTC)

	if got := cfg.RunDir("frco01", night); got != "/proc/FRCO01/201608/processed_06" {
		t.Fatalf("RunDir: %s", got)
	}
	if got := cfg.MaskPath("frco01"); got != "/meta/FRCO01/mask.fits" {
		t.Fatalf("MaskPath: %s", got)
	}
	if got := cfg.AheadPath("FRCO01"); got != "/proc/FRCO01/scamp/scamp.ahead" {
		t.Fatalf("AheadPath: %s", got)
	}
}
