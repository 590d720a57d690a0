package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bidline/internal/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	names := cfg.StageNames()
	if len(names) != 6 {
		t.Fatalf("default pipeline has %d stages, want 6", len(names))
	}
	if names[0] != "intake_analysis" || names[len(names)-1] != "final_assembly" {
		t.Fatalf("unexpected stage order: %v", names)
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Pipeline.Stages) == 0 {
		t.Fatalf("expected default pipeline")
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	yml := strings.Replace(config.GenerateDefault(), "top_n: 5", "top_n: 3", 1)
	if err := os.WriteFile(filepath.Join(dir, "bidline.yml"), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ranker.TopN != 3 {
		t.Fatalf("top_n = %d, want 3", cfg.Ranker.TopN)
	}
}

func TestValidateRejectsDuplicateStage(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.Stages = append(cfg.Pipeline.Stages, cfg.Pipeline.Stages[0])
	if err := cfg.Validate(); err == nil {
		t.Fatalf("duplicate stage name accepted")
	}
}

func TestValidateRejectsForwardInput(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.Stages[0].Inputs = []string{"final_assembly"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("forward input reference accepted")
	}
}

func TestValidateRejectsBadGate(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.Stages[1].Gate = "maybe"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("invalid gate accepted")
	}
}

func TestValidateRejectsUnbalancedWeights(t *testing.T) {
	cfg := config.Default()
	cfg.Ranker.Weights.Vector = 0.9
	if err := cfg.Validate(); err == nil {
		t.Fatalf("weights not summing to 1.0 accepted")
	}
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	if _, err := config.FromYAML([]byte("pipeline: [broken")); err == nil {
		t.Fatalf("garbage yaml accepted")
	}
}
