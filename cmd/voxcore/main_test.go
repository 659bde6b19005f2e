package main

import (
	"testing"

	"github.com/jtholman/voxcore/internal/adapters/ollama"
	"github.com/jtholman/voxcore/internal/adapters/sim"
	"github.com/jtholman/voxcore/internal/config"
)

func TestApplyFlagOverridesPrefersFlagsOverConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.Address = "from-config"
	cfg.Gateway.Port = 1111
	cfg.RunsDir = "/config/runs"
	cfg.CASDir = "/config/cas"

	applyFlagOverrides(cfg, "from-flag", 2222, "/flag/runs", "/flag/cas", true)

	if cfg.Gateway.Address != "from-flag" || cfg.Gateway.Port != 2222 {
		t.Errorf("gateway = %+v, want flags to win", cfg.Gateway)
	}
	if cfg.RunsDir != "/flag/runs" || cfg.CASDir != "/flag/cas" {
		t.Errorf("dirs = %q %q, want flag values", cfg.RunsDir, cfg.CASDir)
	}
	if !cfg.Gateway.Autostart {
		t.Error("autostart = false, want true once the flag is set")
	}
}

func TestApplyFlagOverridesLeavesConfigWhenFlagsUnset(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.Address = "from-config"
	cfg.Gateway.Port = 1111

	applyFlagOverrides(cfg, "", 0, "", "", false)

	if cfg.Gateway.Address != "from-config" || cfg.Gateway.Port != 1111 {
		t.Errorf("gateway = %+v, want unset flags to leave config alone", cfg.Gateway)
	}
}

func TestApplyFlagOverridesFillsEmptyDirDefaults(t *testing.T) {
	cfg := &config.Config{}
	applyFlagOverrides(cfg, "", 0, "", "", false)

	if cfg.RunsDir != "./runs" || cfg.CASDir != "./cas" {
		t.Errorf("dirs = %q %q, want ./runs and ./cas defaults", cfg.RunsDir, cfg.CASDir)
	}
}

func TestBuildAdaptersSimReturnsFixtureLLM(t *testing.T) {
	stt, tts, llm, err := buildAdapters("sim", "", nil)
	if err != nil {
		t.Fatalf("buildAdapters: %v", err)
	}
	if _, ok := stt.(*sim.STT); !ok {
		t.Errorf("stt = %T, want *sim.STT", stt)
	}
	if _, ok := tts.(*sim.TTS); !ok {
		t.Errorf("tts = %T, want *sim.TTS", tts)
	}
	if _, ok := llm.(*sim.LLM); !ok {
		t.Errorf("llm = %T, want *sim.LLM", llm)
	}
}

func TestBuildAdaptersLiveReturnsOllamaLLM(t *testing.T) {
	_, _, llm, err := buildAdapters("live", "http://localhost:11434", nil)
	if err != nil {
		t.Fatalf("buildAdapters: %v", err)
	}
	if _, ok := llm.(*ollama.Adapter); !ok {
		t.Errorf("llm = %T, want *ollama.Adapter", llm)
	}
}

func TestBuildAdaptersRejectsUnknownMode(t *testing.T) {
	_, _, _, err := buildAdapters("bogus", "", nil)
	if err == nil {
		t.Error("expected an error for an unknown mode")
	}
}

func TestLoadConfigFallsBackToDefaultWhenNoFileFound(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Gateway.Port == 0 {
		t.Error("expected a default, fully-initialized config")
	}
}

func TestLoadConfigErrorsOnMissingExplicitPath(t *testing.T) {
	_, err := loadConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected an error for a missing explicit config path")
	}
}
