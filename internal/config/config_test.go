package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("gateway:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("gateway:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("llm:\n  ollama:\n    base_url: ${VOXCORE_TEST_OLLAMA_URL}\n"), 0600)
	os.Setenv("VOXCORE_TEST_OLLAMA_URL", "http://10.0.0.5:11434")
	defer os.Unsetenv("VOXCORE_TEST_OLLAMA_URL")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.LLM.Ollama.BaseURL != "http://10.0.0.5:11434" {
		t.Errorf("ollama.base_url = %q, want %q", cfg.LLM.Ollama.BaseURL, "http://10.0.0.5:11434")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Gateway.Port != 7777 {
		t.Errorf("gateway.port = %d, want 7777", cfg.Gateway.Port)
	}
	if cfg.RunsDir != "./runs" {
		t.Errorf("runs_dir = %q, want ./runs", cfg.RunsDir)
	}
	if cfg.CASDir != "./cas/sha256" {
		t.Errorf("cas_dir = %q, want ./cas/sha256", cfg.CASDir)
	}
	if len(cfg.WakeWord.Words) == 0 {
		t.Error("wakeword.words should default to a non-empty list")
	}
	if cfg.LLM.ActiveProfile == "" {
		t.Error("llm.active_profile should have a default")
	}
	if _, ok := cfg.LLM.Profiles[cfg.LLM.ActiveProfile]; !ok {
		t.Errorf("llm.active_profile %q must exist in llm.profiles", cfg.LLM.ActiveProfile)
	}
}

func TestValidate_PortOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Port = 70000

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for out-of-range gateway.port")
	}
}

func TestValidate_UnknownActiveLLMProfile(t *testing.T) {
	cfg := Default()
	cfg.LLM.ActiveProfile = "does-not-exist"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown llm.active_profile")
	}
}

func TestValidate_UnknownLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown log_level")
	}
}

func TestVADConfig_Profile(t *testing.T) {
	cfg := Default()

	if _, ok := cfg.VAD.Profile("command"); !ok {
		t.Error("expected command profile to resolve")
	}
	if prof, ok := cfg.VAD.Profile("unknown"); ok || prof != cfg.VAD.Chat {
		t.Error("expected unknown profile to fall back to chat without ok=true")
	}
}

func TestSnapshot_IsValueCopy(t *testing.T) {
	cfg := Default()
	snap, err := cfg.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot error: %v", err)
	}

	gw, ok := snap["Gateway"].(map[string]any)
	if !ok {
		t.Fatal("snapshot missing Gateway section")
	}
	if int(gw["Port"].(float64)) != cfg.Gateway.Port {
		t.Errorf("snapshot Gateway.Port = %v, want %d", gw["Port"], cfg.Gateway.Port)
	}

	// Mutating the live config must not affect a snapshot already taken.
	cfg.Gateway.Port = 1
	if int(gw["Port"].(float64)) == cfg.Gateway.Port {
		t.Error("snapshot shares storage with the live config")
	}
}
