// Package config handles voxcore configuration loading.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/voxcore/config.yaml, /etc/voxcore/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "voxcore", "config.yaml"))
	}

	paths = append(paths, "/etc/voxcore/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds the whole voxcore configuration tree. Every field here is
// eligible to be captured verbatim into a session's ConfigSnapshot
// (see Snapshot), so nothing sensitive belongs on this struct — secrets for
// adapter backends are read from the environment by the adapter itself, not
// stored here.
type Config struct {
	SchemaVersion string         `yaml:"schema_version"`
	Gateway       GatewayConfig  `yaml:"gateway"`
	RunsDir       string         `yaml:"runs_dir"`
	CASDir        string         `yaml:"cas_dir"`
	LogLevel      string         `yaml:"log_level"`
	Audio         AudioConfig    `yaml:"audio"`
	DSP           DSPConfig      `yaml:"dsp"`
	WakeWord      WakeWordConfig `yaml:"wakeword"`
	VAD           VADConfig      `yaml:"vad"`
	LLM           LLMConfig      `yaml:"llm"`
	STT           STTConfig      `yaml:"stt"`
	TTS           TTSConfig      `yaml:"tts"`
	Skills        SkillsConfig   `yaml:"skills"`
}

// GatewayConfig defines the WebSocket gateway's listen settings.
type GatewayConfig struct {
	Address   string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port      int    `yaml:"port"`    // Default: 7777
	Autostart bool   `yaml:"autostart"`
}

// AudioConfig describes the (externally owned) audio device the
// orchestrator reports on in audio_device_changed snapshots. voxcore never
// opens the device itself — see Non-goals — but still needs these values to
// populate the session's informational timeline events.
type AudioConfig struct {
	Backend      string `yaml:"backend"`
	SampleRateHz int    `yaml:"sample_rate_hz"`
	ChannelsIn   int    `yaml:"channels_in"`
	ChannelsOut  int    `yaml:"channels_out"`
}

// DSPAEC configures acoustic echo cancellation reporting.
type DSPAEC struct {
	Enabled       bool   `yaml:"enabled"`
	Method        string `yaml:"method"`
	Aggressiveness string `yaml:"aggressiveness"` // low, medium, high
}

// DSPNS configures noise suppression reporting.
type DSPNS struct {
	Enabled bool   `yaml:"enabled"`
	Level   int    `yaml:"level"`
	Profile string `yaml:"profile"`
}

// DSPAGC configures automatic gain control reporting.
type DSPAGC struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"`
	TargetLevelDBFS int    `yaml:"target_level_dbfs"`
}

// DSPConfig is the dsp_state snapshot source.
type DSPConfig struct {
	Mode string `yaml:"mode"` // headset, speakers
	AEC  DSPAEC `yaml:"aec"`
	NS   DSPNS  `yaml:"ns"`
	AGC  DSPAGC `yaml:"agc"`
}

// WakeWordConfig holds the wake-word engine's runtime settings. Words is
// mutable at runtime via the set_wake_words command; the loaded config
// value is only the starting point.
type WakeWordConfig struct {
	Engine    string   `yaml:"engine"`
	Threshold float64  `yaml:"threshold"`
	Words     []string `yaml:"words"`
}

// VADProfile is one named voice-activity-detection tuning.
type VADProfile struct {
	MinSpeechMS      int `yaml:"min_speech_ms"`
	EndSilenceMS     int `yaml:"end_silence_ms"`
	ContinueWindowMS int `yaml:"continue_window_ms"`
}

// VADConfig holds the named VAD profiles selectable via set_vad_profile.
type VADConfig struct {
	Command VADProfile `yaml:"command"`
	Chat    VADProfile `yaml:"chat"`
}

// Profile looks up a named VAD profile, falling back to Chat for an
// unrecognized name.
func (c VADConfig) Profile(name string) (VADProfile, bool) {
	switch name {
	case "command":
		return c.Command, true
	case "chat":
		return c.Chat, true
	default:
		return c.Chat, false
	}
}

// LLMProfile is one named LLM tuning (model plus reasoning behavior).
type LLMProfile struct {
	Model          string `yaml:"model"`
	AutoReasoning  bool   `yaml:"auto_reasoning"`
}

// LLMConfig describes the set of selectable LLM backends and profiles.
type LLMConfig struct {
	Backend       string                `yaml:"backend"` // sim, ollama
	Profiles      map[string]LLMProfile `yaml:"profiles"`
	ActiveProfile string                `yaml:"active_profile"`
	Ollama        OllamaConfig          `yaml:"ollama"`
}

// OllamaConfig points the optional ollama LLM adapter at a running server.
type OllamaConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	Stream  bool   `yaml:"stream"`
}

// STTProfile names one speech-to-text tuning.
type STTProfile struct {
	Adapter string `yaml:"adapter"`
	Model   string `yaml:"model"`
}

// STTConfig describes the selectable STT profiles.
type STTConfig struct {
	Profiles      map[string]STTProfile `yaml:"profiles"`
	ActiveProfile string                `yaml:"active_profile"`
}

// TTSConfig describes text-to-speech voice selection.
type TTSConfig struct {
	DefaultVoice string `yaml:"default_voice"`
}

// SkillsConfig controls which skill/tool names the router may invoke and
// their per-skill permission level, mutable via set_skill_allowlist.
type SkillsConfig struct {
	Allowlist   []string          `yaml:"allowlist"`
	Permissions map[string]string `yaml:"permissions"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}). This is a convenience
	// for container deployments; nothing secret lives in this file — adapter
	// credentials are read by the adapter directly from its own environment.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = "1.0"
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 7777
	}
	if c.RunsDir == "" {
		c.RunsDir = "./runs"
	}
	if c.CASDir == "" {
		c.CASDir = "./cas/sha256"
	}
	if c.Audio.Backend == "" {
		c.Audio.Backend = "pipewire"
	}
	if c.Audio.SampleRateHz == 0 {
		c.Audio.SampleRateHz = 48000
	}
	if c.Audio.ChannelsIn == 0 {
		c.Audio.ChannelsIn = 1
	}
	if c.Audio.ChannelsOut == 0 {
		c.Audio.ChannelsOut = 1
	}
	if c.DSP.Mode == "" {
		c.DSP.Mode = "speakers"
	}
	if c.DSP.NS.Level == 0 {
		c.DSP.NS.Level = 2
	}
	if c.WakeWord.Engine == "" {
		c.WakeWord.Engine = "openWakeWord"
	}
	if c.WakeWord.Threshold == 0 {
		c.WakeWord.Threshold = 0.5
	}
	if len(c.WakeWord.Words) == 0 {
		c.WakeWord.Words = []string{"voxcore"}
	}
	if c.VAD.Chat == (VADProfile{}) {
		c.VAD.Chat = VADProfile{MinSpeechMS: 160, EndSilenceMS: 650, ContinueWindowMS: 1100}
	}
	if c.VAD.Command == (VADProfile{}) {
		c.VAD.Command = VADProfile{MinSpeechMS: 120, EndSilenceMS: 350, ContinueWindowMS: 800}
	}
	if c.LLM.Backend == "" {
		c.LLM.Backend = "sim"
	}
	if c.LLM.Profiles == nil {
		c.LLM.Profiles = map[string]LLMProfile{
			"fast":      {Model: "sim-fast"},
			"reasoning": {Model: "sim-reasoning"},
		}
	}
	if c.LLM.ActiveProfile == "" {
		c.LLM.ActiveProfile = "fast"
	}
	if c.LLM.Ollama.BaseURL == "" {
		c.LLM.Ollama.BaseURL = "http://127.0.0.1:11434"
	}
	if c.LLM.Ollama.Model == "" {
		c.LLM.Ollama.Model = "llama3"
	}
	if c.STT.Profiles == nil {
		c.STT.Profiles = map[string]STTProfile{
			"fast":  {Adapter: "sim", Model: "small"},
			"final": {Adapter: "sim", Model: "medium"},
		}
	}
	if c.STT.ActiveProfile == "" {
		c.STT.ActiveProfile = "fast"
	}
	if c.TTS.DefaultVoice == "" {
		c.TTS.DefaultVoice = "sim:default"
	}
	if c.Skills.Permissions == nil {
		c.Skills.Permissions = map[string]string{}
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port %d out of range (1-65535)", c.Gateway.Port)
	}
	if _, ok := c.LLM.Profiles[c.LLM.ActiveProfile]; !ok {
		return fmt.Errorf("llm.active_profile %q not found in llm.profiles", c.LLM.ActiveProfile)
	}
	if _, ok := c.STT.Profiles[c.STT.ActiveProfile]; !ok {
		return fmt.Errorf("stt.active_profile %q not found in stt.profiles", c.STT.ActiveProfile)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for `--mode sim` with no
// config file on disk. All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Snapshot captures the whole config tree as an immutable JSON-compatible
// value, per §4.L. It round-trips through encoding/json rather than
// hand-rolling a deep copy per field — the simplest way to get true value
// semantics (no shared slices/maps with the live *Config) for something the
// orchestrator is about to hand to the CAS store.
func (c *Config) Snapshot() (map[string]any, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var snap map[string]any
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal config snapshot: %w", err)
	}
	return snap, nil
}
