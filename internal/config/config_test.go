package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testYAML = `
log:
  level: debug
model:
  api: ollama
  base_url: "${RELAY_TEST_OLLAMA_URL}"
  model: llama3.2
  temperature: 0.2
  max_tokens: 512
  probe_interval: 30s
  pull: true
conversation:
  first_pass_timeout: 45s
  history_turns: 10
  rules:
    - Answer in one sentence.
  diagnostics: true
capabilities:
  battery:
    enabled: false
  search:
    kinds: [picture, document, archive]
    location: 'C:\Users\me'
  weather:
    enabled: true
    rate_per_second: 0.5
  scripts:
    - name: roll_dice
      description: Roll dice
      script: scripts/dice.lua
      keywords: [dice, roll]
      parameters:
        - name: sides
          type: integer
          default: "6"
cache:
  enabled: true
  redis_addr: "${RELAY_TEST_REDIS}"
  capabilities: [get_weather]
store:
  driver: sqlite
  data_dir: /var/lib/relay
`

func TestParseConfig(t *testing.T) {
	t.Setenv("RELAY_TEST_OLLAMA_URL", "http://gpu-box:11434/v1")
	t.Setenv("RELAY_TEST_REDIS", "localhost:6379")

	cfg, err := Parse([]byte(testYAML))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q", cfg.Log.Level)
	}
	m := cfg.Model
	if m.API != "ollama" || m.BaseURL != "http://gpu-box:11434/v1" || m.Model != "llama3.2" {
		t.Errorf("model = %+v", m)
	}
	if m.Temperature == nil || *m.Temperature != 0.2 {
		t.Errorf("temperature = %v", m.Temperature)
	}
	if m.ProbeInterval != 30*time.Second || !m.Pull {
		t.Errorf("probe_interval = %s, pull = %v", m.ProbeInterval, m.Pull)
	}

	conv := cfg.Conversation
	if conv.FirstPassTimeout != 45*time.Second || conv.HistoryTurns != 10 {
		t.Errorf("conversation = %+v", conv)
	}
	if conv.SecondPassTimeout != 30*time.Second || conv.UpdateEvery != 4 {
		t.Errorf("unset conversation keys should keep defaults: %+v", conv)
	}
	if len(conv.Rules) != 1 || !conv.Diagnostics {
		t.Errorf("rules = %v, diagnostics = %v", conv.Rules, conv.Diagnostics)
	}

	caps := cfg.Capabilities
	if caps.Battery.Enabled {
		t.Error("battery should be disabled")
	}
	if caps.Battery.Root != "/sys/class/power_supply" {
		t.Errorf("battery.root default = %q", caps.Battery.Root)
	}
	if !caps.Search.Enabled || len(caps.Search.Kinds) != 3 || caps.Search.Location != `C:\Users\me` {
		t.Errorf("search = %+v", caps.Search)
	}
	if !caps.Weather.Enabled || caps.Weather.RatePerSecond != 0.5 || caps.Weather.BaseURL != "https://wttr.in" {
		t.Errorf("weather = %+v", caps.Weather)
	}
	if len(caps.Scripts) != 1 {
		t.Fatalf("scripts = %d", len(caps.Scripts))
	}
	s := caps.Scripts[0]
	if s.Name != "roll_dice" || len(s.Keywords) != 2 || len(s.Parameters) != 1 || s.Parameters[0].Default != "6" {
		t.Errorf("script = %+v", s)
	}

	if !cfg.Cache.Enabled || cfg.Cache.RedisAddr != "localhost:6379" || cfg.Cache.TTL != 10*time.Minute {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.DataDir != "/var/lib/relay" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Server.Listen != ":8080" {
		t.Errorf("server.listen default = %q", cfg.Server.Listen)
	}
}

func TestModelConfigConversions(t *testing.T) {
	temp := 0.7
	m := ModelConfig{API: "openai", BaseURL: "https://api.example.com/v1", APIKey: "k", Model: "gpt-4o-mini", MaxTokens: 100, Temperature: &temp}
	p := m.Provider()
	if p.API != "openai" || p.BaseURL != m.BaseURL || p.APIKey != "k" {
		t.Errorf("provider = %+v", p)
	}
	s := m.Settings()
	if s.Model != "gpt-4o-mini" || s.MaxTokens != 100 || *s.Temperature != 0.7 {
		t.Errorf("settings = %+v", s)
	}
}

func TestEnvSubstitutionPreservesUnsetVars(t *testing.T) {
	//nolint:errcheck // test cleanup of env var
	os.Unsetenv("RELAY_TEST_UNSET_KEY")
	cfg, err := Parse([]byte("model:\n  model: m\n  api_key: \"${RELAY_TEST_UNSET_KEY}\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model.APIKey != "${RELAY_TEST_UNSET_KEY}" {
		t.Errorf("unset env var should be preserved, got %q", cfg.Model.APIKey)
	}
}

func TestEnvSubstitutionLiteralURLs(t *testing.T) {
	cfg, err := Parse([]byte("model:\n  model: m\n  base_url: http://localhost:11434/v1\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model.BaseURL != "http://localhost:11434/v1" {
		t.Errorf("literal URL should not be modified, got %q", cfg.Model.BaseURL)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing model", "model: {api: openai}", "model.model is required"},
		{"unknown api", "model: {api: bedrock, model: m}", `unknown api "bedrock"`},
		{"pull needs ollama", "model: {api: openai, model: m, pull: true}", "model.pull"},
		{"temperature range", "model: {model: m, temperature: 3}", "out of range"},
		{"history", "model: {model: m}\nconversation: {history_turns: -1}", "history_turns"},
		{"negative timeout", "model: {model: m}\ndispatch: {timeout: -1s}", "dispatch.timeout"},
		{"cache without redis", "model: {model: m}\ncache: {enabled: true}", "cache.redis_addr"},
		{"postgres without dsn", "model: {model: m}\nstore: {driver: postgres}", "store.dsn"},
		{"unknown driver", "model: {model: m}\nstore: {driver: mysql}", `unknown driver "mysql"`},
		{"script without path", "model: {model: m}\ncapabilities: {scripts: [{name: x}]}", "scripts[0]"},
		{"duplicate script", "model: {model: m}\ncapabilities: {scripts: [{name: x, script: a.lua}, {name: x, script: b.lua}]}", "duplicate name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	_, err := Parse([]byte("model: {api: nope}\nstore: {driver: mysql}"))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"model.api", "model.model", "store.driver"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("err = %v, missing %q", err, want)
		}
	}
}

func TestParseInvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("{{invalid yaml")); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestParseInvalidDuration(t *testing.T) {
	if _, err := Parse([]byte("model: {model: m}\nconversation: {first_pass_timeout: soon}")); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte("model:\n  model: qwen2.5\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model.Model != "qwen2.5" || cfg.Model.API != "openai" {
		t.Errorf("model = %+v", cfg.Model)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.env")
	if err := os.WriteFile(path, []byte("RELAY_TEST_FROM_FILE=loaded\nRELAY_TEST_PRESET=file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RELAY_TEST_PRESET", "env")
	t.Setenv("RELAY_TEST_FROM_FILE", "")
	//nolint:errcheck // cleared so godotenv sets it
	os.Unsetenv("RELAY_TEST_FROM_FILE")

	if err := LoadEnv(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("RELAY_TEST_FROM_FILE"); got != "loaded" {
		t.Errorf("RELAY_TEST_FROM_FILE = %q", got)
	}
	if got := os.Getenv("RELAY_TEST_PRESET"); got != "env" {
		t.Errorf("existing variables must win, got %q", got)
	}
}

func TestLoadEnvMissingFile(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "absent.env")); err == nil {
		t.Error("an explicit env file must exist")
	}
	t.Chdir(t.TempDir())
	if err := LoadEnv(""); err != nil {
		t.Errorf("missing default .env should be ignored: %v", err)
	}
}
