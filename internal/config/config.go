package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/opentalon/relay/internal/capabilities/luascript"
	"github.com/opentalon/relay/internal/logging"
	"github.com/opentalon/relay/internal/provider"
)

type Config struct {
	Log          logging.Config     `yaml:"log"`
	Model        ModelConfig        `yaml:"model"`
	Conversation ConversationConfig `yaml:"conversation"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
	Cache        CacheConfig        `yaml:"cache"`
	Store        StoreConfig        `yaml:"store"`
	Server       ServerConfig       `yaml:"server"`
}

type ModelConfig struct {
	API         string   `yaml:"api"`
	BaseURL     string   `yaml:"base_url"`
	APIKey      string   `yaml:"api_key"`
	Model       string   `yaml:"model"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
	// ProbeInterval is how often the model is re-probed; zero disables it.
	ProbeInterval time.Duration `yaml:"probe_interval"`
	// Pull downloads a missing model (ollama only).
	Pull bool `yaml:"pull"`
}

func (m ModelConfig) Provider() provider.Config {
	return provider.Config{ID: m.API, API: m.API, BaseURL: m.BaseURL, APIKey: m.APIKey}
}

func (m ModelConfig) Settings() provider.Settings {
	return provider.Settings{Model: m.Model, MaxTokens: m.MaxTokens, Temperature: m.Temperature}
}

type ConversationConfig struct {
	FirstPassTimeout  time.Duration `yaml:"first_pass_timeout"`
	SecondPassTimeout time.Duration `yaml:"second_pass_timeout"`
	HistoryTurns      int           `yaml:"history_turns"`
	UpdateEvery       int           `yaml:"update_every"`
	ErrorClearAfter   time.Duration `yaml:"error_clear_after"`
	Rules             []string      `yaml:"rules"`
	Diagnostics       bool          `yaml:"diagnostics"`
}

type DispatchConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type CapabilitiesConfig struct {
	Battery BatteryConfig      `yaml:"battery"`
	Search  SearchConfig       `yaml:"search"`
	Weather WeatherConfig      `yaml:"weather"`
	Scripts []luascript.Config `yaml:"scripts"`
}

type BatteryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Root    string `yaml:"root"`
}

type SearchConfig struct {
	Enabled bool     `yaml:"enabled"`
	Kinds   []string `yaml:"kinds"`
	// Location is the initial folder relative locations resolve against.
	Location string `yaml:"location"`
}

type WeatherConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
}

type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	RedisAddr    string        `yaml:"redis_addr"`
	TTL          time.Duration `yaml:"ttl"`
	Capabilities []string      `yaml:"capabilities"`
}

// StoreConfig selects the transcript store. An empty Driver disables it.
type StoreConfig struct {
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
	DataDir string `yaml:"data_dir"`
}

type ServerConfig struct {
	Listen     string `yaml:"listen"`
	GRPCListen string `yaml:"grpc_listen"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)}`)

func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

func (c *Config) expandEnv() {
	c.Model.BaseURL = expandEnv(c.Model.BaseURL)
	c.Model.APIKey = expandEnv(c.Model.APIKey)
	c.Capabilities.Weather.BaseURL = expandEnv(c.Capabilities.Weather.BaseURL)
	c.Cache.RedisAddr = expandEnv(c.Cache.RedisAddr)
	c.Store.DSN = expandEnv(c.Store.DSN)
	c.Store.DataDir = expandEnv(c.Store.DataDir)
}

// Default returns the configuration used for keys the file leaves unset.
func Default() Config {
	return Config{
		Log: logging.Config{Level: "info"},
		Model: ModelConfig{
			API:           provider.APIOpenAI,
			ProbeInterval: time.Minute,
		},
		Conversation: ConversationConfig{
			FirstPassTimeout:  60 * time.Second,
			SecondPassTimeout: 30 * time.Second,
			HistoryTurns:      20,
			UpdateEvery:       4,
			ErrorClearAfter:   3 * time.Second,
		},
		Dispatch: DispatchConfig{Timeout: 20 * time.Second},
		Capabilities: CapabilitiesConfig{
			Battery: BatteryConfig{Enabled: true, Root: "/sys/class/power_supply"},
			Search:  SearchConfig{Enabled: true},
			Weather: WeatherConfig{BaseURL: "https://wttr.in", Timeout: 10 * time.Second, RatePerSecond: 1},
		},
		Cache: CacheConfig{TTL: 10 * time.Minute},
		Server: ServerConfig{
			Listen:     ":8080",
			GRPCListen: ":9090",
		},
	}
}

// LoadEnv loads KEY=value pairs from path into the environment without
// overriding variables that are already set. A missing default .env is
// not an error.
func LoadEnv(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes data over Default, expands ${VAR} references and
// validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.expandEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Model.API {
	case provider.APIOpenAI, provider.APIOllama:
	default:
		errs = append(errs, fmt.Errorf("model.api: unknown api %q", c.Model.API))
	}
	if c.Model.Model == "" {
		errs = append(errs, errors.New("model.model is required"))
	}
	if c.Model.Pull && c.Model.API != provider.APIOllama {
		errs = append(errs, errors.New("model.pull is only supported with api ollama"))
	}
	if t := c.Model.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("model.temperature %v out of range [0, 2]", *t))
	}
	if c.Conversation.HistoryTurns < 1 {
		errs = append(errs, errors.New("conversation.history_turns must be at least 1"))
	}
	if c.Conversation.UpdateEvery < 1 {
		errs = append(errs, errors.New("conversation.update_every must be at least 1"))
	}
	for name, d := range map[string]time.Duration{
		"conversation.first_pass_timeout":  c.Conversation.FirstPassTimeout,
		"conversation.second_pass_timeout": c.Conversation.SecondPassTimeout,
		"conversation.error_clear_after":   c.Conversation.ErrorClearAfter,
		"dispatch.timeout":                 c.Dispatch.Timeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Cache.Enabled && c.Cache.RedisAddr == "" {
		errs = append(errs, errors.New("cache.redis_addr is required when the cache is enabled"))
	}
	switch c.Store.Driver {
	case "", "sqlite":
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	seen := make(map[string]bool)
	for i, s := range c.Capabilities.Scripts {
		if s.Name == "" || s.Script == "" {
			errs = append(errs, fmt.Errorf("capabilities.scripts[%d]: name and script are required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("capabilities.scripts[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
	}
	return errors.Join(errs...)
}
