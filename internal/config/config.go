package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk settings file. Keys for config get/set are the
// dotted yaml names; secret marks values that list masks and oneof limits
// what set accepts.
type Config struct {
	DataDir       string `json:"data_dir" yaml:"data_dir"`
	LogLevel      string `json:"log_level" yaml:"log_level" oneof:"debug,info,warn,error"`
	LogFormat     string `json:"log_format" yaml:"log_format" oneof:"text,json"`
	MaxConcurrent int    `json:"max_concurrent" yaml:"max_concurrent"`
	MaxToolRounds int    `json:"max_tool_rounds" yaml:"max_tool_rounds"`
	LLM           struct {
		Provider         string  `json:"provider" yaml:"provider" oneof:"anthropic,openai,lorem"`
		BaseURL          string  `json:"base_url" yaml:"base_url"`
		APIKey           string  `json:"api_key" yaml:"api_key" secret:"true"`
		Model            string  `json:"model" yaml:"model"`
		MaxTokens        int     `json:"max_tokens" yaml:"max_tokens"`
		Temperature      float32 `json:"temperature" yaml:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens" yaml:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve" yaml:"output_reserve"`
	} `json:"llm" yaml:"llm"`
	Storage struct {
		Driver      string `json:"driver" yaml:"driver" oneof:"file,postgres"`
		DatabaseURL string `json:"database_url" yaml:"database_url" secret:"true"`
	} `json:"storage" yaml:"storage"`
	Counter struct {
		Driver    string `json:"driver" yaml:"driver" oneof:"memory,redis"`
		RedisURL  string `json:"redis_url" yaml:"redis_url" secret:"true"`
		KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
		TTLHours  int    `json:"ttl_hours" yaml:"ttl_hours"`
	} `json:"counter" yaml:"counter"`
	Queue struct {
		Driver  string `json:"driver" yaml:"driver" oneof:"local,nats"`
		NatsURL string `json:"nats_url" yaml:"nats_url"`
		Stream  string `json:"stream" yaml:"stream"`
		Workers int    `json:"workers" yaml:"workers"`
	} `json:"queue" yaml:"queue"`
	HTTP struct {
		Enabled bool   `json:"enabled" yaml:"enabled"`
		Listen  string `json:"listen" yaml:"listen"`
	} `json:"http" yaml:"http"`
	Telegram struct {
		Token string `json:"token" yaml:"token" secret:"true"`
	} `json:"telegram" yaml:"telegram"`
}

// DefaultPath is where the CLI looks for its config unless told otherwise.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".turnlog", "config.json")
}

// Default returns the built-in settings every file is layered over.
func Default() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".turnlog"),
		LogLevel:      "info",
		LogFormat:     "text",
		MaxConcurrent: 2,
		MaxToolRounds: 10,
	}
	cfg.LLM.Provider = "anthropic"
	cfg.LLM.Model = "claude-sonnet-4-5"
	cfg.LLM.MaxTokens = 4096
	cfg.LLM.Temperature = 0.7
	cfg.LLM.MaxContextTokens = 200000
	cfg.LLM.OutputReserve = 4096
	cfg.Storage.Driver = "file"
	cfg.Counter.Driver = "memory"
	cfg.Counter.KeyPrefix = "turnlog:seq:"
	cfg.Counter.TTLHours = 168
	cfg.Queue.Driver = "local"
	cfg.Queue.NatsURL = "nats://127.0.0.1:4222"
	cfg.Queue.Stream = "TURNLOG_MATERIALIZE"
	cfg.Queue.Workers = 4
	cfg.HTTP.Listen = "127.0.0.1:8420"
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv layers environment overrides on top (highest precedence).
func applyEnv(cfg *Config) {
	switch cfg.LLM.Provider {
	case "anthropic":
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			cfg.LLM.APIKey = key
		}
	case "openai":
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			cfg.LLM.APIKey = key
		}
		if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
			cfg.LLM.BaseURL = baseURL
		}
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Storage.DatabaseURL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Counter.RedisURL = url
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.Queue.NatsURL = url
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}
	if level := os.Getenv("TURNLOG_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func decode(path string, data []byte, v any) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func encode(path string, v any) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(v)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Save writes cfg to path atomically.
func Save(path string, cfg *Config) error {
	data, err := encode(path, cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ListValues flattens cfg to dot-separated keys, optionally masking secrets.
func ListValues(cfg *Config, mask bool) map[string]any {
	flat := Flatten(cfg)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat
}

// readRaw loads the file as a nested map so keys unknown to Config survive
// a set.
func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := make(map[string]any)
	if err := decode(path, data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetValue returns the effective value of key after defaults, the file at
// path and environment overrides are layered.
func GetValue(path, key string) (any, error) {
	if _, ok := lookup(key); !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return Flatten(cfg)[key], nil
}

// SetValue parses raw as the type of key's field and stores it in the file
// at path. Other keys in the file, known or not, are left as they were.
func SetValue(path, key, raw string) error {
	f, ok := lookup(key)
	if !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}
	v, err := f.parse(raw)
	if err != nil {
		return err
	}
	m, err := readRaw(path)
	if err != nil {
		return err
	}
	setPath(m, strings.Split(key, "."), v)

	data, err := encode(path, m)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	// Reject the write if the result no longer decodes into Config.
	if err := decode(path, data, Default()); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return writeAtomic(path, data)
}
