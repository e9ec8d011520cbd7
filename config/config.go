// Package config loads the memoryd configuration: YAML file merged onto
// defaults with mergo, credentials falling back to environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// AnthropicConfig configures the Anthropic completion provider.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key,omitempty"`
	Model  string `yaml:"model,omitempty"`
}

// OllamaConfig configures the Ollama provider (completions and embeddings).
type OllamaConfig struct {
	Host  string `yaml:"host,omitempty"` // default http://localhost:11434
	Model string `yaml:"model,omitempty"`
}

// OpenAIConfig configures the OpenAI-compatible completion provider.
type OpenAIConfig struct {
	APIKey       string `yaml:"api_key,omitempty"`
	BaseURL      string `yaml:"base_url,omitempty"`
	Model        string `yaml:"model,omitempty"`
	Organization string `yaml:"organization,omitempty"`
}

// EmbeddingConfig selects the embedding model and its vector dimension. The
// dimension must match what the model actually produces; the vector indexes
// are sized to it.
type EmbeddingConfig struct {
	Provider  string `yaml:"provider,omitempty"` // currently "ollama"
	Model     string `yaml:"model,omitempty"`
	Dimension int    `yaml:"dimension,omitempty"`
}

// ExtractionConfig tunes the conversation-processing thresholds and model.
type ExtractionConfig struct {
	Provider string `yaml:"provider,omitempty"` // anthropic | openai | ollama
	Model    string `yaml:"model,omitempty"`
}

// RetrievalConfig tunes context augmentation.
type RetrievalConfig struct {
	MemoryLimit int `yaml:"memory_limit,omitempty"` // memories injected per turn
}

// BackfillConfig tunes the background embedding workers.
type BackfillConfig struct {
	Workers     int    `yaml:"workers,omitempty"`
	QueueSize   int    `yaml:"queue_size,omitempty"`
	TaskTimeout int    `yaml:"task_timeout,omitempty"` // seconds
	Schedule    string `yaml:"schedule,omitempty"`     // cron spec for the sweep
}

// Config is the full memoryd configuration.
type Config struct {
	DBPath  string `yaml:"db_path,omitempty"`
	LogFile string `yaml:"log_file,omitempty"`

	Embedding  EmbeddingConfig  `yaml:"embedding,omitempty"`
	Extraction ExtractionConfig `yaml:"extraction,omitempty"`
	Retrieval  RetrievalConfig  `yaml:"retrieval,omitempty"`
	Backfill   BackfillConfig   `yaml:"backfill,omitempty"`

	Anthropic AnthropicConfig `yaml:"anthropic,omitempty"`
	Ollama    OllamaConfig    `yaml:"ollama,omitempty"`
	OpenAI    OpenAIConfig    `yaml:"openai,omitempty"`
}

// DefaultConfigPath returns the config file location, overridable via
// MEMORYD_CONFIG_PATH.
func DefaultConfigPath() string {
	if envPath := os.Getenv("MEMORYD_CONFIG_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.memoryd/config.yaml"
	}
	return filepath.Join(homeDir, ".memoryd", "config.yaml")
}

func defaults() Config {
	return Config{
		DBPath: "~/.memoryd/memoryd.db",
		Embedding: EmbeddingConfig{
			Provider:  "ollama",
			Model:     "nomic-embed-text",
			Dimension: 768,
		},
		Extraction: ExtractionConfig{
			Provider: "ollama",
			Model:    "llama3.2:3b",
		},
		Retrieval: RetrievalConfig{
			MemoryLimit: 5,
		},
		Backfill: BackfillConfig{
			Workers:     2,
			QueueSize:   128,
			TaskTimeout: 30,
			Schedule:    "@every 10m",
		},
		Ollama: OllamaConfig{
			Host: "http://localhost:11434",
		},
		OpenAI: OpenAIConfig{
			BaseURL: "https://api.openai.com/v1",
		},
	}
}

// Load reads the config file at path (missing file means pure defaults),
// merges it onto the defaults, and applies environment fallbacks for
// credentials.
func Load(path string) (*Config, error) {
	cfg := defaults()

	expandedPath := expandPath(path)
	if _, err := os.Stat(expandedPath); err == nil {
		raw, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional file read for config
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", expandedPath, err)
		}
		var fileCfg Config
		if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", expandedPath, err)
		}
		if err := mergo.Merge(&cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge config: %w", err)
		}
	}

	// Credentials prefer the environment over the file.
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.Anthropic.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.OpenAI.APIKey = key
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		cfg.Ollama.Host = host
	}

	cfg.DBPath = expandPath(cfg.DBPath)
	if cfg.LogFile != "" {
		cfg.LogFile = expandPath(cfg.LogFile)
	}
	return &cfg, nil
}

// Save writes the configuration to the given path, creating the directory.
func Save(cfg *Config, path string) error {
	expandedPath := expandPath(path)
	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
