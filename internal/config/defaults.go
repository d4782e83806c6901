package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/jackzampolin/galley/internal/format"
	"github.com/jackzampolin/galley/internal/llm"
)

// Config is the full application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	LLM     llm.Config    `mapstructure:"llm" yaml:"llm"`
	Format  format.Config `mapstructure:"format" yaml:"format"`
	Persist PersistConfig `mapstructure:"persist" yaml:"persist"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// PersistConfig tunes job snapshot persistence.
type PersistConfig struct {
	// IntervalSeconds throttles snapshot writes per job; terminal
	// transitions always flush immediately.
	IntervalSeconds float64 `mapstructure:"interval_seconds" yaml:"interval_seconds"`
}

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8787,
		},
		LLM:     llm.DefaultConfig(),
		Format:  format.DefaultConfig(),
		Persist: PersistConfig{IntervalSeconds: 5},
	}
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Galley configuration
# The API key uses ${ENV_VAR} syntax to reference environment variables.
# Set it in your shell: export GALLEY_LLM_API_KEY=xxx

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
