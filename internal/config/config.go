// Package config loads and validates the engine configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"github.com/stratlab-hq/stratlab/internal/types"
	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host" json:"host" validate:"required"`
	Port int    `yaml:"port" json:"port" validate:"gt=0,lte=65535"`
}

type DataConfig struct {
	// StorePath is the DuckDB file holding strategies, runs and settings.
	StorePath string `yaml:"store_path" json:"store_path" validate:"required"`
	// CandlePath is the DuckDB file used as the local candle cache.
	CandlePath string `yaml:"candle_path" json:"candle_path" validate:"required"`
	// PolygonAPIKey enables the remote provider. Empty means local-only.
	PolygonAPIKey string `yaml:"polygon_api_key" json:"polygon_api_key"`
}

type EngineConfig struct {
	// Workers bounds concurrent symbol units and simulations.
	Workers int `yaml:"workers" json:"workers" validate:"gte=1"`
}

type Config struct {
	Server ServerConfig `yaml:"server" json:"server" validate:"required"`
	Data   DataConfig   `yaml:"data" json:"data" validate:"required"`
	Engine EngineConfig `yaml:"engine" json:"engine" validate:"required"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 8080},
		Data: DataConfig{
			StorePath:  "stratlab.duckdb",
			CandlePath: "candles.duckdb",
		},
		Engine: EngineConfig{Workers: 4},
	}
}

// Load reads a YAML config file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	return nil
}

// SettingsSchema returns the JSON schema of the run settings, used by the
// settings editor in the HTTP API.
func SettingsSchema() (string, error) {
	r := new(jsonschema.Reflector)
	r.DoNotReference = true
	schema := r.Reflect(types.Settings{})

	out, err := json.Marshal(schema)
	if err != nil {
		return "", err
	}

	return string(out), nil
}
