package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the CLI configuration
type Config struct {
	DefaultEnv   string               `yaml:"default_env"`
	Environments map[string]EnvConfig `yaml:"environments"`
}

// EnvConfig represents configuration for a specific environment. APIKey is
// the admin key and only needed by publishing commands.
type EnvConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key,omitempty"`
	// GRPCAddr is used by commands run with --grpc.
	GRPCAddr string `yaml:"grpc_addr,omitempty"`
}

// ErrUnknownEnv is returned when an environment is not in the config file.
var ErrUnknownEnv = errors.New("environment not found in config")

// GetConfigPath returns the path to the config file. FLAGSHIP_CONFIG overrides
// the default ~/.flagship/config.yaml.
func GetConfigPath() (string, error) {
	if p := os.Getenv("FLAGSHIP_CONFIG"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".flagship", "config.yaml"), nil
}

// LoadConfig loads the configuration from file
func LoadConfig() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{
				DefaultEnv:   "prod",
				Environments: make(map[string]EnvConfig),
			}, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Environments == nil {
		cfg.Environments = make(map[string]EnvConfig)
	}
	return &cfg, nil
}

// SaveConfig saves the configuration to file
func SaveConfig(cfg *Config) error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SetEnv stores the connection settings of an environment, creating the
// config file when needed. Empty fields keep their current value.
func SetEnv(name string, env EnvConfig) error {
	if name == "" {
		return errors.New("environment name is required")
	}
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	cur := cfg.Environments[name]
	if env.BaseURL != "" {
		cur.BaseURL = env.BaseURL
	}
	if env.APIKey != "" {
		cur.APIKey = env.APIKey
	}
	if env.GRPCAddr != "" {
		cur.GRPCAddr = env.GRPCAddr
	}
	cfg.Environments[name] = cur
	return SaveConfig(cfg)
}

// SetDefaultEnv makes name the environment used when --env is omitted.
func SetDefaultEnv(name string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	if _, ok := cfg.Environments[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEnv, name)
	}
	cfg.DefaultEnv = name
	return SaveConfig(cfg)
}

// Overrides are connection settings given on the command line or through
// FLAGSHIP_* environment variables.
type Overrides struct {
	BaseURL  string
	APIKey   string
	GRPCAddr string
}

// GetEnvConfig returns configuration for a specific environment.
// Priority: command flags > environment variables > config file.
// Returns the environment config and the effective environment name.
func GetEnvConfig(envName string, flags Overrides) (*EnvConfig, string, error) {
	fromEnv := Overrides{
		BaseURL:  os.Getenv("FLAGSHIP_BASE_URL"),
		APIKey:   os.Getenv("FLAGSHIP_API_KEY"),
		GRPCAddr: os.Getenv("FLAGSHIP_GRPC_ADDR"),
	}

	cfg, err := LoadConfig()
	if err != nil {
		return nil, "", err
	}
	if envName == "" {
		envName = cfg.DefaultEnv
	}

	envCfg, ok := cfg.Environments[envName]
	if !ok && flags.BaseURL == "" && fromEnv.BaseURL == "" && flags.GRPCAddr == "" && fromEnv.GRPCAddr == "" {
		return nil, "", fmt.Errorf("%w: %s (run 'flagship config set-env %s --base-url ...')", ErrUnknownEnv, envName, envName)
	}

	envCfg.BaseURL = firstNonEmpty(flags.BaseURL, fromEnv.BaseURL, envCfg.BaseURL)
	envCfg.APIKey = firstNonEmpty(flags.APIKey, fromEnv.APIKey, envCfg.APIKey)
	envCfg.GRPCAddr = firstNonEmpty(flags.GRPCAddr, fromEnv.GRPCAddr, envCfg.GRPCAddr)
	return &envCfg, envName, nil
}

// InitConfig creates a default config file
func InitConfig() error {
	cfg := &Config{
		DefaultEnv: "dev",
		Environments: map[string]EnvConfig{
			"dev": {
				BaseURL:  "http://localhost:8080",
				APIKey:   "admin-123",
				GRPCAddr: "localhost:9000",
			},
			"prod": {
				BaseURL: "https://flagship.example.com",
			},
		},
	}
	return SaveConfig(cfg)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
