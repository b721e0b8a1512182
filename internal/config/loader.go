package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// signingKeyEnv is the environment variable holding the token signing key.
// Secrets never live in the config file.
const signingKeyEnv = "AVAUTHGW_SIGNING_KEY"

// Load reads and validates a YAML configuration file. Values not present in
// the file keep their defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is empty")
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", path)
		}
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path is a directory, not a file: %s", path)
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// SigningKey reads the token signing key from the environment.
func SigningKey() ([]byte, error) {
	key := os.Getenv(signingKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("%s is not set", signingKeyEnv)
	}
	return []byte(key), nil
}
