package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadServer loads server configuration.
// Search order: customPath -> ~/.lockstep/configs/server.yaml -> ./configs/server.yaml -> embedded default
func LoadServer(customPath string) (ServerConfig, error) {
	cfg, err := load(customPath, "server.yaml", defaultServerYAML, DefaultServerConfig)
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// LoadClient loads client configuration.
// Search order: customPath -> ~/.lockstep/configs/client.yaml -> ./configs/client.yaml -> embedded default
func LoadClient(customPath string) (ClientConfig, error) {
	cfg, err := load(customPath, "client.yaml", defaultClientYAML, DefaultClientConfig)
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// load decodes the first config file found on top of the hardcoded
// defaults, so a file only needs the keys it changes.
func load[T any](customPath, filename string, embedded []byte, defaults func() T) (T, error) {
	// Try custom path first
	if customPath != "" {
		cfg := defaults()
		data, err := os.ReadFile(customPath)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config %s: %w", customPath, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", customPath, err)
		}
		return cfg, nil
	}

	// Try user config directory, then the local configs directory
	for _, path := range []string{userConfigPath(filename), filepath.Join("configs", filename)} {
		if path == "" {
			continue
		}
		if data, err := os.ReadFile(path); err == nil {
			cfg := defaults()
			if err := yaml.Unmarshal(data, &cfg); err == nil {
				return cfg, nil
			}
		}
	}

	// Use embedded default YAML
	cfg := defaults()
	if err := yaml.Unmarshal(embedded, &cfg); err != nil {
		return defaults(), nil // Fallback to hardcoded if embed fails
	}
	return cfg, nil
}

// userConfigPath returns the path to user config file, or empty if home is unavailable.
func userConfigPath(filename string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".lockstep", "configs", filename)
}
