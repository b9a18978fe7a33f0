package core

import (
	"fmt"
	"os"
	"path/filepath"

	uber_config "go.uber.org/config"
	"go.uber.org/fx"
)

// ConfigModule provides the configuration dependencies.
var ConfigModule = fx.Options(
	fx.Provide(NewConfig),
)

// Config wraps a go.uber.org/config Provider.
type Config struct {
	provider uber_config.Provider
}

// Get proxies to the underlying provider.
func (c Config) Get(path string) uber_config.Value {
	return c.provider.Get(path)
}

// Name implements uber_config.Provider.
func (c Config) Name() string {
	return "config"
}

// NewConfig loads config/base.yaml, expanding ${VAR}-style references
// against the process environment so that the environment variables in
// spec.md §6 (PORT, PRODUCT_ID, ...) are read exactly once at startup.
func NewConfig() (uber_config.Provider, error) {
	configDir := getConfigDir()
	basePath := filepath.Join(configDir, "base.yaml")

	if _, err := os.Stat(basePath); err != nil {
		return nil, fmt.Errorf("loading base configuration from %q: %w", basePath, err)
	}

	provider, err := uber_config.NewYAML(
		uber_config.File(basePath),
		uber_config.Expand(os.LookupEnv),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return Config{provider: provider}, nil
}

// getConfigDir returns the path to the configuration directory.
func getConfigDir() string {
	if configDir := os.Getenv("GATEWAY_CONFIG_DIR"); configDir != "" {
		return configDir
	}
	return "config"
}
