package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// DataDir resolves the data root: CARAPACE_DATA_DIR or ./data.
func DataDir() (string, error) {
	dir := os.Getenv("CARAPACE_DATA_DIR")
	if dir == "" {
		dir = "./data"
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve data directory: %w", err)
	}
	return abs, nil
}

// InitViper points Viper at <dataDir>/config.yaml and wires environment
// variable overrides with the CARAPACE prefix.
func InitViper(dataDir string) {
	viper.SetConfigFile(filepath.Join(dataDir, "config.yaml"))
	viper.SetConfigType("yaml")

	// Environment variable support: CARAPACE_SERVER_PORT etc.
	viper.SetEnvPrefix("CARAPACE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// bindNestedEnvKeys binds nested config keys for env var support. Viper's
// AutomaticEnv does not discover nested keys on its own.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("carapace.log_level")
	_ = viper.BindEnv("server.host")
	_ = viper.BindEnv("server.port")
	_ = viper.BindEnv("agent.model")
	_ = viper.BindEnv("agent.classifier_model")
	_ = viper.BindEnv("security.approval_timeout")
	_ = viper.BindEnv("sessions.history_retention_days")
	_ = viper.BindEnv("credentials.backend")
	_ = viper.BindEnv("audit.retention_days")
}

// Load reads the configuration file, applies environment overrides and
// defaults, and validates the result. A missing config file is not an
// error: defaults plus environment variables carry a fresh install.
func Load() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}
