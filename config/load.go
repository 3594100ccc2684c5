package config

import (
	"fmt"
	"strings"

	"github.com/creasty/defaults"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load (EMBERKV_PORT, ...).
const EnvPrefix = "EMBERKV"

// Load builds a Config from defaults, an optional config file and EMBERKV_*
// environment variables, in increasing order of precedence. An empty file skips
// the file layer.
func Load(file string) (Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Viper only unmarshals keys it knows about, so every field is registered
	// with its default before env lookups can take effect.
	v.SetDefault("version", string(cfg.Version))
	v.SetDefault("host", cfg.Host)
	v.SetDefault("port", cfg.Port)
	v.SetDefault("database", cfg.Database)
	v.SetDefault("username", cfg.Username)
	v.SetDefault("password", cfg.Password)
	v.SetDefault("binaries_path", cfg.BinariesPath)
	v.SetDefault("runtime_base_path", cfg.RuntimeBasePath)
	v.SetDefault("start_timeout", cfg.StartTimeout)
	v.SetDefault("keep_data", cfg.KeepData)
	v.SetDefault("shutdown_policy", string(cfg.ShutdownPolicy))

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// Fill anything a file explicitly blanked out.
	if err := defaults.Set(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to set config defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
