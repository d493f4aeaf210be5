package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/mandiant/harbinger-sub002/errors"
)

// Load reads the core configuration using Viper.
// Search order: explicit path (if non-empty), then ./harbinger.toml,
// then environment overrides with the HARBINGER_ prefix.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("HARBINGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
		}
	} else {
		v.SetConfigName("harbinger")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		// Missing config file is fine - defaults plus env cover everything
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errors.Wrap(err, "failed to read config")
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	return &config, nil
}

// SetDefaults registers default values on the given Viper instance
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "harbinger.db")

	v.SetDefault("server.port", 8880)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.session_expiry_hours", 24)

	v.SetDefault("engine.workers", 1)
	v.SetDefault("engine.poll_interval_seconds", 1)
	v.SetDefault("engine.supervisor_tick_seconds", 60)

	// Data-plane executions may run for up to roughly a year; control-plane
	// bookkeeping is bounded at an hour.
	v.SetDefault("exec.command_timeout_hours", 24*365)
	v.SetDefault("exec.bookkeeping_timeout_minutes", 60)

	v.SetDefault("reconcile.interval_seconds", 60)
	v.SetDefault("reconcile.drift_check_timeout_minutes", 5)

	v.SetDefault("backend.image", "harbinger/c2-server:latest")
	v.SetDefault("backend.label_key", "harbinger.backend_id")
}
