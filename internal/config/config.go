package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds the runtime settings of the orchestrator server.
type Config struct {
	Port        string `mapstructure:"port"`
	DatabaseURL string `mapstructure:"database_url"`
	RedisAddr   string `mapstructure:"redis_addr"` // empty disables the redis event sink
	WorkDir     string `mapstructure:"work_dir"`

	// Health endpoints probed by the error classifier and validator.
	LLMHealthURL string `mapstructure:"llm_health_url"`

	// Environment variables that must be set for a run to validate.
	CredentialEnvVars []string `mapstructure:"credential_env_vars"`

	// Per-stage commands for the subprocess executor, e.g.
	// stage_commands.summarize: ["claude-summarize", "--episode"]
	StageCommands map[string][]string `mapstructure:"stage_commands"`
}

// Load reads configuration from wdfwatch.yaml (searched in path and the
// working directory) with WDFWATCH_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("wdfwatch")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.SetEnvPrefix("WDFWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", "8080")
	v.SetDefault("work_dir", "/tmp/wdfwatch")
	v.SetDefault("llm_health_url", "http://localhost:11434/api/tags")
	v.SetDefault("credential_env_vars", []string{"ANTHROPIC_API_KEY"})

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; env vars and defaults may be enough.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}
