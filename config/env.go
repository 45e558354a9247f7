package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Settings are the process-level settings every executable reads from its environment.
// Command line flags override them.
type Settings struct {
	LogLevel    string `env:"COMMBRIDGE_LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"COMMBRIDGE_LOG_FORMAT" envDefault:"text"`
	MetricsAddr string `env:"COMMBRIDGE_METRICS_ADDR"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadSettings returns Settings from the environment
func LoadSettings() (Settings, error) {
	var s Settings
	err := ParseEnv(&s)
	return s, err
}
