package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings holds daemon defaults loaded from <home>/config.yaml.
// Zero values mean "not set"; command-line flags take precedence.
type Settings struct {
	Port          int    `yaml:"port,omitempty"`
	MaxConcurrent int    `yaml:"maxConcurrent,omitempty"`
	MaxPerProject int    `yaml:"maxPerProject,omitempty"`
	Command       string `yaml:"command,omitempty"`
	DBDriver      string `yaml:"dbDriver,omitempty"`
	DBURL         string `yaml:"dbURL,omitempty"`
	PprofAddr     string `yaml:"pprofAddr,omitempty"`
	Otel          *bool  `yaml:"otel,omitempty"`
}

// SettingsPath returns the path to the settings file: <home>/config.yaml.
func SettingsPath(home string) string {
	return filepath.Join(home, "config.yaml")
}

// LoadSettings loads daemon settings from <home>/config.yaml.
// Returns nil (no error) when the file does not exist.
func LoadSettings(home string) (*Settings, error) {
	data, err := os.ReadFile(SettingsPath(home))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveSettings writes daemon settings to <home>/config.yaml.
func SaveSettings(home string, s *Settings) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(SettingsPath(home), data, 0o644)
}
