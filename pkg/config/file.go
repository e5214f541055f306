package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// loadFile merges a YAML settings file into the receiver. Absent keys keep
// their current values, so the file only needs to name what it changes.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
