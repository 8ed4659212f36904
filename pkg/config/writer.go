package config

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Write serializes the configuration as YAML.
func (c Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	return enc.Close()
}
