// Package config loads the run configuration: a single flat struct,
// loaded by unmarshalling an entire YAML file at once via
// gopkg.in/yaml.v3, with field comments standing in for a schema
// rather than a separate validation layer.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds every recognized run option.
type Config struct {
	// Where call-tree-dump.txt and call-stacks.txt are written.
	// Required.
	OutputDirectory string `yaml:"output-directory"`

	// MAP files for symbol resolution, one per image. Optional.
	MapFiles []string `yaml:"map-files,omitempty"`

	// Directory of "<image-name>.map" files, an alternative to listing
	// MapFiles individually. Optional.
	MapDirectory string `yaml:"map-directory,omitempty"`

	// Emit call-tree-dump.txt. Off by default: the dump can be large
	// and is mostly useful while debugging the merge itself.
	DumpCallTree bool `yaml:"dump-call-tree"`

	// Gate memory/allocation lines in the call-tree dump. On by
	// default.
	IncludeMemoryAccesses bool `yaml:"include-memory-accesses-in-dump"`
}

// Default returns a Config with every optional field at its default
// value, for callers building one up from flags rather than a file.
func Default() Config {
	return Config{IncludeMemoryAccesses: true}
}

// Load reads and validates a YAML config file. A missing
// OutputDirectory is a configuration error, fatal at startup.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cannot read config: %v", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("cannot parse config: %v", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration error conditions that must be
// fatal at startup rather than surfacing as a confusing failure later.
func (c Config) Validate() error {
	if c.OutputDirectory == "" {
		return fmt.Errorf("config: output-directory is required")
	}
	return nil
}
