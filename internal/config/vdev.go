package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// VdevConfig is the Go analogue of the name->value configuration
// dictionary described in the spec: a "children" list, an "nparity"
// count, and a "type" discriminator ("raidy").
type VdevConfig struct {
	Children []string `mapstructure:"children"`
	Nparity  int      `mapstructure:"nparity"`
	Type     string   `mapstructure:"type"`
}

// LoadVdevConfig reads a vdev configuration dictionary through viper,
// accepting either a path to a YAML/JSON file or an in-memory
// map[string]any (the way the host pool would hand over an nvlist).
func LoadVdevConfig(source any) (*VdevConfig, error) {
	v := viper.New()

	switch src := source.(type) {
	case string:
		v.SetConfigFile(src)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading vdev config %q: %w", src, err)
		}
	case map[string]any:
		if err := v.MergeConfigMap(src); err != nil {
			return nil, fmt.Errorf("merging vdev config map: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported vdev config source type %T", source)
	}

	var cfg VdevConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling vdev config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate enforces the ConfigurationInvalid taxonomy entry: bad
// nparity or too few children fails fast with no side effects.
func (c *VdevConfig) Validate() error {
	if c.Type != VdevTypeRaidY {
		return fmt.Errorf("unsupported vdev type %q, expected %q", c.Type, VdevTypeRaidY)
	}
	if c.Nparity < MinNparity || c.Nparity > MaxNparity {
		return fmt.Errorf("nparity %d out of range [%d,%d]", c.Nparity, MinNparity, MaxNparity)
	}
	if len(c.Children) <= c.Nparity {
		return fmt.Errorf("too few children (%d) for nparity %d", len(c.Children), c.Nparity)
	}
	return nil
}
