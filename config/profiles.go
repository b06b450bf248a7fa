package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// profilesFile is the on-disk layout of a limit profiles document:
//
//	profiles:
//	  strict:
//	    wall_time: 2s
//	    cpu_time: 1s
//	    memory_mb: 64
type profilesFile struct {
	Profiles map[string]LimitsConfig `yaml:"profiles"`
}

// LoadProfiles reads named limit profiles from a YAML file.
// An empty path yields no profiles.
func LoadProfiles(path string) (map[string]LimitsConfig, error) {
	if path == "" {
		return map[string]LimitsConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles file: %w", err)
	}

	return ParseProfiles(data)
}

// ParseProfiles decodes a limit profiles document
func ParseProfiles(data []byte) (map[string]LimitsConfig, error) {
	var doc profilesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse profiles: %w", err)
	}

	if doc.Profiles == nil {
		return map[string]LimitsConfig{}, nil
	}

	for name := range doc.Profiles {
		if name == "" {
			return nil, fmt.Errorf("profile name must not be empty")
		}
	}

	return doc.Profiles, nil
}
