package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// fileConfig is the CLI's YAML configuration. Environment variables
// override file values.
type fileConfig struct {
	Token     string `yaml:"token"`
	Workspace string `yaml:"workspace"`
	APIURL    string `yaml:"api_url"`
}

// loadConfig reads the config file (if present) and applies SANDKIT_*
// environment overrides. A missing default file is not an error; a
// missing explicit one is.
func loadConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	explicit := path != ""

	if path == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, ".sandkit.yaml")
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		case explicit:
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}

	if v := os.Getenv("SANDKIT_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("SANDKIT_WORKSPACE"); v != "" {
		cfg.Workspace = v
	}
	if v := os.Getenv("SANDKIT_API_URL"); v != "" {
		cfg.APIURL = v
	}

	return cfg, nil
}
