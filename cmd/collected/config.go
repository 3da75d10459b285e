package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML configuration for collected. Every field has
// an environment override so container deployments can skip the file.
type fileConfig struct {
	Listen         string `yaml:"listen"`
	DataDir        string `yaml:"data_dir"`
	CatalogDB      string `yaml:"catalog_db"`
	Policy         string `yaml:"policy"` // warn | require
	DefaultProject string `yaml:"default_project"`
	Fanout         int    `yaml:"fanout"`
	Workers        int    `yaml:"workers"`
	LogLevel       string `yaml:"log_level"`
	MCPTransport   string `yaml:"mcp_transport"` // "" | stdio
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Listen:    ":8091",
		DataDir:   "data",
		CatalogDB: "db/catalog.db",
		Policy:    "warn",
		LogLevel:  "info",
	}
}

// loadConfig reads path (when it exists) over the defaults, then
// applies environment overrides.
func loadConfig(path string) (fileConfig, error) {
	cfg := defaultFileConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Config file is optional.
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	overrideString(&cfg.Listen, "LISTEN")
	overrideString(&cfg.DataDir, "DATA_DIR")
	overrideString(&cfg.CatalogDB, "CATALOG_DB")
	overrideString(&cfg.Policy, "PROJECT_POLICY")
	overrideString(&cfg.DefaultProject, "DEFAULT_PROJECT")
	overrideString(&cfg.LogLevel, "LOG_LEVEL")
	overrideString(&cfg.MCPTransport, "MCP_TRANSPORT")
	return cfg, nil
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
