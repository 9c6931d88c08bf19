package core

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// HCL parsing structs

type hclConfig struct {
	Verbose     int           `hcl:"verbose,optional"`
	ProductName string        `hcl:"product_name,optional"`
	ProjectPath string        `hcl:"project_path,optional"`
	AssetRoot   string        `hcl:"asset_root,optional"`
	TempDir     string        `hcl:"temp_dir,optional"`
	Companion   *hclCompanion `hcl:"companion,block"`
}

type hclCompanion struct {
	Name           string `hcl:"name,optional"`
	MaxAttempts    int    `hcl:"max_attempts,optional"`
	AttemptTimeout string `hcl:"attempt_timeout,optional"`
	PollInterval   string `hcl:"poll_interval,optional"`
	StopTimeout    string `hcl:"stop_timeout,optional"`
	HistorySize    int    `hcl:"history_size,optional"`
}

// LoadConfig loads the HCL configuration file and returns a Configuration struct.
// Zero values fall back to GetDefaultConfig.
func LoadConfig(filename string) (*Configuration, error) {
	var hclCfg hclConfig

	if err := hclsimple.DecodeFile(filename, nil, &hclCfg); err != nil {
		return nil, fmt.Errorf("failed to parse HCL config: %w", err)
	}

	cfg := GetDefaultConfig()
	cfg.ConfigPath = filename
	cfg.Verbose = hclCfg.Verbose

	if hclCfg.ProductName != "" {
		cfg.ProductName = hclCfg.ProductName
	}
	if hclCfg.ProjectPath != "" {
		cfg.ProjectPath = expandPath(hclCfg.ProjectPath)
	}
	if hclCfg.AssetRoot != "" {
		cfg.AssetRoot = expandPath(hclCfg.AssetRoot)
	}
	if hclCfg.TempDir != "" {
		cfg.TempDir = expandPath(hclCfg.TempDir)
	}

	if c := hclCfg.Companion; c != nil {
		if c.Name != "" {
			cfg.Companion.Name = c.Name
		}
		if c.MaxAttempts > 0 {
			cfg.Companion.MaxAttempts = c.MaxAttempts
		}
		if c.HistorySize > 0 {
			cfg.Companion.HistorySize = c.HistorySize
		}

		durations := []struct {
			key   string
			value string
			dst   *time.Duration
		}{
			{"attempt_timeout", c.AttemptTimeout, &cfg.Companion.AttemptTimeout},
			{"poll_interval", c.PollInterval, &cfg.Companion.PollInterval},
			{"stop_timeout", c.StopTimeout, &cfg.Companion.StopTimeout},
		}
		for _, d := range durations {
			if d.value == "" {
				continue
			}
			parsed, err := time.ParseDuration(d.value)
			if err != nil {
				return nil, fmt.Errorf("invalid companion.%s %q: %w", d.key, d.value, err)
			}
			if parsed <= 0 {
				return nil, fmt.Errorf("companion.%s must be positive, got %s", d.key, d.value)
			}
			*d.dst = parsed
		}
	}

	if cfg.AssetRoot == "" && cfg.ProjectPath != "" {
		cfg.AssetRoot = cfg.ProjectPath + string(os.PathSeparator) + "Assets"
	}

	return cfg, nil
}

// InitializeConfig sets the global Config from STAGEHAND_CONFIG when present,
// otherwise from defaults. Returns the path that was loaded, if any.
func InitializeConfig() (string, error) {
	path := os.Getenv(ConfigPathEnv)
	if path == "" || !ConfigExists(path) {
		Config = GetDefaultConfig()
		return "", nil
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		return path, err
	}
	Config = cfg
	return path, nil
}

// ConfigExists checks if a config file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return err == nil
}

func expandPath(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}
