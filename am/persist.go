package am

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/docpipe/errors"
)

// createBackup creates rotating backups (.back1, .back2, .back3) before overwriting config
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		fmt.Printf("⚠️  Failed to delete old backup %s: %v\n", back3, err)
	}
	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}
	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}

	return nil
}

// fileConfig is the subset of Config written by WriteDefault. API keys are
// left out so starter files never carry secrets.
type fileConfig struct {
	Database  DatabaseConfig  `toml:"database"`
	Server    ServerConfig    `toml:"server"`
	Pulse     PulseConfig     `toml:"pulse"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Providers map[string]any  `toml:"providers"`
	Templates TemplatesConfig `toml:"templates"`
	Notify    NotifyConfig    `toml:"notify"`
	Limits    LimitsConfig    `toml:"limits"`
}

// Marshal renders cfg as TOML without credentials
func Marshal(cfg *Config) ([]byte, error) {
	providers := map[string]any{
		"default":        cfg.Providers.Default,
		"fallback_model": cfg.Providers.FallbackModel,
	}
	for name, p := range cfg.Providers.byName() {
		section := map[string]any{
			"enabled":             p.Enabled,
			"model":               p.Model,
			"timeout_seconds":     p.TimeoutSeconds,
			"max_concurrency":     p.MaxConcurrency,
			"requests_per_minute": p.RequestsPerMinute,
		}
		if p.BaseURL != "" {
			section["base_url"] = p.BaseURL
		}
		providers[name] = section
	}

	data, err := toml.Marshal(fileConfig{
		Database:  cfg.Database,
		Server:    cfg.Server,
		Pulse:     cfg.Pulse,
		Pipeline:  cfg.Pipeline,
		Providers: providers,
		Templates: cfg.Templates,
		Notify:    cfg.Notify,
		Limits:    cfg.Limits,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal config")
	}
	return data, nil
}

// WriteDefault writes cfg to path, rotating any existing file into backups
func WriteDefault(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "failed to create config directory for %s", path)
	}
	if err := createBackup(path); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := Marshal(cfg)
	if err != nil {
		return err
	}

	header := []byte("# docpipe configuration\n# API keys are read from DOCPIPE_<PROVIDER>_API_KEY or the vendor variable.\n\n")
	if err := os.WriteFile(path, append(header, data...), DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write config to %s", path)
	}
	return nil
}
