package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const fileHeader = `# shopsync configuration
#
# Every key can be overridden with an environment variable named
# SHOPSYNC_<SECTION>_<KEY>, e.g. SHOPSYNC_REMOTE_URI or SHOPSYNC_SYNC_DEBOUNCE.
# Durations use Go syntax: "500ms", "2s", "5m".
#
# remote.kind is one of "none" (offline only), "memory" or "mongo".

`

// WriteFile writes cfg as TOML to path. It refuses to overwrite an existing
// file unless force is set.
func WriteFile(path string, cfg *Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(fileHeader)
	if err := toml.NewEncoder(&buf).Encode(cfg.Settings()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// WriteYAML prints cfg as YAML.
func WriteYAML(w io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg.Settings()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
