package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load reads the yaml config at path. A top-level "include" list names
// files that are merged before the including file, depth first, so the
// including file always wins on conflicting keys.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	merged := viper.New()
	merged.SetConfigType("yaml")
	walk := &includeWalk{merged: merged, onStack: map[string]bool{}, done: map[string]bool{}}
	if err := walk.visit(abs); err != nil {
		return nil, err
	}

	var cfg Config
	if err := merged.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}

	// Keys the user set explicitly keep their values even when zero, so
	// defaults only fill what was actually omitted.
	setKeys := make(keySet)
	for _, key := range merged.AllKeys() {
		setKeys.mark(key)
	}
	cfg.applyDefaults(setKeys)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// includeWalk merges config files depth first. onStack guards against
// include cycles; done makes diamond includes idempotent.
type includeWalk struct {
	merged  *viper.Viper
	onStack map[string]bool
	done    map[string]bool
}

func (w *includeWalk) visit(path string) error {
	path = filepath.Clean(path)
	if w.onStack[path] {
		return fmt.Errorf("include cycle detected: %s", path)
	}
	if w.done[path] {
		return nil
	}
	w.onStack[path] = true
	defer delete(w.onStack, path)

	file := viper.New()
	file.SetConfigFile(path)
	if err := file.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	for _, inc := range file.GetStringSlice("include") {
		inc = strings.TrimSpace(inc)
		if inc == "" {
			continue
		}
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		if err := w.visit(inc); err != nil {
			return err
		}
	}
	w.done[path] = true
	return w.merged.MergeConfigMap(file.AllSettings())
}
