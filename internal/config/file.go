package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads the config file at path. Keys the file leaves out keep the
// values NewConfig gives a backup of the same name and base_dir. Unknown
// keys are rejected so a typo never silently falls back to a default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Decode(string(data), path)
}

// Decode parses TOML text. source names it in errors.
func Decode(text, source string) (*Config, error) {
	var head struct {
		Name    string `toml:"name"`
		BaseDir string `toml:"base_dir"`
	}
	if _, err := toml.Decode(text, &head); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", source, err)
	}
	cfg := NewConfig(head.Name, head.BaseDir)
	md, err := toml.Decode(text, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", source, err)
	}
	if extra := md.Undecoded(); len(extra) > 0 {
		keys := make([]string, len(extra))
		for i, k := range extra {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%s: unknown keys %s", source, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	return cfg, nil
}

// Validate checks the settings that no factory looks at on its own.
func (c *Config) Validate() error {
	var errs []error
	if c.Name == "" || strings.ContainsAny(c.Name, `/\`) {
		errs = append(errs, fmt.Errorf("name %q must be non-empty and contain no path separators", c.Name))
	}
	if !filepath.IsAbs(c.BaseDir) {
		errs = append(errs, fmt.Errorf("base_dir %q must be absolute", c.BaseDir))
	}
	if t := c.Engine.CompactThreshold; t < 0 || t > 100 {
		errs = append(errs, fmt.Errorf("engine.compact_threshold %d is not a percentage", t))
	}
	if c.Transfer.Concurrency < 0 || c.Transfer.Retries < 0 {
		errs = append(errs, errors.New("transfer.concurrency and transfer.retries must not be negative"))
	}
	if _, err := c.Transfer.RetryDelayDuration(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Transfer.ObjectLockDurationValue(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Encode writes cfg as TOML.
func Encode(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}

// Init writes cfg to a new file at path. It never replaces an existing
// file. The file is private to the user since it may hold S3 credentials.
func Init(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	if err := Encode(f, cfg); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}
