package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultName is the backup name written by `bv config init` when none is given.
const DefaultName = "default"

// Paths are the locations used before a config file has been read.
type Paths struct {
	// ConfigPath is BV_CONFIG_PATH, else $XDG_CONFIG_HOME/bv.toml.
	ConfigPath string
	// BaseDir holds index, staging, keys and logs. It is BV_HOME, else
	// $XDG_DATA_HOME/bv.
	BaseDir string
}

// DefaultPaths resolves Paths from the environment. The XDG variables fall
// back to ~/.config and ~/.local/share.
func DefaultPaths() (Paths, error) {
	configDir, err := xdgDir("XDG_CONFIG_HOME", ".config")
	if err != nil {
		return Paths{}, err
	}
	dataDir, err := xdgDir("XDG_DATA_HOME", ".local", "share")
	if err != nil {
		return Paths{}, err
	}
	return Paths{
		ConfigPath: envOr("BV_CONFIG_PATH", filepath.Join(configDir, "bv.toml")),
		BaseDir:    envOr("BV_HOME", filepath.Join(dataDir, "bv")),
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func xdgDir(key string, below ...string) (string, error) {
	if v := os.Getenv(key); filepath.IsAbs(v) {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(append([]string{home}, below...)...), nil
}
