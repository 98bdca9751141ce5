package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultPaths(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	tests := []struct {
		name string
		env  map[string]string
		want Paths
	}{
		{
			name: "home fallback",
			want: Paths{
				ConfigPath: filepath.Join(home, ".config", "bv.toml"),
				BaseDir:    filepath.Join(home, ".local", "share", "bv"),
			},
		},
		{
			name: "xdg dirs",
			env:  map[string]string{"XDG_CONFIG_HOME": "/xdg/config", "XDG_DATA_HOME": "/xdg/data"},
			want: Paths{ConfigPath: "/xdg/config/bv.toml", BaseDir: "/xdg/data/bv"},
		},
		{
			name: "relative xdg dir is ignored",
			env:  map[string]string{"XDG_CONFIG_HOME": "config"},
			want: Paths{
				ConfigPath: filepath.Join(home, ".config", "bv.toml"),
				BaseDir:    filepath.Join(home, ".local", "share", "bv"),
			},
		},
		{
			name: "bv variables win",
			env: map[string]string{
				"XDG_CONFIG_HOME": "/xdg/config",
				"BV_CONFIG_PATH":  "/etc/bv/laptop.toml",
				"BV_HOME":         "/srv/bv",
			},
			want: Paths{ConfigPath: "/etc/bv/laptop.toml", BaseDir: "/srv/bv"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"XDG_CONFIG_HOME", "XDG_DATA_HOME", "BV_CONFIG_PATH", "BV_HOME"} {
				t.Setenv(k, tt.env[k])
			}
			got, err := DefaultPaths()
			if err != nil {
				t.Fatalf("DefaultPaths() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("DefaultPaths() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
