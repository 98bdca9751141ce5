package database

import (
	"os"
	"path/filepath"
	"testing"

	"bv-go/internal/config"
)

func TestNewDatabaseFromConfig(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "nested", "data")
	tests := []struct {
		name     string
		cfg      config.DatabaseConfig
		wantErr  bool
		wantFile string
	}{
		{name: "memory", cfg: config.DatabaseConfig{Type: "memory"}},
		{name: "sqlite creates the data dir", cfg: config.DatabaseConfig{Type: "sqlite", DataDir: dataDir}, wantFile: filepath.Join(dataDir, "laptop.db")},
		{name: "sqlite without data_dir", cfg: config.DatabaseConfig{Type: "sqlite"}, wantErr: true},
		{name: "unknown type", cfg: config.DatabaseConfig{Type: "postgres"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, err := NewDatabaseFromConfig(tt.cfg, "laptop")
			if tt.wantErr {
				if err == nil || db != nil {
					t.Fatalf("NewDatabaseFromConfig() = %v, %v, want an error", db, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewDatabaseFromConfig() error = %v", err)
			}
			defer db.Close()
			if tt.wantFile != "" {
				if _, err := os.Stat(tt.wantFile); err != nil {
					t.Errorf("index file not created: %v", err)
				}
			}
		})
	}
}
