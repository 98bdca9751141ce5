package backend

import (
	"context"
	"path/filepath"
	"testing"

	"bv-go/internal/config"
)

func TestNewBackendFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.BackendConfig
		wantErr bool
	}{
		{
			name: "memory backend",
			cfg:  config.BackendConfig{Type: "memory"},
		},
		{
			name: "filesystem backend",
			cfg:  config.BackendConfig{Type: "filesystem", FSRoot: filepath.Join(t.TempDir(), "remote")},
		},
		{
			name:    "filesystem backend without root",
			cfg:     config.BackendConfig{Type: "filesystem"},
			wantErr: true,
		},
		{
			name:    "s3 backend without bucket",
			cfg:     config.BackendConfig{Type: "s3"},
			wantErr: true,
		},
		{
			name:    "gcs backend without bucket",
			cfg:     config.BackendConfig{Type: "gcs"},
			wantErr: true,
		},
		{
			name:    "unknown backend type",
			cfg:     config.BackendConfig{Type: "unknown"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewBackendFromConfig(context.Background(), tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewBackendFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if err := got.Test(context.Background()); err != nil {
				t.Errorf("Test() error = %v", err)
			}
		})
	}
}
