package config

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	original := NewConfig("laptop", "/home/user/.local/share/bv")
	original.Sources = []string{"/home/user/docs"}
	original.Backend = BackendConfig{Type: "s3", S3Bucket: "backups", S3Prefix: "laptop/", S3Region: "eu-west-1"}
	original.Staging.Type, original.Staging.MaxSize = "memory", 1<<30
	original.Filesystem.Ignore = []string{"*.log", ".git/"}
	original.Engine.RetentionPolicy = "1W:1D,U:1M"
	original.Transfer.ObjectLockDuration = "720h"

	var buf bytes.Buffer
	if err := Encode(&buf, original); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := Decode(buf.String(), "buffer")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !reflect.DeepEqual(got, original) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, original)
	}
}

func TestDecode(t *testing.T) {
	t.Run("missing keys keep defaults", func(t *testing.T) {
		cfg, err := Decode(`
name = "nas"
base_dir = "/srv/bv"
sources = ["/srv/photos"]

[backend]
type = "filesystem"
fs_root = "/mnt/usb"

[engine]
keep_versions = 3
`, "nas.toml")
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		want := NewConfig("nas", "/srv/bv")
		if cfg.Engine.BlockSize != want.Engine.BlockSize || cfg.Engine.Prefix != "bv" {
			t.Errorf("Engine = %+v, want defaults", cfg.Engine)
		}
		if cfg.Engine.KeepVersions != 3 {
			t.Errorf("KeepVersions = %d, want 3", cfg.Engine.KeepVersions)
		}
		if cfg.Database.DataDir != "/srv/bv/db" || cfg.LogDir != "/srv/bv/log" {
			t.Errorf("paths not derived from base_dir: %+v %q", cfg.Database, cfg.LogDir)
		}
		if cfg.Transfer != want.Transfer {
			t.Errorf("Transfer = %+v, want %+v", cfg.Transfer, want.Transfer)
		}
	})

	tests := []struct {
		name string
		text string
		want string
	}{
		{"unknown key", "name = \"a\"\nbase_dir = \"/b\"\n[engine]\nblok_size = 1\n", "engine.blok_size"},
		{"bad toml", "name = ", "parsing"},
		{"no name", "base_dir = \"/b\"\n", "name"},
		{"relative base", "name = \"a\"\nbase_dir = \"b\"\n", "base_dir"},
		{"threshold", "name = \"a\"\nbase_dir = \"/b\"\n[engine]\ncompact_threshold = 120\n", "compact_threshold"},
		{"retry delay", "name = \"a\"\nbase_dir = \"/b\"\n[transfer]\nretry_delay = \"soon\"\n", "retry_delay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.text, "x.toml")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Decode() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("laptop", "/data/bv")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.LogDir != "/data/bv/log" || cfg.Encryption.PublicKeyPath != "/data/bv/keys/bv.pub" {
		t.Errorf("LogDir, PublicKeyPath = %q, %q", cfg.LogDir, cfg.Encryption.PublicKeyPath)
	}
	if cfg.Engine.BlockSize != 1<<20 || cfg.Engine.CompactThreshold != 25 {
		t.Errorf("Engine = %+v", cfg.Engine)
	}
	if cfg.Transfer.Concurrency != 4 || cfg.Transfer.Retries != 5 {
		t.Errorf("Transfer = %+v, want concurrency 4 and 5 retries", cfg.Transfer)
	}
}

func TestTransferConfig_Durations(t *testing.T) {
	tc := TransferConfig{RetryDelay: "10s"}
	if d, err := tc.RetryDelayDuration(); err != nil || d != 10*time.Second {
		t.Errorf("RetryDelayDuration() = %v, %v; want 10s", d, err)
	}
	if lock, err := tc.ObjectLockDurationValue(); err != nil || lock != 0 {
		t.Errorf("ObjectLockDurationValue() = %v, %v; want 0", lock, err)
	}
	tc.RetryDelay = "soon"
	if _, err := tc.RetryDelayDuration(); err == nil {
		t.Error("RetryDelayDuration() accepted an invalid value")
	}
}

func TestInitAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "etc", "bv.toml")
	cfg := NewConfig("h1", dir)
	cfg.Database = DatabaseConfig{Type: "memory"}

	if err := Init(path, cfg); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config mode = %o, want 600", info.Mode().Perm())
	}
	if err := Init(path, cfg); err == nil {
		t.Error("second Init() replaced the file")
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Name != "h1" || got.Database.Type != "memory" {
		t.Errorf("Load() = %+v", got)
	}
	if _, err := Load(filepath.Join(dir, "absent.toml")); err == nil {
		t.Error("Load() of a missing file succeeded")
	}
}
