package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bv-go/internal/bv"
	"bv-go/internal/config"
	"bv-go/internal/retention"
)

// newTestConfig returns a config that keeps everything below one temp dir
// and backs up src to a filesystem backend.
func newTestConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	base := t.TempDir()
	src := filepath.Join(base, "src")
	if err := os.MkdirAll(filepath.Join(src, "docs"), 0755); err != nil {
		t.Fatal(err)
	}

	cfg := config.NewConfig("laptop", base)
	cfg.Sources = []string{src}
	cfg.Encryption = config.EncryptionConfig{Type: "test"}
	cfg.Backend = config.BackendConfig{Type: "filesystem", FSRoot: filepath.Join(base, "remote")}
	cfg.Engine.Prefix = ""
	cfg.Engine.BlockSize = 1024
	cfg.Engine.VolumeSize = 4096
	cfg.Transfer.RetryDelay = ""
	return cfg, src
}

func openApp(t *testing.T, cfg *config.Config, command string, opts Options) *BVApp {
	t.Helper()
	a, err := NewBVApp(context.Background(), cfg, command, opts)
	if err != nil {
		t.Fatalf("NewBVApp(%s) error = %v", command, err)
	}
	return a
}

func TestBVApp_BackupRestore(t *testing.T) {
	ctx := context.Background()
	cfg, src := newTestConfig(t)
	content := bytes.Repeat([]byte("0123456789abcdef"), 600)
	if err := os.WriteFile(filepath.Join(src, "docs", "notes.txt"), content, 0644); err != nil {
		t.Fatal(err)
	}

	a := openApp(t, cfg, "backup", Options{})
	res, err := a.Backup(ctx, nil, nil)
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if res.Files != 1 {
		t.Errorf("Files = %d, want 1", res.Files)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	remote, err := os.ReadDir(cfg.Backend.FSRoot)
	if err != nil {
		t.Fatalf("reading remote dir: %v", err)
	}
	for _, e := range remote {
		if !strings.HasPrefix(e.Name(), "laptop-") || !strings.HasSuffix(e.Name(), ".tenc") {
			t.Errorf("unexpected remote volume %s", e.Name())
		}
	}
	for _, name := range []string{"bv.log", "bv.prom"} {
		if _, err := os.Stat(filepath.Join(cfg.LogDir, name)); err != nil {
			t.Errorf("expected %s in log dir: %v", name, err)
		}
	}

	t.Run("restore without passphrase fails the files", func(t *testing.T) {
		a := openApp(t, cfg, "restore", Options{})
		defer a.Close()
		res, err := a.Restore(ctx, bv.RestoreRequest{Target: t.TempDir()})
		if err != nil {
			t.Fatalf("Restore() error = %v", err)
		}
		want := filepath.ToSlash(filepath.Join(src, "docs", "notes.txt"))
		found := false
		for _, p := range res.Failed {
			found = found || p == want
		}
		if !found {
			t.Errorf("Failed = %v, want %s", res.Failed, want)
		}
	})

	t.Run("restore with passphrase", func(t *testing.T) {
		a := openApp(t, cfg, "restore", Options{Passphrase: "secret"})
		defer a.Close()
		target := t.TempDir()
		if _, err := a.Restore(ctx, bv.RestoreRequest{Target: target}); err != nil {
			t.Fatalf("Restore() error = %v", err)
		}
		got, err := os.ReadFile(filepath.Join(target, src, "docs", "notes.txt"))
		if err != nil {
			t.Fatalf("reading restored file: %v", err)
		}
		if !bytes.Equal(got, content) {
			t.Error("restored content differs")
		}
	})

	t.Run("repair snapshots the index", func(t *testing.T) {
		a := openApp(t, cfg, "repair", Options{Passphrase: "secret"})
		if _, err := a.Repair(ctx); err != nil {
			t.Fatalf("Repair() error = %v", err)
		}
		a.Close()
		snaps, _ := filepath.Glob(filepath.Join(cfg.Database.DataDir, "laptop-*.db.bak"))
		if len(snaps) == 0 {
			t.Error("no index snapshot written")
		}
	})

	t.Run("history lists the runs", func(t *testing.T) {
		a := openApp(t, cfg, "history", Options{})
		defer a.Close()
		ops, err := a.History(ctx, 10)
		if err != nil {
			t.Fatalf("History() error = %v", err)
		}
		if len(ops) < 3 || ops[len(ops)-1].Description != "backup" {
			t.Errorf("History() = %d operations, want the backup first", len(ops))
		}
	})
}

func TestNewBVApp_Errors(t *testing.T) {
	t.Run("unknown backend", func(t *testing.T) {
		cfg, _ := newTestConfig(t)
		cfg.Backend.Type = "ftp"
		if _, err := NewBVApp(context.Background(), cfg, "backup", Options{}); err == nil {
			t.Error("expected error for unknown backend type")
		}
	})

	t.Run("missing age keys", func(t *testing.T) {
		cfg, _ := newTestConfig(t)
		cfg.Encryption = config.NewConfig("laptop", cfg.BaseDir).Encryption
		if _, err := NewBVApp(context.Background(), cfg, "backup", Options{}); err == nil {
			t.Error("expected error when keys are not set up")
		}
	})

	t.Run("invalid retry delay", func(t *testing.T) {
		cfg, _ := newTestConfig(t)
		cfg.Transfer.RetryDelay = "soon"
		if _, err := NewBVApp(context.Background(), cfg, "backup", Options{}); err == nil {
			t.Error("expected error for invalid retry_delay")
		}
	})
}

func TestEngineOptions(t *testing.T) {
	t.Run("defaults with name prefix", func(t *testing.T) {
		cfg := &config.Config{Name: "nas"}
		o, err := engineOptions(cfg)
		if err != nil {
			t.Fatalf("engineOptions() error = %v", err)
		}
		want := bv.DefaultOptions()
		if o.Prefix != "nas" || o.BlockSize != want.BlockSize || o.VolumeSize != want.VolumeSize {
			t.Errorf("got prefix %q block %d volume %d", o.Prefix, o.BlockSize, o.VolumeSize)
		}
		if !o.Retention.Empty() {
			t.Errorf("Retention = %+v, want empty", o.Retention)
		}
	})

	t.Run("retention settings", func(t *testing.T) {
		cfg := config.NewConfig("nas", "/tmp/bv")
		cfg.Engine.KeepVersions = 3
		cfg.Engine.KeepTime = "7D"
		cfg.Engine.RetentionPolicy = "1W:1D,U:1M"
		o, err := engineOptions(cfg)
		if err != nil {
			t.Fatalf("engineOptions() error = %v", err)
		}
		if o.Prefix != "bv" {
			t.Errorf("Prefix = %q, want bv", o.Prefix)
		}
		if o.Retention.KeepVersions != 3 {
			t.Errorf("KeepVersions = %d, want 3", o.Retention.KeepVersions)
		}
		if o.Retention.KeepTime != retention.KeepTime(7*24*time.Hour) {
			t.Errorf("KeepTime = %v, want 7 days", time.Duration(o.Retention.KeepTime))
		}
		if len(o.Retention.Policy.Tiers) != 2 {
			t.Errorf("Policy tiers = %d, want 2", len(o.Retention.Policy.Tiers))
		}
	})

	t.Run("invalid policy", func(t *testing.T) {
		cfg := config.NewConfig("nas", "/tmp/bv")
		cfg.Engine.RetentionPolicy = "weekly"
		if _, err := engineOptions(cfg); err == nil {
			t.Error("expected error for invalid retention_policy")
		}
	})
}

func TestManagerOptions(t *testing.T) {
	o, err := managerOptions(config.TransferConfig{
		Concurrency:        2,
		Retries:            1,
		RetryDelay:         "250ms",
		ObjectLockDuration: "720h",
	})
	if err != nil {
		t.Fatalf("managerOptions() error = %v", err)
	}
	if o.MaxConcurrent != 2 || o.RetryCount != 1 {
		t.Errorf("MaxConcurrent, RetryCount = %d, %d, want 2, 1", o.MaxConcurrent, o.RetryCount)
	}
	if o.RetryDelay != 250*time.Millisecond || o.ObjectLockDuration != 720*time.Hour {
		t.Errorf("RetryDelay, ObjectLockDuration = %v, %v", o.RetryDelay, o.ObjectLockDuration)
	}
}
