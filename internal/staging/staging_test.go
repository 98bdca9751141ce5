package staging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"bv-go/internal/bv"
	"bv-go/internal/config"
)

func areas(t *testing.T, maxSize int64) map[string]bv.StagingArea {
	t.Helper()
	fsa, err := NewFileSystemStagingArea(filepath.Join(t.TempDir(), "staging"), maxSize)
	if err != nil {
		t.Fatalf("NewFileSystemStagingArea() error = %v", err)
	}
	return map[string]bv.StagingArea{
		"memory":     NewMemoryStagingArea(maxSize),
		"filesystem": fsa,
	}
}

func writeEntry(t *testing.T, sa bv.StagingArea, key, content string) {
	t.Helper()
	w, err := sa.Create(key)
	if err != nil {
		t.Fatalf("Create(%q) error = %v", key, err)
	}
	if _, err := io.WriteString(w, content); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestStagingArea_CreateOpen(t *testing.T) {
	for name, sa := range areas(t, 0) {
		t.Run(name, func(t *testing.T) {
			w, err := sa.Create("new-a")
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			io.WriteString(w, "hello world")

			// Not visible until closed.
			if _, err := sa.Open("new-a"); err == nil {
				t.Error("Open() before Close succeeded")
			}
			if err := w.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}

			size, err := sa.Size("new-a")
			if err != nil {
				t.Fatalf("Size() error = %v", err)
			}
			if size != 11 {
				t.Errorf("Size() = %d, want 11", size)
			}

			f, err := sa.Open("new-a")
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer f.Close()
			buf := make([]byte, 5)
			if _, err := f.ReadAt(buf, 6); err != nil {
				t.Fatalf("ReadAt() error = %v", err)
			}
			if string(buf) != "world" {
				t.Errorf("ReadAt() = %q, want %q", buf, "world")
			}
			all, err := io.ReadAll(f)
			if err != nil {
				t.Fatalf("ReadAll() error = %v", err)
			}
			if string(all) != "hello world" {
				t.Errorf("ReadAll() = %q", all)
			}
		})
	}
}

func TestStagingArea_CreateDuplicate(t *testing.T) {
	for name, sa := range areas(t, 0) {
		t.Run(name, func(t *testing.T) {
			writeEntry(t, sa, "k", "data")
			if _, err := sa.Create("k"); err == nil {
				t.Error("Create() of existing key succeeded")
			}
			if err := sa.Remove("k"); err != nil {
				t.Fatalf("Remove() error = %v", err)
			}
			writeEntry(t, sa, "k", "again")
		})
	}
}

func TestStagingArea_RemoveAndCounts(t *testing.T) {
	for name, sa := range areas(t, 0) {
		t.Run(name, func(t *testing.T) {
			writeEntry(t, sa, "a", "12345")
			writeEntry(t, sa, "b", "123")

			count, _ := sa.Count()
			total, _ := sa.TotalSize()
			if count != 2 || total != 8 {
				t.Errorf("Count() = %d, TotalSize() = %d, want 2 and 8", count, total)
			}

			if err := sa.Remove("a"); err != nil {
				t.Fatalf("Remove() error = %v", err)
			}
			if err := sa.Remove("a"); err != nil {
				t.Errorf("Remove() of missing key error = %v", err)
			}
			count, _ = sa.Count()
			total, _ = sa.TotalSize()
			if count != 1 || total != 3 {
				t.Errorf("Count() = %d, TotalSize() = %d, want 1 and 3", count, total)
			}
			if _, err := sa.Open("a"); err == nil {
				t.Error("Open() of removed key succeeded")
			}
		})
	}
}

func TestStagingArea_SizeLimit(t *testing.T) {
	for name, sa := range areas(t, 10) {
		t.Run(name, func(t *testing.T) {
			writeEntry(t, sa, "a", "123456")

			w, err := sa.Create("b")
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			if _, err := io.WriteString(w, "123456"); err == nil {
				t.Fatal("Write() beyond limit succeeded")
			}
			if err := w.Close(); err == nil {
				t.Error("Close() after failed write succeeded")
			}
			if _, err := sa.Size("b"); err == nil {
				t.Error("failed entry is visible")
			}
			total, _ := sa.TotalSize()
			if total != 6 {
				t.Errorf("TotalSize() = %d, want 6", total)
			}
		})
	}
}

func TestStagingArea_InvalidKey(t *testing.T) {
	for name, sa := range areas(t, 0) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"", "a/b", "../x", ".hidden"} {
				if _, err := sa.Create(key); err == nil {
					t.Errorf("Create(%q) succeeded", key)
				}
			}
		})
	}
}

func TestStagingArea_ConcurrentWriters(t *testing.T) {
	for name, sa := range areas(t, 0) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			errs := make(chan error, 8)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					w, err := sa.Create("entry-" + string(rune('a'+i)))
					if err != nil {
						errs <- err
						return
					}
					io.WriteString(w, strings.Repeat("x", 1000))
					errs <- w.Close()
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Errorf("writer error = %v", err)
				}
			}
			total, _ := sa.TotalSize()
			if total != 8000 {
				t.Errorf("TotalSize() = %d, want 8000", total)
			}
		})
	}
}

func TestFileSystemStagingArea_RemovesStaleFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "new-old.dblock.zip"), []byte("stale"), 0600); err != nil {
		t.Fatal(err)
	}
	sa, err := NewFileSystemStagingArea(dir, 0)
	if err != nil {
		t.Fatalf("NewFileSystemStagingArea() error = %v", err)
	}
	if count, _ := sa.Count(); count != 0 {
		t.Errorf("Count() = %d, want 0", count)
	}
	if _, err := os.Stat(filepath.Join(dir, "new-old.dblock.zip")); !os.IsNotExist(err) {
		t.Errorf("stale file still present: %v", err)
	}
}

func TestNewStagingAreaFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.StagingConfig
		wantErr bool
	}{
		{name: "memory", cfg: config.StagingConfig{Type: "memory"}},
		{name: "filesystem", cfg: config.StagingConfig{Type: "filesystem", StagingDir: t.TempDir()}},
		{name: "filesystem without dir", cfg: config.StagingConfig{Type: "filesystem"}, wantErr: true},
		{name: "unknown", cfg: config.StagingConfig{Type: "tape"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStagingAreaFromConfig(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewStagingAreaFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
