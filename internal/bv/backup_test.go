package bv_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"bv-go/internal/bv"
	"bv-go/internal/testutil"
)

func TestBVService_Backup(t *testing.T) {
	t.Run("splits a large file over several volumes", func(t *testing.T) {
		opts := testutil.TestOptions()
		opts.BlockSize = 100 * 1024
		opts.VolumeSize = 500 * 1024
		env := testutil.NewTestEnv(t, opts)
		content := testutil.RandomBytes(1, 2*1024*1024)
		env.FS.AddFile("/data/big.bin", content)

		first := env.Backup("/data")
		if first.Files != 1 || first.Folders != 1 {
			t.Errorf("Files, Folders = %d, %d, want 1, 1", first.Files, first.Folders)
		}
		if first.AddedBytes < int64(len(content)) {
			t.Errorf("AddedBytes = %d, want at least %d", first.AddedBytes, len(content))
		}
		names := env.RemoteNames()
		if n := len(namesOfType(names, "dblock")); n < 4 {
			t.Errorf("backup produced %d dblock volumes, want at least 4", n)
		}
		if n, m := len(namesOfType(names, "dindex")), len(namesOfType(names, "dblock")); n != m {
			t.Errorf("got %d dindex volumes for %d dblocks", n, m)
		}
		if n := len(namesOfType(names, "dlist")); n != 1 {
			t.Errorf("got %d dlist volumes, want 1", n)
		}

		second := env.Backup("/data")
		if second.NewBlocks != 0 {
			t.Errorf("unchanged backup stored %d new blocks, want 0", second.NewBlocks)
		}
		if second.Unchanged != 1 {
			t.Errorf("Unchanged = %d, want 1", second.Unchanged)
		}
		if filesetCount(t, env) != 2 {
			t.Errorf("got %d filesets, want 2", filesetCount(t, env))
		}

		target, _ := restoreAll(t, env, 0)
		assertRestored(t, target, "/data/big.bin", content)
	})

	t.Run("deduplicates identical content", func(t *testing.T) {
		env := testutil.NewTestEnv(t, testutil.TestOptions())
		content := testutil.RandomBytes(2, 3*1024)
		env.FS.AddFile("/data/a.bin", content)
		env.FS.AddFile("/data/copy.bin", content)

		res := env.Backup("/data")
		if res.Files != 2 {
			t.Fatalf("Files = %d, want 2", res.Files)
		}
		if res.ReusedBlocks < 3 {
			t.Errorf("ReusedBlocks = %d, want at least 3", res.ReusedBlocks)
		}
		entries, err := env.Service.ListFiles(context.Background(), 0, "/data/")
		if err != nil {
			t.Fatalf("ListFiles() error = %v", err)
		}
		var hashes []string
		for _, e := range entries {
			if !e.IsFolder() {
				hashes = append(hashes, e.FullHash)
			}
		}
		if len(hashes) != 2 || hashes[0] != hashes[1] {
			t.Errorf("file hashes = %v, want two equal hashes", hashes)
		}
	})

	t.Run("stores changed files again", func(t *testing.T) {
		env := testutil.NewTestEnv(t, testutil.TestOptions())
		env.FS.AddFile("/data/a.txt", []byte("version one"))
		env.Backup("/data")

		env.FS.AddFile("/data/a.txt", []byte("version two"))
		res := env.Backup("/data")
		if res.Unchanged != 0 || res.NewBlocks == 0 {
			t.Errorf("Unchanged, NewBlocks = %d, %d, want 0 and some", res.Unchanged, res.NewBlocks)
		}

		newest, _ := restoreAll(t, env, 0)
		assertRestored(t, newest, "/data/a.txt", []byte("version two"))
		oldest, _ := restoreAll(t, env, 1)
		assertRestored(t, oldest, "/data/a.txt", []byte("version one"))
	})

	t.Run("records symlinks and empty files", func(t *testing.T) {
		env := testutil.NewTestEnv(t, testutil.TestOptions())
		env.FS.AddFile("/data/empty", nil)
		env.FS.AddSymlink("/data/link", "empty")
		res := env.Backup("/data")
		if res.Files != 1 || res.Symlinks != 1 {
			t.Errorf("Files, Symlinks = %d, %d, want 1, 1", res.Files, res.Symlinks)
		}

		target, rres := restoreAll(t, env, 0)
		assertRestored(t, target, "/data/empty", nil)
		if rres.Symlinks != 1 {
			t.Errorf("restored %d symlinks, want 1", rres.Symlinks)
		}
	})

	t.Run("rejects a block size change", func(t *testing.T) {
		env := testutil.NewTestEnv(t, testutil.TestOptions())
		env.FS.AddFile("/data/a.txt", []byte("hello"))
		env.Backup("/data")

		env.Options.BlockSize = 2048
		env.Reopen()
		_, err := env.Service.Backup(context.Background(), bv.BackupRequest{Sources: []string{"/data"}})
		if !errors.Is(err, bv.ErrParameterChanged) {
			t.Fatalf("Backup() error = %v, want ErrParameterChanged", err)
		}
		var pe *bv.ParameterChangedError
		if !errors.As(err, &pe) || pe.Key != "blocksize" || pe.Stored != "1024" {
			t.Errorf("error = %v, want blocksize stored as 1024", err)
		}
	})

	t.Run("stopped backup is recorded as partial", func(t *testing.T) {
		env := testutil.NewTestEnv(t, testutil.TestOptions())
		env.FS.AddFile("/data/a.txt", []byte("a"))
		env.FS.AddFile("/data/b.txt", []byte("b"))
		stop := make(chan struct{})
		close(stop)

		res, err := env.Service.Backup(context.Background(), bv.BackupRequest{Sources: []string{"/data"}, Stop: stop})
		if err != nil {
			t.Fatalf("Backup() error = %v", err)
		}
		if !res.Partial {
			t.Error("Partial = false, want true")
		}
		sets, err := env.Service.ListFilesets(context.Background())
		if err != nil {
			t.Fatalf("ListFilesets() error = %v", err)
		}
		if len(sets) != 1 || sets[0].IsFullBackup {
			t.Errorf("filesets = %v, want one partial fileset", sets)
		}
	})

	t.Run("failed upload leaves no fileset", func(t *testing.T) {
		env := testutil.NewTestEnv(t, testutil.TestOptions())
		env.FS.AddFile("/data/a.bin", testutil.RandomBytes(3, 6*1024))
		env.Faults.FailAlways(bv.OpPut, ".dlist.")

		_, err := env.Service.Backup(context.Background(), bv.BackupRequest{Sources: []string{"/data"}})
		var remoteErr *bv.RemoteOperationError
		if !errors.As(err, &remoteErr) {
			t.Fatalf("Backup() error = %v, want RemoteOperationError", err)
		}

		env.Faults.Clear()
		env.Reopen()
		env.Clock.Advance(time.Minute)
		res := env.Backup("/data")
		if filesetCount(t, env) != 1 {
			t.Errorf("got %d filesets after retry, want 1", filesetCount(t, env))
		}
		if res.NewBlocks == 0 && res.ResurrectedBlocks == 0 && res.ReusedBlocks == 0 {
			t.Error("retried backup stored nothing")
		}
		target, _ := restoreAll(t, env, 0)
		assertRestored(t, target, "/data/a.bin", testutil.RandomBytes(3, 6*1024))
	})

	t.Run("applies retention after the backup", func(t *testing.T) {
		opts := testutil.TestOptions()
		opts.Retention.KeepVersions = 2
		env := testutil.NewTestEnv(t, opts)
		for i := 0; i < 4; i++ {
			env.FS.AddFile("/data/a.bin", testutil.RandomBytes(int64(10+i), 2048))
			res := env.Backup("/data")
			if i >= 2 && (res.Retention == nil || len(res.Retention.Deleted) != 1) {
				t.Errorf("backup %d: retention = %+v, want one version deleted", i, res.Retention)
			}
		}
		if filesetCount(t, env) != 2 {
			t.Errorf("got %d filesets, want 2", filesetCount(t, env))
		}
		if n := len(namesOfType(env.RemoteNames(), "dlist")); n != 2 {
			t.Errorf("got %d dlist volumes, want 2", n)
		}
	})

	t.Run("requires sources", func(t *testing.T) {
		env := testutil.NewTestEnv(t, testutil.TestOptions())
		if _, err := env.Service.Backup(context.Background(), bv.BackupRequest{}); err == nil {
			t.Error("Backup() expected error without sources")
		}
	})
}

func TestBVService_History(t *testing.T) {
	env := testutil.NewTestEnv(t, testutil.TestOptions())
	env.FS.AddFile("/data/a.txt", []byte("a"))
	env.Backup("/data")
	if _, err := env.Service.Test(context.Background(), 0); err != nil {
		t.Fatalf("Test() error = %v", err)
	}

	ops, err := env.Service.History(context.Background(), 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("got %d operations, want 2", len(ops))
	}
	if ops[0].Description != "test" || ops[1].Description != "backup" {
		t.Errorf("operations = %s, %s, want test, backup", ops[0].Description, ops[1].Description)
	}
	for _, op := range ops {
		if op.Status != "success" || op.FinishedAt == nil {
			t.Errorf("operation %s: status %s, finished %v", op.Description, op.Status, op.FinishedAt)
		}
	}
}
