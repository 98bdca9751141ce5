package bv_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"bv-go/internal/bv"
	"bv-go/internal/testutil"
	"bv-go/internal/volume"
)

type listedEntry struct {
	Path     string
	Hash     string
	Length   int64
	MetaHash string
	Modified int64
}

func listVersion(t *testing.T, env *testutil.TestEnv, version int) []listedEntry {
	t.Helper()
	entries, err := env.Service.ListFiles(context.Background(), version, "")
	if err != nil {
		t.Fatalf("ListFiles(%d) error = %v", version, err)
	}
	out := make([]listedEntry, len(entries))
	for i, e := range entries {
		out[i] = listedEntry{Path: e.Path, Hash: e.FullHash, Length: e.Length, MetaHash: e.MetaHash, Modified: e.LastModified.Unix()}
	}
	return out
}

func populate(env *testutil.TestEnv) map[string][]byte {
	files := map[string][]byte{
		"/data/big.bin":     testutil.RandomBytes(70, 9*1024),
		"/data/docs/a.txt":  []byte("alpha"),
		"/data/docs/b.txt":  testutil.RandomBytes(71, 1500),
		"/data/dup/big.bin": testutil.RandomBytes(70, 9*1024),
	}
	for p, c := range files {
		env.FS.AddFile(p, c)
	}
	env.FS.AddSymlink("/data/link", "docs/a.txt")
	return files
}

func TestBVService_Recreate(t *testing.T) {
	t.Run("rebuilds the same index from remote volumes", func(t *testing.T) {
		env := testutil.NewTestEnv(t, testutil.TestOptions())
		files := populate(env)
		env.Backup("/data")
		env.FS.AddFile("/data/docs/a.txt", []byte("alpha, edited"))
		env.Backup("/data")
		files["/data/docs/a.txt"] = []byte("alpha, edited")

		want := [][]listedEntry{listVersion(t, env, 0), listVersion(t, env, 1)}
		wantSets := filesetCount(t, env)

		env.ResetDatabase()
		res, err := env.Service.Recreate(context.Background())
		if err != nil {
			t.Fatalf("Recreate() error = %v", err)
		}
		if res.Filesets != wantSets {
			t.Errorf("Filesets = %d, want %d", res.Filesets, wantSets)
		}
		if len(res.Scanned) != 0 {
			t.Errorf("Scanned = %v, want every dblock covered by a dindex", res.Scanned)
		}
		for v := range want {
			if got := listVersion(t, env, v); !reflect.DeepEqual(got, want[v]) {
				t.Errorf("version %d after recreate:\n got %+v\nwant %+v", v, got, want[v])
			}
		}

		target, _ := restoreAll(t, env, 0)
		for p, c := range files {
			assertRestored(t, target, p, c)
		}
		if _, err := env.Service.Test(context.Background(), 0); err != nil {
			t.Errorf("Test() after recreate error = %v", err)
		}

		env.Clock.Advance(time.Minute)
		bres := env.Backup("/data")
		if bres.NewBlocks != 0 {
			t.Errorf("backup after recreate stored %d new blocks, want 0", bres.NewBlocks)
		}
	})

	t.Run("is deterministic", func(t *testing.T) {
		env := testutil.NewTestEnv(t, testutil.TestOptions())
		populate(env)
		env.Backup("/data")

		var runs [][]listedEntry
		for i := 0; i < 2; i++ {
			env.ResetDatabase()
			if _, err := env.Service.Recreate(context.Background()); err != nil {
				t.Fatalf("Recreate() error = %v", err)
			}
			runs = append(runs, listVersion(t, env, 0))
		}
		if !reflect.DeepEqual(runs[0], runs[1]) {
			t.Errorf("recreate runs differ:\n%+v\n%+v", runs[0], runs[1])
		}
	})

	t.Run("scans dblocks without a dindex", func(t *testing.T) {
		env := testutil.NewTestEnv(t, testutil.TestOptions())
		files := populate(env)
		env.Backup("/data")
		want := listVersion(t, env, 0)
		for _, name := range namesOfType(env.RemoteNames(), "dindex") {
			env.Backend.Remove(name)
		}

		env.ResetDatabase()
		res, err := env.Service.Recreate(context.Background())
		if err != nil {
			t.Fatalf("Recreate() error = %v", err)
		}
		if len(res.Scanned) != len(namesOfType(env.RemoteNames(), "dblock")) {
			t.Errorf("scanned %d dblocks, want all %d", len(res.Scanned), len(namesOfType(env.RemoteNames(), "dblock")))
		}
		if got := listVersion(t, env, 0); !reflect.DeepEqual(got, want) {
			t.Errorf("listing after recreate:\n got %+v\nwant %+v", got, want)
		}
		target, _ := restoreAll(t, env, 0)
		for p, c := range files {
			assertRestored(t, target, p, c)
		}
	})

	t.Run("rejects a corrupt dindex and scans instead", func(t *testing.T) {
		env := testutil.NewTestEnv(t, testutil.TestOptions())
		files := populate(env)
		env.Backup("/data")
		index := namesOfType(env.RemoteNames(), "dindex")[0]
		env.Backend.Replace(index, []byte("not a zip archive"))

		env.ResetDatabase()
		res, err := env.Service.Recreate(context.Background())
		if err != nil {
			t.Fatalf("Recreate() error = %v", err)
		}
		if !contains(res.Rejected, index) {
			t.Errorf("Rejected = %v, want %s", res.Rejected, index)
		}
		if len(res.Scanned) != 1 {
			t.Errorf("Scanned = %v, want the dblock of the rejected dindex", res.Scanned)
		}
		target, _ := restoreAll(t, env, 0)
		for p, c := range files {
			assertRestored(t, target, p, c)
		}
	})

	t.Run("restore reads a copy when the owning dblock is corrupt", func(t *testing.T) {
		env := testutil.NewTestEnv(t, testutil.TestOptions())
		files := populate(env)
		env.Backup("/data")
		// A dblock without a dindex is scanned, so its blocks become copies
		// of those the dindex-described original owns.
		originals := namesOfType(env.RemoteNames(), "dblock")
		for _, name := range originals {
			copyName := volume.NewBlockName(env.Options.Prefix, env.IDs.NewVolumeID(), "")
			env.Backend.Replace(copyName, env.Backend.Bytes(name))
		}

		env.ResetDatabase()
		res, err := env.Service.Recreate(context.Background())
		if err != nil {
			t.Fatalf("Recreate() error = %v", err)
		}
		if len(res.Scanned) != len(originals) {
			t.Fatalf("Scanned = %v, want the %d copies", res.Scanned, len(originals))
		}
		for _, name := range originals {
			data := env.Backend.Bytes(name)
			data[len(data)/2] ^= 0xff
			env.Backend.Replace(name, data)
		}

		target, rres := restoreAll(t, env, 0)
		for p, c := range files {
			assertRestored(t, target, p, c)
		}
		if rres.Volumes != len(originals) {
			t.Errorf("restore read %d volumes, want the %d copies", rres.Volumes, len(originals))
		}
	})

	t.Run("refuses a non-empty index", func(t *testing.T) {
		env := testutil.NewTestEnv(t, testutil.TestOptions())
		env.FS.AddFile("/data/a.txt", []byte("a"))
		env.Backup("/data")
		if _, err := env.Service.Recreate(context.Background()); !errors.Is(err, bv.ErrIndexNotEmpty) {
			t.Errorf("Recreate() error = %v, want ErrIndexNotEmpty", err)
		}
	})

	t.Run("needs a dlist", func(t *testing.T) {
		env := testutil.NewTestEnv(t, testutil.TestOptions())
		if _, err := env.Service.Recreate(context.Background()); !errors.Is(err, bv.ErrNoFilelists) {
			t.Errorf("Recreate() error = %v, want ErrNoFilelists", err)
		}
	})

	t.Run("reports a missing dblock as broken", func(t *testing.T) {
		env := testutil.NewTestEnv(t, testutil.TestOptions())
		env.FS.AddFile("/data/a.bin", testutil.RandomBytes(72, 8*1024))
		env.FS.AddFile("/data/b.txt", []byte("b"))
		env.Backup("/data")
		env.Backend.Remove(namesOfType(env.RemoteNames(), "dblock")[1])
		for _, name := range namesOfType(env.RemoteNames(), "dindex") {
			env.Backend.Remove(name)
		}

		env.ResetDatabase()
		res, err := env.Service.Recreate(context.Background())
		if !errors.Is(err, bv.ErrDatabaseBroken) {
			t.Fatalf("Recreate() error = %v, want ErrDatabaseBroken", err)
		}
		if len(res.BrokenFiles) != 1 || res.BrokenFiles[0].Path != "/data/a.bin" {
			t.Errorf("BrokenFiles = %v, want /data/a.bin", res.BrokenFiles)
		}

		if _, err := env.Service.PurgeBrokenFiles(context.Background()); err != nil {
			t.Fatalf("PurgeBrokenFiles() error = %v", err)
		}
		target, _ := restoreAll(t, env, 0)
		assertRestored(t, target, "/data/b.txt", []byte("b"))
	})
}
