package volume_test

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"bv-go/internal/blockhash"
	"bv-go/internal/volume"
)

var created = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func testManifest() volume.Manifest {
	return volume.NewManifest(4*blockhash.KiB, blockhash.DefaultAlgorithm, blockhash.DefaultAlgorithm, created)
}

func mustSum(t *testing.T, data []byte) string {
	t.Helper()
	h, err := blockhash.Sum(blockhash.DefaultAlgorithm, data)
	if err != nil {
		t.Fatalf("Sum() error = %v", err)
	}
	return h
}

func TestNames(t *testing.T) {
	t.Parallel()

	guid := "0123456789abcdef0123456789abcdef"
	tests := []struct {
		name     string
		build    string
		wantType volume.Type
		wantEnc  string
	}{
		{name: "dblock", build: volume.NewBlockName("bv", guid, ""), wantType: volume.BlocksType},
		{name: "dindex encrypted", build: volume.NewIndexName("bv", guid, "age"), wantType: volume.IndexType, wantEnc: "age"},
		{name: "dlist", build: volume.NewFilesName("my-backup", created, ""), wantType: volume.FilesType},
		{name: "dashed guid", build: volume.NewBlockName("bv", "01234567-89ab-cdef-0123-456789abcdef", ""), wantType: volume.BlocksType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := volume.ParseName(tt.build)
			if !ok {
				t.Fatalf("ParseName(%q) failed", tt.build)
			}
			if n.Type != tt.wantType {
				t.Errorf("Type = %s, want %s", n.Type, tt.wantType)
			}
			if n.Encryption != tt.wantEnc {
				t.Errorf("Encryption = %q, want %q", n.Encryption, tt.wantEnc)
			}
			if n.String() != tt.build {
				t.Errorf("String() = %q, want %q", n.String(), tt.build)
			}
			if tt.wantType == volume.FilesType && !n.Time.Equal(created) {
				t.Errorf("Time = %v, want %v", n.Time, created)
			}
		})
	}
}

func TestParseName_Rejects(t *testing.T) {
	t.Parallel()
	for _, name := range []string{
		"",
		"random.txt",
		"bv-x0123.dblock.zip",
		"bv-b0123456789abcdef0123456789abcdef.dlist.zip",
		"bv-20240115T103000Z.dblock.zip",
		"bv-20241315T103000Z.dlist.zip",
	} {
		if _, ok := volume.ParseName(name); ok {
			t.Errorf("ParseName(%q) succeeded, want failure", name)
		}
	}
}

func TestBlockVolume_RoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w, err := volume.NewBlockWriter(&buf, testManifest())
	if err != nil {
		t.Fatalf("NewBlockWriter() error = %v", err)
	}

	blocks := map[string][]byte{}
	for i := 0; i < 5; i++ {
		data := bytes.Repeat([]byte{byte(i)}, 1000+i)
		h := mustSum(t, data)
		blocks[h] = data
		if err := w.AddBlock(h, data); err != nil {
			t.Fatalf("AddBlock() error = %v", err)
		}
	}
	// Repeated adds are ignored.
	for h, data := range blocks {
		if err := w.AddBlock(h, data); err != nil {
			t.Fatalf("AddBlock() repeat error = %v", err)
		}
		break
	}
	if w.Count() != 5 {
		t.Errorf("Count() = %d, want 5", w.Count())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	r, err := volume.OpenBlockReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()), "test.dblock.zip")
	if err != nil {
		t.Fatalf("OpenBlockReader() error = %v", err)
	}
	if err := r.Manifest().Check(testManifest()); err != nil {
		t.Errorf("Manifest().Check() error = %v", err)
	}
	listed, err := r.Blocks()
	if err != nil {
		t.Fatalf("Blocks() error = %v", err)
	}
	if len(listed) != len(blocks) {
		t.Fatalf("Blocks() returned %d, want %d", len(listed), len(blocks))
	}
	for _, b := range listed {
		data, err := r.ReadBlock(b.Hash)
		if err != nil {
			t.Fatalf("ReadBlock(%s) error = %v", b.Hash, err)
		}
		if !bytes.Equal(data, blocks[b.Hash]) {
			t.Errorf("block %s content differs", b.Hash)
		}
		if b.Size != int64(len(data)) {
			t.Errorf("block %s size = %d, want %d", b.Hash, b.Size, len(data))
		}
	}
}

func TestBlockWriter_RejectsOversizedBlock(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w, err := volume.NewBlockWriter(&buf, testManifest())
	if err != nil {
		t.Fatalf("NewBlockWriter() error = %v", err)
	}
	data := make([]byte, 4*blockhash.KiB+1)
	if err := w.AddBlock(mustSum(t, data), data); err == nil {
		t.Error("AddBlock() with oversized block succeeded, want error")
	}
}

func TestManifest_CheckMismatch(t *testing.T) {
	t.Parallel()
	m := testManifest()
	want := m
	want.Blocksize = 8 * blockhash.KiB
	err := m.Check(want)
	if !errors.Is(err, volume.ErrManifestMismatch) {
		t.Fatalf("Check() = %v, want ErrManifestMismatch", err)
	}
	var mm *volume.ManifestMismatchError
	if !errors.As(err, &mm) || mm.Field != "Blocksize" {
		t.Errorf("Check() error = %#v, want Blocksize mismatch", err)
	}
}

func TestIndexVolume_RoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w, err := volume.NewIndexWriter(&buf, testManifest())
	if err != nil {
		t.Fatalf("NewIndexWriter() error = %v", err)
	}
	vi := volume.VolumeIndex{
		Name:       volume.NewBlockName("bv", "0123456789abcdef0123456789abcdef", ""),
		Blocks:     []volume.BlockInfo{{Hash: mustSum(t, []byte("a")), Size: 1}, {Hash: mustSum(t, []byte("bb")), Size: 2}},
		VolumeHash: mustSum(t, []byte("volume")),
		VolumeSize: 1234,
	}
	if err := w.AddVolume(vi); err != nil {
		t.Fatalf("AddVolume() error = %v", err)
	}
	listData := []byte("0123456789abcdef0123456789abcdef")
	listHash := mustSum(t, listData)
	if err := w.AddBlocklist(listHash, listData); err != nil {
		t.Fatalf("AddBlocklist() error = %v", err)
	}
	if err := w.AddBlocklist(listHash, listData); err != nil {
		t.Fatalf("AddBlocklist() repeat error = %v", err)
	}
	if w.BlocklistCount() != 1 {
		t.Errorf("BlocklistCount() = %d, want 1", w.BlocklistCount())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	r, err := volume.OpenIndexReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()), "test.dindex.zip")
	if err != nil {
		t.Fatalf("OpenIndexReader() error = %v", err)
	}
	vols, err := r.Volumes()
	if err != nil {
		t.Fatalf("Volumes() error = %v", err)
	}
	if len(vols) != 1 {
		t.Fatalf("Volumes() returned %d entries, want 1", len(vols))
	}
	got := vols[0]
	if got.Name != vi.Name || got.VolumeHash != vi.VolumeHash || got.VolumeSize != vi.VolumeSize {
		t.Errorf("Volumes()[0] = %+v, want %+v", got, vi)
	}
	if len(got.Blocks) != 2 || got.Blocks[1] != vi.Blocks[1] {
		t.Errorf("Blocks = %+v, want %+v", got.Blocks, vi.Blocks)
	}
	lists, err := r.Blocklists()
	if err != nil {
		t.Fatalf("Blocklists() error = %v", err)
	}
	if len(lists) != 1 || lists[0].Hash != listHash || !bytes.Equal(lists[0].Data, listData) {
		t.Errorf("Blocklists() = %+v", lists)
	}
}

func TestFilesVolume_RoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w, err := volume.NewFilesWriter(&buf, testManifest(), volume.FilesetInfo{IsFullBackup: false})
	if err != nil {
		t.Fatalf("NewFilesWriter() error = %v", err)
	}
	entries := []volume.FileEntry{
		{Type: volume.EntryFolder, Path: "/data/", MetaHash: "m1", MetaSize: 10, MetaBlockHash: "m1"},
		{Type: volume.EntryFile, Path: "/data/small", Hash: "h1", Size: 5, Time: volume.FormatTime(created), BlockHash: "h1", BlockSize: 5},
		{Type: volume.EntryFile, Path: "/data/large", Hash: "h2", Size: 9000, Blocklists: []string{"l1", "l2"}},
	}
	for _, e := range entries {
		if err := w.AddEntry(e); err != nil {
			t.Fatalf("AddEntry() error = %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	r, err := volume.OpenFilesReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()), "test.dlist.zip")
	if err != nil {
		t.Fatalf("OpenFilesReader() error = %v", err)
	}
	if r.Fileset().IsFullBackup {
		t.Error("Fileset().IsFullBackup = true, want false")
	}
	var got []volume.FileEntry
	if err := r.Entries(func(e volume.FileEntry) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("Entries() returned %d, want %d", len(got), len(entries))
	}
	for i := range entries {
		if fmt.Sprint(got[i]) != fmt.Sprint(entries[i]) {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], entries[i])
		}
	}
	mt, err := got[1].ModTime()
	if err != nil || !mt.Equal(created) {
		t.Errorf("ModTime() = %v, %v; want %v", mt, err, created)
	}
}

func TestOpen_CorruptedArchive(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w, err := volume.NewBlockWriter(&buf, testManifest())
	if err != nil {
		t.Fatalf("NewBlockWriter() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()/2]

	tests := []struct {
		name string
		open func() error
	}{
		{name: "block", open: func() error {
			_, err := volume.OpenBlockReader(bytes.NewReader(truncated), int64(len(truncated)), "x.dblock.zip")
			return err
		}},
		{name: "index", open: func() error {
			_, err := volume.OpenIndexReader(bytes.NewReader(truncated), int64(len(truncated)), "x.dindex.zip")
			return err
		}},
		{name: "files from a block volume", open: func() error {
			_, err := volume.OpenFilesReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()), "x.dlist.zip")
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.open()
			var fe *volume.FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("open error = %v, want *FormatError", err)
			}
			if fe.Volume == "" {
				t.Error("FormatError.Volume is empty")
			}
		})
	}
}
