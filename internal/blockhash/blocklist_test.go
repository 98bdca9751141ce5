package blockhash

import (
	"bytes"
	"fmt"
	"testing"
)

func fakeHashes(t *testing.T, n int) []string {
	t.Helper()
	hashes := make([]string, n)
	for i := range hashes {
		h, err := Sum(DefaultAlgorithm, []byte(fmt.Sprintf("block-%d", i)))
		if err != nil {
			t.Fatalf("Sum() error = %v", err)
		}
		hashes[i] = h
	}
	return hashes
}

func TestBuildBlocklists_SingleBlockNeedsNone(t *testing.T) {
	t.Parallel()
	lists, err := BuildBlocklists(fakeHashes(t, 1), MinBlockSize, DefaultAlgorithm)
	if err != nil {
		t.Fatalf("BuildBlocklists() error = %v", err)
	}
	if lists != nil {
		t.Errorf("BuildBlocklists() = %v, want nil", lists)
	}
}

func TestBuildBlocklists_RoundTrip(t *testing.T) {
	t.Parallel()

	// 1 KiB blocks hold 32 SHA256 digests per blocklist.
	tests := []struct {
		name      string
		count     int
		wantLists int
	}{
		{name: "two blocks", count: 2, wantLists: 1},
		{name: "exactly full", count: 32, wantLists: 1},
		{name: "spills over", count: 33, wantLists: 2},
		{name: "many", count: 100, wantLists: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hashes := fakeHashes(t, tt.count)
			lists, err := BuildBlocklists(hashes, MinBlockSize, DefaultAlgorithm)
			if err != nil {
				t.Fatalf("BuildBlocklists() error = %v", err)
			}
			if len(lists) != tt.wantLists {
				t.Fatalf("len(lists) = %d, want %d", len(lists), tt.wantLists)
			}
			length := int64(tt.count) * MinBlockSize
			if got := ExpectedBlocklists(length, MinBlockSize, 32); got != int64(tt.wantLists) {
				t.Errorf("ExpectedBlocklists() = %d, want %d", got, tt.wantLists)
			}

			var rebuilt []string
			for i, l := range lists {
				if l.Index != int64(i) {
					t.Errorf("list %d has index %d", i, l.Index)
				}
				sum, _ := Sum(DefaultAlgorithm, l.Data)
				if sum != l.Hash {
					t.Errorf("list %d hash = %s, want %s", i, l.Hash, sum)
				}
				part, err := ParseBlocklist(l.Data, 32)
				if err != nil {
					t.Fatalf("ParseBlocklist() error = %v", err)
				}
				rebuilt = append(rebuilt, part...)
			}
			if len(rebuilt) != len(hashes) {
				t.Fatalf("rebuilt %d hashes, want %d", len(rebuilt), len(hashes))
			}
			for i := range hashes {
				if rebuilt[i] != hashes[i] {
					t.Errorf("hash %d = %s, want %s", i, rebuilt[i], hashes[i])
				}
			}
		})
	}
}

func TestParseBlocklist_RejectsBadLength(t *testing.T) {
	t.Parallel()
	if _, err := ParseBlocklist(bytes.Repeat([]byte{1}, 33), 32); err == nil {
		t.Error("ParseBlocklist() with ragged data succeeded, want error")
	}
}

func TestBlockSizeAt(t *testing.T) {
	t.Parallel()
	if got := BlockSizeAt(0, 2500, 1000); got != 1000 {
		t.Errorf("BlockSizeAt(0) = %d, want 1000", got)
	}
	if got := BlockSizeAt(2, 2500, 1000); got != 500 {
		t.Errorf("BlockSizeAt(2) = %d, want 500", got)
	}
	if got := ExpectedBlocks(2500, 1000); got != 3 {
		t.Errorf("ExpectedBlocks() = %d, want 3", got)
	}
	if got := ExpectedBlocks(0, 1000); got != 0 {
		t.Errorf("ExpectedBlocks(0) = %d, want 0", got)
	}
}

func TestURLSafeRoundTrip(t *testing.T) {
	t.Parallel()
	for _, name := range Supported() {
		h, err := Sum(name, []byte("payload??>>"))
		if err != nil {
			t.Fatalf("Sum(%s) error = %v", name, err)
		}
		safe, err := URLSafe(h)
		if err != nil {
			t.Fatalf("URLSafe() error = %v", err)
		}
		back, err := FromURLSafe(safe)
		if err != nil {
			t.Fatalf("FromURLSafe() error = %v", err)
		}
		if back != h {
			t.Errorf("%s: round trip = %s, want %s", name, back, h)
		}
	}
}
