package blockhash

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"math/rand"
	"testing"
)

func randomBytes(t *testing.T, n int, seed int64) []byte {
	t.Helper()
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func TestValidateBlockSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		size    int64
		wantErr bool
	}{
		{name: "default", size: DefaultBlockSize},
		{name: "minimum", size: MinBlockSize},
		{name: "maximum", size: MaxBlockSize},
		{name: "too small", size: MinBlockSize - 1, wantErr: true},
		{name: "too large", size: MaxBlockSize + 1, wantErr: true},
		{name: "zero", size: 0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBlockSize(tt.size)
			if tt.wantErr {
				if !errors.Is(err, ErrBlockSize) {
					t.Fatalf("ValidateBlockSize(%d) = %v, want ErrBlockSize", tt.size, err)
				}
				var rangeErr *RangeError
				if !errors.As(err, &rangeErr) || rangeErr.BlockSize != tt.size {
					t.Errorf("error = %#v, want RangeError{%d}", err, tt.size)
				}
				return
			}
			if err != nil {
				t.Errorf("ValidateBlockSize(%d) error = %v", tt.size, err)
			}
		})
	}
}

func TestNewChunker_RejectsUnknownAlgorithm(t *testing.T) {
	t.Parallel()
	if _, err := NewChunker(DefaultBlockSize, "CRC32", DefaultAlgorithm); err == nil {
		t.Error("NewChunker() with unknown block hash succeeded, want error")
	}
	if _, err := NewChunker(DefaultBlockSize, DefaultAlgorithm, "nope"); err == nil {
		t.Error("NewChunker() with unknown file hash succeeded, want error")
	}
}

func TestChunker_Split(t *testing.T) {
	t.Parallel()

	const blockSize = 4 * KiB
	tests := []struct {
		name       string
		length     int
		wantBlocks int
		wantLast   int64
	}{
		{name: "empty", length: 0, wantBlocks: 0},
		{name: "smaller than a block", length: 100, wantBlocks: 1, wantLast: 100},
		{name: "exactly one block", length: blockSize, wantBlocks: 1, wantLast: blockSize},
		{name: "exact multiple", length: 3 * blockSize, wantBlocks: 3, wantLast: blockSize},
		{name: "trailing partial", length: 3*blockSize + 17, wantBlocks: 4, wantLast: 17},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewChunker(blockSize, DefaultAlgorithm, DefaultAlgorithm)
			if err != nil {
				t.Fatalf("NewChunker() error = %v", err)
			}
			data := randomBytes(t, tt.length, int64(tt.length))

			var rebuilt bytes.Buffer
			var seen []int64
			digest, err := c.Split(bytes.NewReader(data), func(b Block) error {
				seen = append(seen, b.Index)
				if got := c.HashBlock(b.Data); got != b.Hash {
					t.Errorf("block %d hash = %s, want %s", b.Index, b.Hash, got)
				}
				rebuilt.Write(b.Data)
				return nil
			})
			if err != nil {
				t.Fatalf("Split() error = %v", err)
			}

			if len(digest.Blocks) != tt.wantBlocks {
				t.Fatalf("len(Blocks) = %d, want %d", len(digest.Blocks), tt.wantBlocks)
			}
			if digest.Length != int64(tt.length) {
				t.Errorf("Length = %d, want %d", digest.Length, tt.length)
			}
			if tt.wantBlocks > 0 {
				if last := digest.Blocks[len(digest.Blocks)-1].Size; last != tt.wantLast {
					t.Errorf("last block size = %d, want %d", last, tt.wantLast)
				}
			}
			for i, idx := range seen {
				if idx != int64(i) {
					t.Errorf("callback %d saw index %d", i, idx)
				}
			}
			if !bytes.Equal(rebuilt.Bytes(), data) {
				t.Error("concatenated blocks differ from input")
			}
			sum := sha256.Sum256(data)
			if digest.Hash != Encode(sum[:]) {
				t.Errorf("file hash = %s, want %s", digest.Hash, Encode(sum[:]))
			}
		})
	}
}

func TestChunker_SplitCallbackError(t *testing.T) {
	t.Parallel()
	c, err := NewChunker(MinBlockSize, DefaultAlgorithm, DefaultAlgorithm)
	if err != nil {
		t.Fatalf("NewChunker() error = %v", err)
	}
	stop := errors.New("stop")
	_, err = c.Split(bytes.NewReader(make([]byte, 4*MinBlockSize)), func(b Block) error {
		if b.Index == 1 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Errorf("Split() error = %v, want %v", err, stop)
	}
}

func TestChunker_IdenticalContentSameRefs(t *testing.T) {
	t.Parallel()
	c, err := NewChunker(MinBlockSize, "SHA1", "SHA512")
	if err != nil {
		t.Fatalf("NewChunker() error = %v", err)
	}
	data := randomBytes(t, int(5*MinBlockSize+3), 7)
	first, err := c.Split(bytes.NewReader(data), nil)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	second, err := c.Split(bytes.NewReader(append([]byte(nil), data...)), nil)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if first.Hash != second.Hash || len(first.Blocks) != len(second.Blocks) {
		t.Fatalf("digests differ: %+v vs %+v", first, second)
	}
	for i := range first.Blocks {
		if first.Blocks[i] != second.Blocks[i] {
			t.Errorf("block %d: %+v != %+v", i, first.Blocks[i], second.Blocks[i])
		}
	}
}
