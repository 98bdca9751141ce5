package blockhash

import (
	"fmt"
)

// Blocklist is the concatenated raw digests of a run of consecutive block
// hashes, stored as a block of its own and addressed by its hash.
type Blocklist struct {
	Index int64
	Hash  string
	Data  []byte
}

// HashesPerBlocklist is the number of block hashes that fit in one blocklist.
func HashesPerBlocklist(blockSize int64, hashSize int) int64 {
	return blockSize / int64(hashSize)
}

// NeedsBlocklist reports whether a blockset with n blocks records its
// ordering through blocklist hashes.
func NeedsBlocklist(n int) bool {
	return n > 1
}

// ExpectedBlocks returns the number of blocks a stream of the given length
// splits into.
func ExpectedBlocks(length, blockSize int64) int64 {
	if length <= 0 {
		return 0
	}
	return (length + blockSize - 1) / blockSize
}

// ExpectedBlocklists returns the number of blocklist hashes recorded for a
// stream of the given length.
func ExpectedBlocklists(length, blockSize int64, hashSize int) int64 {
	n := ExpectedBlocks(length, blockSize)
	if !NeedsBlocklist(int(n)) {
		return 0
	}
	per := HashesPerBlocklist(blockSize, hashSize)
	return (n + per - 1) / per
}

// BlockSizeAt returns the size of block idx in a stream of the given length.
func BlockSizeAt(idx, length, blockSize int64) int64 {
	if rest := length - idx*blockSize; rest < blockSize {
		return rest
	}
	return blockSize
}

// BuildBlocklists groups block hashes into blocklists. It returns nil when
// the block count does not need blocklists.
func BuildBlocklists(hashes []string, blockSize int64, algorithm string) ([]Blocklist, error) {
	if !NeedsBlocklist(len(hashes)) {
		return nil, nil
	}
	hashSize, err := Size(algorithm)
	if err != nil {
		return nil, err
	}
	per := int(HashesPerBlocklist(blockSize, hashSize))
	if per < 1 {
		return nil, fmt.Errorf("block size %d cannot hold a %s digest", blockSize, algorithm)
	}

	var lists []Blocklist
	for start := 0; start < len(hashes); start += per {
		end := start + per
		if end > len(hashes) {
			end = len(hashes)
		}
		data := make([]byte, 0, (end-start)*hashSize)
		for _, h := range hashes[start:end] {
			raw, err := Decode(h)
			if err != nil {
				return nil, err
			}
			if len(raw) != hashSize {
				return nil, fmt.Errorf("hash %q has %d bytes, want %d", h, len(raw), hashSize)
			}
			data = append(data, raw...)
		}
		sum, err := Sum(algorithm, data)
		if err != nil {
			return nil, err
		}
		lists = append(lists, Blocklist{Index: int64(len(lists)), Hash: sum, Data: data})
	}
	return lists, nil
}

// ParseBlocklist splits blocklist data back into canonical block hashes.
func ParseBlocklist(data []byte, hashSize int) ([]string, error) {
	if hashSize <= 0 || len(data)%hashSize != 0 {
		return nil, fmt.Errorf("blocklist length %d is not a multiple of %d", len(data), hashSize)
	}
	hashes := make([]string, 0, len(data)/hashSize)
	for off := 0; off < len(data); off += hashSize {
		hashes = append(hashes, Encode(data[off:off+hashSize]))
	}
	return hashes, nil
}
