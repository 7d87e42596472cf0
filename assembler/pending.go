package assembler

import (
	"time"

	"github.com/pithecene-io/ferry/types"
)

// pendingUpload is the receiver-side state for one incomplete upload.
// Declared metadata is captured from the first fragment and never changes.
type pendingUpload struct {
	chunkCount  int
	totalSize   int64
	filename    *string
	contentType *string
	digest      string

	// chunks has one slot per declared index; seen mirrors which slots are
	// filled so duplicate detection never inspects the byte slices.
	chunks        [][]byte
	seen          bitset
	received      int
	receivedBytes int64
	lastSeen      time.Time
}

func newPendingUpload(h *types.ChunkHeader, now time.Time) *pendingUpload {
	return &pendingUpload{
		chunkCount:  h.ChunkCount,
		totalSize:   h.TotalSize,
		filename:    h.Filename,
		contentType: h.ContentType,
		digest:      h.Digest,
		chunks:      make([][]byte, h.ChunkCount),
		seen:        newBitset(h.ChunkCount),
		lastSeen:    now,
	}
}

// matches reports whether a fragment declares the same upload as the first
// fragment seen for this id.
func (p *pendingUpload) matches(h *types.ChunkHeader) bool {
	return p.chunkCount == h.ChunkCount &&
		p.totalSize == h.TotalSize &&
		types.SameString(p.filename, h.Filename) &&
		types.SameString(p.contentType, h.ContentType) &&
		p.digest == h.Digest
}

func (p *pendingUpload) complete() bool {
	return p.received == p.chunkCount
}

// bitset is a fixed-size set of chunk indices.
type bitset []uint64

func newBitset(n int) bitset {
	return make(bitset, (n+63)/64)
}

func (b bitset) has(i int) bool {
	return b[i/64]&(1<<(uint(i)%64)) != 0
}

func (b bitset) set(i int) {
	b[i/64] |= 1 << (uint(i) % 64)
}
