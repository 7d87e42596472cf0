package chunk

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Chunk size bounds.
const (
	// DefaultChunkSize is the fragment size used when none is configured.
	DefaultChunkSize = 2_000_000
	// MaxChunkSize is the largest fragment a sender may be configured for.
	MaxChunkSize = 8_000_000
)

// ChunkConfig is the sender-side fragmentation setting.
type ChunkConfig struct {
	ChunkSize int
}

// DefaultChunkConfig returns a config using DefaultChunkSize.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{ChunkSize: DefaultChunkSize}
}

// NewChunkConfig validates chunkSize and returns a config.
func NewChunkConfig(chunkSize int) (ChunkConfig, error) {
	cfg := ChunkConfig{ChunkSize: chunkSize}
	if err := cfg.Validate(); err != nil {
		return ChunkConfig{}, err
	}
	return cfg, nil
}

// Validate checks that the chunk size is in (0, MaxChunkSize].
func (c ChunkConfig) Validate() error {
	if c.ChunkSize <= 0 {
		return ConfigError("chunk size must be greater than 0")
	}
	if c.ChunkSize > MaxChunkSize {
		return ConfigError("chunk size %d exceeds max %d", c.ChunkSize, MaxChunkSize)
	}
	return nil
}

// ChunkCount returns ceil(totalSize / chunkSize). chunkSize must be positive.
func ChunkCount(totalSize int64, chunkSize int) int {
	size := int64(chunkSize)
	return int((totalSize + size - 1) / size)
}

// Split partitions payload into ceil(len/chunkSize) pieces, all chunkSize long
// except possibly the last. The pieces alias payload.
func Split(payload []byte, chunkSize int) ([][]byte, error) {
	if chunkSize <= 0 {
		return nil, ConfigError("chunk size must be greater than 0")
	}
	if len(payload) == 0 {
		return nil, PublishError(nil, "payload must not be empty")
	}

	pieces := make([][]byte, 0, ChunkCount(int64(len(payload)), chunkSize))
	for start := 0; start < len(payload); start += chunkSize {
		end := min(start+chunkSize, len(payload))
		pieces = append(pieces, payload[start:end:end])
	}
	return pieces, nil
}

// Join concatenates the first count slots in index order.
// A nil slot within the first count is a fetch error.
func Join(slots [][]byte, count int, totalSize int64) ([]byte, error) {
	if count > len(slots) {
		return nil, FetchError("declared %d chunks but only %d slots", count, len(slots))
	}
	assembled := make([]byte, 0, max(totalSize, 0))
	for i, slot := range slots[:count] {
		if slot == nil {
			return nil, FetchError("missing chunk %d", i)
		}
		assembled = append(assembled, slot...)
	}
	return assembled, nil
}

// Digest returns the hex BLAKE3-256 digest of payload.
func Digest(payload []byte) string {
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
