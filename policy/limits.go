// Package policy defines the resource budgets enforced by the assembler.
//
// Limits are plain configuration. The assembler reads them on every ingest;
// nothing in this package has behavior beyond defaults and validation.
package policy

import (
	"time"

	"github.com/pithecene-io/ferry/chunk"
)

// Default budgets.
const (
	DefaultMaxUploadSize      int64 = 100 * 1000 * 1000
	DefaultMaxChunkCount            = 2000
	DefaultMaxInflightUploads       = 100
	DefaultMaxInflightBytes   int64 = 500 * 1000 * 1000
	DefaultMaxChunkSize             = chunk.MaxChunkSize
	DefaultTTL                      = 10 * time.Minute
)

// Limits bounds the receiver-side state of the assembler.
type Limits struct {
	// MaxUploadSize is the largest declared total size accepted, in bytes.
	MaxUploadSize int64 `json:"max_upload_size" yaml:"max_upload_size"`
	// MaxChunkCount is the largest declared chunk count accepted.
	MaxChunkCount int `json:"max_chunk_count" yaml:"max_chunk_count"`
	// MaxInflightUploads caps the number of concurrently pending uploads.
	MaxInflightUploads int `json:"max_inflight_uploads" yaml:"max_inflight_uploads"`
	// MaxInflightBytes caps buffered bytes across all pending uploads.
	MaxInflightBytes int64 `json:"max_inflight_bytes" yaml:"max_inflight_bytes"`
	// MaxChunkSize is the largest single fragment accepted, in bytes.
	MaxChunkSize int `json:"max_chunk_size" yaml:"max_chunk_size"`
	// TTL is how long an upload may go without traffic before eviction.
	TTL time.Duration `json:"ttl" yaml:"ttl"`
}

// DefaultLimits returns the default budgets.
func DefaultLimits() Limits {
	return Limits{
		MaxUploadSize:      DefaultMaxUploadSize,
		MaxChunkCount:      DefaultMaxChunkCount,
		MaxInflightUploads: DefaultMaxInflightUploads,
		MaxInflightBytes:   DefaultMaxInflightBytes,
		MaxChunkSize:       DefaultMaxChunkSize,
		TTL:                DefaultTTL,
	}
}

// WithDefaults returns a copy of l where every zero field takes its default.
// Used when limits come from partial configuration.
func (l Limits) WithDefaults() Limits {
	d := DefaultLimits()
	if l.MaxUploadSize == 0 {
		l.MaxUploadSize = d.MaxUploadSize
	}
	if l.MaxChunkCount == 0 {
		l.MaxChunkCount = d.MaxChunkCount
	}
	if l.MaxInflightUploads == 0 {
		l.MaxInflightUploads = d.MaxInflightUploads
	}
	if l.MaxInflightBytes == 0 {
		l.MaxInflightBytes = d.MaxInflightBytes
	}
	if l.MaxChunkSize == 0 {
		l.MaxChunkSize = d.MaxChunkSize
	}
	if l.TTL == 0 {
		l.TTL = d.TTL
	}
	return l
}

// Validate rejects non-positive budgets.
func (l Limits) Validate() error {
	switch {
	case l.MaxUploadSize <= 0:
		return chunk.ConfigError("max upload size must be positive, got %d", l.MaxUploadSize)
	case l.MaxChunkCount <= 0:
		return chunk.ConfigError("max chunk count must be positive, got %d", l.MaxChunkCount)
	case l.MaxInflightUploads <= 0:
		return chunk.ConfigError("max inflight uploads must be positive, got %d", l.MaxInflightUploads)
	case l.MaxInflightBytes <= 0:
		return chunk.ConfigError("max inflight bytes must be positive, got %d", l.MaxInflightBytes)
	case l.MaxChunkSize <= 0:
		return chunk.ConfigError("max chunk size must be positive, got %d", l.MaxChunkSize)
	case l.TTL <= 0:
		return chunk.ConfigError("ttl must be positive, got %s", l.TTL)
	}
	return nil
}
