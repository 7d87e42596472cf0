// Package sender publishes payloads as chunked uploads.
//
// A Sender splits a payload into fragments and publishes them one at a time,
// in index order, waiting for the bus to accept each fragment before sending
// the next. Any failure aborts the upload; nothing is retried or cleaned up.
// Receivers reclaim the partial upload by TTL.
package sender

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/ferry/bus"
	"github.com/pithecene-io/ferry/chunk"
	"github.com/pithecene-io/ferry/iox"
	"github.com/pithecene-io/ferry/log"
	"github.com/pithecene-io/ferry/metrics"
	"github.com/pithecene-io/ferry/policy"
	"github.com/pithecene-io/ferry/types"
)

// Options configures a Sender.
type Options struct {
	// Subject is the bus subject fragments are published on. Required.
	Subject string
	// PublishTimeout bounds each fragment publish. Zero means the caller's
	// context is the only bound.
	PublishTimeout time.Duration
	// Digest attaches a BLAKE3 digest of the full payload to every fragment
	// so receivers can verify the assembled bytes.
	Digest bool
	// MaxUploadSize bounds SendFile. Zero uses policy.DefaultMaxUploadSize.
	MaxUploadSize int64
	// Logger receives per-upload logs. Nil discards.
	Logger *log.Logger
	// Metrics receives publish counters. Nil disables.
	Metrics *metrics.Collector
}

// Sender publishes chunked uploads. Safe for concurrent use when the
// underlying Publisher is; each upload publishes sequentially.
type Sender struct {
	pub  bus.Publisher
	opts Options
}

// New creates a Sender publishing through pub.
func New(pub bus.Publisher, opts Options) (*Sender, error) {
	if pub == nil {
		return nil, chunk.ConfigError("publisher is required")
	}
	if opts.Subject == "" {
		return nil, chunk.ConfigError("subject is required")
	}
	if opts.PublishTimeout < 0 {
		return nil, chunk.ConfigError("publish timeout must not be negative")
	}
	if opts.MaxUploadSize < 0 {
		return nil, chunk.ConfigError("max upload size must not be negative")
	}
	if opts.MaxUploadSize == 0 {
		opts.MaxUploadSize = policy.DefaultMaxUploadSize
	}
	return &Sender{pub: pub, opts: opts}, nil
}

// Send publishes payload as a new upload.
//
// Returns a PublishError for an empty payload (no upload id is minted), a
// ConfigError for an invalid cfg, and a PublishError wrapping the cause when
// any fragment fails to publish. On failure, fragments already published stay
// on the bus.
func (s *Sender) Send(ctx context.Context, payload []byte, meta types.UploadMetadata, cfg chunk.ChunkConfig) (types.UploadResult, error) {
	if len(payload) == 0 {
		return types.UploadResult{}, chunk.PublishError(nil, "payload must not be empty")
	}
	if err := cfg.Validate(); err != nil {
		return types.UploadResult{}, err
	}

	pieces, err := chunk.Split(payload, cfg.ChunkSize)
	if err != nil {
		return types.UploadResult{}, err
	}

	result := types.UploadResult{
		UploadID:   uuid.NewString(),
		ChunkCount: len(pieces),
		TotalSize:  int64(len(payload)),
	}
	var digest string
	if s.opts.Digest {
		digest = chunk.Digest(payload)
	}

	logger := s.opts.Logger.With(map[string]any{"upload_id": result.UploadID})
	logger.Debug("upload started", map[string]any{
		"subject":     s.opts.Subject,
		"chunk_count": result.ChunkCount,
		"total_size":  result.TotalSize,
	})

	for index, piece := range pieces {
		headers := chunk.EncodeHeadersWithDigest(result.UploadID, index, result.ChunkCount, result.TotalSize, meta, digest)
		if err := s.publish(ctx, headers, piece); err != nil {
			s.opts.Metrics.IncUploadFailed()
			logger.Warn("upload aborted", map[string]any{
				"chunk_index": index,
				"error":       err.Error(),
			})
			return types.UploadResult{}, err
		}
		s.opts.Metrics.IncChunkPublished(len(piece))
	}

	s.opts.Metrics.IncUploadSent()
	logger.Info("upload published", map[string]any{
		"chunk_count": result.ChunkCount,
		"total_size":  result.TotalSize,
	})
	return result, nil
}

// publish sends one fragment, bounded by PublishTimeout when set.
func (s *Sender) publish(ctx context.Context, headers bus.Headers, piece []byte) error {
	if s.opts.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.PublishTimeout)
		defer cancel()
	}

	err := s.pub.Publish(ctx, s.opts.Subject, headers, piece)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return chunk.PublishError(err, "chunk publish timed out")
	}
	return chunk.PublishError(err, "chunk publish failed")
}

// SendFile publishes the file at path. The file must not exceed the
// configured MaxUploadSize. When meta has no filename, the base name of path
// is used.
func (s *Sender) SendFile(ctx context.Context, path string, meta types.UploadMetadata, cfg chunk.ChunkConfig) (types.UploadResult, error) {
	data, err := iox.ReadFileLimit(path, s.opts.MaxUploadSize)
	if err != nil {
		if errors.Is(err, iox.ErrTooLarge) {
			return types.UploadResult{}, chunk.ConfigError("file %s exceeds max upload size %d", path, s.opts.MaxUploadSize)
		}
		return types.UploadResult{}, chunk.PublishError(err, "read %s", path)
	}
	if meta.Filename == nil {
		name := filepath.Base(path)
		meta.Filename = &name
	}
	return s.Send(ctx, data, meta, cfg)
}
