//nolint:revive // types is a common Go package naming convention
package types

// UploadMetadata is the optional sender-supplied description of a payload.
// It is fixed for the lifetime of an upload: every fragment repeats it.
type UploadMetadata struct {
	// Filename is the original file name, nil if absent.
	Filename *string `json:"filename,omitempty" yaml:"filename,omitempty"`
	// ContentType is the MIME type, nil if absent.
	ContentType *string `json:"content_type,omitempty" yaml:"content_type,omitempty"`
}

// NewUploadMetadata builds metadata from plain strings.
// Empty strings are treated as absent.
func NewUploadMetadata(filename, contentType string) UploadMetadata {
	var meta UploadMetadata
	if filename != "" {
		meta.Filename = &filename
	}
	if contentType != "" {
		meta.ContentType = &contentType
	}
	return meta
}

// ChunkHeader is the typed view of the wire headers attached to one fragment.
type ChunkHeader struct {
	// UploadID is the canonical UUID text identifying the upload.
	UploadID string
	// ChunkIndex is the 0-based position of this fragment.
	ChunkIndex int
	// ChunkCount is the declared number of fragments.
	ChunkCount int
	// TotalSize is the declared full payload length in bytes.
	TotalSize int64
	// Filename is the optional file name.
	Filename *string
	// ContentType is the optional MIME type.
	ContentType *string
	// Digest is the optional hex BLAKE3-256 of the full payload.
	Digest string
}

// ChunkedPayload is a fully reassembled upload.
type ChunkedPayload struct {
	UploadID    string
	Data        []byte
	Filename    *string
	ContentType *string
	// Digest is the sender-declared digest, empty if none was sent.
	Digest string
}

// FilenameOr returns the filename or fallback when absent.
func (p *ChunkedPayload) FilenameOr(fallback string) string {
	if p.Filename == nil || *p.Filename == "" {
		return fallback
	}
	return *p.Filename
}

// ContentTypeOr returns the content type or fallback when absent.
func (p *ChunkedPayload) ContentTypeOr(fallback string) string {
	if p.ContentType == nil || *p.ContentType == "" {
		return fallback
	}
	return *p.ContentType
}

// UploadResult describes a successfully published upload.
type UploadResult struct {
	UploadID   string `json:"upload_id" yaml:"upload_id"`
	ChunkCount int    `json:"chunk_count" yaml:"chunk_count"`
	TotalSize  int64  `json:"total_size" yaml:"total_size" render:"bytes"`
}

// SameString reports whether two optional strings are equal.
// Two nil values are equal; nil never equals a non-nil value.
func SameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
