package store

import (
	"context"
	"path"
	"strconv"
	"strings"

	"github.com/pithecene-io/ferry/types"
)

// DefaultObjectName is used when an upload carries no usable filename.
const DefaultObjectName = "payload"

// Attribute keys recorded with every persisted upload.
const (
	AttrUploadID   = "upload_id"
	AttrFilename   = "filename"
	AttrTotalSize  = "total_size"
	AttrChunkCount = "chunk_count"
)

// Sink persists completed uploads to a Store as <prefix>/<upload_id>/<filename>.
type Sink struct {
	store  Store
	prefix string
}

// NewSink creates a Sink writing under prefix (may be empty).
func NewSink(s Store, prefix string) *Sink {
	return &Sink{store: s, prefix: strings.Trim(prefix, "/")}
}

// Store returns the underlying store.
func (s *Sink) Store() Store {
	return s.store
}

// ObjectName returns the object name for a payload.
func (s *Sink) ObjectName(p *types.ChunkedPayload) string {
	name := path.Join(p.UploadID, SafeFilename(p.FilenameOr("")))
	if s.prefix != "" {
		name = s.prefix + "/" + name
	}
	return name
}

// Persist writes p to the store. chunkCount is recorded as an attribute.
func (s *Sink) Persist(ctx context.Context, p *types.ChunkedPayload, chunkCount int) (ObjectInfo, error) {
	name := s.ObjectName(p)
	if err := ValidateName(name); err != nil {
		return ObjectInfo{}, err
	}
	meta := Meta{
		ContentType: p.ContentTypeOr(DefaultContentType),
		Digest:      p.Digest,
		Attributes: map[string]string{
			AttrUploadID:   p.UploadID,
			AttrTotalSize:  strconv.Itoa(len(p.Data)),
			AttrChunkCount: strconv.Itoa(chunkCount),
		},
	}
	if p.Filename != nil {
		meta.Attributes[AttrFilename] = *p.Filename
	}
	return s.store.Put(ctx, name, p.Data, meta)
}

// SafeFilename reduces a sender-supplied filename to a single safe path
// segment. Directory components are dropped; names that reduce to nothing,
// "." or ".." become DefaultObjectName.
func SafeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return DefaultObjectName
	}
	return name
}
