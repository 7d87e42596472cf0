// Package chunk implements the chunked transfer wire protocol: encoding and
// decoding fragment headers, and splitting and joining payloads.
//
// Every function in this package is pure. State lives in the assembler.
package chunk

import (
	"strconv"

	"github.com/google/uuid"

	"github.com/pithecene-io/ferry/bus"
	"github.com/pithecene-io/ferry/types"
)

// Wire header names.
const (
	HeaderPayloadType = "X-Payload-Type"
	HeaderUploadID    = "X-Chunked-Upload-Id"
	HeaderChunkIndex  = "X-Chunk-Index"
	HeaderChunkCount  = "X-Chunk-Count"
	HeaderTotalSize   = "X-Total-Size"
	HeaderFilename    = "X-Filename"
	HeaderContentType = "X-Content-Type"
	HeaderDigest      = "X-Content-Digest"
)

// PayloadTypeChunk marks a message as a chunked upload fragment. Messages
// without it are ordinary traffic sharing the subject.
const PayloadTypeChunk = "chunked-upload"

// EncodeHeaders builds the headers for one fragment. Filename and content type
// are omitted when absent.
func EncodeHeaders(uploadID string, index, count int, totalSize int64, meta types.UploadMetadata) bus.Headers {
	return EncodeHeadersWithDigest(uploadID, index, count, totalSize, meta, "")
}

// EncodeHeadersWithDigest is EncodeHeaders plus an optional payload digest.
func EncodeHeadersWithDigest(uploadID string, index, count int, totalSize int64, meta types.UploadMetadata, digest string) bus.Headers {
	headers := bus.Headers{
		HeaderPayloadType: PayloadTypeChunk,
		HeaderUploadID:    uploadID,
		HeaderChunkIndex:  strconv.Itoa(index),
		HeaderChunkCount:  strconv.Itoa(count),
		HeaderTotalSize:   strconv.FormatInt(totalSize, 10),
	}
	if meta.Filename != nil {
		headers[HeaderFilename] = *meta.Filename
	}
	if meta.ContentType != nil {
		headers[HeaderContentType] = *meta.ContentType
	}
	if digest != "" {
		headers[HeaderDigest] = digest
	}
	return headers
}

// IsChunked reports whether headers carry the chunked upload marker.
func IsChunked(headers bus.Headers) bool {
	v, ok := headers.Get(HeaderPayloadType)
	return ok && v == PayloadTypeChunk
}

// UploadID returns the canonical upload id of chunked headers. It reports
// false for non-chunked traffic and for a missing or invalid id, and accepts
// exactly the spellings DecodeHeader accepts.
func UploadID(headers bus.Headers) (string, bool) {
	if !IsChunked(headers) {
		return "", false
	}
	id, err := readUUID(headers, HeaderUploadID)
	if err != nil {
		return "", false
	}
	return id, true
}

// DecodeHeader parses fragment headers.
//
// Returns (nil, nil) when the payload-type marker is absent or different, so
// chunked and ordinary traffic can share a subject. Once the marker is
// present, a missing or unparsable required field is a fetch error.
func DecodeHeader(headers bus.Headers) (*types.ChunkHeader, error) {
	if !IsChunked(headers) {
		return nil, nil
	}

	uploadID, err := readUUID(headers, HeaderUploadID)
	if err != nil {
		return nil, err
	}
	count, err := readInt(headers, HeaderChunkCount, 31)
	if err != nil {
		return nil, err
	}
	totalSize, err := readInt(headers, HeaderTotalSize, 62)
	if err != nil {
		return nil, err
	}
	index, err := readInt(headers, HeaderChunkIndex, 31)
	if err != nil {
		return nil, err
	}

	header := &types.ChunkHeader{
		UploadID:   uploadID,
		ChunkIndex: int(index),
		ChunkCount: int(count),
		TotalSize:  totalSize,
	}
	if v, ok := headers.Get(HeaderFilename); ok {
		header.Filename = &v
	}
	if v, ok := headers.Get(HeaderContentType); ok {
		header.ContentType = &v
	}
	if v, ok := headers.Get(HeaderDigest); ok {
		header.Digest = v
	}
	return header, nil
}

func readHeader(headers bus.Headers, key string) (string, error) {
	v, ok := headers.Get(key)
	if !ok {
		return "", FetchError("missing header %s", key)
	}
	return v, nil
}

// readUUID returns the canonical lowercase form so that equivalent spellings
// of one id map to one upload.
func readUUID(headers bus.Headers, key string) (string, error) {
	v, err := readHeader(headers, key)
	if err != nil {
		return "", err
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return "", FetchError("invalid UUID for header %s", key)
	}
	return id.String(), nil
}

func readInt(headers bus.Headers, key string, bits int) (int64, error) {
	v, err := readHeader(headers, key)
	if err != nil {
		return 0, err
	}
	// ParseUint rejects signs, so negative values are malformed.
	n, err := strconv.ParseUint(v, 10, bits)
	if err != nil {
		return 0, FetchError("failed to parse header %s value %q", key, v)
	}
	return int64(n), nil
}
