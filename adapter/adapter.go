// Package adapter defines the completion-notification boundary.
//
// Adapters tell downstream systems that an upload finished assembling and
// was persisted. The receiver owns adapter lifecycle; users provide
// configuration only.
package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/pithecene-io/ferry/types"
)

// EventTypeUploadCompleted is the only event type adapters publish.
const EventTypeUploadCompleted = "upload_completed"

// UploadCompletedEvent is the payload published once an upload is stored.
type UploadCompletedEvent struct {
	ContractVersion string `json:"contract_version"`
	EventType       string `json:"event_type"` // always "upload_completed"
	UploadID        string `json:"upload_id"`
	Filename        string `json:"filename,omitempty"`
	ContentType     string `json:"content_type"`
	SizeBytes       int64  `json:"size_bytes"`
	ChunkCount      int    `json:"chunk_count"`
	Digest          string `json:"digest,omitempty"`
	StoragePath     string `json:"storage_path"`
	StorageBackend  string `json:"storage_backend"`
	Timestamp       string `json:"timestamp"` // RFC 3339, UTC
}

// Completion describes a persisted upload.
type Completion struct {
	Payload        *types.ChunkedPayload
	ChunkCount     int
	StoragePath    string
	StorageBackend string
	ContentType    string
	At             time.Time
}

// NewUploadCompletedEvent builds the event for c.
func NewUploadCompletedEvent(c Completion) *UploadCompletedEvent {
	return &UploadCompletedEvent{
		ContractVersion: types.Version,
		EventType:       EventTypeUploadCompleted,
		UploadID:        c.Payload.UploadID,
		Filename:        c.Payload.FilenameOr(""),
		ContentType:     c.ContentType,
		SizeBytes:       int64(len(c.Payload.Data)),
		ChunkCount:      c.ChunkCount,
		Digest:          c.Payload.Digest,
		StoragePath:     c.StoragePath,
		StorageBackend:  c.StorageBackend,
		Timestamp:       c.At.UTC().Format(time.RFC3339),
	}
}

// Adapter publishes upload completion events to a downstream system.
type Adapter interface {
	// Publish sends an upload completion event.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *UploadCompletedEvent) error

	// Close releases adapter resources.
	Close() error
}

// Multi fans one event out to several adapters.
type Multi []Adapter

// Publish delivers event to every adapter, even after a failure, and joins
// the errors.
func (m Multi) Publish(ctx context.Context, event *UploadCompletedEvent) error {
	var errs []error
	for _, a := range m {
		if err := a.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every adapter and joins the errors.
func (m Multi) Close() error {
	var errs []error
	for _, a := range m {
		if err := a.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Adapter = Multi(nil)
