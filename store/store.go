// Package store persists completed uploads.
//
// A Store is a flat object namespace with put, get, delete and info. Backends
// live in subpackages (fs, s3). Every backend error is a *StorageError
// classified by a sentinel kind, so callers use errors.Is(err, ErrNotFound)
// instead of matching provider messages.
package store

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pithecene-io/ferry/iox"
)

// Meta is the caller-supplied description of an object.
type Meta struct {
	// ContentType is the MIME type; empty means application/octet-stream.
	ContentType string
	// Digest is the hex BLAKE3-256 of the data, if known.
	Digest string
	// Attributes are free-form string attributes kept with the object.
	Attributes map[string]string
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Name        string            `json:"name" yaml:"name"`
	Size        int64             `json:"size" yaml:"size" render:"bytes"`
	ContentType string            `json:"content_type" yaml:"content_type"`
	Digest      string            `json:"digest,omitempty" yaml:"digest,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	ModTime     time.Time         `json:"mod_time" yaml:"mod_time"`
	// Location is a backend URI for the object (file://..., s3://...).
	Location string `json:"location" yaml:"location"`
}

// Store is an object store.
type Store interface {
	// Put writes data under name, replacing any existing object.
	Put(ctx context.Context, name string, data []byte, meta Meta) (ObjectInfo, error)
	// Get returns the object data and info. ErrNotFound if absent.
	Get(ctx context.Context, name string) ([]byte, ObjectInfo, error)
	// Delete removes the object. ErrNotFound if absent.
	Delete(ctx context.Context, name string) error
	// Info returns object info without data. ErrNotFound if absent.
	Info(ctx context.Context, name string) (ObjectInfo, error)
	// Backend names the backend ("fs", "s3").
	Backend() string
}

// DefaultContentType is used when Meta.ContentType is empty.
const DefaultContentType = "application/octet-stream"

// ValidateName checks that name is a clean relative slash-separated path
// with no empty, "." or ".." segments.
func ValidateName(name string) error {
	if name == "" {
		return NewStorageError(ErrInvalidName, "validate", name, fmt.Errorf("empty name"))
	}
	if strings.HasPrefix(name, "/") || strings.Contains(name, "\\") || path.Clean(name) != name {
		return NewStorageError(ErrInvalidName, "validate", name, fmt.Errorf("name must be a clean relative path"))
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return NewStorageError(ErrInvalidName, "validate", name, fmt.Errorf("invalid segment %q", seg))
		}
	}
	return nil
}

// PutFile stores the file at src under name. The file must not exceed limit
// bytes.
func PutFile(ctx context.Context, s Store, name, src string, meta Meta, limit int64) (ObjectInfo, error) {
	data, err := iox.ReadFileLimit(src, limit)
	if err != nil {
		return ObjectInfo{}, Wrap(err, "put", name)
	}
	return s.Put(ctx, name, data, meta)
}

// GetToFile writes the object name to dst, creating parent directories.
// The file is written to a temporary sibling and renamed into place.
func GetToFile(ctx context.Context, s Store, name, dst string) (ObjectInfo, error) {
	data, info, err := s.Get(ctx, name)
	if err != nil {
		return ObjectInfo{}, err
	}
	if err := WriteFileAtomic(dst, data); err != nil {
		return ObjectInfo{}, Wrap(err, "get", name)
	}
	return info, nil
}

// WriteFileAtomic writes data to dst through a temporary sibling file and a
// rename, so readers never observe a partial file.
func WriteFileAtomic(dst string, data []byte) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		iox.DiscardClose(tmp)
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
