// Package fs implements store.Store on a local directory.
//
// Objects live at <root>/<name>. Metadata is kept in a JSON sidecar at
// <root>/.meta/<name>.json so object names never collide with sidecars.
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	iofs "io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pithecene-io/ferry/store"
)

const metaDir = ".meta"

// sidecar is the persisted form of object metadata.
type sidecar struct {
	ContentType string            `json:"content_type"`
	Digest      string            `json:"digest,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Store is a filesystem-backed store.Store.
type Store struct {
	root string
}

var _ store.Store = (*Store)(nil)

// New creates a store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("fs store requires a root directory")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, store.Wrap(err, "init", dir)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, store.Wrap(err, "init", dir)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string {
	return s.root
}

// Backend implements store.Store.
func (s *Store) Backend() string {
	return "fs"
}

// validateName also reserves the sidecar directory.
func validateName(name string) error {
	if err := store.ValidateName(name); err != nil {
		return err
	}
	if name == metaDir || strings.HasPrefix(name, metaDir+"/") {
		return store.NewStorageError(store.ErrInvalidName, "validate", name, errors.New("reserved prefix"))
	}
	return nil
}

func (s *Store) objectPath(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

func (s *Store) sidecarPath(name string) string {
	return filepath.Join(s.root, metaDir, filepath.FromSlash(name)+".json")
}

func (s *Store) location(name string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(s.objectPath(name))}
	return u.String()
}

// Put implements store.Store.
func (s *Store) Put(ctx context.Context, name string, data []byte, meta store.Meta) (store.ObjectInfo, error) {
	if err := validateName(name); err != nil {
		return store.ObjectInfo{}, err
	}
	if err := ctx.Err(); err != nil {
		return store.ObjectInfo{}, store.Wrap(err, "put", name)
	}
	if meta.ContentType == "" {
		meta.ContentType = store.DefaultContentType
	}

	sc, err := json.Marshal(sidecar{
		ContentType: meta.ContentType,
		Digest:      meta.Digest,
		Attributes:  meta.Attributes,
	})
	if err != nil {
		return store.ObjectInfo{}, fmt.Errorf("put %s: marshal metadata: %w", name, err)
	}
	if err := store.WriteFileAtomic(s.sidecarPath(name), sc); err != nil {
		return store.ObjectInfo{}, store.Wrap(err, "put", name)
	}
	if err := store.WriteFileAtomic(s.objectPath(name), data); err != nil {
		return store.ObjectInfo{}, store.Wrap(err, "put", name)
	}
	return s.Info(ctx, name)
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, name string) ([]byte, store.ObjectInfo, error) {
	info, err := s.Info(ctx, name)
	if err != nil {
		return nil, store.ObjectInfo{}, err
	}
	data, err := os.ReadFile(s.objectPath(name))
	if err != nil {
		return nil, store.ObjectInfo{}, store.Wrap(err, "get", name)
	}
	return data, info, nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return store.Wrap(err, "delete", name)
	}
	if err := os.Remove(s.objectPath(name)); err != nil {
		return store.Wrap(err, "delete", name)
	}
	if err := os.Remove(s.sidecarPath(name)); err != nil && !errors.Is(err, iofs.ErrNotExist) {
		return store.Wrap(err, "delete", name)
	}
	return nil
}

// Info implements store.Store.
func (s *Store) Info(ctx context.Context, name string) (store.ObjectInfo, error) {
	if err := validateName(name); err != nil {
		return store.ObjectInfo{}, err
	}
	if err := ctx.Err(); err != nil {
		return store.ObjectInfo{}, store.Wrap(err, "info", name)
	}
	st, err := os.Stat(s.objectPath(name))
	if err != nil {
		return store.ObjectInfo{}, store.Wrap(err, "info", name)
	}
	if st.IsDir() {
		return store.ObjectInfo{}, store.NewStorageError(store.ErrNotFound, "info", name, errors.New("is a directory"))
	}

	info := store.ObjectInfo{
		Name:        name,
		Size:        st.Size(),
		ContentType: store.DefaultContentType,
		ModTime:     st.ModTime().UTC(),
		Location:    s.location(name),
	}
	raw, err := os.ReadFile(s.sidecarPath(name))
	switch {
	case err == nil:
		var sc sidecar
		if err := json.Unmarshal(raw, &sc); err != nil {
			return store.ObjectInfo{}, fmt.Errorf("info %s: decode metadata: %w", name, err)
		}
		if sc.ContentType != "" {
			info.ContentType = sc.ContentType
		}
		info.Digest = sc.Digest
		info.Attributes = sc.Attributes
	case errors.Is(err, iofs.ErrNotExist):
		// Objects written by other tools have no sidecar.
	default:
		return store.ObjectInfo{}, store.Wrap(err, "info", name)
	}
	return info, nil
}
