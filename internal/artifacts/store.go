// Package artifacts reads validation job output from a blob store and turns
// it into a verdict.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lucasnoah/labforge/internal/pipeline"
)

// ErrNotFound is returned when a blob does not exist (yet).
var ErrNotFound = errors.New("artifact not found")

// BlobStore holds the files a validation job writes under its execution id.
type BlobStore interface {
	Get(ctx context.Context, executionID, name string) ([]byte, error)
	// List returns names under executionID/prefix, relative to executionID.
	List(ctx context.Context, executionID, prefix string) ([]string, error)
	Put(ctx context.Context, key string, data []byte) error
}

// DirStore is a BlobStore over a local directory laid out as
// <root>/<executionID>/<name>.
type DirStore struct {
	root string
}

// NewDirStore creates a DirStore rooted at root.
func NewDirStore(root string) *DirStore {
	return &DirStore{root: root}
}

func (d *DirStore) path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(d.root, filepath.FromSlash(clean)), nil
}

func (d *DirStore) Get(_ context.Context, executionID, name string) ([]byte, error) {
	p, err := d.path(executionID + "/" + name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s: %w", executionID, name, ErrNotFound)
	}
	return data, err
}

func (d *DirStore) List(_ context.Context, executionID, prefix string) ([]string, error) {
	base, err := d.path(executionID)
	if err != nil {
		return nil, err
	}
	var names []string
	err = filepath.WalkDir(base, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			return err
		}
		if de.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			names = append(names, rel)
		}
		return nil
	})
	sort.Strings(names)
	return names, err
}

func (d *DirStore) Put(_ context.Context, key string, data []byte) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	return pipeline.WriteAtomic(p, data)
}
