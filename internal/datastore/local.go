package datastore

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kilnml/kiln/internal/model"
)

// Local backs a datastore with a directory on the host filesystem.
// Mount is a direct path resolution, so steps read and write the datastore
// in place with no staging.
type Local struct {
	root string
}

// NewLocal creates a local backend rooted at dataRoot/workspaceID/location.
func NewLocal(dataRoot, workspaceID, location string) *Local {
	return &Local{root: filepath.Join(dataRoot, workspaceID, location)}
}

// Kind returns the local datastore kind.
func (l *Local) Kind() string {
	return model.DatastoreLocal
}

// Mount resolves prefix to a directory under the backend root, creating it
// if needed.
func (l *Local) Mount(prefix string) (string, bool, error) {
	dir := filepath.Join(l.root, filepath.FromSlash(prefix))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, fmt.Errorf("create datastore dir: %w", err)
	}
	return dir, true, nil
}

// Stage copies everything under prefix into dir. The engine only calls this
// for backends without a host path, but it is implemented for completeness.
func (l *Local) Stage(_ context.Context, prefix, dir string) error {
	src := filepath.Join(l.root, filepath.FromSlash(prefix))
	return copyTree(src, dir)
}

// Publish copies the contents of dir under prefix.
func (l *Local) Publish(_ context.Context, dir, prefix string) error {
	dst := filepath.Join(l.root, filepath.FromSlash(prefix))
	return copyTree(dir, dst)
}

// copyTree recursively copies src into dst, creating dst if needed.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", dst, err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", dst, err)
	}
	return out.Close()
}
