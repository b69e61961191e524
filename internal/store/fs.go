package store

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Dir stores PDFs as files under Root.
type Dir struct {
	Root string
}

// NewDir returns a filesystem store rooted at root.
func NewDir(root string) *Dir {
	return &Dir{Root: root}
}

// Save writes pdf atomically: readers never observe a partial file.
func (d *Dir) Save(ctx context.Context, name string, pdf []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target, err := d.resolvePath(name)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(dir, ".export-*")
	if err != nil {
		return "", err
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(pdf); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", err
	}
	return target, nil
}

func (d *Dir) resolvePath(name string) (string, error) {
	clean := path.Clean("/" + name)
	rel := strings.TrimPrefix(clean, "/")
	if rel == "" || rel == "." {
		return "", ErrInvalidName
	}
	root, err := filepath.Abs(d.Root)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(rel)), nil
}
