package storage

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

	"github.com/bmatcuk/doublestar/v4"
)

// FSContext is a filesystem-backed Context rooted at a single directory.
// Writes go through a temp file + rename so readers never observe a torn
// object.
type FSContext struct {
	root string
}

func NewFSContext(root string) (*FSContext, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &FSContext{root: abs}, nil
}

// Root returns the absolute root directory.
func (f *FSContext) Root() string { return f.root }

func (f *FSContext) abs(p string) (string, error) {
	if err := ValidatePath(p); err != nil {
		return "", err
	}
	return filepath.Join(f.root, filepath.FromSlash(path.Clean(p))), nil
}

func (f *FSContext) Write(_ context.Context, p string, data []byte, _ WriteOptions) error {
	target, err := f.abs(p)
	if err != nil {
		return &Error{Op: "write", Path: p, Err: err}
	}
	if err := writeFileAtomic(target, data); err != nil {
		return &Error{Op: "write", Path: p, Err: err}
	}
	return nil
}

func (f *FSContext) Append(_ context.Context, p string, data []byte) error {
	target, err := f.abs(p)
	if err != nil {
		return &Error{Op: "append", Path: p, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return &Error{Op: "append", Path: p, Err: err}
	}
	fh, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &Error{Op: "append", Path: p, Err: err}
	}
	defer fh.Close()
	if _, err := fh.Write(data); err != nil {
		return &Error{Op: "append", Path: p, Err: err}
	}
	if err := fh.Sync(); err != nil {
		return &Error{Op: "append", Path: p, Err: err}
	}
	return nil
}

func (f *FSContext) ReadToString(ctx context.Context, p string) (string, error) {
	b, err := f.ReadBytes(ctx, p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (f *FSContext) ReadBytes(_ context.Context, p string) ([]byte, error) {
	target, err := f.abs(p)
	if err != nil {
		return nil, &Error{Op: "read", Path: p, Err: err}
	}
	b, err := os.ReadFile(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &NotExistError{Path: p}
		}
		return nil, &Error{Op: "read", Path: p, Err: err}
	}
	return b, nil
}

func (f *FSContext) CreateDirectory(_ context.Context, p string) error {
	target, err := f.abs(p)
	if err != nil {
		return &Error{Op: "mkdir", Path: p, Err: err}
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return &Error{Op: "mkdir", Path: p, Err: err}
	}
	return nil
}

func (f *FSContext) Exists(_ context.Context, p string) (bool, error) {
	target, err := f.abs(p)
	if err != nil {
		return false, &Error{Op: "exists", Path: p, Err: err}
	}
	if _, err := os.Stat(target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, &Error{Op: "exists", Path: p, Err: err}
	}
	return true, nil
}

func (f *FSContext) List(_ context.Context, prefix string, pattern string) ([]string, error) {
	base, err := f.abs(prefix)
	if err != nil {
		return nil, &Error{Op: "list", Path: prefix, Err: err}
	}
	var out []string
	walkErr := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if pattern != "" {
			ok, err := doublestar.Match(pattern, rel)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
		out = append(out, path.Join(path.Clean(prefix), rel))
		return nil
	})
	if walkErr != nil {
		return nil, &Error{Op: "list", Path: prefix, Err: walkErr}
	}
	sort.Strings(out)
	return out, nil
}

// writeFileAtomic writes data to a temp file in the target directory, syncs,
// and renames it over the destination.
func writeFileAtomic(target string, data []byte) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, target)
}
