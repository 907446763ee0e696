// Package storage provides the backend-agnostic key/value surface the rest
// of the pipeline persists through, plus a content-addressed blob store built
// on top of it. Implementations must keep writes atomic (readers never see a
// torn file) and must refuse any path that escapes the configured root.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// WriteOptions carries optional metadata for a write.
type WriteOptions struct {
	MimeType string
}

// Context is the minimal storage surface. Paths are forward-slash relative
// paths inside a single root; composition goes through JoinPath.
type Context interface {
	Write(ctx context.Context, p string, data []byte, opts WriteOptions) error
	// Append appends to an existing object, creating it when absent. The
	// append is durable before Append returns.
	Append(ctx context.Context, p string, data []byte) error
	ReadToString(ctx context.Context, p string) (string, error)
	ReadBytes(ctx context.Context, p string) ([]byte, error)
	CreateDirectory(ctx context.Context, p string) error
	Exists(ctx context.Context, p string) (bool, error)
	// List returns the object paths under prefix, sorted. A non-empty
	// pattern filters with doublestar glob semantics relative to prefix.
	List(ctx context.Context, prefix string, pattern string) ([]string, error)
}

// Error is the storage failure kind surfaced to callers.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNotExist reports a read of a missing object.
type NotExistError struct {
	Path string
}

func (e *NotExistError) Error() string {
	return fmt.Sprintf("storage object does not exist: %s", e.Path)
}

// JoinPath composes a relative storage path and rejects traversal outside
// the root.
func JoinPath(parts ...string) (string, error) {
	joined := path.Join(parts...)
	if err := ValidatePath(joined); err != nil {
		return "", err
	}
	return joined, nil
}

// ValidatePath rejects absolute paths and any path that resolves outside the
// storage root.
func ValidatePath(p string) error {
	if strings.TrimSpace(p) == "" {
		return fmt.Errorf("storage path is empty")
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return fmt.Errorf("storage path must be relative with forward slashes: %q", p)
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("storage path escapes root: %q", p)
	}
	return nil
}
