package storage

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// MemoryContext is an in-memory Context used by tests and dry runs.
type MemoryContext struct {
	mu      sync.RWMutex
	objects map[string][]byte
	mimes   map[string]string
	dirs    map[string]bool
}

func NewMemoryContext() *MemoryContext {
	return &MemoryContext{
		objects: map[string][]byte{},
		mimes:   map[string]string{},
		dirs:    map[string]bool{},
	}
}

func (m *MemoryContext) Write(_ context.Context, p string, data []byte, opts WriteOptions) error {
	if err := ValidatePath(p); err != nil {
		return &Error{Op: "write", Path: p, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path.Clean(p)] = append([]byte{}, data...)
	if opts.MimeType != "" {
		m.mimes[path.Clean(p)] = opts.MimeType
	}
	return nil
}

func (m *MemoryContext) Append(_ context.Context, p string, data []byte) error {
	if err := ValidatePath(p); err != nil {
		return &Error{Op: "append", Path: p, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := path.Clean(p)
	m.objects[key] = append(m.objects[key], data...)
	return nil
}

func (m *MemoryContext) ReadToString(ctx context.Context, p string) (string, error) {
	b, err := m.ReadBytes(ctx, p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (m *MemoryContext) ReadBytes(_ context.Context, p string) ([]byte, error) {
	if err := ValidatePath(p); err != nil {
		return nil, &Error{Op: "read", Path: p, Err: err}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[path.Clean(p)]
	if !ok {
		return nil, &NotExistError{Path: p}
	}
	return append([]byte{}, b...), nil
}

func (m *MemoryContext) CreateDirectory(_ context.Context, p string) error {
	if err := ValidatePath(p); err != nil {
		return &Error{Op: "mkdir", Path: p, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs[path.Clean(p)] = true
	return nil
}

func (m *MemoryContext) Exists(_ context.Context, p string) (bool, error) {
	if err := ValidatePath(p); err != nil {
		return false, &Error{Op: "exists", Path: p, Err: err}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := path.Clean(p)
	if _, ok := m.objects[key]; ok {
		return true, nil
	}
	return m.dirs[key], nil
}

func (m *MemoryContext) List(_ context.Context, prefix string, pattern string) ([]string, error) {
	if err := ValidatePath(prefix); err != nil {
		return nil, &Error{Op: "list", Path: prefix, Err: err}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	clean := path.Clean(prefix)
	var out []string
	for key := range m.objects {
		if key != clean && !strings.HasPrefix(key, clean+"/") {
			continue
		}
		if pattern != "" {
			rel := strings.TrimPrefix(strings.TrimPrefix(key, clean), "/")
			ok, err := doublestar.Match(pattern, rel)
			if err != nil {
				return nil, &Error{Op: "list", Path: prefix, Err: err}
			}
			if !ok {
				continue
			}
		}
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}
