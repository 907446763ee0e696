package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/keremk/tutopanda-sub001/internal/storage"
)

const latestPointerName = "manifests/latest"

// Service persists manifests under <movieID>/manifests/ and maintains the
// latest pointer. Commit writes the snapshot first and flips the pointer
// only after the snapshot is fully written.
type Service struct {
	store storage.Context
}

func NewService(store storage.Context) *Service {
	return &Service{store: store}
}

func manifestPath(movieID, revision string) (string, error) {
	if strings.TrimSpace(revision) == "" {
		return "", fmt.Errorf("manifest revision is required")
	}
	return storage.JoinPath(movieID, "manifests", revision+".json")
}

// LoadLatest returns the newest committed manifest, or the zero manifest
// when the movie has no history.
func (s *Service) LoadLatest(ctx context.Context, movieID string) (*Manifest, error) {
	pointer, err := storage.JoinPath(movieID, latestPointerName)
	if err != nil {
		return nil, err
	}
	revision, err := s.store.ReadToString(ctx, pointer)
	if err != nil {
		var notExist *storage.NotExistError
		if errors.As(err, &notExist) {
			return Zero(), nil
		}
		return nil, err
	}
	return s.Load(ctx, movieID, strings.TrimSpace(revision))
}

// Load reads one committed manifest snapshot.
func (s *Service) Load(ctx context.Context, movieID, revision string) (*Manifest, error) {
	p, err := manifestPath(movieID, revision)
	if err != nil {
		return nil, err
	}
	raw, err := s.store.ReadBytes(ctx, p)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", p, err)
	}
	if m.Inputs == nil {
		m.Inputs = map[string]any{}
	}
	if m.Artifacts == nil {
		m.Artifacts = map[string]ArtifactEntry{}
	}
	return &m, nil
}

// Commit persists the manifest and updates the latest pointer.
func (s *Service) Commit(ctx context.Context, movieID string, m *Manifest) error {
	if m.IsZero() {
		return fmt.Errorf("cannot commit zero manifest")
	}
	p, err := manifestPath(movieID, m.Revision)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := s.store.Write(ctx, p, b, storage.WriteOptions{MimeType: "application/json"}); err != nil {
		return err
	}
	pointer, err := storage.JoinPath(movieID, latestPointerName)
	if err != nil {
		return err
	}
	return s.store.Write(ctx, pointer, []byte(m.Revision), storage.WriteOptions{MimeType: "text/plain"})
}
