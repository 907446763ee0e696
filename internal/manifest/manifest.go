// Package manifest builds and persists revision-scoped snapshots mapping
// canonical ids to stored outputs. Manifests carry only blob references or
// inline values, never raw bytes, and are immutable once committed.
package manifest

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"github.com/keremk/tutopanda-sub001/internal/events"
)

// ArtifactEntry records one artefact's stored output.
type ArtifactEntry struct {
	BlobHash   string          `json:"blobHash,omitempty"`
	Size       int64           `json:"size,omitempty"`
	MimeType   string          `json:"mimeType,omitempty"`
	Inline     json.RawMessage `json:"inline,omitempty"`
	ProducedBy string          `json:"producedBy,omitempty"`
	InputsHash string          `json:"inputsHash,omitempty"`
	Revision   string          `json:"revision"`
}

// Manifest is a revision snapshot.
type Manifest struct {
	Revision     string                   `json:"revision"`
	BaseRevision string                   `json:"baseRevision,omitempty"`
	CreatedAt    time.Time                `json:"createdAt"`
	Inputs       map[string]any           `json:"inputs"`
	Artifacts    map[string]ArtifactEntry `json:"artifacts"`
}

// Zero returns the empty manifest used when a movie has no history yet.
func Zero() *Manifest {
	return &Manifest{
		Inputs:    map[string]any{},
		Artifacts: map[string]ArtifactEntry{},
	}
}

func (m *Manifest) IsZero() bool {
	return m == nil || m.Revision == ""
}

// Hash returns the lowercase hex digest of the manifest's canonical JSON
// encoding. The zero manifest hashes to the empty string.
func (m *Manifest) Hash() (string, error) {
	if m.IsZero() {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Build composes a fresh manifest over base from the succeeded events of one
// revision. Base entries stay unless a succeeded event supersedes them.
func Build(base *Manifest, revision string, evs []events.ArtefactEvent, inputs map[string]any) (*Manifest, error) {
	if revision == "" {
		return nil, fmt.Errorf("manifest revision is required")
	}
	m := &Manifest{
		Revision:  revision,
		CreatedAt: time.Now().UTC(),
		Inputs:    map[string]any{},
		Artifacts: map[string]ArtifactEntry{},
	}
	if !base.IsZero() {
		m.BaseRevision = base.Revision
		for k, v := range base.Artifacts {
			m.Artifacts[k] = v
		}
		for k, v := range base.Inputs {
			m.Inputs[k] = v
		}
	}
	for k, v := range inputs {
		m.Inputs[k] = v
	}
	for _, ev := range evs {
		if ev.Revision != revision || ev.Status != events.StatusSucceeded {
			continue
		}
		if err := ev.Output.Validate(); err != nil {
			return nil, fmt.Errorf("artefact %s: %w", ev.ArtefactID, err)
		}
		entry := ArtifactEntry{
			ProducedBy: ev.ProducedBy,
			InputsHash: ev.InputsHash,
			Revision:   ev.Revision,
		}
		switch ev.Output.Kind {
		case events.OutputBlob:
			entry.BlobHash = ev.Output.Blob.Hash
			entry.Size = ev.Output.Blob.Size
			entry.MimeType = ev.Output.Blob.MimeType
		case events.OutputInline:
			entry.Inline = ev.Output.Inline
		}
		m.Artifacts[ev.ArtefactID] = entry
	}
	return m, nil
}
