package manifest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keremk/tutopanda-sub001/internal/events"
	"github.com/keremk/tutopanda-sub001/internal/storage"
)

func blobEvent(artefactID, revision, hash string) events.ArtefactEvent {
	return events.ArtefactEvent{
		ArtefactID: artefactID,
		Revision:   revision,
		InputsHash: "ih-" + artefactID,
		Status:     events.StatusSucceeded,
		Output:     events.BlobOutput(storage.BlobRef{Hash: hash, Size: 3, MimeType: "text/plain"}),
		ProducedBy: "Producer:P",
	}
}

func TestBuild_OverlaysBaseAndSkipsFailures(t *testing.T) {
	base, err := Build(Zero(), "r1", []events.ArtefactEvent{
		blobEvent("Artifact:A", "r1", "aa11"),
		blobEvent("Artifact:B", "r1", "bb22"),
	}, map[string]any{"Input:Topic": "volcanoes"})
	require.NoError(t, err)
	require.Equal(t, "r1", base.Revision)
	require.Empty(t, base.BaseRevision)
	require.Len(t, base.Artifacts, 2)

	evs := []events.ArtefactEvent{
		blobEvent("Artifact:A", "r2", "cc33"),
		{
			ArtefactID: "Artifact:B",
			Revision:   "r2",
			Status:     events.StatusFailed,
		},
		// Events from other revisions are ignored.
		blobEvent("Artifact:C", "r9", "dd44"),
	}
	m, err := Build(base, "r2", evs, nil)
	require.NoError(t, err)
	require.Equal(t, "r2", m.Revision)
	require.Equal(t, "r1", m.BaseRevision)
	require.Equal(t, "cc33", m.Artifacts["Artifact:A"].BlobHash)
	require.Equal(t, "r2", m.Artifacts["Artifact:A"].Revision)
	// B keeps the base entry; the failure does not remove prior output.
	require.Equal(t, "bb22", m.Artifacts["Artifact:B"].BlobHash)
	require.NotContains(t, m.Artifacts, "Artifact:C")
	require.Equal(t, "volcanoes", m.Inputs["Input:Topic"])
}

func TestBuild_InlineEntries(t *testing.T) {
	ev := events.ArtefactEvent{
		ArtefactID: "Artifact:NarrationScript",
		Revision:   "r1",
		Status:     events.StatusSucceeded,
		Output:     events.InlineOutput(json.RawMessage(`"Once upon a time"`)),
		ProducedBy: "Producer:ScriptGeneration",
		InputsHash: "ih",
	}
	m, err := Build(Zero(), "r1", []events.ArtefactEvent{ev}, nil)
	require.NoError(t, err)
	entry := m.Artifacts["Artifact:NarrationScript"]
	require.Empty(t, entry.BlobHash)
	require.JSONEq(t, `"Once upon a time"`, string(entry.Inline))
	require.Equal(t, "Producer:ScriptGeneration", entry.ProducedBy)
}

func TestHash_StableAndZeroEmpty(t *testing.T) {
	zero := Zero()
	h, err := zero.Hash()
	require.NoError(t, err)
	require.Empty(t, h)

	m, err := Build(Zero(), "r1", []events.ArtefactEvent{blobEvent("Artifact:A", "r1", "aa")}, nil)
	require.NoError(t, err)
	h1, err := m.Hash()
	require.NoError(t, err)
	h2, err := m.Hash()
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
}

func TestService_CommitAndLoadLatest(t *testing.T) {
	store := storage.NewMemoryContext()
	svc := NewService(store)
	ctx := context.Background()

	latest, err := svc.LoadLatest(ctx, "movie-1")
	require.NoError(t, err)
	require.True(t, latest.IsZero())

	m1, err := Build(Zero(), "r1", []events.ArtefactEvent{blobEvent("Artifact:A", "r1", "aa")}, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Commit(ctx, "movie-1", m1))

	m2, err := Build(m1, "r2", []events.ArtefactEvent{blobEvent("Artifact:A", "r2", "bb")}, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Commit(ctx, "movie-1", m2))

	latest, err = svc.LoadLatest(ctx, "movie-1")
	require.NoError(t, err)
	require.Equal(t, "r2", latest.Revision)
	require.Equal(t, "r1", latest.BaseRevision)

	// Historical snapshots remain addressable.
	old, err := svc.Load(ctx, "movie-1", "r1")
	require.NoError(t, err)
	require.Equal(t, "aa", old.Artifacts["Artifact:A"].BlobHash)

	require.Error(t, svc.Commit(ctx, "movie-1", Zero()))
}
