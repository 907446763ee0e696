// Package timeline implements the built-in assembler that turns fan-in
// artifact groups into an inline timeline document.
package timeline

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/keremk/tutopanda-sub001/internal/producer"
)

// Entry places one artifact on a track.
type Entry struct {
	Artifact string `json:"artifact"`
	MimeType string `json:"mimeType,omitempty"`
}

// Track is one fan-in group in group order.
type Track struct {
	Group   int     `json:"group"`
	Entries []Entry `json:"entries"`
}

// Document is the assembled timeline.
type Document struct {
	Tracks []Track `json:"tracks"`
}

// Assembler consumes the job's fan-in inputs and emits the timeline as an
// inline artifact. It is registered for the internal provider and performs
// no provider calls.
type Assembler struct{}

func (Assembler) Invoke(ctx context.Context, req producer.Request) (*producer.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, producer.Coerce(err)
	}

	aliases := make([]string, 0, len(req.Inputs))
	for alias, v := range req.Inputs {
		if v.FanIn != nil {
			aliases = append(aliases, alias)
		}
	}
	if len(aliases) == 0 {
		return nil, producer.NewError(producer.CodeMissingInput, "timeline assembly needs at least one aggregated input")
	}
	sort.Strings(aliases)

	doc := Document{}
	for _, alias := range aliases {
		fanIn := req.Inputs[alias].FanIn
		for g, members := range fanIn.Groups {
			track := Track{Group: g}
			for i, artifactID := range members {
				entry := Entry{Artifact: artifactID}
				if g < len(fanIn.Values) && i < len(fanIn.Values[g]) {
					entry.MimeType = fanIn.Values[g][i].MimeType
				}
				track.Entries = append(track.Entries, entry)
			}
			doc.Tracks = append(doc.Tracks, track)
		}
	}

	inline, err := json.Marshal(doc)
	if err != nil {
		return nil, producer.NewError(producer.CodeUnknown, "encode timeline: %v", err)
	}
	res := &producer.Result{}
	for _, artifactID := range req.Job.Produces {
		res.Artifacts = append(res.Artifacts, producer.ArtifactResult{
			ArtifactID: artifactID,
			Inline:     inline,
		})
	}
	return res, nil
}
