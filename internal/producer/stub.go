package producer

import (
	"context"
	"fmt"
)

// StubHandler produces deterministic placeholder output for every artifact
// a job declares. It backs dry runs and tests; the output depends only on
// the artifact id, variant, and rendered prompt, so reruns with unchanged
// inputs hash identically and skip.
type StubHandler struct{}

func (StubHandler) Invoke(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, Coerce(err)
	}
	_, user, err := RenderPrompts(req)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	for _, artifactID := range req.Job.Produces {
		body := fmt.Sprintf("stub %s:%s output for %s", req.Variant.Provider, req.Variant.Model, artifactID)
		if user != "" {
			body += "\nprompt: " + user
		}
		res.Artifacts = append(res.Artifacts, ArtifactResult{
			ArtifactID: artifactID,
			Data:       []byte(body),
			MimeType:   "text/plain",
		})
	}
	return res, nil
}
