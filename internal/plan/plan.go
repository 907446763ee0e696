// Package plan compiles a blueprint tree plus loaded inputs into a layered
// execution plan: fan-out dimensions are expanded into concrete artifact and
// producer instances, dependencies are layered topologically, and the result
// is addressable by a revision derived from its content.
package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"github.com/keremk/tutopanda-sub001/internal/blueprint"
	"github.com/keremk/tutopanda-sub001/internal/canonical"
	"github.com/keremk/tutopanda-sub001/internal/storage"
)

// PlanError is fatal; compilation stops at the first one.
type PlanError struct {
	Message string
}

func (e *PlanError) Error() string { return "plan: " + e.Message }

func planErrorf(format string, args ...any) error {
	return &PlanError{Message: fmt.Sprintf(format, args...)}
}

// FanInDescriptor captures an aggregation binding: source artifact instances
// grouped by one index dimension, ordered within each group by another.
// Groups holds canonical artifact id strings; group order follows ascending
// groupBy values, member order ascending orderBy values.
type FanInDescriptor struct {
	Source  string     `json:"source"`
	GroupBy string     `json:"groupBy"`
	OrderBy string     `json:"orderBy,omitempty"`
	Groups  [][]string `json:"groups"`
}

// JobContext carries the namespace and index assignments a job runs under.
type JobContext struct {
	Path    []string          `json:"path,omitempty"`
	Indices []canonical.Index `json:"indices,omitempty"`
}

// JobDescriptor is one schedulable unit of work: a producer instance with
// its resolved bindings and variant chain.
type JobDescriptor struct {
	JobID    string `json:"jobId"`
	Producer string `json:"producer"`
	// Inputs lists every canonical id the job consumes, sorted.
	Inputs []string `json:"inputs,omitempty"`
	// InputBindings maps producer aliases to canonical Input/Artifact ids.
	InputBindings map[string]string          `json:"inputBindings,omitempty"`
	FanIn         map[string]FanInDescriptor `json:"fanIn,omitempty"`
	Produces      []string                   `json:"produces"`
	Provider      blueprint.Provider         `json:"provider"`
	Model         string                     `json:"model,omitempty"`
	RateKey       string                     `json:"rateKey"`
	// Variants run in order: main first, then declared fallbacks.
	Variants []blueprint.Variant `json:"variants"`
	Context  JobContext          `json:"context"`
}

// Layer is a set of jobs with no dependencies among each other; the runner
// finishes a layer before starting the next.
type Layer struct {
	Jobs []JobDescriptor `json:"jobs"`
}

// ExecutionPlan is the compiled, persisted form of one run's work.
type ExecutionPlan struct {
	Revision         string    `json:"revision"`
	BaseManifestHash string    `json:"baseManifestHash,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	Layers           []Layer   `json:"layers"`
}

// Jobs returns every job across all layers in execution order.
func (p *ExecutionPlan) Jobs() []JobDescriptor {
	var out []JobDescriptor
	for _, l := range p.Layers {
		out = append(out, l.Jobs...)
	}
	return out
}

// computeRevision derives the plan revision from the base manifest hash and
// the canonical JSON encoding of the layers. Identical inputs over an
// identical base yield an identical revision.
func computeRevision(baseManifestHash string, layers []Layer) (string, error) {
	dump, err := json.Marshal(layers)
	if err != nil {
		return "", fmt.Errorf("encode plan layers: %w", err)
	}
	h := blake3.New()
	h.Write([]byte(baseManifestHash))
	h.Write(dump)
	sum := h.Sum(nil)
	return fmt.Sprintf("r%x", sum[:8]), nil
}

// jobID derives a stable job identifier from the producer instance id.
func jobID(producer string) string {
	sum := blake3.Sum256([]byte(producer))
	return fmt.Sprintf("job-%x", sum[:6])
}

// PlanPath returns the storage path of a persisted plan.
func PlanPath(movieID, revision string) (string, error) {
	if revision == "" {
		return "", fmt.Errorf("plan revision is required")
	}
	return storage.JoinPath(movieID, "plans", revision+".json")
}

// Save persists the plan under <movieID>/plans/<revision>.json.
func Save(ctx context.Context, store storage.Context, movieID string, p *ExecutionPlan) error {
	path, err := PlanPath(movieID, p.Revision)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	return store.Write(ctx, path, data, storage.WriteOptions{MimeType: "application/json"})
}

// Load reads a persisted plan by revision.
func Load(ctx context.Context, store storage.Context, movieID, revision string) (*ExecutionPlan, error) {
	path, err := PlanPath(movieID, revision)
	if err != nil {
		return nil, err
	}
	data, err := store.ReadBytes(ctx, path)
	if err != nil {
		return nil, err
	}
	var p ExecutionPlan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode plan %s: %w", revision, err)
	}
	return &p, nil
}
