// Package runner executes a compiled plan layer by layer: it resolves job
// inputs against the manifest and this run's events, skips jobs whose
// inputs hash matches a prior success, invokes handlers with retry and
// fallback, and commits the resulting manifest whether or not the run
// succeeded.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/keremk/tutopanda-sub001/internal/blueprint"
	"github.com/keremk/tutopanda-sub001/internal/canonical"
	"github.com/keremk/tutopanda-sub001/internal/events"
	"github.com/keremk/tutopanda-sub001/internal/manifest"
	"github.com/keremk/tutopanda-sub001/internal/plan"
	"github.com/keremk/tutopanda-sub001/internal/producer"
	"github.com/keremk/tutopanda-sub001/internal/storage"
)

// Options tunes run execution.
type Options struct {
	// MaxInFlight bounds concurrent jobs within a layer. Default 4.
	MaxInFlight int
	// MaxAttempts bounds attempts per variant before falling back. Default 2.
	MaxAttempts int
	Backoff     BackoffConfig
	RateLimits  map[string]RateLimit
	// InvokeTimeout bounds a single handler call. Default 10 minutes.
	InvokeTimeout time.Duration
	// InvokeTimeouts overrides InvokeTimeout per provider, keyed by
	// "provider:model" or by bare provider.
	InvokeTimeouts map[string]time.Duration
	// Sleep is overridable in tests; the default honours ctx cancellation.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o Options) normalized() Options {
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 2
	}
	if o.Backoff == (BackoffConfig{}) {
		o.Backoff = DefaultBackoffConfig()
	}
	if o.InvokeTimeout <= 0 {
		o.InvokeTimeout = 10 * time.Minute
	}
	if o.Sleep == nil {
		o.Sleep = sleepCtx
	}
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type JobStatus string

const (
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobSkipped   JobStatus = "skipped"
)

// JobResult is one job's outcome within a run.
type JobResult struct {
	JobID    string
	Producer string
	Status   JobStatus
	Attempts int
	Error    *producer.HandlerError
}

// RunResult summarises one run.
type RunResult struct {
	RunID    string
	Revision string
	Jobs     []JobResult
	Failed   bool
}

// Runner executes plans against a movie's storage root.
type Runner struct {
	store     storage.Context
	blobs     *storage.BlobStore
	events    *events.Log
	manifests *manifest.Service
	registry  *producer.Registry
	limiter   *Limiter
	logger    *zap.Logger
	opts      Options
}

func New(store storage.Context, registry *producer.Registry, logger *zap.Logger, opts Options) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.normalized()
	return &Runner{
		store:     store,
		blobs:     storage.NewBlobStore(store),
		events:    events.NewLog(store),
		manifests: manifest.NewService(store),
		registry:  registry,
		limiter:   NewLimiter(opts.RateLimits),
		logger:    logger,
		opts:      opts,
	}
}

// runState is the mutable shared view of one run.
type runState struct {
	mu        sync.Mutex
	base      *manifest.Manifest
	latestLog map[string]events.ArtefactEvent
	runLatest map[string]events.ArtefactEvent
	runEvents []events.ArtefactEvent
	results   map[string]JobResult
}

func (s *runState) record(ev events.ArtefactEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runEvents = append(s.runEvents, ev)
	s.runLatest[ev.ArtefactID] = ev
}

func (s *runState) setResult(res JobResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[res.JobID] = res
}

// currentOutput returns the freshest usable output for an artifact: this
// run's events first, then the base manifest.
func (s *runState) currentOutput(artifactID string) (*events.Output, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := s.runLatest[artifactID]; ok && ev.Output != nil && ev.Status != events.StatusFailed {
		return ev.Output, true
	}
	entry, ok := s.base.Artifacts[artifactID]
	if !ok {
		return nil, false
	}
	if len(entry.Inline) > 0 {
		return events.InlineOutput(entry.Inline), true
	}
	return events.BlobOutput(storage.BlobRef{
		Hash:     entry.BlobHash,
		Size:     entry.Size,
		MimeType: entry.MimeType,
	}), true
}

// cachedOutput returns the latest logged event for an artifact when it is
// reusable: a succeeded or skipped event carrying output.
func (s *runState) cachedOutput(artifactID string) (events.ArtefactEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.latestLog[artifactID]
	if !ok || ev.Output == nil || ev.Status == events.StatusFailed {
		return events.ArtefactEvent{}, false
	}
	return ev, true
}

// Run executes the plan. Job failures do not return an error; they surface
// in the result, and the manifest commits either way.
func (r *Runner) Run(ctx context.Context, movieID string, p *plan.ExecutionPlan, in *blueprint.LoadedInputs) (*RunResult, error) {
	base, err := r.manifests.LoadLatest(ctx, movieID)
	if err != nil {
		return nil, err
	}
	baseHash, err := base.Hash()
	if err != nil {
		return nil, err
	}
	if p.BaseManifestHash != baseHash {
		return nil, fmt.Errorf("plan %s is stale: compiled against manifest %q, latest is %q",
			p.Revision, p.BaseManifestHash, baseHash)
	}

	runID, err := events.NewEventID()
	if err != nil {
		return nil, err
	}
	logger := r.logger.With(zap.String("movieId", movieID), zap.String("runId", runID), zap.String("revision", p.Revision))

	prior, err := r.events.ListArtefacts(ctx, movieID, events.ListOptions{})
	if err != nil {
		return nil, err
	}
	state := &runState{
		base:      base,
		latestLog: map[string]events.ArtefactEvent{},
		runLatest: map[string]events.ArtefactEvent{},
		results:   map[string]JobResult{},
	}
	for _, ev := range prior {
		state.latestLog[ev.ArtefactID] = ev
	}

	if err := r.warmStart(ctx, p, logger); err != nil {
		return nil, err
	}

	if err := r.events.AppendRun(ctx, movieID, events.RunEvent{
		Type:     events.RunStarted,
		Revision: p.Revision,
		Detail:   map[string]any{"runId": runID, "layers": len(p.Layers)},
	}); err != nil {
		return nil, err
	}
	logger.Info("run started", zap.Int("layers", len(p.Layers)))

	failed := false
	for li, layer := range p.Layers {
		if err := r.runLayer(ctx, movieID, runID, p.Revision, layer, in, state); err != nil {
			return nil, err
		}
		layerFailed := false
		state.mu.Lock()
		for _, job := range layer.Jobs {
			if res, ok := state.results[job.JobID]; ok && res.Status == JobFailed {
				layerFailed = true
			}
		}
		state.mu.Unlock()
		if layerFailed {
			failed = true
			logger.Warn("stopping after failed layer", zap.Int("layer", li))
			break
		}
	}

	// The manifest commits even after failures so succeeded work is kept.
	commitCtx := context.WithoutCancel(ctx)
	m, err := manifest.Build(base, p.Revision, state.runEvents, in.Values)
	if err != nil {
		return nil, err
	}
	if err := r.manifests.Commit(commitCtx, movieID, m); err != nil {
		return nil, err
	}

	result := &RunResult{RunID: runID, Revision: p.Revision, Failed: failed}
	for _, job := range p.Jobs() {
		if res, ok := state.results[job.JobID]; ok {
			result.Jobs = append(result.Jobs, res)
		}
	}

	status := "succeeded"
	if failed {
		status = "failed"
	}
	if err := r.events.AppendRun(commitCtx, movieID, events.RunEvent{
		Type:     events.RunCompleted,
		Revision: p.Revision,
		Detail:   map[string]any{"runId": runID, "status": status, "jobs": len(result.Jobs)},
	}); err != nil {
		return nil, err
	}
	logger.Info("run completed", zap.String("status", status), zap.Int("jobs", len(result.Jobs)))
	return result, nil
}

// warmStart gives each handler that wants one a single warm-up call before
// any job runs.
func (r *Runner) warmStart(ctx context.Context, p *plan.ExecutionPlan, logger *zap.Logger) error {
	providers := map[blueprint.Provider]bool{}
	for _, job := range p.Jobs() {
		for _, v := range job.Variants {
			providers[v.Provider] = true
		}
	}
	keys := make([]string, 0, len(providers))
	for p := range providers {
		keys = append(keys, string(p))
	}
	sort.Strings(keys)
	for _, key := range keys {
		h, err := r.registry.Resolve(blueprint.Provider(key))
		if err != nil {
			return err
		}
		if ws, ok := h.(producer.WarmStarter); ok {
			if err := ws.WarmStart(ctx, logger.With(zap.String("provider", key))); err != nil {
				return fmt.Errorf("warm start %s: %w", key, err)
			}
		}
	}
	return nil
}

func (r *Runner) runLayer(ctx context.Context, movieID, runID, revision string, layer plan.Layer, in *blueprint.LoadedInputs, state *runState) error {
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(r.opts.MaxInFlight))
	for _, job := range layer.Jobs {
		job := job
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			res, err := r.executeJob(gctx, movieID, runID, revision, job, in, state)
			if err != nil {
				return err
			}
			state.setResult(res)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) executeJob(ctx context.Context, movieID, runID, revision string, job plan.JobDescriptor, in *blueprint.LoadedInputs, state *runState) (JobResult, error) {
	logger := r.logger.With(zap.String("jobId", job.JobID), zap.String("producer", job.Producer))
	if err := r.events.AppendRun(ctx, movieID, events.RunEvent{
		Type: events.JobStarted, Revision: revision, JobID: job.JobID,
		Detail: map[string]any{"runId": runID, "producer": job.Producer},
	}); err != nil {
		return JobResult{}, err
	}

	values, tokens, resolveErr := r.resolveInputs(ctx, movieID, job, in, state)
	if resolveErr != nil {
		return r.failJob(ctx, movieID, runID, revision, job, 1, resolveErr, state, logger)
	}

	var config map[string]any
	if len(job.Variants) > 0 {
		config = job.Variants[0].Config
	}
	inputsHash, err := InputsHash(job.JobID, tokens, config, string(job.Provider), job.Model)
	if err != nil {
		return JobResult{}, err
	}

	if skipped, err := r.trySkip(ctx, movieID, runID, revision, job, inputsHash, state, logger); err != nil {
		return JobResult{}, err
	} else if skipped {
		return JobResult{JobID: job.JobID, Producer: job.Producer, Status: JobSkipped}, nil
	}

	attempt := 0
	var lastErr *producer.HandlerError
variants:
	for vi, variant := range job.Variants {
		handler, err := r.registry.Resolve(variant.Provider)
		if err != nil {
			lastErr = producer.NewError(producer.CodeProviderFailure, "%v", err)
			continue
		}
		rateKey := job.RateKey
		if vi > 0 {
			rateKey = string(variant.Provider) + ":" + variant.Model
		}
		for va := 1; va <= r.opts.MaxAttempts; va++ {
			attempt++
			res, herr := r.invoke(ctx, movieID, revision, job, variant, rateKey, values, attempt, handler)
			if herr == nil {
				if err := r.persistSuccess(ctx, movieID, revision, job, inputsHash, res, state); err != nil {
					return JobResult{}, err
				}
				if err := r.events.AppendRun(ctx, movieID, events.RunEvent{
					Type: events.JobSucceeded, Revision: revision, JobID: job.JobID,
					Detail: map[string]any{"runId": runID, "attempt": attempt, "provider": string(variant.Provider)},
				}); err != nil {
					return JobResult{}, err
				}
				logger.Info("job succeeded", zap.Int("attempt", attempt))
				return JobResult{JobID: job.JobID, Producer: job.Producer, Status: JobSucceeded, Attempts: attempt}, nil
			}
			lastErr = herr
			logger.Warn("job attempt failed",
				zap.Int("attempt", attempt),
				zap.String("code", string(herr.Code)),
				zap.String("error", herr.Message))
			if herr.Code == producer.CodeCancelled {
				break variants
			}
			if !herr.Retryable {
				continue variants
			}
			if va < r.opts.MaxAttempts {
				delay := herr.RetryAfter
				if delay <= 0 {
					delay = DelayForAttempt(va, r.opts.Backoff, jobJitterSeed(runID, job.JobID, va))
				}
				if err := r.opts.Sleep(ctx, delay); err != nil {
					lastErr = producer.Coerce(err)
					break variants
				}
			}
		}
	}
	return r.failJob(ctx, movieID, runID, revision, job, attempt, lastErr, state, logger)
}

// invoke runs one handler call under the rate limiter and the variant's
// invocation timeout. A call that outlives the timeout while the run itself
// is still live fails as retryable rather than cancelled.
func (r *Runner) invoke(ctx context.Context, movieID, revision string, job plan.JobDescriptor, variant blueprint.Variant, rateKey string, values map[string]producer.Value, attempt int, handler producer.Handler) (*producer.Result, *producer.HandlerError) {
	release, err := r.limiter.Acquire(ctx, rateKey)
	if err != nil {
		return nil, producer.Coerce(err)
	}
	defer release()

	timeout := r.invokeTimeout(variant)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := handler.Invoke(callCtx, producer.Request{
		Job:      job,
		Variant:  variant,
		Inputs:   values,
		Config:   variant.Config,
		MovieID:  movieID,
		Revision: revision,
		Attempt:  attempt,
	})
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, producer.NewError(producer.CodeTransientProvider,
				"handler %s:%s timed out after %s", variant.Provider, variant.Model, timeout)
		}
		return nil, producer.Coerce(err)
	}
	return res, nil
}

func (r *Runner) invokeTimeout(variant blueprint.Variant) time.Duration {
	key := string(variant.Provider) + ":" + variant.Model
	if d, ok := r.opts.InvokeTimeouts[key]; ok && d > 0 {
		return d
	}
	if d, ok := r.opts.InvokeTimeouts[string(variant.Provider)]; ok && d > 0 {
		return d
	}
	return r.opts.InvokeTimeout
}

// trySkip emits skipped events when every produced artifact already has a
// reusable output for the same inputs hash.
func (r *Runner) trySkip(ctx context.Context, movieID, runID, revision string, job plan.JobDescriptor, inputsHash string, state *runState, logger *zap.Logger) (bool, error) {
	cached := make([]events.ArtefactEvent, 0, len(job.Produces))
	for _, artifactID := range job.Produces {
		ev, ok := state.cachedOutput(artifactID)
		if !ok || ev.InputsHash != inputsHash {
			return false, nil
		}
		cached = append(cached, ev)
	}
	for _, prev := range cached {
		ev := events.ArtefactEvent{
			ArtefactID: prev.ArtefactID,
			Revision:   revision,
			InputsHash: inputsHash,
			Output:     prev.Output,
			Status:     events.StatusSkipped,
			ProducedBy: job.Producer,
		}
		if err := r.events.AppendArtefact(ctx, movieID, ev); err != nil {
			return false, err
		}
		state.record(ev)
	}
	if err := r.events.AppendRun(ctx, movieID, events.RunEvent{
		Type: events.JobSkipped, Revision: revision, JobID: job.JobID,
		Detail: map[string]any{"runId": runID, "inputsHash": inputsHash},
	}); err != nil {
		return false, err
	}
	logger.Info("job skipped", zap.String("inputsHash", inputsHash))
	return true, nil
}

func (r *Runner) persistSuccess(ctx context.Context, movieID, revision string, job plan.JobDescriptor, inputsHash string, res *producer.Result, state *runState) error {
	byID := map[string]producer.ArtifactResult{}
	for _, ar := range res.Artifacts {
		byID[ar.ArtifactID] = ar
	}
	for _, artifactID := range job.Produces {
		ar, ok := byID[artifactID]
		if !ok {
			return fmt.Errorf("job %s returned no output for %s", job.JobID, artifactID)
		}
		var out *events.Output
		if len(ar.Inline) > 0 {
			out = events.InlineOutput(ar.Inline)
		} else {
			mime := ar.MimeType
			if mime == "" {
				mime = "application/octet-stream"
			}
			ref, err := r.blobs.Put(ctx, movieID, ar.Data, mime)
			if err != nil {
				return err
			}
			out = events.BlobOutput(ref)
		}
		ev := events.ArtefactEvent{
			ArtefactID: artifactID,
			Revision:   revision,
			InputsHash: inputsHash,
			Output:     out,
			Status:     events.StatusSucceeded,
			ProducedBy: job.Producer,
		}
		if err := r.events.AppendArtefact(ctx, movieID, ev); err != nil {
			return err
		}
		state.record(ev)
	}
	return nil
}

// failJob records terminal failure events for every produced artifact. The
// events persist even when the context is already cancelled.
func (r *Runner) failJob(ctx context.Context, movieID, runID, revision string, job plan.JobDescriptor, attempt int, herr *producer.HandlerError, state *runState, logger *zap.Logger) (JobResult, error) {
	if herr == nil {
		herr = producer.NewError(producer.CodeUnknown, "job failed without a cause")
	}
	persistCtx := context.WithoutCancel(ctx)
	for _, artifactID := range job.Produces {
		ev := events.ArtefactEvent{
			ArtefactID: artifactID,
			Revision:   revision,
			Status:     events.StatusFailed,
			ProducedBy: job.Producer,
			Diagnostics: &events.Diagnostics{
				Code:               string(herr.Code),
				Message:            herr.Message,
				UserActionRequired: herr.UserActionRequired,
				Attempt:            attempt,
			},
		}
		if err := r.events.AppendArtefact(persistCtx, movieID, ev); err != nil {
			return JobResult{}, err
		}
		state.record(ev)
	}
	if err := r.events.AppendRun(persistCtx, movieID, events.RunEvent{
		Type: events.JobFailed, Revision: revision, JobID: job.JobID,
		Detail: map[string]any{
			"runId":              runID,
			"code":               string(herr.Code),
			"userActionRequired": herr.UserActionRequired,
			"attempt":            attempt,
		},
	}); err != nil {
		return JobResult{}, err
	}
	logger.Warn("job failed", zap.String("code", string(herr.Code)), zap.Int("attempts", attempt))
	return JobResult{JobID: job.JobID, Producer: job.Producer, Status: JobFailed, Attempts: attempt, Error: herr}, nil
}

// resolveInputs materialises the job's bindings into handler values plus
// the stable tokens the inputs hash is computed from. Each value is keyed
// twice: by the binding alias and by the canonical id it resolved to.
// Tokens stay alias-keyed so inputs hashes survive binding renames only
// when the alias itself is unchanged.
func (r *Runner) resolveInputs(ctx context.Context, movieID string, job plan.JobDescriptor, in *blueprint.LoadedInputs, state *runState) (map[string]producer.Value, map[string]any, *producer.HandlerError) {
	values := map[string]producer.Value{}
	tokens := map[string]any{}

	aliases := make([]string, 0, len(job.InputBindings))
	for alias := range job.InputBindings {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		idStr := job.InputBindings[alias]
		if strings.HasPrefix(idStr, string(canonical.KindInput)+":") {
			raw, ok := in.Values[idStr]
			if !ok {
				return nil, nil, producer.NewError(producer.CodeMissingInput, "input %s has no value", idStr)
			}
			v := producer.Value{Raw: raw, Text: scalarText(raw)}
			values[alias] = v
			values[idStr] = v
			tokens[alias] = raw
			continue
		}
		v, token, herr := r.artifactValue(ctx, movieID, idStr, state)
		if herr != nil {
			return nil, nil, herr
		}
		values[alias] = v
		values[idStr] = v
		tokens[alias] = token
	}

	fanAliases := make([]string, 0, len(job.FanIn))
	for alias := range job.FanIn {
		fanAliases = append(fanAliases, alias)
	}
	sort.Strings(fanAliases)
	for _, alias := range fanAliases {
		fd := job.FanIn[alias]
		fan := &producer.FanInValue{GroupBy: fd.GroupBy, OrderBy: fd.OrderBy, Groups: fd.Groups}
		var groupTokens []any
		for _, members := range fd.Groups {
			var memberValues []producer.Value
			var memberTokens []any
			for _, artifactID := range members {
				v, token, herr := r.artifactValue(ctx, movieID, artifactID, state)
				if herr != nil {
					return nil, nil, herr
				}
				memberValues = append(memberValues, v)
				memberTokens = append(memberTokens, token)
			}
			fan.Values = append(fan.Values, memberValues)
			groupTokens = append(groupTokens, memberTokens)
		}
		v := producer.Value{FanIn: fan}
		values[alias] = v
		values[fd.Source] = v
		tokens[alias] = groupTokens
	}
	return values, tokens, nil
}

// artifactValue loads an artifact's current output. The token is the blob
// hash for blob outputs and the literal JSON for inline outputs.
func (r *Runner) artifactValue(ctx context.Context, movieID, artifactID string, state *runState) (producer.Value, any, *producer.HandlerError) {
	out, ok := state.currentOutput(artifactID)
	if !ok {
		return producer.Value{}, nil, producer.NewError(producer.CodeMissingInput, "artifact %s has no output yet", artifactID)
	}
	if out.Kind == events.OutputInline {
		v := producer.Value{Text: inlineText(out.Inline), MimeType: "application/json"}
		return v, string(out.Inline), nil
	}
	data, err := r.blobs.Get(ctx, movieID, *out.Blob)
	if err != nil {
		return producer.Value{}, nil, producer.NewError(producer.CodeMissingInput, "load %s: %v", artifactID, err)
	}
	v := producer.Value{Data: data, MimeType: out.Blob.MimeType}
	if strings.HasPrefix(out.Blob.MimeType, "text/") || out.Blob.MimeType == "application/json" {
		v.Text = string(data)
	}
	return v, out.Blob.Hash, nil
}

func inlineText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func scalarText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
