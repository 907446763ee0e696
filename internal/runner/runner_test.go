package runner

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keremk/tutopanda-sub001/internal/blueprint"
	"github.com/keremk/tutopanda-sub001/internal/events"
	"github.com/keremk/tutopanda-sub001/internal/manifest"
	"github.com/keremk/tutopanda-sub001/internal/plan"
	"github.com/keremk/tutopanda-sub001/internal/producer"
	"github.com/keremk/tutopanda-sub001/internal/producer/timeline"
	"github.com/keremk/tutopanda-sub001/internal/storage"
)

const runnerModule = `
name: movie
inputs:
  - name: Topic
    type: text
    required: true
  - name: SegmentCount
    type: number
    default: 2
  - name: ImageCount
    type: number
    default: 1
artifacts:
  - name: NarrationScript
    type: text
  - name: SegmentImage
    type: image
    counts:
      - input: SegmentCount
        index: segment
      - input: ImageCount
        index: image
  - name: Timeline
    type: json
producers:
  - name: ScriptGeneration
    produces: [NarrationScript]
    inputs:
      - alias: Topic
        source: Topic
    variants:
      - priority: main
        provider: openai
        model: gpt-4.1
        userPrompt: "Write a script about {{Topic}}"
  - name: ImageGenerator
    produces: [SegmentImage]
    inputs:
      - alias: Script
        source: NarrationScript
    variants:
      - priority: main
        provider: replicate
        model: flux-dev
      - priority: fallback
        provider: gemini
        model: imagen-3
  - name: TimelineAssembler
    produces: [Timeline]
    inputs:
      - alias: Images
        source: SegmentImage
        groupBy: segment
        orderBy: image
    variants:
      - priority: main
        provider: internal
`

type fakeHandler struct {
	mu       sync.Mutex
	requests []producer.Request
	invoke   func(req producer.Request) (*producer.Result, error)
}

func succeedWith(mime string) func(req producer.Request) (*producer.Result, error) {
	return func(req producer.Request) (*producer.Result, error) {
		res := &producer.Result{}
		for _, id := range req.Job.Produces {
			res.Artifacts = append(res.Artifacts, producer.ArtifactResult{
				ArtifactID: id,
				Data:       []byte("content for " + id),
				MimeType:   mime,
			})
		}
		return res, nil
	}
}

func (h *fakeHandler) Invoke(ctx context.Context, req producer.Request) (*producer.Result, error) {
	h.mu.Lock()
	h.requests = append(h.requests, req)
	h.mu.Unlock()
	return h.invoke(req)
}

func (h *fakeHandler) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.requests)
}

type testEnv struct {
	store     storage.Context
	registry  *producer.Registry
	root      *blueprint.Node
	openai    *fakeHandler
	replicate *fakeHandler
	gemini    *fakeHandler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root, err := blueprint.Parse([]byte(runnerModule), blueprint.NewLibrary())
	require.NoError(t, err)

	env := &testEnv{
		store:     storage.NewMemoryContext(),
		registry:  producer.NewRegistry(),
		root:      root,
		openai:    &fakeHandler{invoke: succeedWith("text/plain")},
		replicate: &fakeHandler{invoke: succeedWith("image/png")},
		gemini:    &fakeHandler{invoke: succeedWith("image/png")},
	}
	env.registry.Register(blueprint.ProviderOpenAI, env.openai)
	env.registry.Register(blueprint.ProviderReplicate, env.replicate)
	env.registry.Register(blueprint.ProviderGemini, env.gemini)
	env.registry.Register(blueprint.ProviderInternal, timeline.Assembler{})
	return env
}

func (e *testEnv) compile(t *testing.T, inputsDoc string) (*plan.ExecutionPlan, *blueprint.LoadedInputs) {
	t.Helper()
	in, err := blueprint.ParseInputs([]byte(inputsDoc), e.root)
	require.NoError(t, err)
	base, err := manifest.NewService(e.store).LoadLatest(context.Background(), "movie-1")
	require.NoError(t, err)
	hash, err := base.Hash()
	require.NoError(t, err)
	p, err := plan.Compile(e.root, in, plan.Options{BaseManifestHash: hash})
	require.NoError(t, err)
	return p, in
}

func (e *testEnv) run(t *testing.T, inputsDoc string, opts Options) *RunResult {
	t.Helper()
	p, in := e.compile(t, inputsDoc)
	opts.Sleep = func(context.Context, time.Duration) error { return nil }
	r := New(e.store, e.registry, nil, opts)
	res, err := r.Run(context.Background(), "movie-1", p, in)
	require.NoError(t, err)
	return res
}

func resultFor(t *testing.T, res *RunResult, producerID string) JobResult {
	t.Helper()
	for _, jr := range res.Jobs {
		if jr.Producer == producerID {
			return jr
		}
	}
	t.Fatalf("no result for %s", producerID)
	return JobResult{}
}

func TestRun_FullPipelineThenRerunSkips(t *testing.T) {
	env := newTestEnv(t)

	first := env.run(t, "inputs: {Topic: volcanoes}", Options{})
	require.False(t, first.Failed)
	require.Len(t, first.Jobs, 4)
	for _, jr := range first.Jobs {
		require.Equal(t, JobSucceeded, jr.Status)
	}

	m, err := manifest.NewService(env.store).LoadLatest(context.Background(), "movie-1")
	require.NoError(t, err)
	require.Equal(t, first.Revision, m.Revision)
	require.Contains(t, m.Artifacts, "Artifact:NarrationScript")
	require.Contains(t, m.Artifacts, "Artifact:SegmentImage[image=0][segment=1]")
	require.Contains(t, m.Artifacts, "Artifact:Timeline")
	require.NotEmpty(t, m.Artifacts["Artifact:Timeline"].Inline)
	require.Equal(t, "volcanoes", m.Inputs["Input:Topic"])

	openaiCalls, replicateCalls := env.openai.calls(), env.replicate.calls()

	second := env.run(t, "inputs: {Topic: volcanoes}", Options{})
	require.False(t, second.Failed)
	require.NotEqual(t, first.Revision, second.Revision)
	for _, jr := range second.Jobs {
		require.Equal(t, JobSkipped, jr.Status, "job %s should have been skipped", jr.Producer)
	}
	require.Equal(t, openaiCalls, env.openai.calls())
	require.Equal(t, replicateCalls, env.replicate.calls())

	// The rerun still commits a manifest at its own revision.
	m2, err := manifest.NewService(env.store).LoadLatest(context.Background(), "movie-1")
	require.NoError(t, err)
	require.Equal(t, second.Revision, m2.Revision)
	require.Equal(t, first.Revision, m2.BaseRevision)
}

func TestRun_ChangedInputReRunsDownstream(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, "inputs: {Topic: volcanoes}", Options{})
	openaiCalls := env.openai.calls()

	res := env.run(t, "inputs: {Topic: earthquakes}", Options{})
	require.False(t, res.Failed)
	require.Equal(t, JobSucceeded, resultFor(t, res, "Producer:ScriptGeneration").Status)
	require.Equal(t, openaiCalls+1, env.openai.calls())
}

func TestRun_RetryableFailureRetriesSameVariant(t *testing.T) {
	env := newTestEnv(t)
	fails := 1
	env.replicate.invoke = func(req producer.Request) (*producer.Result, error) {
		if fails > 0 {
			fails--
			return nil, producer.NewError(producer.CodeTransientProvider, "flaky upstream")
		}
		return succeedWith("image/png")(req)
	}

	res := env.run(t, "inputs: {Topic: volcanoes, SegmentCount: 1}", Options{MaxAttempts: 2})
	require.False(t, res.Failed)
	jr := resultFor(t, res, "Producer:ImageGenerator[image=0][segment=0]")
	require.Equal(t, JobSucceeded, jr.Status)
	require.Equal(t, 2, jr.Attempts)
	require.Zero(t, env.gemini.calls())
}

func TestRun_NonRetryableFailureFallsBack(t *testing.T) {
	env := newTestEnv(t)
	env.replicate.invoke = func(producer.Request) (*producer.Result, error) {
		return nil, producer.NewError(producer.CodeProviderFailure, "model gone")
	}

	res := env.run(t, "inputs: {Topic: volcanoes, SegmentCount: 1}", Options{})
	require.False(t, res.Failed)
	jr := resultFor(t, res, "Producer:ImageGenerator[image=0][segment=0]")
	require.Equal(t, JobSucceeded, jr.Status)
	require.Equal(t, 2, jr.Attempts)
	require.Equal(t, 1, env.gemini.calls())

	// The fallback output lands in the manifest like any other success.
	m, err := manifest.NewService(env.store).LoadLatest(context.Background(), "movie-1")
	require.NoError(t, err)
	require.Contains(t, m.Artifacts, "Artifact:SegmentImage[image=0][segment=0]")
}

func TestRun_FanInGroupsArriveInOrder(t *testing.T) {
	env := newTestEnv(t)
	var captured *producer.FanInValue
	assembler := &fakeHandler{invoke: func(req producer.Request) (*producer.Result, error) {
		v := req.Inputs["Images"]
		captured = v.FanIn
		return timeline.Assembler{}.Invoke(context.Background(), req)
	}}
	env.registry.Register(blueprint.ProviderInternal, assembler)

	res := env.run(t, "inputs: {Topic: volcanoes}", Options{})
	require.False(t, res.Failed)
	require.NotNil(t, captured)
	require.Equal(t, [][]string{
		{"Artifact:SegmentImage[image=0][segment=0]"},
		{"Artifact:SegmentImage[image=0][segment=1]"},
	}, captured.Groups)
	require.Len(t, captured.Values, 2)
	require.Equal(t, "image/png", captured.Values[0][0].MimeType)
}

func TestRun_AliasBindingCarriesUpstreamContent(t *testing.T) {
	env := newTestEnv(t)
	res := env.run(t, "inputs: {Topic: volcanoes, SegmentCount: 1}", Options{})
	require.False(t, res.Failed)

	require.GreaterOrEqual(t, env.replicate.calls(), 1)
	env.replicate.mu.Lock()
	req := env.replicate.requests[0]
	env.replicate.mu.Unlock()

	require.Equal(t, "Artifact:NarrationScript", req.Job.InputBindings["Script"])
	require.Equal(t, "content for Artifact:NarrationScript", req.Inputs["Script"].Text)
	// The same value is reachable by canonical id.
	require.Equal(t, req.Inputs["Script"], req.Inputs["Artifact:NarrationScript"])

	env.openai.mu.Lock()
	script := env.openai.requests[0]
	env.openai.mu.Unlock()
	require.Equal(t, "volcanoes", script.Inputs["Input:Topic"].Text)
}

func TestRun_FanInValueKeyedByCanonicalID(t *testing.T) {
	env := newTestEnv(t)
	var captured producer.Request
	assembler := &fakeHandler{invoke: func(req producer.Request) (*producer.Result, error) {
		captured = req
		return timeline.Assembler{}.Invoke(context.Background(), req)
	}}
	env.registry.Register(blueprint.ProviderInternal, assembler)

	res := env.run(t, "inputs: {Topic: volcanoes, SegmentCount: 1}", Options{})
	require.False(t, res.Failed)
	require.NotNil(t, captured.Inputs["Images"].FanIn)
	require.Equal(t, captured.Inputs["Images"], captured.Inputs["Artifact:SegmentImage"])
}

func TestRun_SensitiveContentFailureStopsDownstream(t *testing.T) {
	env := newTestEnv(t)
	env.openai.invoke = func(producer.Request) (*producer.Result, error) {
		return nil, producer.NewError(producer.CodeSensitiveContent, "policy violation")
	}

	p, in := env.compile(t, "inputs: {Topic: volcanoes}")
	r := New(env.store, env.registry, nil, Options{Sleep: func(context.Context, time.Duration) error { return nil }})
	res, err := r.Run(context.Background(), "movie-1", p, in)
	require.NoError(t, err)
	require.True(t, res.Failed)

	jr := resultFor(t, res, "Producer:ScriptGeneration")
	require.Equal(t, JobFailed, jr.Status)
	require.Equal(t, producer.CodeSensitiveContent, jr.Error.Code)
	// Not retried and no fallback declared.
	require.Equal(t, 1, jr.Attempts)
	require.Zero(t, env.replicate.calls())

	evs, err := events.NewLog(env.store).ForRevision(context.Background(), "movie-1", res.Revision)
	require.NoError(t, err)
	var failure *events.ArtefactEvent
	for i := range evs {
		if evs[i].ArtefactID == "Artifact:NarrationScript" {
			failure = &evs[i]
		}
	}
	require.NotNil(t, failure)
	require.Equal(t, events.StatusFailed, failure.Status)
	require.Equal(t, string(producer.CodeSensitiveContent), failure.Diagnostics.Code)
	require.True(t, failure.Diagnostics.UserActionRequired)

	// The failed run still commits a manifest at its revision.
	m, err := manifest.NewService(env.store).LoadLatest(context.Background(), "movie-1")
	require.NoError(t, err)
	require.Equal(t, res.Revision, m.Revision)
	require.NotContains(t, m.Artifacts, "Artifact:NarrationScript")
}

func TestRun_FailureKeepsPriorManifestEntries(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, "inputs: {Topic: volcanoes, SegmentCount: 1}", Options{})

	env.openai.invoke = func(producer.Request) (*producer.Result, error) {
		return nil, producer.NewError(producer.CodeProviderFailure, "outage")
	}
	res := env.run(t, "inputs: {Topic: earthquakes, SegmentCount: 1}", Options{})
	require.True(t, res.Failed)

	m, err := manifest.NewService(env.store).LoadLatest(context.Background(), "movie-1")
	require.NoError(t, err)
	require.Equal(t, res.Revision, m.Revision)
	// The failure does not erase the previously produced script.
	require.Contains(t, m.Artifacts, "Artifact:NarrationScript")
}

type hangingHandler struct{}

func (hangingHandler) Invoke(ctx context.Context, _ producer.Request) (*producer.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRun_HungHandlerTimesOutAndFallsBack(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register(blueprint.ProviderReplicate, hangingHandler{})

	res := env.run(t, "inputs: {Topic: volcanoes, SegmentCount: 1}", Options{
		MaxAttempts:   1,
		InvokeTimeout: 10 * time.Millisecond,
	})
	require.False(t, res.Failed)
	jr := resultFor(t, res, "Producer:ImageGenerator[image=0][segment=0]")
	// The timeout counts as a retryable provider failure, not a cancellation,
	// so the fallback variant still runs.
	require.Equal(t, JobSucceeded, jr.Status)
	require.Equal(t, 2, jr.Attempts)
	require.Equal(t, 1, env.gemini.calls())
}

func TestRun_PerProviderInvokeTimeoutOverride(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register(blueprint.ProviderReplicate, hangingHandler{})

	res := env.run(t, "inputs: {Topic: volcanoes, SegmentCount: 1}", Options{
		MaxAttempts:    1,
		InvokeTimeouts: map[string]time.Duration{"replicate:flux-dev": 10 * time.Millisecond},
	})
	require.False(t, res.Failed)
	require.Equal(t, 1, env.gemini.calls())
}

func TestRun_CancellationRecordsFailedEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.openai.invoke = func(producer.Request) (*producer.Result, error) {
		cancel()
		return nil, context.Canceled
	}

	p, in := env.compile(t, "inputs: {Topic: volcanoes, SegmentCount: 1}")
	r := New(env.store, env.registry, nil, Options{Sleep: func(context.Context, time.Duration) error { return nil }})
	res, err := r.Run(ctx, "movie-1", p, in)
	require.NoError(t, err)
	require.True(t, res.Failed)

	jr := resultFor(t, res, "Producer:ScriptGeneration")
	require.Equal(t, JobFailed, jr.Status)
	require.Equal(t, producer.CodeCancelled, jr.Error.Code)
	require.Equal(t, 1, jr.Attempts)
	require.Zero(t, env.replicate.calls())

	// The failed event persists despite the cancelled context.
	evs, err := events.NewLog(env.store).ForRevision(context.Background(), "movie-1", res.Revision)
	require.NoError(t, err)
	var failure *events.ArtefactEvent
	for i := range evs {
		if evs[i].ArtefactID == "Artifact:NarrationScript" {
			failure = &evs[i]
		}
	}
	require.NotNil(t, failure)
	require.Equal(t, events.StatusFailed, failure.Status)
	require.Equal(t, string(producer.CodeCancelled), failure.Diagnostics.Code)

	// The manifest still commits at the run's revision.
	m, err := manifest.NewService(env.store).LoadLatest(context.Background(), "movie-1")
	require.NoError(t, err)
	require.Equal(t, res.Revision, m.Revision)
}

func TestRun_StalePlanRejected(t *testing.T) {
	env := newTestEnv(t)
	in, err := blueprint.ParseInputs([]byte("inputs: {Topic: volcanoes}"), env.root)
	require.NoError(t, err)
	p, err := plan.Compile(env.root, in, plan.Options{BaseManifestHash: "deadbeef"})
	require.NoError(t, err)

	r := New(env.store, env.registry, nil, Options{})
	_, err = r.Run(context.Background(), "movie-1", p, in)
	require.Error(t, err)
	require.Contains(t, err.Error(), "stale")
}

func TestRun_RecordsRunEvents(t *testing.T) {
	env := newTestEnv(t)
	res := env.run(t, "inputs: {Topic: volcanoes, SegmentCount: 1}", Options{})

	raw, err := env.store.ReadToString(context.Background(), "movie-1/events/runs.ndjson")
	require.NoError(t, err)
	require.Contains(t, raw, string(events.RunStarted))
	require.Contains(t, raw, string(events.RunCompleted))
	require.Contains(t, raw, res.Revision)
	require.Equal(t, 1, strings.Count(raw, string(events.RunCompleted)))
}
