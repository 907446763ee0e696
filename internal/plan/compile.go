package plan

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/keremk/tutopanda-sub001/internal/blueprint"
	"github.com/keremk/tutopanda-sub001/internal/canonical"
)

// Options tunes plan compilation.
type Options struct {
	// BaseManifestHash ties the revision to the manifest the plan builds on.
	BaseManifestHash string
	// RateKeys overrides the default provider:model rate key, keyed by
	// "provider:model" or by bare provider.
	RateKeys map[string]string
	// Now is overridable in tests.
	Now func() time.Time
}

// Compile expands the blueprint tree against the loaded inputs into a
// layered execution plan. Compilation is deterministic: the same tree,
// inputs, and base manifest hash always produce the same plan and revision.
func Compile(root *blueprint.Node, in *blueprint.LoadedInputs, opts Options) (*ExecutionPlan, error) {
	c := &compiler{
		root:      root,
		inputs:    in,
		opts:      opts,
		artifacts: map[string]*artifactInfo{},
		inputIDs:  map[string]canonical.ID{},
	}
	if err := c.indexDeclarations(); err != nil {
		return nil, err
	}
	if err := c.buildJobs(); err != nil {
		return nil, err
	}
	layers, err := c.layer()
	if err != nil {
		return nil, err
	}
	revision, err := computeRevision(opts.BaseManifestHash, layers)
	if err != nil {
		return nil, err
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	return &ExecutionPlan{
		Revision:         revision,
		BaseManifestHash: opts.BaseManifestHash,
		CreatedAt:        now().UTC(),
		Layers:           layers,
	}, nil
}

type artifactInfo struct {
	id        canonical.ID
	node      *blueprint.Node
	dims      []string
	counts    []int
	instances []canonical.ID
}

type jobBuild struct {
	desc JobDescriptor
	// refs are the artifact instance ids the job consumes.
	refs []string
	deps map[string]bool
}

type compiler struct {
	root      *blueprint.Node
	inputs    *blueprint.LoadedInputs
	opts      Options
	artifacts map[string]*artifactInfo // qualified name → info
	inputIDs  map[string]canonical.ID  // qualified name → id
	jobs      []*jobBuild
	// producedBy maps artifact instance id string → producing jobID.
	producedBy map[string]string
}

func qualify(path []string, name string) string {
	if len(path) == 0 {
		return name
	}
	return strings.Join(path, ".") + "." + name
}

// indexDeclarations expands every declared artifact into its concrete
// instances using count inputs.
func (c *compiler) indexDeclarations() error {
	var err error
	c.root.Walk(func(node *blueprint.Node) {
		if err != nil {
			return
		}
		for _, in := range node.Inputs {
			c.inputIDs[qualify(node.Path, in.Name)] = canonical.InputID(node.Path, in.Name)
		}
		for _, a := range node.Artifacts {
			info := &artifactInfo{
				id:   canonical.ArtifactID(node.Path, a.Name),
				node: node,
			}
			for _, count := range a.Counts {
				n, cerr := c.countValue(node, count.Input)
				if cerr != nil {
					err = planErrorf("artifact %s: %v", info.id, cerr)
					return
				}
				info.dims = append(info.dims, count.Index)
				info.counts = append(info.counts, n)
			}
			for _, idxs := range indexAssignments(info.dims, info.counts) {
				info.instances = append(info.instances, info.id.WithIndices(idxs))
			}
			c.artifacts[qualify(node.Path, a.Name)] = info
		}
	})
	return err
}

// countValue resolves a count input reference, node-local names first.
func (c *compiler) countValue(node *blueprint.Node, name string) (int, error) {
	for _, q := range []string{qualify(node.Path, name), name} {
		id, ok := c.inputIDs[q]
		if !ok {
			continue
		}
		v, ok := c.inputs.Values[id.String()]
		if !ok {
			return 0, planErrorf("count input %s has no value", id)
		}
		n, err := countInt(v)
		if err != nil {
			return 0, planErrorf("count input %s: %v", id, err)
		}
		if n < 0 {
			return 0, planErrorf("count input %s is negative (%d)", id, n)
		}
		return n, nil
	}
	return 0, planErrorf("unknown count input %q", name)
}

func countInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, planErrorf("not a whole number: %v", n)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, planErrorf("not an integer: %q", n)
		}
		return i, nil
	default:
		return 0, planErrorf("not an integer: %v", v)
	}
}

// indexAssignments enumerates the cartesian product of counts in outer-major
// order: the first dimension varies slowest.
func indexAssignments(dims []string, counts []int) [][]canonical.Index {
	if len(dims) == 0 {
		return [][]canonical.Index{nil}
	}
	for _, n := range counts {
		if n == 0 {
			return nil
		}
	}
	var out [][]canonical.Index
	vals := make([]int, len(dims))
	for {
		idxs := make([]canonical.Index, len(dims))
		for i, d := range dims {
			idxs[i] = canonical.Index{Key: d, Value: vals[i]}
		}
		out = append(out, idxs)
		i := len(vals) - 1
		for i >= 0 {
			vals[i]++
			if vals[i] < counts[i] {
				break
			}
			vals[i] = 0
			i--
		}
		if i < 0 {
			return out
		}
	}
}

func (c *compiler) buildJobs() error {
	c.producedBy = map[string]string{}
	var err error
	c.root.Walk(func(node *blueprint.Node) {
		if err != nil {
			return
		}
		for i := range node.Producers {
			if perr := c.buildProducerJobs(node, &node.Producers[i]); perr != nil {
				err = perr
				return
			}
		}
	})
	if err != nil {
		return err
	}
	return c.resolveDeps()
}

func (c *compiler) buildProducerJobs(node *blueprint.Node, p *blueprint.ProducerDecl) error {
	base := canonical.ProducerID(node.Path, p.Name)

	infos := make([]*artifactInfo, 0, len(p.Produces))
	for _, name := range p.Produces {
		info := c.artifacts[qualify(node.Path, name)]
		if info == nil {
			return planErrorf("producer %s produces unknown artifact %q", base, name)
		}
		infos = append(infos, info)
	}
	dims, counts := infos[0].dims, infos[0].counts
	for _, info := range infos[1:] {
		if !sameDims(dims, info.dims) {
			return planErrorf("producer %s produces artifacts with mismatched dimensions (%v vs %v)",
				base, dims, info.dims)
		}
	}

	variants, provider, model, err := c.variantChain(base, p)
	if err != nil {
		return err
	}
	rateKey := c.rateKey(provider, model)

	for _, idxs := range indexAssignments(dims, counts) {
		prodID := base.WithIndices(idxs)
		job := &jobBuild{
			desc: JobDescriptor{
				JobID:    jobID(prodID.String()),
				Producer: prodID.String(),
				Provider: provider,
				Model:    model,
				RateKey:  rateKey,
				Variants: variants,
				Context: JobContext{
					Path:    append([]string{}, node.Path...),
					Indices: append([]canonical.Index{}, idxs...),
				},
			},
			deps: map[string]bool{},
		}
		for _, info := range infos {
			produced := info.id.WithIndices(idxs).String()
			if prev, dup := c.producedBy[produced]; dup {
				return planErrorf("artifact %s produced by both %s and %s", produced, prev, prodID)
			}
			c.producedBy[produced] = job.desc.JobID
			job.desc.Produces = append(job.desc.Produces, produced)
		}
		if err := c.bind(node, p, job, idxs); err != nil {
			return err
		}
		job.desc.Inputs = consumedIDs(job.desc)
		c.jobs = append(c.jobs, job)
	}
	return nil
}

// variantChain orders the variants main-first and applies any user model
// selection to the main variant.
func (c *compiler) variantChain(base canonical.ID, p *blueprint.ProducerDecl) ([]blueprint.Variant, blueprint.Provider, string, error) {
	main, ok := p.MainVariant()
	if !ok {
		return nil, "", "", planErrorf("producer %s has no main variant", base)
	}
	if sel, ok := c.inputs.SelectionFor(base); ok {
		main.Provider = sel.Provider
		main.Model = sel.Model
		main.Config = mergeConfig(main.Config, sel.Config)
	}
	variants := append([]blueprint.Variant{main}, p.Fallbacks()...)
	return variants, main.Provider, main.Model, nil
}

func mergeConfig(base, over map[string]any) map[string]any {
	if len(over) == 0 {
		return base
	}
	out := map[string]any{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

func (c *compiler) rateKey(provider blueprint.Provider, model string) string {
	key := string(provider) + ":" + model
	if rk, ok := c.opts.RateKeys[key]; ok {
		return rk
	}
	if rk, ok := c.opts.RateKeys[string(provider)]; ok {
		return rk
	}
	return key
}

// bind resolves every declared producer binding for one job instance.
func (c *compiler) bind(node *blueprint.Node, p *blueprint.ProducerDecl, job *jobBuild, idxs []canonical.Index) error {
	prodIdx := map[string]int{}
	for _, ix := range idxs {
		prodIdx[ix.Key] = ix.Value
	}
	for _, b := range p.Inputs {
		inputID, art, err := c.resolveSource(node, b.Source)
		if err != nil {
			return planErrorf("producer %s binding %q: %v", job.desc.Producer, b.Alias, err)
		}
		if art == nil {
			if b.GroupBy != "" {
				return planErrorf("producer %s binding %q: groupBy on input source %s", job.desc.Producer, b.Alias, inputID)
			}
			if job.desc.InputBindings == nil {
				job.desc.InputBindings = map[string]string{}
			}
			job.desc.InputBindings[b.Alias] = inputID.String()
			continue
		}
		if b.GroupBy != "" {
			fanIn, refs, err := c.fanIn(art, b, prodIdx)
			if err != nil {
				return planErrorf("producer %s binding %q: %v", job.desc.Producer, b.Alias, err)
			}
			if job.desc.FanIn == nil {
				job.desc.FanIn = map[string]FanInDescriptor{}
			}
			job.desc.FanIn[b.Alias] = fanIn
			job.refs = append(job.refs, refs...)
			continue
		}
		// Point binding: every source dimension must be fixed by the
		// producer instance.
		var bound []canonical.Index
		for _, dim := range art.dims {
			v, ok := prodIdx[dim]
			if !ok {
				return planErrorf("producer %s binding %q: source %s varies over %q; use groupBy to aggregate",
					job.desc.Producer, b.Alias, art.id, dim)
			}
			bound = append(bound, canonical.Index{Key: dim, Value: v})
		}
		instance := art.id.WithIndices(bound).String()
		if job.desc.InputBindings == nil {
			job.desc.InputBindings = map[string]string{}
		}
		job.desc.InputBindings[b.Alias] = instance
		job.refs = append(job.refs, instance)
	}
	return nil
}

// resolveSource finds what a binding source names: a declared input or a
// declared artifact, looked up node-locally first and then from the root.
func (c *compiler) resolveSource(node *blueprint.Node, source string) (canonical.ID, *artifactInfo, error) {
	for _, q := range []string{qualify(node.Path, source), source} {
		if art, ok := c.artifacts[q]; ok {
			return canonical.ID{}, art, nil
		}
		if id, ok := c.inputIDs[q]; ok {
			return id, nil, nil
		}
	}
	return canonical.ID{}, nil, planErrorf("unknown source %q", source)
}

// fanIn groups the source artifact instances by the groupBy dimension,
// restricted to instances matching the producer's own index assignments.
func (c *compiler) fanIn(art *artifactInfo, b blueprint.Binding, prodIdx map[string]int) (FanInDescriptor, []string, error) {
	if !hasDim(art.dims, b.GroupBy) {
		return FanInDescriptor{}, nil, planErrorf("source %s has no dimension %q", art.id, b.GroupBy)
	}
	if b.OrderBy != "" && !hasDim(art.dims, b.OrderBy) {
		return FanInDescriptor{}, nil, planErrorf("source %s has no dimension %q", art.id, b.OrderBy)
	}

	grouped := map[int][]canonical.ID{}
	for _, inst := range art.instances {
		matches := true
		for _, dim := range art.dims {
			if want, fixed := prodIdx[dim]; fixed {
				if got, _ := inst.IndexValue(dim); got != want {
					matches = false
					break
				}
			}
		}
		if !matches {
			continue
		}
		g, _ := inst.IndexValue(b.GroupBy)
		grouped[g] = append(grouped[g], inst)
	}

	keys := make([]int, 0, len(grouped))
	for k := range grouped {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	fanIn := FanInDescriptor{Source: art.id.String(), GroupBy: b.GroupBy, OrderBy: b.OrderBy}
	var refs []string
	for _, k := range keys {
		members := grouped[k]
		sort.Slice(members, func(i, j int) bool {
			if b.OrderBy != "" {
				a, _ := members[i].IndexValue(b.OrderBy)
				z, _ := members[j].IndexValue(b.OrderBy)
				if a != z {
					return a < z
				}
			}
			return members[i].String() < members[j].String()
		})
		group := make([]string, 0, len(members))
		for _, m := range members {
			group = append(group, m.String())
			refs = append(refs, m.String())
		}
		fanIn.Groups = append(fanIn.Groups, group)
	}
	return fanIn, refs, nil
}

// consumedIDs flattens the job's bindings into the sorted id list carried
// on the descriptor.
func consumedIDs(desc JobDescriptor) []string {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range desc.InputBindings {
		add(id)
	}
	for _, fanIn := range desc.FanIn {
		for _, group := range fanIn.Groups {
			for _, id := range group {
				add(id)
			}
		}
	}
	sort.Strings(out)
	return out
}

func hasDim(dims []string, key string) bool {
	for _, d := range dims {
		if d == key {
			return true
		}
	}
	return false
}

func sameDims(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// resolveDeps turns consumed artifact references into job dependency edges.
func (c *compiler) resolveDeps() error {
	for _, job := range c.jobs {
		for _, ref := range job.refs {
			producer, ok := c.producedBy[ref]
			if !ok {
				return planErrorf("job %s consumes %s, which no producer emits", job.desc.Producer, ref)
			}
			if producer == job.desc.JobID {
				return planErrorf("dependency cycle: producer %s consumes %s, which it also produces",
					job.desc.Producer, ref)
			}
			job.deps[producer] = true
		}
	}
	return nil
}

// layer performs a stable topological layering: each layer holds every job
// whose dependencies are all satisfied by earlier layers, sorted by producer
// instance id.
func (c *compiler) layer() ([]Layer, error) {
	done := map[string]bool{}
	emitted := 0
	var layers []Layer
	for emitted < len(c.jobs) {
		var ready []*jobBuild
		for _, job := range c.jobs {
			if done[job.desc.JobID] {
				continue
			}
			ok := true
			for dep := range job.deps {
				if !done[dep] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, job)
			}
		}
		if len(ready) == 0 {
			var stuck []string
			for _, job := range c.jobs {
				if !done[job.desc.JobID] {
					stuck = append(stuck, job.desc.Producer)
				}
			}
			sort.Strings(stuck)
			return nil, planErrorf("dependency cycle among %s", strings.Join(stuck, ", "))
		}
		sort.Slice(ready, func(i, j int) bool { return ready[i].desc.Producer < ready[j].desc.Producer })
		layer := Layer{}
		for _, job := range ready {
			layer.Jobs = append(layer.Jobs, job.desc)
			done[job.desc.JobID] = true
			emitted++
		}
		layers = append(layers, layer)
	}
	return layers, nil
}
