package diagcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Status is the lifecycle state of one build unit within a plan:
//
//	Requested -> Hit
//	Requested -> Rendering -> Rendered | Failed
//	Requested -> Failed (input could not be fingerprinted)
type Status int

const (
	StatusRequested Status = iota
	StatusHit
	StatusRendering
	StatusRendered
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusRequested:
		return "requested"
	case StatusHit:
		return "hit"
	case StatusRendering:
		return "rendering"
	case StatusRendered:
		return "rendered"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusHit || s == StatusRendered || s == StatusFailed
}

// CanTransition reports whether a unit may move from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusRequested:
		return next == StatusHit || next == StatusRendering || next == StatusFailed
	case StatusRendering:
		return next == StatusRendered || next == StatusFailed
	default:
		return false
	}
}

// BuildUnit is one renderable piece of work, typically a diagram block.
type BuildUnit struct {
	// OutputID identifies the output, e.g. "guide.md#diagram-3".
	OutputID string
	Content  []byte
	Config   RenderConfig
	// DependencyIDs name inputs registered in the plan's InputSet.
	DependencyIDs []string
}

// Renderer turns diagram source into an artifact. Implementations must honor
// ctx cancellation and clean up their temporary files on every exit path.
type Renderer interface {
	Render(ctx context.Context, content []byte, cfg RenderConfig) ([]byte, error)
}

// RendererFunc adapts a function to the Renderer interface.
type RendererFunc func(ctx context.Context, content []byte, cfg RenderConfig) ([]byte, error)

// Render calls f.
func (f RendererFunc) Render(ctx context.Context, content []byte, cfg RenderConfig) ([]byte, error) {
	return f(ctx, content, cfg)
}

// UnitResult is the outcome of one build unit.
type UnitResult struct {
	OutputID    string
	Fingerprint Fingerprint
	Artifact    []byte
	Status      Status
	Err         error
	RenderTime  time.Duration
}

func (r *UnitResult) advance(next Status) {
	if !r.Status.CanTransition(next) {
		panic(fmt.Sprintf("diagcache: %s cannot go from %s to %s", r.OutputID, r.Status, next))
	}
	r.Status = next
}

// BuildPlan holds the per-unit outcomes of Plan, in request order.
type BuildPlan struct {
	Units []UnitResult
	index map[string]int
}

func newBuildPlan(units []BuildUnit) *BuildPlan {
	plan := &BuildPlan{
		Units: make([]UnitResult, len(units)),
		index: make(map[string]int, len(units)),
	}
	for i, u := range units {
		plan.Units[i] = UnitResult{OutputID: u.OutputID, Status: StatusRequested}
		plan.index[u.OutputID] = i
	}
	return plan
}

// Unit returns the result for outputID.
func (p *BuildPlan) Unit(outputID string) (UnitResult, bool) {
	i, ok := p.index[outputID]
	if !ok {
		return UnitResult{}, false
	}
	return p.Units[i], true
}

// Artifact returns the artifact for outputID, or false if it failed.
func (p *BuildPlan) Artifact(outputID string) ([]byte, bool) {
	u, ok := p.Unit(outputID)
	if !ok || u.Status == StatusFailed {
		return nil, false
	}
	return u.Artifact, true
}

// Hits returns the units served from cache.
func (p *BuildPlan) Hits() []UnitResult { return p.withStatus(StatusHit) }

// Rendered returns the units that were rendered in this plan.
func (p *BuildPlan) Rendered() []UnitResult { return p.withStatus(StatusRendered) }

// Failed returns the units without an artifact.
func (p *BuildPlan) Failed() []UnitResult { return p.withStatus(StatusFailed) }

func (p *BuildPlan) withStatus(s Status) []UnitResult {
	var out []UnitResult
	for _, u := range p.Units {
		if u.Status == s {
			out = append(out, u)
		}
	}
	return out
}

// Err joins the errors of all failed units, or returns nil.
func (p *BuildPlan) Err() error {
	var errs []error
	for _, u := range p.Units {
		if u.Status == StatusFailed && u.Err != nil {
			errs = append(errs, u.Err)
		}
	}
	return errors.Join(errs...)
}

// Planner decides, per build unit, whether a cached artifact can be reused and
// renders the rest on a bounded worker pool. A Planner may be shared by
// concurrent builds; renders of the same fingerprint are deduplicated.
type Planner struct {
	hasher   *Hasher
	store    *Store
	graph    *Graph
	renderer Renderer

	workers       int
	renderTimeout time.Duration
	noCache       bool
	logger        *slog.Logger

	inflight singleflight.Group
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithWorkers bounds concurrent renders. 0 picks ResolveWorkers(0).
func WithWorkers(n int) PlannerOption {
	return func(p *Planner) {
		p.workers = n
	}
}

// WithRenderTimeout bounds each render call. 0 disables the limit.
func WithRenderTimeout(d time.Duration) PlannerOption {
	return func(p *Planner) {
		p.renderTimeout = d
	}
}

// WithNoCache makes every unit a miss. Identical units in one plan still
// share a single render, and fresh renders are still stored.
func WithNoCache(noCache bool) PlannerOption {
	return func(p *Planner) {
		p.noCache = noCache
	}
}

// WithHasher sets the hasher used for unit fingerprints.
func WithHasher(h *Hasher) PlannerOption {
	return func(p *Planner) {
		if h != nil {
			p.hasher = h
		}
	}
}

// WithPlannerLogger sets the logger for per-unit warnings.
func WithPlannerLogger(logger *slog.Logger) PlannerOption {
	return func(p *Planner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPlanner wires a planner. store may be nil, in which case nothing is
// cached; a nil graph is replaced by an empty in-memory one.
func NewPlanner(store *Store, graph *Graph, renderer Renderer, opts ...PlannerOption) *Planner {
	p := &Planner{
		hasher:   NewHasher(nil),
		store:    store,
		graph:    graph,
		renderer: renderer,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.graph == nil {
		p.graph = NewGraph()
	}
	p.workers = ResolveWorkers(p.workers)
	return p
}

// Graph returns the dependency graph the planner records into.
func (p *Planner) Graph() *Graph { return p.graph }

// renderJob is one unique fingerprint to render, plus the units in the same
// plan waiting for it.
type renderJob struct {
	index     int
	unit      BuildUnit
	fp        Fingerprint
	deps      []Dependency
	followers []follower
}

type follower struct {
	index int
	deps  []Dependency
}

// Plan partitions units into cache hits and renders, renders the misses and
// returns one result per unit. Per-unit problems (hashing, storage, render,
// timeout) never abort the plan; they show up as Failed units or as misses.
// The only error returned is a ValidationError for malformed requests.
// stats may be nil.
func (p *Planner) Plan(ctx context.Context, units []BuildUnit, inputs *InputSet, stats *CacheStats) (*BuildPlan, error) {
	if err := validateUnits(units); err != nil {
		return nil, err
	}
	if stats == nil {
		stats = NewCacheStats()
	}
	if inputs == nil {
		inputs = NewInputSet(p.hasher)
	}

	plan := newBuildPlan(units)
	scheduled := make(map[Fingerprint]*renderJob)
	var jobs []*renderJob

	for i, u := range units {
		res := &plan.Units[i]

		fp, err := p.hasher.Fingerprint(u.Content, u.Config)
		if err != nil {
			p.fail(res, err)
			continue
		}
		res.Fingerprint = fp

		deps, current, err := resolveDependencies(fp, u.DependencyIDs, inputs)
		if err != nil {
			p.fail(res, err)
			continue
		}

		// Identical source and config already queued in this plan.
		if job, ok := scheduled[fp]; ok {
			job.followers = append(job.followers, follower{index: i, deps: deps})
			continue
		}

		if entry, ok := p.lookup(u.OutputID, fp, deps, current); ok {
			res.advance(StatusHit)
			res.Artifact = entry.Artifact
			p.graph.Record(u.OutputID, deps)
			stats.RecordHit(entry.RenderTime, entry.ArtifactSize, entry.StoredSize)
			p.logger.Debug("cache hit", "output", u.OutputID, "key", fp.Short())
			continue
		}

		job := &renderJob{index: i, unit: u, fp: fp, deps: deps}
		scheduled[fp] = job
		jobs = append(jobs, job)
	}

	p.renderAll(ctx, jobs, plan, stats)

	if err := p.graph.Flush(ctx); err != nil {
		p.logger.Warn("failed to persist dependency graph", "error", err)
	}

	return plan, nil
}

// lookup returns a reusable entry for the unit, if any. The entry is reused
// when the output's own record is fresh, or when the entry was built from
// exactly the unit's current inputs (shared by another output).
func (p *Planner) lookup(outputID string, fp Fingerprint, deps []Dependency, current map[string]Fingerprint) (*CacheEntry, bool) {
	if p.noCache || p.store == nil {
		return nil, false
	}

	fresh := !p.graph.IsStale(outputID, current)
	if !fresh && !p.store.Has(fp) {
		return nil, false
	}

	entry, ok, err := p.store.Get(fp)
	if err != nil {
		p.logger.Warn("cache read failed, rendering instead", "output", outputID, "key", fp.Short(), "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	if fresh || entry.SameDependencies(fingerprintsOf(deps)) {
		return entry, true
	}
	return nil, false
}

// renderAll runs jobs on at most p.workers goroutines. Every job writes only
// to its own result slots.
func (p *Planner) renderAll(ctx context.Context, jobs []*renderJob, plan *BuildPlan, stats *CacheStats) {
	if len(jobs) == 0 {
		return
	}

	concurrency := min(p.workers, len(jobs))

	var wg sync.WaitGroup
	queue := make(chan *renderJob, len(jobs))

	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range queue {
				p.runJob(ctx, job, plan, stats)
			}
		}()
	}

	for _, job := range jobs {
		queue <- job
	}
	close(queue)

	wg.Wait()
}

func (p *Planner) runJob(ctx context.Context, job *renderJob, plan *BuildPlan, stats *CacheStats) {
	res := &plan.Units[job.index]
	res.advance(StatusRendering)

	artifact, elapsed, err := p.render(ctx, job)
	if err != nil {
		renderErr := &RenderError{OutputID: job.unit.OutputID, Err: err}
		res.Err = renderErr
		res.advance(StatusFailed)
		p.logger.Warn("diagram render failed", "output", job.unit.OutputID, "error", err)
		for _, f := range job.followers {
			p.fail(&plan.Units[f.index], &RenderError{OutputID: plan.Units[f.index].OutputID, Err: err})
		}
		return
	}

	storedSize := int64(len(artifact))
	if p.store != nil {
		entry := NewCacheEntry(job.fp, artifact, fingerprintsOf(job.deps), elapsed)
		entry.MediaType = job.unit.Config.MediaType()
		if err := p.store.Put(job.fp, entry); err != nil {
			p.logger.Warn("cache write failed, continuing without caching", "output", job.unit.OutputID, "error", err)
		} else if n, ok := p.store.StoredSize(job.fp); ok {
			storedSize = n
		}
	}

	res.Artifact = artifact
	res.RenderTime = elapsed
	res.advance(StatusRendered)
	p.graph.Record(job.unit.OutputID, job.deps)
	stats.RecordMiss(elapsed, int64(len(artifact)))

	// Followers share the render. With caching disabled they are still
	// misses, since nothing was served from the cache.
	for _, f := range job.followers {
		fr := &plan.Units[f.index]
		fr.Artifact = artifact
		if p.noCache {
			fr.advance(StatusRendering)
			fr.RenderTime = elapsed
			fr.advance(StatusRendered)
			stats.RecordMiss(elapsed, int64(len(artifact)))
		} else {
			fr.advance(StatusHit)
			stats.RecordHit(elapsed, int64(len(artifact)), storedSize)
		}
		p.graph.Record(fr.OutputID, f.deps)
	}
}

type renderOutcome struct {
	artifact []byte
	elapsed  time.Duration
}

// render calls the renderer once per fingerprint across concurrent plans and
// enforces the render timeout even if the renderer ignores its context.
// Cancelling ctx abandons the wait, not the shared render.
func (p *Planner) render(ctx context.Context, job *renderJob) ([]byte, time.Duration, error) {
	if p.renderer == nil {
		return nil, 0, errors.New("no renderer configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	waitCtx := ctx
	if p.renderTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.renderTimeout)
		defer cancel()
	}

	ch := p.inflight.DoChan(string(job.fp), func() (v interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("renderer panicked: %v", r)
			}
		}()

		// Other plans may be waiting on this render, so one caller's
		// cancellation must not reach the renderer. Each caller still stops
		// waiting on its own context below.
		renderCtx := context.WithoutCancel(ctx)
		if p.renderTimeout > 0 {
			var cancel context.CancelFunc
			renderCtx, cancel = context.WithTimeout(renderCtx, p.renderTimeout)
			defer cancel()
		}

		start := time.Now()
		artifact, err := p.renderer.Render(renderCtx, job.unit.Content, job.unit.Config)
		elapsed := time.Since(start)
		if err != nil {
			if errors.Is(renderCtx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %s: %v", ErrRenderTimeout, p.renderTimeout, err)
			}
			return nil, err
		}
		return renderOutcome{artifact: artifact, elapsed: elapsed}, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, 0, r.Err
		}
		out := r.Val.(renderOutcome)
		return out.artifact, out.elapsed, nil
	case <-waitCtx.Done():
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, 0, fmt.Errorf("%w after %s", ErrRenderTimeout, p.renderTimeout)
		}
		return nil, 0, waitCtx.Err()
	}
}

func (p *Planner) fail(res *UnitResult, err error) {
	res.Err = err
	res.advance(StatusFailed)
	p.logger.Warn("build unit failed", "output", res.OutputID, "error", err)
}

// resolveDependencies returns the unit's dependency list (its own content
// first) and the same data keyed by ID.
func resolveDependencies(source Fingerprint, ids []string, inputs *InputSet) ([]Dependency, map[string]Fingerprint, error) {
	deps := make([]Dependency, 0, len(ids)+1)
	current := make(map[string]Fingerprint, len(ids)+1)

	deps = append(deps, Dependency{ID: SourceDependencyID, Fingerprint: source})
	current[SourceDependencyID] = source

	for _, id := range ids {
		if _, dup := current[id]; dup {
			continue
		}
		fp, err := inputs.Fingerprint(id)
		if err != nil {
			return nil, nil, err
		}
		deps = append(deps, Dependency{ID: id, Fingerprint: fp})
		current[id] = fp
	}
	return deps, current, nil
}

func fingerprintsOf(deps []Dependency) []Fingerprint {
	fps := make([]Fingerprint, len(deps))
	for i, d := range deps {
		fps[i] = d.Fingerprint
	}
	return fps
}

// validateUnits rejects requests whose results could not be told apart.
func validateUnits(units []BuildUnit) error {
	var errs []error
	seen := make(map[string]struct{}, len(units))
	for i, u := range units {
		if u.OutputID == "" {
			errs = append(errs, fmt.Errorf("unit %d: empty output ID", i))
			continue
		}
		if _, dup := seen[u.OutputID]; dup {
			errs = append(errs, fmt.Errorf("unit %d: duplicate output ID %q", i, u.OutputID))
		}
		seen[u.OutputID] = struct{}{}
		for _, id := range u.DependencyIDs {
			if id == SourceDependencyID {
				errs = append(errs, fmt.Errorf("unit %q: dependency ID %q is reserved", u.OutputID, id))
			}
		}
	}
	return NewValidationError(errs)
}
