package diagcache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// SourceDependencyID is the dependency ID under which a unit's own content
// fingerprint is recorded.
const SourceDependencyID = "@source"

// Dependency is one input an output was built from.
type Dependency struct {
	ID          string      `msgpack:"id"`
	Fingerprint Fingerprint `msgpack:"fp"`
}

// DependencyRecord lists the inputs an output was last built from.
type DependencyRecord struct {
	OutputID     string       `msgpack:"output"`
	Dependencies []Dependency `msgpack:"deps"`
	RecordedAt   time.Time    `msgpack:"at"`
}

// Fingerprints returns the recorded fingerprints in record order.
func (r DependencyRecord) Fingerprints() []Fingerprint {
	fps := make([]Fingerprint, len(r.Dependencies))
	for i, d := range r.Dependencies {
		fps[i] = d.Fingerprint
	}
	return fps
}

// GraphStore persists dependency records between runs.
type GraphStore interface {
	LoadRecords(ctx context.Context) ([]DependencyRecord, error)
	SaveRecords(ctx context.Context, records []DependencyRecord) error
	Close() error
}

// Graph records, per output, the input fingerprints it was built from.
// Edges only point from outputs to inputs, so it cannot contain cycles.
type Graph struct {
	mu      sync.RWMutex
	records map[string]DependencyRecord
	reverse map[Fingerprint]map[string]struct{}
	dirty   bool

	store   GraphStore
	nowFunc NowFunc
	logger  *slog.Logger
}

// GraphOption configures a Graph.
type GraphOption func(*Graph)

// WithGraphNowFunc sets the clock used for RecordedAt.
func WithGraphNowFunc(nowFunc NowFunc) GraphOption {
	return func(g *Graph) {
		g.nowFunc = nowFunc
	}
}

// WithGraphLogger sets the logger used for persistence warnings.
func WithGraphLogger(logger *slog.Logger) GraphOption {
	return func(g *Graph) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGraph creates an empty, unpersisted graph.
func NewGraph(opts ...GraphOption) *Graph {
	g := &Graph{
		records: make(map[string]DependencyRecord),
		reverse: make(map[Fingerprint]map[string]struct{}),
		nowFunc: time.Now,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// OpenGraph creates a graph backed by store and loads its records.
// A load failure is returned as a StorageError together with a usable,
// empty graph so callers can continue without incremental state.
func OpenGraph(ctx context.Context, store GraphStore, opts ...GraphOption) (*Graph, error) {
	g := NewGraph(opts...)
	g.store = store
	if store == nil {
		return g, nil
	}

	records, err := store.LoadRecords(ctx)
	if err != nil {
		return g, asStorageError("load", err)
	}
	for _, rec := range records {
		g.setLocked(rec)
	}
	return g, nil
}

// Record replaces whatever was recorded for outputID with deps.
func (g *Graph) Record(outputID string, deps []Dependency) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setLocked(DependencyRecord{
		OutputID:     outputID,
		Dependencies: append([]Dependency(nil), deps...),
		RecordedAt:   g.nowFunc(),
	})
	g.dirty = true
}

func (g *Graph) setLocked(rec DependencyRecord) {
	g.removeLocked(rec.OutputID)
	g.records[rec.OutputID] = rec
	for _, d := range rec.Dependencies {
		outs, ok := g.reverse[d.Fingerprint]
		if !ok {
			outs = make(map[string]struct{})
			g.reverse[d.Fingerprint] = outs
		}
		outs[rec.OutputID] = struct{}{}
	}
}

func (g *Graph) removeLocked(outputID string) bool {
	prev, ok := g.records[outputID]
	if !ok {
		return false
	}
	for _, d := range prev.Dependencies {
		if outs, ok := g.reverse[d.Fingerprint]; ok {
			delete(outs, outputID)
			if len(outs) == 0 {
				delete(g.reverse, d.Fingerprint)
			}
		}
	}
	delete(g.records, outputID)
	return true
}

// IsStale reports whether outputID must be rebuilt given the current
// fingerprints of its inputs. It is stale when nothing was recorded, when a
// recorded input is missing from current or has a different fingerprint, or
// when current names inputs the record does not know about.
func (g *Graph) IsStale(outputID string, current map[string]Fingerprint) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	rec, ok := g.records[outputID]
	if !ok {
		return true
	}
	if len(rec.Dependencies) != len(current) {
		return true
	}
	for _, d := range rec.Dependencies {
		fp, ok := current[d.ID]
		if !ok || fp != d.Fingerprint {
			return true
		}
	}
	return false
}

// DependentsOf returns the outputs that directly depend on fp, sorted.
func (g *Graph) DependentsOf(fp Fingerprint) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.reverse[fp])
}

// DependentsOfInput returns the outputs that declared the input id,
// whatever fingerprint it had at the time, sorted.
func (g *Graph) DependentsOfInput(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var outs []string
	for outputID, rec := range g.records {
		for _, d := range rec.Dependencies {
			if d.ID == id {
				outs = append(outs, outputID)
				break
			}
		}
	}
	sort.Strings(outs)
	return outs
}

// StaleOutputs returns the recorded outputs that depend on one of the inputs
// in current with a different fingerprint, sorted. Inputs absent from
// current are not considered changed.
func (g *Graph) StaleOutputs(current map[string]Fingerprint) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var outs []string
	for outputID, rec := range g.records {
		for _, d := range rec.Dependencies {
			if fp, ok := current[d.ID]; ok && fp != d.Fingerprint {
				outs = append(outs, outputID)
				break
			}
		}
	}
	sort.Strings(outs)
	return outs
}

// Lookup returns the record for outputID.
func (g *Graph) Lookup(outputID string) (DependencyRecord, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.records[outputID]
	if !ok {
		return DependencyRecord{}, false
	}
	rec.Dependencies = append([]Dependency(nil), rec.Dependencies...)
	return rec, true
}

// Forget drops the record for outputID.
func (g *Graph) Forget(outputID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.removeLocked(outputID) {
		g.dirty = true
		return true
	}
	return false
}

// Outputs returns all recorded output IDs, sorted.
func (g *Graph) Outputs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	outs := make([]string, 0, len(g.records))
	for id := range g.records {
		outs = append(outs, id)
	}
	sort.Strings(outs)
	return outs
}

// Len returns the number of recorded outputs.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.records)
}

// Records returns a copy of all records ordered by output ID.
func (g *Graph) Records() []DependencyRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.recordsLocked()
}

func (g *Graph) recordsLocked() []DependencyRecord {
	recs := make([]DependencyRecord, 0, len(g.records))
	for _, rec := range g.records {
		rec.Dependencies = append([]Dependency(nil), rec.Dependencies...)
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].OutputID < recs[j].OutputID })
	return recs
}

// Flush saves the graph to its store if anything changed since the last
// load or flush. Graphs without a store flush to nowhere.
func (g *Graph) Flush(ctx context.Context) error {
	if g.store == nil {
		return nil
	}

	g.mu.Lock()
	if !g.dirty {
		g.mu.Unlock()
		return nil
	}
	recs := g.recordsLocked()
	g.dirty = false
	g.mu.Unlock()

	if err := g.store.SaveRecords(ctx, recs); err != nil {
		g.mu.Lock()
		g.dirty = true
		g.mu.Unlock()
		return asStorageError("save", err)
	}
	g.logger.Debug("dependency graph saved", "records", len(recs))
	return nil
}

// Close flushes pending changes and closes the store.
func (g *Graph) Close(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	flushErr := g.Flush(ctx)
	if err := g.store.Close(); err != nil && flushErr == nil {
		return asStorageError("close", err)
	}
	return flushErr
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
