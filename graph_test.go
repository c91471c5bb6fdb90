package diagcache

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
)

// recordingGraphStore counts saves and can be told to fail.
type recordingGraphStore struct {
	records []DependencyRecord
	saves   int
	loadErr error
	saveErr error
	closed  bool
}

func (r *recordingGraphStore) LoadRecords(ctx context.Context) ([]DependencyRecord, error) {
	return r.records, r.loadErr
}

func (r *recordingGraphStore) SaveRecords(ctx context.Context, records []DependencyRecord) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	r.saves++
	r.records = records
	return nil
}

func (r *recordingGraphStore) Close() error {
	r.closed = true
	return nil
}

func deps(pairs ...string) []Dependency {
	out := make([]Dependency, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, Dependency{ID: pairs[i], Fingerprint: Fingerprint(pairs[i+1])})
	}
	return out
}

func TestGraph_IsStale(t *testing.T) {
	g := NewGraph(WithGraphNowFunc(fixedNowFunc))
	g.Record("doc#diagram-0", deps(SourceDependencyID, "aa01", "css", "bb01"))

	tests := []struct {
		name    string
		output  string
		current map[string]Fingerprint
		want    bool
	}{
		{"unchanged", "doc#diagram-0", map[string]Fingerprint{SourceDependencyID: "aa01", "css": "bb01"}, false},
		{"never recorded", "doc#diagram-1", map[string]Fingerprint{SourceDependencyID: "aa01"}, true},
		{"input changed", "doc#diagram-0", map[string]Fingerprint{SourceDependencyID: "aa01", "css": "bb02"}, true},
		{"source changed", "doc#diagram-0", map[string]Fingerprint{SourceDependencyID: "aa02", "css": "bb01"}, true},
		{"input dropped", "doc#diagram-0", map[string]Fingerprint{SourceDependencyID: "aa01"}, true},
		{"input added", "doc#diagram-0", map[string]Fingerprint{SourceDependencyID: "aa01", "css": "bb01", "glossary": "cc01"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.IsStale(tt.output, tt.current); got != tt.want {
				t.Errorf("IsStale = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGraph_Dependents(t *testing.T) {
	g := NewGraph()
	g.Record("a.md#diagram-0", deps(SourceDependencyID, "aa01", "css", "ff01"))
	g.Record("b.md#diagram-0", deps(SourceDependencyID, "aa02", "css", "ff01", "glossary", "ee01"))
	g.Record("c.md#diagram-0", deps(SourceDependencyID, "aa03"))

	if diff := cmp.Diff([]string{"a.md#diagram-0", "b.md#diagram-0"}, g.DependentsOf("ff01")); diff != "" {
		t.Errorf("DependentsOf mismatch (-want +got):\n%s", diff)
	}
	if got := g.DependentsOf("0000"); got != nil {
		t.Errorf("DependentsOf unknown = %v, want nil", got)
	}
	if diff := cmp.Diff([]string{"b.md#diagram-0"}, g.DependentsOfInput("glossary")); diff != "" {
		t.Errorf("DependentsOfInput mismatch (-want +got):\n%s", diff)
	}

	// Re-recording drops the old reverse edges.
	g.Record("a.md#diagram-0", deps(SourceDependencyID, "aa01", "css", "ff02"))
	if diff := cmp.Diff([]string{"b.md#diagram-0"}, g.DependentsOf("ff01")); diff != "" {
		t.Errorf("stale reverse edge kept (-want +got):\n%s", diff)
	}

	stale := g.StaleOutputs(map[string]Fingerprint{"css": "ff02"})
	if diff := cmp.Diff([]string{"b.md#diagram-0"}, stale); diff != "" {
		t.Errorf("StaleOutputs mismatch (-want +got):\n%s", diff)
	}
}

func TestGraph_LookupForget(t *testing.T) {
	g := NewGraph(WithGraphNowFunc(fixedNowFunc))
	g.Record("doc#diagram-0", deps(SourceDependencyID, "aa01"))

	rec, ok := g.Lookup("doc#diagram-0")
	if !ok {
		t.Fatal("Lookup missed a recorded output")
	}
	if !rec.RecordedAt.Equal(fixedNowFunc()) {
		t.Errorf("RecordedAt = %v", rec.RecordedAt)
	}
	if diff := cmp.Diff([]Fingerprint{"aa01"}, rec.Fingerprints()); diff != "" {
		t.Errorf("Fingerprints mismatch (-want +got):\n%s", diff)
	}

	// The returned record is a copy.
	rec.Dependencies[0].Fingerprint = "zz"
	if again, _ := g.Lookup("doc#diagram-0"); again.Dependencies[0].Fingerprint != "aa01" {
		t.Error("Lookup leaked internal state")
	}

	if !g.Forget("doc#diagram-0") {
		t.Error("Forget should report a removed record")
	}
	if g.Forget("doc#diagram-0") {
		t.Error("second Forget should report nothing removed")
	}
	if g.Len() != 0 || len(g.DependentsOf("aa01")) != 0 {
		t.Error("Forget left state behind")
	}
}

func TestGraph_FlushOnlyWhenDirty(t *testing.T) {
	ctx := t.Context()
	store := &recordingGraphStore{}
	g, err := OpenGraph(ctx, store)
	if err != nil {
		t.Fatalf("OpenGraph failed: %v", err)
	}

	if err := g.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if store.saves != 0 {
		t.Errorf("clean graph saved %d times", store.saves)
	}

	g.Record("doc#diagram-0", deps(SourceDependencyID, "aa01"))
	if err := g.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if err := g.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if store.saves != 1 {
		t.Errorf("saves = %d, want 1", store.saves)
	}

	if err := g.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if !store.closed {
		t.Error("Close did not close the store")
	}
}

func TestGraph_FlushFailureKeepsDirty(t *testing.T) {
	ctx := t.Context()
	store := &recordingGraphStore{saveErr: errors.New("disk full")}
	g, _ := OpenGraph(ctx, store)
	g.Record("doc#diagram-0", deps(SourceDependencyID, "aa01"))

	var se *StorageError
	if err := g.Flush(ctx); !errors.As(err, &se) || se.Op != "save" {
		t.Fatalf("expected save StorageError, got %v", err)
	}

	store.saveErr = nil
	if err := g.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if store.saves != 1 || len(store.records) != 1 {
		t.Errorf("retry did not persist: saves=%d records=%d", store.saves, len(store.records))
	}
}

func TestOpenGraph_LoadFailure(t *testing.T) {
	store := &recordingGraphStore{loadErr: errors.New("unreadable")}
	g, err := OpenGraph(t.Context(), store)

	var se *StorageError
	if !errors.As(err, &se) || se.Op != "load" {
		t.Fatalf("expected load StorageError, got %v", err)
	}
	if g == nil {
		t.Fatal("OpenGraph must return a usable graph on load failure")
	}
	if g.Len() != 0 || !g.IsStale("doc#diagram-0", nil) {
		t.Error("graph should start empty")
	}
	g.Record("doc#diagram-0", deps(SourceDependencyID, "aa01"))
	if g.Len() != 1 {
		t.Error("degraded graph should still record")
	}
}

func TestFileGraphStore(t *testing.T) {
	ctx := t.Context()
	memFs := afero.NewMemMapFs()
	store := NewFileGraphStore(memFs, "/diagcache/graph.msgpack")

	// A missing snapshot is an empty graph.
	records, err := store.LoadRecords(ctx)
	if err != nil || records != nil {
		t.Fatalf("LoadRecords on missing file = %v, %v", records, err)
	}

	g, _ := OpenGraph(ctx, store, WithGraphNowFunc(fixedNowFunc))
	g.Record("b.md#diagram-0", deps(SourceDependencyID, "aa02", "css", "ff01"))
	g.Record("a.md#diagram-0", deps(SourceDependencyID, "aa01"))
	if err := g.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := OpenGraph(ctx, NewFileGraphStore(memFs, "/diagcache/graph.msgpack"))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if diff := cmp.Diff(g.Records(), reopened.Records()); diff != "" {
		t.Errorf("records not persisted (-want +got):\n%s", diff)
	}
	if reopened.IsStale("a.md#diagram-0", map[string]Fingerprint{SourceDependencyID: "aa01"}) {
		t.Error("persisted record should be fresh")
	}
	assertNoTempFiles(t, memFs, "/diagcache")
}

func TestFileGraphStore_VersionMismatch(t *testing.T) {
	memFs := afero.NewMemMapFs()
	data := []byte{0x81, 0xa7, 'v', 'e', 'r', 's', 'i', 'o', 'n', 0x63} // {"version": 99}
	createTestFile(t, memFs, "/graph.msgpack", data)

	records, err := NewFileGraphStore(memFs, "/graph.msgpack").LoadRecords(t.Context())
	if err != nil {
		t.Fatalf("version mismatch should not be an error: %v", err)
	}
	if records != nil {
		t.Errorf("records = %v, want nil", records)
	}
}

func TestFileGraphStore_Corrupt(t *testing.T) {
	memFs := afero.NewMemMapFs()
	createTestFile(t, memFs, "/graph.msgpack", []byte{0xc1})

	_, err := NewFileGraphStore(memFs, "/graph.msgpack").LoadRecords(t.Context())
	var se *StorageError
	if !errors.As(err, &se) || se.Op != "load" {
		t.Fatalf("expected load StorageError, got %v", err)
	}
}
