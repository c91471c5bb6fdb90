package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"

	"github.com/gophersatwork/diagcache"
)

var recordedAt = time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)

func sampleRecords() []diagcache.DependencyRecord {
	return []diagcache.DependencyRecord{
		{
			OutputID: "guide.md#diagram-1",
			Dependencies: []diagcache.Dependency{
				{ID: diagcache.SourceDependencyID, Fingerprint: "aa11"},
				{ID: "theme.css", Fingerprint: "bb22"},
			},
			RecordedAt: recordedAt,
		},
		{
			OutputID: "guide.md#diagram-2",
			Dependencies: []diagcache.Dependency{
				{ID: diagcache.SourceDependencyID, Fingerprint: "cc33"},
				{ID: "theme.css", Fingerprint: "bb22"},
				{ID: "glossary", Fingerprint: "dd44"},
			},
			RecordedAt: recordedAt.Add(time.Second),
		},
		{
			OutputID:   "empty",
			RecordedAt: recordedAt,
		},
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := s.SaveRecords(ctx, sampleRecords()); err != nil {
		t.Fatalf("SaveRecords failed: %v", err)
	}

	got, err := s.LoadRecords(ctx)
	if err != nil {
		t.Fatalf("LoadRecords failed: %v", err)
	}

	// Loaded records come back ordered by output ID.
	want := sampleRecords()
	want[0], want[1], want[2] = want[2], want[0], want[1]
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s\ngot: %s", diff, spew.Sdump(got))
	}
}

func TestStore_SaveReplacesPreviousGraph(t *testing.T) {
	ctx := context.Background()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := s.SaveRecords(ctx, sampleRecords()); err != nil {
		t.Fatalf("SaveRecords failed: %v", err)
	}
	replacement := sampleRecords()[:1]
	if err := s.SaveRecords(ctx, replacement); err != nil {
		t.Fatalf("SaveRecords failed: %v", err)
	}

	got, err := s.LoadRecords(ctx)
	if err != nil {
		t.Fatalf("LoadRecords failed: %v", err)
	}
	if diff := cmp.Diff(replacement, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_OutputsDependingOn(t *testing.T) {
	ctx := context.Background()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := s.SaveRecords(ctx, sampleRecords()); err != nil {
		t.Fatalf("SaveRecords failed: %v", err)
	}

	got, err := s.OutputsDependingOn(ctx, "bb22")
	if err != nil {
		t.Fatalf("OutputsDependingOn failed: %v", err)
	}
	want := []string{"guide.md#diagram-1", "guide.md#diagram-2"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("dependents mismatch (-want +got):\n%s", diff)
	}

	got, err = s.OutputsDependingOn(ctx, "ffff")
	if err != nil {
		t.Fatalf("OutputsDependingOn failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no dependents, got %v", got)
	}
}

func TestStore_PersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "graph.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.SaveRecords(ctx, sampleRecords()); err != nil {
		t.Fatalf("SaveRecords failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	got, err := s.LoadRecords(ctx)
	if err != nil {
		t.Fatalf("LoadRecords failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records after reopen, got %s", spew.Sdump(got))
	}
}

func TestStore_BacksGraph(t *testing.T) {
	ctx := context.Background()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	now := func() time.Time { return recordedAt }
	g, err := diagcache.OpenGraph(ctx, s, diagcache.WithGraphNowFunc(now))
	if err != nil {
		t.Fatalf("OpenGraph failed: %v", err)
	}

	deps := []diagcache.Dependency{
		{ID: diagcache.SourceDependencyID, Fingerprint: "aa11"},
		{ID: "theme.css", Fingerprint: "bb22"},
	}
	g.Record("out", deps)
	if err := g.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	reloaded, err := diagcache.OpenGraph(ctx, s)
	if err != nil {
		t.Fatalf("OpenGraph failed: %v", err)
	}
	current := map[string]diagcache.Fingerprint{
		diagcache.SourceDependencyID: "aa11",
		"theme.css":                  "bb22",
	}
	if reloaded.IsStale("out", current) {
		t.Error("reloaded record should be fresh")
	}
	current["theme.css"] = "bb23"
	if !reloaded.IsStale("out", current) {
		t.Error("record should be stale after theme change")
	}
}

func TestStore_ErrorsAreStorageErrors(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	_, err = s.LoadRecords(context.Background())
	var se *diagcache.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StorageError from closed db, got %T: %v", err, err)
	}
	if se.Op != "load" {
		t.Errorf("expected op load, got %q", se.Op)
	}
}
