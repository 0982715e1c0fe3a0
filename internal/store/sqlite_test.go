package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/syrahproxy/syrah/internal/flow"
)

func setupTestDB(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRule(id string, priority int) *flow.Rule {
	return &flow.Rule{
		ID:        id,
		Type:      flow.RuleBlock,
		Phase:     flow.PhaseRequest,
		Matcher:   &flow.Matcher{Kind: flow.MatcherHost, Pattern: "example.com"},
		Action:    flow.Action{BlockStatus: 403},
		IsEnabled: true,
		Priority:  priority,
	}
}

func TestOpenCreatesSchema(t *testing.T) {
	s := setupTestDB(t)
	rules, err := s.LoadRules(context.Background())
	if err != nil {
		t.Fatalf("LoadRules() on fresh db error = %v", err)
	}
	if len(rules) != 0 {
		t.Errorf("LoadRules() on fresh db = %d rules, want 0", len(rules))
	}
}

func TestSaveAndLoadRulesRoundTrip(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	rules := []*flow.Rule{sampleRule("r1", 10), sampleRule("r2", 50)}
	if err := s.SaveRules(ctx, rules); err != nil {
		t.Fatalf("SaveRules() error = %v", err)
	}

	loaded, err := s.LoadRules(ctx)
	if err != nil {
		t.Fatalf("LoadRules() error = %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("LoadRules() returned %d rules, want 2", len(loaded))
	}
	if loaded[0].ID != "r2" || loaded[1].ID != "r1" {
		t.Errorf("LoadRules() order = [%s, %s], want [r2, r1] (priority desc)", loaded[0].ID, loaded[1].ID)
	}
}

func TestSaveRulesReplacesWholeSet(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	if err := s.SaveRules(ctx, []*flow.Rule{sampleRule("r1", 10)}); err != nil {
		t.Fatalf("SaveRules() error = %v", err)
	}
	if err := s.SaveRules(ctx, []*flow.Rule{sampleRule("r2", 10)}); err != nil {
		t.Fatalf("SaveRules() error = %v", err)
	}

	loaded, err := s.LoadRules(ctx)
	if err != nil {
		t.Fatalf("LoadRules() error = %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "r2" {
		t.Fatalf("LoadRules() after replace = %+v, want only r2", loaded)
	}
}

func TestHAREXportRoundTrip(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	doc := []byte(`{"log":{"version":"1.2","entries":[]}}`)
	id, err := s.SaveHARExport(ctx, doc, 0)
	if err != nil {
		t.Fatalf("SaveHARExport() error = %v", err)
	}
	if id == 0 {
		t.Error("SaveHARExport() returned id 0")
	}

	records, err := s.ListHARExports(ctx, 10)
	if err != nil {
		t.Fatalf("ListHARExports() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("ListHARExports() returned %d records, want 1", len(records))
	}
	if string(records[0].Document) != string(doc) {
		t.Errorf("ListHARExports() document = %q, want %q", records[0].Document, doc)
	}
}

func TestListHARExportsOrdersNewestFirst(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	s.SaveHARExport(ctx, []byte(`{"n":1}`), 1)
	s.SaveHARExport(ctx, []byte(`{"n":2}`), 2)

	records, err := s.ListHARExports(ctx, 10)
	if err != nil {
		t.Fatalf("ListHARExports() error = %v", err)
	}
	if len(records) != 2 || records[0].EntryCount != 2 {
		t.Fatalf("ListHARExports() = %+v, want newest (entry_count=2) first", records)
	}
}
