package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	observestore "github.com/PipeOpsHQ/statesync/observe/store"
)

func TestJournal_SaveAndList(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "failures.db")
	journal, err := New(dbPath)
	if err != nil {
		t.Fatalf("new journal: %v", err)
	}
	defer func() { _ = journal.Close() }()

	ctx := context.Background()
	now := time.Now().UTC()
	inputs := []observestore.FailureRecord{
		{
			RunID:      "r1",
			OpIndex:    0,
			OpKind:     "remove",
			Path:       "/missing",
			Reason:     "path-not-found",
			ResyncID:   "rs-1",
			Document:   json.RawMessage(`{"a":1}`),
			Operations: json.RawMessage(`[{"op":"remove","path":"/missing"}]`),
			CreatedAt:  now,
		},
		{
			RunID:     "r1",
			OpIndex:   2,
			OpKind:    "test",
			Path:      "/a",
			Reason:    "test-failed",
			Detail:    "value at \"/a\" does not match",
			CreatedAt: now.Add(time.Millisecond),
		},
		{
			RunID:     "r2",
			OpIndex:   0,
			OpKind:    "move",
			Path:      "/a/b",
			Reason:    "invalid-move",
			CreatedAt: now.Add(2 * time.Millisecond),
		},
	}
	for _, in := range inputs {
		if err := journal.SaveFailure(ctx, in); err != nil {
			t.Fatalf("save failure: %v", err)
		}
	}

	records, err := journal.ListFailuresByRun(ctx, "r1", observestore.ListQuery{Limit: 10})
	if err != nil {
		t.Fatalf("list failures: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records for r1, got %d", len(records))
	}
	first := records[0]
	if first.ID == "" {
		t.Fatal("expected a generated failure ID")
	}
	if first.Reason != "path-not-found" || first.OpKind != "remove" || first.ResyncID != "rs-1" {
		t.Fatalf("unexpected record: %+v", first)
	}
	if string(first.Document) != `{"a":1}` {
		t.Fatalf("unexpected document: %s", first.Document)
	}
	if records[1].Reason != "test-failed" || records[1].OpIndex != 2 {
		t.Fatalf("unexpected second record: %+v", records[1])
	}
}

func TestJournal_ListPagination(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "failures.db")
	journal, err := New(dbPath)
	if err != nil {
		t.Fatalf("new journal: %v", err)
	}
	defer func() { _ = journal.Close() }()

	ctx := context.Background()
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		record := observestore.FailureRecord{
			RunID:     "r1",
			OpIndex:   i,
			OpKind:    "remove",
			Path:      "/x",
			Reason:    "path-not-found",
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := journal.SaveFailure(ctx, record); err != nil {
			t.Fatalf("save failure: %v", err)
		}
	}

	page, err := journal.ListFailuresByRun(ctx, "r1", observestore.ListQuery{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("list failures: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 records, got %d", len(page))
	}
	if page[0].OpIndex != 2 || page[1].OpIndex != 3 {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestJournal_RequiresPath(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected an error for empty path")
	}
}
