package changes_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"papermill/internal/changes"
	"papermill/internal/config"
)

func openTestStore(t *testing.T, maxBytes int) *changes.Store {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(t.TempDir(), "changes.db")
	cfg.Database.MaxStatementBytes = maxBytes
	store, err := changes.Open(&cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var testUser = changes.User{ID: "u1_1", IDOriginal: "u1", Name: "Ada"}

func inputs(n int, prefix string) []changes.ChangeInput {
	out := make([]changes.ChangeInput, n)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = changes.ChangeInput{
			Data: fmt.Sprintf(`{"op":"%s-%d"}`, prefix, i),
			Time: base.Add(time.Duration(i) * time.Second),
		}
	}
	return out
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(t.TempDir(), "nested", "data", "changes.db")
	store, err := changes.Open(&cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	if err := store.InsertChanges(context.Background(), "doc1", 0, inputs(1, "a"), testUser); err != nil {
		t.Fatalf("InsertChanges: %v", err)
	}
}

func TestInsertAndGetChangesAscending(t *testing.T) {
	store := openTestStore(t, 1048575)
	ctx := context.Background()

	if err := store.InsertChanges(ctx, "doc1", 0, inputs(5, "a"), testUser); err != nil {
		t.Fatalf("InsertChanges: %v", err)
	}
	got, err := store.GetChanges(ctx, "doc1", nil, nil, nil)
	if err != nil {
		t.Fatalf("GetChanges: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 changes, got %d", len(got))
	}
	for i, change := range got {
		if change.ChangeID != int64(i) {
			t.Fatalf("expected ascending ids, got %d at position %d", change.ChangeID, i)
		}
		if change.UserID != "u1_1" || change.UserName != "Ada" {
			t.Fatalf("user fields lost: %+v", change)
		}
	}
}

func TestInsertChangesChunksLargeBatches(t *testing.T) {
	// Statement budget fits roughly two rows, forcing multiple chunks.
	store := openTestStore(t, 600)
	ctx := context.Background()

	big := make([]changes.ChangeInput, 7)
	for i := range big {
		big[i] = changes.ChangeInput{Data: strings.Repeat("x", 16), Time: time.Now().UTC()}
	}
	if err := store.InsertChanges(ctx, "doc1", 0, big, testUser); err != nil {
		t.Fatalf("InsertChanges: %v", err)
	}

	got, err := store.GetChanges(ctx, "doc1", nil, nil, nil)
	if err != nil {
		t.Fatalf("GetChanges: %v", err)
	}
	if len(got) != 7 {
		t.Fatalf("expected 7 changes, got %d", len(got))
	}
	for i, change := range got {
		if change.ChangeID != int64(i) {
			t.Fatalf("chunking broke ordering: id %d at position %d", change.ChangeID, i)
		}
	}
}

func TestGetChangesBounds(t *testing.T) {
	store := openTestStore(t, 1048575)
	ctx := context.Background()
	if err := store.InsertChanges(ctx, "doc1", 0, inputs(10, "a"), testUser); err != nil {
		t.Fatalf("InsertChanges: %v", err)
	}

	start, end := int64(3), int64(7)
	got, err := store.GetChanges(ctx, "doc1", &start, &end, nil)
	if err != nil {
		t.Fatalf("GetChanges: %v", err)
	}
	if len(got) != 4 || got[0].ChangeID != 3 || got[3].ChangeID != 6 {
		t.Fatalf("unexpected page: %+v", got)
	}

	cutoff := time.Date(2026, 8, 1, 12, 0, 4, 0, time.UTC)
	got, err = store.GetChanges(ctx, "doc1", nil, nil, &cutoff)
	if err != nil {
		t.Fatalf("GetChanges by time: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 changes at or before cutoff, got %d", len(got))
	}
}

func TestMaxChangeIndex(t *testing.T) {
	store := openTestStore(t, 1048575)
	ctx := context.Background()

	index, err := store.MaxChangeIndex(ctx, "doc1")
	if err != nil {
		t.Fatalf("MaxChangeIndex: %v", err)
	}
	if index != -1 {
		t.Fatalf("expected -1 for empty log, got %d", index)
	}

	if err := store.InsertChanges(ctx, "doc1", 0, inputs(3, "a"), testUser); err != nil {
		t.Fatalf("InsertChanges: %v", err)
	}
	index, err = store.MaxChangeIndex(ctx, "doc1")
	if err != nil {
		t.Fatalf("MaxChangeIndex: %v", err)
	}
	if index != 2 {
		t.Fatalf("expected 2, got %d", index)
	}
}

func TestDeleteChangesFromIndex(t *testing.T) {
	store := openTestStore(t, 1048575)
	ctx := context.Background()
	if err := store.InsertChanges(ctx, "doc1", 0, inputs(6, "a"), testUser); err != nil {
		t.Fatalf("InsertChanges: %v", err)
	}

	from := int64(4)
	if err := store.DeleteChanges(ctx, "doc1", &from); err != nil {
		t.Fatalf("DeleteChanges: %v", err)
	}
	index, err := store.MaxChangeIndex(ctx, "doc1")
	if err != nil {
		t.Fatalf("MaxChangeIndex: %v", err)
	}
	if index != 3 {
		t.Fatalf("expected 3 after partial delete, got %d", index)
	}

	if err := store.DeleteChanges(ctx, "doc1", nil); err != nil {
		t.Fatalf("DeleteChanges all: %v", err)
	}
	index, err = store.MaxChangeIndex(ctx, "doc1")
	if err != nil {
		t.Fatalf("MaxChangeIndex: %v", err)
	}
	if index != -1 {
		t.Fatalf("expected empty log, got %d", index)
	}
}

func TestHistoryGroupsContiguousAuthorRuns(t *testing.T) {
	store := openTestStore(t, 1048575)
	ctx := context.Background()

	ada := changes.User{ID: "u1_1", IDOriginal: "u1", Name: "Ada"}
	grace := changes.User{ID: "u2_1", IDOriginal: "u2", Name: "Grace"}
	if err := store.InsertChanges(ctx, "doc1", 0, inputs(3, "a"), ada); err != nil {
		t.Fatalf("InsertChanges: %v", err)
	}
	if err := store.InsertChanges(ctx, "doc1", 3, inputs(2, "b"), grace); err != nil {
		t.Fatalf("InsertChanges: %v", err)
	}
	if err := store.InsertChanges(ctx, "doc1", 5, inputs(1, "c"), ada); err != nil {
		t.Fatalf("InsertChanges: %v", err)
	}

	raw, err := store.History(ctx, "doc1", nil)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	var summary struct {
		Changes []struct {
			Created    string `json:"created"`
			UserID     string `json:"userid"`
			UserName   string `json:"username"`
			StartIndex int64  `json:"startIndex"`
		} `json:"changes"`
	}
	if err := json.Unmarshal(raw, &summary); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(summary.Changes) != 3 {
		t.Fatalf("expected 3 author runs, got %d: %s", len(summary.Changes), raw)
	}
	wantStarts := []int64{0, 3, 5}
	wantUsers := []string{"u1", "u2", "u1"}
	wantNames := []string{"Ada", "Grace", "Ada"}
	for i, entry := range summary.Changes {
		if entry.StartIndex != wantStarts[i] || entry.UserID != wantUsers[i] || entry.UserName != wantNames[i] {
			t.Fatalf("run %d: %+v", i, entry)
		}
		if entry.Created == "" {
			t.Fatalf("run %d missing created timestamp", i)
		}
	}
}

func TestHistoryEndIndexBoundsForceSave(t *testing.T) {
	store := openTestStore(t, 1048575)
	ctx := context.Background()

	grace := changes.User{ID: "u2_1", IDOriginal: "u2", Name: "Grace"}
	if err := store.InsertChanges(ctx, "doc1", 0, inputs(4, "a"), testUser); err != nil {
		t.Fatalf("InsertChanges: %v", err)
	}
	if err := store.InsertChanges(ctx, "doc1", 4, inputs(4, "b"), grace); err != nil {
		t.Fatalf("InsertChanges: %v", err)
	}

	end := int64(4)
	raw, err := store.History(ctx, "doc1", &end)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	var summary struct {
		Changes []struct {
			UserID string `json:"userid"`
		} `json:"changes"`
	}
	if err := json.Unmarshal(raw, &summary); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(summary.Changes) != 1 || summary.Changes[0].UserID != "u1" {
		t.Fatalf("expected only the first author run below the bound, got %s", raw)
	}
}

func TestHistoryEmptyLogReturnsNil(t *testing.T) {
	store := openTestStore(t, 1048575)
	raw, err := store.History(context.Background(), "absent", nil)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if raw != nil {
		t.Fatalf("expected nil history, got %s", raw)
	}
}

func TestConcurrentInsertsDifferentDocuments(t *testing.T) {
	store := openTestStore(t, 1048575)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(doc string) {
			defer wg.Done()
			if err := store.InsertChanges(ctx, doc, 0, inputs(20, doc), testUser); err != nil {
				t.Errorf("InsertChanges %s: %v", doc, err)
			}
		}(fmt.Sprintf("doc%d", i))
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		index, err := store.MaxChangeIndex(ctx, fmt.Sprintf("doc%d", i))
		if err != nil {
			t.Fatalf("MaxChangeIndex: %v", err)
		}
		if index != 19 {
			t.Fatalf("doc%d: expected 19, got %d", i, index)
		}
	}
}
