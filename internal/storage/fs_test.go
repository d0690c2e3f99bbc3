package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"papermill/internal/config"
)

func newTestFS(t *testing.T) *FS {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Root = t.TempDir()
	cfg.Storage.Secret = "test-secret"
	gw, err := NewFS(&cfg)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return gw
}

func TestPutGetRoundTrip(t *testing.T) {
	gw := newTestFS(t)
	ctx := context.Background()

	payload := []byte("document body")
	if err := gw.Put(ctx, "doc1/output/Editor.bin", bytes.NewReader(payload)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := gw.Get(ctx, "doc1/output/Editor.bin")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Get returned %q, want %q", got, payload)
	}
}

func TestGetMissingObject(t *testing.T) {
	gw := newTestFS(t)
	if _, err := gw.Get(context.Background(), "doc1/missing.bin"); err == nil {
		t.Fatal("expected error for missing object")
	}
}

func TestListReturnsKeysUnderPrefix(t *testing.T) {
	gw := newTestFS(t)
	ctx := context.Background()

	for _, key := range []string{"doc1/a.bin", "doc1/changes/0.json", "doc2/b.bin"} {
		if err := gw.Put(ctx, key, strings.NewReader("x")); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}
	keys, err := gw.List(ctx, "doc1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("List returned %d keys, want 2: %v", len(keys), keys)
	}
	for _, key := range keys {
		if !strings.HasPrefix(key, "doc1/") {
			t.Errorf("key %q outside prefix", key)
		}
	}
}

func TestListMissingPrefixIsEmpty(t *testing.T) {
	gw := newTestFS(t)
	keys, err := gw.List(context.Background(), "nope")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("List returned %v, want empty", keys)
	}
}

func TestCopyPathDuplicatesTree(t *testing.T) {
	gw := newTestFS(t)
	ctx := context.Background()

	if err := gw.Put(ctx, "doc1/1/Editor.bin", strings.NewReader("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := gw.Put(ctx, "doc1/1/media/image1.png", strings.NewReader("img")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := gw.CopyPath(ctx, "doc1/1", "doc1/2"); err != nil {
		t.Fatalf("CopyPath: %v", err)
	}
	got, err := gw.Get(ctx, "doc1/2/media/image1.png")
	if err != nil {
		t.Fatalf("Get copied object: %v", err)
	}
	if string(got) != "img" {
		t.Fatalf("copied object holds %q, want %q", got, "img")
	}
}

func TestDeletePrunesEmptyParents(t *testing.T) {
	gw := newTestFS(t)
	ctx := context.Background()

	if err := gw.Put(ctx, "doc1/changes/only.json", strings.NewReader("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := gw.Delete(ctx, "doc1/changes/only.json"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(gw.root, "doc1")); !os.IsNotExist(err) {
		t.Fatalf("expected doc1 directory pruned, stat err = %v", err)
	}
	if _, err := os.Stat(gw.root); err != nil {
		t.Fatalf("storage root must survive pruning: %v", err)
	}
}

func TestDeletePathRemovesTree(t *testing.T) {
	gw := newTestFS(t)
	ctx := context.Background()

	if err := gw.Put(ctx, "doc1/a.bin", strings.NewReader("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := gw.Put(ctx, "doc1/sub/b.bin", strings.NewReader("y")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := gw.DeletePath(ctx, "doc1"); err != nil {
		t.Fatalf("DeletePath: %v", err)
	}
	keys, err := gw.List(ctx, "doc1")
	if err != nil {
		t.Fatalf("List after DeletePath: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("objects survived DeletePath: %v", keys)
	}
}

func TestResolveRejectsEscapingKeys(t *testing.T) {
	gw := newTestFS(t)
	if err := gw.Put(context.Background(), "../outside.bin", strings.NewReader("x")); err == nil {
		t.Fatal("expected traversal key to be rejected")
	}
}
