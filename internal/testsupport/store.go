package testsupport

import (
	"testing"

	"papermill/internal/config"
	"papermill/internal/queue"
	"papermill/internal/taskresult"
)

// MustOpenQueue opens a queue.Store for tests and registers cleanup.
func MustOpenQueue(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustOpenResults opens a task result store for tests and registers cleanup.
func MustOpenResults(t testing.TB, cfg *config.Config) taskresult.Store {
	t.Helper()

	store, err := taskresult.Open(cfg)
	if err != nil {
		t.Fatalf("taskresult.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
