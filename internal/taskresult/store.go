package taskresult

import (
	"context"
	"fmt"
	"time"

	"papermill/internal/config"
)

// Store is the task result persistence contract shared by both backends.
type Store interface {
	// Upsert inserts the row or touches an existing one. It reports whether
	// the row was freshly created and the row's user index after the call;
	// updateUserIndex increments the index and returns the new value, which
	// namespaces the joining collaborator.
	Upsert(ctx context.Context, task *TaskResultData, updateUserIndex bool) (created bool, userIndex int64, err error)

	// Select returns the row, or nil when no row exists.
	Select(ctx context.Context, docID string) (*TaskResultData, error)

	// Update applies the listed changes unconditionally.
	Update(ctx context.Context, docID string, upd Update) error

	// UpdateIf applies the listed changes only when the row matches the mask.
	// It reports whether the row was updated; a miss is a normal branch.
	UpdateIf(ctx context.Context, docID string, upd Update, mask Mask) (bool, error)

	// AddRandomKeyTask inserts a fresh WaitQueue row under a randomized key
	// derived from docID, retrying on collisions. Used to allocate save keys.
	AddRandomKeyTask(ctx context.Context, docID string) (*TaskResultData, error)

	// GetExpired lists up to maxCount rows untouched for expireAfter that
	// have no pending change records.
	GetExpired(ctx context.Context, maxCount int, expireAfter time.Duration) ([]*TaskResultData, error)

	// Remove deletes the row.
	Remove(ctx context.Context, docID string) error

	Close() error
}

// Open connects to the result store selected by configuration.
func Open(cfg *config.Config) (Store, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		return OpenSQLite(cfg.Database.Path)
	case "postgres":
		return OpenPostgres(cfg.Database.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}
