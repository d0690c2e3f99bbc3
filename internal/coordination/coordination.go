// Package coordination holds the ephemeral cluster-shared state that is not
// worth a durable row: named per-document locks with fencing tokens, force
// save descriptors, shutdown counters, presence counts, and force save
// timers. Everything here expires; TTLs are the garbage collector against
// crashed holders.
package coordination

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Lock names used by the orchestration layer.
const (
	// LockSave serializes save dispatch for one document.
	LockSave = "save"
	// LockForceSave serializes force save dispatch for one document.
	LockForceSave = "forcesave"
)

// ShutdownSave is the counter key documents register under while a pending
// save must complete before the cluster may stop.
const ShutdownSave = "shutdown:save"

// ReleaseResult reports what Release found under the lock name.
type ReleaseResult int

const (
	// ReleaseUnlocked means the caller held the lock and it is now free.
	ReleaseUnlocked ReleaseResult = iota
	// ReleaseLocked means a different token holds the lock; nothing changed.
	ReleaseLocked
	// ReleaseEmpty means no live lock existed.
	ReleaseEmpty
)

func (r ReleaseResult) String() string {
	switch r {
	case ReleaseUnlocked:
		return "unlocked"
	case ReleaseLocked:
		return "locked"
	case ReleaseEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// ForceSave describes one pending out-of-band save for a document.
type ForceSave struct {
	Time    int64  `json:"time"`
	Index   int64  `json:"index"`
	BaseURL string `json:"baseUrl"`
	Started bool   `json:"started"`
	Ended   bool   `json:"ended"`
}

// NewFencingToken mints an opaque lock ownership token.
func NewFencingToken() string {
	return uuid.NewString()
}

// Store is the cluster coordination contract. The in-memory implementation
// serves a single node; a networked cache can satisfy the same contract for
// multi-node deployments.
type Store interface {
	// Acquire takes the named lock for a document. It succeeds when the
	// lock is absent, expired, or already held by the same token.
	Acquire(ctx context.Context, lockName, docID, token string, ttl time.Duration) (bool, error)
	// Release frees the named lock when the token matches the holder.
	Release(ctx context.Context, lockName, docID, token string) (ReleaseResult, error)

	// GetForceSave returns the document's force save descriptor, if any.
	GetForceSave(ctx context.Context, docID string) (*ForceSave, error)
	// SetForceSave records a new pending force save, resetting the started
	// and ended flags.
	SetForceSave(ctx context.Context, docID string, fs ForceSave) error
	// CheckAndStartForceSave marks the pending force save started and
	// returns it. It fails when none is pending or one is already running.
	CheckAndStartForceSave(ctx context.Context, docID string) (*ForceSave, bool, error)
	// CheckAndSetForceSave updates the started/ended flags, but only if the
	// stored descriptor still matches the given time and index.
	CheckAndSetForceSave(ctx context.Context, docID string, time, index int64, started, ended bool) (bool, error)
	// RemoveForceSave drops the descriptor.
	RemoveForceSave(ctx context.Context, docID string) error

	// AddShutdown registers a document under a shutdown counter key.
	AddShutdown(ctx context.Context, key, docID string) error
	// RemoveShutdown unregisters a document.
	RemoveShutdown(ctx context.Context, key, docID string) error
	// ShutdownCount reports how many documents remain registered.
	ShutdownCount(ctx context.Context, key string) (int, error)
	// CleanupShutdown resets the counter key.
	CleanupShutdown(ctx context.Context, key string) error

	// AddPresence records an editor attached to a document.
	AddPresence(ctx context.Context, docID, userID string, ttl time.Duration) error
	// RemovePresence drops an editor.
	RemovePresence(ctx context.Context, docID, userID string) error
	// PresenceCount reports how many live editors a document has.
	PresenceCount(ctx context.Context, docID string) (int, error)

	// AddForceSaveTimerNX arms a force save timer for a document unless one
	// is already armed.
	AddForceSaveTimerNX(ctx context.Context, docID string, fireAt time.Time) error
	// TakeExpiredForceSaveTimers removes and returns the documents whose
	// timers have fired.
	TakeExpiredForceSaveTimers(ctx context.Context, now time.Time) ([]string, error)
}
