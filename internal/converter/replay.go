package converter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"papermill/internal/changes"
)

// encryptedChangePrefix marks change records produced by an end-to-end
// encrypted session. They cannot be replayed server-side.
const encryptedChangePrefix = "ENCRYPTED;"

// ErrEncryptedChanges aborts a replay that hit an encrypted change record.
var ErrEncryptedChanges = errors.New("change log contains encrypted records")

// historyAuthor is one contiguous same-author run in changesHistory.json.
type historyAuthor struct {
	Created    string `json:"created"`
	UserID     string `json:"userid"`
	UserName   string `json:"username"`
	ChangeFile string `json:"changesFile"`
	StartIndex int64  `json:"startIndex"`
}

type changesHistory struct {
	Changes []historyAuthor `json:"changes"`
}

type replayResult struct {
	// fileCount is how many per-author change files were written.
	fileCount int
	// changeCount is how many change records were replayed.
	changeCount int64
}

// authorFileWriter streams change records into one JSON array file per
// contiguous same-author run. Splitting per run bounds memory: no array ever
// holds more than one run, and each file is flushed before the next opens.
type authorFileWriter struct {
	dir     string
	file    *os.File
	index   int
	started bool
	history changesHistory
}

func (w *authorFileWriter) begin(change changes.Change) error {
	if err := w.finish(); err != nil {
		return err
	}
	name := fmt.Sprintf("changes%d.json", w.index)
	file, err := os.Create(filepath.Join(w.dir, name))
	if err != nil {
		return fmt.Errorf("create change file %s: %w", name, err)
	}
	if _, err := file.WriteString("["); err != nil {
		_ = file.Close()
		return err
	}
	w.file = file
	w.started = false
	w.index++
	w.history.Changes = append(w.history.Changes, historyAuthor{
		Created:    change.Date.UTC().Format(time.RFC3339),
		UserID:     authorID(change),
		UserName:   change.UserName,
		ChangeFile: name,
		StartIndex: change.ChangeID,
	})
	return nil
}

func (w *authorFileWriter) write(change changes.Change) error {
	if w.started {
		if _, err := w.file.WriteString(","); err != nil {
			return err
		}
	}
	if _, err := w.file.WriteString(change.Data); err != nil {
		return err
	}
	w.started = true
	return nil
}

func (w *authorFileWriter) finish() error {
	if w.file == nil {
		return nil
	}
	if _, err := w.file.WriteString("]"); err != nil {
		_ = w.file.Close()
		return err
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func authorID(change changes.Change) string {
	if change.UserIDOriginal != "" {
		return change.UserIDOriginal
	}
	return change.UserID
}

// replayChanges streams the persisted change log for docID into destDir:
// one changesN.json per contiguous same-author run plus a
// changesHistory.json sidecar. endIndex, when set, is an exclusive upper
// bound pinning the replay to a force-save episode. pageSize bounds each
// query.
func replayChanges(ctx context.Context, store *changes.Store, docID, destDir string, endIndex *int64, pageSize int) (*replayResult, error) {
	if pageSize <= 0 {
		pageSize = 1000
	}
	maxIndex, err := store.MaxChangeIndex(ctx, docID)
	if err != nil {
		return nil, err
	}
	limit := maxIndex + 1
	if endIndex != nil && *endIndex < limit {
		limit = *endIndex
	}

	changesDir := filepath.Join(destDir, "changes")
	if err := os.MkdirAll(changesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create changes dir: %w", err)
	}

	writer := &authorFileWriter{dir: changesDir}
	defer func() { _ = writer.finish() }()

	result := &replayResult{}
	lastAuthor := ""
	for start := int64(0); start < limit; start += int64(pageSize) {
		end := start + int64(pageSize)
		if end > limit {
			end = limit
		}
		page, err := store.GetChanges(ctx, docID, &start, &end, nil)
		if err != nil {
			return nil, err
		}
		for _, change := range page {
			if len(change.Data) >= len(encryptedChangePrefix) && change.Data[:len(encryptedChangePrefix)] == encryptedChangePrefix {
				return nil, fmt.Errorf("%w: change %d", ErrEncryptedChanges, change.ChangeID)
			}
			if writer.file == nil || authorID(change) != lastAuthor {
				if err := writer.begin(change); err != nil {
					return nil, err
				}
				lastAuthor = authorID(change)
			}
			if err := writer.write(change); err != nil {
				return nil, err
			}
			result.changeCount++
		}
	}
	if err := writer.finish(); err != nil {
		return nil, err
	}
	result.fileCount = writer.index

	history, err := json.Marshal(writer.history)
	if err != nil {
		return nil, fmt.Errorf("marshal changes history: %w", err)
	}
	if err := os.WriteFile(filepath.Join(destDir, "changesHistory.json"), history, 0o644); err != nil {
		return nil, fmt.Errorf("write changes history: %w", err)
	}
	return result, nil
}
