package taskresult

import (
	"context"
	"time"
)

// Test hooks for state that normal APIs refresh automatically.

func (s *SQLiteStore) SetLastOpenDateForTest(ctx context.Context, docID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE task_result SET last_open_date = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), docID)
	return err
}

func (s *SQLiteStore) InsertChangeForTest(ctx context.Context, docID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO doc_changes (id, change_id, user_id, user_id_original, user_name, change_data, change_date)
		 VALUES (?, 0, 'u1', 'u1', 'user', '{}', ?)`,
		docID, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}
