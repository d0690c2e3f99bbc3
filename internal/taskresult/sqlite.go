package taskresult

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond

	randomKeyMax = 10000
)

const taskColumns = "id, status, status_info, last_open_date, user_index, change_id, callback, baseurl"

// SQLiteStore manages task result persistence backed by SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite initializes or connects to the result database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &SQLiteStore{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS task_result (
			id TEXT PRIMARY KEY,
			status INTEGER NOT NULL,
			status_info INTEGER NOT NULL,
			last_open_date TEXT NOT NULL,
			user_index INTEGER NOT NULL,
			change_id INTEGER NOT NULL,
			callback TEXT NOT NULL,
			baseurl TEXT NOT NULL
		)`,
		// doc_changes is owned by the changes store but shares this database
		// file. The expiry sweep joins against it, so both stores carry the
		// same definition.
		`CREATE TABLE IF NOT EXISTS doc_changes (
			id TEXT NOT NULL,
			change_id INTEGER NOT NULL,
			user_id TEXT NOT NULL,
			user_id_original TEXT NOT NULL,
			user_name TEXT NOT NULL,
			change_data TEXT NOT NULL,
			change_date TEXT NOT NULL,
			PRIMARY KEY (id, change_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_result_last_open ON task_result(last_open_date)`,
	}
	for _, stmt := range schema {
		if err := s.execWithoutResultRetry(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *SQLiteStore) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx = ensureContext(ctx)
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *SQLiteStore) execWithoutResultRetry(ctx context.Context, query string, args ...any) error {
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

func (s *SQLiteStore) Upsert(ctx context.Context, task *TaskResultData, updateUserIndex bool) (bool, int64, error) {
	ctx = ensureContext(ctx)
	task.CompleteDefaults()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var (
		created   bool
		userIndex int64
	)
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var current int64
		selectErr := tx.QueryRowContext(ctx, `SELECT user_index FROM task_result WHERE id = ?`, task.Key).Scan(&current)
		switch {
		case errors.Is(selectErr, sql.ErrNoRows):
			callback := ""
			if task.Callback != "" {
				callback = EncodeCallbackEntry(task.UserIndex, task.Callback)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO task_result (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				task.Key, int(task.Status), task.StatusInfo, now, task.UserIndex, task.ChangeID, callback, task.BaseURL,
			); err != nil {
				return err
			}
			created = true
			userIndex = task.UserIndex
		case selectErr != nil:
			return selectErr
		default:
			sets := []string{"last_open_date = ?"}
			args := []any{now}
			nextIndex := current
			if updateUserIndex {
				nextIndex = current + 1
				sets = append(sets, "user_index = ?")
				args = append(args, nextIndex)
			}
			if task.Callback != "" {
				sets = append(sets, "callback = callback || ?")
				args = append(args, EncodeCallbackEntry(current+1, task.Callback))
			}
			if task.BaseURL != "" {
				sets = append(sets, "baseurl = ?")
				args = append(args, task.BaseURL)
			}
			args = append(args, task.Key)
			if _, err := tx.ExecContext(ctx,
				`UPDATE task_result SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...,
			); err != nil {
				return err
			}
			created = false
			userIndex = nextIndex
		}
		return tx.Commit()
	})
	if err != nil {
		return false, 0, fmt.Errorf("upsert task %q: %w", task.Key, err)
	}
	return created, userIndex, nil
}

func (s *SQLiteStore) Select(ctx context.Context, docID string) (*TaskResultData, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task_result WHERE id = ?`, docID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select task %q: %w", docID, err)
	}
	return task, nil
}

func (s *SQLiteStore) Update(ctx context.Context, docID string, upd Update) error {
	sets, args := updateClauses(upd, "?")
	args = append(args, docID)
	if _, err := s.execWithRetry(ctx, `UPDATE task_result SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return fmt.Errorf("update task %q: %w", docID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateIf(ctx context.Context, docID string, upd Update, mask Mask) (bool, error) {
	sets, args := updateClauses(upd, "?")
	wheres := []string{"id = ?"}
	args = append(args, docID)
	if mask.Status != nil {
		wheres = append(wheres, "status = ?")
		args = append(args, int(*mask.Status))
	}
	if mask.StatusInfo != nil {
		wheres = append(wheres, "status_info = ?")
		args = append(args, *mask.StatusInfo)
	}
	res, err := s.execWithRetry(ctx, `UPDATE task_result SET `+strings.Join(sets, ", ")+` WHERE `+strings.Join(wheres, " AND "), args...)
	if err != nil {
		return false, fmt.Errorf("conditional update task %q: %w", docID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("conditional update task %q: %w", docID, err)
	}
	return affected > 0, nil
}

func (s *SQLiteStore) AddRandomKeyTask(ctx context.Context, docID string) (*TaskResultData, error) {
	ctx = ensureContext(ctx)
	for attempt := 0; attempt < randomKeyMax; attempt++ {
		task := &TaskResultData{
			Key:    fmt.Sprintf("%s_%d", docID, rand.IntN(randomKeyMax+1)),
			Status: StatusWaitQueue,
		}
		task.CompleteDefaults()
		res, err := s.execWithRetry(ctx,
			`INSERT INTO task_result (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
			task.Key, int(task.Status), task.StatusInfo, task.LastOpenDate.Format(time.RFC3339Nano),
			task.UserIndex, task.ChangeID, task.Callback, task.BaseURL,
		)
		if err != nil {
			return nil, fmt.Errorf("add random key task %q: %w", docID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("add random key task %q: %w", docID, err)
		}
		if affected > 0 {
			return task, nil
		}
	}
	return nil, fmt.Errorf("add random key task %q: no free key", docID)
}

func (s *SQLiteStore) GetExpired(ctx context.Context, maxCount int, expireAfter time.Duration) ([]*TaskResultData, error) {
	ctx = ensureContext(ctx)
	cutoff := time.Now().UTC().Add(-expireAfter).Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM task_result
		 WHERE last_open_date <= ?
		   AND NOT EXISTS (SELECT 1 FROM doc_changes WHERE doc_changes.id = task_result.id)
		 LIMIT ?`, cutoff, maxCount)
	if err != nil {
		return nil, fmt.Errorf("select expired tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*TaskResultData
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired tasks: %w", err)
	}
	return tasks, nil
}

func (s *SQLiteStore) Remove(ctx context.Context, docID string) error {
	if err := s.execWithoutResultRetry(ctx, `DELETE FROM task_result WHERE id = ?`, docID); err != nil {
		return fmt.Errorf("remove task %q: %w", docID, err)
	}
	return nil
}

// updateClauses renders SET fragments for an Update. The placeholder argument
// allows reuse across SQLite and the ordinal rewrite for Postgres.
func updateClauses(upd Update, placeholder string) ([]string, []any) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	sets := []string{"last_open_date = " + placeholder}
	args := []any{now}
	if upd.Status != nil {
		sets = append(sets, "status = "+placeholder)
		args = append(args, int(*upd.Status))
	}
	if upd.StatusInfo != nil {
		sets = append(sets, "status_info = "+placeholder)
		args = append(args, *upd.StatusInfo)
	}
	if upd.UserIndex != nil {
		sets = append(sets, "user_index = "+placeholder)
		args = append(args, *upd.UserIndex)
	}
	if upd.ChangeID != nil {
		sets = append(sets, "change_id = "+placeholder)
		args = append(args, *upd.ChangeID)
	}
	if upd.Callback != nil {
		var entryIndex int64 = 1
		if upd.UserIndex != nil {
			entryIndex = *upd.UserIndex
		}
		sets = append(sets, "callback = callback || "+placeholder)
		args = append(args, EncodeCallbackEntry(entryIndex, *upd.Callback))
	}
	if upd.BaseURL != nil {
		sets = append(sets, "baseurl = "+placeholder)
		args = append(args, *upd.BaseURL)
	}
	return sets, args
}

func scanTask(scanner interface{ Scan(dest ...any) error }) (*TaskResultData, error) {
	var (
		key        string
		status     int
		statusInfo int64
		openedRaw  string
		userIndex  int64
		changeID   int64
		callback   sql.NullString
		baseURL    sql.NullString
	)
	if err := scanner.Scan(&key, &status, &statusInfo, &openedRaw, &userIndex, &changeID, &callback, &baseURL); err != nil {
		return nil, err
	}
	task := &TaskResultData{
		Key:        key,
		Status:     FileStatus(status),
		StatusInfo: statusInfo,
		UserIndex:  userIndex,
		ChangeID:   changeID,
		Callback:   callback.String,
		BaseURL:    baseURL.String,
	}
	if opened, err := parseTimeString(openedRaw); err == nil {
		task.LastOpenDate = opened
	}
	return task, nil
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty time value")
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time format %q", value)
}
