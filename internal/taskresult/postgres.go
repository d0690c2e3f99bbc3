package taskresult

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore manages task result persistence backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to the result database and prepares its schema.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres db: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS task_result (
			id TEXT PRIMARY KEY,
			status INTEGER NOT NULL,
			status_info BIGINT NOT NULL,
			last_open_date TIMESTAMPTZ NOT NULL,
			user_index BIGINT NOT NULL,
			change_id BIGINT NOT NULL,
			callback TEXT NOT NULL,
			baseurl TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS doc_changes (
			id TEXT NOT NULL,
			change_id BIGINT NOT NULL,
			user_id TEXT NOT NULL,
			user_id_original TEXT NOT NULL,
			user_name TEXT NOT NULL,
			change_data TEXT NOT NULL,
			change_date TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (id, change_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_result_last_open ON task_result(last_open_date)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Upsert runs as a single statement. The xmax system column is zero only for
// a freshly inserted row version, which distinguishes insert from touch
// without a second round trip.
func (s *PostgresStore) Upsert(ctx context.Context, task *TaskResultData, updateUserIndex bool) (bool, int64, error) {
	ctx = ensureContext(ctx)
	task.CompleteDefaults()

	callback := ""
	if task.Callback != "" {
		callback = EncodeCallbackEntry(task.UserIndex, task.Callback)
	}
	args := []any{task.Key, int(task.Status), task.StatusInfo, task.UserIndex, task.ChangeID, callback, task.BaseURL}

	var b strings.Builder
	b.WriteString(`INSERT INTO task_result (id, status, status_info, last_open_date, user_index, change_id, callback, baseurl)
		VALUES ($1, $2, $3, now(), $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET last_open_date = now()`)
	if task.Callback != "" {
		urlJSON, err := json.Marshal(task.Callback)
		if err != nil {
			return false, 0, fmt.Errorf("upsert task %q: %w", task.Key, err)
		}
		args = append(args, string(urlJSON))
		fmt.Fprintf(&b, `, callback = task_result.callback || chr(5) || '{"userIndex":' || (task_result.user_index + 1)::text || ',"callback":' || $%d || '}'`, len(args))
	}
	if task.BaseURL != "" {
		args = append(args, task.BaseURL)
		fmt.Fprintf(&b, `, baseurl = $%d`, len(args))
	}
	if updateUserIndex {
		b.WriteString(`, user_index = task_result.user_index + 1`)
	}
	b.WriteString(` RETURNING (xmax = 0) AS created, user_index`)

	var (
		created   bool
		userIndex int64
	)
	if err := s.db.QueryRowContext(ctx, b.String(), args...).Scan(&created, &userIndex); err != nil {
		return false, 0, fmt.Errorf("upsert task %q: %w", task.Key, err)
	}
	return created, userIndex, nil
}

func (s *PostgresStore) Select(ctx context.Context, docID string) (*TaskResultData, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task_result WHERE id = $1`, docID)
	task, err := scanPGTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select task %q: %w", docID, err)
	}
	return task, nil
}

func (s *PostgresStore) Update(ctx context.Context, docID string, upd Update) error {
	ctx = ensureContext(ctx)
	sets, args := updateClauses(upd, "?")
	args = append(args, docID)
	query := rebind(`UPDATE task_result SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update task %q: %w", docID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateIf(ctx context.Context, docID string, upd Update, mask Mask) (bool, error) {
	ctx = ensureContext(ctx)
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
	query := rebind(`UPDATE task_result SET ` + strings.Join(sets, ", ") + ` WHERE ` + strings.Join(wheres, " AND "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("conditional update task %q: %w", docID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("conditional update task %q: %w", docID, err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) AddRandomKeyTask(ctx context.Context, docID string) (*TaskResultData, error) {
	ctx = ensureContext(ctx)
	for attempt := 0; attempt < randomKeyMax; attempt++ {
		task := &TaskResultData{
			Key:    fmt.Sprintf("%s_%d", docID, rand.IntN(randomKeyMax+1)),
			Status: StatusWaitQueue,
		}
		task.CompleteDefaults()
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO task_result (`+taskColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (id) DO NOTHING`,
			task.Key, int(task.Status), task.StatusInfo, task.LastOpenDate,
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

func (s *PostgresStore) GetExpired(ctx context.Context, maxCount int, expireAfter time.Duration) ([]*TaskResultData, error) {
	ctx = ensureContext(ctx)
	cutoff := time.Now().UTC().Add(-expireAfter)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM task_result
		 WHERE last_open_date <= $1
		   AND NOT EXISTS (SELECT 1 FROM doc_changes WHERE doc_changes.id = task_result.id)
		 LIMIT $2`, cutoff, maxCount)
	if err != nil {
		return nil, fmt.Errorf("select expired tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*TaskResultData
	for rows.Next() {
		task, err := scanPGTask(rows)
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

func (s *PostgresStore) Remove(ctx context.Context, docID string) error {
	ctx = ensureContext(ctx)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM task_result WHERE id = $1`, docID); err != nil {
		return fmt.Errorf("remove task %q: %w", docID, err)
	}
	return nil
}

func scanPGTask(scanner interface{ Scan(dest ...any) error }) (*TaskResultData, error) {
	var (
		task       TaskResultData
		status     int
		statusInfo int64
		opened     time.Time
		callback   sql.NullString
		baseURL    sql.NullString
	)
	if err := scanner.Scan(&task.Key, &status, &statusInfo, &opened, &task.UserIndex, &task.ChangeID, &callback, &baseURL); err != nil {
		return nil, err
	}
	task.Status = FileStatus(status)
	task.StatusInfo = statusInfo
	task.LastOpenDate = opened
	task.Callback = callback.String
	task.BaseURL = baseURL.String
	return &task, nil
}

// rebind rewrites ? placeholders into the $1..$n ordinals lib/pq expects.
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
