package changes

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"papermill/internal/config"
)

// rowOverheadBytes approximates the per-row framing cost of one VALUES tuple
// when sizing insert chunks.
const rowOverheadBytes = 44

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// User identifies the collaborator a change run belongs to.
type User struct {
	ID         string
	IDOriginal string
	Name       string
}

// Change is one persisted change record.
type Change struct {
	DocID          string
	ChangeID       int64
	UserID         string
	UserIDOriginal string
	UserName       string
	Data           string
	Date           time.Time
}

// ChangeInput is one record to append.
type ChangeInput struct {
	Data string
	Time time.Time
}

// Store manages the doc_changes table. One Store serves all documents; writes
// to the same document are serialized so change ids stay in submission order.
type Store struct {
	db       *sql.DB
	postgres bool
	maxBytes int

	mu    sync.Mutex
	locks map[string]*docLock
}

type docLock struct {
	mu   sync.Mutex
	refs int
}

// Open connects to the change log selected by configuration. It shares the
// database with the task result store.
func Open(cfg *config.Config) (*Store, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		if dir := filepath.Dir(cfg.Database.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		db, err := sql.Open("sqlite", cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite db: %w", err)
		}
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout = 5000"} {
			if _, execErr := db.Exec(pragma); execErr != nil {
				_ = db.Close()
				return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
			}
		}
		return newStore(db, false, cfg.Database.MaxStatementBytes)
	case "postgres":
		db, err := sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres db: %w", err)
		}
		return newStore(db, true, cfg.Database.MaxStatementBytes)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}

func newStore(db *sql.DB, postgres bool, maxBytes int) (*Store, error) {
	store := &Store{db: db, postgres: postgres, maxBytes: maxBytes, locks: make(map[string]*docLock)}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	dateType := "TEXT"
	idType := "INTEGER"
	if s.postgres {
		dateType = "TIMESTAMPTZ"
		idType = "BIGINT"
	}
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS doc_changes (
		id TEXT NOT NULL,
		change_id %s NOT NULL,
		user_id TEXT NOT NULL,
		user_id_original TEXT NOT NULL,
		user_name TEXT NOT NULL,
		change_data TEXT NOT NULL,
		change_date %s NOT NULL,
		PRIMARY KEY (id, change_id)
	)`, idType, dateType)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
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

// execWithRetry runs a write statement, backing off on SQLITE_BUSY the same
// way the result store does. Non-busy errors return immediately.
func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		_, lastErr = s.db.ExecContext(ctx, query, args...)
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

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) lockDoc(docID string) func() {
	s.mu.Lock()
	lock, ok := s.locks[docID]
	if !ok {
		lock = &docLock{}
		s.locks[docID] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, docID)
		}
		s.mu.Unlock()
	}
}

// InsertChanges appends records starting at startIndex. Large batches split
// into multiple statements bounded by the configured statement size; splits
// never reorder records because the whole call holds the document lock.
func (s *Store) InsertChanges(ctx context.Context, docID string, startIndex int64, inputs []ChangeInput, user User) error {
	if len(inputs) == 0 {
		return nil
	}
	unlock := s.lockDoc(docID)
	defer unlock()

	index := startIndex
	chunkStart := 0
	budget := 0
	for i, input := range inputs {
		rowBytes := rowOverheadBytes + 4*(len(docID)+len(user.ID)+len(user.IDOriginal)+len(user.Name)+len(input.Data))
		if i > chunkStart && budget+rowBytes >= s.maxBytes {
			if err := s.insertChunk(ctx, docID, index, inputs[chunkStart:i], user); err != nil {
				return err
			}
			index += int64(i - chunkStart)
			chunkStart = i
			budget = 0
		}
		budget += rowBytes
	}
	return s.insertChunk(ctx, docID, index, inputs[chunkStart:], user)
}

func (s *Store) insertChunk(ctx context.Context, docID string, index int64, inputs []ChangeInput, user User) error {
	var b strings.Builder
	args := make([]any, 0, len(inputs)*7)
	b.WriteString(`INSERT INTO doc_changes (id, change_id, user_id, user_id_original, user_name, change_data, change_date) VALUES `)
	for i, input := range inputs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString("(?, ?, ?, ?, ?, ?, ?)")
		args = append(args, docID, index+int64(i), user.ID, user.IDOriginal, user.Name, input.Data, s.timeValue(input.Time))
	}
	query := b.String()
	if s.postgres {
		query = rebind(query)
	}
	if err := s.execWithRetry(ctx, query, args...); err != nil {
		return fmt.Errorf("insert changes for %q: %w", docID, err)
	}
	return nil
}

// GetChanges returns records in ascending change_id order. Nil bounds are
// open; end is exclusive; beforeTime keeps only records at or before it.
func (s *Store) GetChanges(ctx context.Context, docID string, start, end *int64, beforeTime *time.Time) ([]Change, error) {
	where := []string{"id = ?"}
	args := []any{docID}
	if start != nil {
		where = append(where, "change_id >= ?")
		args = append(args, *start)
	}
	if end != nil {
		where = append(where, "change_id < ?")
		args = append(args, *end)
	}
	if beforeTime != nil {
		where = append(where, "change_date <= ?")
		args = append(args, s.timeValue(*beforeTime))
	}
	query := `SELECT id, change_id, user_id, user_id_original, user_name, change_data, change_date
		FROM doc_changes WHERE ` + strings.Join(where, " AND ") + ` ORDER BY change_id ASC`
	if s.postgres {
		query = rebind(query)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select changes for %q: %w", docID, err)
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		change, err := s.scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change for %q: %w", docID, err)
		}
		out = append(out, change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes for %q: %w", docID, err)
	}
	return out, nil
}

// historyEntry is one contiguous same-author run in the summary History
// hands to origin callbacks.
type historyEntry struct {
	Created    string `json:"created"`
	UserID     string `json:"userid"`
	UserName   string `json:"username"`
	StartIndex int64  `json:"startIndex"`
}

// History summarizes the change log as contiguous same-author runs, the
// who-edited-when record a save callback carries alongside the change pack.
// endIndex, when set, is an exclusive bound pinning the summary to a
// force-save episode. Returns nil when the document has no changes.
func (s *Store) History(ctx context.Context, docID string, endIndex *int64) (json.RawMessage, error) {
	where := "id = ?"
	args := []any{docID}
	if endIndex != nil {
		where += " AND change_id < ?"
		args = append(args, *endIndex)
	}
	query := `SELECT change_id, user_id, user_id_original, user_name, change_date
		FROM doc_changes WHERE ` + where + ` ORDER BY change_id ASC`
	if s.postgres {
		query = rebind(query)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select change history for %q: %w", docID, err)
	}
	defer rows.Close()

	var entries []historyEntry
	lastAuthor := ""
	for rows.Next() {
		var (
			changeID                     int64
			userID, userIDOrig, userName string
			rawDate                      any
			date                         time.Time
		)
		if s.postgres {
			rawDate = &date
		} else {
			rawDate = new(string)
		}
		if err := rows.Scan(&changeID, &userID, &userIDOrig, &userName, rawDate); err != nil {
			return nil, fmt.Errorf("scan change history for %q: %w", docID, err)
		}
		if raw, ok := rawDate.(*string); ok {
			if parsed, parseErr := time.Parse(time.RFC3339Nano, *raw); parseErr == nil {
				date = parsed
			} else if parsed, parseErr := time.Parse(time.RFC3339, *raw); parseErr == nil {
				date = parsed
			}
		}
		author := userIDOrig
		if author == "" {
			author = userID
		}
		if len(entries) == 0 || author != lastAuthor {
			entries = append(entries, historyEntry{
				Created:    date.UTC().Format(time.RFC3339),
				UserID:     author,
				UserName:   userName,
				StartIndex: changeID,
			})
			lastAuthor = author
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change history for %q: %w", docID, err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	summary, err := json.Marshal(struct {
		Changes []historyEntry `json:"changes"`
	}{Changes: entries})
	if err != nil {
		return nil, fmt.Errorf("marshal change history for %q: %w", docID, err)
	}
	return summary, nil
}

// MaxChangeIndex returns the highest change_id for the document, or -1 when
// no changes exist.
func (s *Store) MaxChangeIndex(ctx context.Context, docID string) (int64, error) {
	query := `SELECT MAX(change_id) FROM doc_changes WHERE id = ?`
	if s.postgres {
		query = rebind(query)
	}
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query, docID).Scan(&max); err != nil {
		return -1, fmt.Errorf("max change index for %q: %w", docID, err)
	}
	if !max.Valid {
		return -1, nil
	}
	return max.Int64, nil
}

// DeleteChanges removes records with change_id at or above deleteIndex; a nil
// index removes all records for the document.
func (s *Store) DeleteChanges(ctx context.Context, docID string, deleteIndex *int64) error {
	unlock := s.lockDoc(docID)
	defer unlock()

	query := `DELETE FROM doc_changes WHERE id = ?`
	args := []any{docID}
	if deleteIndex != nil {
		query += ` AND change_id >= ?`
		args = append(args, *deleteIndex)
	}
	if s.postgres {
		query = rebind(query)
	}
	if err := s.execWithRetry(ctx, query, args...); err != nil {
		return fmt.Errorf("delete changes for %q: %w", docID, err)
	}
	return nil
}

// HealthCheck verifies database connectivity.
func (s *Store) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("changes health check: %w", err)
	}
	return nil
}

func (s *Store) timeValue(t time.Time) any {
	if s.postgres {
		return t.UTC()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *Store) scanChange(rows *sql.Rows) (Change, error) {
	var change Change
	if s.postgres {
		var date time.Time
		if err := rows.Scan(&change.DocID, &change.ChangeID, &change.UserID, &change.UserIDOriginal, &change.UserName, &change.Data, &date); err != nil {
			return Change{}, err
		}
		change.Date = date
		return change, nil
	}
	var raw string
	if err := rows.Scan(&change.DocID, &change.ChangeID, &change.UserID, &change.UserIDOriginal, &change.UserName, &change.Data, &raw); err != nil {
		return Change{}, err
	}
	if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		change.Date = parsed
	} else if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		change.Date = parsed
	} else {
		return Change{}, errors.New("unrecognized change_date format " + strconv.Quote(raw))
	}
	return change, nil
}

// rebind rewrites ? placeholders into the $1..$n ordinals lib/pq expects.
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
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
