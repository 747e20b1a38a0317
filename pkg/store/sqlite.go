package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteStore implements SessionStore, CheckpointStore, RecordWriter and
// RecordReader on a single SQLite database. All writes run inside
// transactions, which gives the all-or-nothing batch visibility and the
// crash-atomic checkpoint commit the driver relies on.
type SQLiteStore struct {
	db     *sql.DB
	policy MergePolicy
}

var (
	_ CheckpointStore = &SQLiteStore{}
	_ RecordWriter    = &SQLiteStore{}
	_ RecordReader    = &SQLiteStore{}
	_ SessionStore    = &SQLiteStore{}
)

// SQLiteDSN builds a DSN for a database file with the pragmas the store
// needs for concurrent sessions (WAL, busy timeout, enforced FKs).
func SQLiteDSN(path string) string {
	return "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
}

// NewSQLiteStore opens (and migrates) a SQLite-backed store. The merge
// policy decides how WriteBatch treats already-persisted external IDs.
func NewSQLiteStore(dsn string, policy MergePolicy) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}
	if policy == "" {
		policy = MergeSkip
	}
	if !policy.Valid() {
		return nil, errors.Errorf("sqlite store: unknown merge policy %q", policy)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: open")
	}
	s := &SQLiteStore{db: db, policy: policy}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			started_at_ms INTEGER NOT NULL,
			ended_at_ms INTEGER,
			outcome TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			session_id TEXT PRIMARY KEY,
			cursor TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			last_committed_at_ms INTEGER NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		);`,
		`CREATE TABLE IF NOT EXISTS records (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			external_id TEXT NOT NULL UNIQUE,
			parent_id TEXT NOT NULL DEFAULT '',
			payload_json TEXT NOT NULL DEFAULT '{}',
			collected_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS records_by_session ON records(session_id, seq);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite store: migrate")
		}
	}
	return nil
}

// StartSession creates the session row, or reopens an aborted session as
// running with its ended_at cleared.
func (s *SQLiteStore) StartSession(ctx context.Context, sessionID string, startedAt time.Time) error {
	if sessionID == "" {
		return errors.New("sqlite store: empty session id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, started_at_ms, ended_at_ms, outcome)
		VALUES (?, ?, NULL, ?)
		ON CONFLICT(session_id) DO UPDATE SET ended_at_ms = NULL, outcome = ?`,
		sessionID, startedAt.UnixMilli(), OutcomeRunning, OutcomeRunning)
	if err != nil {
		StoreErrors.WithLabelValues("session").Inc()
		return errors.Wrap(err, "sqlite store: start session")
	}
	return nil
}

// FinishSession records the terminal outcome.
func (s *SQLiteStore) FinishSession(ctx context.Context, sessionID string, outcome SessionOutcome, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET outcome = ?, ended_at_ms = ? WHERE session_id = ?`,
		outcome, endedAt.UnixMilli(), sessionID)
	if err != nil {
		StoreErrors.WithLabelValues("session").Inc()
		return errors.Wrap(err, "sqlite store: finish session")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Errorf("sqlite store: finish session: unknown session %q", sessionID)
	}
	return nil
}

// GetSession returns the session row, or nil if it does not exist.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, started_at_ms, ended_at_ms, outcome FROM sessions WHERE session_id = ?`,
		sessionID)

	var (
		sess      Session
		startedMs int64
		endedMs   sql.NullInt64
	)
	switch err := row.Scan(&sess.ID, &startedMs, &endedMs, &sess.Outcome); err {
	case nil:
	case sql.ErrNoRows:
		return nil, nil
	default:
		return nil, errors.Wrap(err, "sqlite store: get session")
	}
	sess.StartedAt = time.UnixMilli(startedMs)
	if endedMs.Valid {
		t := time.UnixMilli(endedMs.Int64)
		sess.EndedAt = &t
	}
	return &sess, nil
}

// Load returns the committed checkpoint for a session, nil if none exists,
// or ErrCheckpointCorrupt when the stored row cannot be interpreted.
func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT cursor, status, last_committed_at_ms FROM checkpoints WHERE session_id = ?`,
		sessionID)

	var (
		cp          Checkpoint
		committedMs int64
	)
	switch err := row.Scan(&cp.Cursor, &cp.Status, &committedMs); err {
	case nil:
	case sql.ErrNoRows:
		return nil, nil
	default:
		StoreErrors.WithLabelValues("checkpoint_load").Inc()
		return nil, errors.Wrap(err, "sqlite store: load checkpoint")
	}

	switch cp.Status {
	case StatusInProgress, StatusComplete, StatusFailed:
	default:
		StoreErrors.WithLabelValues("checkpoint_load").Inc()
		return nil, errors.Wrapf(ErrCheckpointCorrupt,
			"session %q: unknown checkpoint status %q", sessionID, cp.Status)
	}

	cp.LastCommittedAt = time.UnixMilli(committedMs)
	return &cp, nil
}

// Commit atomically replaces the checkpoint for a session. SQLite executes
// the upsert as a single transaction, so readers see the old or the new
// row, never a partial write.
func (s *SQLiteStore) Commit(ctx context.Context, sessionID string, cp Checkpoint) error {
	if cp.LastCommittedAt.IsZero() {
		cp.LastCommittedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, cursor, status, last_committed_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			cursor = excluded.cursor,
			status = excluded.status,
			last_committed_at_ms = excluded.last_committed_at_ms`,
		sessionID, cp.Cursor, cp.Status, cp.LastCommittedAt.UnixMilli())
	if err != nil {
		StoreErrors.WithLabelValues("checkpoint_commit").Inc()
		return errors.Wrap(err, "sqlite store: commit checkpoint")
	}
	CheckpointCommits.Inc()
	return nil
}

// WriteBatch persists a batch of records in a single transaction and
// returns the number of newly inserted records. Duplicates are skipped or
// overwritten per the store's merge policy and never counted as inserted.
func (s *SQLiteStore) WriteBatch(ctx context.Context, sessionID string, recs []Record) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		StoreErrors.WithLabelValues("write_batch").Inc()
		return 0, errors.Wrap(err, "sqlite store: begin batch")
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	for _, rec := range recs {
		if rec.ExternalID == "" {
			return 0, errors.New("sqlite store: record with empty external id")
		}
		payload := rec.Payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		collectedAt := rec.CollectedAt
		if collectedAt.IsZero() {
			collectedAt = time.Now()
		}

		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO records (session_id, external_id, parent_id, payload_json, collected_at_ms)
			VALUES (?, ?, ?, ?, ?)`,
			sessionID, rec.ExternalID, rec.ParentID, string(payload), collectedAt.UnixMilli())
		if err != nil {
			StoreErrors.WithLabelValues("write_batch").Inc()
			return 0, errors.Wrapf(err, "sqlite store: insert record %q", rec.ExternalID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, errors.Wrap(err, "sqlite store: rows affected")
		}
		if n > 0 {
			inserted++
			continue
		}

		// Duplicate external ID.
		RecordsDuplicate.WithLabelValues(string(s.policy)).Inc()
		if s.policy == MergeOverwrite {
			if _, err := tx.ExecContext(ctx, `
				UPDATE records SET parent_id = ?, payload_json = ? WHERE external_id = ?`,
				rec.ParentID, string(payload), rec.ExternalID); err != nil {
				StoreErrors.WithLabelValues("write_batch").Inc()
				return 0, errors.Wrapf(err, "sqlite store: overwrite record %q", rec.ExternalID)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		StoreErrors.WithLabelValues("write_batch").Inc()
		return 0, errors.Wrap(err, "sqlite store: commit batch")
	}
	RecordsInserted.Add(float64(inserted))
	return inserted, nil
}

// RecordsForSession returns a session's records in insertion order. This
// is the query surface the export layer builds on.
func (s *SQLiteStore) RecordsForSession(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT external_id, parent_id, payload_json, collected_at_ms
		FROM records WHERE session_id = ? ORDER BY seq ASC`,
		sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: records for session")
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			rec         Record
			payload     string
			collectedMs int64
		)
		if err := rows.Scan(&rec.ExternalID, &rec.ParentID, &payload, &collectedMs); err != nil {
			return nil, errors.Wrap(err, "sqlite store: scan record")
		}
		rec.Payload = json.RawMessage(payload)
		rec.CollectedAt = time.UnixMilli(collectedMs)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite store: iterate records")
	}
	return out, nil
}

// CountRecords returns the number of records stored for a session.
func (s *SQLiteStore) CountRecords(ctx context.Context, sessionID string) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM records WHERE session_id = ?`, sessionID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, errors.Wrap(err, "sqlite store: count records")
	}
	return n, nil
}
