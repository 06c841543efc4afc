package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foxseedlab/aiscribe/internal/repository"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var sqliteMigrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS patients (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		age INTEGER NOT NULL,
		gender TEXT NOT NULL,
		number TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_patients_user ON patients (user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		patient_id TEXT REFERENCES patients(id) ON DELETE SET NULL,
		status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'completed', 'failed')),
		summary TEXT NOT NULL DEFAULT '',
		audio_ref TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		owner_token TEXT,
		started_at INTEGER,
		finished_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions (user_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS transcript_segments (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('provisional', 'final')),
		text TEXT NOT NULL,
		offset_ms INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (session_id, seq)
	)`,
}

// SQLiteStore persists sessions in a single SQLite file. Timestamps are
// stored as unix milliseconds.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (and creates when missing) the database at path and
// applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	for _, s := range sqliteMigrationStatements {
		if _, err := db.ExecContext(ctx, strings.TrimSpace(s)); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}
	if err := addSQLiteColumn(ctx, db, "sessions", "patient_id", "TEXT REFERENCES patients(id) ON DELETE SET NULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migration: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// addSQLiteColumn adds a column to databases created before it existed.
func addSQLiteColumn(ctx context.Context, db *sql.DB, table, column, definition string) error {
	var n int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err := db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, definition))
	return err
}

const sqliteSessionColumns = `id, user_id, title, patient_id, status, summary, audio_ref, duration_ms, version, started_at, finished_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row rowScanner) (*repository.Session, error) {
	var (
		s                     repository.Session
		patientID             sql.NullString
		status                string
		durationMs            int64
		startedAt, finishedAt sql.NullInt64
		createdAt, updatedAt  int64
	)
	err := row.Scan(&s.ID, &s.UserID, &s.Title, &patientID, &status, &s.Summary, &s.AudioRef, &durationMs, &s.Version, &startedAt, &finishedAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	s.PatientID = patientID.String
	s.Status = repository.SessionStatus(status)
	s.Duration = fromMillis(durationMs)
	s.StartedAt = timeFromNullMillis(startedAt)
	s.FinishedAt = timeFromNullMillis(finishedAt)
	s.CreatedAt = time.UnixMilli(createdAt)
	s.UpdatedAt = time.UnixMilli(updatedAt)
	return &s, nil
}

func timeFromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func (s *SQLiteStore) Create(ctx context.Context, userID string, input repository.CreateSessionInput) (*repository.Session, error) {
	var sess *repository.Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if input.PatientID != "" {
			var n int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM patients WHERE id = ? AND user_id = ?`,
				input.PatientID, userID).Scan(&n); err != nil {
				return err
			}
			if n == 0 {
				return repository.ErrInvalidPatient
			}
		}
		now := s.now().UnixMilli()
		var err error
		sess, err = scanSQLiteSession(tx.QueryRowContext(ctx,
			`INSERT INTO sessions (id, user_id, title, patient_id, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, 'active', ?, ?)
			 RETURNING `+sqliteSessionColumns,
			uuid.NewString(), userID, input.Title, nullString(input.PatientID), now, now))
		return err
	})
	if err != nil {
		if errors.Is(err, repository.ErrInvalidPatient) {
			return nil, err
		}
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func readSQLiteOwnership(ctx context.Context, tx *sql.Tx, sessionID, userID string) (ownership, error) {
	var (
		o      ownership
		owner  string
		status string
		token  sql.NullString
	)
	err := tx.QueryRowContext(ctx,
		`SELECT user_id, status, version, owner_token FROM sessions WHERE id = ?`,
		sessionID).Scan(&owner, &status, &o.version, &token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return o, repository.ErrNotFound
		}
		return o, err
	}
	if userID != "" && owner != userID {
		return o, repository.ErrNotFound
	}
	o.status = repository.SessionStatus(status)
	o.token = repository.OwnerToken(token.String)
	return o, nil
}

func (s *SQLiteStore) Claim(ctx context.Context, userID, sessionID string) (repository.OwnerToken, error) {
	var token repository.OwnerToken
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		o, err := readSQLiteOwnership(ctx, tx, sessionID, userID)
		if err != nil {
			return err
		}
		if err := o.claimable(); err != nil {
			return err
		}
		token = newOwnerToken()
		_, err = tx.ExecContext(ctx, `UPDATE sessions SET owner_token = ?, updated_at = ? WHERE id = ?`,
			string(token), s.now().UnixMilli(), sessionID)
		return err
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

func (s *SQLiteStore) Checkpoint(ctx context.Context, sessionID string, token repository.OwnerToken, snap repository.Snapshot) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		o, err := readSQLiteOwnership(ctx, tx, sessionID, "")
		if err != nil {
			return err
		}
		apply, err := o.acceptCheckpoint(token, snap)
		if err != nil || !apply {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions
			 SET status = ?, title = ?, summary = ?, audio_ref = ?, duration_ms = ?,
			     version = ?, started_at = ?, finished_at = ?, updated_at = ?
			 WHERE id = ?`,
			string(snap.Status), snap.Title, snap.Summary, snap.AudioRef, toMillis(snap.Duration),
			snap.Version, nullMillis(snap.StartedAt), nullMillis(snap.FinishedAt), s.now().UnixMilli(), sessionID)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}

		first, last := segmentBounds(snap.Segments)
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM transcript_segments WHERE session_id = ? AND (seq < ? OR seq > ?)`,
			sessionID, first, last); err != nil {
			return fmt.Errorf("prune segments: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO transcript_segments (session_id, seq, kind, text, offset_ms)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (session_id, seq) DO UPDATE
			 SET kind = excluded.kind, text = excluded.text, offset_ms = excluded.offset_ms`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, seg := range snap.Segments {
			if _, err := stmt.ExecContext(ctx, sessionID, seg.Sequence, string(seg.Kind), seg.Text, toMillis(seg.Offset)); err != nil {
				return fmt.Errorf("upsert segment %d: %w", seg.Sequence, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) Release(ctx context.Context, sessionID string, token repository.OwnerToken) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET owner_token = NULL, updated_at = ? WHERE id = ? AND owner_token = ?`,
		s.now().UnixMilli(), sessionID, string(token))
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, userID, sessionID string) (*repository.Session, error) {
	sess, err := scanSQLiteSession(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteSessionColumns+` FROM sessions WHERE id = ? AND user_id = ?`,
		sessionID, userID))
	if err != nil {
		return nil, err
	}
	segments, err := s.segmentsBySession(ctx, `WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, err
	}
	sess.Segments = segments[sess.ID]
	return sess, nil
}

func (s *SQLiteStore) segmentsBySession(ctx context.Context, where string, arg any) (map[string][]repository.Segment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, seq, kind, text, offset_ms FROM transcript_segments `+where+` ORDER BY session_id, seq ASC`,
		arg)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()
	out := make(map[string][]repository.Segment)
	for rows.Next() {
		var (
			sessionID string
			seg       repository.Segment
			kind      string
			offsetMs  int64
		)
		if err := rows.Scan(&sessionID, &seg.Sequence, &kind, &seg.Text, &offsetMs); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		seg.Kind = repository.SegmentKind(kind)
		seg.Offset = fromMillis(offsetMs)
		out[sessionID] = append(out[sessionID], seg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) List(ctx context.Context, userID string) ([]repository.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteSessionColumns+` FROM sessions WHERE user_id = ? ORDER BY created_at DESC, id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	var sessions []*repository.Session
	for rows.Next() {
		sess, err := scanSQLiteSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	segments, err := s.segmentsBySession(ctx,
		`WHERE session_id IN (SELECT id FROM sessions WHERE user_id = ?)`, userID)
	if err != nil {
		return nil, err
	}
	list := make([]repository.SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		sess.Segments = segments[sess.ID]
		list = append(list, repository.Summarize(sess))
	}
	return list, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, userID, sessionID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND user_id = ?`, sessionID, userID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return repository.ErrNotFound
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM transcript_segments WHERE session_id = ?`, sessionID)
		return err
	})
}

func (s *SQLiteStore) RecoverOrphans(ctx context.Context) (int, error) {
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET status = 'failed', owner_token = NULL, finished_at = ?, version = version + 1, updated_at = ?
		 WHERE status = 'active' AND owner_token IS NOT NULL`,
		now, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const sqlitePatientColumns = `id, user_id, name, age, gender, number, created_at`

func scanSQLitePatient(row rowScanner) (*repository.Patient, error) {
	var (
		p         repository.Patient
		createdAt int64
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.Age, &p.Gender, &p.Number, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrPatientNotFound
		}
		return nil, err
	}
	p.CreatedAt = time.UnixMilli(createdAt)
	return &p, nil
}

func (s *SQLiteStore) CreatePatient(ctx context.Context, userID string, input repository.CreatePatientInput) (*repository.Patient, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	p, err := scanSQLitePatient(s.db.QueryRowContext(ctx,
		`INSERT INTO patients (id, user_id, name, age, gender, number, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 RETURNING `+sqlitePatientColumns,
		uuid.NewString(), userID, input.Name, input.Age, input.Gender, input.Number, s.now().UnixMilli()))
	if err != nil {
		return nil, fmt.Errorf("insert patient: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) GetPatient(ctx context.Context, userID, patientID string) (*repository.Patient, error) {
	return scanSQLitePatient(s.db.QueryRowContext(ctx,
		`SELECT `+sqlitePatientColumns+` FROM patients WHERE id = ? AND user_id = ?`,
		patientID, userID))
}

func (s *SQLiteStore) ListPatients(ctx context.Context, userID string) ([]repository.Patient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqlitePatientColumns+` FROM patients WHERE user_id = ? ORDER BY created_at, id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("query patients: %w", err)
	}
	defer rows.Close()
	list := make([]repository.Patient, 0)
	for rows.Next() {
		p, err := scanSQLitePatient(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}
	return list, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
