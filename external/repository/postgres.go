package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foxseedlab/aiscribe/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var postgresMigrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS patients (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		age INTEGER NOT NULL,
		gender TEXT NOT NULL,
		number TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_patients_user ON patients (user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'completed', 'failed')),
		summary TEXT NOT NULL DEFAULT '',
		audio_ref TEXT NOT NULL DEFAULT '',
		duration_ms BIGINT NOT NULL DEFAULT 0,
		version BIGINT NOT NULL DEFAULT 0,
		owner_token TEXT,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`ALTER TABLE sessions ADD COLUMN IF NOT EXISTS patient_id UUID REFERENCES patients(id) ON DELETE SET NULL`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions (user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_owned ON sessions (status) WHERE owner_token IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS transcript_segments (
		session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('provisional', 'final')),
		text TEXT NOT NULL,
		offset_ms BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (session_id, seq)
	)`,
}

func RunPostgresMigration(ctx context.Context, pool *pgxpool.Pool) error {
	for _, s := range postgresMigrationStatements {
		stmt := strings.TrimSpace(s)
		if stmt == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresSessionColumns = `id, user_id, title, COALESCE(patient_id::text, ''), status, summary, audio_ref, duration_ms, version, started_at, finished_at, created_at, updated_at`

func scanPostgresSession(row pgx.Row) (*repository.Session, error) {
	var (
		s          repository.Session
		status     string
		durationMs int64
	)
	err := row.Scan(&s.ID, &s.UserID, &s.Title, &s.PatientID, &status, &s.Summary, &s.AudioRef, &durationMs, &s.Version, &s.StartedAt, &s.FinishedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	s.Status = repository.SessionStatus(status)
	s.Duration = fromMillis(durationMs)
	return &s, nil
}

func (r *PostgresStore) Create(ctx context.Context, userID string, input repository.CreateSessionInput) (*repository.Session, error) {
	var patientID *string
	if input.PatientID != "" {
		if _, err := uuid.Parse(input.PatientID); err != nil {
			return nil, repository.ErrInvalidPatient
		}
		patientID = &input.PatientID
	}
	var s *repository.Session
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if patientID != nil {
			var owned bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM patients WHERE id = $1 AND user_id = $2)`,
				*patientID, userID).Scan(&owned); err != nil {
				return err
			}
			if !owned {
				return repository.ErrInvalidPatient
			}
		}
		var err error
		s, err = scanPostgresSession(tx.QueryRow(ctx,
			`INSERT INTO sessions (id, user_id, title, patient_id, status)
			 VALUES ($1, $2, $3, $4, 'active')
			 RETURNING `+postgresSessionColumns,
			uuid.NewString(), userID, input.Title, patientID))
		return err
	})
	if err != nil {
		if errors.Is(err, repository.ErrInvalidPatient) {
			return nil, err
		}
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return s, nil
}

func (r *PostgresStore) Claim(ctx context.Context, userID, sessionID string) (repository.OwnerToken, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return "", repository.ErrNotFound
	}
	var token repository.OwnerToken
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		o, err := lockPostgresOwnership(ctx, tx, sessionID, userID)
		if err != nil {
			return err
		}
		if err := o.claimable(); err != nil {
			return err
		}
		token = newOwnerToken()
		_, err = tx.Exec(ctx, `UPDATE sessions SET owner_token = $2, updated_at = NOW() WHERE id = $1`, sessionID, string(token))
		return err
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// lockPostgresOwnership reads the ownership row under FOR UPDATE. An empty
// userID skips the ownership check.
func lockPostgresOwnership(ctx context.Context, tx pgx.Tx, sessionID, userID string) (ownership, error) {
	var (
		o      ownership
		owner  string
		status string
		token  *string
	)
	err := tx.QueryRow(ctx,
		`SELECT user_id, status, version, owner_token FROM sessions WHERE id = $1 FOR UPDATE`,
		sessionID).Scan(&owner, &status, &o.version, &token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return o, repository.ErrNotFound
		}
		return o, err
	}
	if userID != "" && owner != userID {
		return o, repository.ErrNotFound
	}
	o.status = repository.SessionStatus(status)
	if token != nil {
		o.token = repository.OwnerToken(*token)
	}
	return o, nil
}

func (r *PostgresStore) Checkpoint(ctx context.Context, sessionID string, token repository.OwnerToken, snap repository.Snapshot) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		o, err := lockPostgresOwnership(ctx, tx, sessionID, "")
		if err != nil {
			return err
		}
		apply, err := o.acceptCheckpoint(token, snap)
		if err != nil || !apply {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE sessions
			 SET status = $2, title = $3, summary = $4, audio_ref = $5, duration_ms = $6,
			     version = $7, started_at = $8, finished_at = $9, updated_at = NOW()
			 WHERE id = $1`,
			sessionID, string(snap.Status), snap.Title, snap.Summary, snap.AudioRef, toMillis(snap.Duration),
			snap.Version, snap.StartedAt, snap.FinishedAt)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}

		first, last := segmentBounds(snap.Segments)
		if _, err := tx.Exec(ctx,
			`DELETE FROM transcript_segments WHERE session_id = $1 AND (seq < $2 OR seq > $3)`,
			sessionID, first, last); err != nil {
			return fmt.Errorf("prune segments: %w", err)
		}
		batch := &pgx.Batch{}
		for _, seg := range snap.Segments {
			batch.Queue(
				`INSERT INTO transcript_segments (session_id, seq, kind, text, offset_ms)
				 VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT (session_id, seq) DO UPDATE
				 SET kind = EXCLUDED.kind, text = EXCLUDED.text, offset_ms = EXCLUDED.offset_ms`,
				sessionID, seg.Sequence, string(seg.Kind), seg.Text, toMillis(seg.Offset))
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("upsert segments: %w", err)
		}
		return nil
	})
}

func (r *PostgresStore) Release(ctx context.Context, sessionID string, token repository.OwnerToken) error {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE sessions SET owner_token = NULL, updated_at = NOW() WHERE id = $1 AND owner_token = $2`,
		sessionID, string(token))
	return err
}

func (r *PostgresStore) Get(ctx context.Context, userID, sessionID string) (*repository.Session, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, repository.ErrNotFound
	}
	s, err := scanPostgresSession(r.pool.QueryRow(ctx,
		`SELECT `+postgresSessionColumns+` FROM sessions WHERE id = $1 AND user_id = $2`,
		sessionID, userID))
	if err != nil {
		return nil, err
	}
	segments, err := r.segmentsBySession(ctx, `WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, err
	}
	s.Segments = segments[s.ID]
	return s, nil
}

func (r *PostgresStore) segmentsBySession(ctx context.Context, where string, arg any) (map[string][]repository.Segment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT session_id, seq, kind, text, offset_ms FROM transcript_segments `+where+` ORDER BY session_id, seq ASC`,
		arg)
	if err != nil {
		return nil, err
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
			return nil, err
		}
		seg.Kind = repository.SegmentKind(kind)
		seg.Offset = fromMillis(offsetMs)
		out[sessionID] = append(out[sessionID], seg)
	}
	return out, rows.Err()
}

func (r *PostgresStore) List(ctx context.Context, userID string) ([]repository.SessionSummary, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+postgresSessionColumns+` FROM sessions WHERE user_id = $1 ORDER BY created_at DESC, id`,
		userID)
	if err != nil {
		return nil, err
	}
	var sessions []*repository.Session
	for rows.Next() {
		s, err := scanPostgresSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		sessions = append(sessions, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	segments, err := r.segmentsBySession(ctx,
		`WHERE session_id IN (SELECT id FROM sessions WHERE user_id = $1)`, userID)
	if err != nil {
		return nil, err
	}
	list := make([]repository.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		s.Segments = segments[s.ID]
		list = append(list, repository.Summarize(s))
	}
	return list, nil
}

func (r *PostgresStore) Delete(ctx context.Context, userID, sessionID string) error {
	if _, err := uuid.Parse(sessionID); err != nil {
		return repository.ErrNotFound
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1 AND user_id = $2`, sessionID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *PostgresStore) RecoverOrphans(ctx context.Context) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions
		 SET status = 'failed', owner_token = NULL, finished_at = $1, version = version + 1, updated_at = NOW()
		 WHERE status = 'active' AND owner_token IS NOT NULL`,
		time.Now())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

const postgresPatientColumns = `id, user_id, name, age, gender, number, created_at`

func scanPostgresPatient(row pgx.Row) (*repository.Patient, error) {
	var p repository.Patient
	if err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.Age, &p.Gender, &p.Number, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PostgresStore) CreatePatient(ctx context.Context, userID string, input repository.CreatePatientInput) (*repository.Patient, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	p, err := scanPostgresPatient(r.pool.QueryRow(ctx,
		`INSERT INTO patients (id, user_id, name, age, gender, number)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+postgresPatientColumns,
		uuid.NewString(), userID, input.Name, input.Age, input.Gender, input.Number))
	if err != nil {
		return nil, fmt.Errorf("insert patient: %w", err)
	}
	return p, nil
}

func (r *PostgresStore) GetPatient(ctx context.Context, userID, patientID string) (*repository.Patient, error) {
	if _, err := uuid.Parse(patientID); err != nil {
		return nil, repository.ErrPatientNotFound
	}
	return scanPostgresPatient(r.pool.QueryRow(ctx,
		`SELECT `+postgresPatientColumns+` FROM patients WHERE id = $1 AND user_id = $2`,
		patientID, userID))
}

func (r *PostgresStore) ListPatients(ctx context.Context, userID string) ([]repository.Patient, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+postgresPatientColumns+` FROM patients WHERE user_id = $1 ORDER BY created_at, id`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := make([]repository.Patient, 0)
	for rows.Next() {
		p, err := scanPostgresPatient(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}
	return list, rows.Err()
}

func (r *PostgresStore) Close() error {
	r.pool.Close()
	return nil
}
