// Package repository persists session audit records.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shaw-s-yu/terminal-server/internal/model"
)

// SessionRepository provides data access for session records.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, client_id, shell, platform, state, pid, exit_code, swaps, created_at, updated_at`

// Upsert inserts the record or replaces the mutable fields of an existing one.
func (r *SessionRepository) Upsert(ctx context.Context, session *model.Session) error {
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			shell = excluded.shell,
			platform = excluded.platform,
			state = excluded.state,
			pid = excluded.pid,
			exit_code = excluded.exit_code,
			swaps = excluded.swaps,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		session.ID,
		session.ClientID,
		session.Shell,
		session.Platform,
		session.State,
		session.PID,
		session.ExitCode,
		session.Swaps,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	return nil
}

// GetByID retrieves a session record by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	session, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// List retrieves session records, newest first. A state filter of ""
// returns every record.
func (r *SessionRepository) List(ctx context.Context, state model.SessionState) ([]*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*model.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// MarkStaleStopped marks every record not yet stopped as stopped. Sessions
// never survive a restart, so such records belong to a previous run.
func (r *SessionRepository) MarkStaleStopped(ctx context.Context) (int64, error) {
	query := `
		UPDATE sessions
		SET state = ?, updated_at = ?
		WHERE state != ?
	`

	result, err := r.db.ExecContext(ctx, query, model.SessionStateStopped, time.Now(), model.SessionStateStopped)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale sessions: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	session := &model.Session{}
	var pid sql.NullInt64
	var exitCode sql.NullInt64

	err := row.Scan(
		&session.ID,
		&session.ClientID,
		&session.Shell,
		&session.Platform,
		&session.State,
		&pid,
		&exitCode,
		&session.Swaps,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if pid.Valid {
		p := int(pid.Int64)
		session.PID = &p
	}

	if exitCode.Valid {
		code := int(exitCode.Int64)
		session.ExitCode = &code
	}

	return session, nil
}
