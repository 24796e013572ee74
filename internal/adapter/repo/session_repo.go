package repo

import (
	"context"
	"fmt"

	"gentrack/internal/domain"
	"gentrack/internal/infra"
	"gentrack/internal/session"
	"gentrack/internal/sqlinline"
)

// SessionRepositoryPG archives generation sessions in PostgreSQL.
type SessionRepositoryPG struct {
	db      infra.SQLExecutor
	userKey string
}

// NewSessionRepository creates a repository scoped to one user key.
func NewSessionRepository(db infra.SQLExecutor, userKey string) *SessionRepositoryPG {
	return &SessionRepositoryPG{db: db, userKey: userKey}
}

// Migrate creates the archive tables when missing.
func (r *SessionRepositoryPG) Migrate(ctx context.Context) error {
	for _, q := range []string{sqlinline.QCreateSessionsTable, sqlinline.QCreateSlotsTable} {
		if _, err := r.db.Exec(ctx, q); err != nil {
			return fmt.Errorf("migrate archive: %w", err)
		}
	}
	return nil
}

// Save upserts the session row and every slot row.
func (r *SessionRepositoryPG) Save(ctx context.Context, snap session.Snapshot, outcome string) error {
	_, err := r.db.Exec(ctx, sqlinline.QUpsertSession,
		snap.ID,
		r.userKey,
		snap.Prompt,
		snap.Model,
		snap.ThreadID,
		string(snap.Aggregate.Status),
		snap.Aggregate.Failed,
		outcome,
		snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", snap.ID, err)
	}
	for _, slot := range snap.Slots {
		var ref string
		var size int
		if slot.Payload != nil {
			ref = slot.Payload.Ref
			size = slot.Payload.Size
		}
		if _, err := r.db.Exec(ctx, sqlinline.QUpsertSlot,
			snap.ID,
			slot.Index,
			slot.JobID,
			string(slot.Status),
			ref,
			size,
		); err != nil {
			return fmt.Errorf("save slot %d of %s: %w", slot.Index, snap.ID, err)
		}
	}
	return nil
}

// Recent lists the newest archived sessions first.
func (r *SessionRepositoryPG) Recent(ctx context.Context, limit int) ([]domain.ArchivedSession, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.db.Query(ctx, sqlinline.QListRecentSessions, r.userKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ArchivedSession
	for rows.Next() {
		var s domain.ArchivedSession
		var status string
		if err := rows.Scan(
			&s.ID,
			&s.Prompt,
			&s.Model,
			&s.ThreadID,
			&status,
			&s.Failed,
			&s.Outcome,
			&s.CreatedAt,
			&s.FinishedAt,
		); err != nil {
			return nil, err
		}
		s.Status = domain.SessionStatus(status)
		out = append(out, s)
	}
	return out, rows.Err()
}
