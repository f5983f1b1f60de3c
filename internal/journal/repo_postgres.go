package journal

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresRepo persists journal entries.
//
// Schema:
//
//	CREATE TABLE call_journal (
//	    id         TEXT PRIMARY KEY,
//	    call_id    TEXT NOT NULL,
//	    from_id    TEXT NOT NULL,
//	    to_id      TEXT NOT NULL,
//	    transition TEXT NOT NULL,
//	    reason     TEXT NOT NULL DEFAULT '',
//	    created_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX call_journal_call_idx ON call_journal (call_id, created_at);
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Entry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO call_journal (id, call_id, from_id, to_id, transition, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.CallID, e.From, e.To, e.Transition, e.Reason, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}
	return nil
}
