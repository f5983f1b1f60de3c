package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"voice-signaling/internal/calls"
)

// PostgresRepo reads call records for aggregation from the same table the
// call store writes.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) ListCalls(ctx context.Context, from, to time.Time) ([]calls.Call, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT call_id, from_id, to_id, status, meta, created_at, started_at, ended_at, duration_seconds
		 FROM calls
		 WHERE created_at >= $1 AND created_at < $2
		 ORDER BY created_at`, from, to)
	if err != nil {
		return nil, fmt.Errorf("stats: list calls: %w", err)
	}
	defer rows.Close()

	var out []calls.Call
	for rows.Next() {
		var c calls.Call
		var status string
		var meta sql.NullString
		if err := rows.Scan(&c.CallID, &c.From, &c.To, &status, &meta, &c.CreatedAt, &c.StartedAt, &c.EndedAt, &c.DurationSeconds); err != nil {
			return nil, fmt.Errorf("stats: scan: %w", err)
		}
		c.Status = calls.Status(status)
		if meta.Valid {
			c.Meta = []byte(meta.String)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
