package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// PostgresStore persists calls via database/sql (pgx stdlib driver).
//
// Schema:
//
//	CREATE TABLE calls (
//	    call_id          TEXT PRIMARY KEY,
//	    from_id          TEXT NOT NULL,
//	    to_id            TEXT NOT NULL,
//	    status           TEXT NOT NULL,
//	    meta             JSONB,
//	    created_at       TIMESTAMPTZ NOT NULL,
//	    started_at       TIMESTAMPTZ,
//	    ended_at         TIMESTAMPTZ,
//	    duration_seconds INT NOT NULL DEFAULT 0
//	);
//	CREATE INDEX calls_from_idx ON calls (from_id, created_at DESC);
//	CREATE INDEX calls_to_idx   ON calls (to_id, created_at DESC);
//	-- Strict busy invariant at the store level; constraint violation maps
//	-- to ErrPeerBusy in Create.
//	CREATE UNIQUE INDEX calls_active_from_idx ON calls (from_id)
//	    WHERE status IN ('ringing', 'accepted');
//	CREATE UNIQUE INDEX calls_active_to_idx ON calls (to_id)
//	    WHERE status IN ('ringing', 'accepted');
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const callColumns = "call_id, from_id, to_id, status, meta, created_at, started_at, ended_at, duration_seconds"

func (s *PostgresStore) Create(ctx context.Context, c Call) error {
	if c.CallID == "" || c.From == "" || c.To == "" {
		return ErrInvalidArgument
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (`+callColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.CallID, c.From, c.To, string(c.Status), nullableJSON(c.Meta), c.CreatedAt, c.StartedAt, c.EndedAt, c.DurationSeconds,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPeerBusy
		}
		return fmt.Errorf("calls: create: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, callID string) (Call, error) {
	if callID == "" {
		return Call{}, ErrInvalidArgument
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE call_id = $1`, callID)
	return scanCall(row)
}

func (s *PostgresStore) FindActiveForIdentity(ctx context.Context, id string) ([]Call, error) {
	if id == "" {
		return nil, ErrInvalidArgument
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+callColumns+` FROM calls
		 WHERE (from_id = $1 OR to_id = $1) AND status IN ('ringing', 'accepted')
		 ORDER BY created_at`, id)
	if err != nil {
		return nil, fmt.Errorf("calls: find active: %w", err)
	}
	defer rows.Close()
	return scanCalls(rows)
}

func (s *PostgresStore) Update(ctx context.Context, callID string, p Patch) (Call, error) {
	if callID == "" {
		return Call{}, ErrInvalidArgument
	}

	sets := make([]string, 0, 4)
	args := make([]any, 0, 5)
	idx := 1
	if p.Status != nil {
		sets = append(sets, fmt.Sprintf("status = $%d", idx))
		args = append(args, string(*p.Status))
		idx++
	}
	if p.StartedAt != nil {
		sets = append(sets, fmt.Sprintf("started_at = $%d", idx))
		args = append(args, *p.StartedAt)
		idx++
	}
	if p.EndedAt != nil {
		sets = append(sets, fmt.Sprintf("ended_at = $%d", idx))
		args = append(args, *p.EndedAt)
		idx++
	}
	if p.DurationSeconds != nil {
		sets = append(sets, fmt.Sprintf("duration_seconds = $%d", idx))
		args = append(args, *p.DurationSeconds)
		idx++
	}
	if len(sets) == 0 {
		return s.Get(ctx, callID)
	}
	args = append(args, callID)

	row := s.db.QueryRowContext(ctx,
		`UPDATE calls SET `+strings.Join(sets, ", ")+fmt.Sprintf(` WHERE call_id = $%d RETURNING `, idx)+callColumns,
		args...)
	return scanCall(row)
}

func (s *PostgresStore) ListForIdentity(ctx context.Context, id string, limit int) ([]Call, error) {
	if id == "" {
		return nil, ErrInvalidArgument
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+callColumns+` FROM calls
		 WHERE from_id = $1 OR to_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("calls: list: %w", err)
	}
	defer rows.Close()
	return scanCalls(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (Call, error) {
	var c Call
	var status string
	var meta sql.NullString
	if err := row.Scan(&c.CallID, &c.From, &c.To, &status, &meta, &c.CreatedAt, &c.StartedAt, &c.EndedAt, &c.DurationSeconds); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, fmt.Errorf("calls: scan: %w", err)
	}
	c.Status = Status(status)
	if meta.Valid {
		c.Meta = []byte(meta.String)
	}
	return c, nil
}

func scanCalls(rows *sql.Rows) ([]Call, error) {
	var out []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// isUniqueViolation matches Postgres error code 23505 without importing the
// driver's error type here; the code is stable across pgx versions.
func isUniqueViolation(err error) bool {
	type sqlState interface{ SQLState() string }
	var st sqlState
	return errors.As(err, &st) && st.SQLState() == "23505"
}
