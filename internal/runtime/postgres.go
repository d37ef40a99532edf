package runtime

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	_ "github.com/lib/pq"
)

// identPattern is the allow-list for identifiers composed into statements.
// Everything else travels as a query parameter.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// PostgresStore persists checkpoints in a Postgres table keyed by job id.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// NewPostgresStore creates a store over an open connection. The table name
// is validated against a strict identifier pattern before any statement is
// composed with it.
func NewPostgresStore(db *sql.DB, table string) (*PostgresStore, error) {
	if table == "" {
		table = "checkpoints"
	}
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid checkpoint table name %q", table)
	}
	return &PostgresStore{db: db, table: table}, nil
}

// EnsureSchema creates the checkpoint table when it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			job_id     TEXT PRIMARY KEY,
			state      TEXT NOT NULL,
			payload    JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`, s.table))
	return err
}

// Load returns the stored checkpoint, or nil when absent.
func (s *PostgresStore) Load(ctx context.Context, jobID string) (*Checkpoint, error) {
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE job_id = $1`, s.table)

	var payload []byte
	err := s.db.QueryRowContext(ctx, query, jobID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", jobID, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", jobID, err)
	}
	return &cp, nil
}

// Save upserts the checkpoint atomically.
func (s *PostgresStore) Save(ctx context.Context, cp *Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.JobID, err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (job_id, state, payload, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id)
		DO UPDATE SET state = $2, payload = $3, updated_at = $4`, s.table)

	if _, err := s.db.ExecContext(ctx, query, cp.JobID, string(cp.State), payload, cp.UpdatedAt); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.JobID, err)
	}
	return nil
}

// Delete removes a checkpoint, reporting whether a row existed.
func (s *PostgresStore) Delete(ctx context.Context, jobID string) (bool, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE job_id = $1`, s.table)
	result, err := s.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return false, fmt.Errorf("delete checkpoint %s: %w", jobID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}
