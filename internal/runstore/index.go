package runstore

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/openpersona/agent-runner/internal/domain"
	_ "modernc.org/sqlite"
)

const indexSchema = `
CREATE TABLE IF NOT EXISTS runs (
    run_id      TEXT PRIMARY KEY,
    created_at  TEXT NOT NULL,
    task        TEXT NOT NULL,
    personas    TEXT NOT NULL,
    parallelism INTEGER NOT NULL,
    status      TEXT NOT NULL,
    reason      TEXT NOT NULL DEFAULT '',
    sealed_at   TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`

// Index is a sqlite cache over the run directories. It never holds data
// the directories lack and can be rebuilt from them at any time.
type Index struct {
	db *sql.DB
}

// OpenIndex opens or creates the index database at dbPath.
func OpenIndex(dbPath string) (*Index, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running index migrations: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the database connection.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Upsert inserts or updates the row for a run.
func (ix *Index) Upsert(run *domain.Run) error {
	var sealed any
	if run.SealedAt != nil {
		sealed = run.SealedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := ix.db.Exec(`
		INSERT INTO runs (run_id, created_at, task, personas, parallelism, status, reason, sealed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			sealed_at = excluded.sealed_at
	`,
		run.ID,
		run.CreatedAt.UTC().Format(time.RFC3339Nano),
		run.Task.Name,
		strings.Join(run.Personas, ","),
		run.Parallelism,
		string(run.Status),
		run.Reason,
		sealed,
	)
	return err
}

// List returns all indexed runs, newest first.
func (ix *Index) List() ([]*domain.Run, error) {
	rows, err := ix.db.Query(`
		SELECT run_id, created_at, task, personas, parallelism, status, reason, sealed_at
		FROM runs ORDER BY run_id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		var (
			run       domain.Run
			createdAt string
			personas  string
			sealedAt  sql.NullString
		)
		if err := rows.Scan(&run.ID, &createdAt, &run.Task.Name, &personas, &run.Parallelism, &run.Status, &run.Reason, &sealedAt); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			run.CreatedAt = t
		}
		if personas != "" {
			run.Personas = strings.Split(personas, ",")
		}
		if sealedAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, sealedAt.String); err == nil {
				run.SealedAt = &t
			}
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// Delete removes a run from the index.
func (ix *Index) Delete(runID string) error {
	_, err := ix.db.Exec(`DELETE FROM runs WHERE run_id = ?`, runID)
	return err
}

// Rebuild replaces the index contents with the given runs in one
// transaction.
func (ix *Index) Rebuild(runs []*domain.Run) error {
	tx, err := ix.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM runs`); err != nil {
		return err
	}
	for _, run := range runs {
		var sealed any
		if run.SealedAt != nil {
			sealed = run.SealedAt.UTC().Format(time.RFC3339Nano)
		}
		if _, err := tx.Exec(`
			INSERT INTO runs (run_id, created_at, task, personas, parallelism, status, reason, sealed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			run.ID,
			run.CreatedAt.UTC().Format(time.RFC3339Nano),
			run.Task.Name,
			strings.Join(run.Personas, ","),
			run.Parallelism,
			string(run.Status),
			run.Reason,
			sealed,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}
