// Package sqlite persists patch-failure context to a local SQLite database
// so rejected deltas can be inspected after the fact. Only failure copies
// are written here; live run state never touches disk.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	observestore "github.com/PipeOpsHQ/statesync/observe/store"
)

//go:embed schema.sql
var schemaSQL string

const defaultLimit = 200

type Journal struct {
	db *sql.DB
}

func New(path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite journal path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable wal: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) SaveFailure(ctx context.Context, record observestore.FailureRecord) error {
	if j == nil || j.db == nil {
		return nil
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	const q = `
INSERT INTO patch_failures (
  failure_id, run_id, op_index, op_kind, path, reason, detail, resync_id, document, operations, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err := j.db.ExecContext(
		ctx,
		q,
		record.ID,
		record.RunID,
		record.OpIndex,
		record.OpKind,
		record.Path,
		record.Reason,
		record.Detail,
		record.ResyncID,
		string(record.Document),
		string(record.Operations),
		record.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save patch failure: %w", err)
	}
	return nil
}

func (j *Journal) ListFailuresByRun(ctx context.Context, runID string, query observestore.ListQuery) ([]observestore.FailureRecord, error) {
	if j == nil || j.db == nil {
		return nil, nil
	}
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("runID is required")
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}
	const q = `
SELECT failure_id, run_id, op_index, op_kind, path, reason, detail, resync_id, document, operations, created_at
FROM patch_failures
WHERE run_id = ?
ORDER BY created_at ASC
LIMIT ? OFFSET ?;
`
	rows, err := j.db.QueryContext(ctx, q, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list patch failures: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []observestore.FailureRecord
	for rows.Next() {
		var (
			record     observestore.FailureRecord
			document   string
			operations string
			createdAt  string
		)
		if err := rows.Scan(
			&record.ID,
			&record.RunID,
			&record.OpIndex,
			&record.OpKind,
			&record.Path,
			&record.Reason,
			&record.Detail,
			&record.ResyncID,
			&document,
			&operations,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan patch failure: %w", err)
		}
		if document != "" {
			record.Document = json.RawMessage(document)
		}
		if operations != "" {
			record.Operations = json.RawMessage(operations)
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			record.CreatedAt = ts
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate patch failures: %w", err)
	}
	return records, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}
