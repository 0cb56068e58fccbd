package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/knoguchi/pagerag/internal/repository"
)

// IndexRunRepo implements repository.IndexRunRepository
type IndexRunRepo struct {
	db *DB
}

// NewIndexRunRepo creates a new index run repository
func NewIndexRunRepo(db *DB) *IndexRunRepo {
	return &IndexRunRepo{db: db}
}

const runColumns = `id, index_name, status, document_count, indexed_count, failed_count, page_count, error_message, started_at, completed_at`

// CreateRun inserts a new run
func (r *IndexRunRepo) CreateRun(ctx context.Context, run *repository.IndexRun) error {
	query := `
		INSERT INTO index_runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		run.ID, run.IndexName, run.Status, run.DocumentCount, run.IndexedCount,
		run.FailedCount, run.PageCount, run.ErrorMessage, run.StartedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to create index run: %w", err)
	}
	return nil
}

// CompleteRun stores the final counts and status of a run
func (r *IndexRunRepo) CompleteRun(ctx context.Context, run *repository.IndexRun) error {
	query := `
		UPDATE index_runs
		SET status = $2, document_count = $3, indexed_count = $4, failed_count = $5,
		    page_count = $6, error_message = $7, completed_at = $8
		WHERE id = $1
	`
	result, err := r.db.Pool.Exec(ctx, query,
		run.ID, run.Status, run.DocumentCount, run.IndexedCount, run.FailedCount,
		run.PageCount, run.ErrorMessage, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to complete index run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetRun retrieves a run by ID
func (r *IndexRunRepo) GetRun(ctx context.Context, id uuid.UUID) (*repository.IndexRun, error) {
	query := `SELECT ` + runColumns + ` FROM index_runs WHERE id = $1`

	run, err := scanRun(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get index run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs, newest first, with pagination
func (r *IndexRunRepo) ListRuns(ctx context.Context, limit, offset int) ([]*repository.IndexRun, int, error) {
	var total int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM index_runs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count index runs: %w", err)
	}

	query := `SELECT ` + runColumns + ` FROM index_runs ORDER BY started_at DESC LIMIT $1 OFFSET $2`
	rows, err := r.db.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list index runs: %w", err)
	}
	defer rows.Close()

	var runs []*repository.IndexRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan index run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to list index runs: %w", err)
	}

	return runs, total, nil
}

func scanRun(row pgx.Row) (*repository.IndexRun, error) {
	var run repository.IndexRun
	err := row.Scan(
		&run.ID, &run.IndexName, &run.Status, &run.DocumentCount, &run.IndexedCount,
		&run.FailedCount, &run.PageCount, &run.ErrorMessage, &run.StartedAt, &run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// AddDocuments records per-document outcomes in upload order
func (r *IndexRunRepo) AddDocuments(ctx context.Context, docs []*repository.IndexedDocument) error {
	if len(docs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i, doc := range docs {
		batch.Queue(`
			INSERT INTO indexed_documents (run_id, position, document_id, name, content_hash, page_count, status, error_message)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, doc.RunID, i, doc.DocumentID, doc.Name, doc.ContentHash, doc.PageCount, doc.Status, doc.ErrorMessage)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for range docs {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to record indexed document: %w", err)
		}
	}

	return nil
}

// GetDocuments retrieves the documents of a run in upload order
func (r *IndexRunRepo) GetDocuments(ctx context.Context, runID uuid.UUID) ([]*repository.IndexedDocument, error) {
	query := `
		SELECT run_id, document_id, name, content_hash, page_count, status, error_message
		FROM indexed_documents
		WHERE run_id = $1
		ORDER BY position
	`
	rows, err := r.db.Pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get indexed documents: %w", err)
	}
	defer rows.Close()

	var docs []*repository.IndexedDocument
	for rows.Next() {
		var doc repository.IndexedDocument
		if err := rows.Scan(&doc.RunID, &doc.DocumentID, &doc.Name, &doc.ContentHash,
			&doc.PageCount, &doc.Status, &doc.ErrorMessage); err != nil {
			return nil, fmt.Errorf("failed to scan indexed document: %w", err)
		}
		docs = append(docs, &doc)
	}

	return docs, rows.Err()
}

// Ensure IndexRunRepo implements the interface
var _ repository.IndexRunRepository = (*IndexRunRepo)(nil)
