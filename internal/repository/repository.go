// Package repository defines the audit records of indexing passes and their data access interface.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Run statuses
const (
	RunStatusRunning   = "RUNNING"
	RunStatusCompleted = "COMPLETED"
	RunStatusFailed    = "FAILED"
)

// Document statuses within a run
const (
	DocumentStatusIndexed   = "INDEXED"
	DocumentStatusFailed    = "FAILED"
	DocumentStatusDuplicate = "DUPLICATE"
	DocumentStatusRejected  = "REJECTED"
)

// IndexRun records one indexing pass
type IndexRun struct {
	ID            uuid.UUID
	IndexName     string
	Status        string
	DocumentCount int
	IndexedCount  int
	FailedCount   int
	PageCount     int
	ErrorMessage  string
	StartedAt     time.Time
	CompletedAt   *time.Time
}

// IndexedDocument records the outcome of one uploaded file within a run.
// DocumentID is -1 for uploads that never got an ID (rejected or duplicate).
type IndexedDocument struct {
	RunID        uuid.UUID
	DocumentID   int
	Name         string
	ContentHash  string
	PageCount    int
	Status       string
	ErrorMessage string
}

// IndexRunRepository defines operations for indexing run persistence
type IndexRunRepository interface {
	CreateRun(ctx context.Context, run *IndexRun) error
	CompleteRun(ctx context.Context, run *IndexRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*IndexRun, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*IndexRun, int, error)

	// Document operations
	AddDocuments(ctx context.Context, docs []*IndexedDocument) error
	GetDocuments(ctx context.Context, runID uuid.UUID) ([]*IndexedDocument, error)
}
