package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/pagerag/internal/repository"
)

// testDB connects to PAGERAG_TEST_DATABASE_URL or skips.
func testDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("PAGERAG_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PAGERAG_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := New(ctx, url)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(db.Close)

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestIndexRunRepo_Lifecycle(t *testing.T) {
	db := testDB(t)
	repo := NewIndexRunRepo(db)
	ctx := context.Background()

	run := &repository.IndexRun{
		ID:        uuid.New(),
		IndexName: "pdf_upload_index-test",
		Status:    repository.RunStatusRunning,
		StartedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := repo.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	t.Cleanup(func() {
		db.Pool.Exec(context.Background(), `DELETE FROM index_runs WHERE id = $1`, run.ID)
	})

	docs := []*repository.IndexedDocument{
		{RunID: run.ID, DocumentID: 0, Name: "a.pdf", PageCount: 3, Status: repository.DocumentStatusIndexed},
		{RunID: run.ID, DocumentID: 1, Name: "b.pdf", Status: repository.DocumentStatusFailed, ErrorMessage: "corrupt"},
	}
	if err := repo.AddDocuments(ctx, docs); err != nil {
		t.Fatalf("AddDocuments: %v", err)
	}

	completed := time.Now().UTC().Truncate(time.Microsecond)
	run.Status = repository.RunStatusCompleted
	run.DocumentCount, run.IndexedCount, run.FailedCount, run.PageCount = 2, 1, 1, 3
	run.CompletedAt = &completed
	if err := repo.CompleteRun(ctx, run); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	got, err := repo.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != repository.RunStatusCompleted || got.PageCount != 3 || got.CompletedAt == nil {
		t.Errorf("unexpected run %+v", got)
	}

	gotDocs, err := repo.GetDocuments(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetDocuments: %v", err)
	}
	if len(gotDocs) != 2 || gotDocs[0].Name != "a.pdf" || gotDocs[1].ErrorMessage != "corrupt" {
		t.Errorf("unexpected documents %+v", gotDocs)
	}

	runs, total, err := repo.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if total < 1 || len(runs) < 1 {
		t.Errorf("expected at least one run, got %d/%d", len(runs), total)
	}
}

func TestIndexRunRepo_NotFound(t *testing.T) {
	repo := NewIndexRunRepo(testDB(t))

	if _, err := repo.GetRun(context.Background(), uuid.New()); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := repo.CompleteRun(context.Background(), &repository.IndexRun{ID: uuid.New()}); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
