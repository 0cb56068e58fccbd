package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/knoguchi/pagerag/internal/document"
	"github.com/knoguchi/pagerag/internal/rasterizer"
	"github.com/knoguchi/pagerag/internal/repository"
	"github.com/knoguchi/pagerag/internal/retrieval"
)

// ErrNoDocuments is returned when none of the uploads can be indexed.
var ErrNoDocuments = errors.New("no indexable documents in upload")

// Upload is one uploaded file.
type Upload struct {
	Name string
	Data []byte
}

// DocumentReport is the outcome for one uploaded file.
type DocumentReport struct {
	DocumentID int    `json:"document_id"`
	Name       string `json:"name"`
	Pages      int    `json:"pages"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// IndexReport summarizes an indexing pass.
type IndexReport struct {
	RunID       string           `json:"run_id"`
	IndexName   string           `json:"index_name"`
	Documents   []DocumentReport `json:"documents"`
	Indexed     int              `json:"indexed"`
	Failed      int              `json:"failed"`
	Skipped     int              `json:"skipped"`
	Pages       int              `json:"pages"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
}

// IndexerConfig configures indexing passes.
type IndexerConfig struct {
	// IndexName is the base name; each pass indexes into "<IndexName>-<run id prefix>".
	IndexName string

	// Concurrency bounds how many documents are rendered at once.
	Concurrency int

	// DropGrace delays dropping the previous index generation after its last
	// pinned query has released it. Zero drops as soon as it is released.
	DropGrace time.Duration
}

// Indexer runs indexing passes: it stages uploads, builds a new index generation and
// page store, and publishes them together.
type Indexer struct {
	index    retrieval.Index
	raster   rasterizer.Rasterizer
	registry *document.Registry
	runs     repository.IndexRunRepository
	cfg      IndexerConfig
	logger   *slog.Logger

	mu   sync.Mutex // one pass at a time
	last *IndexReport
}

// IndexerOption is a functional option for configuring Indexer.
type IndexerOption func(*Indexer)

// WithIndexerLogger sets the indexer logger.
func WithIndexerLogger(logger *slog.Logger) IndexerOption {
	return func(i *Indexer) {
		i.logger = logger
	}
}

// WithRunRepository records every pass in repo.
func WithRunRepository(repo repository.IndexRunRepository) IndexerOption {
	return func(i *Indexer) {
		i.runs = repo
	}
}

// NewIndexer creates an indexer. raster should be the same rasterizer the index
// uses (typically a *rasterizer.Memo) so each file is rendered once per pass.
func NewIndexer(idx retrieval.Index, raster rasterizer.Rasterizer, registry *document.Registry, cfg IndexerConfig, opts ...IndexerOption) *Indexer {
	if cfg.IndexName == "" {
		cfg.IndexName = "pdf_upload_index"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	i := &Indexer{
		index:    idx,
		raster:   raster,
		registry: registry,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// LastReport returns the report of the most recent pass, or nil.
func (i *Indexer) LastReport() *IndexReport {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.last
}

// Runs returns the run repository, or nil when runs are not persisted.
func (i *Indexer) Runs() repository.IndexRunRepository {
	return i.runs
}

type stagedFile struct {
	name string
	hash string
}

// IndexUploads replaces the served document set with uploads. A file that cannot be
// rendered is reported and left out; it never fails the pass. The new store and
// index generation are published together only after both are complete.
func (i *Indexer) IndexUploads(ctx context.Context, uploads []Upload) (*IndexReport, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	runID := uuid.New()
	report := &IndexReport{
		RunID:     runID.String(),
		IndexName: fmt.Sprintf("%s-%s", i.cfg.IndexName, runID.String()[:8]),
		StartedAt: time.Now(),
	}
	logger := i.logger.With("run_id", report.RunID, "index", report.IndexName)

	dir, err := os.MkdirTemp("", "pagerag-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(dir)
	if f, ok := i.raster.(interface{ Forget(dir string) }); ok {
		defer f.Forget(dir)
	}

	staged, rejected, err := stageUploads(dir, uploads)
	if err != nil {
		return nil, err
	}
	if len(staged) == 0 {
		report.Documents = rejected
		report.Skipped = len(rejected)
		return report, ErrNoDocuments
	}

	run := &repository.IndexRun{
		ID:        runID,
		IndexName: report.IndexName,
		Status:    repository.RunStatusRunning,
		StartedAt: report.StartedAt,
	}
	if i.runs != nil {
		if err := i.runs.CreateRun(ctx, run); err != nil {
			logger.Warn("failed to record index run", "error", err)
		}
	}

	// Document IDs follow the sorted file names, the same order the index uses.
	names, err := retrieval.ListPDFs(dir)
	if err != nil {
		return nil, err
	}

	docs, docErrs := i.rasterizeAll(ctx, dir, names)
	if err := ctx.Err(); err != nil {
		i.finishRun(run, report, err)
		return nil, err
	}

	if err := i.index.Index(ctx, dir, report.IndexName, true); err != nil {
		i.finishRun(run, report, err)
		return nil, fmt.Errorf("failed to build index %s: %w", report.IndexName, err)
	}

	hashes := make(map[string]string, len(staged))
	for _, s := range staged {
		hashes[s.name] = s.hash
	}

	var audit []*repository.IndexedDocument
	for id, name := range names {
		dr := DocumentReport{DocumentID: id, Name: name}
		if docErrs[id] != nil {
			dr.Status = repository.DocumentStatusFailed
			dr.Error = docErrs[id].Error()
			report.Failed++
			logger.Warn("failed to render document", "document", name, "document_id", id, "error", docErrs[id])
		} else {
			dr.Status = repository.DocumentStatusIndexed
			dr.Pages = docs[id].PageCount()
			report.Indexed++
			report.Pages += dr.Pages
		}
		report.Documents = append(report.Documents, dr)
		audit = append(audit, &repository.IndexedDocument{
			RunID: runID, DocumentID: id, Name: name, ContentHash: hashes[name],
			PageCount: dr.Pages, Status: dr.Status, ErrorMessage: dr.Error,
		})
	}
	for _, r := range rejected {
		report.Documents = append(report.Documents, r)
		report.Skipped++
		audit = append(audit, &repository.IndexedDocument{
			RunID: runID, DocumentID: -1, Name: r.Name, Status: r.Status, ErrorMessage: r.Error,
		})
	}

	store := document.NewStore(docs...)
	prev := i.registry.Publish(&document.Snapshot{
		RunID:     report.RunID,
		IndexName: report.IndexName,
		Store:     store,
	})
	report.CompletedAt = time.Now()

	logger.Info("published index",
		"documents", store.Len(),
		"pages", store.PageCount(),
		"failed", report.Failed,
		"skipped", report.Skipped,
		"duration_ms", report.CompletedAt.Sub(report.StartedAt).Milliseconds(),
	)

	if prev != nil && prev.IndexName != report.IndexName {
		// Queries still searching the previous generation hold a pin on it.
		i.registry.Retire(prev, func() { i.dropGeneration(prev.IndexName) })
	}

	if i.runs != nil {
		if err := i.runs.AddDocuments(ctx, audit); err != nil {
			logger.Warn("failed to record indexed documents", "error", err)
		}
	}
	i.finishRun(run, report, nil)

	i.last = report
	return report, nil
}

// rasterizeAll renders every document concurrently. docs[id] is nil when errs[id]
// is set.
func (i *Indexer) rasterizeAll(ctx context.Context, dir string, names []string) ([]*document.Document, []error) {
	docs := make([]*document.Document, len(names))
	errs := make([]error, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.cfg.Concurrency)

	for id, name := range names {
		g.Go(func() error {
			var pages []image.Image
			pages, errs[id] = i.raster.Rasterize(gctx, filepath.Join(dir, name))
			if errs[id] == nil {
				docs[id] = document.NewDocument(id, name, pages)
			}
			// Per-document failures must not cancel the other renders.
			return nil
		})
	}
	g.Wait()

	return docs, errs
}

func (i *Indexer) dropGeneration(indexName string) {
	dropper, ok := i.index.(retrieval.Dropper)
	if !ok {
		return
	}

	drop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := dropper.Drop(ctx, indexName); err != nil {
			i.logger.Warn("failed to drop previous index generation", "index", indexName, "error", err)
			return
		}
		i.logger.Info("dropped previous index generation", "index", indexName)
	}

	if i.cfg.DropGrace <= 0 {
		drop()
		return
	}
	time.AfterFunc(i.cfg.DropGrace, drop)
}

func (i *Indexer) finishRun(run *repository.IndexRun, report *IndexReport, runErr error) {
	if i.runs == nil {
		return
	}

	completed := time.Now()
	run.CompletedAt = &completed
	run.DocumentCount = len(report.Documents)
	run.IndexedCount = report.Indexed
	run.FailedCount = report.Failed
	run.PageCount = report.Pages
	run.Status = repository.RunStatusCompleted
	if runErr != nil {
		run.Status = repository.RunStatusFailed
		run.ErrorMessage = runErr.Error()
	}

	// The request context may already be cancelled; the audit row should still land.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := i.runs.CompleteRun(ctx, run); err != nil {
		i.logger.Warn("failed to complete index run", "run_id", run.ID, "error", err)
	}
}

// stageUploads writes acceptable uploads into dir. Non-PDF names and byte-identical
// duplicates are reported instead of staged; a later upload with the name of an
// earlier, different file is reported as a duplicate name.
func stageUploads(dir string, uploads []Upload) ([]stagedFile, []DocumentReport, error) {
	var staged []stagedFile
	var rejected []DocumentReport

	seenHash := make(map[string]string)
	seenName := make(map[string]bool)

	for _, u := range uploads {
		name := filepath.Base(strings.ReplaceAll(u.Name, "\\", "/"))
		reject := func(status, msg string) {
			rejected = append(rejected, DocumentReport{DocumentID: -1, Name: name, Status: status, Error: msg})
		}

		if name == "." || name == "/" || !strings.EqualFold(filepath.Ext(name), ".pdf") {
			reject(repository.DocumentStatusRejected, "not a .pdf file")
			continue
		}
		if len(u.Data) == 0 {
			reject(repository.DocumentStatusRejected, "empty file")
			continue
		}

		sum := sha256.Sum256(u.Data)
		hash := hex.EncodeToString(sum[:])
		if first, ok := seenHash[hash]; ok {
			reject(repository.DocumentStatusDuplicate, "same content as "+first)
			continue
		}
		if seenName[name] {
			reject(repository.DocumentStatusDuplicate, "duplicate file name")
			continue
		}

		if err := os.WriteFile(filepath.Join(dir, name), u.Data, 0o600); err != nil {
			return nil, nil, fmt.Errorf("failed to stage %s: %w", name, err)
		}
		seenHash[hash] = name
		seenName[name] = true
		staged = append(staged, stagedFile{name: name, hash: hash})
	}

	return staged, rejected, nil
}
