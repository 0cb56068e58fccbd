package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/pagerag/internal/document"
	"github.com/knoguchi/pagerag/internal/generator"
	"github.com/knoguchi/pagerag/internal/prompt"
	"github.com/knoguchi/pagerag/internal/rasterizer"
	"github.com/knoguchi/pagerag/internal/repository"
	"github.com/knoguchi/pagerag/internal/reranker"
	"github.com/knoguchi/pagerag/internal/retrieval"
)

// contentRasterizer reads "pages=N" from the staged file; anything else fails.
type contentRasterizer struct {
	mu    sync.Mutex
	calls int
}

func (c *contentRasterizer) Rasterize(_ context.Context, path string) ([]image.Image, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(strings.TrimPrefix(string(data), "pages="))
	if err != nil {
		return nil, fmt.Errorf("corrupt pdf %s", filepath.Base(path))
	}
	return pageImages(n), nil
}

type fakeRunRepo struct {
	created   []*repository.IndexRun
	completed []*repository.IndexRun
	docs      []*repository.IndexedDocument
}

func (r *fakeRunRepo) CreateRun(_ context.Context, run *repository.IndexRun) error {
	r.created = append(r.created, run)
	return nil
}

func (r *fakeRunRepo) CompleteRun(_ context.Context, run *repository.IndexRun) error {
	r.completed = append(r.completed, run)
	return nil
}

func (r *fakeRunRepo) GetRun(context.Context, uuid.UUID) (*repository.IndexRun, error) {
	return nil, repository.ErrNotFound
}

func (r *fakeRunRepo) ListRuns(context.Context, int, int) ([]*repository.IndexRun, int, error) {
	return r.completed, len(r.completed), nil
}

func (r *fakeRunRepo) AddDocuments(_ context.Context, docs []*repository.IndexedDocument) error {
	r.docs = append(r.docs, docs...)
	return nil
}

func (r *fakeRunRepo) GetDocuments(context.Context, uuid.UUID) ([]*repository.IndexedDocument, error) {
	return r.docs, nil
}

func newTestIndexer(idx *fakeIndex, raster rasterizer.Rasterizer, reg *document.Registry, opts ...IndexerOption) *Indexer {
	opts = append([]IndexerOption{WithIndexerLogger(quietLogger())}, opts...)
	return NewIndexer(idx, raster, reg, IndexerConfig{IndexName: "pdf_upload_index", Concurrency: 2}, opts...)
}

func TestIndexer_PublishesStoreAndIndexTogether(t *testing.T) {
	idx := &fakeIndex{}
	reg := document.NewRegistry()
	ix := newTestIndexer(idx, &contentRasterizer{}, reg)

	report, err := ix.IndexUploads(context.Background(), []Upload{
		{Name: "zeta.pdf", Data: []byte("pages=2")},
		{Name: "alpha.pdf", Data: []byte("pages=3")},
		{Name: "broken.pdf", Data: []byte("garbage")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasPrefix(report.IndexName, "pdf_upload_index-") || len(idx.indexed) != 1 || idx.indexed[0] != report.IndexName {
		t.Errorf("expected a new index generation, got report %s and indexed %v", report.IndexName, idx.indexed)
	}
	if report.Indexed != 2 || report.Failed != 1 || report.Pages != 5 {
		t.Errorf("unexpected counts %+v", report)
	}

	snap := reg.Current()
	if snap == nil || snap.IndexName != report.IndexName || snap.RunID != report.RunID {
		t.Fatalf("expected snapshot for the new generation, got %+v", snap)
	}

	// IDs follow sorted names: alpha=0, broken=1, zeta=2.
	alpha, ok := snap.Store.Document(0)
	if !ok || alpha.Name != "alpha.pdf" || alpha.PageCount() != 3 {
		t.Errorf("unexpected document 0: %+v", alpha)
	}
	if _, ok := snap.Store.Document(1); ok {
		t.Error("expected the broken document to be left out of the store")
	}
	zeta, ok := snap.Store.Document(2)
	if !ok || zeta.Name != "zeta.pdf" || zeta.PageCount() != 2 {
		t.Errorf("unexpected document 2: %+v", zeta)
	}

	if report.Documents[1].Status != repository.DocumentStatusFailed || report.Documents[1].Error == "" {
		t.Errorf("expected broken.pdf reported as failed, got %+v", report.Documents[1])
	}
	if ix.LastReport() != report {
		t.Error("expected LastReport to return the latest report")
	}
}

func TestIndexer_RejectsAndDeduplicates(t *testing.T) {
	ix := newTestIndexer(&fakeIndex{}, &contentRasterizer{}, document.NewRegistry())

	report, err := ix.IndexUploads(context.Background(), []Upload{
		{Name: "../../etc/a.pdf", Data: []byte("pages=1")},
		{Name: "copy.pdf", Data: []byte("pages=1")},
		{Name: "notes.txt", Data: []byte("pages=1")},
		{Name: "empty.pdf"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Indexed != 1 || report.Skipped != 3 {
		t.Errorf("expected 1 indexed and 3 skipped, got %+v", report)
	}
	if report.Documents[0].Name != "a.pdf" {
		t.Errorf("expected the name reduced to its base, got %s", report.Documents[0].Name)
	}
	statuses := map[string]string{}
	for _, d := range report.Documents {
		statuses[d.Name] = d.Status
	}
	if statuses["copy.pdf"] != repository.DocumentStatusDuplicate {
		t.Errorf("expected copy.pdf to be a duplicate, got %s", statuses["copy.pdf"])
	}
	if statuses["notes.txt"] != repository.DocumentStatusRejected || statuses["empty.pdf"] != repository.DocumentStatusRejected {
		t.Errorf("unexpected statuses %v", statuses)
	}
}

func TestIndexer_NothingToIndex(t *testing.T) {
	idx := &fakeIndex{}
	reg := document.NewRegistry()
	ix := newTestIndexer(idx, &contentRasterizer{}, reg)

	report, err := ix.IndexUploads(context.Background(), []Upload{{Name: "a.docx", Data: []byte("x")}})
	if !errors.Is(err, ErrNoDocuments) {
		t.Fatalf("expected ErrNoDocuments, got %v", err)
	}
	if report == nil || report.Skipped != 1 {
		t.Errorf("expected a report of the rejected upload, got %+v", report)
	}
	if reg.Current() != nil || len(idx.indexed) != 0 {
		t.Error("expected nothing to be indexed or published")
	}
}

func TestIndexer_IndexFailureKeepsPreviousSnapshot(t *testing.T) {
	reg := twoDocSnapshot()
	prev := reg.Current()
	repo := &fakeRunRepo{}
	idx := &fakeIndex{indexErr: errors.New("collection create failed")}
	ix := newTestIndexer(idx, &contentRasterizer{}, reg, WithRunRepository(repo))

	if _, err := ix.IndexUploads(context.Background(), []Upload{{Name: "a.pdf", Data: []byte("pages=1")}}); err == nil {
		t.Fatal("expected an error")
	}
	if reg.Current() != prev {
		t.Error("expected the previous snapshot to stay published")
	}
	if len(repo.completed) != 1 || repo.completed[0].Status != repository.RunStatusFailed {
		t.Errorf("expected the run to be recorded as failed, got %+v", repo.completed)
	}
}

func TestIndexer_DropsPreviousGeneration(t *testing.T) {
	idx := &fakeIndex{}
	reg := document.NewRegistry()
	ix := newTestIndexer(idx, &contentRasterizer{}, reg)

	first, err := ix.IndexUploads(context.Background(), []Upload{{Name: "a.pdf", Data: []byte("pages=1")}})
	if err != nil {
		t.Fatal(err)
	}
	second, err := ix.IndexUploads(context.Background(), []Upload{{Name: "b.pdf", Data: []byte("pages=1")}})
	if err != nil {
		t.Fatal(err)
	}

	if first.IndexName == second.IndexName {
		t.Fatal("expected distinct index generations")
	}
	if len(idx.dropped) != 1 || idx.dropped[0] != first.IndexName {
		t.Errorf("expected the first generation to be dropped, got %v", idx.dropped)
	}
	if reg.Current().IndexName != second.IndexName {
		t.Error("expected the second generation to be published")
	}
}

// generationIndex keeps one collection per index generation; searching a dropped
// generation fails. Search blocks on gate when it is set.
type generationIndex struct {
	mu      sync.Mutex
	live    map[string]bool
	entered chan struct{}
	gate    chan struct{}
	dropped chan string
}

func newGenerationIndex() *generationIndex {
	return &generationIndex{live: make(map[string]bool), dropped: make(chan string, 4)}
}

func (g *generationIndex) Index(_ context.Context, _, indexName string, _ bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.live[indexName] = true
	return nil
}

func (g *generationIndex) Search(_ context.Context, _ string, _ int, indexName string) ([]retrieval.Hit, error) {
	if g.gate != nil {
		close(g.entered)
		<-g.gate
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.live[indexName] {
		return nil, fmt.Errorf("collection %s not found", indexName)
	}
	return []retrieval.Hit{{DocumentID: 0, PageNumber: 1}}, nil
}

func (g *generationIndex) Drop(_ context.Context, indexName string) error {
	g.mu.Lock()
	delete(g.live, indexName)
	g.mu.Unlock()
	g.dropped <- indexName
	return nil
}

func TestIndexer_KeepsGenerationUntilPinnedQueryFinishes(t *testing.T) {
	idx := newGenerationIndex()
	reg := document.NewRegistry()
	ix := NewIndexer(idx, &contentRasterizer{}, reg, IndexerConfig{IndexName: "pdf_upload_index"}, WithIndexerLogger(quietLogger()))

	first, err := ix.IndexUploads(context.Background(), []Upload{{Name: "a.pdf", Data: []byte("pages=2")}})
	if err != nil {
		t.Fatal(err)
	}

	session := &Session{
		Index:     idx,
		Registry:  reg,
		Reranker:  reranker.New(nil),
		Assembler: prompt.NewAssembler(),
		Generator: generator.New(&fakeModel{}),
	}
	p := NewPipeline(session, PipelineConfig{DefaultTopK: 1, MaxTopK: 5, CandidateMultiplier: 1, MaxNewTokens: 10}, WithLogger(quietLogger()))

	idx.entered = make(chan struct{})
	idx.gate = make(chan struct{})

	type result struct {
		ans *Answer
		err error
	}
	done := make(chan result, 1)
	go func() {
		ans, err := p.Answer(context.Background(), "what is on page one?", AnswerOptions{TopK: 1})
		done <- result{ans, err}
	}()
	<-idx.entered

	second, err := ix.IndexUploads(context.Background(), []Upload{{Name: "b.pdf", Data: []byte("pages=1")}})
	if err != nil {
		t.Fatal(err)
	}
	if reg.Current().IndexName != second.IndexName {
		t.Fatal("expected the second generation to be published while the query runs")
	}
	select {
	case name := <-idx.dropped:
		t.Fatalf("dropped %s while a query was searching it", name)
	default:
	}

	close(idx.gate)
	res := <-done
	if res.err != nil {
		t.Fatalf("in-flight query failed: %v", res.err)
	}
	if res.ans.IndexName != first.IndexName || res.ans.Text != "The answer is 42." {
		t.Errorf("expected an answer from the first generation, got %+v", res.ans)
	}

	select {
	case name := <-idx.dropped:
		if name != first.IndexName {
			t.Errorf("expected %s to be dropped, got %s", first.IndexName, name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected the first generation to be dropped after the query released it")
	}
}

func TestIndexer_RendersOncePerFileWithMemo(t *testing.T) {
	raw := &contentRasterizer{}
	memo := rasterizer.NewMemo(raw)

	idx := &fakeIndex{}
	idx.indexHook = func(dir string) {
		names, _ := os.ReadDir(dir)
		for _, n := range names {
			memo.Rasterize(context.Background(), filepath.Join(dir, n.Name()))
		}
	}
	ix := newTestIndexer(idx, memo, document.NewRegistry())

	if _, err := ix.IndexUploads(context.Background(), []Upload{
		{Name: "a.pdf", Data: []byte("pages=1")},
		{Name: "b.pdf", Data: []byte("pages=2")},
	}); err != nil {
		t.Fatal(err)
	}

	if raw.calls != 2 {
		t.Errorf("expected each file rendered once, got %d renders", raw.calls)
	}
	if memo.Len() != 0 {
		t.Errorf("expected the pass to forget its renders, got %d", memo.Len())
	}
}

func TestIndexer_RecordsRun(t *testing.T) {
	repo := &fakeRunRepo{}
	ix := newTestIndexer(&fakeIndex{}, &contentRasterizer{}, document.NewRegistry(), WithRunRepository(repo))

	report, err := ix.IndexUploads(context.Background(), []Upload{
		{Name: "a.pdf", Data: []byte("pages=2")},
		{Name: "b.txt", Data: []byte("x")},
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(repo.created) != 1 || repo.created[0].ID.String() != report.RunID {
		t.Errorf("expected the run to be created, got %+v", repo.created)
	}
	if len(repo.completed) != 1 || repo.completed[0].Status != repository.RunStatusCompleted || repo.completed[0].PageCount != 2 {
		t.Errorf("unexpected completed run %+v", repo.completed)
	}
	if len(repo.docs) != 2 || repo.docs[0].ContentHash == "" || repo.docs[1].DocumentID != -1 {
		t.Errorf("unexpected recorded documents %+v", repo.docs)
	}
}
