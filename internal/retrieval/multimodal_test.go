package retrieval

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/knoguchi/pagerag/internal/embedder"
	"github.com/knoguchi/pagerag/internal/vectorstore"
)

type fakeRasterizer struct {
	pages map[string]int
	fail  map[string]bool
}

func (f *fakeRasterizer) Rasterize(_ context.Context, path string) ([]image.Image, error) {
	name := filepath.Base(path)
	if f.fail[name] {
		return nil, errors.New("corrupt pdf")
	}
	out := make([]image.Image, f.pages[name])
	for i := range out {
		out[i] = image.NewRGBA(image.Rect(0, 0, 2, 2))
	}
	return out, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) EmbedImages(_ context.Context, images [][]byte) ([]embedder.MultiVector, error) {
	out := make([]embedder.MultiVector, len(images))
	for i := range out {
		out[i] = embedder.MultiVector{{1, 0}}
	}
	return out, nil
}

func (fakeEmbedder) EmbedQuery(context.Context, string) (embedder.MultiVector, error) {
	return embedder.MultiVector{{1, 0}}, nil
}

func (fakeEmbedder) Dimension() int    { return 2 }
func (fakeEmbedder) ModelName() string { return "fake" }

// fakePageStore keeps points per collection and scores them by insertion order.
type fakePageStore struct {
	collections map[string][]vectorstore.PagePoint
	deleted     []string
}

func newFakePageStore() *fakePageStore {
	return &fakePageStore{collections: make(map[string][]vectorstore.PagePoint)}
}

func (s *fakePageStore) CreateCollection(_ context.Context, name string, _ int) error {
	s.collections[name] = nil
	return nil
}

func (s *fakePageStore) DeleteCollection(_ context.Context, name string) error {
	delete(s.collections, name)
	s.deleted = append(s.deleted, name)
	return nil
}

func (s *fakePageStore) CollectionExists(_ context.Context, name string) (bool, error) {
	_, ok := s.collections[name]
	return ok, nil
}

func (s *fakePageStore) Upsert(_ context.Context, name string, points []vectorstore.PagePoint) error {
	s.collections[name] = append(s.collections[name], points...)
	return nil
}

func (s *fakePageStore) Search(_ context.Context, name string, _ [][]float32, limit int) ([]vectorstore.PageHit, error) {
	var hits []vectorstore.PageHit
	for i, p := range s.collections[name] {
		hits = append(hits, vectorstore.PageHit{
			DocumentID: p.DocumentID,
			PageNumber: p.PageNumber,
			Score:      float32(100 - i),
		})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func writeSourceDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("%PDF-1.4"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestListPDFs_SortedAndFiltered(t *testing.T) {
	dir := writeSourceDir(t, "zeta.pdf", "alpha.PDF", "notes.txt", "beta.pdf")

	names, err := ListPDFs(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"alpha.PDF", "beta.pdf", "zeta.pdf"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], names[i])
		}
	}
}

func TestMultimodalIndex_AssignsIDsBySortOrder(t *testing.T) {
	dir := writeSourceDir(t, "b.pdf", "a.pdf")
	store := newFakePageStore()
	idx := NewMultimodalIndex(
		&fakeRasterizer{pages: map[string]int{"a.pdf": 3, "b.pdf": 2}},
		fakeEmbedder{}, store, WithLogger(quietLogger()),
	)

	if err := idx.Index(context.Background(), dir, "idx", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	points := store.collections["idx"]
	if len(points) != 5 {
		t.Fatalf("expected 5 points, got %d", len(points))
	}
	for _, p := range points {
		wantID := 0
		if p.DocumentName == "b.pdf" {
			wantID = 1
		}
		if p.DocumentID != wantID {
			t.Errorf("%s page %d has document id %d, expected %d", p.DocumentName, p.PageNumber, p.DocumentID, wantID)
		}
	}
}

func TestMultimodalIndex_SkipsFailingDocument(t *testing.T) {
	dir := writeSourceDir(t, "a.pdf", "b.pdf", "c.pdf")
	store := newFakePageStore()
	idx := NewMultimodalIndex(
		&fakeRasterizer{
			pages: map[string]int{"a.pdf": 1, "c.pdf": 2},
			fail:  map[string]bool{"b.pdf": true},
		},
		fakeEmbedder{}, store, WithLogger(quietLogger()),
	)

	if err := idx.Index(context.Background(), dir, "idx", true); err != nil {
		t.Fatalf("a single bad document must not fail the pass: %v", err)
	}

	points := store.collections["idx"]
	if len(points) != 3 {
		t.Fatalf("expected 3 points, got %d", len(points))
	}
	for _, p := range points {
		if p.DocumentName == "c.pdf" && p.DocumentID != 2 {
			t.Errorf("c.pdf must keep id 2 even though b.pdf failed, got %d", p.DocumentID)
		}
	}
}

func TestMultimodalIndex_Overwrite(t *testing.T) {
	dir := writeSourceDir(t, "a.pdf")
	store := newFakePageStore()
	store.collections["idx"] = []vectorstore.PagePoint{{DocumentID: 7, PageNumber: 1}}
	idx := NewMultimodalIndex(&fakeRasterizer{pages: map[string]int{"a.pdf": 1}}, fakeEmbedder{}, store, WithLogger(quietLogger()))

	err := idx.Index(context.Background(), dir, "idx", false)
	if !errors.Is(err, ErrIndexExists) {
		t.Fatalf("expected ErrIndexExists, got %v", err)
	}

	if err := idx.Index(context.Background(), dir, "idx", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if points := store.collections["idx"]; len(points) != 1 || points[0].DocumentID != 0 {
		t.Errorf("expected old points replaced, got %+v", points)
	}
}

func TestMultimodalIndex_Search(t *testing.T) {
	dir := writeSourceDir(t, "a.pdf", "b.pdf")
	store := newFakePageStore()
	idx := NewMultimodalIndex(&fakeRasterizer{pages: map[string]int{"a.pdf": 2, "b.pdf": 2}}, fakeEmbedder{}, store, WithLogger(quietLogger()))
	if err := idx.Index(context.Background(), dir, "idx", true); err != nil {
		t.Fatal(err)
	}

	hits, err := idx.Search(context.Background(), "question", 3, "idx")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("expected 3 hits, got %d", len(hits))
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Score > hits[i-1].Score {
			t.Error("expected hits in descending score order")
		}
	}

	hits, err = idx.Search(context.Background(), "question", 0, "idx")
	if err != nil || hits != nil {
		t.Errorf("expected no hits for k=0, got %v, %v", hits, err)
	}
}

func TestMultimodalIndex_Drop(t *testing.T) {
	store := newFakePageStore()
	store.collections["old"] = nil
	idx := NewMultimodalIndex(&fakeRasterizer{}, fakeEmbedder{}, store)

	if err := idx.Drop(context.Background(), "old"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.collections["old"]; ok {
		t.Error("expected collection to be deleted")
	}
}
