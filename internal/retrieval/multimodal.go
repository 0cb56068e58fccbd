package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/knoguchi/pagerag/internal/document"
	"github.com/knoguchi/pagerag/internal/embedder"
	"github.com/knoguchi/pagerag/internal/rasterizer"
	"github.com/knoguchi/pagerag/internal/vectorstore"
)

// ErrIndexExists is returned by Index when overwrite is false and the index exists.
var ErrIndexExists = errors.New("index already exists")

// MultimodalIndex indexes PDF pages as images: each page is rendered, embedded by a
// late-interaction model and stored as a multi-vector point.
type MultimodalIndex struct {
	raster   rasterizer.Rasterizer
	embedder embedder.PageEmbedder
	store    vectorstore.PageStore
	logger   *slog.Logger
}

// MultimodalOption is a functional option for configuring MultimodalIndex.
type MultimodalOption func(*MultimodalIndex)

// WithLogger sets the logger used for per-document indexing failures.
func WithLogger(logger *slog.Logger) MultimodalOption {
	return func(m *MultimodalIndex) {
		m.logger = logger
	}
}

// NewMultimodalIndex creates a page index over the given rasterizer, embedder and store.
func NewMultimodalIndex(r rasterizer.Rasterizer, e embedder.PageEmbedder, s vectorstore.PageStore, opts ...MultimodalOption) *MultimodalIndex {
	m := &MultimodalIndex{
		raster:   r,
		embedder: e,
		store:    s,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Index renders and embeds every PDF in sourcePath into indexName. A document that
// fails to render or embed is logged and skipped; the rest of the pass continues.
func (m *MultimodalIndex) Index(ctx context.Context, sourcePath, indexName string, overwrite bool) error {
	names, err := ListPDFs(sourcePath)
	if err != nil {
		return err
	}

	exists, err := m.store.CollectionExists(ctx, indexName)
	if err != nil {
		return err
	}
	if exists {
		if !overwrite {
			return fmt.Errorf("%w: %s", ErrIndexExists, indexName)
		}
		if err := m.store.DeleteCollection(ctx, indexName); err != nil {
			return err
		}
	}

	if err := m.store.CreateCollection(ctx, indexName, m.embedder.Dimension()); err != nil {
		return err
	}

	indexed := 0
	for docID, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}

		pages, err := m.indexDocument(ctx, indexName, docID, name, filepath.Join(sourcePath, name))
		if err != nil {
			m.logger.Warn("skipping document in index",
				"index", indexName,
				"document", name,
				"document_id", docID,
				"error", err,
			)
			continue
		}
		indexed++
		m.logger.Debug("indexed document", "index", indexName, "document", name, "pages", pages)
	}

	m.logger.Info("index built",
		"index", indexName,
		"documents", len(names),
		"indexed", indexed,
		"model", m.embedder.ModelName(),
	)
	return nil
}

func (m *MultimodalIndex) indexDocument(ctx context.Context, indexName string, docID int, name, path string) (int, error) {
	images, err := m.raster.Rasterize(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("rasterize: %w", err)
	}

	encoded := make([][]byte, len(images))
	for i, img := range images {
		if encoded[i], err = document.EncodePNG(img); err != nil {
			return 0, fmt.Errorf("page %d: %w", i+1, err)
		}
	}

	vectors, err := m.embedder.EmbedImages(ctx, encoded)
	if err != nil {
		return 0, fmt.Errorf("embed: %w", err)
	}

	points := make([]vectorstore.PagePoint, len(vectors))
	for i, v := range vectors {
		points[i] = vectorstore.PagePoint{
			DocumentID:   docID,
			PageNumber:   i + 1,
			DocumentName: name,
			Vectors:      v,
		}
	}

	if err := m.store.Upsert(ctx, indexName, points); err != nil {
		return 0, fmt.Errorf("upsert: %w", err)
	}
	return len(points), nil
}

// Search embeds the query and returns up to k pages, best first.
func (m *MultimodalIndex) Search(ctx context.Context, query string, k int, indexName string) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	vectors, err := m.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	pageHits, err := m.store.Search(ctx, indexName, vectors, k)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, len(pageHits))
	for i, ph := range pageHits {
		hits[i] = Hit{
			DocumentID: ph.DocumentID,
			PageNumber: ph.PageNumber,
			Score:      ph.Score,
		}
	}
	return hits, nil
}

// Drop deletes an index generation.
func (m *MultimodalIndex) Drop(ctx context.Context, indexName string) error {
	return m.store.DeleteCollection(ctx, indexName)
}

// ListPDFs returns the names of the PDF files directly inside dir, sorted. The
// position of a name in the result is its document ID.
func ListPDFs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read source directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".pdf") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Ensure MultimodalIndex implements Index and Dropper.
var (
	_ Index   = (*MultimodalIndex)(nil)
	_ Dropper = (*MultimodalIndex)(nil)
)
