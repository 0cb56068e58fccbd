package rasterizer

import (
	"context"
	"image"
	"path/filepath"
	"strings"
	"sync"
)

// Memo remembers successful renders by path so the page store and the retrieval
// index can share one rendering of each file during an indexing pass.
type Memo struct {
	next Rasterizer

	mu    sync.Mutex
	pages map[string][]image.Image
}

// NewMemo wraps next.
func NewMemo(next Rasterizer) *Memo {
	return &Memo{next: next, pages: make(map[string][]image.Image)}
}

// Rasterize returns the remembered pages for path or renders them. Failures are not
// remembered.
func (m *Memo) Rasterize(ctx context.Context, path string) ([]image.Image, error) {
	key := filepath.Clean(path)

	m.mu.Lock()
	pages, ok := m.pages[key]
	m.mu.Unlock()
	if ok {
		return pages, nil
	}

	pages, err := m.next.Rasterize(ctx, path)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.pages[key] = pages
	m.mu.Unlock()
	return pages, nil
}

// Forget drops every remembered render under dir.
func (m *Memo) Forget(dir string) {
	prefix := filepath.Clean(dir) + string(filepath.Separator)

	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.pages {
		if strings.HasPrefix(key, prefix) {
			delete(m.pages, key)
		}
	}
}

// Len returns the number of remembered files.
func (m *Memo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pages)
}

var _ Rasterizer = (*Memo)(nil)
