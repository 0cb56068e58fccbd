// Package document holds the rendered pages of the PDFs indexed in one indexing pass.
//
// A Store is built once per pass and never mutated afterwards. Readers get it through a
// Registry, which swaps whole snapshots so a query never observes a half-built store.
package document

import (
	"fmt"
	"image"
	"sort"
)

// PageImage is one rendered PDF page. DocumentID and PageNumber (1-based) identify
// where the bitmap came from; downstream stages pass the pointer around and never copy it.
type PageImage struct {
	DocumentID int
	PageNumber int
	Image      image.Image
}

// Ref returns the (document, page) origin of the image.
func (p *PageImage) Ref() PageRef {
	return PageRef{DocumentID: p.DocumentID, PageNumber: p.PageNumber}
}

// PageRef identifies a page without carrying its pixels.
type PageRef struct {
	DocumentID int `json:"document_id"`
	PageNumber int `json:"page_number"`
}

func (r PageRef) String() string {
	return fmt.Sprintf("doc %d page %d", r.DocumentID, r.PageNumber)
}

// Document is an ingested PDF and its pages in page order.
type Document struct {
	ID    int
	Name  string
	Pages []*PageImage
}

// NewDocument builds a Document from rendered pages, numbering them from 1.
func NewDocument(id int, name string, images []image.Image) *Document {
	pages := make([]*PageImage, len(images))
	for i, img := range images {
		pages[i] = &PageImage{
			DocumentID: id,
			PageNumber: i + 1,
			Image:      img,
		}
	}
	return &Document{ID: id, Name: name, Pages: pages}
}

// PageCount returns the number of pages in the document.
func (d *Document) PageCount() int {
	return len(d.Pages)
}

// Store maps document IDs to documents. It is read-only once built.
type Store struct {
	docs map[int]*Document
	ids  []int
}

// NewStore creates a store from the given documents. A later document with an ID
// already present replaces the earlier one.
func NewStore(docs ...*Document) *Store {
	s := &Store{docs: make(map[int]*Document, len(docs))}
	for _, d := range docs {
		if d == nil {
			continue
		}
		if _, exists := s.docs[d.ID]; !exists {
			s.ids = append(s.ids, d.ID)
		}
		s.docs[d.ID] = d
	}
	sort.Ints(s.ids)
	return s
}

// Page resolves a 1-based page of a document. It reports false when the document
// is unknown or the page number is out of range.
func (s *Store) Page(documentID, pageNumber int) (*PageImage, bool) {
	if s == nil {
		return nil, false
	}
	doc, ok := s.docs[documentID]
	if !ok {
		return nil, false
	}
	if pageNumber < 1 || pageNumber > len(doc.Pages) {
		return nil, false
	}
	return doc.Pages[pageNumber-1], true
}

// Document returns a document by ID.
func (s *Store) Document(id int) (*Document, bool) {
	if s == nil {
		return nil, false
	}
	doc, ok := s.docs[id]
	return doc, ok
}

// Documents returns all documents ordered by ID.
func (s *Store) Documents() []*Document {
	if s == nil {
		return nil
	}
	out := make([]*Document, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.docs[id])
	}
	return out
}

// Len returns the number of documents.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ids)
}

// PageCount returns the total number of pages across all documents.
func (s *Store) PageCount() int {
	if s == nil {
		return 0
	}
	total := 0
	for _, d := range s.docs {
		total += len(d.Pages)
	}
	return total
}
