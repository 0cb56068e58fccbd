package retrieval

import "github.com/knoguchi/pagerag/internal/document"

// GroupResult is the outcome of mapping hits onto page images.
type GroupResult struct {
	// Pages are the resolved images in hit order.
	Pages []*document.PageImage

	// Dropped lists hits that did not resolve to a page in the store.
	Dropped []Hit
}

// Group resolves each hit to store[DocumentID][PageNumber-1], keeping hit order.
// Hits naming an unknown document or a page past the end of the document are
// dropped and reported, not treated as errors: a stale or partially built index
// should still yield an answer from the pages that do resolve.
func Group(hits []Hit, store *document.Store) GroupResult {
	res := GroupResult{Pages: make([]*document.PageImage, 0, len(hits))}
	for _, h := range hits {
		page, ok := store.Page(h.DocumentID, h.PageNumber)
		if !ok {
			res.Dropped = append(res.Dropped, h)
			continue
		}
		res.Pages = append(res.Pages, page)
	}
	return res
}
