package document

import (
	"image"
	"sync"
	"testing"
	"time"
)

func blankPages(n int) []image.Image {
	pages := make([]image.Image, n)
	for i := range pages {
		pages[i] = image.NewRGBA(image.Rect(0, 0, 4, 4))
	}
	return pages
}

func TestNewDocument_NumbersPagesFromOne(t *testing.T) {
	doc := NewDocument(7, "report.pdf", blankPages(3))

	if doc.PageCount() != 3 {
		t.Fatalf("expected 3 pages, got %d", doc.PageCount())
	}
	for i, p := range doc.Pages {
		if p.DocumentID != 7 {
			t.Errorf("page %d has document id %d", i, p.DocumentID)
		}
		if p.PageNumber != i+1 {
			t.Errorf("page %d has page number %d", i, p.PageNumber)
		}
	}
}

func TestStore_Page(t *testing.T) {
	a := NewDocument(0, "a.pdf", blankPages(3))
	b := NewDocument(1, "b.pdf", blankPages(2))
	store := NewStore(a, b)

	tests := []struct {
		name   string
		doc    int
		page   int
		wantOK bool
	}{
		{"first page", 0, 1, true},
		{"last page", 0, 3, true},
		{"past end", 0, 4, false},
		{"page zero", 1, 0, false},
		{"negative page", 1, -1, false},
		{"unknown document", 5, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, ok := store.Page(tt.doc, tt.page)
			if ok != tt.wantOK {
				t.Fatalf("expected ok=%v, got %v", tt.wantOK, ok)
			}
			if ok && (page.DocumentID != tt.doc || page.PageNumber != tt.page) {
				t.Errorf("resolved wrong page: %v", page.Ref())
			}
		})
	}
}

func TestStore_PageReturnsSamePointer(t *testing.T) {
	a := NewDocument(0, "a.pdf", blankPages(2))
	store := NewStore(a)

	page, _ := store.Page(0, 2)
	if page != a.Pages[1] {
		t.Error("expected store to hand out the document's own page pointer")
	}
}

func TestStore_DocumentsOrderedByID(t *testing.T) {
	store := NewStore(
		NewDocument(2, "c.pdf", blankPages(1)),
		NewDocument(0, "a.pdf", blankPages(1)),
		nil,
		NewDocument(1, "b.pdf", blankPages(4)),
	)

	docs := store.Documents()
	if len(docs) != 3 {
		t.Fatalf("expected 3 documents, got %d", len(docs))
	}
	for i, d := range docs {
		if d.ID != i {
			t.Errorf("position %d holds document %d", i, d.ID)
		}
	}
	if store.PageCount() != 6 {
		t.Errorf("expected 6 pages, got %d", store.PageCount())
	}
}

func TestStore_NilIsEmpty(t *testing.T) {
	var store *Store
	if _, ok := store.Page(0, 1); ok {
		t.Error("nil store should resolve nothing")
	}
	if store.Len() != 0 || store.PageCount() != 0 || store.Documents() != nil {
		t.Error("nil store should be empty")
	}
}

func TestRegistry_PublishSwapsWholeSnapshot(t *testing.T) {
	reg := NewRegistry()
	if reg.Current() != nil {
		t.Fatal("expected no snapshot before publish")
	}

	var notified []string
	reg.OnPublish(func(s *Snapshot) { notified = append(notified, s.IndexName) })

	first := &Snapshot{IndexName: "idx-1", Store: NewStore(NewDocument(0, "a.pdf", blankPages(1)))}
	if prev := reg.Publish(first); prev != nil {
		t.Errorf("expected no previous snapshot, got %v", prev.IndexName)
	}
	if first.PublishedAt.IsZero() {
		t.Error("expected publish time to be stamped")
	}

	second := &Snapshot{IndexName: "idx-2", Store: NewStore()}
	if prev := reg.Publish(second); prev != first {
		t.Error("expected publish to return the replaced snapshot")
	}
	if reg.Current() != second {
		t.Error("expected current snapshot to be the latest")
	}
	if len(notified) != 2 || notified[1] != "idx-2" {
		t.Errorf("unexpected notifications: %v", notified)
	}
}

func TestRegistry_ConcurrentReaders(t *testing.T) {
	reg := NewRegistry()
	reg.Publish(&Snapshot{IndexName: "idx-0", Store: NewStore()})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				snap := reg.Current()
				if snap == nil || snap.Store == nil {
					t.Error("reader observed an incomplete snapshot")
					return
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		reg.Publish(&Snapshot{IndexName: "idx", Store: NewStore()})
	}
	wg.Wait()
}

func TestRegistry_RetireWaitsForPins(t *testing.T) {
	reg := NewRegistry()
	if snap, release := reg.Acquire(); snap != nil {
		t.Fatal("expected no snapshot before publish")
	} else {
		release()
	}

	first := &Snapshot{IndexName: "idx-1", Store: NewStore()}
	reg.Publish(first)

	pinned, release := reg.Acquire()
	if pinned != first {
		t.Fatal("expected to pin the published snapshot")
	}

	reg.Publish(&Snapshot{IndexName: "idx-2", Store: NewStore()})

	retired := make(chan string, 1)
	reg.Retire(first, func() { retired <- first.IndexName })
	select {
	case name := <-retired:
		t.Fatalf("retired %s while pinned", name)
	default:
	}

	release()
	release()
	select {
	case name := <-retired:
		if name != "idx-1" {
			t.Errorf("unexpected retired snapshot %s", name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected retire to run after the last release")
	}
}

func TestRegistry_RetireUnpinnedRunsImmediately(t *testing.T) {
	reg := NewRegistry()
	first := &Snapshot{IndexName: "idx-1", Store: NewStore()}
	reg.Publish(first)
	_, release := reg.Acquire()
	release()
	reg.Publish(&Snapshot{IndexName: "idx-2", Store: NewStore()})

	ran := false
	reg.Retire(first, func() { ran = true })
	if !ran {
		t.Error("expected retire to run synchronously with no pins held")
	}
}
