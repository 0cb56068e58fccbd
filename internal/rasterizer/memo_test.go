package rasterizer

import (
	"context"
	"errors"
	"image"
	"path/filepath"
	"testing"
)

type countingRasterizer struct {
	calls map[string]int
	fail  bool
}

func (c *countingRasterizer) Rasterize(_ context.Context, path string) ([]image.Image, error) {
	c.calls[path]++
	if c.fail {
		return nil, errors.New("render failed")
	}
	return []image.Image{image.NewRGBA(image.Rect(0, 0, 1, 1))}, nil
}

func TestMemo_RendersOncePerPath(t *testing.T) {
	next := &countingRasterizer{calls: map[string]int{}}
	m := NewMemo(next)
	path := filepath.Join("tmp", "run", "a.pdf")

	first, err := m.Rasterize(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Rasterize(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}

	if next.calls[path] != 1 {
		t.Errorf("expected one render, got %d", next.calls[path])
	}
	if first[0] != second[0] {
		t.Error("expected the remembered pages to be returned")
	}
}

func TestMemo_DoesNotRememberFailures(t *testing.T) {
	next := &countingRasterizer{calls: map[string]int{}, fail: true}
	m := NewMemo(next)

	m.Rasterize(context.Background(), "bad.pdf")
	m.Rasterize(context.Background(), "bad.pdf")

	if next.calls["bad.pdf"] != 2 {
		t.Errorf("expected failures to be retried, got %d calls", next.calls["bad.pdf"])
	}
	if m.Len() != 0 {
		t.Errorf("expected nothing remembered, got %d", m.Len())
	}
}

func TestMemo_ForgetDirectory(t *testing.T) {
	m := NewMemo(&countingRasterizer{calls: map[string]int{}})
	run1 := filepath.Join("tmp", "run1")
	run2 := filepath.Join("tmp", "run2")

	m.Rasterize(context.Background(), filepath.Join(run1, "a.pdf"))
	m.Rasterize(context.Background(), filepath.Join(run1, "b.pdf"))
	m.Rasterize(context.Background(), filepath.Join(run2, "a.pdf"))

	m.Forget(run1)

	if m.Len() != 1 {
		t.Errorf("expected only run2 to remain, got %d entries", m.Len())
	}
}
