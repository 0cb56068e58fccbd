// Package rasterizer renders PDF files into page bitmaps.
package rasterizer

import (
	"context"
	"errors"
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// DefaultMaxDimension bounds the longer side of a rendered page.
const DefaultMaxDimension = 448

// ErrNoPages is returned for a PDF that opens but contains no pages.
var ErrNoPages = errors.New("pdf has no pages")

// Rasterizer renders every page of a PDF file, in page order.
type Rasterizer interface {
	Rasterize(ctx context.Context, path string) ([]image.Image, error)
}

// Fit scales img down so that it fits within maxDim x maxDim, preserving the aspect
// ratio, and returns it as RGBA. Images that already fit are converted but not scaled.
// A non-positive maxDim disables scaling.
func Fit(img image.Image, maxDim int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	if maxDim > 0 && (w > maxDim || h > maxDim) {
		if w >= h {
			h = max(1, h*maxDim/w)
			w = maxDim
		} else {
			w = max(1, w*maxDim/h)
			h = maxDim
		}
		dst := whiteCanvas(w, h)
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
		return dst
	}

	if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) {
		return rgba
	}
	dst := whiteCanvas(w, h)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

// whiteCanvas flattens transparent page backgrounds onto white.
func whiteCanvas(w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	return dst
}
