package rasterizer

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
)

const (
	// DefaultPdftoppmPath is the poppler binary looked up on PATH.
	DefaultPdftoppmPath = "pdftoppm"

	// DefaultDPI is the render resolution before pages are fitted to MaxDimension.
	DefaultDPI = 100
)

// PopplerConfig holds configuration for the poppler rasterizer.
type PopplerConfig struct {
	// PdftoppmPath is the pdftoppm executable (default: pdftoppm).
	PdftoppmPath string

	// DPI is the render resolution (default: 100).
	DPI int

	// MaxDimension bounds the longer side of each page (default: 448).
	MaxDimension int
}

// Poppler renders PDFs by shelling out to poppler's pdftoppm, the same renderer
// pdf2image uses.
type Poppler struct {
	binary string
	dpi    int
	maxDim int
}

// NewPoppler creates a poppler rasterizer with the given configuration.
func NewPoppler(cfg PopplerConfig) *Poppler {
	binary := cfg.PdftoppmPath
	if binary == "" {
		binary = DefaultPdftoppmPath
	}
	dpi := cfg.DPI
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	maxDim := cfg.MaxDimension
	if maxDim <= 0 {
		maxDim = DefaultMaxDimension
	}
	return &Poppler{binary: binary, dpi: dpi, maxDim: maxDim}
}

// Rasterize renders every page of the PDF at path and fits it to the configured size.
func (p *Poppler) Rasterize(ctx context.Context, path string) ([]image.Image, error) {
	pageCount, err := CountPages(path)
	if err != nil {
		return nil, err
	}
	if pageCount == 0 {
		return nil, ErrNoPages
	}

	outDir, err := os.MkdirTemp("", "pagerag-raster-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create render directory: %w", err)
	}
	defer os.RemoveAll(outDir)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.binary,
		"-png",
		"-r", strconv.Itoa(p.dpi),
		path,
		filepath.Join(outDir, "page"),
	)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	files, err := renderedPages(outDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNoPages
	}

	pages := make([]image.Image, 0, len(files))
	for _, file := range files {
		img, err := decodePNG(file)
		if err != nil {
			return nil, err
		}
		pages = append(pages, Fit(img, p.maxDim))
	}
	return pages, nil
}

// CountPages opens the PDF and returns its page count. Malformed files are reported
// as errors rather than crashing the caller.
func CountPages(path string) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("failed to read pdf %s: %v", filepath.Base(path), r)
		}
	}()

	f, reader, err := pdf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open pdf %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	return reader.NumPage(), nil
}

// renderedPages lists pdftoppm output files ordered by page number. pdftoppm
// zero-pads the number to the width of the page count, so names alone do not sort.
func renderedPages(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "page-*.png"))
	if err != nil {
		return nil, fmt.Errorf("failed to list rendered pages: %w", err)
	}

	type numbered struct {
		path string
		num  int
	}
	pages := make([]numbered, 0, len(matches))
	for _, m := range matches {
		base := strings.TrimSuffix(filepath.Base(m), ".png")
		num, err := strconv.Atoi(strings.TrimPrefix(base, "page-"))
		if err != nil {
			continue
		}
		pages = append(pages, numbered{path: m, num: num})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].num < pages[j].num })

	out := make([]string, len(pages))
	for i, p := range pages {
		out[i] = p.path
	}
	return out, nil
}

func decodePNG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rendered page: %w", err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode rendered page %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

// Ensure Poppler implements Rasterizer.
var _ Rasterizer = (*Poppler)(nil)
