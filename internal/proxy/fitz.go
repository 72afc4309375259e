package proxy

import (
	"context"
	"fmt"
	"image"

	"github.com/gen2brain/go-fitz"
)

const (
	defaultMaxScale = 3.0
	defaultMaxPages = 100
	pointsPerInch   = 72.0
)

// FitzRenderer rasterizes PDF documents with MuPDF.
type FitzRenderer struct {
	// MaxScale caps the zoom applied to a page so small pages on large
	// displays do not produce huge bitmaps.
	MaxScale float64
	MaxPages int
}

// Render implements DocumentRenderer.
func (r FitzRenderer) Render(ctx context.Context, data []byte, targetWidth int) ([]image.Image, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDocumentRender, err)
	}
	defer doc.Close() //nolint:errcheck

	n := doc.NumPage()
	if n <= 0 {
		return nil, fmt.Errorf("%w: document has no pages", ErrDocumentRender)
	}
	maxPages := r.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	if n > maxPages {
		n = maxPages
	}

	pages := make([]image.Image, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bounds, err := doc.Bound(i)
		if err != nil {
			return nil, fmt.Errorf("%w: page %d: %w", ErrDocumentRender, i, err)
		}
		img, err := doc.ImageDPI(i, pointsPerInch*PageScale(bounds.Dx(), targetWidth, r.MaxScale))
		if err != nil {
			return nil, fmt.Errorf("%w: page %d: %w", ErrDocumentRender, i, err)
		}
		pages = append(pages, img)
	}
	return pages, nil
}

// PageScale returns the zoom that fits a page pageWidth points wide into
// targetWidth pixels, capped at maxScale.
func PageScale(pageWidth, targetWidth int, maxScale float64) float64 {
	if maxScale <= 0 {
		maxScale = defaultMaxScale
	}
	if pageWidth <= 0 || targetWidth <= 0 {
		return 1
	}
	s := float64(targetWidth) / float64(pageWidth)
	if s > maxScale {
		return maxScale
	}
	return s
}
