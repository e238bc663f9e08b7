package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"sort"
	"sync"

	"github.com/zombor/scanman/internal/scanning"
)

var (
	// ErrNoPages means a document was finished without any page
	ErrNoPages = errors.New("document has no pages")
	// ErrClosed means the document was already finished or discarded
	ErrClosed = errors.New("document closed")
)

type builtPage struct {
	index int
	pdfPage
}

// Builder collects the pages of one scan session into a document
type Builder struct {
	service    *Service
	resolution int

	mu     sync.Mutex
	pages  []builtPage
	closed bool
}

// AddPage compresses a page and appends it at its session index
func (b *Builder) AddPage(index int, img *scanning.Image) error {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img.Image(), &jpeg.Options{Quality: b.service.opts.JPEGQuality}); err != nil {
		return fmt.Errorf("encoding page %d: %w", index, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.pages = append(b.pages, builtPage{
		index: index,
		pdfPage: pdfPage{
			jpeg:   buf.Bytes(),
			width:  img.Width,
			height: img.Height,
		},
	})
	return nil
}

// Preview returns the compressed image of the page added last, or nil
func (b *Builder) Preview() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pages) == 0 {
		return nil
	}
	return b.pages[len(b.pages)-1].jpeg
}

// Pages returns the number of pages added so far
func (b *Builder) Pages() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pages)
}

// Finish assembles, names and stores the document
func (b *Builder) Finish(ctx context.Context) (*Document, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.closed = true
	built := b.pages
	b.pages = nil
	b.mu.Unlock()

	if len(built) == 0 {
		return nil, ErrNoPages
	}

	sort.SliceStable(built, func(i, j int) bool { return built[i].index < built[j].index })
	pages := make([]pdfPage, len(built))
	for i, p := range built {
		pages[i] = p.pdfPage
	}

	pdf, err := writePDF(pages, b.resolution)
	if err != nil {
		return nil, fmt.Errorf("assembling pdf: %w", err)
	}

	return b.service.store(ctx, pdf, pages[0].jpeg, len(pages), b.resolution)
}

// Discard drops the pages of a cancelled document
func (b *Builder) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.pages = nil
}
