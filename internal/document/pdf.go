package document

import (
	"bytes"
	"fmt"

	"github.com/go-pdf/fpdf"
)

// pdfPage is one JPEG-compressed page image
type pdfPage struct {
	jpeg          []byte
	width, height int // pixels
}

// points converts a pixel length at dpi to PDF points
func points(px, dpi int) float64 {
	return float64(px) * 72 / float64(dpi)
}

// writePDF renders pages as a PDF where each page is exactly one image,
// sized so that it prints at the scan resolution
func writePDF(pages []pdfPage, dpi int) ([]byte, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("no pages")
	}
	if dpi <= 0 {
		return nil, fmt.Errorf("invalid resolution %d", dpi)
	}

	pdf := fpdf.New("P", "pt", "A4", "")
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetProducer("scanman", false)

	for i, p := range pages {
		w, h := points(p.width, dpi), points(p.height, dpi)
		name := fmt.Sprintf("page%d", i+1)

		pdf.AddPageFormat("P", fpdf.SizeType{Wd: w, Ht: h})
		opts := fpdf.ImageOptions{ImageType: "JPEG"}
		pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(p.jpeg))
		pdf.ImageOptions(name, 0, 0, w, h, false, opts, 0, "")
		if err := pdf.Error(); err != nil {
			return nil, fmt.Errorf("adding page %d: %w", i+1, err)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("writing PDF: %w", err)
	}
	return buf.Bytes(), nil
}
