package device

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"path/filepath"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// decodePages turns one spooled file into the pages it holds.
// PDFs yield one page per PDF page; images yield a single page.
func decodePages(name string, data []byte) ([]image.Image, error) {
	if isPDF(name, data) {
		return pdfPages(data)
	}

	img, err := decodeImage(data)
	if err != nil {
		return nil, err
	}
	return []image.Image{img}, nil
}

// pdfPages renders every page of a PDF
func pdfPages(data []byte) ([]image.Image, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	pages := make([]image.Image, 0, doc.NumPage())
	for n := 0; n < doc.NumPage(); n++ {
		img, err := doc.Image(n)
		if err != nil {
			return nil, fmt.Errorf("rendering PDF page %d: %w", n+1, err)
		}
		pages = append(pages, img)
	}
	return pages, nil
}

// decodeImage decodes JPEG, PNG, GIF and HEIC/HEIF data
func decodeImage(data []byte) (image.Image, error) {
	// Go's standard image package doesn't support HEIC
	if isHEICFormat(data) {
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if strings.Contains(err.Error(), "unknown format") {
			return nil, fmt.Errorf("unsupported page format (JPEG, PNG, GIF, HEIC, HEIF, PDF): %w", err)
		}
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

func isPDF(name string, data []byte) bool {
	return bytes.HasPrefix(data, []byte("%PDF-")) || strings.EqualFold(filepath.Ext(name), ".pdf")
}

// isHEICFormat checks for an ftyp box with a HEIC-family brand at offset 4
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}
