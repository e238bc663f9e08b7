package document

import "time"

// Document is a scanned multi-page PDF kept in storage
type Document struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Filename   string    `json:"filename"`
	Pages      int       `json:"pages"`
	Resolution int       `json:"resolution"` // dots per inch
	Size       int       `json:"size"`       // bytes
	CreatedAt  time.Time `json:"created_at"`
}
