package document

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/scanman/internal/naming"
)

const (
	// DefaultFilenameLayout names documents by their scan time
	DefaultFilenameLayout = "20060102-150405"
	// DefaultJPEGQuality is the compression used for page images
	DefaultJPEGQuality = 75
)

// IDGenerator generates unique IDs for documents
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Options tunes how documents are encoded and named
type Options struct {
	// FilenameLayout is a time layout for documents without a suggested title
	FilenameLayout string
	// JPEGQuality is the page compression, 1 to 100
	JPEGQuality int
	// Namer optionally titles documents from their first page
	Namer naming.Namer
}

func (o Options) withDefaults() Options {
	if o.FilenameLayout == "" {
		o.FilenameLayout = DefaultFilenameLayout
	}
	if o.JPEGQuality < 1 || o.JPEGQuality > 100 {
		o.JPEGQuality = DefaultJPEGQuality
	}
	return o
}

// Service assembles scanned pages into stored documents
type Service struct {
	db          DB
	storage     Storage
	opts        Options
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with uuid IDs and the wall clock
func NewService(db DB, storage Storage, opts Options) *Service {
	return NewServiceWithDeps(db, storage, opts, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, storage Storage, opts Options, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		storage:     storage,
		opts:        opts.withDefaults(),
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

var (
	unsafeChars = regexp.MustCompile(`[^\p{L}\p{N}\s\-_.,&()']`)
	spaces      = regexp.MustCompile(`\s+`)
)

// sanitizeFilename turns a title into a file name base
func sanitizeFilename(title string) string {
	base := unsafeChars.ReplaceAllString(title, "")
	base = spaces.ReplaceAllString(base, " ")
	base = strings.Trim(base, " .")

	if r := []rune(base); len(r) > 80 {
		base = strings.TrimSpace(string(r[:80]))
	}
	return base
}

// name picks the title and file name of a document scanned at now
func (s *Service) name(ctx context.Context, firstPage []byte, now time.Time) (title, filename string) {
	title = now.Format(s.opts.FilenameLayout)
	filename = sanitizeFilename(title)
	if filename == "" {
		filename = now.Format(DefaultFilenameLayout)
	}

	if s.opts.Namer == nil {
		return title, filename + ".pdf"
	}

	suggestion, err := s.opts.Namer.Name(ctx, firstPage)
	if err != nil {
		slog.Warn("Failed to title document", "error", err)
		return title, filename + ".pdf"
	}

	named := suggestion.Title
	if suggestion.Date != "" {
		named = suggestion.Date + " " + suggestion.Title
	}
	if clean := sanitizeFilename(named); clean != "" {
		return suggestion.Title, clean + ".pdf"
	}
	return title, filename + ".pdf"
}

// Begin starts a document for pages scanned at resolution dots per inch
func (s *Service) Begin(resolution int) *Builder {
	return &Builder{
		service:    s,
		resolution: resolution,
	}
}

// store saves an assembled PDF and records it in the catalog
func (s *Service) store(ctx context.Context, pdf []byte, firstPage []byte, pages, resolution int) (*Document, error) {
	id := s.idGenerator.Generate()
	now := s.timeSource.Now()
	title, filename := s.name(ctx, firstPage, now)

	savedName, err := s.storage.Save(filename, pdf)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	doc := &Document{
		ID:         id,
		Title:      title,
		Filename:   savedName,
		Pages:      pages,
		Resolution: resolution,
		Size:       len(pdf),
		CreatedAt:  now,
	}

	if err := s.db.SaveDocument(doc); err != nil {
		// Clean up file if database save fails
		s.storage.Delete(savedName)
		return nil, fmt.Errorf("saving document to database: %w", err)
	}

	slog.Info("Document stored", "id", doc.ID, "filename", doc.Filename, "pages", doc.Pages)
	return doc, nil
}

// GetDocument retrieves a document by ID
func (s *Service) GetDocument(id string) (*Document, error) {
	doc, err := s.db.GetDocument(id)
	if err != nil {
		return nil, fmt.Errorf("getting document: %w", err)
	}
	return doc, nil
}

// ListDocuments returns all documents, newest first
func (s *Service) ListDocuments() ([]*Document, error) {
	docs, err := s.db.ListDocuments()
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	return docs, nil
}

// DeleteDocument removes a document and its file
func (s *Service) DeleteDocument(id string) error {
	doc, err := s.db.GetDocument(id)
	if err != nil {
		return fmt.Errorf("getting document for deletion: %w", err)
	}

	if err := s.storage.Delete(doc.Filename); err != nil {
		slog.Warn("Failed to delete file", "filename", doc.Filename, "error", err)
	}

	if err := s.db.DeleteDocument(id); err != nil {
		return fmt.Errorf("deleting document from database: %w", err)
	}
	return nil
}

// GetDocumentFile retrieves the PDF of a document
func (s *Service) GetDocumentFile(id string) (*Document, []byte, error) {
	doc, err := s.db.GetDocument(id)
	if err != nil {
		return nil, nil, fmt.Errorf("getting document: %w", err)
	}

	data, err := s.storage.Get(doc.Filename)
	if err != nil {
		return nil, nil, fmt.Errorf("getting file: %w", err)
	}
	return doc, data, nil
}
