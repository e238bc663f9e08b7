package device

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zombor/scanman/internal/scanning"
)

const (
	// spoolDoneDir receives files once their pages have been fed
	spoolDoneDir = "done"
	// spoolTrigger is the file whose presence reads as a scan button press
	spoolTrigger = ".scan"
)

// spoolOptions are the option codes a spool understands
var spoolOptions = map[string]bool{
	"source":     true,
	"mode":       true,
	"resolution": true,
}

// Spool is a virtual sheet-fed scanner backed by a directory.
// Every file in the directory, in name order, is fed as one or more pages.
// Removing the directory behaves like unplugging the device.
type Spool struct {
	dir    string
	logger *slog.Logger
}

// NewSpool creates a Spool reading pages from dir
func NewSpool(dir string, logger *slog.Logger) *Spool {
	return &Spool{
		dir:    dir,
		logger: logger.With("component", "spool"),
	}
}

// OpenFirst opens the spool directory as the only device
func (s *Spool) OpenFirst() (scanning.Backend, error) {
	info, err := os.Stat(s.dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("opening spool %s: %w", s.dir, scanning.ErrNoDevice)
	}
	return &spoolConn{
		dir:     s.dir,
		logger:  s.logger,
		options: make(map[string]any),
	}, nil
}

type spoolConn struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	options map[string]any
	pending []image.Image

	capturing atomic.Bool
	cancelled atomic.Bool
}

func (c *spoolConn) present() bool {
	info, err := os.Stat(c.dir)
	return err == nil && info.IsDir()
}

// SetOption records a supported option
func (c *spoolConn) SetOption(code string, value any) error {
	if !spoolOptions[code] {
		return scanning.ErrUnsupported
	}
	if !c.present() {
		return scanning.ErrDeviceIO
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.options[code] = value
	return nil
}

// GetOption reads an option or one of the page-loaded and scan sensors
func (c *spoolConn) GetOption(code string) (any, error) {
	if !c.present() {
		return nil, scanning.ErrDeviceIO
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch code {
	case scanning.StatusPageLoaded:
		if len(c.pending) > 0 {
			return true, nil
		}
		next, err := c.nextFile()
		if err != nil {
			return nil, err
		}
		return next != "", nil
	case scanning.StatusScanButton:
		// A press is consumed by reading it
		err := os.Remove(filepath.Join(c.dir, spoolTrigger))
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading scan trigger: %w", err)
		}
		return true, nil
	}

	if v, ok := c.options[code]; ok {
		return v, nil
	}
	return nil, scanning.ErrUnsupported
}

// Capture feeds the next page, loading the next spooled file when needed
func (c *spoolConn) Capture() (*scanning.Image, error) {
	c.cancelled.Store(false)
	c.capturing.Store(true)
	defer c.capturing.Store(false)

	if !c.present() {
		return nil, scanning.ErrDeviceIO
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		if err := c.load(); err != nil {
			return nil, err
		}
	}

	if c.cancelled.Load() {
		return nil, scanning.ErrCancelled
	}

	page := c.pending[0]
	c.pending[0] = nil
	c.pending = c.pending[1:]
	return scanning.FromImage(page, scanning.ParseColorMode(c.options["mode"])), nil
}

// load decodes the next spooled file into pending pages and moves it out of the feeder
func (c *spoolConn) load() error {
	name, err := c.nextFile()
	if err != nil {
		return err
	}
	if name == "" {
		return scanning.ErrFeederEmpty
	}

	path := filepath.Join(c.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", name, err)
	}

	// Move the file out first so a page that cannot be decoded does not jam the feeder
	if err := c.retire(name); err != nil {
		return err
	}

	pages, err := decodePages(name, data)
	if err != nil {
		return fmt.Errorf("misfeed %s: %w", name, err)
	}
	if len(pages) == 0 {
		return fmt.Errorf("misfeed %s: no pages", name)
	}

	c.logger.Info("Feeding spooled file", "file", name, "pages", len(pages))
	c.pending = pages
	return nil
}

func (c *spoolConn) retire(name string) error {
	done := filepath.Join(c.dir, spoolDoneDir)
	if err := os.MkdirAll(done, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", spoolDoneDir, err)
	}
	if err := os.Rename(filepath.Join(c.dir, name), filepath.Join(done, name)); err != nil {
		return fmt.Errorf("moving %s: %w", name, err)
	}
	return nil
}

// nextFile returns the first regular, non-hidden file in name order, or ""
func (c *spoolConn) nextFile() (string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return "", fmt.Errorf("listing spool: %w", scanning.ErrDeviceIO)
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		return e.Name(), nil
	}
	return "", nil
}

// Cancel aborts a capture in progress; with none in progress it does nothing
func (c *spoolConn) Cancel() {
	if c.capturing.Load() {
		c.cancelled.Store(true)
	}
}

// Close drops pages not yet fed
func (c *spoolConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
	return nil
}
