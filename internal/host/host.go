package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zombor/scanman/internal/document"
	"github.com/zombor/scanman/internal/scanning"
)

const (
	// DefaultResetAfter is how long a transient status message stays up
	DefaultResetAfter = 5 * time.Second
	// finishTimeout bounds naming and storing a finished document
	finishTimeout = 3 * time.Minute
)

// Status lines shown to the operator
const (
	TextNotConnected = "Scanner is not connected."
	TextScanning     = "Scanning..."
	TextReady        = "Ready."
	TextIdle         = "No scan in progress."
	TextProcessing   = "Processing document…"
	TextDone         = "Done."
	TextCancelled    = "Cancelled."
	TextFailed       = "Scanner error."
	TextStoreFailed  = "Could not save document."
)

// Action is what the scan control does when pressed
type Action string

const (
	ActionScan   Action = "scan"
	ActionCancel Action = "cancel"
)

// ErrNotReady means no page is loaded, so nothing can be scanned
var ErrNotReady = errors.New("scanner not ready")

// Controller runs scan sessions
type Controller interface {
	Start(cb scanning.Callbacks) bool
	Cancel()
	Running() bool
}

// Device reports the resolution pages are scanned at
type Device interface {
	Resolution() int
}

// Status is a snapshot of what the operator sees
type Status struct {
	Connected    bool               `json:"connected"`
	Ready        bool               `json:"ready"`
	Scanning     bool               `json:"scanning"`
	Text         string             `json:"text"`
	Action       Action             `json:"action"`
	Enabled      bool               `json:"enabled"`
	Pages        int                `json:"pages"`
	LastDocument *document.Document `json:"last_document,omitempty"`
}

// run is the bookkeeping for the session the host started
type run struct {
	builder *document.Builder
	pages   int
}

// Host ties the device watchers, the session controller and the document
// service together and keeps the operator-facing status. Every state change
// goes through mu.
type Host struct {
	controller Controller
	device     Device
	documents  *document.Service
	logger     *slog.Logger
	resetAfter time.Duration

	mu        sync.Mutex
	connected bool
	ready     bool
	current   *run
	custom    string
	customSeq int
	last      *document.Document
	preview   []byte
}

// New creates a Host
func New(controller Controller, device Device, documents *document.Service, logger *slog.Logger) *Host {
	return &Host{
		controller: controller,
		device:     device,
		documents:  documents,
		logger:     logger.With("component", "host"),
		resetAfter: DefaultResetAfter,
	}
}

// SetResetAfter changes how long transient messages stay up
func (h *Host) SetResetAfter(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resetAfter = d
}

// Watch runs the device watchers until ctx is done
func (h *Host) Watch(ctx context.Context, w *scanning.Watcher) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		w.Connectivity(ctx, h.SetConnected)
	}()
	go func() {
		defer wg.Done()
		w.PageLoaded(ctx, h.SetReady)
	}()
	go func() {
		defer wg.Done()
		w.Button(ctx, func() {
			if err := h.Scan(); err != nil {
				h.logger.Info("Scan button ignored", "error", err)
			}
		})
	}()
	wg.Wait()
}

// SetConnected records the connectivity watcher's observation. Only a
// change clears the custom text.
func (h *Host) SetConnected(connected bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connected == connected {
		return
	}
	h.logger.Info("Connection changed", "connected", connected)
	h.connected = connected
	h.resetCustomLocked()
}

// SetReady records the page-loaded watcher's observation. Only a change
// outside a session clears the custom text.
func (h *Host) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ready == ready {
		return
	}
	h.logger.Info("Ready changed", "ready", ready)
	h.ready = ready
	if h.current == nil {
		h.resetCustomLocked()
	}
}

// Status returns the current status
func (h *Host) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := Status{
		Connected:    h.connected,
		Ready:        h.ready,
		Scanning:     h.current != nil,
		Action:       ActionScan,
		LastDocument: h.last,
	}
	switch {
	case !h.connected:
		st.Text = TextNotConnected
	case h.current != nil:
		st.Text = TextScanning
		st.Action = ActionCancel
		st.Enabled = true
		st.Pages = h.current.pages
	case h.ready:
		st.Text = TextReady
		st.Enabled = true
	default:
		st.Text = TextIdle
	}
	if h.custom != "" {
		st.Text = h.custom
	}
	return st
}

// Preview returns a JPEG of the most recently scanned page, if any
func (h *Host) Preview() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.preview
}

// Scan starts a session, or cancels the running one. It is what the scan
// control and the device button do.
func (h *Host) Scan() error {
	h.mu.Lock()
	if !h.ready {
		h.mu.Unlock()
		return ErrNotReady
	}
	if h.current != nil {
		h.mu.Unlock()
		h.Cancel()
		return nil
	}

	r := &run{builder: h.documents.Begin(h.device.Resolution())}
	h.current = r
	h.resetCustomLocked()
	h.mu.Unlock()

	h.logger.Info("Scanning")
	// Start may report OnDone(0) synchronously, so mu must not be held here
	h.controller.Start(scanning.Callbacks{
		OnPage:      func(index int, img *scanning.Image) { h.onPage(r, index, img) },
		OnDone:      func(pages int) { h.onDone(r, pages) },
		OnCancelled: func(reason error) { h.onCancelled(r, reason) },
	})
	return nil
}

// Cancel stops the running session; it reports whether one was running
func (h *Host) Cancel() bool {
	h.mu.Lock()
	running := h.current != nil
	h.mu.Unlock()
	if running {
		h.logger.Info("Cancelling")
		h.controller.Cancel()
	}
	return running
}

func (h *Host) onPage(r *run, index int, img *scanning.Image) {
	h.logger.Info("Processing page", "page", index+1)
	h.setCustom(r, fmt.Sprintf("Processing page %d", index+1), false)

	if err := r.builder.AddPage(index, img); err != nil {
		h.logger.Error("Failed to add page", "page", index+1, "error", err)
		return
	}

	preview := r.builder.Preview()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == r {
		r.pages++
		if preview != nil {
			h.preview = preview
		}
	}
}

func (h *Host) onDone(r *run, pages int) {
	if pages == 0 {
		r.builder.Discard()
		h.end(r, "", nil)
		return
	}

	h.setCustom(r, TextProcessing, false)
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	doc, err := r.builder.Finish(ctx)
	if err != nil {
		h.logger.Error("Failed to store document", "pages", pages, "error", err)
		h.end(r, TextStoreFailed, nil)
		return
	}
	h.end(r, TextDone, doc)
}

func (h *Host) onCancelled(r *run, reason error) {
	r.builder.Discard()

	text := TextCancelled
	var fault *scanning.DeviceFault
	if errors.As(reason, &fault) {
		text = TextFailed
	}
	h.end(r, text, nil)
}

// end closes the bookkeeping of run and shows text for a few seconds
func (h *Host) end(r *run, text string, doc *document.Document) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current != r {
		return
	}
	h.current = nil
	if doc != nil {
		h.last = doc
	}
	if text == "" {
		h.resetCustomLocked()
		return
	}
	h.showLocked(text, true)
}

func (h *Host) setCustom(r *run, text string, transient bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == r {
		h.showLocked(text, transient)
	}
}

// showLocked sets the custom text; a transient text is cleared after
// resetAfter unless something else replaced it first
func (h *Host) showLocked(text string, transient bool) {
	h.custom = text
	h.customSeq++
	if !transient {
		return
	}
	seq := h.customSeq
	time.AfterFunc(h.resetAfter, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.customSeq == seq {
			h.custom = ""
		}
	})
}

func (h *Host) resetCustomLocked() {
	h.custom = ""
	h.customSeq++
}
