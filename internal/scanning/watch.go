package scanning

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DefaultPollInterval is how often watchers sample the device
const DefaultPollInterval = time.Second

// Busy reports whether a scan session currently owns the device
type Busy interface {
	Running() bool
}

// Watcher polls device state in the background and reports it to observers.
// Observers are called from the polling goroutine, on every sample.
type Watcher struct {
	handle   *Handle
	busy     Busy
	interval time.Duration
	logger   *slog.Logger
}

// NewWatcher creates a Watcher. A zero interval means DefaultPollInterval.
func NewWatcher(handle *Handle, busy Busy, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		handle:   handle,
		busy:     busy,
		interval: interval,
		logger:   logger.With("component", "watcher"),
	}
}

// Connectivity reports whether a device is open, reopening it first when it
// is missing. It blocks until ctx is done.
func (w *Watcher) Connectivity(ctx context.Context, observe func(connected bool)) {
	w.poll(ctx, "connectivity", func() {
		if !w.handle.Connected() {
			w.handle.Open()
		}
		observe(w.handle.Connected())
	})
}

// Button calls observe while the scan button is pressed. Sampling is
// suspended while a session runs. It blocks until ctx is done.
func (w *Watcher) Button(ctx context.Context, observe func()) {
	w.poll(ctx, "button", func() {
		if w.busy.Running() {
			return
		}
		status, err := w.handle.probe(StatusScanButton)
		if err != nil {
			w.logger.Debug("Failed to read scan button", "error", err)
			return
		}
		if status == StatusTrue {
			observe()
		}
	})
}

// PageLoaded reports whether a page sits in the feeder. Sampling is suspended
// while a session runs; a missing or unreachable device reads as no page.
// It blocks until ctx is done.
func (w *Watcher) PageLoaded(ctx context.Context, observe func(loaded bool)) {
	w.poll(ctx, "page-loaded", func() {
		if w.busy.Running() {
			return
		}
		status, err := w.handle.probe(StatusPageLoaded)
		if err != nil && !errors.Is(err, ErrNoDevice) && !errors.Is(err, ErrDeviceIO) {
			w.logger.Debug("Failed to read page sensor", "error", err)
			return
		}
		observe(status == StatusTrue)
	})
}

// poll runs sample now and then once per interval until ctx is done
func (w *Watcher) poll(ctx context.Context, name string, sample func()) {
	w.logger.Debug("Starting watcher", "watcher", name, "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		guard(w.logger, name, sample)

		select {
		case <-ctx.Done():
			w.logger.Debug("Watcher stopped", "watcher", name)
			return
		case <-ticker.C:
		}
	}
}
