package scanning

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// connection pins one opened backend so a reopen can be detected by identity
type connection struct {
	Backend
}

// Handle owns the single scanner connection shared by the session controller and the watchers.
// The live backend is swapped atomically; reopening is serialized by reopenMu so
// readers always see either the old connection, the new one, or none.
type Handle struct {
	opener  Opener
	options []Option
	logger  *slog.Logger

	conn     atomic.Pointer[connection]
	reopenMu sync.Mutex
}

// NewHandle creates a Handle with no device open
func NewHandle(opener Opener, options []Option, logger *slog.Logger) *Handle {
	return &Handle{
		opener:  opener,
		options: options,
		logger:  logger.With("component", "scanner"),
	}
}

// Open replaces the current connection with the first enumerable device and
// applies the fixed configuration. It reports whether a device is now open.
func (h *Handle) Open() bool {
	h.reopenMu.Lock()
	defer h.reopenMu.Unlock()
	return h.reopenLocked()
}

func (h *Handle) reopenLocked() bool {
	if old := h.conn.Swap(nil); old != nil {
		if err := old.Close(); err != nil {
			h.logger.Debug("Failed to close scanner", "error", err)
		}
	}

	backend, err := h.opener.OpenFirst()
	if err != nil {
		h.logger.Debug("No scanner available", "error", err)
		return false
	}

	conn := &connection{Backend: backend}
	for _, o := range h.options {
		err := h.apply(conn, []Option{o})
		if err == nil {
			continue
		}
		if errors.Is(err, ErrDeviceIO) {
			// The device went away while being configured
			h.logger.Warn("Failed to configure scanner", "error", err)
			if err := backend.Close(); err != nil {
				h.logger.Debug("Failed to close scanner", "error", err)
			}
			return false
		}
		h.logger.Warn("Failed to apply option", "option", o.Code, "error", err)
	}

	h.conn.Store(conn)
	h.logger.Info("Scanner opened")
	return true
}

// recover reopens the device after an I/O failure on failed, unless another
// task already replaced that connection.
func (h *Handle) recover(failed *connection) {
	h.reopenMu.Lock()
	defer h.reopenMu.Unlock()
	if h.conn.Load() != failed {
		return
	}
	h.logger.Warn("Scanner unreachable, reopening")
	h.reopenLocked()
}

// drop forgets a dead connection so the connectivity watcher reopens it later
func (h *Handle) drop(failed *connection) {
	h.reopenMu.Lock()
	defer h.reopenMu.Unlock()
	if !h.conn.CompareAndSwap(failed, nil) {
		return
	}
	h.logger.Warn("Scanner lost")
	if err := failed.Close(); err != nil {
		h.logger.Debug("Failed to close scanner", "error", err)
	}
}

// Connected reports whether a device is currently open
func (h *Handle) Connected() bool {
	return h.conn.Load() != nil
}

// Resolution returns the configured scan resolution in dpi
func (h *Handle) Resolution() int {
	for _, o := range h.options {
		if o.Code != "resolution" {
			continue
		}
		switch v := o.Value.(type) {
		case int:
			return v
		case float64:
			return int(v)
		}
	}
	return 0
}

// Configure applies options to the open device. Status registers are rejected
// before anything is written; options the device does not know are skipped.
func (h *Handle) Configure(opts []Option) error {
	conn := h.conn.Load()
	if conn == nil {
		return ErrNoDevice
	}
	err := h.apply(conn, opts)
	if errors.Is(err, ErrDeviceIO) {
		h.recover(conn)
	}
	return err
}

func (h *Handle) apply(conn *connection, opts []Option) error {
	for _, o := range opts {
		if isStatusRegister(o.Code) {
			return fmt.Errorf("setting %s: %w", o.Code, ErrReadOnly)
		}
	}

	for _, o := range opts {
		err := conn.SetOption(o.Code, o.Value)
		if errors.Is(err, ErrUnsupported) {
			h.logger.Debug("Option not supported by device", "option", o.Code)
			continue
		}
		if err != nil {
			return fmt.Errorf("setting %s: %w", o.Code, err)
		}
	}
	return nil
}

// ReadStatus samples a status register. Unknown covers unsupported registers,
// a missing device and an unreachable one; the latter triggers a single reopen.
func (h *Handle) ReadStatus(code string) Status {
	status, _ := h.probe(code)
	return status
}

// probe is ReadStatus with the read error kept for the watchers
func (h *Handle) probe(code string) (Status, error) {
	conn := h.conn.Load()
	if conn == nil {
		return StatusUnknown, ErrNoDevice
	}

	v, err := conn.GetOption(code)
	switch {
	case err == nil:
		return statusOf(v), nil
	case errors.Is(err, ErrUnsupported):
		return StatusUnknown, nil
	case errors.Is(err, ErrDeviceIO):
		h.recover(conn)
	}
	return StatusUnknown, fmt.Errorf("reading %s: %w", code, err)
}

// CaptureNext feeds one page and returns it. ErrFeederEmpty and ErrCancelled
// are returned as-is; every other failure is wrapped in a *DeviceFault.
func (h *Handle) CaptureNext() (*Image, error) {
	conn := h.conn.Load()
	if conn == nil {
		return nil, &DeviceFault{Err: ErrNoDevice}
	}

	img, err := conn.Capture()
	switch {
	case err == nil:
		return img, nil
	case errors.Is(err, ErrFeederEmpty):
		return nil, ErrFeederEmpty
	case errors.Is(err, ErrCancelled):
		return nil, ErrCancelled
	case errors.Is(err, ErrDeviceIO):
		h.drop(conn)
	}
	return nil, &DeviceFault{Err: err}
}

// Cancel asks the in-flight capture to stop. It returns immediately.
func (h *Handle) Cancel() {
	if conn := h.conn.Load(); conn != nil {
		conn.Cancel()
	}
}

// Close releases the device
func (h *Handle) Close() error {
	h.reopenMu.Lock()
	defer h.reopenMu.Unlock()
	if conn := h.conn.Swap(nil); conn != nil {
		return conn.Close()
	}
	return nil
}
