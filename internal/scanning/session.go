package scanning

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Callbacks receive the outcome of one scan session.
// OnPage runs on the processing goroutine, OnDone and OnCancelled on the capture
// goroutine (or synchronously inside Start when nothing can be scanned).
type Callbacks struct {
	// OnPage receives every captured page, in capture order
	OnPage func(index int, img *Image)
	// OnDone fires once the feeder is empty and every page went through OnPage
	OnDone func(pages int)
	// OnCancelled fires when the session stopped early. reason is ErrCancelled
	// for a requested cancellation and a *DeviceFault for a hardware failure.
	OnCancelled func(reason error)
}

func (cb Callbacks) withDefaults() Callbacks {
	if cb.OnPage == nil {
		cb.OnPage = func(int, *Image) {}
	}
	if cb.OnDone == nil {
		cb.OnDone = func(int) {}
	}
	if cb.OnCancelled == nil {
		cb.OnCancelled = func(error) {}
	}
	return cb
}

// session is the state of one running scan
type session struct {
	cancelled atomic.Bool
	queue     *handoff
	consumed  chan struct{}
}

// Controller runs scan sessions against a Handle, one at a time
type Controller struct {
	handle *Handle
	logger *slog.Logger

	mu      sync.Mutex
	current *session
}

// NewController creates a Controller for the given device handle
func NewController(handle *Handle, logger *slog.Logger) *Controller {
	return &Controller{
		handle: handle,
		logger: logger.With("component", "session"),
	}
}

// Running reports whether a session is in progress
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// Start launches a scan session and reports whether one was started.
// With no device open or a session already running it calls OnDone(0) right
// away and returns false.
func (c *Controller) Start(cb Callbacks) bool {
	cb = cb.withDefaults()

	c.mu.Lock()
	if c.current != nil || !c.handle.Connected() {
		running := c.current != nil
		c.mu.Unlock()
		c.logger.Info("Nothing to scan", "running", running, "connected", c.handle.Connected())
		cb.OnDone(0)
		return false
	}
	s := &session{
		queue:    newHandoff(),
		consumed: make(chan struct{}),
	}
	c.current = s
	c.mu.Unlock()

	c.logger.Info("Scan started")
	go c.process(s, cb.OnPage)
	go c.capture(s, cb)
	return true
}

// Cancel requests the running session to stop. Repeated calls, or calls with
// no session running, do nothing.
func (c *Controller) Cancel() {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil || !s.cancelled.CompareAndSwap(false, true) {
		return
	}
	c.logger.Info("Cancelling scan")
	c.handle.Cancel()
}

// capture is the producer loop. The cancel flag is checked before and after
// each blocking capture so a request is honored within one page.
func (c *Controller) capture(s *session, cb Callbacks) {
	index := 0
	for {
		if s.cancelled.Load() {
			c.abort(s, cb, ErrCancelled)
			return
		}

		img, err := c.handle.CaptureNext()

		if s.cancelled.Load() {
			c.abort(s, cb, ErrCancelled)
			return
		}

		switch {
		case err == nil:
			s.queue.put(PageItem{Index: index, Image: img})
			index++
		case errors.Is(err, ErrFeederEmpty):
			s.queue.close()
			<-s.consumed
			c.finish(s)
			c.logger.Info("Scan complete", "pages", index)
			cb.OnDone(index)
			return
		default:
			if !errors.Is(err, ErrCancelled) {
				c.logger.Error("Scan stopped by device failure", "pages", index, "error", err)
			}
			c.abort(s, cb, err)
			return
		}
	}
}

// abort drops pages not yet processed, waits for the page in progress and
// reports the cancellation
func (c *Controller) abort(s *session, cb Callbacks, reason error) {
	dropped := s.queue.abandon()
	<-s.consumed
	c.finish(s)
	c.logger.Info("Scan cancelled", "dropped", dropped, "reason", reason)
	cb.OnCancelled(reason)
}

// finish clears the running session so a new one can start
func (c *Controller) finish(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == s {
		c.current = nil
	}
}

// process is the consumer loop; it exits once the queue is closed and empty
func (c *Controller) process(s *session, onPage func(int, *Image)) {
	defer close(s.consumed)
	for {
		item, ok := s.queue.get()
		if !ok {
			return
		}
		guard(c.logger, "page processing", func() {
			onPage(item.Index, item.Image)
		})
	}
}

// guard runs fn and turns a panic into a log entry so background loops survive
func guard(logger *slog.Logger, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered from panic", "in", what, "panic", r)
		}
	}()
	fn()
}
