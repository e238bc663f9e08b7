package scanning

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrFeederEmpty is the normal end of a document: the feeder has no more pages
	ErrFeederEmpty = errors.New("document feeder out of documents")
	// ErrCancelled means the in-flight capture was aborted on request
	ErrCancelled = errors.New("operation was cancelled")
	// ErrDeviceIO means the device stopped answering and must be reopened
	ErrDeviceIO = errors.New("error during device I/O")
	// ErrUnsupported means the device does not expose the requested option
	ErrUnsupported = errors.New("option not supported")
	// ErrReadOnly is returned when writing a status register
	ErrReadOnly = errors.New("option is read-only")
	// ErrNoDevice means no scanner is open
	ErrNoDevice = errors.New("no scanner device")
)

// DeviceFault is a capture failure that is neither the end of the feed nor a cancellation
type DeviceFault struct {
	Err error
}

func (e *DeviceFault) Error() string {
	return fmt.Sprintf("device fault: %v", e.Err)
}

func (e *DeviceFault) Unwrap() error {
	return e.Err
}

// Status register codes. These are hardware sensors and cannot be written.
const (
	StatusScanButton = "scan"
	StatusCoverOpen  = "cover-open"
	StatusPageLoaded = "page-loaded"
)

// Status is the tri-state result of a status register read
type Status int

const (
	StatusUnknown Status = iota
	StatusFalse
	StatusTrue
)

func (s Status) String() string {
	switch s {
	case StatusTrue:
		return "true"
	case StatusFalse:
		return "false"
	default:
		return "unknown"
	}
}

// statusOf interprets a raw option value read from a driver
func statusOf(v any) Status {
	switch val := v.(type) {
	case nil:
		return StatusUnknown
	case bool:
		if val {
			return StatusTrue
		}
		return StatusFalse
	case int:
		if val == 1 {
			return StatusTrue
		}
		return StatusFalse
	case float64:
		if val == 1 {
			return StatusTrue
		}
		return StatusFalse
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "yes", "true", "1", "on":
			return StatusTrue
		case "no", "false", "0", "off":
			return StatusFalse
		}
	}
	return StatusUnknown
}

func isStatusRegister(code string) bool {
	return code == StatusScanButton || code == StatusCoverOpen || code == StatusPageLoaded
}

// Option is one device option code and the value to apply
type Option struct {
	Code  string
	Value any
}

// DefaultOptions returns the fixed configuration applied every time a device is opened
func DefaultOptions() []Option {
	return []Option{
		// ADF Front, ADF Back or ADF Duplex
		{Code: "source", Value: "ADF Duplex"},
		// Media height, in mm
		{Code: "page-height", Value: 320.0},
		{Code: "br-y", Value: 320.0},
		{Code: "mode", Value: "color"},
		// 50..600 dpi
		{Code: "resolution", Value: 192},
		// -127..127
		{Code: "brightness", Value: 15},
		// 0..255
		{Code: "contrast", Value: 20},
		// SDTC variance rate, 0 equals 127
		{Code: "variance", Value: 0},
		{Code: "overscan", Value: "Off"},
		// Paper lower edge detection
		{Code: "ald", Value: true},
		{Code: "buffermode", Value: "On"},
		{Code: "prepick", Value: "On"},
		{Code: "swdeskew", Value: false},
		{Code: "swdespeck", Value: 0},
		{Code: "swcrop", Value: true},
		// Discard pages with less than 5% dark pixels
		{Code: "swskip", Value: 5},
	}
}

// Backend is one open connection to a physical scanner.
// Implementations wrap their failures with the sentinel errors of this package
// so the handle can tell feeder exhaustion, cancellation and I/O loss apart.
type Backend interface {
	// SetOption writes one option. Unknown codes return ErrUnsupported.
	SetOption(code string, value any) error
	// GetOption reads the current value of an option or sensor
	GetOption(code string) (any, error)
	// Capture feeds and reads one page, blocking until it is complete
	Capture() (*Image, error)
	// Cancel asks an in-flight Capture to stop. It must not block.
	Cancel()
	// Close releases the connection
	Close() error
}

// Opener enumerates devices and opens the first one found
type Opener interface {
	OpenFirst() (Backend, error)
}
