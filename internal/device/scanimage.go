package device

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image/png"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zombor/scanman/internal/scanning"
)

// commandTimeout bounds device listing and option reads
const commandTimeout = 10 * time.Second

// ScanImageConfig configures the scanimage driver
type ScanImageConfig struct {
	// Binary is the scanimage executable, looked up in PATH when relative
	Binary string
	// Device is a SANE device name; empty selects the first device listed
	Device string
	// PageTimeout bounds the wait for each page; zero waits forever
	PageTimeout time.Duration
}

// ScanImage drives SANE devices through the scanimage command line tool
type ScanImage struct {
	cfg    ScanImageConfig
	logger *slog.Logger
}

// NewScanImage creates a scanimage driver
func NewScanImage(cfg ScanImageConfig, logger *slog.Logger) *ScanImage {
	if cfg.Binary == "" {
		cfg.Binary = "scanimage"
	}
	return &ScanImage{
		cfg:    cfg,
		logger: logger.With("component", "scanimage"),
	}
}

// OpenFirst selects the configured device, or the first one SANE lists, and
// reads its option table
func (s *ScanImage) OpenFirst() (scanning.Backend, error) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	name := s.cfg.Device
	if name == "" {
		out, err := s.run(ctx, "-f", "%d%n")
		if err != nil {
			return nil, fmt.Errorf("listing devices: %w", err)
		}
		devices := parseDeviceList(out)
		if len(devices) == 0 {
			return nil, scanning.ErrNoDevice
		}
		name = devices[0]
	}

	out, err := s.run(ctx, "-d", name, "-A")
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}

	tmp, err := os.MkdirTemp("", "scanman-*")
	if err != nil {
		return nil, fmt.Errorf("creating page directory: %w", err)
	}

	s.logger.Info("Using SANE device", "device", name)
	return &scanImageConn{
		driver: s,
		name:   name,
		table:  parseOptions(out),
		tmp:    tmp,
	}, nil
}

// run executes scanimage and classifies a failure from its diagnostics
func (s *ScanImage) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, s.cfg.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, classify(stderr.String(), err)
	}
	return out, nil
}

// classify maps scanimage diagnostics onto the scanning sentinel errors
func classify(stderr string, err error) error {
	msg := lastLine(stderr)
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "out of documents"):
		return scanning.ErrFeederEmpty
	case strings.Contains(lower, "cancelled"), strings.Contains(lower, "canceled"):
		return scanning.ErrCancelled
	case strings.Contains(lower, "error during device i/o"),
		strings.Contains(lower, "open of device"):
		return fmt.Errorf("%s: %w", msg, scanning.ErrDeviceIO)
	case strings.Contains(lower, "unrecognized option"):
		return fmt.Errorf("%s: %w", msg, scanning.ErrUnsupported)
	case msg != "":
		return fmt.Errorf("scanimage: %s: %w", msg, err)
	}
	return fmt.Errorf("scanimage: %w", err)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func parseDeviceList(out []byte) []string {
	var devices []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			devices = append(devices, line)
		}
	}
	return devices
}

// deviceOption is one row of `scanimage -A`
type deviceOption struct {
	value    any
	readOnly bool
	inactive bool
}

var (
	optionLine  = regexp.MustCompile(`^\s{2,6}(-[a-zA-Z]|--[a-zA-Z0-9][a-zA-Z0-9-]*)(\[=\([^)]*\)\])?(.*)$`)
	bracketWord = regexp.MustCompile(`\[([^\]]*)\]`)
)

// shortOptions maps scanimage's geometry shorthands to SANE option names
var shortOptions = map[string]string{
	"l": "tl-x",
	"t": "tl-y",
	"x": "br-x",
	"y": "br-y",
}

// parseOptions reads the option table printed by `scanimage -A`, e.g.
//
//	--mode Lineart|Gray|Color [Color]
//	-y 0..355.6mm [279.364]
//	--page-loaded[=(yes|no)] [no] [hardware]
func parseOptions(out []byte) map[string]deviceOption {
	table := make(map[string]deviceOption)
	for _, line := range strings.Split(string(out), "\n") {
		m := optionLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		name := strings.TrimLeft(m[1], "-")
		if long, ok := shortOptions[name]; ok && !strings.HasPrefix(m[1], "--") {
			name = long
		}

		var opt deviceOption
		for _, w := range bracketWord.FindAllStringSubmatch(m[3], -1) {
			switch w[1] {
			case "inactive":
				opt.inactive = true
			case "hardware", "read-only":
				opt.readOnly = true
			case "advanced", "software", "emulated", "automatic":
			default:
				opt.value = w[1]
			}
		}
		table[name] = opt
	}
	return table
}

// formatValue renders an option value as scanimage expects it
func formatValue(v any) string {
	switch val := v.(type) {
	case bool:
		if val {
			return "yes"
		}
		return "no"
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

// optionArg renders one option as a command line argument
func optionArg(code string, value any) []string {
	for short, long := range shortOptions {
		if long == code {
			return []string{"-" + short, formatValue(value)}
		}
	}
	return []string{fmt.Sprintf("--%s=%s", code, formatValue(value))}
}

type scanImageConn struct {
	driver *ScanImage
	name   string
	table  map[string]deviceOption
	tmp    string

	mu      sync.Mutex
	options []scanning.Option
	batch   *batch
	runs    int
}

// SetOption records an option to pass to the next batch
func (c *scanImageConn) SetOption(code string, value any) error {
	opt, ok := c.table[code]
	if !ok {
		return scanning.ErrUnsupported
	}
	if opt.readOnly {
		return scanning.ErrReadOnly
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.options {
		if c.options[i].Code == code {
			c.options[i].Value = value
			return nil
		}
	}
	c.options = append(c.options, scanning.Option{Code: code, Value: value})
	return nil
}

// GetOption reads the current value of an option from the device
func (c *scanImageConn) GetOption(code string) (any, error) {
	c.mu.Lock()
	busy := c.batch != nil
	c.mu.Unlock()
	if busy {
		return nil, fmt.Errorf("reading %s: scanner busy", code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	out, err := c.driver.run(ctx, "-d", c.name, "-A")
	if err != nil {
		return nil, err
	}

	opt, ok := parseOptions(out)[code]
	if !ok {
		return nil, scanning.ErrUnsupported
	}
	if opt.inactive {
		return nil, nil
	}
	return opt.value, nil
}

// Capture waits for the next page of the running batch, starting one if needed
func (c *scanImageConn) Capture() (*scanning.Image, error) {
	c.mu.Lock()
	run := c.batch
	if run == nil {
		var err error
		run, err = c.startBatch()
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.batch = run
	}
	mode := c.mode()
	c.mu.Unlock()

	path, err := run.next(c.driver.cfg.PageTimeout)
	if err != nil {
		c.detach(run)
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading page: %w", err)
	}
	if err := os.Remove(path); err != nil {
		c.driver.logger.Debug("Failed to remove page file", "path", path, "error", err)
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding page: %w", err)
	}
	return scanning.FromImage(img, mode), nil
}

func (c *scanImageConn) mode() scanning.ColorMode {
	for _, o := range c.options {
		if o.Code == "mode" {
			return scanning.ParseColorMode(o.Value)
		}
	}
	return scanning.ModeColor
}

// startBatch launches one scanimage process that feeds pages until the ADF is empty
func (c *scanImageConn) startBatch() (*batch, error) {
	c.runs++
	pattern := filepath.Join(c.tmp, fmt.Sprintf("run%d-page%%04d.png", c.runs))
	args := []string{"-d", c.name, "--format=png", "--batch=" + pattern, "--batch-print"}
	for _, o := range c.options {
		args = append(args, optionArg(o.Code, o.Value)...)
	}

	b, err := newBatch(exec.Command(c.driver.cfg.Binary, args...), c.driver.logger)
	if err != nil {
		return nil, err
	}
	c.driver.logger.Debug("Batch started", "device", c.name, "args", args)
	return b, nil
}

// detach forgets a finished or abandoned batch
func (c *scanImageConn) detach(run *batch) {
	c.mu.Lock()
	if c.batch == run {
		c.batch = nil
	}
	c.mu.Unlock()
	run.abandon()
}

// Cancel interrupts the running batch
func (c *scanImageConn) Cancel() {
	c.mu.Lock()
	run := c.batch
	c.mu.Unlock()
	if run == nil {
		return
	}
	run.cancelled.Store(true)
	run.signal(os.Interrupt)
	c.detach(run)
}

// Close stops any batch and removes leftover page files
func (c *scanImageConn) Close() error {
	c.mu.Lock()
	run := c.batch
	c.batch = nil
	c.mu.Unlock()
	if run != nil {
		run.cancelled.Store(true)
		run.signal(os.Kill)
		run.abandon()
	}
	return os.RemoveAll(c.tmp)
}

// batch is one running `scanimage --batch` process
type batch struct {
	cmd       *exec.Cmd
	logger    *slog.Logger
	stderr    bytes.Buffer
	pages     chan string
	done      chan struct{}
	waitErr   error
	abandoned chan struct{}
	once      sync.Once
	cancelled atomic.Bool
}

// newBatch starts cmd and forwards the page files it prints
func newBatch(cmd *exec.Cmd, logger *slog.Logger) (*batch, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("starting scanimage: %w", err)
	}
	b := &batch{
		cmd:       cmd,
		logger:    logger,
		pages:     make(chan string),
		done:      make(chan struct{}),
		abandoned: make(chan struct{}),
	}
	cmd.Stderr = &b.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting scanimage: %w", err)
	}
	go b.read(stdout)
	return b, nil
}

// read forwards each printed page file until the process exits
func (b *batch) read(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		select {
		case b.pages <- line:
		case <-b.abandoned:
		}
	}
	b.waitErr = b.cmd.Wait()
	close(b.done)
}

// next waits for the next page file
func (b *batch) next(timeout time.Duration) (string, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case path := <-b.pages:
		return path, nil
	case <-b.done:
		return "", b.result()
	case <-expired:
		// read may be blocked handing over a page printed before the kill
		b.abandon()
		b.signal(os.Kill)
		<-b.done
		if b.cancelled.Load() {
			return "", scanning.ErrCancelled
		}
		return "", fmt.Errorf("no page within %s", timeout)
	}
}

// result explains why the batch ended; a clean exit means the feeder ran empty
func (b *batch) result() error {
	if b.cancelled.Load() {
		return scanning.ErrCancelled
	}
	if b.waitErr == nil {
		return scanning.ErrFeederEmpty
	}
	return classify(b.stderr.String(), b.waitErr)
}

func (b *batch) signal(sig os.Signal) {
	if b.cmd.Process == nil {
		return
	}
	if err := b.cmd.Process.Signal(sig); err != nil {
		b.logger.Debug("Failed to signal scanimage", "signal", sig, "error", err)
	}
}

func (b *batch) abandon() {
	b.once.Do(func() { close(b.abandoned) })
}
