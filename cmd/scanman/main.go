package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/scanman/internal/device"
	"github.com/zombor/scanman/internal/document"
	"github.com/zombor/scanman/internal/host"
	"github.com/zombor/scanman/internal/naming"
	"github.com/zombor/scanman/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("scanman")
	var (
		port         = fs.IntLong("port", 8080, "HTTP server port")
		dbPath       = fs.StringLong("db", "scanman.db", "Database file path")
		storagePath  = fs.StringLong("storage", "./documents", "Directory scanned documents are stored in")
		driver       = fs.StringLong("driver", "scanimage", "Scanner driver: 'scanimage' or 'spool'")
		deviceName   = fs.StringLong("device", "", "SANE device name (default: first device found)")
		spoolDir     = fs.StringLong("spool-dir", "./spool", "Directory fed as pages by the spool driver")
		pageTimeout  = fs.DurationLong("page-timeout", 0, "Longest wait for one page before the scan is aborted (0: no limit)")
		pollInterval = fs.DurationLong("poll-interval", scanning.DefaultPollInterval, "How often the scanner state is checked")
		filename     = fs.StringLong("filename", document.DefaultFilenameLayout, "Go time layout used to name documents")
		jpegQuality  = fs.IntLong("jpeg-quality", document.DefaultJPEGQuality, "JPEG quality of page images, 1 to 100")
		namerType    = fs.StringLong("namer", "none", "Document titling: 'none', 'gemini' or 'ollama'")
		geminiKey    = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel  = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL    = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel  = fs.StringLong("ollama-model", "llava", "Ollama vision model name")
		authUser     = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass     = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		_            = fs.StringLong("config", "", "Config file with one 'flag value' per line (optional)")
		showVersion  = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("SCANMAN"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()

	// Initialize database
	slog.Info("Initializing database...")
	db, err := document.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize storage
	slog.Info("Initializing storage...")
	store, err := document.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	// Initialize namer based on type
	var namer naming.Namer
	switch *namerType {
	case "none", "":
	case "gemini":
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini namer...", "model", *geminiModel)
		gemini, err := naming.NewGemini(ctx, apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
		defer gemini.Close()
		namer = gemini
	case "ollama":
		slog.Info("Initializing Ollama namer...", "url", *ollamaURL, "model", *ollamaModel)
		namer = naming.NewOllama(*ollamaURL, *ollamaModel)
	default:
		slog.Error("Invalid namer type", "type", *namerType, "valid", "none, gemini or ollama")
		os.Exit(1)
	}

	documents := document.NewService(db, store, document.Options{
		FilenameLayout: *filename,
		JPEGQuality:    *jpegQuality,
		Namer:          namer,
	})

	// Initialize scanner driver
	var opener scanning.Opener
	switch *driver {
	case "scanimage":
		slog.Info("Using scanimage driver", "device", *deviceName)
		opener = device.NewScanImage(device.ScanImageConfig{
			Device:      *deviceName,
			PageTimeout: *pageTimeout,
		}, logger)
	case "spool":
		slog.Info("Using spool driver", "dir", *spoolDir)
		if err := os.MkdirAll(*spoolDir, 0755); err != nil {
			slog.Error("Failed to create spool directory", "error", err)
			os.Exit(1)
		}
		opener = device.NewSpool(*spoolDir, logger)
	default:
		slog.Error("Invalid driver", "driver", *driver, "valid", "scanimage or spool")
		os.Exit(1)
	}

	handle := scanning.NewHandle(opener, scanning.DefaultOptions(), logger)
	defer handle.Close()
	controller := scanning.NewController(handle, logger)
	watcher := scanning.NewWatcher(handle, controller, *pollInterval, logger)

	scanHost := host.New(controller, handle, documents, logger)
	go scanHost.Watch(ctx, watcher)

	// Initialize server
	basicAuth := host.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := host.NewServer(scanHost, documents, basicAuth)

	addr := fmt.Sprintf(":%d", *port)
	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	if err := server.Start(ctx, addr); err != nil {
		slog.Error("Server error", "error", err)
		stop()
		os.Exit(1)
	}

	slog.Info("Shutting down...")
	controller.Cancel()
}
