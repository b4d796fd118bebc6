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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/zombor/fare-wallet/internal/backend"
	"github.com/zombor/fare-wallet/internal/payment"
	"github.com/zombor/fare-wallet/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

// store is everything the pipeline needs from a backend
type store interface {
	payment.ReferenceStore
	payment.WalletStore
	payment.Settler
	payment.TokenStore
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("fare-wallet")
	var (
		port        = fs.IntLong("port", 8080, "HTTP server port")
		backendType = fs.StringLong("backend", "local", "Backend type: 'local' or 'remote'")
		dbPath      = fs.StringLong("db", "fare-wallet.db", "Database file path (local backend)")
		seedPath    = fs.StringLong("seed", "", "YAML seed file loaded into the local backend (optional)")
		backendURL  = fs.StringLong("backend-url", "", "Remote backend base URL")
		backendKey  = fs.StringLong("backend-key", "", "Remote backend API key")
		payerID     = fs.StringLong("payer", "", "ID of the user paying from this wallet")
		fallbackFee = fs.StringLong("fallback-fee", "500", "Ticket fee used when a driver has none configured")
		exportsPath = fs.StringLong("exports", "./exports", "Directory for exported payment codes")
		scannerType = fs.StringLong("scanner", "none", "Scanner type: 'gemini', 'ollama' or 'none'")
		geminiKey   = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL   = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel = fs.StringLong("ollama-model", "qwen2-vl", "Ollama model name")
		captureFPS  = fs.IntLong("capture-fps", scanning.DefaultFPS, "Maximum camera frames read per second")
		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("FARE_WALLET"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if *payerID == "" {
		slog.Error("Payer ID is required. Set --payer flag or FARE_WALLET_PAYER environment variable")
		os.Exit(1)
	}
	fee, err := decimal.NewFromString(*fallbackFee)
	if err != nil || !fee.IsPositive() {
		slog.Error("Invalid fallback fee", "value", *fallbackFee)
		os.Exit(1)
	}

	ctx := context.Background()

	// Initialize backend
	var backing store
	// Only the local backend keeps a transaction log this process can read
	var transactions payment.TransactionLister
	switch *backendType {
	case "local":
		slog.Info("Initializing database...", "path", *dbPath)
		db, err := payment.NewBoltDB(*dbPath)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if *seedPath != "" {
			seed, err := payment.LoadSeed(*seedPath)
			if err != nil {
				slog.Error("Failed to load seed", "error", err)
				os.Exit(1)
			}
			if err := db.ApplySeed(ctx, seed); err != nil {
				slog.Error("Failed to apply seed", "error", err)
				os.Exit(1)
			}
			slog.Info("Seed applied", "users", len(seed.Users), "tokens", len(seed.Tokens))
		}
		backing = db
		transactions = db
	case "remote":
		slog.Info("Initializing remote backend...", "url", *backendURL)
		client, err := backend.NewClient(*backendURL, *backendKey)
		if err != nil {
			slog.Error("Failed to initialize remote backend", "error", err)
			os.Exit(1)
		}
		backing = client
	default:
		slog.Error("Invalid backend type", "type", *backendType, "valid", "local or remote")
		os.Exit(1)
	}

	// Initialize scanner based on type
	var scanner scanning.Scanner
	switch *scannerType {
	case "gemini":
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini scanner...", "model", *geminiModel)
		scanner, err = scanning.NewGemini(apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", *ollamaURL, "model", *ollamaModel)
		scanner, err = scanning.NewOllama(*ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	case "none":
		slog.Info("No scanner configured, codes can only be entered manually")
	default:
		slog.Error("Invalid scanner type", "type", *scannerType, "valid", "gemini, ollama or none")
		os.Exit(1)
	}
	if scanner != nil {
		defer scanner.Close()
	}

	// Initialize storage
	slog.Info("Initializing export storage...")
	exports, err := payment.NewLocalStorage(*exportsPath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	// Initialize metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := payment.NewMetrics(registry)

	// Initialize session
	session := payment.NewSession(*payerID, backing, backing, backing, payment.Options{
		FallbackFee: fee,
		Metrics:     metrics,
	})
	if wallet, err := session.Wallet(ctx); err != nil {
		slog.Warn("Wallet not available yet", "payer", *payerID, "error", err)
	} else {
		slog.Info("Wallet loaded", "payer", *payerID, "balance", wallet.Balance.String(), "frozen", wallet.Frozen)
	}

	deps := payment.ServerDeps{
		Tokens:       payment.NewTokens(backing, exports),
		Transactions: transactions,
		Metrics:      promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	if scanner != nil {
		frames := scanning.NewFrameSource(scanner, float64(*captureFPS))
		deps.Frames = frames
		deps.Capture = payment.NewCapture(frames, func(raw string) {
			if _, err := session.Process(context.Background(), raw); err != nil {
				slog.Info("Captured code was not accepted", "error", err)
			}
		}, metrics)
	}

	// Initialize server
	basicAuth := payment.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := payment.NewServer(session, deps, basicAuth)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}
