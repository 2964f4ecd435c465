package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receipt-ledger/internal/config"
	"github.com/zombor/receipt-ledger/internal/postgres"
	"github.com/zombor/receipt-ledger/internal/receipt"
	"github.com/zombor/receipt-ledger/internal/s3store"
	"github.com/zombor/receipt-ledger/internal/scanning"
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

	if err := config.LoadDotEnv(); err != nil {
		slog.Warn("Failed to load .env", "error", err)
	}

	cfg, fs, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		if errors.Is(err, ff.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if cfg.ShowVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	logger := config.SetupLogger(cfg)
	logger.Info("Starting receipt-ledger", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Initialize storage
	slog.Info("Initializing storage...", "backend", cfg.Storage)
	var (
		store    receipt.Storage
		blobOpts []receipt.ServerOption
	)
	switch cfg.Storage {
	case "local":
		signer, err := receipt.NewURLSigner(cfg.SigningSecret)
		if err != nil {
			return fmt.Errorf("creating url signer: %w", err)
		}
		local, err := receipt.NewLocalStorage(cfg.StoragePath, cfg.PublicURL, signer)
		if err != nil {
			return fmt.Errorf("initializing local storage: %w", err)
		}
		store = local
		blobOpts = append(blobOpts, receipt.WithBlobHandler(local.Handler()))
	case "s3":
		s3, err := s3store.New(ctx, s3store.Config{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			return fmt.Errorf("initializing s3 storage: %w", err)
		}
		store = s3
	}

	// Initialize database
	slog.Info("Initializing database...", "backend", cfg.DB)
	var db receipt.DB
	switch cfg.DB {
	case "bolt":
		bolt, err := receipt.NewBoltDB(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("initializing bolt database: %w", err)
		}
		defer bolt.Close()
		db = bolt
	case "postgres":
		if err := postgres.Migrate(cfg.DatabaseURL, logger); err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		pg := postgres.New(pool)
		defer pg.Close()
		db = pg
	}

	// Initialize scanner based on type
	fetcher := scanning.NewFetcher(&http.Client{Timeout: cfg.ExtractTimeout})
	var scanner scanning.Scanner
	switch cfg.Scanner {
	case "gemini":
		slog.Info("Initializing Gemini scanner...", "model", cfg.GeminiModel)
		gemini, err := scanning.NewGemini(ctx, cfg.GeminiKey, cfg.GeminiModel, fetcher)
		if err != nil {
			return fmt.Errorf("initializing gemini: %w", err)
		}
		scanner = gemini
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		ollama, err := scanning.NewOllama(cfg.OllamaURL, cfg.OllamaModel, fetcher)
		if err != nil {
			return fmt.Errorf("initializing ollama: %w", err)
		}
		scanner = ollama
	}
	defer scanner.Close()

	// Initialize authentication
	var (
		auth *receipt.Authenticator
		err  error
	)
	if cfg.JWKSURL != "" {
		slog.Info("Using JWKS authentication", "url", cfg.JWKSURL)
		auth, err = receipt.NewJWKSAuthenticator(ctx, cfg.JWKSURL)
	} else {
		slog.Info("Using HS256 authentication")
		auth, err = receipt.NewHMACAuthenticator(cfg.JWTSecret)
	}
	if err != nil {
		return fmt.Errorf("initializing authentication: %w", err)
	}

	service := receipt.NewService(db, scanner, store,
		receipt.WithExtractTimeout(cfg.ExtractTimeout),
		receipt.WithSignedURLTTL(cfg.SignedURLTTL),
		receipt.WithConcurrency(cfg.IngestConcurrency),
	)

	if cfg.SweepInterval > 0 {
		sweeper := receipt.NewSweeper(store, db, cfg.SweepGrace, cfg.SweepInterval, logger)
		sweeper.Start(ctx)
		defer sweeper.Stop()
	} else {
		slog.Info("Orphan sweep disabled")
	}

	server := receipt.NewServer(service, auth, blobOpts...)
	if err := server.Run(ctx, cfg.Addr(), cfg.ShutdownTimeout); err != nil {
		return err
	}

	slog.Info("Shutting down...")
	return nil
}
