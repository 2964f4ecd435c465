// Package config reads receipt-ledger settings from flags, environment and an
// optional config file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
)

// EnvVarPrefix is prepended to every flag name when read from the environment,
// so --db-path becomes RECEIPT_LEDGER_DB_PATH.
const EnvVarPrefix = "RECEIPT_LEDGER"

// SweepMargin is how much longer than one extraction the sweep grace must be.
// A blob is uploaded before extraction and referenced only after it, so a
// shorter grace lets the sweep delete blobs of files still being ingested.
const SweepMargin = 5 * time.Minute

// Config holds the resolved settings
type Config struct {
	Port      int
	LogLevel  slog.Level
	LogFormat string

	DB          string
	DBPath      string
	DatabaseURL string

	Storage       string
	StoragePath   string
	PublicURL     string
	SigningSecret string

	S3Bucket    string
	S3Prefix    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3PathStyle bool

	Scanner     string
	GeminiKey   string
	GeminiModel string
	OllamaURL   string
	OllamaModel string

	ExtractTimeout    time.Duration
	SignedURLTTL      time.Duration
	IngestConcurrency int

	JWTSecret string
	JWKSURL   string

	SweepInterval   time.Duration
	SweepGrace      time.Duration
	ShutdownTimeout time.Duration

	ShowVersion bool
}

// Addr is the listen address for the HTTP server
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// LoadDotEnv loads variables from the given files (default .env) without
// overriding ones already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// Load parses args, then RECEIPT_LEDGER_* variables, then the --config file.
// The flag set is returned so callers can print help on error.
func Load(args []string) (*Config, *ff.FlagSet, error) {
	fs := ff.NewFlagSet("receipt-ledger")
	var (
		port        = fs.IntLong("port", 8080, "HTTP server port")
		logLevel    = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		logFormat   = fs.StringLong("log-format", "text", "Log format: text or json")
		db          = fs.StringLong("db", "bolt", "Record store: 'bolt' or 'postgres'")
		dbPath      = fs.StringLong("db-path", "receipt-ledger.db", "BoltDB file path")
		databaseURL = fs.StringLong("database-url", "", "Postgres connection URL")

		storage       = fs.StringLong("storage", "local", "Blob store: 'local' or 's3'")
		storagePath   = fs.StringLong("storage-path", "./receipts", "Local blob directory")
		publicURL     = fs.StringLong("public-url", "http://localhost:8080", "Externally reachable base URL for local signed links")
		signingSecret = fs.StringLong("signing-secret", "", "HMAC secret for local signed links")

		s3Bucket    = fs.StringLong("s3-bucket", "", "S3 bucket name")
		s3Prefix    = fs.StringLong("s3-prefix", "receipt-ledger", "Key prefix for stored images; the orphan sweep only lists under it")
		s3Region    = fs.StringLong("s3-region", "us-east-1", "S3 region")
		s3Endpoint  = fs.StringLong("s3-endpoint", "", "S3 endpoint override (MinIO and friends)")
		s3AccessKey = fs.StringLong("s3-access-key", "", "S3 access key (default credential chain when empty)")
		s3SecretKey = fs.StringLong("s3-secret-key", "", "S3 secret key")
		s3PathStyle = fs.BoolLong("s3-path-style", "Use path-style S3 addressing")

		scanner     = fs.StringLong("scanner", "gemini", "Extraction backend: 'gemini' or 'ollama'")
		geminiKey   = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL   = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, qwen2-vl)")

		extractTimeout    = fs.DurationLong("extract-timeout", 60*time.Second, "Deadline for one extraction call")
		signedURLTTL      = fs.DurationLong("signed-url-ttl", 5*time.Minute, "Lifetime of signed image links")
		ingestConcurrency = fs.IntLong("ingest-concurrency", 4, "Files ingested in parallel per upload")

		jwtSecret = fs.StringLong("jwt-secret", "", "HS256 secret for bearer tokens")
		jwksURL   = fs.StringLong("jwks-url", "", "JWKS endpoint for RS/ES bearer tokens")

		sweepInterval   = fs.DurationLong("sweep-interval", time.Hour, "Orphan sweep interval (0 disables)")
		sweepGrace      = fs.DurationLong("sweep-grace", 24*time.Hour, "Minimum blob age before the sweep may delete it")
		shutdownTimeout = fs.DurationLong("shutdown-timeout", 15*time.Second, "Graceful shutdown deadline")

		_           = fs.StringLong("config", "", "Config file (optional)")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix(EnvVarPrefix),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	); err != nil {
		return nil, fs, err
	}

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		return nil, fs, fmt.Errorf("log-level: %w", err)
	}

	cfg := &Config{
		Port:              *port,
		LogLevel:          level,
		LogFormat:         strings.ToLower(*logFormat),
		DB:                strings.ToLower(*db),
		DBPath:            *dbPath,
		DatabaseURL:       *databaseURL,
		Storage:           strings.ToLower(*storage),
		StoragePath:       *storagePath,
		PublicURL:         strings.TrimRight(*publicURL, "/"),
		SigningSecret:     *signingSecret,
		S3Bucket:          *s3Bucket,
		S3Prefix:          *s3Prefix,
		S3Region:          *s3Region,
		S3Endpoint:        *s3Endpoint,
		S3AccessKey:       *s3AccessKey,
		S3SecretKey:       *s3SecretKey,
		S3PathStyle:       *s3PathStyle,
		Scanner:           strings.ToLower(*scanner),
		GeminiKey:         *geminiKey,
		GeminiModel:       *geminiModel,
		OllamaURL:         *ollamaURL,
		OllamaModel:       *ollamaModel,
		ExtractTimeout:    *extractTimeout,
		SignedURLTTL:      *signedURLTTL,
		IngestConcurrency: *ingestConcurrency,
		JWTSecret:         *jwtSecret,
		JWKSURL:           *jwksURL,
		SweepInterval:     *sweepInterval,
		SweepGrace:        *sweepGrace,
		ShutdownTimeout:   *shutdownTimeout,
		ShowVersion:       *showVersion,
	}

	// Get Gemini API key from flag or environment
	if cfg.GeminiKey == "" {
		cfg.GeminiKey = os.Getenv("GEMINI_API_KEY")
	}

	if cfg.ShowVersion {
		return cfg, fs, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, fs, err
	}
	return cfg, fs, nil
}

// Validate checks that the selected backends have what they need
func (c *Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port: %d is out of range", c.Port))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("log-format: invalid format %q, valid: json, text", c.LogFormat))
	}

	switch c.DB {
	case "bolt":
		if c.DBPath == "" {
			errs = append(errs, errors.New("db-path is required for the bolt store"))
		}
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("database-url is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("db: invalid store %q, valid: bolt, postgres", c.DB))
	}

	switch c.Storage {
	case "local":
		if c.StoragePath == "" {
			errs = append(errs, errors.New("storage-path is required for local storage"))
		}
		if c.SigningSecret == "" {
			errs = append(errs, errors.New("signing-secret is required for local storage"))
		}
		if c.PublicURL == "" {
			errs = append(errs, errors.New("public-url is required for local storage"))
		}
	case "s3":
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("s3-bucket is required for s3 storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage: invalid store %q, valid: local, s3", c.Storage))
	}

	switch c.Scanner {
	case "gemini":
		if c.GeminiKey == "" {
			errs = append(errs, errors.New("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable"))
		}
	case "ollama":
		if c.OllamaURL == "" {
			errs = append(errs, errors.New("ollama-url is required for the ollama scanner"))
		}
	default:
		errs = append(errs, fmt.Errorf("scanner: invalid type %q, valid: gemini, ollama", c.Scanner))
	}

	if c.JWTSecret == "" && c.JWKSURL == "" {
		errs = append(errs, errors.New("one of jwt-secret or jwks-url is required"))
	}

	if c.ExtractTimeout <= 0 {
		errs = append(errs, errors.New("extract-timeout must be > 0"))
	}
	if c.SignedURLTTL <= 0 {
		errs = append(errs, errors.New("signed-url-ttl must be > 0"))
	}
	if c.IngestConcurrency < 1 {
		errs = append(errs, errors.New("ingest-concurrency must be at least 1"))
	}
	if c.SweepInterval < 0 {
		errs = append(errs, errors.New("sweep-interval must not be negative"))
	}
	if c.SweepGrace <= c.ExtractTimeout+SweepMargin {
		errs = append(errs, fmt.Errorf("sweep-grace must be longer than extract-timeout plus %s (%s)", SweepMargin, c.ExtractTimeout+SweepMargin))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown-timeout must be > 0"))
	}

	return errors.Join(errs...)
}

// SetupLogger configures the default slog logger from cfg
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid level %q, valid: debug, info, warn, error", level)
	}
}
