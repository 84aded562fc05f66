// Package config holds the typed configuration surface for both the
// ingress and worker binaries. Every tunable named in the specification
// is a struct field here — never a package-level global — so it can be
// constructed once at startup and passed explicitly into constructors.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"
)

// XLSXFileNamePattern matches the original-file-name contract from the
// upload endpoint: letters, digits, underscore, comma, whitespace and
// dashes, ending in ".xlsx".
var XLSXFileNamePattern = regexp.MustCompile(`^[\w,\s-]+\.xlsx$`)

// XLSXMimeType is the declared content type the assembler requires of
// every chunk. The ingress handler also sniffs the first chunk with
// mimetype.DetectReader, but only logs a mismatch at debug level; it
// does not reject the upload on it.
const XLSXMimeType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// TransactionMode selects how the task processor scopes its store
// transactions across the row loop. See SPEC_FULL.md §4.3.
type TransactionMode string

const (
	// TransactionModeSingle keeps the whole row loop plus finalization
	// in one transaction (spec.md's original, simplest contract).
	TransactionModeSingle TransactionMode = "single"
	// TransactionModeBatched performs reservation upserts in short,
	// bounded transactions and only finalizes Task+Event in a final
	// transaction. Default, since it avoids unbounded transaction
	// lifetimes on large files.
	TransactionModeBatched TransactionMode = "batched"
)

// Mongo holds the durable store connection settings.
type Mongo struct {
	URL    string
	DBName string
}

// Redis holds the session cache connection settings.
type Redis struct {
	URL string
}

// RabbitMQ holds the message bus connection settings.
type RabbitMQ struct {
	URL string
}

// S3 holds the object store connection settings.
type S3 struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Endpoint        string
	BucketName      string
	ForcePathStyle  bool
}

// API holds the ingress HTTP server settings.
type API struct {
	Host string
	Port int
	Env  string // e.g. "development" | "production"
}

// Auth holds the shared-secret API key gate.
type Auth struct {
	RootAPIKey string
}

// Worker holds worker-fleet tunables.
type Worker struct {
	// Logger selects the log format, e.g. "json" | "text".
	Logger string

	BatchSize                int
	StaleEventThresholdSecs  int
	PublishTickInterval      time.Duration
	RecoveryTickInterval     time.Duration
	DLQDelayQueueTTL         time.Duration
	Prefetch                 int
	TransactionMode          TransactionMode
	ReservationUpsertBatch   int // rows per batched transaction, TransactionModeBatched only
	ShutdownGraceTimeout     time.Duration
}

// Config is the full, validated configuration for both binaries.
type Config struct {
	Mongo    Mongo
	Redis    Redis
	RabbitMQ RabbitMQ
	S3       S3
	API      API
	Auth     Auth
	Worker   Worker
}

// DefaultWorker returns the module-level defaults named in spec.md §9
// and §4.2/§4.3, expressed as a value rather than as constants so
// callers can override any of them explicitly.
func DefaultWorker() Worker {
	return Worker{
		Logger:                  "text",
		BatchSize:               500,
		StaleEventThresholdSecs: 60,
		PublishTickInterval:     1 * time.Second,
		RecoveryTickInterval:    2 * time.Minute,
		DLQDelayQueueTTL:        120 * time.Second,
		Prefetch:                1,
		TransactionMode:         TransactionModeBatched,
		ReservationUpsertBatch:  200,
		ShutdownGraceTimeout:    30 * time.Second,
	}
}

// Load builds a Config from the process environment. Required keys
// missing at startup are a Fatal error per spec.md §7 — the caller
// should refuse to start the process.
func Load() (Config, error) {
	cfg := Config{
		Mongo: Mongo{
			URL:    os.Getenv("MONGODB_URL"),
			DBName: os.Getenv("MONGODB_DBNAME"),
		},
		Redis: Redis{
			URL: os.Getenv("REDIS_URL"),
		},
		RabbitMQ: RabbitMQ{
			URL: os.Getenv("RABBITMQ_URL"),
		},
		S3: S3{
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
			Region:          os.Getenv("S3_REGION"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			BucketName:      os.Getenv("S3_BUCKET_NAME"),
			ForcePathStyle:  os.Getenv("S3_ENDPOINT") != "",
		},
		API: API{
			Host: envOr("API_HOST", "0.0.0.0"),
			Env:  envOr("API_ENV", "development"),
		},
		Auth: Auth{
			RootAPIKey: os.Getenv("AUTH_ROOT_API_KEY"),
		},
		Worker: DefaultWorker(),
	}

	port, err := strconv.Atoi(envOr("API_PORT", "8080"))
	if err != nil {
		return Config{}, fmt.Errorf("parse API_PORT: %w", err)
	}
	cfg.API.Port = port

	if v := os.Getenv("WORKER_LOGGER"); v != "" {
		cfg.Worker.Logger = v
	}
	if v := os.Getenv("WORKER_TRANSACTION_MODE"); v != "" {
		cfg.Worker.TransactionMode = TransactionMode(v)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate returns a non-nil error naming one missing required key
// (which one is not fixed when several are missing). Called by Load,
// and by tests constructing a Config by hand.
func (c Config) Validate() error {
	required := map[string]string{
		"MONGODB_URL":    c.Mongo.URL,
		"MONGODB_DBNAME": c.Mongo.DBName,
		"REDIS_URL":      c.Redis.URL,
		"RABBITMQ_URL":   c.RabbitMQ.URL,
		"S3_BUCKET_NAME": c.S3.BucketName,
	}
	for key, val := range required {
		if val == "" {
			return fmt.Errorf("config: required key %s is empty", key)
		}
	}
	if c.Worker.TransactionMode != TransactionModeSingle && c.Worker.TransactionMode != TransactionModeBatched {
		return fmt.Errorf("config: invalid worker transaction mode %q", c.Worker.TransactionMode)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
