package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/bitharbor"
	"github.com/hupe1980/bitharbor/canon"
	"github.com/hupe1980/bitharbor/errs"
	"github.com/hupe1980/bitharbor/index"
	"github.com/hupe1980/bitharbor/ingest"
	"github.com/hupe1980/bitharbor/internal/hnsw"
	"github.com/hupe1980/bitharbor/search"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BITHARBOR_"

// ErrInvalid is returned for a configuration that cannot be used.
var ErrInvalid = errs.New(errs.ErrData, "invalid configuration")

// Storage backends.
const (
	StorageLocal = "local"
	StorageS3    = "s3"
	StorageMinIO = "minio"
)

// Metadata backends.
const (
	MetadataBadger = "badger"
	MetadataSQLite = "sqlite"
	MetadataMemory = "memory"
)

// Embedding providers.
const (
	EmbedderHashing = "hashing"
	EmbedderOpenAI  = "openai"
)

// Config is the complete configuration of a store.
type Config struct {
	DataDir   string `yaml:"data_dir"`
	Dimension int    `yaml:"dimension"`
	// Precision is the number of decimal digits kept per vector component.
	Precision int    `yaml:"precision"`
	LogLevel  string `yaml:"log_level"`
	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format"`

	Storage  StorageConfig  `yaml:"storage"`
	Metadata MetadataConfig `yaml:"metadata"`
	Embedder EmbedderConfig `yaml:"embedder"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Index    IndexConfig    `yaml:"index"`
	Search   SearchConfig   `yaml:"search"`
}

// StorageConfig selects where content objects and index snapshots live.
type StorageConfig struct {
	Backend   string `yaml:"backend"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
	// AccessKey and SecretKey authenticate against MinIO. S3 uses the
	// default AWS credential chain.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	// PointerTable, when set on the s3 backend, commits the index pointer
	// through this DynamoDB table.
	PointerTable string `yaml:"pointer_table"`
}

// MetadataConfig selects the metadata store.
type MetadataConfig struct {
	Backend string `yaml:"backend"`
	// Path defaults to <data_dir>/metadata for badger and
	// <data_dir>/metadata.db for sqlite.
	Path string `yaml:"path"`
}

// EmbedderConfig selects the embedding model.
type EmbedderConfig struct {
	Provider string        `yaml:"provider"`
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"api_key"`
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
	// RequestsPerSecond limits calls to the provider. Zero disables the limit.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	MaxInFlight       int     `yaml:"max_in_flight"`
}

// IngestConfig tunes the ingest pipeline.
type IngestConfig struct {
	Workers          int           `yaml:"workers"`
	EmbedTimeout     time.Duration `yaml:"embed_timeout"`
	MetadataTimeout  time.Duration `yaml:"metadata_timeout"`
	EmbedRetries     int           `yaml:"embed_retries"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
	MaxInFlightBytes int64         `yaml:"max_in_flight_bytes"`
	IOBytesPerSec    int64         `yaml:"io_bytes_per_sec"`
}

// IndexConfig tunes the ANN index.
type IndexConfig struct {
	RebuildThreshold uint64 `yaml:"rebuild_threshold"`
	KeepSnapshots    int    `yaml:"keep_snapshots"`
	Compression      string `yaml:"compression"`
	FilterPolicy     string `yaml:"filter_policy"`
	M                int    `yaml:"m"`
	EFConstruction   int    `yaml:"ef_construction"`
	EFSearch         int    `yaml:"ef_search"`
}

// SearchConfig tunes queries.
type SearchConfig struct {
	Overfetch int `yaml:"overfetch"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		DataDir:   "./data",
		Dimension: bitharbor.DefaultDimension,
		Precision: canon.DefaultPrecision,
		LogLevel:  "info",
		LogFormat: "text",
		Storage:   StorageConfig{Backend: StorageLocal, Secure: true},
		Metadata:  MetadataConfig{Backend: MetadataBadger},
		Embedder:  EmbedderConfig{Provider: EmbedderHashing},
		Ingest: IngestConfig{
			EmbedTimeout:    ingest.DefaultEmbedTimeout,
			MetadataTimeout: ingest.DefaultMetadataTimeout,
			EmbedRetries:    ingest.DefaultEmbedRetries,
			BackoffBase:     ingest.DefaultBackoffBase,
			BackoffMax:      ingest.DefaultBackoffMax,
		},
		Index: IndexConfig{
			RebuildThreshold: index.DefaultRebuildThreshold,
			KeepSnapshots:    index.DefaultKeepSnapshots,
			Compression:      index.CompressionZSTD.String(),
			FilterPolicy:     index.FilterPostTraversal.String(),
			M:                hnsw.DefaultM,
			EFConstruction:   hnsw.DefaultEFConstruction,
			EFSearch:         hnsw.DefaultEFSearch,
		},
		Search: SearchConfig{Overfetch: search.DefaultOverfetch},
	}
}

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are skipped and variables already set are kept.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the YAML file at path (skipped when empty) over the defaults,
// applies BITHARBOR_* environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return errs.Data("", err)
	}
	return nil
}

type envVar struct {
	name string
	set  func(c *Config, v string) error
}

func str(f func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error { *f(c) = v; return nil }
}

func integer(f func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*f(c) = n
		return nil
	}
}

func duration(f func(c *Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*f(c) = d
		return nil
	}
}

var envVars = []envVar{
	{"DATA_DIR", str(func(c *Config) *string { return &c.DataDir })},
	{"DIMENSION", integer(func(c *Config) *int { return &c.Dimension })},
	{"PRECISION", integer(func(c *Config) *int { return &c.Precision })},
	{"LOG_LEVEL", str(func(c *Config) *string { return &c.LogLevel })},
	{"LOG_FORMAT", str(func(c *Config) *string { return &c.LogFormat })},
	{"STORAGE_BACKEND", str(func(c *Config) *string { return &c.Storage.Backend })},
	{"STORAGE_BUCKET", str(func(c *Config) *string { return &c.Storage.Bucket })},
	{"STORAGE_PREFIX", str(func(c *Config) *string { return &c.Storage.Prefix })},
	{"STORAGE_REGION", str(func(c *Config) *string { return &c.Storage.Region })},
	{"STORAGE_ENDPOINT", str(func(c *Config) *string { return &c.Storage.Endpoint })},
	{"STORAGE_ACCESS_KEY", str(func(c *Config) *string { return &c.Storage.AccessKey })},
	{"STORAGE_SECRET_KEY", str(func(c *Config) *string { return &c.Storage.SecretKey })},
	{"STORAGE_POINTER_TABLE", str(func(c *Config) *string { return &c.Storage.PointerTable })},
	{"METADATA_BACKEND", str(func(c *Config) *string { return &c.Metadata.Backend })},
	{"METADATA_PATH", str(func(c *Config) *string { return &c.Metadata.Path })},
	{"EMBEDDER", str(func(c *Config) *string { return &c.Embedder.Provider })},
	{"EMBEDDING_MODEL", str(func(c *Config) *string { return &c.Embedder.Model })},
	{"EMBEDDING_BASE_URL", str(func(c *Config) *string { return &c.Embedder.BaseURL })},
	{"OPENAI_API_KEY", str(func(c *Config) *string { return &c.Embedder.APIKey })},
	{"WORKERS", integer(func(c *Config) *int { return &c.Ingest.Workers })},
	{"EMBED_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Ingest.EmbedTimeout })},
	{"METADATA_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Ingest.MetadataTimeout })},
	{"EMBED_RETRIES", integer(func(c *Config) *int { return &c.Ingest.EmbedRetries })},
	{"INDEX_COMPRESSION", str(func(c *Config) *string { return &c.Index.Compression })},
	{"INDEX_FILTER_POLICY", str(func(c *Config) *string { return &c.Index.FilterPolicy })},
	{"INDEX_M", integer(func(c *Config) *int { return &c.Index.M })},
	{"INDEX_EF_SEARCH", integer(func(c *Config) *int { return &c.Index.EFSearch })},
	{"REBUILD_THRESHOLD", func(c *Config, v string) error {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return err
		}
		c.Index.RebuildThreshold = n
		return nil
	}},
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, ev := range envVars {
		v, ok := lookup(EnvPrefix + ev.name)
		if !ok || v == "" {
			continue
		}
		if err := ev.set(c, v); err != nil {
			return fmt.Errorf("%w: %s%s=%q: %v", ErrInvalid, EnvPrefix, ev.name, v, err)
		}
	}
	// The provider's own variable is honored when nothing more specific is set.
	if c.Embedder.APIKey == "" {
		if v, ok := lookup("OPENAI_API_KEY"); ok {
			c.Embedder.APIKey = v
		}
	}
	return nil
}

// Validate checks that every setting is usable.
func (c Config) Validate() error {
	var problems []error
	bad := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if c.DataDir == "" {
		bad("data_dir is required")
	}
	if c.Dimension <= 0 {
		bad("dimension must be positive, got %d", c.Dimension)
	}
	if c.Precision <= 0 || c.Precision > 9 {
		bad("precision must be between 1 and 9, got %d", c.Precision)
	}
	if _, err := c.Level(); err != nil {
		bad("log_level: %v", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		bad("log_format must be text or json, got %q", c.LogFormat)
	}

	switch c.Storage.Backend {
	case StorageLocal:
	case StorageS3, StorageMinIO:
		if c.Storage.Bucket == "" {
			bad("storage.bucket is required for the %s backend", c.Storage.Backend)
		}
		if c.Storage.Backend == StorageMinIO && c.Storage.Endpoint == "" {
			bad("storage.endpoint is required for the minio backend")
		}
	default:
		bad("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.PointerTable != "" && c.Storage.Backend != StorageS3 {
		bad("storage.pointer_table requires the s3 backend")
	}

	switch c.Metadata.Backend {
	case MetadataBadger, MetadataSQLite, MetadataMemory:
	default:
		bad("unknown metadata backend %q", c.Metadata.Backend)
	}

	switch c.Embedder.Provider {
	case EmbedderHashing:
	case EmbedderOpenAI:
		if c.Embedder.APIKey == "" {
			bad("embedder.api_key (or OPENAI_API_KEY) is required for the openai provider")
		}
	default:
		bad("unknown embedder %q", c.Embedder.Provider)
	}

	if _, err := index.ParseCompression(c.Index.Compression); err != nil {
		bad("index.compression: %v", err)
	}
	if _, err := index.ParseFilterPolicy(c.Index.FilterPolicy); err != nil {
		bad("index.filter_policy: %v", err)
	}
	if c.Ingest.EmbedRetries < 0 {
		bad("ingest.embed_retries must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(problems...))
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(c.LogLevel))
	return l, err
}
