package bitharbor

import (
	"log/slog"
	"time"

	"github.com/hupe1980/bitharbor/blobstore"
	"github.com/hupe1980/bitharbor/canon"
	"github.com/hupe1980/bitharbor/embedding"
	"github.com/hupe1980/bitharbor/index"
	"github.com/hupe1980/bitharbor/ingest"
	"github.com/hupe1980/bitharbor/internal/hnsw"
	"github.com/hupe1980/bitharbor/metadata"
	"github.com/hupe1980/bitharbor/search"
)

// DefaultDimension is the embedding dimension used when none is configured.
const DefaultDimension = 1024

type options struct {
	dim       int
	precision int

	blobs    blobstore.BlobStore
	metadata metadata.Store
	embedder embedding.Embedder

	workers         int
	embedTimeout    time.Duration
	metadataTimeout time.Duration
	embedRetries    int
	backoffBase     time.Duration
	backoffMax      time.Duration

	maxInFlightBytes int64
	ioBytesPerSec    int64

	rebuildThreshold uint64
	keepSnapshots    int
	compression      index.Compression
	filterPolicy     index.FilterPolicy
	hnsw             hnsw.Options

	overfetch int

	metricsCollector MetricsCollector
	logger           *Logger
}

// Option configures Open.
type Option func(*options)

// WithDimension sets the embedding dimension of a new store. Reopening a
// store with a different dimension fails.
func WithDimension(dim int) Option {
	return func(o *options) { o.dim = dim }
}

// WithPrecision sets the number of decimal digits canonical vectors keep.
func WithPrecision(digits int) Option {
	return func(o *options) { o.precision = digits }
}

// WithBlobStore stores CAS objects and index snapshots in blobs instead of
// <dir>/blobs. Use blobstore/s3 or blobstore/minio for remote storage, and
// wrap an S3 store with s3.NewDDBCommitStore to commit the index pointer
// through DynamoDB.
func WithBlobStore(blobs blobstore.BlobStore) Option {
	return func(o *options) { o.blobs = blobs }
}

// WithMetadataStore replaces the default Badger store under <dir>/metadata.
// The caller keeps ownership: Close does not close it.
func WithMetadataStore(s metadata.Store) Option {
	return func(o *options) { o.metadata = s }
}

// WithEmbedder sets the embedding model. Without one, the offline feature
// hashing embedder is used.
//
// Example with OpenAI:
//
//	emb := embedding.NewOpenAI(embedding.OpenAIOptions{APIKey: key, Dimension: 1024})
//	h, _ := bitharbor.Open(ctx, "./data", bitharbor.WithEmbedder(emb))
func WithEmbedder(e embedding.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithWorkers bounds concurrent ingests.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithTimeouts sets the per-call embedding and metadata timeouts.
func WithTimeouts(embed, metadata time.Duration) Option {
	return func(o *options) {
		o.embedTimeout = embed
		o.metadataTimeout = metadata
	}
}

// WithEmbedRetry sets how often a transient embedding failure is retried and
// the exponential backoff between attempts.
func WithEmbedRetry(retries int, base, max time.Duration) Option {
	return func(o *options) {
		o.embedRetries = retries
		o.backoffBase = base
		o.backoffMax = max
	}
}

// WithResourceLimits bounds the asset bytes ingested at once and throttles
// copies into the content store. Zero disables a limit.
func WithResourceLimits(maxInFlightBytes, ioBytesPerSec int64) Option {
	return func(o *options) {
		o.maxInFlightBytes = maxInFlightBytes
		o.ioBytesPerSec = ioBytesPerSec
	}
}

// WithRebuildThreshold sets how many rows may be appended past the current
// index snapshot before a background rebuild starts.
func WithRebuildThreshold(n uint64) Option {
	return func(o *options) { o.rebuildThreshold = n }
}

// WithKeepSnapshots sets how many index snapshot files are retained.
func WithKeepSnapshots(n int) Option {
	return func(o *options) { o.keepSnapshots = n }
}

// WithCompression sets the index snapshot compression.
func WithCompression(c index.Compression) Option {
	return func(o *options) { o.compression = c }
}

// WithFilterPolicy sets how media type filters are applied during ANN search.
func WithFilterPolicy(p index.FilterPolicy) Option {
	return func(o *options) { o.filterPolicy = p }
}

// WithHNSW sets the graph parameters. Zero values keep the defaults.
func WithHNSW(m, efConstruction, efSearch int) Option {
	return func(o *options) {
		if m > 0 {
			o.hnsw.M = m
		}
		if efConstruction > 0 {
			o.hnsw.EFConstruction = efConstruction
		}
		if efSearch > 0 {
			o.hnsw.EFSearch = efSearch
		}
	}
}

// WithOverfetch sets the ANN candidate multiplier for searches.
func WithOverfetch(n int) Option {
	return func(o *options) { o.overfetch = n }
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &bitharbor.BasicMetricsCollector{}
//	h, _ := bitharbor.Open(ctx, "./data", bitharbor.WithMetricsCollector(metrics))
//	// ... use h ...
//	stats := metrics.GetStats()
//	fmt.Printf("Ingests: %d, deduplicated: %d\n", stats.IngestCount, stats.DedupCount)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
//	logger := bitharbor.NewJSONLogger(slog.LevelInfo)
//	h, _ := bitharbor.Open(ctx, "./data", bitharbor.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		dim:              DefaultDimension,
		precision:        canon.DefaultPrecision,
		embedTimeout:     ingest.DefaultEmbedTimeout,
		metadataTimeout:  ingest.DefaultMetadataTimeout,
		embedRetries:     ingest.DefaultEmbedRetries,
		backoffBase:      ingest.DefaultBackoffBase,
		backoffMax:       ingest.DefaultBackoffMax,
		rebuildThreshold: index.DefaultRebuildThreshold,
		keepSnapshots:    index.DefaultKeepSnapshots,
		compression:      index.CompressionZSTD,
		hnsw:             hnsw.DefaultOptions,
		overfetch:        search.DefaultOverfetch,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	return o
}
