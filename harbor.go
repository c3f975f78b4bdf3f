package bitharbor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/bitharbor/blobstore"
	"github.com/hupe1980/bitharbor/canon"
	"github.com/hupe1980/bitharbor/cas"
	"github.com/hupe1980/bitharbor/embedding"
	"github.com/hupe1980/bitharbor/errs"
	"github.com/hupe1980/bitharbor/index"
	"github.com/hupe1980/bitharbor/ingest"
	"github.com/hupe1980/bitharbor/internal/hnsw"
	"github.com/hupe1980/bitharbor/internal/resource"
	"github.com/hupe1980/bitharbor/metadata"
	"github.com/hupe1980/bitharbor/model"
	"github.com/hupe1980/bitharbor/search"
	"github.com/hupe1980/bitharbor/vectorstore"
)

// Layout of a data directory.
const (
	blobsDir    = "blobs"
	vectorsDir  = "vectors"
	metadataDir = "metadata"
)

// Harbor is an opened media store: content store, vector store, ANN index,
// metadata store, ingest orchestrator and search engine wired together.
// It is safe for concurrent use.
type Harbor struct {
	opts options
	log  *Logger

	blobs    blobstore.BlobStore
	cas      *cas.Store
	vectors  *vectorstore.Store
	index    *index.Manager
	meta     metadata.Store
	ownsMeta bool
	embedder embedding.Embedder
	ingest   *ingest.Orchestrator
	search   *search.Engine

	closed    atomic.Bool
	closeOnce sync.Once
	checking  atomic.Bool
	// gate orders call registration against Close; calls counts the
	// callers still using the stores.
	gate  sync.RWMutex
	calls sync.WaitGroup
}

// Stats describes the store.
type Stats struct {
	RowCount            uint64
	TombstoneCount      uint64
	LiveCount           uint64
	CurrentIndexBuild   uint64
	IndexHighWater      uint64
	IndexNodes          int
	LastRebuildDuration time.Duration
	LastRebuildError    string
	PendingRebuild      bool
	Rebuilding          bool
	MetadataRecords     int
}

// Open opens or creates the store in dir.
//
//	h, err := bitharbor.Open(ctx, "./data", bitharbor.WithDimension(1024))
//	out, err := h.Ingest(ctx, ingest.Bundle{PrimaryAssetPath: "movie.mkv", MediaType: model.MediaMovie})
//	results, err := h.Search(ctx, search.Query{Text: "heist thriller", K: 10})
func Open(ctx context.Context, dir string, optFns ...Option) (_ *Harbor, err error) {
	opts := applyOptions(optFns)
	if opts.dim <= 0 {
		return nil, &ErrInvalidDimension{Dimension: opts.dim}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("bitharbor: %w", err)
	}

	h := &Harbor{opts: opts, log: opts.logger}
	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	h.blobs = opts.blobs
	if h.blobs == nil {
		h.blobs = blobstore.NewLocalStore(filepath.Join(dir, blobsDir))
	}

	var casOpts []cas.Option
	casOpts = append(casOpts, cas.WithLogger(h.log.Logger))
	var resources *resource.Controller
	if opts.maxInFlightBytes > 0 || opts.ioBytesPerSec > 0 {
		resources = resource.NewController(resource.Config{
			MaxInFlightBytes: opts.maxInFlightBytes,
			IOBytesPerSec:    opts.ioBytesPerSec,
		})
		casOpts = append(casOpts, cas.WithThrottle(resources))
	}
	h.cas = cas.New(h.blobs, casOpts...)

	h.vectors, err = vectorstore.Open(filepath.Join(dir, vectorsDir), opts.dim, vectorstore.WithLogger(h.log.Logger))
	if err != nil {
		return nil, err
	}
	closers = append(closers, h.vectors.Close)

	h.meta = opts.metadata
	if h.meta == nil {
		h.meta, err = metadata.OpenBadger(metadata.BadgerOptions{
			Dir:    filepath.Join(dir, metadataDir),
			Logger: h.log.Logger,
		})
		if err != nil {
			return nil, err
		}
		h.ownsMeta = true
		closers = append(closers, h.meta.Close)
	}

	h.embedder = opts.embedder
	if h.embedder == nil {
		h.embedder = embedding.NewHashing(opts.dim)
	}
	if h.embedder.Dimension() != opts.dim {
		return nil, &errs.DimensionMismatchError{Expected: opts.dim, Actual: h.embedder.Dimension()}
	}

	h.index, err = index.Open(ctx, h.vectors,
		index.WithBlobStore(h.blobs),
		index.WithCompression(opts.compression),
		index.WithKeepSnapshots(opts.keepSnapshots),
		index.WithRebuildThreshold(opts.rebuildThreshold),
		index.WithFilterPolicy(opts.filterPolicy),
		index.WithEFSearch(opts.hnsw.EFSearch),
		index.WithHNSW(func(o *hnsw.Options) {
			o.M = opts.hnsw.M
			o.EFConstruction = opts.hnsw.EFConstruction
		}),
		index.WithLogger(h.log.Logger),
		index.WithOnRebuild(h.onRebuild),
	)
	if err != nil {
		return nil, err
	}
	closers = append(closers, h.index.Close)

	c := canon.New(canon.WithPrecision(opts.precision))
	h.ingest, err = ingest.New(ingest.Deps{
		CAS:           h.cas,
		Vectors:       h.vectors,
		Index:         h.index,
		Metadata:      h.meta,
		Embedder:      h.embedder,
		Canonicalizer: c,
	},
		ingest.WithWorkers(opts.workers),
		ingest.WithEmbedTimeout(opts.embedTimeout),
		ingest.WithMetadataTimeout(opts.metadataTimeout),
		ingest.WithRetry(opts.embedRetries, opts.backoffBase, opts.backoffMax),
		ingest.WithResources(resources),
		ingest.WithLogger(h.log.Logger),
		ingest.WithObserver(observer{metrics: opts.metricsCollector, logger: h.log}),
		ingest.WithOnConsistencyError(h.onConsistencyError),
	)
	if err != nil {
		return nil, err
	}

	h.search = search.New(h.embedder, c, h.index, h.vectors, h.meta,
		search.WithOverfetch(opts.overfetch),
		search.WithEmbedTimeout(opts.embedTimeout),
		search.WithMetadataTimeout(opts.metadataTimeout),
		search.WithLogger(h.log.Logger),
	)

	h.log.InfoContext(ctx, "bitharbor opened",
		"dir", dir,
		"dimension", opts.dim,
		"rows", h.vectors.RowCount(),
		"index_build", h.index.Snapshot().Build())
	return h, nil
}

// enter registers a call against the open stores. It reports false once
// Close has started. Every successful enter must be paired with leave.
func (h *Harbor) enter() bool {
	h.gate.RLock()
	defer h.gate.RUnlock()
	if h.closed.Load() {
		return false
	}
	h.calls.Add(1)
	return true
}

func (h *Harbor) leave() { h.calls.Done() }

// Ingest runs one bundle through the pipeline and waits for the outcome.
func (h *Harbor) Ingest(ctx context.Context, b ingest.Bundle) (ingest.Outcome, error) {
	if !h.enter() {
		return ingest.Outcome{Source: b.PrimaryAssetPath, Status: ingest.StatusFailed, Err: ErrClosed}, ErrClosed
	}
	defer h.leave()
	return h.ingest.Ingest(ctx, b)
}

// Submit queues a bundle on the ingest worker pool. The channel yields
// exactly one outcome.
func (h *Harbor) Submit(ctx context.Context, b ingest.Bundle) <-chan ingest.Outcome {
	if !h.enter() {
		ch := make(chan ingest.Outcome, 1)
		ch <- ingest.Outcome{Source: b.PrimaryAssetPath, Status: ingest.StatusFailed, Err: ErrClosed}
		close(ch)
		return ch
	}
	defer h.leave()
	return h.ingest.Submit(ctx, b)
}

// IngestBatch ingests bundles concurrently and returns their outcomes in
// input order. The error joins the failures.
func (h *Harbor) IngestBatch(ctx context.Context, bundles []ingest.Bundle) ([]ingest.Outcome, error) {
	if !h.enter() {
		return nil, ErrClosed
	}
	defer h.leave()
	start := time.Now()
	outs, err := h.ingest.IngestBatch(ctx, bundles)
	failed := 0
	for _, o := range outs {
		if !o.OK() {
			failed++
		}
	}
	h.opts.metricsCollector.RecordBatchIngest(len(bundles), failed, time.Since(start))
	h.log.LogBatchIngest(ctx, len(bundles), failed)
	return outs, err
}

// Search embeds the query and returns up to q.K results by descending score.
func (h *Harbor) Search(ctx context.Context, q search.Query) ([]search.Result, error) {
	if !h.enter() {
		return nil, ErrClosed
	}
	defer h.leave()
	start := time.Now()
	res, err := h.search.Search(ctx, q)
	return h.searched(ctx, q.K, start, res, err)
}

// SearchVector searches with a raw query vector.
func (h *Harbor) SearchVector(ctx context.Context, vec []float32, q search.Query) ([]search.Result, error) {
	if !h.enter() {
		return nil, ErrClosed
	}
	defer h.leave()
	start := time.Now()
	res, err := h.search.SearchVector(ctx, vec, q)
	return h.searched(ctx, q.K, start, res, err)
}

func (h *Harbor) searched(ctx context.Context, k int, start time.Time, res []search.Result, err error) ([]search.Result, error) {
	err = translateError(err)
	h.opts.metricsCollector.RecordSearch(k, len(res), time.Since(start), err)
	h.log.LogSearch(ctx, k, len(res), err)
	if errs.IsConsistency(err) {
		h.onConsistencyError(err)
	}
	return res, err
}

// Get returns the metadata record of a media item.
func (h *Harbor) Get(ctx context.Context, t model.MediaType, mediaID string) (*metadata.Record, error) {
	if !h.enter() {
		return nil, ErrClosed
	}
	defer h.leave()
	return h.meta.Get(ctx, metadata.Key{Type: t, ID: mediaID})
}

// Asset opens the stored bytes of a content hash.
func (h *Harbor) Asset(ctx context.Context, hash model.ContentHash) (blobstore.Blob, error) {
	if !h.enter() {
		return nil, ErrClosed
	}
	defer h.leave()
	b, err := h.cas.Open(ctx, hash)
	return b, translateError(err)
}

// Rebuild rebuilds the ANN index synchronously and publishes it.
func (h *Harbor) Rebuild(ctx context.Context) error {
	if !h.enter() {
		return ErrClosed
	}
	defer h.leave()
	_, err := h.index.Rebuild(ctx)
	return translateError(err)
}

// Stats returns row counts and index state.
func (h *Harbor) Stats(ctx context.Context) (Stats, error) {
	if !h.enter() {
		return Stats{}, ErrClosed
	}
	defer h.leave()
	vs := h.vectors.Stats()
	is := h.index.Stats()
	records, err := h.meta.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		RowCount:            vs.RowCount,
		TombstoneCount:      vs.TombstoneCount,
		LiveCount:           vs.LiveCount,
		CurrentIndexBuild:   is.Build,
		IndexHighWater:      is.HighWater,
		IndexNodes:          is.Nodes,
		LastRebuildDuration: is.LastRebuildDuration,
		LastRebuildError:    is.LastRebuildError,
		PendingRebuild:      is.PendingRebuild,
		Rebuilding:          is.Rebuilding,
		MetadataRecords:     records,
	}, nil
}

func (h *Harbor) onRebuild(info index.RebuildInfo) {
	h.opts.metricsCollector.RecordRebuild(info)
	h.log.LogRebuild(context.Background(), info)
	if errs.IsConsistency(info.Err) {
		h.onConsistencyError(info.Err)
	}
}

// onConsistencyError starts a background consistency check unless one is
// already running.
func (h *Harbor) onConsistencyError(err error) {
	h.log.Error("consistency error", "error", err)
	if !h.checking.CompareAndSwap(false, true) {
		return
	}
	if !h.enter() {
		h.checking.Store(false)
		return
	}
	go func() {
		defer h.leave()
		defer h.checking.Store(false)
		_, _ = h.runCheck(context.Background(), CheckOptions{})
	}()
}

// Close stops the ingest workers and the index rebuild loop and closes the
// stores Open created. Calls already in progress, queued ingests included,
// finish or roll back first.
func (h *Harbor) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.gate.Lock()
		h.closed.Store(true)
		h.gate.Unlock()
		h.calls.Wait()

		var errList []error
		errList = append(errList, h.ingest.Close())
		errList = append(errList, h.index.Close())
		errList = append(errList, h.vectors.Close())
		if h.ownsMeta {
			errList = append(errList, h.meta.Close())
		}
		err = errors.Join(errList...)
	})
	return err
}
