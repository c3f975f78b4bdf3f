package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/bitharbor/canon"
	"github.com/hupe1980/bitharbor/cas"
	"github.com/hupe1980/bitharbor/embedding"
	"github.com/hupe1980/bitharbor/errs"
	"github.com/hupe1980/bitharbor/internal/resource"
	"github.com/hupe1980/bitharbor/metadata"
	"github.com/hupe1980/bitharbor/model"
	"github.com/hupe1980/bitharbor/vectorstore"
)

// ErrClosed is returned by Submit and IngestBatch after Close.
var ErrClosed = errors.New("ingest: orchestrator closed")

// mediaNamespace seeds media ids derived from content hashes.
var mediaNamespace = uuid.MustParse("6f1c2a52-8d1e-4e0b-9a57-3c3f0f5b9d21")

// Defaults.
const (
	DefaultEmbedTimeout    = 30 * time.Second
	DefaultMetadataTimeout = 10 * time.Second
	DefaultEmbedRetries    = 3
	DefaultBackoffBase     = 200 * time.Millisecond
	DefaultBackoffMax      = 5 * time.Second
	rollbackTimeout        = 30 * time.Second
)

// Notifier is told about every appended row and every row a rollback
// brings back. index.Manager implements it.
type Notifier interface {
	NotifyAppended()
	NotifyRestored(row model.RowID)
}

// Observer receives ingest events, e.g. for metrics.
type Observer interface {
	ObserveIngest(o Outcome)
	// ObserveRollback reports an undone attempt. rollbackErr is non-nil when
	// some partial effect could not be undone.
	ObserveRollback(stage Stage, cause, rollbackErr error)
}

// Deps are the components an Orchestrator drives.
type Deps struct {
	CAS           *cas.Store
	Vectors       *vectorstore.Store
	Index         Notifier
	Metadata      metadata.Store
	Embedder      embedding.Embedder
	Canonicalizer *canon.Canonicalizer
}

// Options configures an Orchestrator.
type Options struct {
	// Workers bounds concurrent ingests. Defaults to GOMAXPROCS.
	Workers         int
	EmbedTimeout    time.Duration
	MetadataTimeout time.Duration
	// EmbedRetries is the number of retries after a transient embedding failure.
	EmbedRetries int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	Resources    *resource.Controller
	Logger       *slog.Logger
	Observer     Observer
	// OnConsistencyError is called with every consistency error an ingest hits.
	OnConsistencyError func(error)
}

// Option configures an Orchestrator.
type Option func(*Options)

func WithWorkers(n int) Option { return func(o *Options) { o.Workers = n } }

func WithEmbedTimeout(d time.Duration) Option { return func(o *Options) { o.EmbedTimeout = d } }

func WithMetadataTimeout(d time.Duration) Option { return func(o *Options) { o.MetadataTimeout = d } }

// WithRetry sets the embedding retry policy.
func WithRetry(retries int, base, max time.Duration) Option {
	return func(o *Options) {
		o.EmbedRetries = retries
		o.BackoffBase = base
		o.BackoffMax = max
	}
}

func WithResources(c *resource.Controller) Option { return func(o *Options) { o.Resources = c } }

func WithLogger(l *slog.Logger) Option { return func(o *Options) { o.Logger = l } }

func WithObserver(obs Observer) Option { return func(o *Options) { o.Observer = obs } }

func WithOnConsistencyError(fn func(error)) Option {
	return func(o *Options) { o.OnConsistencyError = fn }
}

// Orchestrator ingests bundles. It is safe for concurrent use.
type Orchestrator struct {
	deps Deps
	opts Options
	pool *workerPool
	log  *slog.Logger
}

// New returns an Orchestrator.
func New(deps Deps, optFns ...Option) (*Orchestrator, error) {
	if deps.CAS == nil || deps.Vectors == nil || deps.Metadata == nil || deps.Embedder == nil {
		return nil, errors.New("ingest: CAS, Vectors, Metadata and Embedder are required")
	}
	if deps.Canonicalizer == nil {
		deps.Canonicalizer = canon.New()
	}
	if deps.Embedder.Dimension() != deps.Vectors.Dim() {
		return nil, &errs.DimensionMismatchError{Expected: deps.Vectors.Dim(), Actual: deps.Embedder.Dimension()}
	}
	opts := Options{
		EmbedTimeout:    DefaultEmbedTimeout,
		MetadataTimeout: DefaultMetadataTimeout,
		EmbedRetries:    DefaultEmbedRetries,
		BackoffBase:     DefaultBackoffBase,
		BackoffMax:      DefaultBackoffMax,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{
		deps: deps,
		opts: opts,
		pool: newWorkerPool(opts.Workers),
		log:  log,
	}, nil
}

// attempt tracks what one ingest has done so far, which drives rollback.
type attempt struct {
	stage      Stage
	source     string
	mediaID    string
	mediaType  model.MediaType
	hash       model.ContentHash
	casCreated bool
	appended   bool
	row        model.RowID
	replaced   bool
	prevRow    model.RowID
}

// Ingest runs one bundle to completion on the calling goroutine.
func (o *Orchestrator) Ingest(ctx context.Context, b Bundle) (Outcome, error) {
	start := time.Now()
	a := &attempt{stage: StageAcquired, source: b.PrimaryAssetPath}
	status, err := o.run(ctx, b, a)

	out := Outcome{
		Source:      a.source,
		MediaID:     a.mediaID,
		MediaType:   a.mediaType,
		ContentHash: a.hash,
		RowID:       a.row,
		Status:      status,
		Stage:       a.stage,
		Duration:    time.Since(start),
	}
	if err != nil {
		out.Status = StatusFailed
		out.Err = &StageError{Stage: a.stage, Err: err}
		o.logFailure(out, err)
	} else {
		o.log.Info("media ingested",
			"media_id", out.MediaID,
			"media_type", out.MediaType.String(),
			"row_id", out.RowID,
			"content_hash", out.ContentHash.String(),
			"status", out.Status.String(),
			"duration", out.Duration)
	}
	if o.opts.Observer != nil {
		o.opts.Observer.ObserveIngest(out)
	}
	return out, out.Err
}

// Submit queues b on the worker pool. The channel receives exactly one
// Outcome.
func (o *Orchestrator) Submit(ctx context.Context, b Bundle) <-chan Outcome {
	ch := make(chan Outcome, 1)
	err := o.pool.submit(ctx, func() {
		out, _ := o.Ingest(ctx, b)
		ch <- out
		close(ch)
	})
	if err != nil {
		ch <- Outcome{
			Source: b.PrimaryAssetPath,
			Status: StatusFailed,
			Stage:  StageAcquired,
			Err:    &StageError{Stage: StageAcquired, Err: err},
		}
		close(ch)
	}
	return ch
}

// IngestBatch ingests bundles on the worker pool and returns their outcomes
// in order. The error joins the failures.
func (o *Orchestrator) IngestBatch(ctx context.Context, bundles []Bundle) ([]Outcome, error) {
	outcomes := make([]Outcome, len(bundles))
	var g errgroup.Group
	for i, b := range bundles {
		ch := o.Submit(ctx, b)
		g.Go(func() error {
			outcomes[i] = <-ch
			return nil
		})
	}
	_ = g.Wait()

	var failures []error
	for _, out := range outcomes {
		if out.Err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", out.Source, out.Err))
		}
	}
	return outcomes, errors.Join(failures...)
}

// Close waits for queued ingests and stops the workers.
func (o *Orchestrator) Close() error {
	o.pool.close()
	return nil
}

func (o *Orchestrator) run(ctx context.Context, b Bundle, a *attempt) (status Status, err error) {
	res, err := b.resolve()
	if err != nil {
		return StatusFailed, err
	}
	a.mediaType = res.mediaType

	if err := ctx.Err(); err != nil {
		return StatusFailed, err
	}
	h, size, err := canon.HashFile(b.PrimaryAssetPath)
	if err != nil {
		return StatusFailed, errs.Data("ingest hash", err)
	}
	a.hash = h
	a.stage = StageHashed

	release, err := o.opts.Resources.AcquireBytes(ctx, size)
	if err != nil {
		return StatusFailed, err
	}
	defer release()

	// Side assets are stored before the content lock is taken so that two
	// ingests whose primary and side assets cross never wait on each other.
	// An unlocked lookup skips them for content that is already known.
	var sides sideAssets
	if _, err := o.findByContent(ctx, h); errs.IsNotFound(err) {
		if sides, err = o.storeSideAssets(ctx, b.SideAssets); err != nil {
			return StatusFailed, err
		}
	} else if err != nil {
		return StatusFailed, err
	}

	unlock, err := o.deps.CAS.Lock(ctx, h)
	if err != nil {
		return StatusFailed, err
	}
	defer unlock()

	defer func() {
		if err != nil {
			o.rollback(ctx, a, err)
		}
	}()

	existing, err := o.findByContent(ctx, h)
	switch {
	case err == nil:
		a.stage = StageDedupChecked
		return o.touch(ctx, a, existing, b)
	case !errs.IsNotFound(err):
		return StatusFailed, err
	}
	a.stage = StageDedupChecked

	a.mediaID = res.mediaID
	if a.mediaID == "" {
		a.mediaID = uuid.NewSHA1(mediaNamespace, h[:]).String()
	}
	if len(sides.hashes) == 0 && len(b.SideAssets) > 0 {
		if sides, err = o.storeSideAssets(ctx, b.SideAssets); err != nil {
			return StatusFailed, err
		}
	}

	put, err := o.deps.CAS.PutHashedFile(ctx, h, b.PrimaryAssetPath)
	if err != nil {
		return StatusFailed, err
	}
	a.casCreated = put.Created
	a.stage = StageStored

	ref := embedding.NewReference(b.RawMetadata, b.PrimaryAssetPath, put.Key, res.mediaType)
	raw, err := o.embed(ctx, ref, res.modality)
	if err != nil {
		return StatusFailed, err
	}
	a.stage = StageEmbedded

	vec, err := o.deps.Canonicalizer.Canonicalize(raw)
	if err != nil {
		return StatusFailed, err
	}
	vh := canon.HashVector(vec)
	if row, ok := o.deps.Vectors.FindVectorHash(vh); ok {
		if e, err := o.deps.Vectors.Entry(row); err == nil && (e.MediaID != a.mediaID || e.MediaType != a.mediaType) {
			o.log.Warn("vector hash collides with another media item",
				"media_id", a.mediaID, "other_media_id", e.MediaID, "row_id", row, "vector_hash", vh.String())
		}
	}
	if err := ctx.Err(); err != nil {
		return StatusFailed, err
	}

	newRow, oldRow, replaced, err := o.deps.Vectors.Replace(a.mediaID, a.mediaType, vec)
	if err != nil {
		if replaced {
			// The new row is durable but the old one is still live.
			a.appended, a.row = true, newRow
		}
		return StatusFailed, err
	}
	a.appended, a.row = true, newRow
	if replaced {
		a.replaced, a.prevRow = true, oldRow
	}
	a.stage = StageVectorAppended

	if o.deps.Index != nil {
		o.deps.Index.NotifyAppended()
	}
	a.stage = StageIndexedPending

	if err := ctx.Err(); err != nil {
		return StatusFailed, err
	}
	rec := buildRecord(b, a, put, vh, sides)
	mctx, cancel := o.metadataContext(ctx)
	err = o.deps.Metadata.Commit(mctx, rec)
	cancel()
	if err != nil {
		return StatusFailed, o.metadataErr(ctx, "ingest commit metadata", err)
	}
	a.stage = StageMetadataCommitted

	if a.replaced {
		return StatusReplaced, nil
	}
	return StatusIngested, nil
}

func (o *Orchestrator) touch(ctx context.Context, a *attempt, existing *metadata.Record, b Bundle) (Status, error) {
	a.mediaID = existing.MediaID
	a.mediaType = existing.MediaType
	a.row = existing.RowID

	extra := maps.Clone(b.RawMetadata)
	if extra == nil {
		extra = make(map[string]any, 1)
	}
	extra["source_path"] = b.PrimaryAssetPath

	mctx, cancel := o.metadataContext(ctx)
	defer cancel()
	if _, err := o.deps.Metadata.Touch(mctx, existing.Key(), extra); err != nil {
		return StatusFailed, o.metadataErr(ctx, "ingest touch metadata", err)
	}
	o.log.Debug("duplicate content", "media_id", a.mediaID, "content_hash", a.hash.String())
	return StatusDeduplicated, nil
}

func (o *Orchestrator) findByContent(ctx context.Context, h model.ContentHash) (*metadata.Record, error) {
	mctx, cancel := o.metadataContext(ctx)
	defer cancel()
	r, err := o.deps.Metadata.FindByContentHash(mctx, h)
	if err != nil {
		return nil, o.metadataErr(ctx, "ingest dedup lookup", err)
	}
	return r, nil
}

func (o *Orchestrator) metadataContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.opts.MetadataTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.opts.MetadataTimeout)
}

// metadataErr turns a metadata call that hit its own timeout into a
// transient error.
func (o *Orchestrator) metadataErr(ctx context.Context, op string, err error) error {
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return errs.Transient(op, fmt.Errorf("timed out after %s: %w", o.opts.MetadataTimeout, err))
	}
	return err
}

// embed calls the embedder with a per-call timeout, retrying transient
// failures with backoff.
func (o *Orchestrator) embed(ctx context.Context, ref embedding.Reference, m embedding.Modality) ([]float32, error) {
	var lastErr error
	for n := 0; n <= o.opts.EmbedRetries; n++ {
		if n > 0 {
			if err := sleep(ctx, backoff(n, o.opts.BackoffBase, o.opts.BackoffMax)); err != nil {
				return nil, err
			}
			o.log.Debug("retrying embedding", "attempt", n+1, "error", lastErr)
		}

		cctx, cancel := ctx, context.CancelFunc(func() {})
		if o.opts.EmbedTimeout > 0 {
			cctx, cancel = context.WithTimeout(ctx, o.opts.EmbedTimeout)
		}
		v, err := o.deps.Embedder.Embed(cctx, ref, m)
		cancel()

		if err == nil {
			if len(v) != o.deps.Vectors.Dim() {
				return nil, &errs.DimensionMismatchError{Expected: o.deps.Vectors.Dim(), Actual: len(v)}
			}
			return v, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: no answer within %s", embedding.ErrUnavailable, o.opts.EmbedTimeout)
		}
		if !errs.IsTransient(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

type sideAssets struct {
	hashes map[string]model.ContentHash
	keys   map[string]string
}

func (o *Orchestrator) storeSideAssets(ctx context.Context, assets []SideAsset) (sideAssets, error) {
	var s sideAssets
	if len(assets) == 0 {
		return s, nil
	}
	s.hashes = make(map[string]model.ContentHash, len(assets))
	s.keys = make(map[string]string, len(assets))
	for _, sa := range assets {
		put, err := o.deps.CAS.PutFile(ctx, sa.Path)
		if err != nil {
			return s, fmt.Errorf("side asset %s: %w", sa.Kind, err)
		}
		s.hashes[sa.Kind] = put.Hash
		s.keys[sa.Kind] = put.Key
	}
	return s, nil
}

// rollback undoes a failed attempt. It runs detached from ctx, which may be
// the reason the attempt failed.
func (o *Orchestrator) rollback(ctx context.Context, a *attempt, cause error) {
	if !a.appended && !a.casCreated {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	var errList []error
	if a.appended {
		if err := o.deps.Vectors.Tombstone(a.row); err != nil {
			errList = append(errList, fmt.Errorf("tombstone row %d: %w", a.row, err))
		} else if a.replaced {
			// The metadata record never left the previous row, so bringing
			// that row back restores the item exactly as it was.
			if err := o.deps.Vectors.Restore(a.prevRow); err != nil {
				errList = append(errList, fmt.Errorf("restore row %d: %w", a.prevRow, err))
			} else {
				o.log.Debug("previous row restored", "media_id", a.mediaID, "row_id", a.prevRow)
				if o.deps.Index != nil {
					o.deps.Index.NotifyRestored(a.prevRow)
				}
			}
		}
	}
	if a.casCreated {
		referenced, err := o.deps.Metadata.Referenced(rctx, a.hash)
		switch {
		case err != nil:
			errList = append(errList, fmt.Errorf("check references: %w", err))
		case !referenced:
			if err := o.deps.CAS.Delete(rctx, a.hash); err != nil {
				errList = append(errList, err)
			}
		}
	}

	rbErr := errors.Join(errList...)
	o.log.Warn("ingest rolled back",
		"source", a.source,
		"media_id", a.mediaID,
		"content_hash", a.hash.String(),
		"stage", a.stage.String(),
		"row_id", a.row,
		"tombstoned", a.appended,
		"cause", cause,
		"rollback_error", rbErr)
	if rbErr != nil && o.opts.OnConsistencyError != nil {
		o.opts.OnConsistencyError(errs.Consistency("ingest rollback", rbErr))
	}
	if o.opts.Observer != nil {
		o.opts.Observer.ObserveRollback(a.stage, cause, rbErr)
	}
}

func (o *Orchestrator) logFailure(out Outcome, err error) {
	args := []any{
		"source", out.Source,
		"media_id", out.MediaID,
		"stage", out.Stage.String(),
		"error", err,
	}
	switch {
	case errs.IsConsistency(err):
		o.log.Error("ingest failed", args...)
		if o.opts.OnConsistencyError != nil {
			o.opts.OnConsistencyError(err)
		}
	case errs.IsData(err):
		o.log.Warn("ingest rejected", args...)
	default:
		o.log.Error("ingest failed", args...)
	}
}
