package search

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/bitharbor/canon"
	"github.com/hupe1980/bitharbor/distance"
	"github.com/hupe1980/bitharbor/embedding"
	"github.com/hupe1980/bitharbor/errs"
	"github.com/hupe1980/bitharbor/index"
	"github.com/hupe1980/bitharbor/metadata"
	"github.com/hupe1980/bitharbor/model"
	"github.com/hupe1980/bitharbor/vectorstore"
)

var (
	// ErrInvalidK is returned for K <= 0.
	ErrInvalidK = errs.New(errs.ErrData, "search: k must be positive")

	// ErrEmptyQuery is returned when no query text can be derived from a
	// media path.
	ErrEmptyQuery = errs.New(errs.ErrData, "search: empty query")
)

// Defaults.
const (
	DefaultOverfetch          = 4
	DefaultHydrateConcurrency = 8
	DefaultEmbedTimeout       = 10 * time.Second
	DefaultMetadataTimeout    = 5 * time.Second
)

// Index is the approximate nearest neighbor source. index.Manager implements it.
type Index interface {
	Search(query []float32, k int, filter *model.MediaType) ([]index.Hit, error)
}

// Query is a similarity query.
type Query struct {
	// Text is embedded as the query.
	Text string
	// MediaPath queries by example. Content already ingested reuses its stored
	// vector; anything else is embedded through its file name.
	MediaPath string
	// Modality defaults to text.
	Modality embedding.Modality
	// Type restricts results to one media type.
	Type *model.MediaType
	K    int
	// MinScore, when positive, drops results scoring below it. Zero or
	// less keeps every candidate.
	MinScore float32
}

// Result is one ranked match.
type Result struct {
	RowID     model.RowID
	MediaID   string
	MediaType model.MediaType
	// Score is the cosine similarity to the query, higher is closer.
	Score  float32
	Record *metadata.Record
}

// Options configures an Engine.
type Options struct {
	// Overfetch multiplies K for the ANN candidate set.
	Overfetch          int
	HydrateConcurrency int
	EmbedTimeout       time.Duration
	MetadataTimeout    time.Duration
	Logger             *slog.Logger
}

// Option configures an Engine.
type Option func(*Options)

func WithOverfetch(n int) Option { return func(o *Options) { o.Overfetch = n } }

func WithHydrateConcurrency(n int) Option { return func(o *Options) { o.HydrateConcurrency = n } }

func WithEmbedTimeout(d time.Duration) Option { return func(o *Options) { o.EmbedTimeout = d } }

func WithMetadataTimeout(d time.Duration) Option { return func(o *Options) { o.MetadataTimeout = d } }

func WithLogger(l *slog.Logger) Option { return func(o *Options) { o.Logger = l } }

// Engine runs queries. It holds no mutable state and is safe for unbounded
// concurrent use.
type Engine struct {
	embedder embedding.Embedder
	canon    *canon.Canonicalizer
	index    Index
	vectors  *vectorstore.Store
	meta     metadata.Store
	opts     Options
	log      *slog.Logger
}

// New returns an Engine. A nil canonicalizer uses the default precision.
func New(embedder embedding.Embedder, c *canon.Canonicalizer, idx Index, vectors *vectorstore.Store, meta metadata.Store, optFns ...Option) *Engine {
	opts := Options{
		Overfetch:          DefaultOverfetch,
		HydrateConcurrency: DefaultHydrateConcurrency,
		EmbedTimeout:       DefaultEmbedTimeout,
		MetadataTimeout:    DefaultMetadataTimeout,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Overfetch = max(opts.Overfetch, 1)
	opts.HydrateConcurrency = max(opts.HydrateConcurrency, 1)
	if c == nil {
		c = canon.New()
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		embedder: embedder,
		canon:    c,
		index:    idx,
		vectors:  vectors,
		meta:     meta,
		opts:     opts,
		log:      log,
	}
}

// Search embeds the query and returns up to K results by descending score.
// An embedding failure is returned as the only outcome. A blank query
// matches nothing.
func (e *Engine) Search(ctx context.Context, q Query) ([]Result, error) {
	if q.K <= 0 {
		return nil, ErrInvalidK
	}
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" && q.MediaPath == "" {
		return []Result{}, nil
	}
	vec, err := e.queryVector(ctx, q)
	if err != nil {
		return nil, err
	}
	return e.search(ctx, vec, q)
}

// SearchVector runs a query for a raw vector, skipping the embedding step.
// Text, MediaPath and Modality of q are ignored.
func (e *Engine) SearchVector(ctx context.Context, raw []float32, q Query) ([]Result, error) {
	if q.K <= 0 {
		return nil, ErrInvalidK
	}
	if len(raw) != e.vectors.Dim() {
		return nil, &errs.DimensionMismatchError{Expected: e.vectors.Dim(), Actual: len(raw)}
	}
	vec, err := e.canon.Canonicalize(raw)
	if err != nil {
		return nil, err
	}
	return e.search(ctx, vec, q)
}

func (e *Engine) queryVector(ctx context.Context, q Query) (canon.Vector, error) {
	if q.MediaPath != "" {
		if vec, ok := e.storedVector(ctx, q.MediaPath); ok {
			return vec, nil
		}
	}
	ref := embedding.Reference{Text: q.Text}
	if ref.Text == "" {
		ref.Text = embedding.ReferenceText(nil, q.MediaPath)
	}
	if ref.Text == "" {
		return nil, ErrEmptyQuery
	}
	if q.Type != nil {
		ref.MediaType = *q.Type
	}
	m := q.Modality
	if m == "" {
		m = embedding.ModalityText
	}

	ectx, cancel := ctx, context.CancelFunc(func() {})
	if e.opts.EmbedTimeout > 0 {
		ectx, cancel = context.WithTimeout(ctx, e.opts.EmbedTimeout)
	}
	raw, err := e.embedder.Embed(ectx, ref, m)
	cancel()
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: no answer within %s", embedding.ErrUnavailable, e.opts.EmbedTimeout)
		}
		return nil, fmt.Errorf("search embed: %w", err)
	}
	if len(raw) != e.vectors.Dim() {
		return nil, &errs.DimensionMismatchError{Expected: e.vectors.Dim(), Actual: len(raw)}
	}
	return e.canon.Canonicalize(raw)
}

// storedVector returns the live vector of already ingested content at p.
func (e *Engine) storedVector(ctx context.Context, p string) (canon.Vector, bool) {
	h, _, err := canon.HashFile(p)
	if err != nil {
		return nil, false
	}
	mctx, cancel := e.metadataContext(ctx)
	defer cancel()
	rec, err := e.meta.FindByContentHash(mctx, h)
	if err != nil {
		return nil, false
	}
	row, ok := e.vectors.Live(rec.MediaID, rec.MediaType)
	if !ok {
		return nil, false
	}
	vec, err := e.vectors.Read(row)
	if err != nil {
		return nil, false
	}
	return vec, true
}

func (e *Engine) metadataContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opts.MetadataTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.opts.MetadataTimeout)
}

type candidate struct {
	row   model.RowID
	entry model.IdMapEntry
	score float32
}

func (e *Engine) search(ctx context.Context, vec canon.Vector, q Query) ([]Result, error) {
	hits, err := e.index.Search(vec, q.K*e.opts.Overfetch, q.Type)
	if err != nil {
		return nil, err
	}

	cands := make([]candidate, 0, len(hits))
	for _, h := range hits {
		if e.vectors.Tombstoned(h.Row) {
			continue
		}
		entry, err := e.vectors.Entry(h.Row)
		if err != nil {
			return nil, errs.Consistency("search", fmt.Errorf("index row %d: %w", h.Row, err))
		}
		if q.Type != nil && entry.MediaType != *q.Type {
			continue
		}
		stored, err := e.vectors.Read(h.Row)
		if err != nil {
			return nil, errs.Consistency("search", fmt.Errorf("index row %d: %w", h.Row, err))
		}
		score := distance.Dot(vec, stored)
		if q.MinScore > 0 && score < q.MinScore {
			continue
		}
		cands = append(cands, candidate{row: h.Row, entry: entry, score: score})
	}
	slices.SortFunc(cands, func(a, b candidate) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(a.row, b.row)
	})

	results, err := e.hydrate(ctx, cands)
	if err != nil {
		return nil, err
	}

	out := make([]Result, 0, min(q.K, len(results)))
	for _, r := range results {
		if r.Record == nil {
			continue
		}
		out = append(out, r)
		if len(out) == q.K {
			break
		}
	}
	return out, nil
}

// hydrate fetches the metadata record of every candidate. Candidates whose
// record is missing keep a nil Record.
func (e *Engine) hydrate(ctx context.Context, cands []candidate) ([]Result, error) {
	results := make([]Result, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.HydrateConcurrency)
	for i, c := range cands {
		results[i] = Result{
			RowID:     c.row,
			MediaID:   c.entry.MediaID,
			MediaType: c.entry.MediaType,
			Score:     c.score,
		}
		g.Go(func() error {
			mctx, cancel := e.metadataContext(gctx)
			defer cancel()
			rec, err := e.meta.Get(mctx, metadata.Key{Type: c.entry.MediaType, ID: c.entry.MediaID})
			switch {
			case err == nil && rec.RowID == c.row:
				results[i].Record = rec
			case err == nil:
				// The record belongs to another row of the same item, e.g. a
				// replacement that has not committed yet.
				e.log.Debug("row not referenced by its metadata record", "row_id", c.row, "record_row_id", rec.RowID)
			case errs.IsNotFound(err):
				e.log.Debug("row without committed metadata", "row_id", c.row, "media_id", c.entry.MediaID)
			default:
				return fmt.Errorf("search hydrate %s: %w", c.entry.MediaID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
