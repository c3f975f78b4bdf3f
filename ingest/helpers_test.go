package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bitharbor/blobstore"
	"github.com/hupe1980/bitharbor/cas"
	"github.com/hupe1980/bitharbor/embedding"
	"github.com/hupe1980/bitharbor/errs"
	"github.com/hupe1980/bitharbor/metadata"
	"github.com/hupe1980/bitharbor/model"
	"github.com/hupe1980/bitharbor/vectorstore"
)

const testDim = 32

type countingEmbedder struct {
	inner embedding.Embedder
	calls atomic.Int32
	// hook, when set, runs before the inner embedder and may short-circuit it.
	hook func(ctx context.Context, n int32) ([]float32, error)
}

func (c *countingEmbedder) Dimension() int { return c.inner.Dimension() }

func (c *countingEmbedder) Embed(ctx context.Context, ref embedding.Reference, m embedding.Modality) ([]float32, error) {
	n := c.calls.Add(1)
	if c.hook != nil {
		if v, err := c.hook(ctx, n); v != nil || err != nil {
			return v, err
		}
	}
	return c.inner.Embed(ctx, ref, m)
}

type flakyMetadata struct {
	metadata.Store
	failCommit func(r *metadata.Record) bool
}

func (f *flakyMetadata) Commit(ctx context.Context, r *metadata.Record) error {
	if f.failCommit != nil && f.failCommit(r) {
		return errs.Transient("metadata commit", errors.New("database is locked"))
	}
	return f.Store.Commit(ctx, r)
}

type countingNotifier struct {
	n atomic.Int32

	mu       sync.Mutex
	restored []model.RowID
}

func (c *countingNotifier) NotifyAppended() { c.n.Add(1) }

func (c *countingNotifier) NotifyRestored(row model.RowID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restored = append(c.restored, row)
}

func (c *countingNotifier) restoredRows() []model.RowID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.RowID(nil), c.restored...)
}

type recordingObserver struct {
	mu        sync.Mutex
	outcomes  []Outcome
	rollbacks []Stage
}

func (r *recordingObserver) ObserveIngest(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *recordingObserver) ObserveRollback(s Stage, _, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollbacks = append(r.rollbacks, s)
}

type harness struct {
	orch     *Orchestrator
	cas      *cas.Store
	vectors  *vectorstore.Store
	meta     *flakyMetadata
	embedder *countingEmbedder
	notifier *countingNotifier
	observer *recordingObserver
	dir      string
}

func newHarness(t *testing.T, optFns ...Option) *harness {
	t.Helper()
	root := t.TempDir()

	vectors, err := vectorstore.Open(filepath.Join(root, "vectors"), testDim)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })

	h := &harness{
		cas:      cas.New(blobstore.NewMemoryStore()),
		vectors:  vectors,
		meta:     &flakyMetadata{Store: metadata.NewMemory()},
		embedder: &countingEmbedder{inner: embedding.NewHashing(testDim)},
		notifier: &countingNotifier{},
		observer: &recordingObserver{},
		dir:      filepath.Join(root, "assets"),
	}
	require.NoError(t, os.MkdirAll(h.dir, 0o755))

	opts := append([]Option{
		WithWorkers(4),
		WithRetry(2, 0, 0),
		WithObserver(h.observer),
	}, optFns...)
	h.orch, err = New(Deps{
		CAS:      h.cas,
		Vectors:  vectors,
		Index:    h.notifier,
		Metadata: h.meta,
		Embedder: h.embedder,
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.orch.Close() })
	return h
}

func (h *harness) file(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(h.dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func (h *harness) movie(t *testing.T, name, content, title string) Bundle {
	return Bundle{
		PrimaryAssetPath: h.file(t, name, content),
		RawMetadata: map[string]any{
			"media_type": "movie",
			"title":      title,
			"overview":   "A film called " + title,
		},
	}
}
