package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bitharbor/canon"
	"github.com/hupe1980/bitharbor/embedding"
	"github.com/hupe1980/bitharbor/errs"
	"github.com/hupe1980/bitharbor/metadata"
	"github.com/hupe1980/bitharbor/model"
)

func TestIngest_NewItem(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	b := h.movie(t, "heat.mkv", "heat bytes", "Heat")
	b.RawMetadata["genres"] = []any{"Crime"}
	out, err := h.orch.Ingest(ctx, b)
	require.NoError(t, err)

	assert.Equal(t, StatusIngested, out.Status)
	assert.Equal(t, StageMetadataCommitted, out.Stage)
	assert.Equal(t, model.RowID(0), out.RowID)
	assert.Equal(t, canon.HashContent([]byte("heat bytes")), out.ContentHash)
	assert.NotEmpty(t, out.MediaID)
	assert.Equal(t, int32(1), h.notifier.n.Load())

	rec, err := h.meta.Get(ctx, metadata.Key{Type: model.MediaMovie, ID: out.MediaID})
	require.NoError(t, err)
	assert.Equal(t, "Heat", rec.Title())
	assert.Equal(t, "mkv", rec.Format)
	assert.Equal(t, h.cas.Key(out.ContentHash), rec.ObjectKey)
	assert.Equal(t, b.PrimaryAssetPath, rec.Raw["source_path"])

	ok, err := h.cas.Exists(ctx, out.ContentHash)
	require.NoError(t, err)
	assert.True(t, ok)

	row, live := h.vectors.Live(out.MediaID, model.MediaMovie)
	require.True(t, live)
	assert.Equal(t, out.RowID, row)
}

func TestIngest_MediaIDDerivedFromContent(t *testing.T) {
	ctx := context.Background()
	a := newHarness(t)
	b := newHarness(t)

	outA, err := a.orch.Ingest(ctx, a.movie(t, "x.mkv", "same", "X"))
	require.NoError(t, err)
	outB, err := b.orch.Ingest(ctx, b.movie(t, "y.mkv", "same", "Y"))
	require.NoError(t, err)
	assert.Equal(t, outA.MediaID, outB.MediaID)
}

func TestIngest_DedupShortCircuit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first, err := h.orch.Ingest(ctx, h.movie(t, "a.mkv", "identical", "Alien"))
	require.NoError(t, err)
	second, err := h.orch.Ingest(ctx, h.movie(t, "copy-of-a.mkv", "identical", "Alien"))
	require.NoError(t, err)

	assert.Equal(t, StatusDeduplicated, second.Status)
	assert.Equal(t, first.MediaID, second.MediaID)
	assert.Equal(t, first.RowID, second.RowID)
	assert.Equal(t, int32(1), h.embedder.calls.Load(), "no second embedding call")
	assert.Equal(t, uint64(1), h.vectors.RowCount())

	objects, err := h.cas.List(ctx)
	require.NoError(t, err)
	assert.Len(t, objects, 1)

	rec, err := h.meta.FindByContentHash(ctx, first.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.IngestCount)
	assert.Contains(t, rec.Raw["source_path"], "copy-of-a.mkv")
}

func TestIngest_ConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	const n = 8
	bundles := make([]Bundle, n)
	for i := range bundles {
		bundles[i] = h.movie(t, "dup-"+string(rune('a'+i))+".mkv", "racing bytes", "Race")
	}

	var wg sync.WaitGroup
	outcomes := make([]Outcome, n)
	for i, b := range bundles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i], _ = h.orch.Ingest(ctx, b)
		}()
	}
	wg.Wait()

	counts := map[Status]int{}
	for _, out := range outcomes {
		require.NoError(t, out.Err)
		counts[out.Status]++
	}
	assert.Equal(t, 1, counts[StatusIngested])
	assert.Equal(t, n-1, counts[StatusDeduplicated])
	assert.Equal(t, int32(1), h.embedder.calls.Load())
	assert.Equal(t, uint64(1), h.vectors.RowCount())
}

func TestIngest_MetadataFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.meta.failCommit = func(*metadata.Record) bool { return true }

	out, err := h.orch.Ingest(ctx, h.movie(t, "doomed.mkv", "doomed", "Doomed"))
	require.Error(t, err)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageIndexedPending, se.Stage)
	assert.True(t, errs.IsTransient(err))
	assert.Equal(t, StatusFailed, out.Status)

	// The appended row is now an inert tombstone.
	assert.Equal(t, uint64(1), h.vectors.RowCount())
	assert.True(t, h.vectors.Tombstoned(0))
	_, live := h.vectors.Live(out.MediaID, model.MediaMovie)
	assert.False(t, live)

	// The content object this attempt created is gone.
	ok, err := h.cas.Exists(ctx, out.ContentHash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.meta.FindByContentHash(ctx, out.ContentHash)
	assert.True(t, errs.IsNotFound(err))

	// Later row ids continue without a gap.
	h.meta.failCommit = nil
	next, err := h.orch.Ingest(ctx, h.movie(t, "fine.mkv", "fine", "Fine"))
	require.NoError(t, err)
	assert.Equal(t, model.RowID(1), next.RowID)

	// A retry of the failed item succeeds.
	retry, err := h.orch.Ingest(ctx, h.movie(t, "doomed-again.mkv", "doomed", "Doomed"))
	require.NoError(t, err)
	assert.Equal(t, StatusIngested, retry.Status)
	assert.Equal(t, model.RowID(2), retry.RowID)

	h.observer.mu.Lock()
	defer h.observer.mu.Unlock()
	assert.Equal(t, []Stage{StageIndexedPending}, h.observer.rollbacks)
}

func TestIngest_ReplaceAndRollback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	v1 := h.movie(t, "cut-1.mkv", "theatrical cut", "Blade Runner")
	v1.MediaID = "br"
	first, err := h.orch.Ingest(ctx, v1)
	require.NoError(t, err)
	assert.Equal(t, StatusIngested, first.Status)

	v2 := h.movie(t, "cut-2.mkv", "final cut", "Blade Runner: The Final Cut")
	v2.MediaID = "br"
	second, err := h.orch.Ingest(ctx, v2)
	require.NoError(t, err)
	assert.Equal(t, StatusReplaced, second.Status)
	assert.True(t, h.vectors.Tombstoned(first.RowID))
	row, live := h.vectors.Live("br", model.MediaMovie)
	require.True(t, live)
	assert.Equal(t, second.RowID, row)

	// A failed third version brings the second one back under its own row.
	v3 := h.movie(t, "cut-3.mkv", "workprint", "Blade Runner: Workprint")
	v3.MediaID = "br"
	bad := canon.HashContent([]byte("workprint"))
	h.meta.failCommit = func(r *metadata.Record) bool { return r.ContentHash == bad }

	third, err := h.orch.Ingest(ctx, v3)
	require.Error(t, err)
	assert.Equal(t, model.RowID(2), third.RowID)

	restored, live := h.vectors.Live("br", model.MediaMovie)
	require.True(t, live)
	assert.Equal(t, second.RowID, restored)
	assert.False(t, h.vectors.Tombstoned(second.RowID))
	assert.True(t, h.vectors.Tombstoned(third.RowID))
	assert.Equal(t, uint64(3), h.vectors.RowCount())
	assert.Equal(t, []model.RowID{second.RowID}, h.notifier.restoredRows())

	rec, err := h.meta.Get(ctx, metadata.Key{Type: model.MediaMovie, ID: "br"})
	require.NoError(t, err)
	assert.Equal(t, second.RowID, rec.RowID)
	assert.Equal(t, second.ContentHash, rec.ContentHash)
	require.NoError(t, h.vectors.Verify())
}

func TestIngest_CancellationRollsBack(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.embedder.hook = func(ctx context.Context, _ int32) ([]float32, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	out, err := h.orch.Ingest(ctx, h.movie(t, "slow.mkv", "slow bytes", "Slow"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StageStored, out.Stage)
	assert.Zero(t, h.vectors.RowCount())

	ok, err := h.cas.Exists(context.Background(), out.ContentHash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIngest_TransientEmbeddingRetried(t *testing.T) {
	h := newHarness(t)
	h.embedder.hook = func(_ context.Context, n int32) ([]float32, error) {
		if n <= 2 {
			return nil, embedding.ErrUnavailable
		}
		return nil, nil
	}

	out, err := h.orch.Ingest(context.Background(), h.movie(t, "flaky.mkv", "flaky", "Flaky"))
	require.NoError(t, err)
	assert.Equal(t, StatusIngested, out.Status)
	assert.Equal(t, int32(3), h.embedder.calls.Load())
}

func TestIngest_TransientEmbeddingExhausted(t *testing.T) {
	h := newHarness(t)
	h.embedder.hook = func(context.Context, int32) ([]float32, error) {
		return nil, embedding.ErrUnavailable
	}

	out, err := h.orch.Ingest(context.Background(), h.movie(t, "down.mkv", "down", "Down"))
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
	assert.Equal(t, StageStored, out.Stage)
	assert.Equal(t, int32(3), h.embedder.calls.Load(), "one call plus two retries")
}

func TestIngest_DataErrorNotRetried(t *testing.T) {
	h := newHarness(t)
	h.embedder.hook = func(context.Context, int32) ([]float32, error) {
		return nil, embedding.ErrUnsupportedModality
	}

	_, err := h.orch.Ingest(context.Background(), h.movie(t, "odd.mkv", "odd", "Odd"))
	require.ErrorIs(t, err, embedding.ErrUnsupportedModality)
	assert.True(t, errs.IsData(err))
	assert.Equal(t, int32(1), h.embedder.calls.Load())
}

func TestIngest_EmbedTimeout(t *testing.T) {
	h := newHarness(t, WithEmbedTimeout(20*time.Millisecond), WithRetry(1, time.Millisecond, time.Millisecond))
	h.embedder.hook = func(ctx context.Context, _ int32) ([]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := h.orch.Ingest(context.Background(), h.movie(t, "hang.mkv", "hang", "Hang"))
	require.ErrorIs(t, err, embedding.ErrUnavailable)
	assert.Equal(t, int32(2), h.embedder.calls.Load())
}

func TestIngest_DegenerateVector(t *testing.T) {
	h := newHarness(t)
	h.embedder.hook = func(context.Context, int32) ([]float32, error) {
		return make([]float32, testDim), nil
	}

	out, err := h.orch.Ingest(context.Background(), h.movie(t, "zero.mkv", "zero", "Zero"))
	require.ErrorIs(t, err, canon.ErrDegenerateVector)
	assert.Equal(t, StageEmbedded, out.Stage)
	assert.Zero(t, h.vectors.RowCount())
}

func TestIngest_WrongEmbeddingDimension(t *testing.T) {
	h := newHarness(t)
	h.embedder.hook = func(context.Context, int32) ([]float32, error) {
		return []float32{1, 2, 3}, nil
	}

	_, err := h.orch.Ingest(context.Background(), h.movie(t, "short.mkv", "short", "Short"))
	var dm *errs.DimensionMismatchError
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, testDim, dm.Expected)
}

func TestIngest_MalformedBundle(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name   string
		bundle Bundle
	}{
		{"no primary", Bundle{RawMetadata: map[string]any{"media_type": "movie"}}},
		{"missing file", Bundle{PrimaryAssetPath: h.dir + "/nope.mkv", MediaType: model.MediaMovie}},
		{"directory", Bundle{PrimaryAssetPath: h.dir, MediaType: model.MediaMovie}},
		{"unknown type", Bundle{PrimaryAssetPath: h.file(t, "u.bin", "u")}},
		{"bad type", Bundle{PrimaryAssetPath: h.file(t, "b.bin", "b"), RawMetadata: map[string]any{"media_type": "hologram"}}},
		{"bad modality", Bundle{PrimaryAssetPath: h.file(t, "m.bin", "m"), MediaType: model.MediaImage, Modality: "smell"}},
		{"side asset without kind", Bundle{
			PrimaryAssetPath: h.file(t, "s.bin", "s"),
			MediaType:        model.MediaImage,
			SideAssets:       []SideAsset{{Path: h.file(t, "s.jpg", "poster")}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := h.orch.Ingest(context.Background(), tt.bundle)
			require.ErrorIs(t, err, ErrMalformedBundle)
			assert.True(t, errs.IsData(err))
			assert.Equal(t, StageAcquired, out.Stage)
		})
	}
	assert.Zero(t, h.embedder.calls.Load())
}

func TestIngest_SideAssets(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	b := h.movie(t, "heat.mkv", "heat", "Heat")
	b.SideAssets = []SideAsset{{Kind: "poster", Path: h.file(t, "poster.jpg", "poster pixels")}}
	b.RawMetadata["poster"] = map[string]any{"width": 600.0, "height": 900.0}

	out, err := h.orch.Ingest(ctx, b)
	require.NoError(t, err)

	rec, err := h.meta.Get(ctx, metadata.Key{Type: model.MediaMovie, ID: out.MediaID})
	require.NoError(t, err)
	poster := canon.HashContent([]byte("poster pixels"))
	assert.Equal(t, poster, rec.SideAssets["poster"])
	require.NotNil(t, rec.Poster)
	assert.Equal(t, h.cas.Key(poster), rec.Poster.FilePath)
	assert.InDelta(t, 600.0/900.0, rec.Poster.AspectRatio, 1e-9)

	ok, err := h.meta.Referenced(ctx, poster)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIngestBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithWorkers(2))

	bundles := []Bundle{
		h.movie(t, "1.mkv", "one", "One"),
		h.movie(t, "2.mkv", "two", "Two"),
		h.movie(t, "3.mkv", "three", "Three"),
		{PrimaryAssetPath: h.dir + "/missing.mkv", MediaType: model.MediaMovie},
		h.movie(t, "4.mkv", "four", "Four"),
	}
	outcomes, err := h.orch.IngestBatch(ctx, bundles)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedBundle)
	require.Len(t, outcomes, len(bundles))

	for i, out := range outcomes {
		if i == 3 {
			assert.False(t, out.OK())
			continue
		}
		assert.True(t, out.OK(), "bundle %d: %v", i, out.Err)
		assert.Equal(t, bundles[i].PrimaryAssetPath, out.Source)
	}
	assert.Equal(t, uint64(4), h.vectors.RowCount())
}

func TestSubmitAfterClose(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Close())

	out := <-h.orch.Submit(context.Background(), h.movie(t, "late.mkv", "late", "Late"))
	require.ErrorIs(t, out.Err, ErrClosed)
	assert.Equal(t, StatusFailed, out.Status)
}

func TestNew_DimensionMismatch(t *testing.T) {
	h := newHarness(t)
	_, err := New(Deps{
		CAS:      h.cas,
		Vectors:  h.vectors,
		Metadata: h.meta,
		Embedder: embedding.NewHashing(testDim + 1),
	})
	var dm *errs.DimensionMismatchError
	assert.True(t, errors.As(err, &dm))
}
