package bitharbor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bitharbor/canon"
	"github.com/hupe1980/bitharbor/embedding"
	"github.com/hupe1980/bitharbor/errs"
	"github.com/hupe1980/bitharbor/ingest"
	"github.com/hupe1980/bitharbor/metadata"
	"github.com/hupe1980/bitharbor/model"
	"github.com/hupe1980/bitharbor/search"
)

const testDim = 64

func openTest(t *testing.T, dir string, optFns ...Option) *Harbor {
	t.Helper()
	optFns = append([]Option{
		WithDimension(testDim),
		WithEmbedRetry(0, 0, 0),
		WithRebuildThreshold(1 << 20),
	}, optFns...)
	h, err := Open(context.Background(), dir, optFns...)
	require.NoError(t, err)
	return h
}

func writeAsset(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func movie(path, title, overview string) ingest.Bundle {
	return ingest.Bundle{
		PrimaryAssetPath: path,
		MediaType:        model.MediaMovie,
		RawMetadata:      map[string]any{"title": title, "overview": overview},
	}
}

func TestHarbor_IngestAndSearch(t *testing.T) {
	ctx := context.Background()
	h := openTest(t, t.TempDir())
	defer h.Close()

	assets := t.TempDir()
	out, err := h.Ingest(ctx, movie(writeAsset(t, assets, "heat.mkv", "heat bytes"), "Heat", "bank heist in los angeles"))
	require.NoError(t, err)
	assert.Equal(t, ingest.StatusIngested, out.Status)
	assert.Equal(t, model.RowID(0), out.RowID)

	_, err = h.Ingest(ctx, movie(writeAsset(t, assets, "amelie.mkv", "amelie bytes"), "Amelie", "a shy waitress in paris"))
	require.NoError(t, err)

	require.NoError(t, h.Rebuild(ctx))

	res, err := h.Search(ctx, search.Query{Text: "Heat bank heist in los angeles", K: 1})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, out.MediaID, res[0].MediaID)
	assert.InDelta(t, 1.0, res[0].Score, 1e-3)
	require.NotNil(t, res[0].Record)
	assert.Equal(t, "Heat", res[0].Record.Title())

	rec, err := h.Get(ctx, model.MediaMovie, out.MediaID)
	require.NoError(t, err)
	blob, err := h.Asset(ctx, rec.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, int64(len("heat bytes")), blob.Size())
	require.NoError(t, blob.Close())
}

func TestHarbor_EmptySearch(t *testing.T) {
	h := openTest(t, t.TempDir())
	defer h.Close()

	res, err := h.Search(context.Background(), search.Query{Text: "anything", K: 10})
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestHarbor_Dedup(t *testing.T) {
	ctx := context.Background()
	h := openTest(t, t.TempDir())
	defer h.Close()

	assets := t.TempDir()
	p1 := writeAsset(t, assets, "a.mp3", "same bytes")
	p2 := writeAsset(t, assets, "copy-of-a.mp3", "same bytes")

	first, err := h.Ingest(ctx, ingest.Bundle{PrimaryAssetPath: p1, MediaType: model.MediaMusic})
	require.NoError(t, err)
	second, err := h.Ingest(ctx, ingest.Bundle{PrimaryAssetPath: p2, MediaType: model.MediaMusic})
	require.NoError(t, err)

	assert.Equal(t, ingest.StatusDeduplicated, second.Status)
	assert.Equal(t, first.MediaID, second.MediaID)

	st, err := h.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.RowCount)
	assert.Equal(t, uint64(0), st.TombstoneCount)
	assert.Equal(t, 1, st.MetadataRecords)

	rec, err := h.Get(ctx, model.MediaMusic, first.MediaID)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.IngestCount)
}

func TestHarbor_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	assets := t.TempDir()

	h := openTest(t, dir)
	out, err := h.Ingest(ctx, movie(writeAsset(t, assets, "alien.mkv", "alien"), "Alien", "horror aboard a space freighter"))
	require.NoError(t, err)
	require.NoError(t, h.Rebuild(ctx))
	before, err := h.Stats(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	h = openTest(t, dir)
	defer h.Close()

	after, err := h.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.RowCount, after.RowCount)
	assert.Equal(t, before.CurrentIndexBuild, after.CurrentIndexBuild)

	res, err := h.Search(ctx, search.Query{Text: "Alien horror aboard a space freighter", K: 3})
	require.NoError(t, err)
	require.NotEmpty(t, res)
	assert.Equal(t, out.MediaID, res[0].MediaID)

	_, err = h.CheckConsistency(ctx, CheckOptions{VerifyObjects: true})
	require.NoError(t, err)
}

func TestHarbor_Metrics(t *testing.T) {
	ctx := context.Background()
	metrics := &BasicMetricsCollector{}
	h := openTest(t, t.TempDir(), WithMetricsCollector(metrics), WithMetadataStore(metadata.NewMemory()))
	defer h.Close()

	assets := t.TempDir()
	bundles := []ingest.Bundle{
		movie(writeAsset(t, assets, "a.mkv", "a"), "A", "first"),
		movie(writeAsset(t, assets, "b.mkv", "b"), "B", "second"),
		movie(writeAsset(t, assets, "missing.mkv", "x"), "C", "third"),
	}
	require.NoError(t, os.Remove(bundles[2].PrimaryAssetPath))

	outs, err := h.IngestBatch(ctx, bundles)
	require.Error(t, err)
	require.Len(t, outs, 3)
	assert.True(t, outs[0].OK())
	assert.True(t, outs[1].OK())
	assert.True(t, errs.IsData(outs[2].Err))

	require.NoError(t, h.Rebuild(ctx))
	_, err = h.Search(ctx, search.Query{Text: "first", K: 2})
	require.NoError(t, err)
	_, err = h.Search(ctx, search.Query{Text: "first", K: 0})
	require.Error(t, err)

	st := metrics.GetStats()
	assert.Equal(t, int64(3), st.IngestCount)
	assert.Equal(t, int64(1), st.IngestErrors)
	assert.Equal(t, int64(1), st.BatchIngestCount)
	assert.Equal(t, int64(1), st.BatchIngestFailed)
	assert.Equal(t, int64(2), st.SearchCount)
	assert.Equal(t, int64(1), st.SearchErrors)
	assert.GreaterOrEqual(t, st.RebuildCount, int64(1))
}

func TestHarbor_ConsistencyOrphanRow(t *testing.T) {
	ctx := context.Background()
	h := openTest(t, t.TempDir())
	defer h.Close()

	_, err := h.Ingest(ctx, movie(writeAsset(t, t.TempDir(), "m.mkv", "m"), "M", "a film"))
	require.NoError(t, err)

	// A row appended without a metadata commit, as after a crash.
	raw, err := h.embedder.Embed(ctx, embedding.Reference{Text: "orphan"}, embedding.ModalityText)
	require.NoError(t, err)
	vec, err := canon.Canonicalize(raw)
	require.NoError(t, err)
	orphan, err := h.vectors.Append(vec, "orphan", model.MediaMovie)
	require.NoError(t, err)

	r, err := h.CheckConsistency(ctx, CheckOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r.LiveRows)
	assert.Equal(t, []model.RowID{orphan}, r.OrphanRows)

	// Orphans never surface in search.
	require.NoError(t, h.Rebuild(ctx))
	res, err := h.Search(ctx, search.Query{Text: "orphan", K: 5})
	require.NoError(t, err)
	for _, hit := range res {
		assert.NotEqual(t, "orphan", hit.MediaID)
	}
}

func TestHarbor_ConsistencyMissingObject(t *testing.T) {
	ctx := context.Background()
	h := openTest(t, t.TempDir())
	defer h.Close()

	out, err := h.Ingest(ctx, movie(writeAsset(t, t.TempDir(), "m.mkv", "m"), "M", "a film"))
	require.NoError(t, err)
	require.NoError(t, h.blobs.Delete(ctx, h.cas.Key(out.ContentHash)))

	r, err := h.CheckConsistency(ctx, CheckOptions{})
	require.Error(t, err)
	assert.True(t, errs.IsConsistency(err))
	assert.False(t, r.OK())
	assert.Len(t, r.Problems, 1)
}

func TestHarbor_SearchDuringRebuild(t *testing.T) {
	ctx := context.Background()
	h := openTest(t, t.TempDir(), WithWorkers(4))
	defer h.Close()

	assets := t.TempDir()
	var bundles []ingest.Bundle
	for i, title := range []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf", "hotel"} {
		bundles = append(bundles, movie(writeAsset(t, assets, title+".mkv", title), title, "film number "+string(rune('a'+i))))
	}
	_, err := h.IngestBatch(ctx, bundles)
	require.NoError(t, err)
	require.NoError(t, h.Rebuild(ctx))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 5 {
			assert.NoError(t, h.Rebuild(ctx))
		}
	}()
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				res, err := h.Search(ctx, search.Query{Text: "alpha film", K: 3})
				if assert.NoError(t, err) {
					assert.NotEmpty(t, res)
				}
			}
		}()
	}
	wg.Wait()
}

func TestHarbor_Close(t *testing.T) {
	ctx := context.Background()
	h := openTest(t, t.TempDir())
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	_, err := h.Search(ctx, search.Query{Text: "x", K: 1})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = h.Ingest(ctx, ingest.Bundle{PrimaryAssetPath: "x"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.Rebuild(ctx), ErrClosed)
	_, err = h.Stats(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHarbor_CloseWaitsForInFlightIngests(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	assets := t.TempDir()
	h := openTest(t, dir)

	const n = 16
	paths := make([]string, n)
	for i := range n {
		paths[i] = writeAsset(t, assets, fmt.Sprintf("m%02d.mkv", i), fmt.Sprintf("movie %d", i))
	}

	results := make([]error, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, results[i] = h.Ingest(ctx, movie(paths[i], fmt.Sprintf("M%d", i), "a film"))
		}()
	}
	close(start)
	require.NoError(t, h.Close())
	wg.Wait()

	ingested := 0
	for _, err := range results {
		if err != nil {
			assert.ErrorIs(t, err, ErrClosed)
			continue
		}
		ingested++
	}

	h = openTest(t, dir)
	defer h.Close()
	r, err := h.CheckConsistency(ctx, CheckOptions{VerifyObjects: true})
	require.NoError(t, err)
	assert.Empty(t, r.OrphanRows)
	assert.Equal(t, uint64(ingested), r.LiveRows)
}

// refusingMetadata fails the commits fail selects.
type refusingMetadata struct {
	metadata.Store
	fail func(r *metadata.Record) bool
}

func (m *refusingMetadata) Commit(ctx context.Context, r *metadata.Record) error {
	if m.fail != nil && m.fail(r) {
		return errs.Transient("metadata commit", errors.New("database is locked"))
	}
	return m.Store.Commit(ctx, r)
}

func TestHarbor_FailedCommitOfNewItemStaysInvisible(t *testing.T) {
	ctx := context.Background()
	meta := &refusingMetadata{Store: metadata.NewMemory()}
	h := openTest(t, t.TempDir(), WithMetadataStore(meta))
	defer h.Close()

	assets := t.TempDir()
	_, err := h.Ingest(ctx, movie(writeAsset(t, assets, "heat.mkv", "heat bytes"), "Heat", "bank heist in los angeles"))
	require.NoError(t, err)

	meta.fail = func(*metadata.Record) bool { return true }
	out, err := h.Ingest(ctx, movie(writeAsset(t, assets, "ronin.mkv", "ronin bytes"), "Ronin", "car chases through nice"))
	require.Error(t, err)
	assert.True(t, h.vectors.Tombstoned(out.RowID))
	meta.fail = nil

	require.NoError(t, h.Rebuild(ctx))
	res, err := h.Search(ctx, search.Query{Text: "Ronin car chases through nice", K: 5})
	require.NoError(t, err)
	for _, hit := range res {
		assert.NotEqual(t, out.RowID, hit.RowID)
		assert.NotEqual(t, "Ronin", hit.Record.Title())
	}

	r, err := h.CheckConsistency(ctx, CheckOptions{})
	require.NoError(t, err)
	assert.Empty(t, r.OrphanRows)
}

func TestHarbor_FailedReplaceKeepsOriginalSearchable(t *testing.T) {
	ctx := context.Background()
	meta := &refusingMetadata{Store: metadata.NewMemory()}
	h := openTest(t, t.TempDir(), WithMetadataStore(meta))
	defer h.Close()

	assets := t.TempDir()
	original := movie(writeAsset(t, assets, "heat.mkv", "heat bytes"), "Heat", "bank heist in los angeles")
	original.MediaID = "heat"
	first, err := h.Ingest(ctx, original)
	require.NoError(t, err)
	require.NoError(t, h.Rebuild(ctx))

	query := search.Query{Text: "Heat bank heist in los angeles", K: 1}
	assertOriginal := func() {
		t.Helper()
		res, err := h.Search(ctx, query)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, first.RowID, res[0].RowID)
		require.NotNil(t, res[0].Record)
		assert.Equal(t, "Heat", res[0].Record.Title())
	}

	cut := movie(writeAsset(t, assets, "heat-cut.mkv", "heat directors cut"), "Heat: Director's Cut", "bank heist in los angeles, extended")
	cut.MediaID = "heat"
	meta.fail = func(*metadata.Record) bool { return true }
	out, err := h.Ingest(ctx, cut)
	require.Error(t, err)
	meta.fail = nil
	assert.True(t, h.vectors.Tombstoned(out.RowID))
	assert.False(t, h.vectors.Tombstoned(first.RowID))

	// The published index still holds the original row.
	assertOriginal()

	require.NoError(t, h.Rebuild(ctx))
	assertOriginal()

	r, err := h.CheckConsistency(ctx, CheckOptions{})
	require.NoError(t, err)
	assert.Empty(t, r.OrphanRows)
}

func TestOpen_InvalidConfig(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, t.TempDir(), WithDimension(0))
	var dimErr *ErrInvalidDimension
	require.ErrorAs(t, err, &dimErr)
	assert.ErrorIs(t, err, ErrData)

	_, err = Open(ctx, t.TempDir(), WithDimension(32), WithEmbedder(embedding.NewHashing(16)))
	var mismatch *errs.DimensionMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 32, mismatch.Expected)
	assert.Equal(t, 16, mismatch.Actual)
}
