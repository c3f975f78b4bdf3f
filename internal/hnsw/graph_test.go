package hnsw

import (
	"bytes"
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomUnitVectors(n, dim int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		var norm float64
		for j := range v {
			v[j] = float32(rng.NormFloat64())
			norm += float64(v[j]) * float64(v[j])
		}
		norm = math.Sqrt(norm)
		for j := range v {
			v[j] = float32(float64(v[j]) / norm)
		}
		out[i] = v
	}
	return out
}

func vectorsOf(vecs [][]float32) VectorFunc {
	return func(id uint32) []float32 { return vecs[id] }
}

func bruteForce(vecs [][]float32, q []float32, k int) []uint32 {
	type pair struct {
		id uint32
		d  float32
	}
	all := make([]pair, len(vecs))
	for i, v := range vecs {
		var dot float32
		for j := range v {
			dot += v[j] * q[j]
		}
		all[i] = pair{uint32(i), 1 - dot}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].d < all[j].d })
	ids := make([]uint32, 0, k)
	for _, p := range all[:min(k, len(all))] {
		ids = append(ids, p.id)
	}
	return ids
}

func TestBuildEmpty(t *testing.T) {
	g, err := Build(context.Background(), 0, 8, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, g.Len())

	res, err := g.Search(make([]float32, 8), 5, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestSearchSelf(t *testing.T) {
	vecs := randomUnitVectors(500, 16, 1)
	g, err := Build(context.Background(), len(vecs), 16, vectorsOf(vecs))
	require.NoError(t, err)

	for _, id := range []uint32{0, 17, 250, 499} {
		res, err := g.Search(vecs[id], 1, 64, nil)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, id, res[0].ID)
		assert.InDelta(t, 0, res[0].Distance, 1e-5)
	}
}

func TestSearchRecall(t *testing.T) {
	const (
		n   = 2000
		dim = 32
		k   = 10
	)
	vecs := randomUnitVectors(n, dim, 2)
	g, err := Build(context.Background(), n, dim, vectorsOf(vecs))
	require.NoError(t, err)

	queries := randomUnitVectors(50, dim, 3)
	hits := 0
	for _, q := range queries {
		want := bruteForce(vecs, q, k)
		res, err := g.Search(q, k, 128, nil)
		require.NoError(t, err)
		require.Len(t, res, k)
		for i := 1; i < len(res); i++ {
			assert.LessOrEqual(t, res[i-1].Distance, res[i].Distance)
		}
		for _, r := range res {
			for _, w := range want {
				if r.ID == w {
					hits++
					break
				}
			}
		}
	}
	recall := float64(hits) / float64(len(queries)*k)
	assert.Greater(t, recall, 0.9, "recall %.3f", recall)
}

func TestSearchAccept(t *testing.T) {
	vecs := randomUnitVectors(300, 8, 4)
	g, err := Build(context.Background(), len(vecs), 8, vectorsOf(vecs))
	require.NoError(t, err)

	even := func(id uint32) bool { return id%2 == 0 }
	res, err := g.Search(vecs[1], 10, 64, even)
	require.NoError(t, err)
	require.NotEmpty(t, res)
	for _, r := range res {
		assert.True(t, even(r.ID))
	}

	none, err := g.Search(vecs[1], 10, 64, func(uint32) bool { return false })
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSearchErrors(t *testing.T) {
	vecs := randomUnitVectors(10, 4, 5)
	g, err := Build(context.Background(), len(vecs), 4, vectorsOf(vecs))
	require.NoError(t, err)

	_, err = g.Search(vecs[0], 0, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidK)

	_, err = g.Search([]float32{1, 0}, 1, 0, nil)
	var dimErr *ErrDimensionMismatch
	assert.ErrorAs(t, err, &dimErr)
}

func TestBuildDeterministic(t *testing.T) {
	vecs := randomUnitVectors(400, 8, 6)
	build := func() []byte {
		g, err := Build(context.Background(), len(vecs), 8, vectorsOf(vecs), func(o *Options) { o.Seed = 7 })
		require.NoError(t, err)
		var buf bytes.Buffer
		_, err = g.WriteTo(&buf)
		require.NoError(t, err)
		return buf.Bytes()
	}
	assert.Equal(t, build(), build())
}

func TestBuildCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	vecs := randomUnitVectors(10, 4, 8)
	_, err := Build(ctx, len(vecs), 4, vectorsOf(vecs))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLinkLimits(t *testing.T) {
	vecs := randomUnitVectors(1000, 8, 9)
	g, err := Build(context.Background(), len(vecs), 8, vectorsOf(vecs), func(o *Options) { o.M = 4 })
	require.NoError(t, err)

	st := g.Stats()
	assert.Equal(t, 1000, st.Nodes)
	assert.Equal(t, 1000, st.Levels[0].Nodes)
	for id := range uint32(1000) {
		assert.LessOrEqual(t, len(g.Neighbors(id, 0)), 8)
		for l := 1; l <= st.MaxLevel; l++ {
			assert.LessOrEqual(t, len(g.Neighbors(id, l)), 4)
		}
	}
}

func TestCodecRoundTrip(t *testing.T) {
	vecs := randomUnitVectors(300, 8, 10)
	g, err := Build(context.Background(), len(vecs), 8, vectorsOf(vecs))
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := g.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)

	loaded, err := ReadGraph(bytes.NewReader(buf.Bytes()), vectorsOf(vecs))
	require.NoError(t, err)
	assert.Equal(t, g.Stats(), loaded.Stats())

	q := vecs[42]
	want, err := g.Search(q, 5, 32, nil)
	require.NoError(t, err)
	got, err := loaded.Search(q, 5, 32, nil)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestReadGraphCorrupt(t *testing.T) {
	vecs := randomUnitVectors(50, 4, 11)
	g, err := Build(context.Background(), len(vecs), 4, vectorsOf(vecs))
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = g.WriteTo(&buf)
	require.NoError(t, err)
	data := buf.Bytes()

	_, err = ReadGraph(bytes.NewReader(data[:len(data)-3]), vectorsOf(vecs))
	assert.ErrorIs(t, err, ErrCorruptGraph)

	bad := bytes.Clone(data)
	bad[0] = 'X'
	_, err = ReadGraph(bytes.NewReader(bad), vectorsOf(vecs))
	assert.ErrorIs(t, err, ErrCorruptGraph)
}

func TestConcurrentSearch(t *testing.T) {
	vecs := randomUnitVectors(500, 8, 12)
	g, err := Build(context.Background(), len(vecs), 8, vectorsOf(vecs))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := w; i < len(vecs); i += 8 {
				res, err := g.Search(vecs[i], 1, 128, nil)
				assert.NoError(t, err)
				if assert.Len(t, res, 1) {
					assert.Equal(t, uint32(i), res[0].ID)
				}
			}
		}()
	}
	wg.Wait()
}
