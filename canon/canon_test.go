package canon

import (
	"bytes"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bitharbor/distance"
	"github.com/hupe1980/bitharbor/errs"
)

func randomVector(r *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(r.NormFloat64())
	}
	return v
}

func TestCanonicalizeUnitNormAndIdempotent(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for _, dim := range []int{2, 16, 384, 1024} {
		for range 20 {
			raw := randomVector(r, dim)
			v, err := Canonicalize(raw)
			require.NoError(t, err)
			assert.InDelta(t, 1.0, distance.Norm(v), NormTolerance)

			again, err := Canonicalize(v)
			require.NoError(t, err)
			assert.Equal(t, v, again)
			assert.Equal(t, HashVector(v), HashVector(again))
		}
	}
}

func TestCanonicalizeScaleInvariant(t *testing.T) {
	raw := []float32{0.3, -0.4, 1.2, 0}
	scaled := make([]float32, len(raw))
	for i, x := range raw {
		scaled[i] = x * 10
	}
	a, err := Canonicalize(raw)
	require.NoError(t, err)
	b, err := Canonicalize(scaled)
	require.NoError(t, err)
	assert.Equal(t, HashVector(a), HashVector(b))
}

func TestCanonicalizeRemovesNegativeZero(t *testing.T) {
	v, err := Canonicalize([]float32{1, float32(math.Copysign(0, -1)), -1e-9})
	require.NoError(t, err)
	for _, x := range v[1:] {
		assert.False(t, math.Signbit(float64(x)))
	}
}

func TestCanonicalizeDegenerate(t *testing.T) {
	_, err := Canonicalize([]float32{0, 0, 0})
	assert.ErrorIs(t, err, ErrDegenerateVector)
	assert.True(t, errs.IsData(err))

	_, err = Canonicalize([]float32{1, float32(math.NaN())})
	assert.ErrorIs(t, err, ErrDegenerateVector)

	_, err = Canonicalize(nil)
	assert.ErrorIs(t, err, ErrEmptyVector)
}

func TestCanonicalizeDoesNotModifyInput(t *testing.T) {
	raw := []float32{3, 4}
	_, err := Canonicalize(raw)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4}, raw)
}

func TestWithPrecision(t *testing.T) {
	c := New(WithPrecision(2))
	assert.Equal(t, 2, c.Precision())
	v, err := c.Canonicalize([]float32{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, Vector{0.27, 0.53, 0.8}, v)
}

func TestHashContent(t *testing.T) {
	data := bytes.Repeat([]byte("bitharbor"), 1000)
	want := HashContent(data)

	got, n, err := HashReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, int64(len(data)), n)

	path := filepath.Join(t.TempDir(), "asset.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	got, _, err = HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	assert.NotEqual(t, want, HashContent(data[1:]))
}
