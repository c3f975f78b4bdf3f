package distance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDot(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5}
	b := []float32{5, 4, 3, 2, 1}
	assert.InDelta(t, 35, Dot(a, b), 1e-6)
	assert.InDelta(t, 35, DotFloat64(a, b), 1e-9)
}

func TestSquaredL2(t *testing.T) {
	a := []float32{0, 0, 0}
	b := []float32{1, 2, 2}
	assert.InDelta(t, 9, SquaredL2(a, b), 1e-6)
}

func TestCosineOnUnitVectors(t *testing.T) {
	x := []float32{1, 0}
	y := []float32{0, 1}
	assert.InDelta(t, 0, Cosine(x, x), 1e-7)
	assert.InDelta(t, 1, Cosine(x, y), 1e-7)
	assert.InDelta(t, 5, Norm([]float32{3, 4}), 1e-12)
}

func TestProvider(t *testing.T) {
	f, err := Provider(MetricCosine)
	require.NoError(t, err)
	assert.InDelta(t, 2, f([]float32{1, 0}, []float32{-1, 0}), 1e-7)

	f, err = Provider(MetricL2)
	require.NoError(t, err)
	assert.InDelta(t, 4, f([]float32{1, 0}, []float32{-1, 0}), 1e-7)

	_, err = Provider(Metric(42))
	assert.Error(t, err)
	assert.False(t, math.IsNaN(float64(Dot(nil, nil))))
}
