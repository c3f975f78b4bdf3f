package canon

import (
	"encoding/binary"
	"fmt"
	"math"

	"lukechampine.com/blake3"

	"github.com/hupe1980/bitharbor/distance"
	"github.com/hupe1980/bitharbor/errs"
	"github.com/hupe1980/bitharbor/model"
)

const (
	// DefaultPrecision is the number of decimal digits kept per component.
	DefaultPrecision = 6

	// MinNorm is the smallest raw norm that can be normalized.
	MinNorm = 1e-12

	// NormTolerance bounds how far a canonical vector's norm may drift from 1
	// because of rounding.
	NormTolerance = 1e-3
)

var (
	// ErrDegenerateVector is returned for zero-norm or non-finite input.
	ErrDegenerateVector = errs.New(errs.ErrData, "degenerate vector")

	// ErrEmptyVector is returned for zero-length input.
	ErrEmptyVector = errs.New(errs.ErrData, "empty vector")
)

// Vector is a canonical embedding: unit L2 norm, components rounded to a
// fixed decimal precision, no negative zeros.
type Vector []float32

// Canonicalizer turns raw embeddings into canonical vectors.
type Canonicalizer struct {
	precision int
	scale     float64
}

// Option configures a Canonicalizer.
type Option func(*Canonicalizer)

// WithPrecision sets the number of decimal digits kept per component.
func WithPrecision(digits int) Option {
	return func(c *Canonicalizer) {
		if digits > 0 && digits <= 9 {
			c.precision = digits
		}
	}
}

// New returns a Canonicalizer.
func New(optFns ...Option) *Canonicalizer {
	c := &Canonicalizer{precision: DefaultPrecision}
	for _, fn := range optFns {
		fn(c)
	}
	c.scale = math.Pow10(c.precision)
	return c
}

// Precision returns the number of decimal digits kept per component.
func (c *Canonicalizer) Precision() int { return c.precision }

// Canonicalize normalizes raw to unit length and rounds every component.
// The input is not modified. Canonicalize is idempotent.
func (c *Canonicalizer) Canonicalize(raw []float32) (Vector, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyVector
	}
	for i, x := range raw {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return nil, fmt.Errorf("%w: component %d is %v", ErrDegenerateVector, i, x)
		}
	}

	if c.isCanonical(raw) {
		return Vector(append([]float32(nil), raw...)), nil
	}

	norm := distance.Norm(raw)
	if norm < MinNorm {
		return nil, fmt.Errorf("%w: norm %g", ErrDegenerateVector, norm)
	}

	out := make(Vector, len(raw))
	nonZero := false
	for i, x := range raw {
		out[i] = c.round(float64(x) / norm)
		if out[i] != 0 {
			nonZero = true
		}
	}
	if !nonZero {
		return nil, fmt.Errorf("%w: every component rounds to zero", ErrDegenerateVector)
	}
	return out, nil
}

func (c *Canonicalizer) round(x float64) float32 {
	v := float32(math.Round(x*c.scale) / c.scale)
	if v == 0 {
		return 0
	}
	return v
}

// isCanonical reports whether v already lies on the rounding grid with a
// norm within tolerance of 1.
func (c *Canonicalizer) isCanonical(v []float32) bool {
	for _, x := range v {
		if math.Signbit(float64(x)) && x == 0 {
			return false
		}
		if c.round(float64(x)) != x {
			return false
		}
	}
	return math.Abs(distance.Norm(v)-1) <= NormTolerance
}

// HashVector returns the BLAKE3-256 digest of v's little-endian float32 bytes.
func HashVector(v Vector) model.VectorHash {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return model.VectorHash(blake3.Sum256(buf))
}

var std = New()

// Canonicalize canonicalizes raw with the default precision.
func Canonicalize(raw []float32) (Vector, error) {
	return std.Canonicalize(raw)
}
