package embedding

import (
	"context"
	"encoding/binary"
	"strings"
	"unicode"

	"lukechampine.com/blake3"
)

// Hashing embeds text by feature hashing: every word and every character
// trigram is hashed into one of Dimension buckets with a hashed sign.
// It needs no model and is deterministic, which makes it useful offline and
// in tests. It handles every modality by embedding the reference text.
type Hashing struct {
	dim        int
	modalities modalitySet
}

// HashingOption configures a Hashing embedder.
type HashingOption func(*Hashing)

// WithHashingModalities restricts the modalities Hashing accepts.
func WithHashingModalities(ms ...Modality) HashingOption {
	return func(h *Hashing) { h.modalities = newModalitySet(ms) }
}

// NewHashing returns a Hashing embedder producing dim-length vectors.
func NewHashing(dim int, optFns ...HashingOption) *Hashing {
	h := &Hashing{dim: dim, modalities: newModalitySet(AllModalities())}
	for _, fn := range optFns {
		fn(h)
	}
	return h
}

func (h *Hashing) Dimension() int { return h.dim }

func (h *Hashing) Embed(ctx context.Context, ref Reference, modality Modality) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := h.modalities.check(modality); err != nil {
		return nil, err
	}
	words := strings.FieldsFunc(strings.ToLower(ref.Text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(words) == 0 {
		return nil, ErrEmptyInput
	}

	v := make([]float32, h.dim)
	for _, w := range words {
		h.add(v, "w:"+w, 1)
		runes := []rune("^" + w + "$")
		for i := 0; i+3 <= len(runes); i++ {
			h.add(v, "t:"+string(runes[i:i+3]), 0.5)
		}
	}
	return v, nil
}

func (h *Hashing) add(v []float32, feature string, weight float32) {
	sum := blake3.Sum256([]byte(feature))
	x := binary.LittleEndian.Uint64(sum[:8])
	idx := x % uint64(h.dim)
	if sum[8]&1 == 1 {
		weight = -weight
	}
	v[idx] += weight
}
