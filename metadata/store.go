package metadata

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/hupe1980/bitharbor/errs"
	"github.com/hupe1980/bitharbor/model"
)

var (
	// ErrRecordNotFound is returned when no record matches a lookup.
	ErrRecordNotFound = errs.New(errs.ErrNotFound, "metadata: record not found")

	// ErrInvalidRecord is returned by Commit for a malformed record.
	ErrInvalidRecord = errs.New(errs.ErrData, "metadata: invalid record")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("metadata: store closed")
)

// Store persists records. Implementations are safe for concurrent use.
//
// Commit is all-or-nothing: either the record and its content-hash index
// entries are durable, or nothing changed.
type Store interface {
	// Commit inserts or replaces the record with r's key.
	Commit(ctx context.Context, r *Record) error

	// Get returns the record with key k.
	Get(ctx context.Context, k Key) (*Record, error)

	// FindByContentHash returns the record whose primary asset is h.
	FindByContentHash(ctx context.Context, h model.ContentHash) (*Record, error)

	// Referenced reports whether any record points at h as primary or side asset.
	Referenced(ctx context.Context, h model.ContentHash) (bool, error)

	// Touch bumps UpdatedAt and IngestCount of an existing record and merges
	// raw into its raw metadata.
	Touch(ctx context.Context, k Key, raw map[string]any) (*Record, error)

	// Delete removes the record with key k. Deleting a missing record is not an error.
	Delete(ctx context.Context, k Key) error

	// Count returns the number of records.
	Count(ctx context.Context) (int, error)

	Close() error
}

// touched applies the light update path to a copy of r.
func touched(r *Record, raw map[string]any, now time.Time) *Record {
	c := r.Clone()
	c.IngestCount++
	c.UpdatedAt = now
	if len(raw) > 0 {
		if c.Raw == nil {
			c.Raw = make(map[string]any, len(raw))
		}
		maps.Copy(c.Raw, raw)
	}
	return c
}

// prepare validates r and stamps its timestamps. prev is the record being
// replaced, if any.
func prepare(r *Record, prev *Record, now time.Time) (*Record, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	c := r.Clone()
	if c.IngestCount == 0 {
		c.IngestCount = 1
	}
	if prev != nil && c.CreatedAt.IsZero() {
		c.CreatedAt = prev.CreatedAt
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	return c, nil
}

func sideHashes(r *Record) []model.ContentHash {
	out := make([]model.ContentHash, 0, len(r.SideAssets))
	for _, h := range r.SideAssets {
		if h != r.ContentHash {
			out = append(out, h)
		}
	}
	return out
}
