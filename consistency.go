package bitharbor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/bitharbor/errs"
	"github.com/hupe1980/bitharbor/metadata"
	"github.com/hupe1980/bitharbor/model"
)

// CheckOptions configures CheckConsistency.
type CheckOptions struct {
	// VerifyObjects re-hashes every referenced content object.
	VerifyObjects bool
}

// ConsistencyReport is the result of a consistency check.
type ConsistencyReport struct {
	RowCount       uint64
	LiveRows       uint64
	IndexHighWater uint64
	// OrphanRows are live rows without a committed metadata record. They are
	// left by crashes between append and commit, or belong to ingests still
	// in flight, and are never returned by search.
	OrphanRows     []model.RowID
	CheckedObjects int
	// Problems lists every violated invariant.
	Problems []string
}

// OK reports whether no invariant was violated.
func (r ConsistencyReport) OK() bool { return len(r.Problems) == 0 }

// CheckConsistency cross-checks the vector store, the index snapshot, the
// metadata store and the content store. It returns a consistency error
// describing every problem found.
func (h *Harbor) CheckConsistency(ctx context.Context, opts CheckOptions) (ConsistencyReport, error) {
	if !h.enter() {
		return ConsistencyReport{}, ErrClosed
	}
	defer h.leave()
	return h.runCheck(ctx, opts)
}

func (h *Harbor) runCheck(ctx context.Context, opts CheckOptions) (ConsistencyReport, error) {
	r, err := h.checkConsistency(ctx, opts)
	h.log.LogConsistency(ctx, r, err)
	return r, err
}

func (h *Harbor) checkConsistency(ctx context.Context, opts CheckOptions) (ConsistencyReport, error) {
	var r ConsistencyReport
	problem := func(format string, args ...any) {
		r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
	}

	if err := h.vectors.Verify(); err != nil {
		problem("vector store: %v", err)
	}

	view := h.vectors.View()
	snap := h.index.Snapshot()
	r.RowCount = view.Len()
	r.IndexHighWater = snap.HighWater()
	if r.IndexHighWater > r.RowCount {
		problem("index build %d covers %d rows, the vector store has %d", snap.Build(), r.IndexHighWater, r.RowCount)
	}

	for row := range view.LiveRows() {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		r.LiveRows++
		entry := view.Entry(row)
		rec, err := h.meta.Get(ctx, metadata.Key{Type: entry.MediaType, ID: entry.MediaID})
		if errs.IsNotFound(err) {
			r.OrphanRows = append(r.OrphanRows, row)
			continue
		}
		if err != nil {
			return r, fmt.Errorf("check consistency: %w", err)
		}
		if rec.RowID != row {
			problem("%s/%s: record points to row %d, live row is %d", entry.MediaType, entry.MediaID, rec.RowID, row)
		}
		if err := h.checkObject(ctx, rec.ContentHash, opts.VerifyObjects); err != nil {
			if !errs.IsConsistency(err) && !errs.IsNotFound(err) {
				return r, fmt.Errorf("check consistency: %w", err)
			}
			problem("%s/%s: %v", entry.MediaType, entry.MediaID, err)
		}
		r.CheckedObjects++
	}

	if !r.OK() {
		return r, errs.Consistency("check consistency", errors.New(strings.Join(r.Problems, "; ")))
	}
	return r, nil
}

func (h *Harbor) checkObject(ctx context.Context, hash model.ContentHash, verify bool) error {
	if verify {
		return translateError(h.cas.Verify(ctx, hash))
	}
	ok, err := h.cas.Exists(ctx, hash)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("", fmt.Errorf("content object %s missing", hash))
	}
	return nil
}
