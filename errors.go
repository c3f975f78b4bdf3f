package bitharbor

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/bitharbor/blobstore"
	"github.com/hupe1980/bitharbor/errs"
)

// Error kinds. Every error returned by a Harbor matches at most one of them
// with errors.Is.
var (
	ErrTransient   = errs.ErrTransient
	ErrData        = errs.ErrData
	ErrConsistency = errs.ErrConsistency
	ErrNotFound    = errs.ErrNotFound
)

// ErrChecksum matches corrupted id-map records, snapshot files and CAS
// objects. It is also an ErrConsistency.
var ErrChecksum = errs.ErrChecksum

// ErrClosed is returned by operations on a closed Harbor.
var ErrClosed = errors.New("bitharbor: closed")

// ErrInvalidDimension indicates an invalid configured dimension.
type ErrInvalidDimension struct {
	Dimension int
}

func (e *ErrInvalidDimension) Error() string {
	return fmt.Sprintf("invalid dimension: %d", e.Dimension)
}

func (e *ErrInvalidDimension) Unwrap() error { return ErrData }

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errs.IsTransient(err) || errs.IsData(err) || errs.IsConsistency(err) || errs.IsNotFound(err) {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errs.Transient("", err)
	case errors.Is(err, blobstore.ErrNotFound):
		return errs.NotFound("", err)
	}
	return err
}
