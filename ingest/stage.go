package ingest

import (
	"fmt"
	"time"

	"github.com/hupe1980/bitharbor/model"
)

// Stage is a step of the ingest state machine.
type Stage uint8

const (
	StageAcquired Stage = iota
	StageHashed
	StageDedupChecked
	StageStored
	StageEmbedded
	StageVectorAppended
	StageIndexedPending
	StageMetadataCommitted
)

var stageNames = [...]string{
	StageAcquired:          "acquired",
	StageHashed:            "hashed",
	StageDedupChecked:      "dedup_checked",
	StageStored:            "stored",
	StageEmbedded:          "embedded",
	StageVectorAppended:    "vector_appended",
	StageIndexedPending:    "indexed_pending",
	StageMetadataCommitted: "metadata_committed",
}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("Stage(%d)", uint8(s))
}

// StageError reports a failed ingest. Stage is the last stage the item
// reached before the failure.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("ingest failed after %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Status is how an ingest ended.
type Status uint8

const (
	StatusFailed Status = iota
	// StatusIngested: a new row and record were committed.
	StatusIngested
	// StatusReplaced: the media item already had a live row, which was replaced.
	StatusReplaced
	// StatusDeduplicated: the content was already ingested; only the existing
	// record was touched.
	StatusDeduplicated
)

func (s Status) String() string {
	switch s {
	case StatusIngested:
		return "ingested"
	case StatusReplaced:
		return "replaced"
	case StatusDeduplicated:
		return "deduplicated"
	}
	return "failed"
}

// Outcome describes one finished ingest.
type Outcome struct {
	Source      string
	MediaID     string
	MediaType   model.MediaType
	ContentHash model.ContentHash
	RowID       model.RowID
	Status      Status
	Stage       Stage
	Err         error
	Duration    time.Duration
}

// OK reports whether the ingest succeeded.
func (o Outcome) OK() bool { return o.Err == nil }
