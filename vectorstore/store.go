package vectorstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/bitharbor/canon"
	"github.com/hupe1980/bitharbor/errs"
	"github.com/hupe1980/bitharbor/internal/container"
	"github.com/hupe1980/bitharbor/internal/fs"
	"github.com/hupe1980/bitharbor/model"
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("vectorstore: closed")

	// ErrLiveRowExists is returned by Append when the media item already has
	// a live row of that type. Use Replace to re-embed.
	ErrLiveRowExists = errs.New(errs.ErrData, "media already has a live row")

	// ErrInvalidMediaID is returned for empty or oversized media ids.
	ErrInvalidMediaID = errs.New(errs.ErrData, "invalid media id")

	// ErrInvalidMediaType is returned for unknown media types.
	ErrInvalidMediaType = errs.New(errs.ErrData, "invalid media type")
)

type liveKey struct {
	mediaID   string
	mediaType model.MediaType
}

type entry struct {
	mediaID   string
	mediaType model.MediaType
}

// Store is the append-only vector store with its parallel id-map.
//
// Appends, tombstones and replaces are serialized by one writer lock. Reads
// of committed rows never take that lock: rows below the committed count are
// immutable and tombstones are published as copy-on-write bitmaps.
type Store struct {
	dir      string
	dim      int
	rowBytes int64
	fs       fs.FileSystem
	logger   *slog.Logger

	mu      sync.Mutex
	vecFile fs.File
	mapFile fs.File
	broken  error
	closed  bool

	count      atomic.Uint64
	vectors    *container.SegmentedArray[canon.Vector]
	entries    *container.SegmentedArray[entry]
	tombstones atomic.Pointer[roaring64.Bitmap]

	idxMu  sync.RWMutex
	live   map[liveKey]model.RowID
	hashes map[model.VectorHash]model.RowID
}

// Option configures a Store.
type Option func(*Store)

// WithFileSystem overrides the file system, e.g. with a fault-injecting one.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(s *Store) {
		s.fs = fsys
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// Open opens or creates the store in dir for vectors of dimension dim and
// recovers it to its last committed row.
func Open(dir string, dim int, optFns ...Option) (*Store, error) {
	if dim <= 0 {
		return nil, errs.Data("vectorstore open", fmt.Errorf("invalid dimension %d", dim))
	}
	s := &Store{
		dir:      dir,
		dim:      dim,
		rowBytes: int64(dim) * 4,
		fs:       fs.Default,
		vectors:  container.NewSegmentedArray[canon.Vector](),
		entries:  container.NewSegmentedArray[entry](),
		live:     make(map[liveKey]model.RowID),
		hashes:   make(map[model.VectorHash]model.RowID),
	}
	for _, fn := range optFns {
		fn(s)
	}
	s.tombstones.Store(roaring64.New())

	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Transient("vectorstore open", err)
	}
	if err := s.recover(); err != nil {
		s.closeFiles()
		return nil, err
	}
	return s, nil
}

// Dim returns the vector dimension.
func (s *Store) Dim() int { return s.dim }

// Dir returns the directory holding the store files.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

func (s *Store) validate(vec canon.Vector, mediaID string, t model.MediaType) error {
	if len(vec) != s.dim {
		return &errs.DimensionMismatchError{Expected: s.dim, Actual: len(vec)}
	}
	if mediaID == "" || len(mediaID) > MaxMediaIDLen {
		return fmt.Errorf("%w: length %d", ErrInvalidMediaID, len(mediaID))
	}
	if !t.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidMediaType, t)
	}
	return nil
}

func (s *Store) writable() error {
	if s.closed {
		return ErrClosed
	}
	return s.broken
}

// Append writes vec as a new row for (mediaID, t) and returns its row id.
// The row is durable when Append returns: the vector is synced first and
// the id-map record, synced second, is the commit point.
func (s *Store) Append(vec canon.Vector, mediaID string, t model.MediaType) (model.RowID, error) {
	if err := s.validate(vec, mediaID, t); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return 0, err
	}
	if row, ok := s.Live(mediaID, t); ok {
		return 0, fmt.Errorf("%w: %s/%s is row %d", ErrLiveRowExists, t, mediaID, row)
	}
	return s.appendLocked(vec, mediaID, t)
}

// Replace appends vec for (mediaID, t) and then tombstones the previous live
// row, if any. Row content is never overwritten. The previous row is
// returned with ok=false when there was none.
func (s *Store) Replace(mediaID string, t model.MediaType, vec canon.Vector) (newRow, oldRow model.RowID, ok bool, err error) {
	if err := s.validate(vec, mediaID, t); err != nil {
		return 0, 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return 0, 0, false, err
	}

	oldRow, ok = s.Live(mediaID, t)
	newRow, err = s.appendLocked(vec, mediaID, t)
	if err != nil {
		return 0, 0, false, err
	}
	if ok {
		if err := s.tombstoneLocked(oldRow); err != nil {
			// The old row stays the live one. The caller owns the new row and
			// tombstones it on rollback.
			if ferr := s.writeFlags(oldRow, 0); ferr != nil && s.logger != nil {
				s.logger.Error("clearing tombstone after failed replace", "row_id", oldRow, "error", ferr)
			}
			s.idxMu.Lock()
			s.live[liveKey{mediaID, t}] = oldRow
			s.idxMu.Unlock()
			return newRow, oldRow, ok, err
		}
	}
	return newRow, oldRow, ok, nil
}

func (s *Store) appendLocked(vec canon.Vector, mediaID string, t model.MediaType) (model.RowID, error) {
	row := model.RowID(s.count.Load())
	vecOff := headerSize + int64(row)*s.rowBytes
	mapOff := headerSize + int64(row)*RecordSize

	buf := make([]byte, s.rowBytes)
	encodeVector(buf, vec)
	if _, err := s.vecFile.WriteAt(buf, vecOff); err != nil {
		s.undoAppend(vecOff, mapOff)
		return 0, errs.Transient("vectorstore append vector", err)
	}
	if err := s.vecFile.Sync(); err != nil {
		s.undoAppend(vecOff, mapOff)
		return 0, errs.Transient("vectorstore sync vector", err)
	}

	rec := make([]byte, RecordSize)
	record{row: row, mediaType: t, mediaID: mediaID}.encode(rec)
	if _, err := s.mapFile.WriteAt(rec, mapOff); err != nil {
		s.undoAppend(vecOff, mapOff)
		return 0, errs.Transient("vectorstore append id-map", err)
	}
	if err := s.mapFile.Sync(); err != nil {
		s.undoAppend(vecOff, mapOff)
		return 0, errs.Transient("vectorstore sync id-map", err)
	}

	stored := canon.Vector(append([]float32(nil), vec...))
	s.vectors.Set(uint64(row), stored)
	s.entries.Set(uint64(row), entry{mediaID: mediaID, mediaType: t})

	s.idxMu.Lock()
	s.live[liveKey{mediaID, t}] = row
	s.hashes[canon.HashVector(stored)] = row
	s.idxMu.Unlock()

	s.count.Store(uint64(row) + 1)
	if s.logger != nil {
		s.logger.Debug("vector row appended", "row_id", row, "media_id", mediaID, "media_type", t.String())
	}
	return row, nil
}

// undoAppend cuts both files back to the last committed row after a failed
// append. If that fails too the store refuses further writes until reopened,
// where recovery repeats the truncation.
func (s *Store) undoAppend(vecOff, mapOff int64) {
	err := errors.Join(s.mapFile.Truncate(mapOff), s.vecFile.Truncate(vecOff))
	if err != nil {
		s.broken = errs.Consistency("vectorstore", fmt.Errorf("append rollback failed, reopen to recover: %w", err))
		if s.logger != nil {
			s.logger.Error("vector store append rollback failed", "error", err)
		}
	}
}

// Tombstone marks row as deleted. Tombstoning a tombstoned row is a no-op.
func (s *Store) Tombstone(row model.RowID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	return s.tombstoneLocked(row)
}

func (s *Store) tombstoneLocked(row model.RowID) error {
	if uint64(row) >= s.count.Load() {
		return errs.NotFound("vectorstore tombstone", fmt.Errorf("row %d", row))
	}
	if s.Tombstoned(row) {
		return nil
	}
	e, _ := s.entries.Get(uint64(row))
	if err := s.writeFlags(row, flagTombstone); err != nil {
		return err
	}
	s.markTombstoned(row, e)
	if s.logger != nil {
		s.logger.Debug("vector row tombstoned", "row_id", row, "media_id", e.mediaID)
	}
	return nil
}

// writeFlags rewrites the flags byte of row's id-map record in place.
func (s *Store) writeFlags(row model.RowID, flags uint8) error {
	off := headerSize + int64(row)*RecordSize + flagsOffset
	if _, err := s.mapFile.WriteAt([]byte{flags}, off); err != nil {
		return errs.Transient("vectorstore write flags", err)
	}
	if err := s.mapFile.Sync(); err != nil {
		return errs.Transient("vectorstore sync flags", err)
	}
	return nil
}

// Restore clears the tombstone of row and makes it the live row of its
// media item again. Rolling back a failed replace uses it to bring back
// the previous row under its original id, so snapshots that index that row
// serve it again. It fails with ErrLiveRowExists while another row of the
// same item is live.
func (s *Store) Restore(row model.RowID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	if uint64(row) >= s.count.Load() {
		return errs.NotFound("vectorstore restore", fmt.Errorf("row %d", row))
	}
	if !s.Tombstoned(row) {
		return nil
	}
	e, _ := s.entries.Get(uint64(row))
	if cur, ok := s.Live(e.mediaID, e.mediaType); ok {
		return fmt.Errorf("%w: %s/%s is row %d", ErrLiveRowExists, e.mediaType, e.mediaID, cur)
	}
	if err := s.writeFlags(row, 0); err != nil {
		return err
	}

	next := s.tombstones.Load().Clone()
	next.Remove(uint64(row))
	s.tombstones.Store(next)

	v, _ := s.vectors.Get(uint64(row))
	s.idxMu.Lock()
	s.live[liveKey{e.mediaID, e.mediaType}] = row
	s.hashes[canon.HashVector(v)] = row
	s.idxMu.Unlock()
	if s.logger != nil {
		s.logger.Debug("vector row restored", "row_id", row, "media_id", e.mediaID)
	}
	return nil
}

func (s *Store) markTombstoned(row model.RowID, e entry) {
	next := s.tombstones.Load().Clone()
	next.Add(uint64(row))
	s.tombstones.Store(next)

	s.idxMu.Lock()
	key := liveKey{e.mediaID, e.mediaType}
	if cur, ok := s.live[key]; ok && cur == row {
		delete(s.live, key)
	}
	s.idxMu.Unlock()
}

// Read returns the vector of a committed row. Tombstoned rows stay readable.
// The returned slice is shared and must not be modified.
func (s *Store) Read(row model.RowID) (canon.Vector, error) {
	if uint64(row) >= s.count.Load() {
		return nil, errs.NotFound("vectorstore read", fmt.Errorf("row %d", row))
	}
	v, _ := s.vectors.Get(uint64(row))
	return v, nil
}

// Entry returns the id-map entry of a committed row.
func (s *Store) Entry(row model.RowID) (model.IdMapEntry, error) {
	if uint64(row) >= s.count.Load() {
		return model.IdMapEntry{}, errs.NotFound("vectorstore entry", fmt.Errorf("row %d", row))
	}
	e, _ := s.entries.Get(uint64(row))
	return model.IdMapEntry{
		RowID:      row,
		MediaID:    e.mediaID,
		MediaType:  e.mediaType,
		Tombstoned: s.Tombstoned(row),
	}, nil
}

// Tombstoned reports whether row is tombstoned.
func (s *Store) Tombstoned(row model.RowID) bool {
	return s.tombstones.Load().Contains(uint64(row))
}

// RowCount returns the number of committed rows, tombstoned or not.
func (s *Store) RowCount() uint64 { return s.count.Load() }

// TombstoneCount returns the number of tombstoned rows.
func (s *Store) TombstoneCount() uint64 { return s.tombstones.Load().GetCardinality() }

// Live returns the live row of (mediaID, t).
func (s *Store) Live(mediaID string, t model.MediaType) (model.RowID, bool) {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	row, ok := s.live[liveKey{mediaID, t}]
	return row, ok
}

// FindVectorHash returns a live row holding a vector with hash h.
func (s *Store) FindVectorHash(h model.VectorHash) (model.RowID, bool) {
	s.idxMu.RLock()
	row, ok := s.hashes[h]
	s.idxMu.RUnlock()
	if !ok || s.Tombstoned(row) {
		return 0, false
	}
	return row, true
}

// View returns a consistent view of the committed rows at this instant.
func (s *Store) View() *View {
	// Load tombstones before the count: any row tombstoned in the snapshot
	// is below the count read afterwards.
	tomb := s.tombstones.Load()
	return &View{store: s, count: s.count.Load(), tombstones: tomb}
}

// Stats summarizes the store.
type Stats struct {
	RowCount       uint64
	TombstoneCount uint64
	LiveCount      uint64
}

// Stats returns row counts.
func (s *Store) Stats() Stats {
	tomb := s.tombstones.Load().GetCardinality()
	n := s.count.Load()
	return Stats{RowCount: n, TombstoneCount: tomb, LiveCount: n - tomb}
}

// Close closes the store files.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.closeFiles()
}

func (s *Store) closeFiles() error {
	var err error
	if s.vecFile != nil {
		err = errors.Join(err, s.vecFile.Close())
	}
	if s.mapFile != nil {
		err = errors.Join(err, s.mapFile.Close())
	}
	return err
}

func (s *Store) openFile(name string) (fs.File, error) {
	return s.fs.OpenFile(s.path(name), os.O_RDWR|os.O_CREATE, 0o644)
}
