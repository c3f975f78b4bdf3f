package vectorstore

import (
	"errors"
	"fmt"
	"io"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/bitharbor/canon"
	"github.com/hupe1980/bitharbor/errs"
	"github.com/hupe1980/bitharbor/internal/fs"
	"github.com/hupe1980/bitharbor/model"
)

// recoverChunkRows bounds how many rows are read per I/O during recovery.
const recoverChunkRows = 4096

// recover opens both files and rebuilds the in-memory state from them.
//
// The id-map is authoritative. A torn trailing record is cut off, vector
// rows past the last committed record are cut off, and duplicate live rows
// left by an interrupted Replace are resolved in favor of the newest row.
func (s *Store) recover() error {
	var err error
	if s.vecFile, err = s.openFile(vectorsFileName); err != nil {
		return errs.Transient("vectorstore open", err)
	}
	if s.mapFile, err = s.openFile(idMapFileName); err != nil {
		return errs.Transient("vectorstore open", err)
	}
	if err := s.initHeader(s.vecFile, vectorsMagic); err != nil {
		return err
	}
	if err := s.initHeader(s.mapFile, idMapMagic); err != nil {
		return err
	}

	records, err := s.readRecords()
	if err != nil {
		return err
	}
	if err := s.loadVectors(uint64(len(records))); err != nil {
		return err
	}

	tomb := roaring64.New()
	var duplicates []model.RowID
	for i, r := range records {
		row := uint64(i)
		s.entries.Set(row, entry{mediaID: r.mediaID, mediaType: r.mediaType})
		if r.tombstoned() {
			tomb.Add(row)
			continue
		}
		key := liveKey{r.mediaID, r.mediaType}
		if prev, ok := s.live[key]; ok {
			duplicates = append(duplicates, prev)
		}
		s.live[key] = model.RowID(row)
		v, _ := s.vectors.Get(row)
		s.hashes[canon.HashVector(v)] = model.RowID(row)
	}
	s.tombstones.Store(tomb)
	s.count.Store(uint64(len(records)))

	for _, row := range duplicates {
		if s.logger != nil {
			e, _ := s.entries.Get(uint64(row))
			s.logger.Warn("repairing duplicate live row", "row_id", row, "media_id", e.mediaID)
		}
		if err := s.tombstoneLocked(row); err != nil {
			return err
		}
	}

	if s.logger != nil {
		s.logger.Info("vector store recovered",
			"dir", s.dir, "rows", len(records), "tombstones", tomb.GetCardinality())
	}
	return nil
}

func (s *Store) initHeader(f fs.File, magic [4]byte) error {
	info, err := f.Stat()
	if err != nil {
		return errs.Transient("vectorstore stat", err)
	}
	if info.Size() < headerSize {
		// A header shorter than headerSize can only come from a crash during
		// creation, before any row was written.
		h := fileHeader{magic: magic, version: formatVersion, dim: uint32(s.dim)}
		if err := f.Truncate(0); err != nil {
			return errs.Transient("vectorstore init", err)
		}
		if _, err := f.WriteAt(h.encode(), 0); err != nil {
			return errs.Transient("vectorstore init", err)
		}
		if err := f.Sync(); err != nil {
			return errs.Transient("vectorstore init", err)
		}
		return errs.Transient("vectorstore init", s.fs.SyncDir(s.dir))
	}

	buf := make([]byte, headerSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return errs.Transient("vectorstore header", err)
	}
	h, err := decodeHeader(buf, magic)
	if err != nil {
		return errs.Consistency("vectorstore header", err)
	}
	if int(h.dim) != s.dim {
		return errs.Data("vectorstore header", &errs.DimensionMismatchError{Expected: int(h.dim), Actual: s.dim})
	}
	return nil
}

func (s *Store) readRecords() ([]record, error) {
	info, err := s.mapFile.Stat()
	if err != nil {
		return nil, errs.Transient("vectorstore stat", err)
	}
	body := info.Size() - headerSize
	n := body / RecordSize
	torn := body%RecordSize != 0

	records := make([]record, 0, n)
	buf := make([]byte, recoverChunkRows*RecordSize)
	for start := int64(0); start < n; start += recoverChunkRows {
		rows := min(recoverChunkRows, n-start)
		chunk := buf[:rows*RecordSize]
		if _, err := s.mapFile.ReadAt(chunk, headerSize+start*RecordSize); err != nil && !errors.Is(err, io.EOF) {
			return nil, errs.Transient("vectorstore read id-map", err)
		}
		for i := int64(0); i < rows; i++ {
			idx := start + i
			r, err := decodeRecord(chunk[i*RecordSize : (i+1)*RecordSize])
			if err != nil {
				if idx == n-1 {
					// Last record failed its checksum: the append was torn.
					torn = true
					n = idx
					break
				}
				return nil, errs.Consistency("vectorstore id-map", fmt.Errorf("record %d: %w", idx, err))
			}
			if uint64(r.row) != uint64(idx) {
				return nil, errs.Consistency("vectorstore id-map", fmt.Errorf("record %d holds row id %d", idx, r.row))
			}
			records = append(records, r)
		}
	}

	if torn {
		end := headerSize + n*RecordSize
		if s.logger != nil {
			s.logger.Warn("truncating torn id-map record", "size", info.Size(), "committed_rows", n)
		}
		if err := s.mapFile.Truncate(end); err != nil {
			return nil, errs.Transient("vectorstore truncate id-map", err)
		}
		if err := s.mapFile.Sync(); err != nil {
			return nil, errs.Transient("vectorstore truncate id-map", err)
		}
	}
	return records, nil
}

func (s *Store) loadVectors(committed uint64) error {
	info, err := s.vecFile.Stat()
	if err != nil {
		return errs.Transient("vectorstore stat", err)
	}
	want := headerSize + int64(committed)*s.rowBytes
	if info.Size() < want {
		return errs.Consistency("vectorstore vectors",
			fmt.Errorf("id-map commits %d rows but vector file holds %d bytes, need %d", committed, info.Size(), want))
	}
	if info.Size() > want {
		if s.logger != nil {
			s.logger.Warn("truncating uncommitted vector rows", "size", info.Size(), "committed_rows", committed)
		}
		if err := s.vecFile.Truncate(want); err != nil {
			return errs.Transient("vectorstore truncate vectors", err)
		}
		if err := s.vecFile.Sync(); err != nil {
			return errs.Transient("vectorstore truncate vectors", err)
		}
	}

	buf := make([]byte, recoverChunkRows*s.rowBytes)
	for start := uint64(0); start < committed; start += recoverChunkRows {
		rows := min(recoverChunkRows, committed-start)
		chunk := buf[:int64(rows)*s.rowBytes]
		if _, err := s.vecFile.ReadAt(chunk, headerSize+int64(start)*s.rowBytes); err != nil && !errors.Is(err, io.EOF) {
			return errs.Transient("vectorstore read vectors", err)
		}
		for i := uint64(0); i < rows; i++ {
			off := int64(i) * s.rowBytes
			s.vectors.Set(start+i, canon.Vector(decodeVector(chunk[off:off+s.rowBytes], s.dim)))
		}
	}
	return nil
}

// Verify re-reads the id-map from disk and checks it against the in-memory
// state. It returns a consistency error describing the first mismatch.
func (s *Store) Verify() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	count := s.count.Load()
	info, err := s.mapFile.Stat()
	if err != nil {
		return errs.Transient("vectorstore verify", err)
	}
	if want := headerSize + int64(count)*RecordSize; info.Size() != want {
		return errs.Consistency("vectorstore verify", fmt.Errorf("id-map is %d bytes, want %d", info.Size(), want))
	}
	vinfo, err := s.vecFile.Stat()
	if err != nil {
		return errs.Transient("vectorstore verify", err)
	}
	if want := headerSize + int64(count)*s.rowBytes; vinfo.Size() != want {
		return errs.Consistency("vectorstore verify", fmt.Errorf("vector file is %d bytes, want %d", vinfo.Size(), want))
	}

	tomb := s.tombstones.Load()
	seen := make(map[liveKey]model.RowID)
	buf := make([]byte, RecordSize)
	for row := uint64(0); row < count; row++ {
		if _, err := s.mapFile.ReadAt(buf, headerSize+int64(row)*RecordSize); err != nil {
			return errs.Transient("vectorstore verify", err)
		}
		r, err := decodeRecord(buf)
		if err != nil {
			return errs.Consistency("vectorstore verify", fmt.Errorf("record %d: %w", row, err))
		}
		if uint64(r.row) != row {
			return errs.Consistency("vectorstore verify", fmt.Errorf("record %d holds row id %d", row, r.row))
		}
		if r.tombstoned() != tomb.Contains(row) {
			return errs.Consistency("vectorstore verify", fmt.Errorf("row %d tombstone flag differs from memory", row))
		}
		if r.tombstoned() {
			continue
		}
		key := liveKey{r.mediaID, r.mediaType}
		if prev, ok := seen[key]; ok {
			return errs.Consistency("vectorstore verify",
				fmt.Errorf("media %s/%s has live rows %d and %d", r.mediaType, r.mediaID, prev, row))
		}
		seen[key] = model.RowID(row)
	}
	return nil
}
