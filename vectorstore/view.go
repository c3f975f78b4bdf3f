package vectorstore

import (
	"iter"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/bitharbor/canon"
	"github.com/hupe1980/bitharbor/model"
)

// View is a point-in-time prefix of the store: rows [0, Len()) with the
// tombstones that existed when the view was taken. Later appends and
// tombstones are not visible through it.
type View struct {
	store      *Store
	count      uint64
	tombstones *roaring64.Bitmap
}

// Len returns the number of rows in the view.
func (v *View) Len() uint64 { return v.count }

// Vector returns the vector of row. The row must be below Len.
func (v *View) Vector(row model.RowID) canon.Vector {
	vec, _ := v.store.vectors.Get(uint64(row))
	return vec
}

// Entry returns the id-map entry of row as of the view.
func (v *View) Entry(row model.RowID) model.IdMapEntry {
	e, _ := v.store.entries.Get(uint64(row))
	return model.IdMapEntry{
		RowID:      row,
		MediaID:    e.mediaID,
		MediaType:  e.mediaType,
		Tombstoned: v.tombstones.Contains(uint64(row)),
	}
}

// Tombstoned reports whether row was tombstoned when the view was taken.
func (v *View) Tombstoned(row model.RowID) bool {
	return v.tombstones.Contains(uint64(row))
}

// LiveRows yields the rows of the view that are not tombstoned.
func (v *View) LiveRows() iter.Seq[model.RowID] {
	return func(yield func(model.RowID) bool) {
		for row := uint64(0); row < v.count; row++ {
			if v.tombstones.Contains(row) {
				continue
			}
			if !yield(model.RowID(row)) {
				return
			}
		}
	}
}

// LiveCount returns the number of live rows in the view.
func (v *View) LiveCount() uint64 {
	return v.count - v.tombstones.GetCardinality()
}
