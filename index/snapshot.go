package index

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/bitharbor/canon"
	"github.com/hupe1980/bitharbor/errs"
	"github.com/hupe1980/bitharbor/internal/hnsw"
	"github.com/hupe1980/bitharbor/model"
)

// maxPostFilterExpansion caps how many times k a post-filtered search asks
// the graph for.
const maxPostFilterExpansion = 64

// Rows is the row source a snapshot is built from and reads vectors through.
// Committed rows must be immutable. *vectorstore.View implements it.
type Rows interface {
	Len() uint64
	Vector(row model.RowID) canon.Vector
	Entry(row model.RowID) model.IdMapEntry
	Tombstoned(row model.RowID) bool
}

// FilterPolicy decides how a media type filter is applied to a search.
type FilterPolicy int

const (
	// FilterPostTraversal searches the whole graph and drops rows of other
	// types afterwards, widening the search by the type's selectivity.
	FilterPostTraversal FilterPolicy = iota
	// FilterInTraversal only admits rows of the requested type into the
	// result set while traversing.
	FilterInTraversal
)

func (p FilterPolicy) String() string {
	if p == FilterInTraversal {
		return "in-traversal"
	}
	return "post-traversal"
}

// ParseFilterPolicy parses "post-traversal" or "in-traversal".
func ParseFilterPolicy(s string) (FilterPolicy, error) {
	switch s {
	case "post-traversal", "post", "":
		return FilterPostTraversal, nil
	case "in-traversal", "in":
		return FilterInTraversal, nil
	}
	return 0, fmt.Errorf("index: unknown filter policy %q", s)
}

// Hit is an approximate search result.
type Hit struct {
	Row      model.RowID
	Distance float32
}

// Snapshot is an immutable ANN graph over the live rows of the prefix
// [0, HighWater) of the vector store as it was when the snapshot was built.
type Snapshot struct {
	build     uint64
	highWater uint64
	dim       int
	builtAt   time.Time

	rows  []model.RowID // graph node -> row
	types map[model.MediaType]*roaring.Bitmap
	graph *hnsw.Graph

	policy   FilterPolicy
	efSearch int
}

// BuildOptions configures Build.
type BuildOptions struct {
	Build        uint64
	Dim          int
	FilterPolicy FilterPolicy
	EFSearch     int
	HNSW         []func(o *hnsw.Options)
}

// Build constructs a snapshot over the rows of src. Tombstoned rows are left
// out of the graph.
func Build(ctx context.Context, src Rows, opts BuildOptions) (*Snapshot, error) {
	highWater := src.Len()
	s := &Snapshot{
		build:     opts.Build,
		highWater: highWater,
		dim:       opts.Dim,
		types:     make(map[model.MediaType]*roaring.Bitmap),
		policy:    opts.FilterPolicy,
		efSearch:  opts.EFSearch,
	}

	for row := model.RowID(0); uint64(row) < highWater; row++ {
		if src.Tombstoned(row) {
			continue
		}
		node := uint32(len(s.rows))
		s.rows = append(s.rows, row)
		s.typeBitmap(src.Entry(row).MediaType).Add(node)
	}

	vectorOf := func(node uint32) []float32 { return src.Vector(s.rows[node]) }
	g, err := hnsw.Build(ctx, len(s.rows), s.dim, vectorOf, opts.HNSW...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, errs.Data("index build", err)
	}
	s.graph = g
	s.builtAt = time.Now()
	return s, nil
}

// Empty returns a snapshot with no rows.
func Empty(dim int, policy FilterPolicy) *Snapshot {
	g, _ := hnsw.Build(context.Background(), 0, dim, nil)
	return &Snapshot{
		dim:     dim,
		types:   make(map[model.MediaType]*roaring.Bitmap),
		graph:   g,
		policy:  policy,
		builtAt: time.Now(),
	}
}

func (s *Snapshot) typeBitmap(t model.MediaType) *roaring.Bitmap {
	bm, ok := s.types[t]
	if !ok {
		bm = roaring.New()
		s.types[t] = bm
	}
	return bm
}

// Build returns the build number. Zero is the empty snapshot.
func (s *Snapshot) Build() uint64 { return s.build }

// HighWater returns the number of store rows the snapshot covers.
func (s *Snapshot) HighWater() uint64 { return s.highWater }

// Len returns the number of rows in the graph.
func (s *Snapshot) Len() int { return len(s.rows) }

// Contains reports whether row is a node of the graph.
func (s *Snapshot) Contains(row model.RowID) bool {
	_, ok := slices.BinarySearch(s.rows, row)
	return ok
}

// BuiltAt returns when the snapshot was built or loaded.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// Graph exposes the underlying graph for diagnostics.
func (s *Snapshot) Graph() *hnsw.Graph { return s.graph }

// TypeCount returns how many graph rows have media type t.
func (s *Snapshot) TypeCount(t model.MediaType) uint64 {
	if bm, ok := s.types[t]; ok {
		return bm.GetCardinality()
	}
	return 0
}

// Search returns up to k rows nearest to query by approximate distance,
// ascending. With filter set only rows of that media type are returned.
func (s *Snapshot) Search(query []float32, k int, filter *model.MediaType) ([]Hit, error) {
	if k <= 0 {
		return nil, errs.Data("index search", hnsw.ErrInvalidK)
	}
	if len(query) != s.dim {
		return nil, &errs.DimensionMismatchError{Expected: s.dim, Actual: len(query)}
	}
	if len(s.rows) == 0 {
		return []Hit{}, nil
	}

	var (
		accept hnsw.AcceptFunc
		keep   func(node uint32) bool
		want   = k
		ef     = s.efSearch
	)
	if filter != nil {
		bm, ok := s.types[*filter]
		if !ok || bm.IsEmpty() {
			return []Hit{}, nil
		}
		switch s.policy {
		case FilterInTraversal:
			accept = bm.Contains
		default:
			keep = bm.Contains
			// Expect about k*total/matching candidates to contain k matches.
			expansion := (uint64(len(s.rows)) + bm.GetCardinality() - 1) / bm.GetCardinality()
			want = k * int(min(expansion, maxPostFilterExpansion))
			want = min(want, len(s.rows))
			ef = max(ef, want)
		}
	}

	res, err := s.graph.Search(query, want, ef, accept)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, min(k, len(res)))
	for _, r := range res {
		if keep != nil && !keep(r.ID) {
			continue
		}
		hits = append(hits, Hit{Row: s.rows[r.ID], Distance: r.Distance})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}
