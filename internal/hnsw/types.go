package hnsw

import (
	"errors"
	"fmt"

	"github.com/hupe1980/bitharbor/distance"
)

const (
	// DefaultM is the default number of links per node on upper levels.
	DefaultM = 16

	// DefaultEFConstruction is the default candidate list size while building.
	DefaultEFConstruction = 200

	// DefaultEFSearch is the default candidate list size while searching.
	DefaultEFSearch = 100

	minimumM = 2

	// maxLevel caps level assignment; a level is stored in one byte.
	maxLevel = 31
)

var (
	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("hnsw: k must be positive")

	// ErrCorruptGraph is returned when a serialized graph fails validation.
	ErrCorruptGraph = errors.New("hnsw: corrupt graph")
)

// ErrDimensionMismatch is returned when a query does not match the graph's
// vector dimension.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("hnsw: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// VectorFunc returns the vector of node id. It must be safe for concurrent
// use and must return the same vector for an id for the graph's lifetime.
type VectorFunc func(id uint32) []float32

// AcceptFunc reports whether a node may appear in search results.
type AcceptFunc func(id uint32) bool

// Options configures graph construction.
type Options struct {
	M              int
	EFConstruction int
	EFSearch       int
	Heuristic      bool
	Metric         distance.Metric
	Seed           int64
}

// DefaultOptions contains the default options.
var DefaultOptions = Options{
	M:              DefaultM,
	EFConstruction: DefaultEFConstruction,
	EFSearch:       DefaultEFSearch,
	Heuristic:      true,
	Metric:         distance.MetricCosine,
	Seed:           42,
}

// SearchResult is a node and its distance to the query.
type SearchResult struct {
	ID       uint32
	Distance float32
}

// LevelStats describes one level of the graph.
type LevelStats struct {
	Level          int
	Nodes          int
	Connections    int
	AvgConnections float64
}

// Stats describes a graph.
type Stats struct {
	Nodes      int
	MaxLevel   int
	EntryPoint uint32
	M          int
	M0         int
	Levels     []LevelStats
}
