package hnsw

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sync"

	"github.com/hupe1980/bitharbor/distance"
	"github.com/hupe1980/bitharbor/internal/searcher"
)

// buildCheckInterval is how many inserts run between context checks.
const buildCheckInterval = 256

// Graph is an immutable HNSW graph over node ids [0, Len()).
type Graph struct {
	opts      Options
	m, m0     int
	levelMult float64
	dim       int
	dist      distance.Func
	vectors   VectorFunc

	levels   []uint8
	links    [][][]uint32 // links[id][level]
	entry    uint32
	maxLevel int // -1 when empty

	scratchPool sync.Pool
}

type scratch struct {
	visited    *searcher.VisitedSet
	candidates *searcher.PriorityQueue // min-heap: next node to expand
	results    *searcher.PriorityQueue // max-heap: worst result on top
	out        []searcher.PriorityQueueItem
	selected   []searcher.PriorityQueueItem
	prune      []searcher.PriorityQueueItem
	pruned     []searcher.PriorityQueueItem
}

func newGraph(n, dim int, vectors VectorFunc, opts Options) (*Graph, error) {
	if opts.M < minimumM {
		opts.M = minimumM
	}
	if opts.EFConstruction < opts.M {
		opts.EFConstruction = opts.M
	}
	if opts.EFSearch <= 0 {
		opts.EFSearch = DefaultEFSearch
	}
	dist, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}
	g := &Graph{
		opts:      opts,
		m:         opts.M,
		m0:        2 * opts.M,
		levelMult: 1 / math.Log(float64(opts.M)),
		dim:       dim,
		dist:      dist,
		vectors:   vectors,
		levels:    make([]uint8, n),
		links:     make([][][]uint32, n),
		maxLevel:  -1,
	}
	g.scratchPool.New = func() any {
		return &scratch{
			visited:    searcher.NewVisitedSet(n),
			candidates: searcher.NewPriorityQueue(false),
			results:    searcher.NewPriorityQueue(true),
		}
	}
	return g, nil
}

// Build constructs a graph over the n vectors returned by vectors for ids
// [0, n). Insertion is sequential in id order, so the result depends only on
// the vectors and the options.
func Build(ctx context.Context, n, dim int, vectors VectorFunc, optFns ...func(o *Options)) (*Graph, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if n < 0 || uint64(n) > math.MaxUint32 {
		return nil, fmt.Errorf("hnsw: invalid node count %d", n)
	}
	g, err := newGraph(n, dim, vectors, opts)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	s := g.getScratch()
	defer g.putScratch(s)

	for id := 0; id < n; id++ {
		if id%buildCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if v := vectors(uint32(id)); len(v) != dim {
			return nil, &ErrDimensionMismatch{Expected: dim, Actual: len(v)}
		}
		g.insert(s, uint32(id), g.randomLevel(rng))
	}
	return g, nil
}

func (g *Graph) randomLevel(rng *rand.Rand) int {
	level := int(-math.Log(1-rng.Float64()) * g.levelMult)
	return min(level, maxLevel)
}

func (g *Graph) maxConns(level int) int {
	if level == 0 {
		return g.m0
	}
	return g.m
}

func (g *Graph) getScratch() *scratch {
	return g.scratchPool.Get().(*scratch)
}

func (g *Graph) putScratch(s *scratch) {
	g.scratchPool.Put(s)
}

func (g *Graph) distTo(q []float32, id uint32) float32 {
	return g.dist(q, g.vectors(id))
}

func (g *Graph) neighbors(id uint32, level int) []uint32 {
	l := g.links[id]
	if level >= len(l) {
		return nil
	}
	return l[level]
}

func (g *Graph) insert(s *scratch, id uint32, level int) {
	g.levels[id] = uint8(level)
	g.links[id] = make([][]uint32, level+1)

	if g.maxLevel < 0 {
		g.entry = id
		g.maxLevel = level
		return
	}

	q := g.vectors(id)
	ep := searcher.PriorityQueueItem{Node: g.entry, Distance: g.distTo(q, g.entry)}
	for l := g.maxLevel; l > level; l-- {
		ep = g.greedy(q, ep, l)
	}

	for l := min(level, g.maxLevel); l >= 0; l-- {
		candidates := g.searchLayer(s, q, ep, g.opts.EFConstruction, l, nil)
		ep = candidates[0]

		s.selected = g.selectNeighbors(candidates, g.m, s.selected[:0])
		links := make([]uint32, len(s.selected), g.maxConns(l))
		for i, nb := range s.selected {
			links[i] = nb.Node
		}
		g.links[id][l] = links

		for _, nb := range links {
			g.connect(s, nb, id, l)
		}
	}

	if level > g.maxLevel {
		g.entry = id
		g.maxLevel = level
	}
}

// connect adds a link src -> dst on level, pruning src's links back to the
// level's limit when they overflow.
func (g *Graph) connect(s *scratch, src, dst uint32, level int) {
	links := g.links[src][level]
	if slices.Contains(links, dst) {
		return
	}
	limit := g.maxConns(level)
	if len(links) < limit {
		g.links[src][level] = append(links, dst)
		return
	}

	srcVec := g.vectors(src)
	cands := s.prune[:0]
	for _, id := range links {
		cands = append(cands, searcher.PriorityQueueItem{Node: id, Distance: g.distTo(srcVec, id)})
	}
	cands = append(cands, searcher.PriorityQueueItem{Node: dst, Distance: g.distTo(srcVec, dst)})
	slices.SortFunc(cands, compareItems)
	s.prune = cands

	s.pruned = g.selectNeighbors(cands, limit, s.pruned[:0])
	pruned := make([]uint32, len(s.pruned), limit)
	for i, nb := range s.pruned {
		pruned[i] = nb.Node
	}
	g.links[src][level] = pruned
}

func compareItems(a, b searcher.PriorityQueueItem) int {
	switch {
	case a.Distance < b.Distance:
		return -1
	case a.Distance > b.Distance:
		return 1
	case a.Node < b.Node:
		return -1
	case a.Node > b.Node:
		return 1
	}
	return 0
}

// selectNeighbors picks up to m of the ascending candidates into dst.
//
// With the heuristic enabled a candidate is kept only if it is closer to the
// base node than to every neighbor kept so far; remaining slots are then
// filled with the closest discarded candidates.
func (g *Graph) selectNeighbors(candidates []searcher.PriorityQueueItem, m int, dst []searcher.PriorityQueueItem) []searcher.PriorityQueueItem {
	if !g.opts.Heuristic || len(candidates) <= m {
		n := min(m, len(candidates))
		return append(dst, candidates[:n]...)
	}

	start := len(dst)
	for _, cand := range candidates {
		if len(dst)-start >= m {
			break
		}
		candVec := g.vectors(cand.Node)
		good := true
		for _, kept := range dst[start:] {
			if g.distTo(candVec, kept.Node) < cand.Distance {
				good = false
				break
			}
		}
		if good {
			dst = append(dst, cand)
		}
	}

	for _, cand := range candidates {
		if len(dst)-start >= m {
			break
		}
		if !slices.ContainsFunc(dst[start:], func(it searcher.PriorityQueueItem) bool { return it.Node == cand.Node }) {
			dst = append(dst, cand)
		}
	}
	return dst
}

// greedy walks level from ep towards q and returns the closest node found.
func (g *Graph) greedy(q []float32, ep searcher.PriorityQueueItem, level int) searcher.PriorityQueueItem {
	for changed := true; changed; {
		changed = false
		for _, next := range g.neighbors(ep.Node, level) {
			if d := g.distTo(q, next); d < ep.Distance || (d == ep.Distance && next < ep.Node) {
				ep = searcher.PriorityQueueItem{Node: next, Distance: d}
				changed = true
			}
		}
	}
	return ep
}

// searchLayer runs a best-first search on one level and returns up to ef
// results ordered nearest first. Nodes rejected by accept are traversed but
// never returned.
func (g *Graph) searchLayer(s *scratch, q []float32, ep searcher.PriorityQueueItem, ef, level int, accept AcceptFunc) []searcher.PriorityQueueItem {
	s.visited.Reset()
	s.candidates.Reset()
	s.results.Reset()

	s.visited.Visit(ep.Node)
	s.candidates.PushItem(ep)
	if accept == nil || accept(ep.Node) {
		s.results.PushItem(ep)
	}

	for s.candidates.Len() > 0 {
		curr, _ := s.candidates.PopItem()
		if s.results.Len() >= ef {
			if worst, _ := s.results.TopItem(); curr.Distance > worst.Distance {
				break
			}
		}

		for _, next := range g.neighbors(curr.Node, level) {
			if s.visited.Visited(next) {
				continue
			}
			s.visited.Visit(next)

			d := g.distTo(q, next)
			if s.results.Len() >= ef {
				if worst, _ := s.results.TopItem(); d > worst.Distance {
					continue
				}
			}
			item := searcher.PriorityQueueItem{Node: next, Distance: d}
			s.candidates.PushItem(item)
			if accept == nil || accept(next) {
				s.results.PushItemBounded(item, ef)
			}
		}
	}

	s.out = s.results.DrainAscending(s.out[:0])
	return s.out
}

// Search returns up to k nodes nearest to q, ordered by ascending distance.
// ef bounds the candidate list; values below k are raised to k and zero
// selects the graph's default. A nil accept admits every node.
func (g *Graph) Search(q []float32, k, ef int, accept AcceptFunc) ([]SearchResult, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if len(q) != g.dim {
		return nil, &ErrDimensionMismatch{Expected: g.dim, Actual: len(q)}
	}
	if g.maxLevel < 0 {
		return []SearchResult{}, nil
	}
	if ef <= 0 {
		ef = g.opts.EFSearch
	}
	ef = max(ef, k)

	s := g.getScratch()
	defer g.putScratch(s)

	ep := searcher.PriorityQueueItem{Node: g.entry, Distance: g.distTo(q, g.entry)}
	for l := g.maxLevel; l > 0; l-- {
		ep = g.greedy(q, ep, l)
	}
	items := g.searchLayer(s, q, ep, ef, 0, accept)

	results := make([]SearchResult, 0, min(k, len(items)))
	for _, it := range items[:min(k, len(items))] {
		results = append(results, SearchResult{ID: it.Node, Distance: it.Distance})
	}
	return results, nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.levels) }

// Dim returns the vector dimension.
func (g *Graph) Dim() int { return g.dim }

// Options returns the options the graph was built with.
func (g *Graph) Options() Options { return g.opts }

// Neighbors returns the links of id on level. The slice must not be modified.
func (g *Graph) Neighbors(id uint32, level int) []uint32 {
	if int(id) >= len(g.links) {
		return nil
	}
	return g.neighbors(id, level)
}

// Stats returns per-level statistics.
func (g *Graph) Stats() Stats {
	st := Stats{
		Nodes:      len(g.levels),
		MaxLevel:   g.maxLevel,
		EntryPoint: g.entry,
		M:          g.m,
		M0:         g.m0,
	}
	if g.maxLevel < 0 {
		return st
	}
	st.Levels = make([]LevelStats, g.maxLevel+1)
	for l := range st.Levels {
		st.Levels[l].Level = l
	}
	for id, lv := range g.levels {
		for l := 0; l <= int(lv); l++ {
			st.Levels[l].Nodes++
			st.Levels[l].Connections += len(g.links[id][l])
		}
	}
	for l := range st.Levels {
		if st.Levels[l].Nodes > 0 {
			st.Levels[l].AvgConnections = float64(st.Levels[l].Connections) / float64(st.Levels[l].Nodes)
		}
	}
	return st
}
