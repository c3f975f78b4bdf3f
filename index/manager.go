package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/bitharbor/blobstore"
	"github.com/hupe1980/bitharbor/errs"
	"github.com/hupe1980/bitharbor/internal/hnsw"
	"github.com/hupe1980/bitharbor/model"
	"github.com/hupe1980/bitharbor/vectorstore"
)

const (
	// DefaultRebuildThreshold is how many rows may be appended past the
	// current snapshot before a background rebuild is requested.
	DefaultRebuildThreshold = 256

	// DefaultKeepSnapshots is how many snapshot files Prune leaves behind.
	DefaultKeepSnapshots = 2
)

// ErrClosed is returned by Rebuild after Close.
var ErrClosed = errors.New("index: manager closed")

// RebuildInfo describes a finished rebuild attempt.
type RebuildInfo struct {
	Build    uint64
	Rows     uint64
	Nodes    int
	Duration time.Duration
	Err      error
}

// Options configures a Manager.
type Options struct {
	Blobs            blobstore.BlobStore // nil disables persistence
	Dir              string
	Compression      Compression
	KeepSnapshots    int
	RebuildThreshold uint64
	FilterPolicy     FilterPolicy
	EFSearch         int
	HNSW             []func(o *hnsw.Options)
	Logger           *slog.Logger
	OnRebuild        func(RebuildInfo)
}

// Option configures a Manager.
type Option func(o *Options)

// WithBlobStore persists snapshots to blobs.
func WithBlobStore(blobs blobstore.BlobStore) Option {
	return func(o *Options) { o.Blobs = blobs }
}

// WithDir sets the blob prefix for snapshots.
func WithDir(dir string) Option {
	return func(o *Options) { o.Dir = dir }
}

// WithCompression sets the snapshot compression.
func WithCompression(c Compression) Option {
	return func(o *Options) { o.Compression = c }
}

// WithKeepSnapshots sets how many snapshot files are retained.
func WithKeepSnapshots(n int) Option {
	return func(o *Options) { o.KeepSnapshots = n }
}

// WithRebuildThreshold sets the appended-row count that triggers a rebuild.
func WithRebuildThreshold(n uint64) Option {
	return func(o *Options) { o.RebuildThreshold = n }
}

// WithFilterPolicy sets how media type filters are applied.
func WithFilterPolicy(p FilterPolicy) Option {
	return func(o *Options) { o.FilterPolicy = p }
}

// WithEFSearch sets the default search candidate list size.
func WithEFSearch(ef int) Option {
	return func(o *Options) { o.EFSearch = ef }
}

// WithHNSW adjusts graph construction options.
func WithHNSW(fn func(o *hnsw.Options)) Option {
	return func(o *Options) { o.HNSW = append(o.HNSW, fn) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithOnRebuild registers a callback invoked after every rebuild attempt.
func WithOnRebuild(fn func(RebuildInfo)) Option {
	return func(o *Options) { o.OnRebuild = fn }
}

// Stats describes the manager state.
type Stats struct {
	Build               uint64
	HighWater           uint64
	Nodes               int
	LastRebuildDuration time.Duration
	LastRebuildError    string
	PendingRebuild      bool
	Rebuilding          bool
}

// Manager owns the current snapshot and rebuilds it in the background.
//
// Searches load the current snapshot with one atomic read and never block on
// a rebuild. At most one rebuild runs at a time; requests that arrive while
// one is running collapse into a single follow-up rebuild.
type Manager struct {
	vectors *vectorstore.Store
	opts    Options

	current atomic.Pointer[Snapshot]

	rebuildMu   sync.Mutex
	rebuildCh   chan struct{}
	closeCh     chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
	ctx         context.Context
	cancel      context.CancelFunc
	pending     atomic.Bool
	rebuilding  atomic.Bool
	lastBuild   atomic.Uint64
	lastElapsed atomic.Int64
	lastErr     atomic.Pointer[string]
}

// Open creates a manager over vectors. It loads the published snapshot when
// persistence is enabled and falls back to a synchronous rebuild when none
// can be used. The background rebuild loop runs until Close.
func Open(ctx context.Context, vectors *vectorstore.Store, optFns ...Option) (*Manager, error) {
	opts := Options{
		Dir:              DefaultDir,
		Compression:      CompressionZSTD,
		KeepSnapshots:    DefaultKeepSnapshots,
		RebuildThreshold: DefaultRebuildThreshold,
		EFSearch:         hnsw.DefaultEFSearch,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.RebuildThreshold == 0 {
		opts.RebuildThreshold = 1
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		vectors:   vectors,
		opts:      opts,
		rebuildCh: make(chan struct{}, 1),
		closeCh:   make(chan struct{}),
		ctx:       loopCtx,
		cancel:    cancel,
	}
	m.current.Store(Empty(vectors.Dim(), opts.FilterPolicy))

	if err := m.load(ctx); err != nil {
		cancel()
		return nil, err
	}

	m.wg.Add(1)
	go m.runRebuildLoop()

	m.NotifyAppended()
	return m, nil
}

func (m *Manager) load(ctx context.Context) error {
	if m.opts.Blobs != nil {
		snap, err := Load(ctx, m.opts.Blobs, m.opts.Dir, m.vectors.View(), m.opts.FilterPolicy, m.opts.EFSearch)
		switch {
		case err == nil:
			m.current.Store(snap)
			m.lastBuild.Store(snap.Build())
			m.logInfo("index snapshot loaded", "build", snap.Build(), "high_water", snap.HighWater(), "nodes", snap.Len())
			return nil
		case errors.Is(err, ErrNoSnapshot):
		case errs.IsConsistency(err):
			m.logError("index snapshot unusable, rebuilding", err)
			if verr := m.vectors.Verify(); verr != nil {
				m.logError("vector store verification failed", verr)
			}
			if builds, lerr := ListBuilds(ctx, m.opts.Blobs, m.opts.Dir); lerr == nil && len(builds) > 0 {
				m.lastBuild.Store(builds[len(builds)-1])
			}
		default:
			return err
		}
	}
	if m.vectors.RowCount() == 0 {
		return nil
	}
	_, err := m.Rebuild(ctx)
	return err
}

// Snapshot returns the current snapshot.
func (m *Manager) Snapshot() *Snapshot { return m.current.Load() }

// Search queries the current snapshot.
func (m *Manager) Search(query []float32, k int, filter *model.MediaType) ([]Hit, error) {
	return m.current.Load().Search(query, k, filter)
}

// NotifyAppended tells the manager rows were appended. It requests a
// background rebuild once the rows past the snapshot reach the threshold.
// It never blocks.
func (m *Manager) NotifyAppended() {
	snap := m.current.Load()
	rows := m.vectors.RowCount()
	if rows > snap.HighWater() && rows-snap.HighWater() >= m.opts.RebuildThreshold {
		m.RequestRebuild()
	}
}

// NotifyRestored tells the manager that a tombstoned row is live again. A
// snapshot built while the row was tombstoned lacks it, so a rebuild is
// requested when the current snapshot covers the row without indexing it, or
// when a rebuild that may have missed it is running. It never blocks.
func (m *Manager) NotifyRestored(row model.RowID) {
	snap := m.current.Load()
	if m.rebuilding.Load() || (uint64(row) < snap.HighWater() && !snap.Contains(row)) {
		m.RequestRebuild()
	}
}

// RequestRebuild schedules a background rebuild. It never blocks.
func (m *Manager) RequestRebuild() {
	m.pending.Store(true)
	select {
	case m.rebuildCh <- struct{}{}:
	default:
	}
}

func (m *Manager) runRebuildLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.closeCh:
			return
		case <-m.rebuildCh:
			if _, err := m.Rebuild(m.ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClosed) {
				m.logError("background index rebuild failed", err)
			}
		}
	}
}

// Rebuild builds a snapshot over the current rows, persists it and swaps it
// in. On failure the previous snapshot stays current.
func (m *Manager) Rebuild(ctx context.Context) (*Snapshot, error) {
	m.rebuildMu.Lock()
	defer m.rebuildMu.Unlock()

	select {
	case <-m.closeCh:
		return nil, ErrClosed
	default:
	}

	m.pending.Store(false)
	m.rebuilding.Store(true)
	defer m.rebuilding.Store(false)

	start := time.Now()
	build := m.lastBuild.Load() + 1
	view := m.vectors.View()

	snap, err := Build(ctx, view, BuildOptions{
		Build:        build,
		Dim:          m.vectors.Dim(),
		FilterPolicy: m.opts.FilterPolicy,
		EFSearch:     m.opts.EFSearch,
		HNSW:         m.opts.HNSW,
	})
	if err == nil && m.opts.Blobs != nil {
		err = m.persist(ctx, snap)
	}
	elapsed := time.Since(start)
	m.lastElapsed.Store(int64(elapsed))

	info := RebuildInfo{Build: build, Rows: view.Len(), Duration: elapsed, Err: err}
	if err != nil {
		msg := err.Error()
		m.lastErr.Store(&msg)
		m.notify(info)
		return nil, fmt.Errorf("index rebuild %d: %w", build, err)
	}

	m.lastErr.Store(nil)
	m.lastBuild.Store(build)
	m.current.Store(snap)
	info.Nodes = snap.Len()
	m.notify(info)
	m.logInfo("index rebuilt", "build", build, "high_water", snap.HighWater(), "nodes", snap.Len(), "duration", elapsed)
	return snap, nil
}

func (m *Manager) persist(ctx context.Context, snap *Snapshot) error {
	if err := Save(ctx, m.opts.Blobs, m.opts.Dir, snap, m.opts.Compression); err != nil {
		return err
	}
	if m.opts.KeepSnapshots > 0 {
		if err := Prune(ctx, m.opts.Blobs, m.opts.Dir, m.opts.KeepSnapshots, snap.Build()); err != nil {
			m.logWarn("pruning old index snapshots failed", "error", err)
		}
	}
	return nil
}

func (m *Manager) notify(info RebuildInfo) {
	if m.opts.OnRebuild != nil {
		m.opts.OnRebuild(info)
	}
}

// Stats returns the manager state.
func (m *Manager) Stats() Stats {
	snap := m.current.Load()
	st := Stats{
		Build:               snap.Build(),
		HighWater:           snap.HighWater(),
		Nodes:               snap.Len(),
		LastRebuildDuration: time.Duration(m.lastElapsed.Load()),
		PendingRebuild:      m.pending.Load(),
		Rebuilding:          m.rebuilding.Load(),
	}
	if msg := m.lastErr.Load(); msg != nil {
		st.LastRebuildError = *msg
	}
	return st
}

// Close stops the rebuild loop, cancelling a rebuild in progress.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.closeCh)
		m.cancel()
		m.wg.Wait()
	})
	return nil
}

func (m *Manager) logInfo(msg string, args ...any) {
	if m.opts.Logger != nil {
		m.opts.Logger.Info(msg, args...)
	}
}

func (m *Manager) logWarn(msg string, args ...any) {
	if m.opts.Logger != nil {
		m.opts.Logger.Warn(msg, args...)
	}
}

func (m *Manager) logError(msg string, err error) {
	if m.opts.Logger != nil {
		m.opts.Logger.Error(msg, "error", err)
	}
}
