package metadata

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/bitharbor/model"
)

// Memory is an in-memory Store.
type Memory struct {
	mu      sync.RWMutex
	records map[Key]*Record
	primary map[model.ContentHash]Key
	refs    map[model.ContentHash]map[Key]struct{}
	closed  bool
	now     func() time.Time
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[Key]*Record),
		primary: make(map[model.ContentHash]Key),
		refs:    make(map[model.ContentHash]map[Key]struct{}),
		now:     time.Now,
	}
}

func (m *Memory) Commit(ctx context.Context, r *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	k := r.Key()
	prev := m.records[k]
	rec, err := prepare(r, prev, m.now())
	if err != nil {
		return err
	}
	if prev != nil {
		m.unindexLocked(prev)
	}
	m.records[k] = rec
	m.primary[rec.ContentHash] = k
	m.refLocked(rec.ContentHash, k)
	for _, h := range sideHashes(rec) {
		m.refLocked(h, k)
	}
	return nil
}

func (m *Memory) refLocked(h model.ContentHash, k Key) {
	set := m.refs[h]
	if set == nil {
		set = make(map[Key]struct{})
		m.refs[h] = set
	}
	set[k] = struct{}{}
}

func (m *Memory) unindexLocked(r *Record) {
	k := r.Key()
	if m.primary[r.ContentHash] == k {
		delete(m.primary, r.ContentHash)
	}
	drop := func(h model.ContentHash) {
		if set := m.refs[h]; set != nil {
			delete(set, k)
			if len(set) == 0 {
				delete(m.refs, h)
			}
		}
	}
	drop(r.ContentHash)
	for _, h := range sideHashes(r) {
		drop(h)
	}
}

func (m *Memory) Get(ctx context.Context, k Key) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	r, ok := m.records[k]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return r.Clone(), nil
}

func (m *Memory) FindByContentHash(ctx context.Context, h model.ContentHash) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	k, ok := m.primary[h]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return m.records[k].Clone(), nil
}

func (m *Memory) Referenced(ctx context.Context, h model.ContentHash) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	return len(m.refs[h]) > 0, nil
}

func (m *Memory) Touch(ctx context.Context, k Key, raw map[string]any) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	r, ok := m.records[k]
	if !ok {
		return nil, ErrRecordNotFound
	}
	t := touched(r, raw, m.now())
	m.records[k] = t
	return t.Clone(), nil
}

func (m *Memory) Delete(ctx context.Context, k Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if r, ok := m.records[k]; ok {
		m.unindexLocked(r)
		delete(m.records, k)
	}
	return nil
}

func (m *Memory) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
