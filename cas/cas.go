package cas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"

	"lukechampine.com/blake3"

	"github.com/hupe1980/bitharbor/blobstore"
	"github.com/hupe1980/bitharbor/canon"
	"github.com/hupe1980/bitharbor/errs"
	"github.com/hupe1980/bitharbor/internal/keylock"
	"github.com/hupe1980/bitharbor/model"
)

// ErrHashMismatch is returned when stored or streamed bytes do not match
// the hash they are filed under.
var ErrHashMismatch = errs.New(errs.ErrChecksum, "content hash mismatch")

// DefaultPrefix is the key prefix for stored objects.
const DefaultPrefix = "objects"

// Store is a content-addressable store over a blob store. Objects are
// immutable and keyed by their BLAKE3 content hash.
type Store struct {
	blobs  blobstore.BlobStore
	locks  *keylock.Map[model.ContentHash]
	prefix string
	verify bool
	logger *slog.Logger
	limit  Throttle
}

// Throttle paces the bytes copied into the store.
type Throttle interface {
	Reader(ctx context.Context, r io.Reader) io.Reader
}

// Option configures a Store.
type Option func(*Store)

// WithLocks shares a per-hash lock map with other components, so a caller
// holding the lock for a hash excludes concurrent CAS writes of it.
func WithLocks(locks *keylock.Map[model.ContentHash]) Option {
	return func(s *Store) {
		s.locks = locks
	}
}

// WithPrefix sets the key prefix (default "objects").
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithVerifyOnRead re-hashes object bytes on Get.
func WithVerifyOnRead(verify bool) Option {
	return func(s *Store) {
		s.verify = verify
	}
}

// WithThrottle paces file copies in PutHashedFile.
func WithThrottle(t Throttle) Option {
	return func(s *Store) {
		s.limit = t
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New returns a Store on blobs.
func New(blobs blobstore.BlobStore, optFns ...Option) *Store {
	s := &Store{
		blobs:  blobs,
		prefix: DefaultPrefix,
		verify: true,
	}
	for _, fn := range optFns {
		fn(s)
	}
	if s.locks == nil {
		s.locks = keylock.New[model.ContentHash]()
	}
	return s
}

// Key returns the blob name for h: <prefix>/ab/cd/<hex>.
func (s *Store) Key(h model.ContentHash) string {
	return path.Join(s.prefix, h.Shard(), h.String())
}

// Lock takes the per-hash lock. Writes and deletes of h are serialized
// through it; PutHashedFile and Delete expect the caller to hold it.
func (s *Store) Lock(ctx context.Context, h model.ContentHash) (func(), error) {
	return s.locks.LockContext(ctx, h)
}

// PutResult describes a stored object.
type PutResult struct {
	Hash model.ContentHash
	Key  string
	Size int64
	// Created is false when the object was already present.
	Created bool
}

// Put stores data and returns its hash. Storing the same bytes twice is a no-op.
func (s *Store) Put(ctx context.Context, data []byte) (model.ContentHash, error) {
	h := canon.HashContent(data)
	unlock, err := s.Lock(ctx, h)
	if err != nil {
		return h, err
	}
	defer unlock()

	key := s.Key(h)
	exists, err := blobstore.Exists(ctx, s.blobs, key)
	if err != nil {
		return h, errs.Transient("cas exists", err)
	}
	if exists {
		return h, nil
	}
	if err := s.blobs.Put(ctx, key, data); err != nil {
		return h, errs.Transient("cas put", err)
	}
	s.logCreated(h, int64(len(data)))
	return h, nil
}

// PutFile hashes the file at p and stores it, streaming in both passes.
func (s *Store) PutFile(ctx context.Context, p string) (PutResult, error) {
	h, _, err := canon.HashFile(p)
	if err != nil {
		return PutResult{}, errs.Data("cas hash", err)
	}
	unlock, err := s.Lock(ctx, h)
	if err != nil {
		return PutResult{Hash: h}, err
	}
	defer unlock()
	return s.PutHashedFile(ctx, h, p)
}

// PutHashedFile stores the file at p under the already computed hash h.
// The caller must hold Lock(h). The bytes are re-hashed while copying and
// the write is aborted if the file changed since h was computed.
func (s *Store) PutHashedFile(ctx context.Context, h model.ContentHash, p string) (PutResult, error) {
	res := PutResult{Hash: h, Key: s.Key(h)}

	exists, err := blobstore.Exists(ctx, s.blobs, res.Key)
	if err != nil {
		return res, errs.Transient("cas exists", err)
	}
	if exists {
		return res, nil
	}

	f, err := os.Open(p)
	if err != nil {
		return res, errs.Data("cas open", err)
	}
	defer f.Close()

	w, err := s.blobs.Create(ctx, res.Key)
	if err != nil {
		return res, errs.Transient("cas create", err)
	}

	var src io.Reader = f
	if s.limit != nil {
		src = s.limit.Reader(ctx, f)
	}
	hasher := blake3.New(model.HashSize, nil)
	n, err := io.Copy(io.MultiWriter(w, hasher), src)
	if err != nil {
		_ = w.Abort()
		return res, errs.Transient("cas write", err)
	}
	var got model.ContentHash
	copy(got[:], hasher.Sum(nil))
	if got != h {
		_ = w.Abort()
		return res, fmt.Errorf("%w: %s changed while storing (want %s, got %s)", ErrHashMismatch, p, h, got)
	}
	if err := w.Close(); err != nil {
		return res, errs.Transient("cas commit", err)
	}

	res.Size = n
	res.Created = true
	s.logCreated(h, n)
	return res, nil
}

// Get returns the bytes stored under h.
func (s *Store) Get(ctx context.Context, h model.ContentHash) ([]byte, error) {
	data, err := blobstore.ReadFile(ctx, s.blobs, s.Key(h))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, errs.NotFound("cas get "+h.String(), err)
		}
		return nil, errs.Transient("cas get", err)
	}
	if s.verify {
		if got := canon.HashContent(data); got != h {
			return nil, fmt.Errorf("%w: object %s hashes to %s", ErrHashMismatch, h, got)
		}
	}
	return data, nil
}

// Open returns a handle for ranged reads of the object under h.
func (s *Store) Open(ctx context.Context, h model.ContentHash) (blobstore.Blob, error) {
	b, err := s.blobs.Open(ctx, s.Key(h))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, errs.NotFound("cas open "+h.String(), err)
		}
		return nil, errs.Transient("cas open", err)
	}
	return b, nil
}

// Exists reports whether an object is stored under h.
func (s *Store) Exists(ctx context.Context, h model.ContentHash) (bool, error) {
	ok, err := blobstore.Exists(ctx, s.blobs, s.Key(h))
	if err != nil {
		return false, errs.Transient("cas exists", err)
	}
	return ok, nil
}

// Delete removes the object under h. It is used only to roll back an
// ingest that created the object; the caller must hold Lock(h).
func (s *Store) Delete(ctx context.Context, h model.ContentHash) error {
	if err := s.blobs.Delete(ctx, s.Key(h)); err != nil {
		return errs.Transient("cas delete", err)
	}
	if s.logger != nil {
		s.logger.Info("cas object deleted", "content_hash", h.String())
	}
	return nil
}

// List returns the hashes of every stored object.
func (s *Store) List(ctx context.Context) ([]model.ContentHash, error) {
	names, err := s.blobs.List(ctx, s.prefix+"/")
	if err != nil {
		return nil, errs.Transient("cas list", err)
	}
	out := make([]model.ContentHash, 0, len(names))
	for _, name := range names {
		h, err := model.ParseContentHash(path.Base(name))
		if err != nil {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

// Verify re-hashes the object under h in a streaming pass.
func (s *Store) Verify(ctx context.Context, h model.ContentHash) error {
	b, err := s.Open(ctx, h)
	if err != nil {
		return err
	}
	defer b.Close()
	rc, err := b.ReadRange(ctx, 0, b.Size())
	if err != nil {
		return errs.Transient("cas verify", err)
	}
	defer rc.Close()
	got, _, err := canon.HashReader(rc)
	if err != nil {
		return errs.Transient("cas verify", err)
	}
	if got != h {
		return fmt.Errorf("%w: object %s hashes to %s", ErrHashMismatch, h, got)
	}
	return nil
}

func (s *Store) logCreated(h model.ContentHash, size int64) {
	if s.logger != nil {
		s.logger.Debug("cas object stored", "content_hash", h.String(), "size", size)
	}
}

