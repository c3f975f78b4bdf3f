package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/hupe1980/bitharbor/errs"
	"github.com/hupe1980/bitharbor/model"
)

// Key layout:
//
//	r/<type>/<id>          msgpack record
//	h/<hash>               "<type>/<id>" of the record whose primary asset is hash
//	x/<hash>/<type>/<id>   reference marker, primary or side asset
const (
	recordPrefix  = "r/"
	primaryPrefix = "h/"
	refPrefix     = "x/"
)

// BadgerOptions configures a Badger store.
type BadgerOptions struct {
	// Dir is the database directory. Required unless InMemory is set.
	Dir string

	// InMemory runs badger without disk persistence.
	InMemory bool

	// Logger receives badger warnings and errors. Defaults to slog.Default().
	Logger *slog.Logger

	// SyncWrites makes every commit durable before it returns. Defaults to true.
	SyncWrites *bool
}

// Badger is a Store backed by BadgerDB.
type Badger struct {
	db  *badger.DB
	now func() time.Time
}

// OpenBadger opens or creates a badger-backed store.
func OpenBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("metadata: BadgerOptions.Dir is required for on-disk mode")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dbOpts := badger.DefaultOptions(opts.Dir).
		WithLogger(badgerLogger{logger.With("component", "badger")}).
		WithSyncWrites(opts.SyncWrites == nil || *opts.SyncWrites)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, errs.Transient("metadata: open badger", err)
	}
	return &Badger{db: db, now: time.Now}, nil
}

func recordKey(k Key) []byte {
	return []byte(recordPrefix + strconv.Itoa(int(k.Type)) + "/" + k.ID)
}

func primaryKey(h model.ContentHash) []byte {
	return []byte(primaryPrefix + h.String())
}

func refKey(h model.ContentHash, k Key) []byte {
	return []byte(refPrefix + h.String() + "/" + strconv.Itoa(int(k.Type)) + "/" + k.ID)
}

func encodeKey(k Key) []byte { return []byte(strconv.Itoa(int(k.Type)) + "/" + k.ID) }

func decodeKey(b []byte) (Key, error) {
	t, id, ok := strings.Cut(string(b), "/")
	if !ok {
		return Key{}, fmt.Errorf("metadata: malformed key %q", b)
	}
	n, err := strconv.Atoi(t)
	if err != nil {
		return Key{}, fmt.Errorf("metadata: malformed key %q: %w", b, err)
	}
	return Key{Type: model.MediaType(n), ID: id}, nil
}

func getRecord(txn *badger.Txn, k Key) (*Record, error) {
	item, err := txn.Get(recordKey(k))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	var r *Record
	err = item.Value(func(val []byte) error {
		var derr error
		r, derr = Unmarshal(val)
		return derr
	})
	if err != nil {
		return nil, errs.Consistency("metadata: record "+k.String(), err)
	}
	return r, nil
}

func putRecord(txn *badger.Txn, r *Record) error {
	data, err := Marshal(r)
	if err != nil {
		return err
	}
	return txn.Set(recordKey(r.Key()), data)
}

func unindex(txn *badger.Txn, r *Record) error {
	k := r.Key()
	item, err := txn.Get(primaryKey(r.ContentHash))
	switch {
	case err == nil:
		owner, verr := item.ValueCopy(nil)
		if verr != nil {
			return verr
		}
		if string(owner) == string(encodeKey(k)) {
			if err := txn.Delete(primaryKey(r.ContentHash)); err != nil {
				return err
			}
		}
	case !errors.Is(err, badger.ErrKeyNotFound):
		return err
	}
	if err := txn.Delete(refKey(r.ContentHash, k)); err != nil {
		return err
	}
	for _, h := range sideHashes(r) {
		if err := txn.Delete(refKey(h, k)); err != nil {
			return err
		}
	}
	return nil
}

// mapErr classifies badger failures. Ours pass through unchanged.
func mapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrDBClosed):
		return ErrClosed
	case errs.IsNotFound(err), errs.IsData(err), errs.IsConsistency(err),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return errs.Transient(op, err)
}

func (b *Badger) Commit(ctx context.Context, r *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		prev, err := getRecord(txn, r.Key())
		if err != nil && !errors.Is(err, ErrRecordNotFound) {
			return err
		}
		rec, err := prepare(r, prev, b.now())
		if err != nil {
			return err
		}
		if prev != nil {
			if err := unindex(txn, prev); err != nil {
				return err
			}
		}
		if err := putRecord(txn, rec); err != nil {
			return err
		}
		k := rec.Key()
		if err := txn.Set(primaryKey(rec.ContentHash), encodeKey(k)); err != nil {
			return err
		}
		if err := txn.Set(refKey(rec.ContentHash, k), nil); err != nil {
			return err
		}
		for _, h := range sideHashes(rec) {
			if err := txn.Set(refKey(h, k), nil); err != nil {
				return err
			}
		}
		return nil
	})
	return mapErr("metadata: commit", err)
}

func (b *Badger) Get(ctx context.Context, k Key) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var r *Record
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		r, err = getRecord(txn, k)
		return err
	})
	if err != nil {
		return nil, mapErr("metadata: get", err)
	}
	return r, nil
}

func (b *Badger) FindByContentHash(ctx context.Context, h model.ContentHash) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var r *Record
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(primaryKey(h))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrRecordNotFound
		}
		if err != nil {
			return err
		}
		owner, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		k, err := decodeKey(owner)
		if err != nil {
			return errs.Consistency("metadata: content index", err)
		}
		r, err = getRecord(txn, k)
		if errors.Is(err, ErrRecordNotFound) {
			return errs.Consistency("metadata: content index", fmt.Errorf("%s points at missing record %s", h, k))
		}
		return err
	})
	if err != nil {
		return nil, mapErr("metadata: find by content hash", err)
	}
	return r, nil
}

func (b *Badger) Referenced(ctx context.Context, h model.ContentHash) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	prefix := []byte(refPrefix + h.String() + "/")
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Seek(prefix)
		found = it.ValidForPrefix(prefix)
		return nil
	})
	return found, mapErr("metadata: referenced", err)
}

func (b *Badger) Touch(ctx context.Context, k Key, raw map[string]any) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *Record
	err := b.db.Update(func(txn *badger.Txn) error {
		r, err := getRecord(txn, k)
		if err != nil {
			return err
		}
		out = touched(r, raw, b.now())
		return putRecord(txn, out)
	})
	if err != nil {
		return nil, mapErr("metadata: touch", err)
	}
	return out, nil
}

func (b *Badger) Delete(ctx context.Context, k Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		r, err := getRecord(txn, k)
		if errors.Is(err, ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := unindex(txn, r); err != nil {
			return err
		}
		return txn.Delete(recordKey(k))
	})
	return mapErr("metadata: delete", err)
}

func (b *Badger) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	prefix := []byte(recordPrefix)
	n := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, mapErr("metadata: count", err)
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// badgerLogger forwards badger warnings and errors to slog and drops the rest.
type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) Errorf(f string, v ...any)   { b.l.Error(strings.TrimSpace(fmt.Sprintf(f, v...))) }
func (b badgerLogger) Warningf(f string, v ...any) { b.l.Warn(strings.TrimSpace(fmt.Sprintf(f, v...))) }
func (badgerLogger) Infof(string, ...any)          {}
func (badgerLogger) Debugf(string, ...any)         {}
