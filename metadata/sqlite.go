package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/hupe1980/bitharbor/errs"
	"github.com/hupe1980/bitharbor/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	media_type   INTEGER NOT NULL,
	media_id     TEXT    NOT NULL,
	content_hash BLOB    NOT NULL,
	row_id       INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	data         BLOB    NOT NULL,
	PRIMARY KEY (media_type, media_id)
);
CREATE INDEX IF NOT EXISTS records_content_hash ON records (content_hash);
CREATE TABLE IF NOT EXISTS asset_refs (
	hash       BLOB    NOT NULL,
	media_type INTEGER NOT NULL,
	media_id   TEXT    NOT NULL,
	PRIMARY KEY (hash, media_type, media_id)
);
`

// SQLite is a Store backed by a single SQLite database file.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens or creates the database at dsn, e.g. "meta.db" or
// "file::memory:?cache=shared".
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.Transient("metadata: open sqlite", err)
	}
	// One writer keeps commits serialized without SQLITE_BUSY retries.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA synchronous=FULL;`); err != nil {
		_ = db.Close()
		return nil, errs.Transient("metadata: sqlite pragmas", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errs.Transient("metadata: sqlite schema", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteGet(ctx context.Context, q querier, k Key) (*Record, error) {
	var data []byte
	err := q.QueryRowContext(ctx,
		`SELECT data FROM records WHERE media_type = ? AND media_id = ?`,
		int(k.Type), k.ID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	r, err := Unmarshal(data)
	if err != nil {
		return nil, errs.Consistency("metadata: record "+k.String(), err)
	}
	return r, nil
}

func sqliteErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errs.IsNotFound(err), errs.IsData(err), errs.IsConsistency(err),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, sql.ErrConnDone):
		return ErrClosed
	}
	return errs.Transient(op, err)
}

func (s *SQLite) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func sqliteUnindex(ctx context.Context, tx *sql.Tx, k Key) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM asset_refs WHERE media_type = ? AND media_id = ?`, int(k.Type), k.ID)
	return err
}

func (s *SQLite) Commit(ctx context.Context, r *Record) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		k := r.Key()
		prev, err := sqliteGet(ctx, tx, k)
		if err != nil && !errors.Is(err, ErrRecordNotFound) {
			return err
		}
		rec, err := prepare(r, prev, s.now())
		if err != nil {
			return err
		}
		data, err := Marshal(rec)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records (media_type, media_id, content_hash, row_id, updated_at, data)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (media_type, media_id) DO UPDATE SET
				content_hash = excluded.content_hash,
				row_id = excluded.row_id,
				updated_at = excluded.updated_at,
				data = excluded.data`,
			int(k.Type), k.ID, rec.ContentHash[:], int64(rec.RowID), rec.UpdatedAt.UnixNano(), data); err != nil {
			return err
		}
		if err := sqliteUnindex(ctx, tx, k); err != nil {
			return err
		}
		hashes := append([]model.ContentHash{rec.ContentHash}, sideHashes(rec)...)
		for _, h := range hashes {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO asset_refs (hash, media_type, media_id) VALUES (?, ?, ?)`,
				h[:], int(k.Type), k.ID); err != nil {
				return err
			}
		}
		return nil
	})
	return sqliteErr("metadata: commit", err)
}

func (s *SQLite) Get(ctx context.Context, k Key) (*Record, error) {
	r, err := sqliteGet(ctx, s.db, k)
	if err != nil {
		return nil, sqliteErr("metadata: get", err)
	}
	return r, nil
}

func (s *SQLite) FindByContentHash(ctx context.Context, h model.ContentHash) (*Record, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM records WHERE content_hash = ? ORDER BY updated_at DESC LIMIT 1`,
		h[:]).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, sqliteErr("metadata: find by content hash", err)
	}
	r, err := Unmarshal(data)
	if err != nil {
		return nil, errs.Consistency("metadata: find by content hash", err)
	}
	return r, nil
}

func (s *SQLite) Referenced(ctx context.Context, h model.ContentHash) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM asset_refs WHERE hash = ?`, h[:]).Scan(&n)
	if err != nil {
		return false, sqliteErr("metadata: referenced", err)
	}
	return n > 0, nil
}

func (s *SQLite) Touch(ctx context.Context, k Key, raw map[string]any) (*Record, error) {
	var out *Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := sqliteGet(ctx, tx, k)
		if err != nil {
			return err
		}
		out = touched(r, raw, s.now())
		data, err := Marshal(out)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE records SET updated_at = ?, data = ? WHERE media_type = ? AND media_id = ?`,
			out.UpdatedAt.UnixNano(), data, int(k.Type), k.ID)
		return err
	})
	if err != nil {
		return nil, sqliteErr("metadata: touch", err)
	}
	return out, nil
}

func (s *SQLite) Delete(ctx context.Context, k Key) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE media_type = ? AND media_id = ?`, int(k.Type), k.ID); err != nil {
			return err
		}
		return sqliteUnindex(ctx, tx, k)
	})
	return sqliteErr("metadata: delete", err)
}

func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, sqliteErr("metadata: count", err)
	}
	return n, nil
}

func (s *SQLite) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("metadata: close sqlite: %w", err)
	}
	return nil
}
