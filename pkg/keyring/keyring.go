// Package keyring implements the transactional chunk index: a mapping from
// chunk index to (tag, key, compression), backed by a single SQLite file
// per parcel version.
package keyring

import (
	"context"
	"database/sql"
	"errors"
	"math/rand"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openparcel/parcelkeeper/pkg/codec/compress"
	"github.com/openparcel/parcelkeeper/pkg/parcelerr"
)

const schemaUserVersion = 1

const schemaDDL = `
PRAGMA user_version = 1;
CREATE TABLE IF NOT EXISTS keys (
	chunk       INTEGER PRIMARY KEY NOT NULL,
	tag         BLOB    NOT NULL,
	key         BLOB    NOT NULL,
	compression INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS keys_tags ON keys(tag);
`

// maxBusyBackoff is the upper bound of the uniform random sleep between
// retries on SQLITE_BUSY, per the canonical retry discipline.
const maxBusyBackoff = 10 * time.Millisecond

// Row is one chunk's keyring entry. The keyring table itself carries no
// length column (§6.5's schema is tag/key/compression only); a chunk's
// on-disk slot length is owned by the local cache's slot-length index and
// composed with this row by the chunk engine.
type Row struct {
	Chunk       uint32
	Tag         []byte
	Key         []byte
	Compression compress.Tag
}

// Keyring wraps a single parcel's chunk index.
type Keyring struct {
	db *sql.DB
}

// Open opens (creating if absent) the keyring database at path.
func Open(ctx context.Context, path string) (*Keyring, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, parcelerr.New(parcelerr.SQL, "Open", "keyring", err)
	}
	db.SetMaxOpenConns(1) // SQLite file, single-writer-per-connection discipline

	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, parcelerr.New(parcelerr.SQL, "Open", "keyring", err)
	}

	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		db.Close()
		return nil, parcelerr.New(parcelerr.SQL, "Open", "keyring", err)
	}
	if version > schemaUserVersion {
		db.Close()
		return nil, parcelerr.New(parcelerr.BadFormat, "Open", "keyring", nil).
			Withf("keyring schema version %d is newer than supported %d", version, schemaUserVersion)
	}

	return &Keyring{db: db}, nil
}

// Close closes the underlying database handle.
func (k *Keyring) Close() error {
	return k.db.Close()
}

// isBusyRaw reports whether err is a SQLITE_BUSY condition as surfaced by
// the modernc.org/sqlite driver, which reports it through its error string
// since it doesn't expose a typed sentinel the way some database/sql
// drivers do.
func isBusyRaw(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "sqlite_busy")
}

// wrapSQLErr classifies a raw driver error as Busy (retryable) or SQL
// (terminal) before it crosses the keyring's API boundary.
func wrapSQLErr(op string, err error) error {
	if isBusyRaw(err) {
		return parcelerr.New(parcelerr.Busy, op, "keyring", err)
	}
	return parcelerr.New(parcelerr.SQL, op, "keyring", err)
}

// WithTx runs fn inside a transaction, retrying on SQLITE_BUSY with a
// uniform random backoff up to maxBusyBackoff, per the canonical transaction
// retry discipline: roll back, sleep, retry — no attempt-count cap, only a
// context cancellation or a non-busy error stops the loop.
func (k *Keyring) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return parcelerr.New(parcelerr.Interrupted, "WithTx", "keyring", err)
		}

		tx, err := k.db.BeginTx(ctx, nil)
		if err != nil {
			wrapped := wrapSQLErr("WithTx", err)
			if parcelerr.KindOf(wrapped) == parcelerr.Busy {
				if !sleepBackoff(ctx) {
					return parcelerr.New(parcelerr.Interrupted, "WithTx", "keyring", ctx.Err())
				}
				continue
			}
			return wrapped
		}

		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if parcelerr.KindOf(err) == parcelerr.Busy {
				if !sleepBackoff(ctx) {
					return parcelerr.New(parcelerr.Interrupted, "WithTx", "keyring", ctx.Err())
				}
				continue
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			wrapped := wrapSQLErr("WithTx", err)
			if parcelerr.KindOf(wrapped) == parcelerr.Busy {
				if !sleepBackoff(ctx) {
					return parcelerr.New(parcelerr.Interrupted, "WithTx", "keyring", ctx.Err())
				}
				continue
			}
			return wrapped
		}
		return nil
	}
}

func sleepBackoff(ctx context.Context) bool {
	d := time.Duration(rand.Int63n(int64(maxBusyBackoff)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Get reads chunk i's row. Returns parcelerr.NotFound if absent.
func (k *Keyring) Get(ctx context.Context, i uint32) (Row, error) {
	var row Row
	row.Chunk = i
	var comp int
	err := k.db.QueryRowContext(ctx,
		`SELECT tag, key, compression FROM keys WHERE chunk = ?`, i,
	).Scan(&row.Tag, &row.Key, &comp)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, parcelerr.NewChunk(parcelerr.NotFound, "Get", "keyring", i, nil)
	}
	if err != nil {
		return Row{}, wrapSQLErr("Get", err)
	}
	row.Compression = compress.Tag(comp)
	return row, nil
}

// Put upserts chunk i's row: INSERT OR REPLACE. Must run inside a
// transaction opened by WithTx so a bad row aborts the whole write.
func (k *Keyring) Put(ctx context.Context, tx *sql.Tx, row Row) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO keys (chunk, tag, key, compression) VALUES (?, ?, ?, ?)`,
		row.Chunk, row.Tag, row.Key, int(row.Compression),
	)
	if err != nil {
		return wrapSQLErr("Put", err)
	}
	return nil
}

// CountValid returns the number of rows currently present.
func (k *Keyring) CountValid(ctx context.Context) (int, error) {
	var n int
	err := k.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM keys`).Scan(&n)
	if err != nil {
		return 0, wrapSQLErr("CountValid", err)
	}
	return n, nil
}

// CountDirty counts rows whose tag differs from the corresponding row in
// prev (the previous-version keyring), including rows present in this
// keyring but absent from prev.
func (k *Keyring) CountDirty(ctx context.Context, prev *Keyring) (int, error) {
	rows, err := k.IterOrdered(ctx)
	if err != nil {
		return 0, err
	}
	dirty := 0
	for _, r := range rows {
		prevRow, err := prev.Get(ctx, r.Chunk)
		if err != nil {
			dirty++
			continue
		}
		if string(prevRow.Tag) != string(r.Tag) {
			dirty++
		}
	}
	return dirty, nil
}

// IterOrdered returns every row in ascending chunk-index order.
func (k *Keyring) IterOrdered(ctx context.Context) ([]Row, error) {
	rows, err := k.db.QueryContext(ctx, `SELECT chunk, tag, key, compression FROM keys ORDER BY chunk ASC`)
	if err != nil {
		return nil, wrapSQLErr("IterOrdered", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var comp int
		if err := rows.Scan(&r.Chunk, &r.Tag, &r.Key, &comp); err != nil {
			return nil, wrapSQLErr("IterOrdered", err)
		}
		r.Compression = compress.Tag(comp)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapSQLErr("IterOrdered", err)
	}
	return out, nil
}

// Validate checks the integrity invariants used by `validate`: dense
// 0..N-1 indexing with no gaps or duplicates, tag/key length equal to
// hashLen, and compression drawn from allowed.
func (k *Keyring) Validate(ctx context.Context, hashLen int, allowed []compress.Tag) error {
	rows, err := k.IterOrdered(ctx)
	if err != nil {
		return err
	}

	allowedSet := map[compress.Tag]bool{}
	for _, t := range allowed {
		allowedSet[t] = true
	}

	for idx, r := range rows {
		if r.Chunk != uint32(idx) {
			return parcelerr.New(parcelerr.BadFormat, "Validate", "keyring", nil).
				Withf("gap or duplicate: expected chunk %d, found %d", idx, r.Chunk)
		}
		if len(r.Tag) != hashLen || len(r.Key) != hashLen {
			return parcelerr.NewChunk(parcelerr.BadFormat, "Validate", "keyring", r.Chunk, nil).
				Withf("tag/key length mismatch: want %d", hashLen)
		}
		if !allowedSet[r.Compression] {
			return parcelerr.NewChunk(parcelerr.BadFormat, "Validate", "keyring", r.Chunk, nil).
				Withf("compression %s not in allowed set", r.Compression)
		}
	}
	return nil
}
