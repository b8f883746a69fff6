package localcache

import (
	"context"
	"database/sql"
	"errors"

	_ "modernc.org/sqlite"

	"github.com/openparcel/parcelkeeper/pkg/parcelerr"
)

// localIndex is the sibling LocalIndex: a chunk index -> slot-length map.
// Absence of a row means the chunk is not locally present. Kept as its own
// small SQLite database next to the slot file rather than folded into the
// header, since the header is a fixed-size struct and the index grows with
// the parcel's chunk count.
type localIndex struct {
	db *sql.DB
}

const localIndexDDL = `
CREATE TABLE IF NOT EXISTS local_index (
	chunk  INTEGER PRIMARY KEY NOT NULL,
	length INTEGER NOT NULL
);
`

func openLocalIndex(ctx context.Context, path string) (*localIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, parcelerr.New(parcelerr.SQL, "Open", "local", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, localIndexDDL); err != nil {
		db.Close()
		return nil, parcelerr.New(parcelerr.SQL, "Open", "local", err)
	}
	return &localIndex{db: db}, nil
}

func (idx *localIndex) close() error {
	return idx.db.Close()
}

// lengthOf returns the slot length recorded for chunk i, or NotFound if the
// chunk has no local slot.
func (idx *localIndex) lengthOf(ctx context.Context, i uint32) (uint32, error) {
	var length uint32
	err := idx.db.QueryRowContext(ctx, `SELECT length FROM local_index WHERE chunk = ?`, i).Scan(&length)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, parcelerr.NewChunk(parcelerr.NotFound, "Read", "local", i, nil)
	}
	if err != nil {
		return 0, parcelerr.NewChunk(parcelerr.SQL, "Read", "local", i, err)
	}
	return length, nil
}

// set upserts chunk i's slot length. Callers invoke this inside the same
// write() call that pwrites the slot bytes, so the two stay consistent: a
// crash between the pwrite and this call only ever leaves a slot whose
// index entry is stale or absent, never one whose index entry claims bytes
// that were never written.
func (idx *localIndex) set(ctx context.Context, i uint32, length uint32) error {
	_, err := idx.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO local_index (chunk, length) VALUES (?, ?)`, i, length)
	if err != nil {
		return parcelerr.NewChunk(parcelerr.SQL, "Write", "local", i, err)
	}
	return nil
}

// countPresent returns the number of chunks with a local slot.
func (idx *localIndex) countPresent(ctx context.Context) (int, error) {
	var n int
	err := idx.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM local_index`).Scan(&n)
	if err != nil {
		return 0, parcelerr.New(parcelerr.SQL, "Validate", "local", err)
	}
	return n, nil
}

// forEach visits every (chunk, length) pair for validate's consistency scan.
func (idx *localIndex) forEach(ctx context.Context, fn func(chunk, length uint32) error) error {
	rows, err := idx.db.QueryContext(ctx, `SELECT chunk, length FROM local_index ORDER BY chunk ASC`)
	if err != nil {
		return parcelerr.New(parcelerr.SQL, "Validate", "local", err)
	}
	defer rows.Close()

	for rows.Next() {
		var chunk, length uint32
		if err := rows.Scan(&chunk, &length); err != nil {
			return parcelerr.New(parcelerr.SQL, "Validate", "local", err)
		}
		if err := fn(chunk, length); err != nil {
			return err
		}
	}
	return rows.Err()
}
