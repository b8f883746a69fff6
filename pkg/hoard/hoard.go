// Package hoard implements the shared, content-addressed chunk pool: every
// parcel that shares a hoard directory deduplicates its chunks against the
// same backing file and `chunks` table, with a `refs` table recording which
// parcel still needs which tag.
package hoard

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sort"
	"sync"

	_ "modernc.org/sqlite"
	"golang.org/x/sys/unix"

	"github.com/openparcel/parcelkeeper/pkg/parcelerr"
	"github.com/openparcel/parcelkeeper/pkg/suite"
)

const schemaUserVersion = 9

const schemaDDL = `
PRAGMA user_version = 9;
CREATE TABLE IF NOT EXISTS parcels (
	parcel INTEGER PRIMARY KEY,
	uuid   TEXT UNIQUE,
	server TEXT,
	user   TEXT,
	name   TEXT
);
CREATE TABLE IF NOT EXISTS chunks (
	tag       BLOB UNIQUE,
	offset    INTEGER UNIQUE NOT NULL,
	length    INTEGER NOT NULL DEFAULT 0,
	crypto    INTEGER NOT NULL DEFAULT 0,
	allocated INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS chunks_allocated ON chunks(allocated, offset);
CREATE TABLE IF NOT EXISTS refs (
	parcel INTEGER,
	tag    BLOB
);
CREATE UNIQUE INDEX IF NOT EXISTS refs_constraint ON refs(parcel, tag);
CREATE INDEX IF NOT EXISTS refs_bytag ON refs(tag, parcel);
`

// slotCache is the per-process temp table holding slots reserved-but-not-
// yet-populated, so allocation never holds the hoard's primary lock during
// the I/O that fills a slot.
const slotCacheDDL = `
CREATE TEMP TABLE IF NOT EXISTS slot_cache (
	tag       BLOB PRIMARY KEY,
	offset    INTEGER NOT NULL,
	length    INTEGER NOT NULL DEFAULT 0,
	crypto    INTEGER NOT NULL DEFAULT 0,
	populated INTEGER NOT NULL DEFAULT 0
);
`

// refillBatch is the number of persistent unallocated slots grabbed per
// refill pass, per the canonical slot allocator.
const refillBatch = 256

// getRetries bounds the tag-mismatch invalidate-and-retry loop in Get: a
// bounded loop still protects against a pathological live race continually
// reusing the same offset, which an unbounded retry would spin forever on.
const getRetries = 3

// Hoard is a shared, content-addressed chunk pool backed by one SQLite
// metadata database and one flat data file.
type Hoard struct {
	mu        sync.Mutex
	db        *sql.DB
	file      *os.File
	chunkSize uint32
}

// Open opens (creating if absent) the hoard at dbPath/filePath, and takes
// a shared read lock on the data file for the duration of normal operation.
func Open(ctx context.Context, dbPath, filePath string, chunkSize uint32) (*Hoard, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, parcelerr.New(parcelerr.SQL, "Open", "hoard", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, parcelerr.New(parcelerr.SQL, "Open", "hoard", err)
	}
	if _, err := db.ExecContext(ctx, slotCacheDDL); err != nil {
		db.Close()
		return nil, parcelerr.New(parcelerr.SQL, "Open", "hoard", err)
	}

	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		db.Close()
		return nil, parcelerr.New(parcelerr.SQL, "Open", "hoard", err)
	}
	if version > schemaUserVersion {
		db.Close()
		return nil, parcelerr.New(parcelerr.BadFormat, "Open", "hoard", nil).
			Withf("hoard schema version %d is newer than supported %d", version, schemaUserVersion)
	}

	f, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		db.Close()
		return nil, parcelerr.New(parcelerr.IOErr, "Open", "hoard", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		f.Close()
		db.Close()
		return nil, parcelerr.New(parcelerr.IOErr, "Open", "hoard", err)
	}

	return &Hoard{db: db, file: f, chunkSize: chunkSize}, nil
}

// Close releases the data file and database handles.
func (h *Hoard) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = unix.Flock(int(h.file.Fd()), unix.LOCK_UN)
	fileErr := h.file.Close()
	dbErr := h.db.Close()
	if fileErr != nil {
		return parcelerr.New(parcelerr.IOErr, "Close", "hoard", fileErr)
	}
	if dbErr != nil {
		return parcelerr.New(parcelerr.SQL, "Close", "hoard", dbErr)
	}
	return nil
}

func slotOffset(i int64, chunkSize uint32) int64 {
	return i * int64(chunkSize)
}

// Put stores data under tag if it is not already present (in the slot
// cache or the persistent chunks table), implementing the canonical slot
// allocator: reserve a slot without holding the primary lock during I/O,
// then commit the slot cache row once the blob is written.
func (h *Hoard) Put(ctx context.Context, tag []byte, data []byte, cryptoID suite.ID) error {
	if uint32(len(data)) > h.chunkSize {
		return parcelerr.New(parcelerr.InvalidArgument, "Put", "hoard", nil).
			Withf("data length %d exceeds chunk size %d", len(data), h.chunkSize)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if exists, err := h.tagExistsLocked(ctx, tag); err != nil {
		return err
	} else if exists {
		return nil
	}

	offset, err := h.reserveSlotLocked(ctx, tag, int64(cryptoID))
	if err != nil {
		return err
	}

	blob := make([]byte, h.chunkSize)
	copy(blob, data)
	if _, err := h.file.WriteAt(blob, slotOffset(offset, h.chunkSize)); err != nil {
		return parcelerr.New(parcelerr.IOErr, "Put", "hoard", err)
	}

	_, err = h.db.ExecContext(ctx,
		`UPDATE slot_cache SET length = ?, populated = 1 WHERE tag = ?`, len(data), tag)
	if err != nil {
		return parcelerr.New(parcelerr.SQL, "Put", "hoard", err)
	}
	return nil
}

func (h *Hoard) tagExistsLocked(ctx context.Context, tag []byte) (bool, error) {
	var n int
	err := h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM slot_cache WHERE tag = ?`, tag).Scan(&n)
	if err != nil {
		return false, parcelerr.New(parcelerr.SQL, "Put", "hoard", err)
	}
	if n > 0 {
		return true, nil
	}
	err = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE tag = ?`, tag).Scan(&n)
	if err != nil {
		return false, parcelerr.New(parcelerr.SQL, "Put", "hoard", err)
	}
	return n > 0, nil
}

// reserveSlotLocked pops an unused slot-cache row if one exists, else
// refills from persistent unallocated slots, else extends the file.
func (h *Hoard) reserveSlotLocked(ctx context.Context, tag []byte, cryptoID int64) (int64, error) {
	var offset int64
	err := h.db.QueryRowContext(ctx,
		`SELECT offset FROM slot_cache WHERE populated = 0 LIMIT 1`).Scan(&offset)
	switch {
	case err == nil:
		if _, err := h.db.ExecContext(ctx,
			`UPDATE slot_cache SET tag = ?, crypto = ? WHERE offset = ?`, tag, cryptoID, offset); err != nil {
			return 0, parcelerr.New(parcelerr.SQL, "Put", "hoard", err)
		}
		return offset, nil
	case errors.Is(err, sql.ErrNoRows):
		// fall through to refill
	default:
		return 0, parcelerr.New(parcelerr.SQL, "Put", "hoard", err)
	}

	if err := h.refillFromPersistentLocked(ctx); err != nil {
		return 0, err
	}

	err = h.db.QueryRowContext(ctx,
		`SELECT offset FROM slot_cache WHERE populated = 0 LIMIT 1`).Scan(&offset)
	switch {
	case err == nil:
		if _, err := h.db.ExecContext(ctx,
			`UPDATE slot_cache SET tag = ?, crypto = ? WHERE offset = ?`, tag, cryptoID, offset); err != nil {
			return 0, parcelerr.New(parcelerr.SQL, "Put", "hoard", err)
		}
		return offset, nil
	case errors.Is(err, sql.ErrNoRows):
		return h.extendFileLocked(ctx, tag, cryptoID)
	default:
		return 0, parcelerr.New(parcelerr.SQL, "Put", "hoard", err)
	}
}

func (h *Hoard) refillFromPersistentLocked(ctx context.Context) error {
	rows, err := h.db.QueryContext(ctx,
		`SELECT offset FROM chunks WHERE allocated = 0 ORDER BY offset ASC LIMIT ?`, refillBatch)
	if err != nil {
		return parcelerr.New(parcelerr.SQL, "Put", "hoard", err)
	}
	var offsets []int64
	for rows.Next() {
		var off int64
		if err := rows.Scan(&off); err != nil {
			rows.Close()
			return parcelerr.New(parcelerr.SQL, "Put", "hoard", err)
		}
		offsets = append(offsets, off)
	}
	rows.Close()

	for _, off := range offsets {
		if _, err := h.db.ExecContext(ctx, `UPDATE chunks SET allocated = 1 WHERE offset = ?`, off); err != nil {
			return parcelerr.New(parcelerr.SQL, "Put", "hoard", err)
		}
		if _, err := h.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO slot_cache (tag, offset, populated) VALUES (NULL, ?, 0)`, off); err != nil {
			return parcelerr.New(parcelerr.SQL, "Put", "hoard", err)
		}
	}
	return nil
}

func (h *Hoard) extendFileLocked(ctx context.Context, tag []byte, cryptoID int64) (int64, error) {
	var maxOffset sql.NullInt64
	if err := h.db.QueryRowContext(ctx, `SELECT MAX(offset) FROM chunks`).Scan(&maxOffset); err != nil {
		return 0, parcelerr.New(parcelerr.SQL, "Put", "hoard", err)
	}
	next := int64(0)
	if maxOffset.Valid {
		next = maxOffset.Int64 + 1
	}

	if _, err := h.db.ExecContext(ctx,
		`INSERT INTO chunks (tag, offset, length, crypto, allocated) VALUES (NULL, ?, 0, 0, 1)`, next); err != nil {
		return 0, parcelerr.New(parcelerr.SQL, "Put", "hoard", err)
	}
	if _, err := h.db.ExecContext(ctx,
		`INSERT INTO slot_cache (tag, offset, crypto, populated) VALUES (?, ?, ?, 0)`, tag, next, cryptoID); err != nil {
		return 0, parcelerr.New(parcelerr.SQL, "Put", "hoard", err)
	}

	total := slotOffset(next+1, h.chunkSize)
	if err := h.file.Truncate(total); err != nil {
		return 0, parcelerr.New(parcelerr.IOErr, "Put", "hoard", err)
	}
	return next, nil
}

// Get reads the chunk tagged tag, verifying it against verify (typically
// suite.Hash). On a tag mismatch — the slot may have been reused between
// lookup and read — it invalidates that specific (offset, tag) pair and
// retries, up to getRetries attempts. When no other slot holds tag after
// an invalidation, it returns TagMismatch; a later Get for tag then
// returns NotFound.
func (h *Hoard) Get(ctx context.Context, tag []byte, verify func([]byte) bool) ([]byte, error) {
	mismatched := false
	for attempt := 0; attempt < getRetries; attempt++ {
		h.mu.Lock()
		offset, length, found, err := h.lookupLocked(ctx, tag)
		if err != nil {
			h.mu.Unlock()
			return nil, err
		}
		if !found {
			h.mu.Unlock()
			if mismatched {
				return nil, parcelerr.New(parcelerr.TagMismatch, "Get", "hoard", nil).
					Withf("tag mismatch; slot invalidated")
			}
			return nil, parcelerr.New(parcelerr.NotFound, "Get", "hoard", nil)
		}

		buf := make([]byte, length)
		_, err = h.file.ReadAt(buf, slotOffset(offset, h.chunkSize))
		h.mu.Unlock()
		if err != nil {
			return nil, parcelerr.New(parcelerr.IOErr, "Get", "hoard", err)
		}

		if verify == nil || verify(buf) {
			return buf, nil
		}

		if err := h.invalidate(ctx, offset, tag); err != nil {
			return nil, err
		}
		mismatched = true
	}
	return nil, parcelerr.New(parcelerr.TagMismatch, "Get", "hoard", nil).
		Withf("tag mismatch persisted across %d retries", getRetries)
}

func (h *Hoard) lookupLocked(ctx context.Context, tag []byte) (offset, length int64, found bool, err error) {
	err = h.db.QueryRowContext(ctx,
		`SELECT offset, length FROM slot_cache WHERE tag = ? AND populated = 1`, tag).Scan(&offset, &length)
	if err == nil {
		return offset, length, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, parcelerr.New(parcelerr.SQL, "Get", "hoard", err)
	}

	err = h.db.QueryRowContext(ctx,
		`SELECT offset, length FROM chunks WHERE tag = ?`, tag).Scan(&offset, &length)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, parcelerr.New(parcelerr.SQL, "Get", "hoard", err)
	}
	return offset, length, true, nil
}

// invalidate clears the (offset, tag) pair so a subsequent lookup misses
// instead of repeating the same corrupt read.
func (h *Hoard) invalidate(ctx context.Context, offset int64, tag []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.db.ExecContext(ctx,
		`UPDATE chunks SET tag = NULL, allocated = 0 WHERE offset = ? AND tag = ?`, offset, tag); err != nil {
		return parcelerr.New(parcelerr.SQL, "Get", "hoard", err)
	}
	if _, err := h.db.ExecContext(ctx,
		`DELETE FROM slot_cache WHERE offset = ? AND tag = ?`, offset, tag); err != nil {
		return parcelerr.New(parcelerr.SQL, "Get", "hoard", err)
	}
	return nil
}

// Flush persists the slot cache to the chunks table under one transaction.
// Rows reserved but never populated are marked allocated = 0 so they are
// available again for the next Put's refill.
func (h *Hoard) Flush(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return parcelerr.New(parcelerr.SQL, "Flush", "hoard", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, `SELECT tag, offset, length, crypto, populated FROM slot_cache`)
	if err != nil {
		return parcelerr.New(parcelerr.SQL, "Flush", "hoard", err)
	}
	type cached struct {
		tag       []byte
		offset    int64
		length    int64
		crypto    int64
		populated bool
	}
	var entries []cached
	for rows.Next() {
		var c cached
		if err := rows.Scan(&c.tag, &c.offset, &c.length, &c.crypto, &c.populated); err != nil {
			rows.Close()
			return parcelerr.New(parcelerr.SQL, "Flush", "hoard", err)
		}
		entries = append(entries, c)
	}
	rows.Close()

	for _, c := range entries {
		if c.populated {
			if _, err := tx.ExecContext(ctx,
				`UPDATE chunks SET tag = ?, length = ?, crypto = ?, allocated = 1 WHERE offset = ?`,
				c.tag, c.length, c.crypto, c.offset); err != nil {
				return parcelerr.New(parcelerr.SQL, "Flush", "hoard", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx,
				`UPDATE chunks SET tag = NULL, allocated = 0 WHERE offset = ?`, c.offset); err != nil {
				return parcelerr.New(parcelerr.SQL, "Flush", "hoard", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM slot_cache`); err != nil {
		return parcelerr.New(parcelerr.SQL, "Flush", "hoard", err)
	}

	if err := tx.Commit(); err != nil {
		return parcelerr.New(parcelerr.SQL, "Flush", "hoard", err)
	}
	return nil
}

// SyncRefs implements hoard_sync_refs. newChunks=true performs the additive
// path (every current keyring tag gets INSERT OR IGNORE'd); newChunks=false
// recomputes refs from the previous-version keyring tag set, deleting refs
// no longer present and inserting new ones, preserving content from older
// versions that is still usable.
func (h *Hoard) SyncRefs(ctx context.Context, parcel int64, tags [][]byte, newChunks bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return parcelerr.New(parcelerr.SQL, "sync_refs", "hoard", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if newChunks {
		for _, tag := range tags {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO refs (parcel, tag) VALUES (?, ?)`, parcel, tag); err != nil {
				return parcelerr.New(parcelerr.SQL, "sync_refs", "hoard", err)
			}
		}
		return commitErr(tx)
	}

	wanted := map[string]bool{}
	for _, tag := range tags {
		wanted[string(tag)] = true
	}

	rows, err := tx.QueryContext(ctx, `SELECT tag FROM refs WHERE parcel = ?`, parcel)
	if err != nil {
		return parcelerr.New(parcelerr.SQL, "sync_refs", "hoard", err)
	}
	var existing [][]byte
	for rows.Next() {
		var tag []byte
		if err := rows.Scan(&tag); err != nil {
			rows.Close()
			return parcelerr.New(parcelerr.SQL, "sync_refs", "hoard", err)
		}
		existing = append(existing, tag)
	}
	rows.Close()

	for _, tag := range existing {
		if !wanted[string(tag)] {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM refs WHERE parcel = ? AND tag = ?`, parcel, tag); err != nil {
				return parcelerr.New(parcelerr.SQL, "sync_refs", "hoard", err)
			}
		}
	}
	for _, tag := range tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO refs (parcel, tag) VALUES (?, ?)`, parcel, tag); err != nil {
			return parcelerr.New(parcelerr.SQL, "sync_refs", "hoard", err)
		}
	}
	return commitErr(tx)
}

func commitErr(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return parcelerr.New(parcelerr.SQL, "sync_refs", "hoard", err)
	}
	return nil
}

// GC clears tag/allocated on every chunk row whose tag is unreferenced.
func (h *Hoard) GC(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.db.ExecContext(ctx,
		`UPDATE chunks SET tag = NULL, allocated = 0 WHERE tag NOT IN (SELECT tag FROM refs)`)
	if err != nil {
		return parcelerr.New(parcelerr.SQL, "GC", "hoard", err)
	}
	return nil
}

// Compact moves the highest-offset populated slot into the lowest-offset
// unallocated slot until no such pair exists, then truncates the file to
// the last allocated slot + chunkSize. Must run under the hoard's write
// lock (spec: "briefly during cleanup/compaction"); callers take that lock
// via WithWriteLock before calling Compact.
func (h *Hoard) Compact(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for {
		var lowUnalloc sql.NullInt64
		if err := h.db.QueryRowContext(ctx,
			`SELECT MIN(offset) FROM chunks WHERE allocated = 0`).Scan(&lowUnalloc); err != nil {
			return parcelerr.New(parcelerr.SQL, "Compact", "hoard", err)
		}
		var highAlloc sql.NullInt64
		if err := h.db.QueryRowContext(ctx,
			`SELECT MAX(offset) FROM chunks WHERE allocated = 1`).Scan(&highAlloc); err != nil {
			return parcelerr.New(parcelerr.SQL, "Compact", "hoard", err)
		}
		if !lowUnalloc.Valid || !highAlloc.Valid || lowUnalloc.Int64 >= highAlloc.Int64 {
			break
		}

		var tag []byte
		var length, crypto int64
		if err := h.db.QueryRowContext(ctx,
			`SELECT tag, length, crypto FROM chunks WHERE offset = ?`, highAlloc.Int64,
		).Scan(&tag, &length, &crypto); err != nil {
			return parcelerr.New(parcelerr.SQL, "Compact", "hoard", err)
		}

		buf := make([]byte, h.chunkSize)
		if _, err := h.file.ReadAt(buf, slotOffset(highAlloc.Int64, h.chunkSize)); err != nil {
			return parcelerr.New(parcelerr.IOErr, "Compact", "hoard", err)
		}
		if _, err := h.file.WriteAt(buf, slotOffset(lowUnalloc.Int64, h.chunkSize)); err != nil {
			return parcelerr.New(parcelerr.IOErr, "Compact", "hoard", err)
		}

		if _, err := h.db.ExecContext(ctx,
			`UPDATE chunks SET tag = ?, length = ?, crypto = ?, allocated = 1 WHERE offset = ?`,
			tag, length, crypto, lowUnalloc.Int64); err != nil {
			return parcelerr.New(parcelerr.SQL, "Compact", "hoard", err)
		}
		if _, err := h.db.ExecContext(ctx,
			`UPDATE chunks SET tag = NULL, length = 0, crypto = 0, allocated = 0 WHERE offset = ?`,
			highAlloc.Int64); err != nil {
			return parcelerr.New(parcelerr.SQL, "Compact", "hoard", err)
		}
	}

	var lastAllocated sql.NullInt64
	if err := h.db.QueryRowContext(ctx,
		`SELECT MAX(offset) FROM chunks WHERE allocated = 1`).Scan(&lastAllocated); err != nil {
		return parcelerr.New(parcelerr.SQL, "Compact", "hoard", err)
	}
	var truncTo int64
	if lastAllocated.Valid {
		truncTo = slotOffset(lastAllocated.Int64+1, h.chunkSize)
	}
	if err := h.file.Truncate(truncTo); err != nil {
		return parcelerr.New(parcelerr.IOErr, "Compact", "hoard", err)
	}
	if _, err := h.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE allocated = 0 AND offset > (SELECT COALESCE(MAX(offset), -1) FROM chunks WHERE allocated = 1)`); err != nil {
		return parcelerr.New(parcelerr.SQL, "Compact", "hoard", err)
	}
	return nil
}

// WithWriteLock upgrades the hoard's file lock to exclusive for the
// duration of fn, used around Compact and destructive GC passes.
func (h *Hoard) WithWriteLock(fn func() error) error {
	if err := unix.Flock(int(h.file.Fd()), unix.LOCK_EX); err != nil {
		return parcelerr.New(parcelerr.IOErr, "WithWriteLock", "hoard", err)
	}
	defer unix.Flock(int(h.file.Fd()), unix.LOCK_SH) //nolint:errcheck

	return fn()
}

// CheckProblem describes one integrity violation found by CheckHoard.
type CheckProblem struct {
	Description string
	Offset      int64
}

// CheckHoard runs the checkhoard integrity scan: canonical parcel UUIDs,
// strictly increasing allocated offsets with no gaps, valid crypto/length
// bounds on populated rows, and orphaned refs. When full is true it also
// reads and hashes every populated row's data, invalidating any row whose
// content no longer matches its tag.
func (h *Hoard) CheckHoard(ctx context.Context, hashLens map[suite.ID]int, full bool, verify func(suite.ID, []byte) []byte) ([]CheckProblem, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var problems []CheckProblem

	rows, err := h.db.QueryContext(ctx, `SELECT uuid FROM parcels`)
	if err != nil {
		return nil, parcelerr.New(parcelerr.SQL, "checkhoard", "hoard", err)
	}
	var badUUIDs []string
	for rows.Next() {
		var uuid string
		if err := rows.Scan(&uuid); err != nil {
			rows.Close()
			return nil, parcelerr.New(parcelerr.SQL, "checkhoard", "hoard", err)
		}
		if !isCanonicalUUID(uuid) {
			badUUIDs = append(badUUIDs, uuid)
		}
	}
	rows.Close()
	for _, uuid := range badUUIDs {
		if _, err := h.db.ExecContext(ctx, `DELETE FROM parcels WHERE uuid = ?`, uuid); err != nil {
			return nil, parcelerr.New(parcelerr.SQL, "checkhoard", "hoard", err)
		}
		problems = append(problems, CheckProblem{Description: "non-canonical parcel uuid " + uuid})
	}

	allocRows, err := h.db.QueryContext(ctx,
		`SELECT offset, tag, length, crypto FROM chunks WHERE allocated = 1 ORDER BY offset ASC`)
	if err != nil {
		return nil, parcelerr.New(parcelerr.SQL, "checkhoard", "hoard", err)
	}
	type populatedRow struct {
		offset int64
		tag    []byte
		length int64
		crypto int64
	}
	var populated []populatedRow
	for allocRows.Next() {
		var r populatedRow
		if err := allocRows.Scan(&r.offset, &r.tag, &r.length, &r.crypto); err != nil {
			allocRows.Close()
			return nil, parcelerr.New(parcelerr.SQL, "checkhoard", "hoard", err)
		}
		populated = append(populated, r)
	}
	allocRows.Close()

	expected := int64(0)
	for _, r := range populated {
		if r.offset != expected {
			problems = append(problems, CheckProblem{Description: "gap in allocated offsets", Offset: r.offset})
		}
		expected = r.offset + 1

		hashLen, ok := hashLens[suite.ID(r.crypto)]
		if !ok {
			problems = append(problems, CheckProblem{Description: "invalid crypto suite", Offset: r.offset})
			continue
		}
		if int64(len(r.tag)) != int64(hashLen) {
			problems = append(problems, CheckProblem{Description: "tag length mismatch", Offset: r.offset})
		}
		if r.length <= 0 || r.length > int64(h.chunkSize) {
			problems = append(problems, CheckProblem{Description: "length out of bounds", Offset: r.offset})
		}

		if full && verify != nil {
			buf := make([]byte, r.length)
			if _, err := h.file.ReadAt(buf, slotOffset(r.offset, h.chunkSize)); err != nil {
				return nil, parcelerr.New(parcelerr.IOErr, "checkhoard", "hoard", err)
			}
			got := verify(suite.ID(r.crypto), buf)
			if string(got) != string(r.tag) {
				problems = append(problems, CheckProblem{Description: "data/tag mismatch", Offset: r.offset})
				// h.mu is already held here, so invalidate's statements
				// run inline rather than through invalidate itself.
				if _, err := h.db.ExecContext(ctx,
					`UPDATE chunks SET tag = NULL, allocated = 0 WHERE offset = ? AND tag = ?`, r.offset, r.tag); err != nil {
					return nil, parcelerr.New(parcelerr.SQL, "checkhoard", "hoard", err)
				}
				if _, err := h.db.ExecContext(ctx,
					`DELETE FROM slot_cache WHERE offset = ? AND tag = ?`, r.offset, r.tag); err != nil {
					return nil, parcelerr.New(parcelerr.SQL, "checkhoard", "hoard", err)
				}
			}
		}
	}

	if _, err := h.db.ExecContext(ctx,
		`DELETE FROM refs WHERE parcel NOT IN (SELECT parcel FROM parcels)`); err != nil {
		return nil, parcelerr.New(parcelerr.SQL, "checkhoard", "hoard", err)
	}

	sort.Slice(problems, func(i, j int) bool { return problems[i].Offset < problems[j].Offset })
	return problems, nil
}

func isCanonicalUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, c := range s {
		switch i {
		case 8, 13, 18, 23:
			if c != '-' {
				return false
			}
		default:
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
				return false
			}
		}
	}
	return true
}
