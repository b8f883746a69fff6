// Package parcelerr defines the structured error taxonomy shared by every
// chunk-store layer: codec, keyring, local cache, hoard cache, transport, and
// the chunk engine that sits above them.
//
// Each failure carries a Kind so callers can decide retry vs. propagate
// without string-matching error messages, plus operational context
// (operation, chunk index, backend) for logging.
package parcelerr

import (
	"fmt"
)

// Kind categorizes a chunk-store error for retry and propagation decisions.
type Kind int

const (
	// OK is never returned as an error; it exists so Kind has a defined
	// zero-adjacent "no error" value for callers building result tables.
	OK Kind = iota

	// InvalidArgument indicates a caller-supplied parameter is malformed:
	// wrong buffer length, out-of-range index, unknown compression tag.
	InvalidArgument

	// BadPadding indicates PKCS#5 unpadding found a padding byte that does
	// not match the expected trailer.
	BadPadding

	// BadFormat indicates a container (lzf-stream frame, lzma's zstd frame) is
	// structurally invalid or fails its checksum.
	BadFormat

	// BufferOverflow indicates a streaming codec finalize call needs more
	// output-buffer space; callers grow the buffer and retry.
	BufferOverflow

	// NoStreaming indicates a compression variant has no incremental
	// encoder/decoder and must be used in one-shot mode only.
	NoStreaming

	// NotFound indicates a keyring row, local slot, hoard slot, or origin
	// byte-range does not exist.
	NotFound

	// TagMismatch indicates a fetched blob's content hash does not equal
	// the tag recorded for it. The hoard invalidates its slot when it
	// detects one; a corrupt LocalCache slot is skipped, not invalidated.
	TagMismatch

	// KeyMismatch indicates a decrypted chunk's plaintext hash does not
	// equal the expected key; covers both wrong key and ciphertext
	// corruption that TagMismatch would not catch.
	KeyMismatch

	// Busy indicates a SQLite transaction hit SQLITE_BUSY; callers roll
	// back, sleep a randomized backoff, and retry.
	Busy

	// Netfail indicates a transient transport failure: connect refused,
	// HTTP 5xx, timeout, bad content-encoding. Bounded retry applies.
	Netfail

	// Interrupted indicates an in-flight operation was canceled; always
	// propagated, never retried or swallowed.
	Interrupted

	// Callfail indicates a local, fatal misuse of an API (lock not held,
	// double-free of a chunk index) that a caller cannot recover from.
	Callfail

	// IOErr indicates a local disk I/O failure: short read/write, ENOSPC,
	// EIO from the block device underlying a cache file.
	IOErr

	// SQL indicates a SQLite error other than SQLITE_BUSY: constraint
	// violation, corrupt database, schema mismatch.
	SQL
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "OK"
	case InvalidArgument:
		return "INVALID_ARGUMENT"
	case BadPadding:
		return "BAD_PADDING"
	case BadFormat:
		return "BAD_FORMAT"
	case BufferOverflow:
		return "BUFFER_OVERFLOW"
	case NoStreaming:
		return "NO_STREAMING"
	case NotFound:
		return "NOT_FOUND"
	case TagMismatch:
		return "TAG_MISMATCH"
	case KeyMismatch:
		return "KEY_MISMATCH"
	case Busy:
		return "BUSY"
	case Netfail:
		return "NETFAIL"
	case Interrupted:
		return "INTERRUPTED"
	case Callfail:
		return "CALLFAIL"
	case IOErr:
		return "IOERR"
	case SQL:
		return "SQL"
	default:
		return "UNKNOWN"
	}
}

// Retryable reports whether the kind is one a caller may retry locally
// (BUSY on the keyring/hoard databases, NETFAIL on transport, BUFFER_OVERFLOW
// on a streaming codec finalize). All other kinds are terminal for the
// request that produced them.
func (k Kind) Retryable() bool {
	switch k {
	case Busy, Netfail, BufferOverflow:
		return true
	default:
		return false
	}
}

// Error wraps a Kind with operational context: the failing operation, the
// chunk it concerns, the backend that produced it, and an optional wrapped
// cause.
//
//	err := parcelerr.NewChunk(parcelerr.TagMismatch, "GetChunk", "hoard", 42, nil)
//	errors.Is(err, parcelerr.ErrTagMismatch) // true
type Error struct {
	// Kind is the error category.
	Kind Kind

	// Op is the operation that failed: "GetChunk", "PutChunk", "Validate",
	// "Compact", "sync_refs", ...
	Op string

	// Backend identifies which layer produced the error: "modified",
	// "local", "hoard", "origin", "keyring", "codec".
	Backend string

	// ChunkIndex is the chunk index involved, when applicable.
	ChunkIndex uint32

	// HasChunkIndex distinguishes "chunk 0" from "no chunk context".
	HasChunkIndex bool

	// Message is additional human-readable detail.
	Message string

	// Err is the wrapped cause, if any (e.g. an underlying os.PathError
	// or sqlite driver error).
	Err error
}

// sentinel values for errors.Is matching against a bare Kind without
// constructing a full Error.
var (
	ErrNotFound      = &Error{Kind: NotFound}
	ErrTagMismatch   = &Error{Kind: TagMismatch}
	ErrKeyMismatch   = &Error{Kind: KeyMismatch}
	ErrBusy          = &Error{Kind: Busy}
	ErrInterrupted   = &Error{Kind: Interrupted}
	ErrBadFormat     = &Error{Kind: BadFormat}
	ErrBadPadding    = &Error{Kind: BadPadding}
	ErrNoStreaming   = &Error{Kind: NoStreaming}
	ErrBufferOverflow = &Error{Kind: BufferOverflow}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.HasChunkIndex {
		return fmt.Sprintf("%s: %s [%s] (backend=%s, chunk=%d)", e.Op, msg, e.Kind, e.Backend, e.ChunkIndex)
	}
	return fmt.Sprintf("%s: %s [%s] (backend=%s)", e.Op, msg, e.Kind, e.Backend)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, parcelerr.ErrTagMismatch) works without exposing fields.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an Error for the given operation, backend, and cause.
func New(kind Kind, op, backend string, err error) *Error {
	return &Error{Kind: kind, Op: op, Backend: backend, Err: err}
}

// NewChunk constructs a chunk-scoped Error.
func NewChunk(kind Kind, op, backend string, chunkIndex uint32, err error) *Error {
	return &Error{Kind: kind, Op: op, Backend: backend, ChunkIndex: chunkIndex, HasChunkIndex: true, Err: err}
}

// Withf attaches a formatted message to an Error and returns it, for
// chaining after New/NewChunk.
func (e *Error) Withf(format string, args ...any) *Error {
	e.Message = fmt.Sprintf(format, args...)
	return e
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error, otherwise
// returns Callfail for an unrecognized error and OK for nil.
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}
	var pe *Error
	if as(err, &pe) {
		return pe.Kind
	}
	return Callfail
}

// as is a tiny local errors.As to avoid importing errors just for this one
// call site used by KindOf; kept here because the package otherwise has no
// dependency on the standard errors package beyond Unwrap/Is support, which
// callers invoke via errors.Is/errors.As directly.
func as(err error, target **Error) bool {
	for err != nil {
		if pe, ok := err.(*Error); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
