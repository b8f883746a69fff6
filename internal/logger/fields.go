package logger

import (
	"log/slog"
)

// Standard field keys for structured logging. Use these keys consistently
// across all log statements so log aggregation and querying stays uniform.
const (
	// Distributed tracing
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// Operation & parcel scope
	KeyOperation  = "operation"   // GetChunk, PutChunk, Validate, Compact, Splice, ...
	KeyParcel     = "parcel"      // parcel UUID
	KeyChunkIndex = "chunk_index" // chunk index within the parcel

	// Chunk identity
	KeyTag         = "tag"         // content hash of ciphertext
	KeyCompression = "compression" // compression tag
	KeyLength      = "length"      // on-disk slot length

	// I/O
	KeyOffset       = "offset"
	KeyCount        = "count"
	KeyBytesRead    = "bytes_read"
	KeyBytesWritten = "bytes_written"

	// Backend / store identity
	KeySource  = "source"  // modified, local, hoard, origin
	KeyBackend = "backend" // sqlite, http, fs

	// Cache layer
	KeyCacheState  = "cache_state" // clean, dirty, busy
	KeyDirtyAge    = "dirty_age_ms"
	KeyEvicted     = "evicted"
	KeyAllocatable = "allocatable"
	KeyReclaimed   = "reclaimed"

	// Retry / error metadata
	KeyAttempt    = "attempt"
	KeyMaxRetries = "max_retries"
	KeyErrorKind  = "error_kind"
	KeyError      = "error"
	KeyDurationMs = "duration_ms"
)

// TraceID returns a slog.Attr for the OpenTelemetry trace ID.
func TraceID(id string) slog.Attr { return slog.String(KeyTraceID, id) }

// SpanID returns a slog.Attr for the OpenTelemetry span ID.
func SpanID(id string) slog.Attr { return slog.String(KeySpanID, id) }

// Operation returns a slog.Attr for the operation name.
func Operation(op string) slog.Attr { return slog.String(KeyOperation, op) }

// Parcel returns a slog.Attr for the parcel UUID.
func Parcel(uuid string) slog.Attr { return slog.String(KeyParcel, uuid) }

// ChunkIndex returns a slog.Attr for a chunk index.
func ChunkIndex(i uint32) slog.Attr { return slog.Uint64(KeyChunkIndex, uint64(i)) }

// Tag returns a slog.Attr for a chunk's content-address tag, hex-encoded.
func Tag(tag []byte) slog.Attr { return slog.String(KeyTag, hexShort(tag)) }

// Compression returns a slog.Attr for a compression tag.
func Compression(name string) slog.Attr { return slog.String(KeyCompression, name) }

// Length returns a slog.Attr for an on-disk slot length.
func Length(n int) slog.Attr { return slog.Int(KeyLength, n) }

// Offset returns a slog.Attr for a byte offset.
func Offset(off uint64) slog.Attr { return slog.Uint64(KeyOffset, off) }

// Count returns a slog.Attr for a byte count.
func Count(n int) slog.Attr { return slog.Int(KeyCount, n) }

// BytesRead returns a slog.Attr for bytes actually read.
func BytesRead(n int) slog.Attr { return slog.Int(KeyBytesRead, n) }

// BytesWritten returns a slog.Attr for bytes actually written.
func BytesWritten(n int) slog.Attr { return slog.Int(KeyBytesWritten, n) }

// Source returns a slog.Attr identifying which layer served a chunk.
func Source(src string) slog.Attr { return slog.String(KeySource, src) }

// Backend returns a slog.Attr identifying a storage backend.
func Backend(b string) slog.Attr { return slog.String(KeyBackend, b) }

// CacheState returns a slog.Attr for a writeback cache entry's state.
func CacheState(state string) slog.Attr { return slog.String(KeyCacheState, state) }

// DirtyAgeMs returns a slog.Attr for how long a chunk has been dirty.
func DirtyAgeMs(ms float64) slog.Attr { return slog.Float64(KeyDirtyAge, ms) }

// Evicted returns a slog.Attr for a number of evicted entries.
func Evicted(n int) slog.Attr { return slog.Int(KeyEvicted, n) }

// Attempt returns a slog.Attr for a retry attempt number.
func Attempt(n int) slog.Attr { return slog.Int(KeyAttempt, n) }

// MaxRetries returns a slog.Attr for the maximum retry attempts.
func MaxRetries(n int) slog.Attr { return slog.Int(KeyMaxRetries, n) }

// ErrorKind returns a slog.Attr for a parcelerr.Kind string.
func ErrorKind(kind string) slog.Attr { return slog.String(KeyErrorKind, kind) }

// Err returns a slog.Attr for an error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// DurationMs returns a slog.Attr for a duration in milliseconds.
func DurationMs(ms float64) slog.Attr { return slog.Float64(KeyDurationMs, ms) }

func hexShort(b []byte) string {
	const hexdigits = "0123456789abcdef"
	n := len(b)
	if n > 8 {
		n = 8
	}
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		out[i*2] = hexdigits[b[i]>>4]
		out[i*2+1] = hexdigits[b[i]&0xf]
	}
	return string(out)
}
