package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context.
var logContextKey = contextKey{}

// LogContext holds request-scoped logging context threaded through a call
// chain (BlockFile -> WritebackCache -> ChunkEngine -> backing stores).
type LogContext struct {
	TraceID    string    // OpenTelemetry trace ID
	SpanID     string    // OpenTelemetry span ID
	Operation  string    // operation name: GetChunk, PutChunk, Validate, Compact, ...
	Parcel     string    // parcel UUID
	ChunkIndex *uint32   // chunk index, when the operation is chunk-scoped
	StartTime  time.Time // for duration calculation
}

// WithContext returns a new context with the given LogContext.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for a parcel-scoped operation.
func NewLogContext(parcel string) *LogContext {
	return &LogContext{
		Parcel:    parcel,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext.
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := &LogContext{
		TraceID:   lc.TraceID,
		SpanID:    lc.SpanID,
		Operation: lc.Operation,
		Parcel:    lc.Parcel,
		StartTime: lc.StartTime,
	}
	if lc.ChunkIndex != nil {
		idx := *lc.ChunkIndex
		clone.ChunkIndex = &idx
	}
	return clone
}

// WithOperation returns a copy with the operation name set.
func (lc *LogContext) WithOperation(op string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Operation = op
	}
	return clone
}

// WithChunk returns a copy scoped to the given chunk index.
func (lc *LogContext) WithChunk(index uint32) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.ChunkIndex = &index
	}
	return clone
}

// WithTrace returns a copy with trace info set.
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds.
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
