// Package transport fetches chunk ciphertext from an origin server over
// HTTP range requests, with the bounded retry policy the chunk engine
// relies on for transient failures.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/openparcel/parcelkeeper/pkg/parcelerr"
)

const (
	// Tries is the maximum number of attempts for a single fetch,
	// including the first.
	Tries = 5
)

// RetryDelay is the fixed delay between attempts. A var rather than a
// const so tests can shrink it instead of running real-time waits.
var RetryDelay = 5 * time.Second

// ChunkFetcher retrieves a chunk's ciphertext range from an origin.
type ChunkFetcher interface {
	// FetchRange returns the bytes for chunk i: [offset, offset+length) of
	// the parcel's origin byte stream.
	FetchRange(ctx context.Context, i uint32, offset, length int64) ([]byte, error)
}

// HTTPFetcher implements ChunkFetcher against an HTTP origin server using
// Range requests, one per chunk.
type HTTPFetcher struct {
	client  *http.Client
	baseURL string
}

// NewHTTPFetcher builds a fetcher against baseURL using client. A nil
// client uses http.DefaultClient.
func NewHTTPFetcher(baseURL string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client, baseURL: baseURL}
}

// FetchRange performs a single GET with a Range header, retrying per the
// transport retry policy: connect failures, HTTP 5xx, transient send/recv
// errors, timeouts, and bad content-encoding are retried up to Tries times
// with RetryDelay between attempts. Any other failure (4xx, malformed URL,
// context cancellation) propagates on the first occurrence.
func (f *HTTPFetcher) FetchRange(ctx context.Context, i uint32, offset, length int64) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= Tries; attempt++ {
		data, err := f.fetchOnce(ctx, i, offset, length)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if parcelerr.KindOf(err) != parcelerr.Netfail {
			return nil, err
		}
		if attempt == Tries {
			break
		}

		timer := time.NewTimer(RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, parcelerr.NewChunk(parcelerr.Interrupted, "FetchRange", "origin", i, ctx.Err())
		case <-timer.C:
		}
	}
	return nil, lastErr
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, i uint32, offset, length int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL, nil)
	if err != nil {
		return nil, parcelerr.NewChunk(parcelerr.InvalidArgument, "FetchRange", "origin", i, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, parcelerr.NewChunk(parcelerr.Interrupted, "FetchRange", "origin", i, ctx.Err())
		}
		return nil, parcelerr.NewChunk(parcelerr.Netfail, "FetchRange", "origin", i, err).
			Withf("connect/transport error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, parcelerr.NewChunk(parcelerr.Netfail, "FetchRange", "origin", i, nil).
			Withf("origin returned %s", resp.Status)
	}
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return nil, parcelerr.NewChunk(parcelerr.NotFound, "FetchRange", "origin", i, nil).
			Withf("origin returned %s", resp.Status)
	}

	if enc := resp.Header.Get("Content-Encoding"); enc != "" && enc != "identity" {
		return nil, parcelerr.NewChunk(parcelerr.Netfail, "FetchRange", "origin", i, nil).
			Withf("unsupported content-encoding %q", enc)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTransientReadErr(err) {
			return nil, parcelerr.NewChunk(parcelerr.Netfail, "FetchRange", "origin", i, err).
				Withf("transient read error: %v", err)
		}
		return nil, parcelerr.NewChunk(parcelerr.IOErr, "FetchRange", "origin", i, err)
	}
	if int64(len(data)) != length {
		return nil, parcelerr.NewChunk(parcelerr.BadFormat, "FetchRange", "origin", i, nil).
			Withf("expected %d bytes, origin returned %d", length, len(data))
	}
	return data, nil
}

// isTransientReadErr reports whether err (from reading a response body) is
// a timeout or a reset/closed connection rather than a permanent failure.
func isTransientReadErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}
