//go:generate mockgen -destination=./mocks/transport.go . Transport

// Package transport moves bytes between a location and a writer. Retry and
// source selection live above this layer; a Transport performs exactly one
// attempt and reports what happened as a status.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/BadgerOps/mirrorfed/internal/status"
)

// ProgressFunc is called periodically to report download progress.
// totalBytes is 0 when the size is unknown.
type ProgressFunc func(bytesDownloaded, totalBytes int64)

// Transport is the byte-transfer capability used by repositories and mirror
// selectors.
type Transport interface {
	// Download copies the resource at location into dest. The returned
	// status carries the measured rate on success.
	Download(ctx context.Context, location *url.URL, dest io.Writer) *status.Status

	// Stream opens the resource at location for reading.
	Stream(ctx context.Context, location *url.URL) (io.ReadCloser, error)

	// LastModified returns the modification time of the resource.
	LastModified(ctx context.Context, location *url.URL) (time.Time, error)
}

// ErrUnsupportedScheme is returned by Multi for schemes it has no transport for.
var ErrUnsupportedScheme = errors.New("unsupported URL scheme")

// NotFoundError reports a resource that does not exist at the location.
type NotFoundError struct {
	Location string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("resource not found: %s", e.Location)
}

// NotFound marks the error as a missing resource for status classification.
func (e *NotFoundError) NotFound() bool { return true }

// AuthError reports a location that requires credentials we do not have.
type AuthError struct {
	Location   string
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication required for %s (status %d)", e.Location, e.StatusCode)
}

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
}

// IsNotFound reports whether err describes a missing resource.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// statusFor converts a transfer error into a status.
func statusFor(ctx context.Context, location *url.URL, err error) *status.Status {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		st := status.Canceled()
		st.Err = err
		return st
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return status.NotFound(err, "artifact not found at %s", location.Redacted())
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return status.New(status.Error, status.CodeAuthRequired, fmt.Sprintf("authentication required for %s", location.Redacted()), err)
	}
	return status.Errorf(err, "transfer from %s failed", location.Redacted())
}

// rate converts a byte count and duration into bytes per second. Transfers
// too fast to measure report the byte count itself.
func rate(n int64, elapsed time.Duration) int64 {
	if n <= 0 {
		return 0
	}
	if elapsed <= 0 {
		return n
	}
	r := int64(float64(n) / elapsed.Seconds())
	if r <= 0 {
		return 1
	}
	return r
}

// progressWriter wraps a writer and calls a progress callback as data is written.
type progressWriter struct {
	writer   io.Writer
	callback ProgressFunc
	current  int64
	total    int64
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	if n > 0 {
		pw.current += int64(n)
		if pw.callback != nil {
			pw.callback(pw.current, pw.total)
		}
	}
	return n, err
}
