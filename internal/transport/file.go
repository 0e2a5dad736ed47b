package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"time"

	"github.com/BadgerOps/mirrorfed/internal/status"
)

// File serves file:// locations from the local filesystem.
type File struct{}

// NewFile returns a file transport.
func NewFile() *File { return &File{} }

// Download implements Transport.
func (f *File) Download(ctx context.Context, location *url.URL, dest io.Writer) *status.Status {
	if st := status.FromContext(ctx.Err()); st != nil {
		return st
	}
	start := time.Now()
	r, err := f.Stream(ctx, location)
	if err != nil {
		return statusFor(ctx, location, err)
	}
	defer r.Close()

	n, err := io.Copy(dest, ctxReader{ctx: ctx, r: r})
	if err != nil {
		return statusFor(ctx, location, fmt.Errorf("copying %s: %w", location.Path, err))
	}
	return status.Transferred(rate(n, time.Since(start)))
}

// Stream implements Transport.
func (f *File) Stream(_ context.Context, location *url.URL) (io.ReadCloser, error) {
	path, err := localPath(location)
	if err != nil {
		return nil, err
	}
	fh, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &NotFoundError{Location: location.String()}
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return fh, nil
}

// LastModified implements Transport.
func (f *File) LastModified(_ context.Context, location *url.URL) (time.Time, error) {
	path, err := localPath(location)
	if err != nil {
		return time.Time{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, &NotFoundError{Location: location.String()}
		}
		return time.Time{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return fi.ModTime(), nil
}

func localPath(location *url.URL) (string, error) {
	if location.Scheme != "file" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, location.Scheme)
	}
	if location.Path == "" {
		return "", fmt.Errorf("file URL has no path: %s", location)
	}
	return location.Path, nil
}

// ctxReader stops a copy once the context is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
