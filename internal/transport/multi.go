package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/BadgerOps/mirrorfed/internal/status"
)

// Multi dispatches to a Transport by URL scheme.
type Multi struct {
	byScheme map[string]Transport
}

// NewMulti returns a dispatcher over the given scheme -> transport map.
func NewMulti(byScheme map[string]Transport) *Multi {
	m := &Multi{byScheme: make(map[string]Transport, len(byScheme))}
	for k, v := range byScheme {
		m.byScheme[k] = v
	}
	return m
}

// Default returns a dispatcher for http, https and file locations.
func Default(logger *slog.Logger) *Multi {
	h := NewHTTP(logger)
	return NewMulti(map[string]Transport{
		"http":  h,
		"https": h,
		"file":  NewFile(),
	})
}

func (m *Multi) pick(location *url.URL) (Transport, error) {
	t, ok := m.byScheme[location.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, location.Scheme)
	}
	return t, nil
}

// Download implements Transport.
func (m *Multi) Download(ctx context.Context, location *url.URL, dest io.Writer) *status.Status {
	t, err := m.pick(location)
	if err != nil {
		return status.Errorf(err, "cannot transfer %s", location.Redacted())
	}
	return t.Download(ctx, location, dest)
}

// Stream implements Transport.
func (m *Multi) Stream(ctx context.Context, location *url.URL) (io.ReadCloser, error) {
	t, err := m.pick(location)
	if err != nil {
		return nil, err
	}
	return t.Stream(ctx, location)
}

// LastModified implements Transport.
func (m *Multi) LastModified(ctx context.Context, location *url.URL) (time.Time, error) {
	t, err := m.pick(location)
	if err != nil {
		return time.Time{}, err
	}
	return t.LastModified(ctx, location)
}
