package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/BadgerOps/mirrorfed/internal/safety"
	"github.com/BadgerOps/mirrorfed/internal/status"
)

const maxErrorBodyBytes int64 = 4 * 1024

// HTTP performs single-attempt HTTP(S) transfers.
type HTTP struct {
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string
	headers    map[string]string

	// OnProgress, when set, receives progress for every download.
	OnProgress ProgressFunc
}

// NewHTTP creates an HTTP transport with the given logger.
func NewHTTP(logger *slog.Logger) *HTTP {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
				TLSHandshakeTimeout:   15 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
			},
			// No overall timeout; large artifacts are bounded by ctx instead.
		},
		logger:    logger,
		userAgent: "mirrorfed/1.0",
		headers:   map[string]string{},
	}
}

// SetHeader adds a header sent with every request (e.g. Authorization).
func (h *HTTP) SetHeader(name, value string) {
	h.headers[name] = value
}

// Download implements Transport.
func (h *HTTP) Download(ctx context.Context, location *url.URL, dest io.Writer) *status.Status {
	start := time.Now()
	resp, err := h.do(ctx, http.MethodGet, location)
	if err != nil {
		return statusFor(ctx, location, err)
	}
	defer resp.Body.Close()

	var w io.Writer = dest
	if h.OnProgress != nil {
		w = &progressWriter{writer: dest, callback: h.OnProgress, total: max(resp.ContentLength, 0)}
	}

	n, err := io.Copy(w, resp.Body)
	elapsed := time.Since(start)
	if err != nil {
		h.logger.Warn("download interrupted", "url", location.Redacted(), "bytes", n, "error", err)
		return statusFor(ctx, location, fmt.Errorf("copying response body: %w", err))
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		return status.Errorf(io.ErrUnexpectedEOF, "short read from %s: got %d of %d bytes", location.Redacted(), n, resp.ContentLength)
	}

	h.logger.Debug("download complete", "url", location.Redacted(), "bytes", n, "elapsed", elapsed)
	return status.Transferred(rate(n, elapsed))
}

// Stream implements Transport. The caller must close the returned body.
func (h *HTTP) Stream(ctx context.Context, location *url.URL) (io.ReadCloser, error) {
	resp, err := h.do(ctx, http.MethodGet, location)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// LastModified implements Transport using a HEAD request.
func (h *HTTP) LastModified(ctx context.Context, location *url.URL) (time.Time, error) {
	resp, err := h.do(ctx, http.MethodHead, location)
	if err != nil {
		return time.Time{}, err
	}
	resp.Body.Close()

	lm := resp.Header.Get("Last-Modified")
	if lm == "" {
		return time.Time{}, nil
	}
	t, err := http.ParseTime(lm)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing Last-Modified %q: %w", lm, err)
	}
	return t, nil
}

// do issues a request and converts non-2xx responses into typed errors.
func (h *HTTP) do(ctx context.Context, method string, location *url.URL) (*http.Response, error) {
	if _, err := safety.ValidateHTTPURL(location.String()); err != nil {
		return nil, fmt.Errorf("invalid transfer URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, location.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", h.userAgent)
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		resp.Body.Close()
		return nil, &NotFoundError{Location: location.Redacted()}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, &AuthError{Location: location.Redacted(), StatusCode: resp.StatusCode}
	default:
		body, _ := safety.ReadAllWithLimit(resp.Body, maxErrorBodyBytes)
		resp.Body.Close()
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}
}
