package safety

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// ErrBodyTooLarge indicates a response body exceeded the configured read limit.
var ErrBodyTooLarge = errors.New("response body too large")

// ReadAllWithLimit reads from r and fails if content exceeds limit bytes.
// Mirror lists and repository indexes come from untrusted servers, so every
// metadata read goes through here.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("invalid read limit: %d", limit)
	}
	lr := io.LimitReader(r, limit+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

// ValidateHTTPURL ensures the URL parses as HTTP(S) and contains no userinfo.
func ValidateHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("URL host is required")
	}
	if u.User != nil {
		return nil, fmt.Errorf("URL userinfo is not allowed")
	}
	return u, nil
}

// ValidateRepositoryURL accepts the schemes a repository may live at:
// http(s) with a host and no userinfo, or file with an absolute path. A bare
// absolute path is returned as a file URL.
func ValidateRepositoryURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid repository location: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return ValidateHTTPURL(raw)
	case "":
		if !strings.HasPrefix(u.Path, "/") {
			return nil, fmt.Errorf("repository path must be absolute: %q", raw)
		}
		u.Scheme = "file"
		return u, nil
	case "file":
		if !strings.HasPrefix(u.Path, "/") {
			return nil, fmt.Errorf("file location must be absolute: %q", raw)
		}
		return u, nil
	default:
		return nil, fmt.Errorf("unsupported repository scheme %q", u.Scheme)
	}
}
