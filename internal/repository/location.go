package repository

import (
	"fmt"
	"net/url"
	"strings"
)

// Normalize returns a copy of loc whose path ends in a slash, so that
// repository locations compare and resolve consistently.
func Normalize(loc *url.URL) *url.URL {
	c := *loc
	if !strings.HasSuffix(c.Path, "/") {
		c.Path += "/"
		if c.RawPath != "" {
			c.RawPath += "/"
		}
	}
	return &c
}

// SameLocation reports whether a and b name the same repository.
func SameLocation(a, b *url.URL) bool {
	return Normalize(a).String() == Normalize(b).String()
}

// Resolve resolves ref against the directory base. Absolute references are
// returned as parsed.
func Resolve(base *url.URL, ref string) (*url.URL, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid location %q: %w", ref, err)
	}
	return Normalize(base).ResolveReference(r), nil
}

// Relativize returns the part of loc below base. It fails when loc is not
// located under base (different scheme, host or path prefix).
func Relativize(base, loc *url.URL) (string, bool) {
	if !strings.EqualFold(base.Scheme, loc.Scheme) || !strings.EqualFold(base.Host, loc.Host) {
		return "", false
	}
	prefix := Normalize(base).EscapedPath()
	p := loc.EscapedPath()
	if !strings.HasPrefix(p, prefix) {
		return "", false
	}
	rel := strings.TrimPrefix(p, prefix)
	if loc.RawQuery != "" {
		rel += "?" + loc.RawQuery
	}
	return rel, true
}
