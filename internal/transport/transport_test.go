package transport

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BadgerOps/mirrorfed/internal/status"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func TestHTTPDownload(t *testing.T) {
	content := []byte("artifact bytes for download verification")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != "mirrorfed/1.0" {
			t.Errorf("unexpected user agent %q", ua)
		}
		_, _ = w.Write(content)
	}))
	defer server.Close()

	h := NewHTTP(testLogger())
	var progressCalls int
	h.OnProgress = func(done, total int64) { progressCalls++ }

	var buf bytes.Buffer
	st := h.Download(context.Background(), mustParse(t, server.URL+"/a.jar"), &buf)
	if !st.IsOK() {
		t.Fatalf("expected OK, got %v", st)
	}
	if !bytes.Equal(buf.Bytes(), content) {
		t.Errorf("content mismatch: %q", buf.String())
	}
	if st.BytesPerSecond <= 0 {
		t.Errorf("expected positive transfer rate, got %d", st.BytesPerSecond)
	}
	if progressCalls == 0 {
		t.Error("expected progress callback to be invoked")
	}
}

func TestHTTPDownloadNotFound(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	st := NewHTTP(testLogger()).Download(context.Background(), mustParse(t, server.URL+"/missing"), io.Discard)
	if st.Outcome() != status.OutcomeNotFound {
		t.Fatalf("expected not-found outcome, got %v", st)
	}
	if !IsNotFound(st.Err) {
		t.Errorf("expected NotFoundError, got %v", st.Err)
	}
}

func TestHTTPDownloadAuthRequired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer ok" {
			_, _ = w.Write([]byte("secret"))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	h := NewHTTP(testLogger())
	st := h.Download(context.Background(), mustParse(t, server.URL), io.Discard)
	if st.Outcome() != status.OutcomeAuthRequired {
		t.Fatalf("expected auth-required outcome, got %v", st)
	}

	h.SetHeader("Authorization", "Bearer ok")
	var buf bytes.Buffer
	if st := h.Download(context.Background(), mustParse(t, server.URL), &buf); !st.IsOK() {
		t.Fatalf("expected OK with credentials, got %v", st)
	}
}

func TestHTTPDownloadServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	st := NewHTTP(testLogger()).Download(context.Background(), mustParse(t, server.URL), io.Discard)
	if st.Outcome() != status.OutcomeFailed {
		t.Fatalf("expected failed outcome, got %v", st)
	}
}

func TestHTTPDownloadCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	st := NewHTTP(testLogger()).Download(ctx, mustParse(t, server.URL), io.Discard)
	if st.Severity != status.Cancel {
		t.Fatalf("expected cancel severity, got %v", st)
	}
}

func TestHTTPRejectsNonHTTPScheme(t *testing.T) {
	_, err := NewHTTP(testLogger()).Stream(context.Background(), mustParse(t, "ftp://example.com/x"))
	if err == nil {
		t.Fatal("expected error for ftp scheme")
	}
}

func TestHTTPLastModified(t *testing.T) {
	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD, got %s", r.Method)
		}
		w.Header().Set("Last-Modified", stamp.Format(http.TimeFormat))
	}))
	defer server.Close()

	got, err := NewHTTP(testLogger()).LastModified(context.Background(), mustParse(t, server.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(stamp) {
		t.Errorf("expected %v, got %v", stamp, got)
	}
}

func TestFileTransport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lib.jar")
	if err := os.WriteFile(path, []byte("local bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	loc := &url.URL{Scheme: "file", Path: path}

	var buf bytes.Buffer
	st := NewFile().Download(context.Background(), loc, &buf)
	if !st.IsOK() {
		t.Fatalf("expected OK, got %v", st)
	}
	if buf.String() != "local bytes" {
		t.Errorf("unexpected content %q", buf.String())
	}

	if _, err := NewFile().LastModified(context.Background(), loc); err != nil {
		t.Errorf("LastModified: %v", err)
	}

	missing := &url.URL{Scheme: "file", Path: filepath.Join(dir, "nope")}
	st = NewFile().Download(context.Background(), missing, io.Discard)
	if !status.IsNotFound(st) {
		t.Fatalf("expected not found, got %v", st)
	}
}

func TestMultiDispatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := Default(testLogger())
	if st := m.Download(context.Background(), &url.URL{Scheme: "file", Path: path}, io.Discard); !st.IsOK() {
		t.Fatalf("file dispatch failed: %v", st)
	}
	st := m.Download(context.Background(), mustParse(t, "gopher://example.com/x"), io.Discard)
	if st.Severity != status.Error {
		t.Fatalf("expected error for unsupported scheme, got %v", st)
	}
}

func TestRate(t *testing.T) {
	if got := rate(1000, 2*time.Second); got != 500 {
		t.Errorf("expected 500, got %d", got)
	}
	if got := rate(0, time.Second); got != 0 {
		t.Errorf("expected 0 for empty transfer, got %d", got)
	}
	if got := rate(42, 0); got != 42 {
		t.Errorf("expected byte count for unmeasurable duration, got %d", got)
	}
}
