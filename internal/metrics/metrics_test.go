package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/BadgerOps/mirrorfed/internal/artifact"
	"github.com/BadgerOps/mirrorfed/internal/mirror"
	"github.com/BadgerOps/mirrorfed/internal/status"
	"github.com/BadgerOps/mirrorfed/internal/transfer"
)

func event(st *status.Status) transfer.MirrorEvent {
	return transfer.MirrorEvent{
		ID:         uuid.New(),
		Source:     "https://source.example/repo/",
		Target:     "file:///srv/mirror/",
		Descriptor: artifact.NewDescriptor(artifact.NewKey("osgi.bundle", "a", "1.0.0")),
		Status:     st,
		Time:       time.Now(),
	}
}

// scrape renders the collector in the text exposition format.
func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestPublishCountsOutcomes(t *testing.T) {
	c := New()
	ctx := context.Background()

	c.Publish(ctx, event(status.Transferred(8192)))
	c.Publish(ctx, event(status.Transferred(4096)))
	c.Publish(ctx, event(status.Retry("mirror failed", status.Errorf(errors.New("reset"), "download failed"))))

	body := scrape(t, c)
	for _, line := range []string{
		`mirrorfed_transfer_attempts_total{outcome="ok",source="https://source.example/repo/"} 2`,
		`mirrorfed_transfer_attempts_total{outcome="retryable",source="https://source.example/repo/"} 1`,
		`mirrorfed_transfer_bytes_per_second_count{source="https://source.example/repo/"} 2`,
	} {
		if !strings.Contains(body, line) {
			t.Errorf("expected metrics output to contain %q", line)
		}
	}
}

func TestObserveMirrors(t *testing.T) {
	c := New()
	c.ObserveMirrors("https://updates.example/", []mirror.Stat{
		{Location: "https://m1.example/", BytesPerSecond: 1000, FailureCount: 1},
		{Location: "https://m2.example/", BytesPerSecond: mirror.Unknown},
	})

	body := scrape(t, c)
	for _, line := range []string{
		`mirrorfed_mirror_failures{mirror="https://m1.example/",repository="https://updates.example/"} 1`,
		`mirrorfed_mirror_bytes_per_second{mirror="https://m2.example/",repository="https://updates.example/"} -1`,
	} {
		if !strings.Contains(body, line) {
			t.Errorf("expected metrics output to contain %q", line)
		}
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	c := New()
	c.RecordHTTPRequest("GET", "/artifacts/", 200, 10*time.Millisecond)
	c.RecordHTTPRequest("GET", "/artifacts/", 404, time.Millisecond)

	body := scrape(t, c)
	if !strings.Contains(body, `mirrorfed_http_requests_total{method="GET",path="/artifacts/",status_code="404"} 1`) {
		t.Error("expected a 404 request to be counted")
	}
	if !strings.Contains(body, `mirrorfed_http_request_duration_seconds_count{method="GET",path="/artifacts/"} 2`) {
		t.Error("expected both requests in the duration histogram")
	}
}
