package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/BadgerOps/mirrorfed/internal/artifact"
	"github.com/BadgerOps/mirrorfed/internal/composite"
	"github.com/BadgerOps/mirrorfed/internal/config"
	"github.com/BadgerOps/mirrorfed/internal/metrics"
	"github.com/BadgerOps/mirrorfed/internal/repository"
	"github.com/BadgerOps/mirrorfed/internal/simple"
	"github.com/BadgerOps/mirrorfed/internal/status"
	"github.com/BadgerOps/mirrorfed/internal/store"
	"github.com/BadgerOps/mirrorfed/internal/transfer"
)

var testKey = artifact.NewKey("osgi.bundle", "org.example.core", "1.2.0")

type testEnv struct {
	server *Server
	leaf   *simple.Repository
	store  *store.Store
}

// setupTestServer federates one local repository holding testKey behind a
// composite and serves it.
func setupTestServer(t *testing.T, leafProps map[string]string) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.New(":memory:", logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Fatalf("failed to close store: %v", err)
		}
	})

	leaf, err := simple.Create(ctx, t.TempDir(), leafProps, simple.Options{Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	out, err := leaf.GetOutputStream(artifact.NewDescriptor(testKey))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := out.Write([]byte("bundle bytes")); err != nil {
		t.Fatal(err)
	}
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}

	reg := repository.NewRegistry(logger, simple.NewFactory(simple.Options{Logger: logger}))
	fed, err := composite.Create(ctx, t.TempDir(), nil, composite.Options{Manager: reg, Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	if err := fed.AddChild(ctx, leaf.Location().String()); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.Server.DataDir = t.TempDir()
	return &testEnv{
		server: NewServer(fed, reg, st, metrics.New(), cfg, logger),
		leaf:   leaf,
		store:  st,
	}
}

func (e *testEnv) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", target, nil)
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	env := setupTestServer(t, nil)
	w := env.get(t, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestGetArtifact(t *testing.T) {
	env := setupTestServer(t, nil)

	w := env.get(t, "/artifacts/osgi.bundle/org.example.core/1.2.0")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "bundle bytes" {
		t.Errorf("unexpected body %q", w.Body.String())
	}
	if got := w.Header().Get("Content-Length"); got != "12" {
		t.Errorf("expected Content-Length 12, got %q", got)
	}
}

func TestGetArtifactNotFound(t *testing.T) {
	env := setupTestServer(t, nil)

	w := env.get(t, "/artifacts/osgi.bundle/org.example.core/9.9.9")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHTTPStatusFor(t *testing.T) {
	ctx := context.Background()
	expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer cancel()

	tests := []struct {
		name string
		ctx  context.Context
		st   *status.Status
		want int
	}{
		{"ok", ctx, status.Success(), http.StatusOK},
		{"not found", ctx, status.NotFound(nil, "missing"), http.StatusNotFound},
		{"retry exhausted", ctx, status.Retry("mirrors failed"), http.StatusBadGateway},
		{"deadline", expired, status.FromContext(expired.Err()), http.StatusGatewayTimeout},
		{"client gone", ctx, status.Canceled(), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := httpStatusFor(tt.ctx, tt.st); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAPIArtifacts(t *testing.T) {
	env := setupTestServer(t, nil)

	w := env.get(t, "/api/artifacts")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without parameters, got %d", w.Code)
	}

	w = env.get(t, "/api/artifacts?namespace=osgi.bundle&id=org.example.core&range="+url.QueryEscape(">= 1.0, < 2.0"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var keys []artifact.Key
	if err := json.NewDecoder(w.Body).Decode(&keys); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(keys) != 1 || keys[0] != testKey {
		t.Errorf("unexpected keys %+v", keys)
	}

	w = env.get(t, "/api/artifacts?namespace=osgi.bundle&id=org.example.core&range="+url.QueryEscape(">= 2.0"))
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty list outside the range, got %s", w.Body.String())
	}
}

func TestAPIRepositories(t *testing.T) {
	env := setupTestServer(t, nil)

	w := env.get(t, "/api/repositories")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var repos []RepositoryJSON
	if err := json.NewDecoder(w.Body).Decode(&repos); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(repos) != 1 {
		t.Fatalf("expected the federated child only, got %+v", repos)
	}
	if repos[0].Enabled {
		t.Error("children loaded by a composite are registered disabled")
	}
	if !repos[0].System {
		t.Error("expected the child to be marked as a system repository")
	}
}

func TestMirrorEndpoints(t *testing.T) {
	list := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<mirrors><mirror url="https://m1.example/repo/"/></mirrors>`)
	}))
	t.Cleanup(list.Close)

	env := setupTestServer(t, map[string]string{repository.PropMirrorsURL: list.URL + "/mirrors"})
	location := url.QueryEscape(env.leaf.Location().String())

	w := env.get(t, "/api/repositories/mirrors?location="+location)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var mirrors MirrorsJSON
	if err := json.NewDecoder(w.Body).Decode(&mirrors); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(mirrors.Mirrors) != 2 {
		t.Fatalf("expected listed mirror plus repository base, got %+v", mirrors.Mirrors)
	}
	if !mirrors.HasValidMirror {
		t.Error("expected a valid mirror")
	}

	w = env.get(t, "/mirrors.xml?location="+location)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `url="https://m1.example/repo/"`) {
		t.Errorf("mirror list does not contain the mirror: %s", w.Body.String())
	}

	w = env.get(t, "/mirrors.xml?location="+url.QueryEscape("https://unknown.example/"))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown repository, got %d", w.Code)
	}
	w = env.get(t, "/mirrors.xml")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without location, got %d", w.Code)
	}
}

func TestAPIHistoryAndFailures(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	env.store.Publish(ctx, transfer.MirrorEvent{
		ID:         uuid.New(),
		Source:     "https://source.example/repo/",
		Target:     "file:///srv/mirror/",
		Descriptor: artifact.NewDescriptor(testKey),
		Status:     status.Transferred(2048),
		Attempt:    1,
		Time:       time.Now(),
	})
	if err := env.store.AddFailedTransfer(ctx, &store.FailedTransfer{
		Artifact:     "osgi.bundle/other/1.0.0",
		Target:       "file:///srv/mirror/",
		Error:        "not found",
		FirstFailure: time.Now(),
		LastFailure:  time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	w := env.get(t, "/api/history?limit=10")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var events []TransferEventJSON
	if err := json.NewDecoder(w.Body).Decode(&events); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(events) != 1 || events[0].BytesPerSecond != 2048 || events[0].Outcome != "ok" {
		t.Errorf("unexpected events %+v", events)
	}

	if w := env.get(t, "/api/history?limit=zero"); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid limit, got %d", w.Code)
	}

	w = env.get(t, "/api/failures")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "osgi.bundle/other/1.0.0") {
		t.Errorf("expected failed transfer in response: %s", w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)
	env.get(t, "/healthz")
	env.get(t, "/artifacts/osgi.bundle/org.example.core/1.2.0")

	w := env.get(t, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `path="GET /healthz"`) {
		t.Errorf("expected health request to be counted:\n%s", body)
	}
	if !strings.Contains(body, `path="GET /artifacts/{namespace}/{id}/{version}"`) {
		t.Errorf("expected artifact requests to be labelled by route pattern:\n%s", body)
	}
}
