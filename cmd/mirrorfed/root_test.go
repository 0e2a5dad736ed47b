package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/BadgerOps/mirrorfed/internal/artifact"
	"github.com/BadgerOps/mirrorfed/internal/config"
	"github.com/BadgerOps/mirrorfed/internal/repository"
	"github.com/BadgerOps/mirrorfed/internal/simple"
	"github.com/BadgerOps/mirrorfed/internal/status"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestShouldSkip(t *testing.T) {
	if !shouldSkipConfig("help") || shouldSkipConfig("fetch") {
		t.Error("unexpected config skip decision")
	}
	if !shouldSkipComponentInit("config") || shouldSkipComponentInit("serve") {
		t.Error("unexpected component init decision")
	}
}

func TestRootCommandTree(t *testing.T) {
	cmd := NewRootCmd()
	for _, name := range []string{"fetch", "mirrors", "history", "serve", "config"} {
		if _, _, err := cmd.Find([]string{name}); err != nil {
			t.Errorf("missing subcommand %q: %v", name, err)
		}
	}
}

// newLeaf creates a local repository holding the given keys.
func newLeaf(t *testing.T, keys ...artifact.Key) *simple.Repository {
	t.Helper()
	repo, err := simple.Create(context.Background(), t.TempDir(), nil, simple.Options{Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range keys {
		out, err := repo.GetOutputStream(artifact.NewDescriptor(k))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := out.Write([]byte(k.String())); err != nil {
			t.Fatal(err)
		}
		if err := out.Close(); err != nil {
			t.Fatal(err)
		}
	}
	return repo
}

func TestBuildFederation(t *testing.T) {
	ctx := context.Background()
	logger := testLogger()
	a := newLeaf(t, artifact.NewKey("osgi.bundle", "a", "1.0.0"))
	b := newLeaf(t, artifact.NewKey("osgi.bundle", "b", "1.0.0"))

	cfg := config.DefaultConfig()
	cfg.Server.DataDir = t.TempDir()
	cfg.Repositories = []config.RepositoryConfig{
		{Name: "a", URL: a.Location().Path},
		{Name: "b", URL: b.Location().String()},
		{Name: "off", URL: "https://disabled.example/repo/", Disabled: true},
	}

	c := newComponents(cfg, nil, nil, logger)
	newRegistry(c, logger)
	fed, err := buildFederation(ctx, cfg, c.compOpts, logger)
	if err != nil {
		t.Fatalf("buildFederation: %v", err)
	}
	if got := len(fed.Children()); got != 2 {
		t.Fatalf("expected 2 children, got %d: %v", got, fed.Children())
	}
	if !fed.Contains(artifact.NewKey("osgi.bundle", "b", "1.0.0")) {
		t.Error("expected artifact of b to be federated")
	}

	cfg.Repositories[1].Disabled = true
	c = newComponents(cfg, nil, nil, logger)
	newRegistry(c, logger)
	fed, err = buildFederation(ctx, cfg, c.compOpts, logger)
	if err != nil {
		t.Fatalf("rebuilding federation: %v", err)
	}
	if got := len(fed.Children()); got != 1 {
		t.Fatalf("expected disabled repository to be removed, got %v", fed.Children())
	}
	if fed.Contains(artifact.NewKey("osgi.bundle", "b", "1.0.0")) {
		t.Error("artifact of a removed repository is still visible")
	}
}

func TestBuildFederationRejectsRelativePath(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.DataDir = t.TempDir()
	cfg.Repositories = []config.RepositoryConfig{{Name: "rel", URL: "relative/repo"}}

	c := newComponents(cfg, nil, nil, testLogger())
	newRegistry(c, testLogger())
	if _, err := buildFederation(context.Background(), cfg, c.compOpts, testLogger()); err == nil {
		t.Fatal("expected error for relative repository path")
	}
}

func TestSelectKeys(t *testing.T) {
	repo := newLeaf(t,
		artifact.NewKey("osgi.bundle", "core", "1.0.0"),
		artifact.NewKey("osgi.bundle", "core", "1.5.0"),
		artifact.NewKey("osgi.bundle", "core", "2.0.0"),
	)

	keys, err := selectKeys(repo, []string{"osgi.bundle/other/3.0.0"}, "", "", false)
	if err != nil || len(keys) != 1 || keys[0].ID != "other" {
		t.Fatalf("explicit keys: %v %v", keys, err)
	}

	keys, err = selectKeys(repo, nil, "osgi.bundle/core", ">= 1.0, < 2.0", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0].Version != "1.0.0" || keys[1].Version != "1.5.0" {
		t.Errorf("range selection: %v", keys)
	}

	keys, err = selectKeys(repo, nil, "osgi.bundle/core", "", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0].Version != "2.0.0" {
		t.Errorf("latest selection: %v", keys)
	}

	if _, err := selectKeys(repo, nil, "", "", true); err == nil {
		t.Error("expected --latest without --id to fail")
	}
	if _, err := selectKeys(repo, nil, "core", "", false); err == nil {
		t.Error("expected malformed --id to fail")
	}
	if _, err := selectKeys(repo, []string{"bad"}, "", "", false); err == nil {
		t.Error("expected malformed key to fail")
	}
}

func TestFetchMirrorsIntoTarget(t *testing.T) {
	ctx := context.Background()
	logger := testLogger()
	key := artifact.NewKey("osgi.bundle", "core", "1.0.0")
	leaf := newLeaf(t, key)

	cfg := config.DefaultConfig()
	cfg.Server.DataDir = t.TempDir()
	cfg.Transfer.Target = t.TempDir()
	cfg.Repositories = []config.RepositoryConfig{{Name: "leaf", URL: leaf.Location().String()}}

	c := newComponents(cfg, nil, nil, logger)
	newRegistry(c, logger)
	fed, err := buildFederation(ctx, cfg, c.compOpts, logger)
	if err != nil {
		t.Fatal(err)
	}
	target, err := openTarget(ctx, cfg, c.simpleOpts)
	if err != nil {
		t.Fatal(err)
	}

	missing := artifact.NewKey("osgi.bundle", "core", "9.0.0")
	_, reqs := c.coordinator.Mirror(ctx, fed, target, []artifact.Key{key, missing})
	quiet = true
	t.Cleanup(func() { quiet = false })
	if failed := reportResults(ctx, reqs, fed.Location().String(), target.Location().String()); failed != 1 {
		t.Errorf("expected 1 failure, got %d", failed)
	}
	if !target.Contains(key) {
		t.Error("expected artifact to be mirrored into the target")
	}

	raw := rawRequests(c.coordinator, fed, target, []artifact.Key{key})
	if len(raw) != 1 {
		t.Fatalf("expected one raw request, got %d", len(raw))
	}
	generic := []repository.Request{raw[0]}
	fed.GetArtifacts(ctx, generic)
	if st := raw[0].Result(); st == nil || st.Severity != status.Info {
		t.Errorf("expected already-present result for raw copy, got %v", st)
	}
}
