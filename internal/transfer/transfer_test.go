package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/BadgerOps/mirrorfed/internal/artifact"
	"github.com/BadgerOps/mirrorfed/internal/processing"
	"github.com/BadgerOps/mirrorfed/internal/repository"
	"github.com/BadgerOps/mirrorfed/internal/simple"
	"github.com/BadgerOps/mirrorfed/internal/status"
	"github.com/BadgerOps/mirrorfed/internal/transport"
	mock_transport "github.com/BadgerOps/mirrorfed/internal/transport/mocks"
)

var key = artifact.NewKey("osgi.bundle", "org.example.core", "1.2.0")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubSource serves fixed content and scripted results per descriptor. The
// last scripted result repeats.
type stubSource struct {
	loc         *url.URL
	props       map[string]string
	descriptors []*artifact.Descriptor
	content     []byte
	results     map[string][]*status.Status
	calls       map[string]int
	rawCalls    int
}

func newStubSource(t *testing.T, loc string, descriptors ...*artifact.Descriptor) *stubSource {
	t.Helper()
	u, err := url.Parse(loc)
	require.NoError(t, err)
	return &stubSource{
		loc:         u,
		props:       map[string]string{},
		descriptors: descriptors,
		content:     []byte("bundle bytes"),
		results:     map[string][]*status.Status{},
		calls:       map[string]int{},
	}
}

func (s *stubSource) script(d *artifact.Descriptor, results ...*status.Status) {
	s.results[d.String()] = results
}

func (s *stubSource) fetch(d *artifact.Descriptor, dest io.Writer) *status.Status {
	k := d.String()
	s.calls[k]++
	_, _ = dest.Write(s.content)
	script := s.results[k]
	if len(script) == 0 {
		return status.Success()
	}
	st := script[0]
	if len(script) > 1 {
		s.results[k] = script[1:]
	}
	return st
}

func (s *stubSource) Location() *url.URL            { return s.loc }
func (s *stubSource) Properties() map[string]string { return s.props }
func (s *stubSource) Contains(k artifact.Key) bool  { return len(s.Descriptors(k)) > 0 }

func (s *stubSource) ContainsDescriptor(d *artifact.Descriptor) bool {
	for _, c := range s.descriptors {
		if c.Equal(d) {
			return true
		}
	}
	return false
}

func (s *stubSource) Descriptors(k artifact.Key) []*artifact.Descriptor {
	var out []*artifact.Descriptor
	for _, d := range s.descriptors {
		if d.Key == k {
			out = append(out, d)
		}
	}
	return out
}

func (s *stubSource) GetArtifact(_ context.Context, d *artifact.Descriptor, dest io.Writer) *status.Status {
	return s.fetch(d, dest)
}

func (s *stubSource) GetRawArtifact(_ context.Context, d *artifact.Descriptor, dest io.Writer) *status.Status {
	s.rawCalls++
	return s.fetch(d, dest)
}

func (s *stubSource) GetArtifacts(ctx context.Context, reqs []repository.Request) *status.Status {
	return repository.PerformAll(ctx, s, reqs)
}

func (s *stubSource) QueryKeys(repository.KeyQuery) []artifact.Key        { return nil }
func (s *stubSource) DescriptorQueryable() repository.DescriptorQueryable { return nil }
func (s *stubSource) Modifiable() bool                                    { return false }

func (s *stubSource) GetOutputStream(*artifact.Descriptor) (repository.OutputStream, error) {
	return nil, repository.ErrNotModifiable
}

func (s *stubSource) AddDescriptor(*artifact.Descriptor) error    { return repository.ErrNotModifiable }
func (s *stubSource) RemoveDescriptor(*artifact.Descriptor) error { return repository.ErrNotModifiable }
func (s *stubSource) RemoveAll() error                            { return repository.ErrNotModifiable }

type recordingSink struct {
	mu     sync.Mutex
	events []MirrorEvent
}

func (r *recordingSink) Publish(_ context.Context, ev MirrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTarget(t *testing.T) *simple.Repository {
	t.Helper()
	repo, err := simple.Create(context.Background(), t.TempDir(), nil, simple.Options{Logger: testLogger()})
	require.NoError(t, err)
	return repo
}

func newCoordinator(sink EventSink) *Coordinator {
	return NewCoordinator(Options{Events: sink, Logger: testLogger()})
}

func zstdDescriptor() *artifact.Descriptor {
	d := artifact.NewDescriptor(key)
	d.Steps = []artifact.StepRef{{ID: processing.StepZstd, Required: true}}
	d.Properties[artifact.PropFormat] = "zstd"
	return d
}

func readStored(t *testing.T, target *simple.Repository, d *artifact.Descriptor) []byte {
	t.Helper()
	var buf writerBuffer
	st := target.GetRawArtifact(context.Background(), d, &buf)
	require.True(t, st.IsOK(), "reading stored artifact: %v", st)
	return buf.data
}

type writerBuffer struct{ data []byte }

func (w *writerBuffer) Write(p []byte) (int, error) {
	w.data = append(w.data, p...)
	return len(p), nil
}

func TestMirrorCopiesArtifact(t *testing.T) {
	canonical := artifact.NewDescriptor(key)
	src := newStubSource(t, "https://source.example/repo/", canonical)
	target := newTarget(t)
	sink := &recordingSink{}
	coord := newCoordinator(sink)

	req := coord.NewMirrorRequest(key, target)
	req.Perform(context.Background(), src)

	require.True(t, req.Result().IsOK(), "unexpected result: %v", req.Result())
	assert.True(t, target.Contains(key))
	assert.Equal(t, src.content, readStored(t, target, canonical))
	assert.Equal(t, 1, req.Attempts())
	require.Equal(t, 1, sink.count())
	ev := sink.events[0]
	assert.Equal(t, "https://source.example/repo/", ev.Source)
	assert.Equal(t, target.Location().String(), ev.Target)
	assert.True(t, ev.Status.IsOK())

	again := coord.NewMirrorRequest(key, target)
	again.Perform(context.Background(), src)
	assert.Equal(t, status.Info, again.Result().Severity)
	assert.Equal(t, status.CodeAlreadyPresent, again.Result().Code)
	assert.Equal(t, 1, src.calls[canonical.String()])
}

func TestMirrorMissingArtifact(t *testing.T) {
	src := newStubSource(t, "https://source.example/repo/")
	req := newCoordinator(nil).NewMirrorRequest(key, newTarget(t))
	req.Perform(context.Background(), src)
	assert.True(t, status.IsNotFound(req.Result()))
	assert.Same(t, src, req.Source())
}

func TestMirrorRetriesUntilSuccess(t *testing.T) {
	canonical := artifact.NewDescriptor(key)
	src := newStubSource(t, "https://source.example/repo/", canonical)
	src.script(canonical,
		status.Retry("mirror unavailable", status.Errorf(errors.New("connection reset"), "download failed")),
		status.Retry("mirror unavailable", status.Errorf(errors.New("connection reset"), "download failed")),
		status.Success(),
	)
	target := newTarget(t)

	req := newCoordinator(nil).NewMirrorRequest(key, target)
	req.Perform(context.Background(), src)

	require.True(t, req.Result().IsOK(), "unexpected result: %v", req.Result())
	assert.Equal(t, 3, req.Attempts())
	assert.Equal(t, src.content, readStored(t, target, canonical))
}

func TestMirrorRetryIsBounded(t *testing.T) {
	canonical := artifact.NewDescriptor(key)
	src := newStubSource(t, "https://source.example/repo/", canonical)
	src.script(canonical, status.Retry("mirror unavailable", status.Errorf(errors.New("timeout"), "download failed")))
	target := newTarget(t)
	sink := &recordingSink{}

	req := newCoordinator(sink).NewMirrorRequest(key, target)
	req.Perform(context.Background(), src)

	assert.Equal(t, MaxAttempts, req.Attempts())
	assert.Equal(t, MaxAttempts, src.calls[canonical.String()])
	assert.Equal(t, MaxAttempts, sink.count())
	assert.Equal(t, status.Error, req.Result().Severity)
	assert.False(t, req.Result().IsRetry())
	assert.False(t, target.Contains(key), "failed transfers must not be published")
}

func TestMirrorDoesNotRetryFault(t *testing.T) {
	canonical := artifact.NewDescriptor(key)
	src := newStubSource(t, "https://source.example/repo/", canonical)
	src.script(canonical, status.Retry("mirror unavailable", status.Errorf(status.NewFault(errors.New("out of memory")), "download failed")))

	req := newCoordinator(nil).NewMirrorRequest(key, newTarget(t))
	req.Perform(context.Background(), src)

	assert.Equal(t, 1, req.Attempts())
	assert.True(t, status.CarriesFault(req.Result()))
}

func TestMirrorDoesNotRetryPlainFailure(t *testing.T) {
	canonical := artifact.NewDescriptor(key)
	src := newStubSource(t, "https://source.example/repo/", canonical)
	failure := status.Errorf(errors.New("disk full"), "download failed")
	src.script(canonical, failure)

	req := newCoordinator(nil).NewMirrorRequest(key, newTarget(t))
	req.Perform(context.Background(), src)

	assert.Equal(t, 1, req.Attempts())
	assert.Same(t, failure, req.Result())
}

func TestMirrorFallsBackToCanonical(t *testing.T) {
	optimized := zstdDescriptor()
	canonical := artifact.NewDescriptor(key)
	src := newStubSource(t, "https://source.example/repo/", optimized, canonical)
	src.script(optimized, status.Errorf(errors.New("truncated"), "optimized download failed"))
	target := newTarget(t)

	req := newCoordinator(nil).NewMirrorRequest(key, target)
	req.Perform(context.Background(), src)

	require.True(t, req.Result().IsOK(), "unexpected result: %v", req.Result())
	assert.Equal(t, 1, src.calls[optimized.String()])
	assert.Equal(t, 1, src.calls[canonical.String()])
	assert.Equal(t, 1, src.rawCalls, "optimized form is copied raw")
	assert.False(t, target.ContainsDescriptor(optimized))
	assert.True(t, target.ContainsDescriptor(canonical))
}

// eagerTarget registers a descriptor as soon as its output stream opens,
// the way repositories with a separate index commit their entries.
type eagerTarget struct {
	*simple.Repository
	removed []*artifact.Descriptor
}

func (e *eagerTarget) GetOutputStream(d *artifact.Descriptor) (repository.OutputStream, error) {
	if err := e.AddDescriptor(d); err != nil {
		return nil, err
	}
	return e.Repository.GetOutputStream(d)
}

func (e *eagerTarget) RemoveDescriptor(d *artifact.Descriptor) error {
	e.removed = append(e.removed, d)
	return e.Repository.RemoveDescriptor(d)
}

func TestMirrorFallbackRemovesFailedOptimizedDescriptor(t *testing.T) {
	optimized := zstdDescriptor()
	canonical := artifact.NewDescriptor(key)
	src := newStubSource(t, "https://source.example/repo/", optimized, canonical)
	src.script(optimized, status.Errorf(errors.New("truncated"), "optimized download failed"))
	target := &eagerTarget{Repository: newTarget(t)}

	req := newCoordinator(nil).NewMirrorRequest(key, target)
	req.Perform(context.Background(), src)

	require.True(t, req.Result().IsOK(), "unexpected result: %v", req.Result())
	require.Len(t, target.removed, 1)
	assert.True(t, target.removed[0].Equal(optimized))
	assert.False(t, target.ContainsDescriptor(optimized), "failed optimized descriptor must not stay registered")
	assert.True(t, target.ContainsDescriptor(canonical))
	assert.Len(t, target.Descriptors(key), 1)
}

func TestMirrorReportsBothFailures(t *testing.T) {
	optimized := zstdDescriptor()
	canonical := artifact.NewDescriptor(key)
	src := newStubSource(t, "https://source.example/repo/", optimized, canonical)
	src.script(optimized, status.Errorf(errors.New("truncated"), "optimized download failed"))
	src.script(canonical, status.Errorf(errors.New("reset"), "canonical download failed"))

	req := newCoordinator(nil).NewMirrorRequest(key, newTarget(t))
	req.Perform(context.Background(), src)

	res := req.Result()
	assert.Equal(t, status.Error, res.Severity)
	require.Len(t, res.Children, 2)
	assert.Equal(t, "optimized download failed", res.Children[0].Message)
	assert.Equal(t, "canonical download failed", res.Children[1].Message)
}

func TestMirrorPrefersCanonicalFromLocalSource(t *testing.T) {
	optimized := zstdDescriptor()
	canonical := artifact.NewDescriptor(key)
	src := newStubSource(t, "file:///srv/repo/", optimized, canonical)
	target := newTarget(t)

	req := newCoordinator(nil).NewMirrorRequest(key, target)
	req.Perform(context.Background(), src)

	require.True(t, req.Result().IsOK())
	assert.Equal(t, 0, src.calls[optimized.String()])
	assert.True(t, target.ContainsDescriptor(canonical))
}

func TestMirrorPrefersOptimizedFromRemoteSource(t *testing.T) {
	unknown := artifact.NewDescriptor(key)
	unknown.Steps = []artifact.StepRef{{ID: "pack200", Required: true}}
	optimized := zstdDescriptor()
	canonical := artifact.NewDescriptor(key)
	src := newStubSource(t, "https://source.example/repo/", unknown, canonical, optimized)
	target := newTarget(t)

	req := newCoordinator(nil).NewMirrorRequest(key, target)
	req.Perform(context.Background(), src)

	require.True(t, req.Result().IsOK())
	assert.Equal(t, 0, src.calls[unknown.String()], "descriptors we cannot process are skipped")
	assert.Equal(t, 1, src.calls[optimized.String()])
	assert.True(t, target.ContainsDescriptor(optimized))
}

func TestMirrorCancelled(t *testing.T) {
	canonical := artifact.NewDescriptor(key)
	src := newStubSource(t, "https://source.example/repo/", canonical)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := newCoordinator(nil).NewMirrorRequest(key, newTarget(t))
	req.Perform(ctx, src)

	assert.Equal(t, status.Cancel, req.Result().Severity)
	assert.Equal(t, 0, req.Attempts())
}

func TestMirrorReportsDownloadStatistics(t *testing.T) {
	ctrl := gomock.NewController(t)
	tr := mock_transport.NewMockTransport(ctrl)
	tr.EXPECT().LastModified(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, loc *url.URL) (time.Time, error) {
			assert.Equal(t, "https://stats.example/dl/org.example.core/1.2.0", loc.String())
			return time.Time{}, &transport.NotFoundError{Location: loc.String()}
		})

	canonical := artifact.NewDescriptor(key)
	src := newStubSource(t, "https://source.example/repo/", canonical)
	src.props[repository.PropStatsURL] = "https://stats.example/dl/"

	req := NewCoordinator(Options{Transport: tr, Logger: testLogger()}).NewMirrorRequest(key, newTarget(t))
	req.Perform(context.Background(), src)
	assert.True(t, req.Result().IsOK(), "statistics failures do not fail the transfer")
}

func TestCoordinatorMirror(t *testing.T) {
	other := artifact.NewKey("osgi.bundle", "org.example.ui", "2.0.0")
	src := newStubSource(t, "https://source.example/repo/", artifact.NewDescriptor(key), artifact.NewDescriptor(other))
	target := newTarget(t)

	st, reqs := newCoordinator(nil).Mirror(context.Background(), src, target, []artifact.Key{key, other})
	assert.True(t, st.IsOK(), "unexpected status: %v", st)
	require.Len(t, reqs, 2)
	assert.True(t, target.Contains(key))
	assert.True(t, target.Contains(other))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestRawMirrorVerifiesChecksum(t *testing.T) {
	d := zstdDescriptor()
	src := newStubSource(t, "https://source.example/repo/", d)
	d.Properties[artifact.PropChecksumPrefix+processing.AlgSHA256] = sha256Hex(src.content)
	target := newTarget(t)

	req := newCoordinator(nil).NewRawMirrorRequest(d, d.ForRepository(target.Location().String()), target)
	req.Perform(context.Background(), src)

	require.True(t, req.Result().IsOK(), "unexpected result: %v", req.Result())
	assert.Equal(t, 1, src.rawCalls)
	assert.Equal(t, src.content, readStored(t, target, d))
}

func TestRawMirrorRejectsChecksumMismatch(t *testing.T) {
	d := zstdDescriptor()
	d.Properties[artifact.PropChecksumPrefix+processing.AlgSHA256] = sha256Hex([]byte("something else"))
	src := newStubSource(t, "https://source.example/repo/", d, artifact.NewDescriptor(key))
	target := newTarget(t)

	req := newCoordinator(nil).NewRawMirrorRequest(d, d.ForRepository(target.Location().String()), target)
	req.Perform(context.Background(), src)

	res := req.Result()
	assert.Equal(t, status.CodeChecksum, res.Code)
	assert.False(t, target.Contains(key))
	assert.Equal(t, 0, src.calls[artifact.NewDescriptor(key).String()], "raw requests never fall back")

	err := filepath.WalkDir(target.Location().Path, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		assert.NotContains(t, e.Name(), ".incoming-", "partial download left at %s", path)
		return nil
	})
	require.NoError(t, err)
}

func TestRawMirrorWithoutChecksum(t *testing.T) {
	d := zstdDescriptor()
	src := newStubSource(t, "https://source.example/repo/", d)
	target := newTarget(t)

	req := newCoordinator(nil).NewRawMirrorRequest(d, d.ForRepository(target.Location().String()), target)
	req.Perform(context.Background(), src)

	assert.True(t, req.Result().IsOK(), "a missing checksum is only a warning")
	assert.True(t, target.ContainsDescriptor(d))
}
