// Package mirror chooses among the mirrors of a repository. It keeps live
// throughput and failure statistics for every mirror, ranks them against an
// ideal mirror and draws a biased random choice from the best ones, falling
// back to the repository's own location whenever it is unsure.
package mirror

import (
	"cmp"
	"context"
	"log/slog"
	"math"
	"math/bits"
	"math/rand/v2"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BadgerOps/mirrorfed/internal/repository"
	"github.com/BadgerOps/mirrorfed/internal/safety"
	"github.com/BadgerOps/mirrorfed/internal/status"
	"github.com/BadgerOps/mirrorfed/internal/transport"
)

const (
	// rateUnit treats every 25 KB/s of throughput as one unit of distance.
	rateUnit        = 25000.0
	failureWeight   = 1.75
	idealRateFactor = 1.1

	maxCandidates = 15
	maxRedraws    = 64

	maxMirrorListBytes int64 = 1 << 20
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// History supplies previously measured mirror rates.
type History interface {
	MirrorRates(ctx context.Context, repository string) (map[string]int64, error)
}

// Source is the part of a repository a selector needs.
type Source interface {
	Location() *url.URL
	Properties() map[string]string
}

// Option configures a Selector.
type Option func(*Selector)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(s *Selector) { s.clock = c } }

// WithRand replaces the random source used for selection.
func WithRand(r *rand.Rand) Option { return func(s *Selector) { s.rng = r } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Selector) { s.logger = l } }

// WithHistory seeds mirror rates from persisted statistics.
func WithHistory(h History) Option { return func(s *Selector) { s.history = h } }

// WithProbeTimeout bounds each download made by Probe.
func WithProbeTimeout(d time.Duration) Option { return func(s *Selector) { s.probeTimeout = d } }

// WithLocale sets the country code and time zone hints sent with the mirror
// list request.
func WithLocale(countryCode, timeZone string) Option {
	return func(s *Selector) {
		s.countryCode = countryCode
		s.timeZone = timeZone
	}
}

// ranking is an immutable ranked view of the mirrors.
type ranking struct {
	mirrors []*Info
	stats   []Stat
}

// Selector maintains the mirrors of one repository.
type Selector struct {
	repoLocation *url.URL
	base         *url.URL
	mirrorsURL   string

	transport transport.Transport
	clock     Clock
	logger    *slog.Logger
	history   History

	countryCode  string
	timeZone     string
	probeTimeout time.Duration

	// mu guards lazy initialization of mirrors and the random source.
	mu          sync.Mutex
	initialized bool
	mirrors     []*Info
	rng         *rand.Rand

	ranked atomic.Pointer[ranking]
}

// NewSelector creates a selector for src. The mirror list is fetched through
// t on first use.
func NewSelector(src Source, t transport.Transport, opts ...Option) *Selector {
	props := src.Properties()
	s := &Selector{
		repoLocation: repository.Normalize(src.Location()),
		mirrorsURL:   props[repository.PropMirrorsURL],
		transport:    t,
		clock:        realClock{},
		logger:       slog.Default(),
		probeTimeout: defaultProbeTimeout,
	}
	s.base = s.repoLocation
	if raw := props[repository.PropMirrorsBaseURL]; raw != "" {
		if u, err := url.Parse(raw); err == nil && u.IsAbs() {
			s.base = repository.Normalize(u)
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if s.countryCode == "" && s.timeZone == "" {
		s.countryCode, s.timeZone = defaultLocale(s.clock.Now())
	}
	return s
}

// defaultLocale derives the locale hints from LANG and the local zone offset.
func defaultLocale(now time.Time) (string, string) {
	country := ""
	lang := os.Getenv("LANG")
	if _, rest, ok := strings.Cut(lang, "_"); ok {
		country, _, _ = strings.Cut(rest, ".")
	}
	_, offset := now.Zone()
	return country, strconv.Itoa(offset / 3600)
}

// Enabled reports whether the repository advertises a mirror list.
func (s *Selector) Enabled() bool { return s.mirrorsURL != "" }

// MirrorLocation maps location onto a selected mirror. It returns location
// unchanged when there is no usable mirror or the location is not below the
// repository base.
func (s *Selector) MirrorLocation(ctx context.Context, location *url.URL) *url.URL {
	if !s.Enabled() {
		return location
	}
	rel, ok := repository.Relativize(s.base, location)
	if !ok {
		return location
	}
	mirrors := s.load(ctx)
	if len(mirrors) == 0 {
		return location
	}
	r := s.rank(mirrors)
	chosen := s.selectMirror(r.stats)
	if chosen < 0 {
		return location
	}
	target, err := url.Parse(r.stats[chosen].Location + rel)
	if err != nil {
		s.logger.Warn("cannot build mirror location", "mirror", r.stats[chosen].Location, "path", rel, "error", err)
		return location
	}
	s.logger.Debug("selected mirror", "mirror", r.stats[chosen].Location, "rank", r.stats[chosen].Rank, "artifact", rel)
	return target
}

// ReportResult records the outcome of a transfer from location. Cancelled
// transfers and locations matching no mirror are ignored.
func (s *Selector) ReportResult(location string, st *status.Status) {
	if st == nil || st.Severity == status.Cancel {
		return
	}
	s.mu.Lock()
	mirrors := s.mirrors
	s.mu.Unlock()

	now := s.clock.Now()
	for _, m := range mirrors {
		if !strings.HasPrefix(location, m.Location()) {
			continue
		}
		switch {
		case st.IsOK():
			m.ObserveRate(st.BytesPerSecond)
		case status.IsNotFound(st):
			m.ReportNotFound(now)
		default:
			m.IncrementFailureCount(now)
			s.logger.Debug("mirror failure recorded", "mirror", m.Location(), "status", st.Message)
		}
		return
	}
}

// HasValidMirror reports whether a mirror exists and the top-ranked one has
// failed fewer than two times recently.
func (s *Selector) HasValidMirror(ctx context.Context) bool {
	if !s.Enabled() {
		return false
	}
	mirrors := s.load(ctx)
	if len(mirrors) == 0 {
		return false
	}
	return s.rank(mirrors).stats[0].FailureCount < 2
}

// Ranked returns the mirrors best first, as of now.
func (s *Selector) Ranked(ctx context.Context) []Stat {
	mirrors := s.load(ctx)
	if len(mirrors) == 0 {
		return nil
	}
	return slices.Clone(s.rank(mirrors).stats)
}

// Snapshot returns the last computed ranking without refreshing it.
func (s *Selector) Snapshot() []Stat {
	if r := s.ranked.Load(); r != nil {
		return slices.Clone(r.stats)
	}
	return nil
}

// RepositoryLocation returns the location of the repository being mirrored.
func (s *Selector) RepositoryLocation() *url.URL { return s.repoLocation }

// load fetches the mirror list once. A failed fetch leaves the selector
// without mirrors for its lifetime, unless it failed because ctx was done;
// the next caller then fetches again.
func (s *Selector) load(ctx context.Context) []*Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return s.mirrors
	}

	locations, err := s.fetchList(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.logger.Debug("mirror list fetch interrupted", "repository", s.repoLocation.Redacted(), "error", err)
			return nil
		}
		s.initialized = true
		s.logger.Warn("mirror list unavailable, using repository location only", "repository", s.repoLocation.Redacted(), "error", err)
		return nil
	}
	s.initialized = true
	mirrors := make([]*Info, 0, len(locations)+1)
	for i, l := range locations {
		mirrors = append(mirrors, NewInfo(l, i))
	}
	mirrors = append(mirrors, NewInfo(s.base.String(), len(locations)))

	if s.history != nil {
		rates, err := s.history.MirrorRates(ctx, s.repoLocation.String())
		if err != nil {
			s.logger.Debug("no mirror history", "repository", s.repoLocation.Redacted(), "error", err)
		}
		for _, m := range mirrors {
			if bps, ok := rates[m.Location()]; ok {
				m.SetBytesPerSecond(bps)
			}
		}
	}
	s.mirrors = mirrors
	s.logger.Info("loaded mirror list", "repository", s.repoLocation.Redacted(), "mirrors", len(locations))
	return mirrors
}

func (s *Selector) fetchList(ctx context.Context) ([]string, error) {
	u, err := url.Parse(s.mirrorsURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	if s.countryCode != "" {
		q.Set("countryCode", s.countryCode)
	}
	if s.timeZone != "" {
		q.Set("timeZone", s.timeZone)
	}
	q.Set("format", "xml")
	u.RawQuery = q.Encode()

	body, err := s.transport.Stream(ctx, u)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := safety.ReadAllWithLimit(body, maxMirrorListBytes)
	if err != nil {
		return nil, err
	}
	locations, rejected, err := parseMirrorList(data)
	for _, r := range rejected {
		s.logger.Debug("skipping mirror with invalid url", "repository", s.repoLocation.Redacted(), "url", r)
	}
	return locations, err
}

// rank scores every mirror by cosine similarity to an ideal mirror that is
// 10% faster than the fastest observed, has no failures and rank zero, then
// publishes the sorted result.
func (s *Selector) rank(mirrors []*Info) *ranking {
	now := s.clock.Now()
	stats := make([]Stat, len(mirrors))
	var best int64
	for i, m := range mirrors {
		stats[i] = m.Stat(now)
		best = max(best, stats[i].BytesPerSecond)
	}
	// Unmeasured mirrors are scored at the best known rate so that they
	// still compete on failures and rank.
	assumed := float64(best)
	if best <= 0 {
		assumed = rateUnit
	}
	query := [3]float64{assumed * idealRateFactor / rateUnit, 0, 0}
	for i := range stats {
		bps := float64(stats[i].BytesPerSecond)
		if stats[i].BytesPerSecond <= 0 {
			bps = assumed
		}
		v := [3]float64{bps / rateUnit, float64(stats[i].FailureCount) * failureWeight, float64(stats[i].Rank)}
		stats[i].Score = cosine(query, v)
	}

	idx := make([]int, len(stats))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return cmp.Compare(stats[b].Score, stats[a].Score)
	})
	r := &ranking{mirrors: make([]*Info, len(idx)), stats: make([]Stat, len(idx))}
	for pos, i := range idx {
		r.mirrors[pos] = mirrors[i]
		r.stats[pos] = stats[i]
	}
	s.ranked.Store(r)
	return r
}

func cosine(a, b [3]float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// selectMirror returns an index into ranked, or -1 when no mirror should be
// used. Position p among the best candidates is drawn with probability about
// 2^-(p+1); draws outside the top half of all mirrors are redrawn.
func (s *Selector) selectMirror(ranked []Stat) int {
	if len(ranked) == 0 {
		return -1
	}
	pos := 0
	if len(ranked) > 1 {
		pos = s.draw(len(ranked))
	}
	if ranked[pos].FailureCount > 1 {
		return -1
	}
	return pos
}

func (s *Selector) draw(total int) int {
	n := min(maxCandidates, total)
	limit := float64(total) / 2
	s.mu.Lock()
	defer s.mu.Unlock()
	for range maxRedraws {
		x := 1 + s.rng.Uint64N(uint64(1)<<n-1)
		pos := n - bits.Len64(x)
		if float64(pos) < limit {
			return pos
		}
	}
	return 0
}
