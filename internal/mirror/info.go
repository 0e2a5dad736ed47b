package mirror

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Unknown is the bytes-per-second value of a mirror that has no measured rate.
const Unknown int64 = -1

const (
	// notFoundTolerance is how many missing-artifact reports a mirror absorbs
	// before one counts as a real failure.
	notFoundTolerance = 5

	shortLinger = 30 * time.Second
	longLinger  = 5 * time.Minute
)

// Info holds the live statistics of one mirror. All counters are guarded by
// the mirror's own mutex; a failure penalty is withdrawn lazily once its
// linger deadline has passed.
type Info struct {
	location string
	rank     int

	mu                sync.Mutex
	bytesPerSecond    int64
	failureCount      int
	totalFailureCount int
	fileNotFoundCount int
	// pending holds the deadlines at which outstanding failure increments
	// expire, ascending.
	pending []time.Time
}

// Stat is an immutable view of a mirror taken at a single instant.
type Stat struct {
	Location          string  `json:"location"`
	Rank              int     `json:"rank"`
	BytesPerSecond    int64   `json:"bytes_per_second"`
	FailureCount      int     `json:"failure_count"`
	TotalFailureCount int     `json:"total_failure_count"`
	FileNotFoundCount int     `json:"file_not_found_count"`
	Score             float64 `json:"score"`
}

// NewInfo creates a mirror entry. The location is always recorded with a
// trailing slash.
func NewInfo(location string, rank int) *Info {
	if !strings.HasSuffix(location, "/") {
		location += "/"
	}
	return &Info{location: location, rank: rank, bytesPerSecond: Unknown}
}

// Location returns the mirror base location.
func (m *Info) Location() string { return m.location }

// Rank returns the position of the mirror in the advertised list.
func (m *Info) Rank() int { return m.rank }

// SetBytesPerSecond records a rate. Non-positive values mean Unknown.
func (m *Info) SetBytesPerSecond(bps int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setRateLocked(bps)
}

func (m *Info) setRateLocked(bps int64) {
	if bps <= 0 {
		bps = Unknown
	}
	m.bytesPerSecond = bps
}

// ObserveRate folds a newly measured rate into the running estimate by
// averaging it with the previous one.
func (m *Info) ObserveRate(bps int64) {
	if bps <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bytesPerSecond > 0 {
		bps = (m.bytesPerSecond + bps) / 2
	}
	m.setRateLocked(bps)
}

// IncrementFailureCount adds a failure penalty that expires after the linger
// period: 30 seconds while the mirror has failed at most twice in total,
// five minutes from the third failure on.
func (m *Info) IncrementFailureCount(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incrementLocked(now)
}

func (m *Info) incrementLocked(now time.Time) {
	m.decayLocked(now)
	m.failureCount++
	m.totalFailureCount++

	linger := shortLinger
	if m.totalFailureCount > 2 {
		linger = longLinger
	}
	deadline := now.Add(linger)
	i, _ := slices.BinarySearchFunc(m.pending, deadline, func(a, b time.Time) int { return a.Compare(b) })
	m.pending = slices.Insert(m.pending, i, deadline)
}

// ReportNotFound counts a missing artifact. Only every sixth consecutive
// report turns into a failure increment.
func (m *Info) ReportNotFound(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fileNotFoundCount++
	if m.fileNotFoundCount > notFoundTolerance {
		m.fileNotFoundCount = 0
		m.incrementLocked(now)
	}
}

// decayLocked withdraws every penalty whose deadline is not after now.
func (m *Info) decayLocked(now time.Time) {
	expired := 0
	for expired < len(m.pending) && !m.pending[expired].After(now) {
		expired++
	}
	if expired == 0 {
		return
	}
	m.pending = m.pending[expired:]
	m.failureCount = max(m.failureCount-expired, 0)
}

// Stat returns the mirror's statistics as of now.
func (m *Info) Stat(now time.Time) Stat {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decayLocked(now)
	return Stat{
		Location:          m.location,
		Rank:              m.rank,
		BytesPerSecond:    m.bytesPerSecond,
		FailureCount:      m.failureCount,
		TotalFailureCount: m.totalFailureCount,
		FileNotFoundCount: m.fileNotFoundCount,
	}
}
