package mirror

import (
	"context"
	"io"
	"net/url"
	"sort"
	"sync"
	"time"
)

const (
	defaultProbeTimeout = 10 * time.Second
	probeMaxWorkers     = 8
)

// ProbeResult is the outcome of probing one mirror.
type ProbeResult struct {
	Location       string        `json:"location"`
	BytesPerSecond int64         `json:"bytes_per_second"`
	Elapsed        time.Duration `json:"elapsed"`
	Error          string        `json:"error,omitempty"`
}

// Probe downloads sample (a path relative to the repository base) from every
// mirror concurrently and feeds each outcome into the selector's statistics.
// Results are sorted by throughput, failures last.
func (s *Selector) Probe(ctx context.Context, sample string) []ProbeResult {
	mirrors := s.load(ctx)
	results := make([]ProbeResult, len(mirrors))
	sem := make(chan struct{}, probeMaxWorkers)
	var wg sync.WaitGroup

	for i, m := range mirrors {
		wg.Add(1)
		go func(idx int, m *Info) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res := ProbeResult{Location: m.Location()}
			target, err := url.Parse(m.Location() + sample)
			if err != nil {
				res.Error = err.Error()
				results[idx] = res
				return
			}

			probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
			defer cancel()

			start := time.Now()
			st := s.transport.Download(probeCtx, target, io.Discard)
			res.Elapsed = time.Since(start)
			if st.IsOK() {
				res.BytesPerSecond = st.BytesPerSecond
			} else {
				res.Error = st.Message
			}
			s.ReportResult(target.String(), st)
			results[idx] = res
		}(i, m)
	}
	wg.Wait()

	sort.SliceStable(results, func(i, j int) bool {
		if (results[i].Error == "") != (results[j].Error == "") {
			return results[i].Error == ""
		}
		return results[i].BytesPerSecond > results[j].BytesPerSecond
	})
	return results
}
