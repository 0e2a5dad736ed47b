package transfer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BadgerOps/mirrorfed/internal/artifact"
	"github.com/BadgerOps/mirrorfed/internal/repository"
	"github.com/BadgerOps/mirrorfed/internal/status"
)

// Pool mirrors batches of artifacts using a fixed number of worker goroutines.
type Pool struct {
	coord   *Coordinator
	workers int
	logger  *slog.Logger
}

// NewPool creates a pool with the specified number of workers.
func NewPool(coord *Coordinator, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{coord: coord, workers: workers, logger: logger}
}

type job struct {
	req   *MirrorRequest
	index int
}

// Execute mirrors every key from source into target, handing each key to
// source separately. The returned requests keep the order of keys. Once ctx
// is done the remaining requests are marked cancelled without being sent.
func (p *Pool) Execute(ctx context.Context, source, target repository.Repository, keys []artifact.Key) (*status.Status, []*MirrorRequest) {
	reqs := make([]*MirrorRequest, len(keys))
	for i, k := range keys {
		reqs[i] = p.coord.NewMirrorRequest(k, target)
	}
	if len(reqs) == 0 {
		return status.Success(), reqs
	}

	jobs := make(chan job, len(reqs))
	for i, r := range reqs {
		jobs <- job{req: r, index: i}
	}
	close(jobs)

	var wg sync.WaitGroup
	for range min(p.workers, len(reqs)) {
		wg.Add(1)
		go p.worker(ctx, source, jobs, &wg)
	}
	wg.Wait()

	multi := status.NewMulti(status.CodeNone, "mirroring artifacts")
	for _, r := range reqs {
		multi.Add(r.Result())
	}
	return multi, reqs
}

func (p *Pool) worker(ctx context.Context, source repository.Repository, jobs <-chan job, wg *sync.WaitGroup) {
	defer wg.Done()

	for j := range jobs {
		if err := ctx.Err(); err != nil {
			j.req.SetResult(status.FromContext(err))
			continue
		}
		source.GetArtifacts(ctx, []repository.Request{j.req})
		if j.req.Result() == nil {
			j.req.SetResult(status.NotFound(nil, "%s is not available from %s", j.req.Key(), source.Location().Redacted()))
		}
		p.logger.Debug("mirror job finished", "artifact", j.req.Key().String(), "index", j.index, "outcome", j.req.Result().Outcome().String())
	}
}
