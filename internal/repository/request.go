package repository

import (
	"context"
	"fmt"

	"github.com/BadgerOps/mirrorfed/internal/artifact"
	"github.com/BadgerOps/mirrorfed/internal/status"
)

// Request transfers one artifact out of a source repository. GetArtifacts
// performs requests; the source is set right before Perform runs.
type Request interface {
	Key() artifact.Key
	// Perform transfers the artifact from source. It must always leave a
	// non-nil result.
	Perform(ctx context.Context, source Repository)
	Result() *status.Status
	SetSource(source Repository)
	Source() Repository
}

// RequestBase carries the state common to every request. Embed it and
// implement Perform.
type RequestBase struct {
	key    artifact.Key
	source Repository
	result *status.Status
}

// NewRequestBase returns a base whose result reports that no repository
// holds key until a Perform overwrites it.
func NewRequestBase(key artifact.Key) RequestBase {
	return RequestBase{
		key:    key,
		result: status.NotFound(nil, "no repository found containing %s", key),
	}
}

func (r *RequestBase) Key() artifact.Key           { return r.key }
func (r *RequestBase) Result() *status.Status      { return r.result }
func (r *RequestBase) Source() Repository          { return r.source }
func (r *RequestBase) SetSource(source Repository) { r.source = source }

// SetResult records the outcome of Perform. A nil status is replaced by a
// generic error so Result never returns nil.
func (r *RequestBase) SetResult(st *status.Status) {
	if st == nil {
		st = status.Errorf(fmt.Errorf("request for %s produced no result", r.key), "transfer of %s did not complete", r.key)
	}
	r.result = st
}

// PerformAll runs reqs against repo in order, stopping early when ctx is
// done or a request is cancelled. The returned multi status holds every
// result that is not OK.
func PerformAll(ctx context.Context, repo Repository, reqs []Request) *status.Status {
	overall := status.NewMulti(status.CodeNone, "transfer requests")
	for _, r := range reqs {
		if st := status.FromContext(ctx.Err()); st != nil {
			overall.Add(st)
			return overall
		}
		r.SetSource(repo)
		r.Perform(ctx, repo)
		res := r.Result()
		if !res.IsOK() {
			overall.Add(res)
		}
		if res.Severity == status.Cancel {
			return overall
		}
	}
	return overall
}
