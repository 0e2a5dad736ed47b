package composite

import (
	"context"
	"fmt"
	"io"

	"github.com/BadgerOps/mirrorfed/internal/artifact"
	"github.com/BadgerOps/mirrorfed/internal/repository"
	"github.com/BadgerOps/mirrorfed/internal/status"
)

// Contains reports whether any loaded child holds key.
func (r *Repository) Contains(key artifact.Key) bool {
	for _, c := range r.snapshot() {
		if c.repo.Contains(key) {
			return true
		}
	}
	return false
}

// ContainsDescriptor reports whether any loaded child holds d.
func (r *Repository) ContainsDescriptor(d *artifact.Descriptor) bool {
	for _, c := range r.snapshot() {
		if c.repo.ContainsDescriptor(d) {
			return true
		}
	}
	return false
}

// Descriptors returns the distinct descriptors of key across children, in
// the order they are first seen.
func (r *Repository) Descriptors(key artifact.Key) []*artifact.Descriptor {
	var out []*artifact.Descriptor
	for _, c := range r.snapshot() {
		for _, d := range c.repo.Descriptors(key) {
			if !containsEqual(out, d) {
				out = append(out, d)
			}
		}
	}
	return out
}

func containsEqual(ds []*artifact.Descriptor, d *artifact.Descriptor) bool {
	for _, o := range ds {
		if o.Equal(d) {
			return true
		}
	}
	return false
}

// GetArtifact transfers d from the first good child holding it, applying
// processing steps.
func (r *Repository) GetArtifact(ctx context.Context, d *artifact.Descriptor, dest io.Writer) *status.Status {
	return r.fetch(ctx, d, func(repo repository.Repository) *status.Status {
		return repo.GetArtifact(ctx, d, dest)
	})
}

// GetRawArtifact transfers the stored bytes of d from the first good child
// holding it.
func (r *Repository) GetRawArtifact(ctx context.Context, d *artifact.Descriptor, dest io.Writer) *status.Status {
	return r.fetch(ctx, d, func(repo repository.Repository) *status.Status {
		return repo.GetRawArtifact(ctx, d, dest)
	})
}

// fetch walks the children in order. A failing child is marked bad; while
// another good child still holds d the failure is returned as a retry so the
// caller tries again. Any success, or the last failure, marks every child
// good again.
func (r *Repository) fetch(ctx context.Context, d *artifact.Descriptor, get func(repository.Repository) *status.Status) *status.Status {
	for _, c := range r.snapshot() {
		if st := status.FromContext(ctx.Err()); st != nil {
			return st
		}
		if !r.isGood(c) || !c.repo.ContainsDescriptor(d) {
			continue
		}
		st := get(c.repo)
		if st.IsOK() {
			r.forgiveAll()
			return st
		}
		if st.Severity == status.Cancel {
			return st
		}
		if r.markBad(c, d) {
			r.logger.Info("child failed, trying another", "child", c.location.Redacted(), "artifact", d.String(), "error", st.Message)
			return status.Retry(fmt.Sprintf("child %s failed to supply %s", c.location.Redacted(), d), st)
		}
		r.forgiveAll()
		return st
	}
	return status.NotFound(nil, "artifact %s is not available from composite %s", d, r.location.Redacted())
}

// GetArtifacts hands every child the still unsatisfied requests it can
// serve, in declared order.
func (r *Repository) GetArtifacts(ctx context.Context, reqs []repository.Request) *status.Status {
	remaining := reqs
	overall := status.NewMulti(status.CodeNone, fmt.Sprintf("artifact requests against composite %s", r.location.Redacted()))
	for _, c := range r.snapshot() {
		if len(remaining) == 0 {
			break
		}
		if st := status.FromContext(ctx.Err()); st != nil {
			overall.Add(st)
			return overall
		}
		var applicable []repository.Request
		for _, req := range remaining {
			if c.repo.Contains(req.Key()) {
				applicable = append(applicable, req)
			}
		}
		if len(applicable) == 0 {
			continue
		}
		st := c.repo.GetArtifacts(ctx, applicable)
		if st.Severity == status.Cancel {
			overall.Add(st)
			return overall
		}
		if !st.IsOK() {
			overall.Add(st)
		}
		remaining = unsatisfied(remaining)
	}
	if len(remaining) == 0 {
		return status.Success()
	}
	for _, req := range remaining {
		if req.Source() == nil {
			overall.Add(req.Result())
		}
	}
	return overall
}

func unsatisfied(reqs []repository.Request) []repository.Request {
	var out []repository.Request
	for _, req := range reqs {
		// An informational result, such as an artifact already present in
		// the target, satisfies the request.
		if res := req.Result(); res == nil || res.Severity > status.Info {
			out = append(out, req)
		}
	}
	return out
}

// QueryKeys returns the union of the keys of every good child.
func (r *Repository) QueryKeys(q repository.KeyQuery) []artifact.Key {
	seen := make(map[artifact.Key]bool)
	var out []artifact.Key
	for _, c := range r.snapshot() {
		if !r.isGood(c) {
			continue
		}
		for _, k := range c.repo.QueryKeys(q) {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}

// DescriptorQueryable combines the queryables of every good child.
func (r *Repository) DescriptorQueryable() repository.DescriptorQueryable {
	var parts compound
	for _, c := range r.snapshot() {
		if r.isGood(c) {
			parts = append(parts, c.repo.DescriptorQueryable())
		}
	}
	return parts
}

type compound []repository.DescriptorQueryable

func (c compound) QueryDescriptors(q repository.DescriptorQuery) []*artifact.Descriptor {
	var out []*artifact.Descriptor
	for _, part := range c {
		out = append(out, part.QueryDescriptors(q)...)
	}
	return out
}
