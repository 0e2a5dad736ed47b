package transfer

import (
	"context"
	"fmt"
	"io"

	"github.com/BadgerOps/mirrorfed/internal/artifact"
	"github.com/BadgerOps/mirrorfed/internal/processing"
	"github.com/BadgerOps/mirrorfed/internal/repository"
	"github.com/BadgerOps/mirrorfed/internal/status"
)

// MirrorRequest copies one artifact into a target repository.
type MirrorRequest struct {
	repository.RequestBase

	coord  *Coordinator
	target repository.Repository

	// descriptor pins the source descriptor; nil lets Perform choose.
	descriptor *artifact.Descriptor
	// targetDescriptor pins the destination descriptor; nil derives it from
	// the source descriptor.
	targetDescriptor *artifact.Descriptor

	// raw copies stored bytes and verifies their download checksum.
	raw bool

	attempts int
}

var _ repository.Request = (*MirrorRequest)(nil)

// NewMirrorRequest returns a request copying key into target.
func (c *Coordinator) NewMirrorRequest(key artifact.Key, target repository.Repository) *MirrorRequest {
	return &MirrorRequest{
		RequestBase: repository.NewRequestBase(key),
		coord:       c,
		target:      target,
	}
}

// WithDescriptor pins the source descriptor to copy.
func (r *MirrorRequest) WithDescriptor(d *artifact.Descriptor) *MirrorRequest {
	r.descriptor = d
	return r
}

// Attempts returns how many single transfers the request performed.
func (r *MirrorRequest) Attempts() int { return r.attempts }

// Perform implements repository.Request.
func (r *MirrorRequest) Perform(ctx context.Context, source repository.Repository) {
	r.SetSource(source)
	key := r.Key()

	desc := r.descriptor
	if desc == nil {
		descriptors := source.Descriptors(key)
		if len(descriptors) == 0 {
			r.SetResult(status.NotFound(nil, "artifact %s not found in %s", key, source.Location().Redacted()))
			return
		}
		desc = r.chooseDescriptor(source, descriptors)
	}

	dest := r.destinationFor(desc)
	if r.target.ContainsDescriptor(dest) {
		r.SetResult(status.Infof(status.CodeAlreadyPresent, "artifact %s is already present in %s", dest, r.target.Location().Redacted()))
		return
	}

	st := r.transfer(ctx, source, dest, desc)
	if st.IsOK() || st.Severity == status.Cancel || r.raw {
		r.SetResult(st)
		return
	}

	canonical := canonicalOf(source.Descriptors(key))
	if canonical == nil || canonical.Equal(desc) {
		r.SetResult(st)
		return
	}

	// The optimized copy failed; drop whatever it registered and copy the
	// canonical form instead.
	if err := r.target.RemoveDescriptor(dest); err != nil {
		r.coord.logger.Debug("could not remove failed descriptor", "descriptor", dest.String(), "error", err)
	}
	r.coord.logger.Info("optimized transfer failed, trying canonical form", "artifact", key.String(), "error", st.Message)
	canonicalStatus := r.transfer(ctx, source, r.destinationFor(canonical), canonical)
	if canonicalStatus.Severity < st.Severity {
		r.SetResult(canonicalStatus)
		return
	}
	r.SetResult(status.Merge(status.CodeNone, fmt.Sprintf("transfer of %s failed in optimized and canonical form", key), st, canonicalStatus))
}

// chooseDescriptor prefers the canonical form from local sources, where it
// costs nothing to fetch, and an optimized form we can process otherwise.
func (r *MirrorRequest) chooseDescriptor(source repository.Repository, descriptors []*artifact.Descriptor) *artifact.Descriptor {
	canonical := canonicalOf(descriptors)
	var optimized *artifact.Descriptor
	for _, d := range descriptors {
		if !d.IsCanonical() && r.coord.processors.CanProcess(d) {
			optimized = d
			break
		}
	}

	preferred, fallback := optimized, canonical
	if source.Location().Scheme == "file" {
		preferred, fallback = canonical, optimized
	}
	switch {
	case preferred != nil:
		return preferred
	case fallback != nil:
		return fallback
	default:
		return descriptors[0]
	}
}

func canonicalOf(descriptors []*artifact.Descriptor) *artifact.Descriptor {
	for _, d := range descriptors {
		if d.IsCanonical() {
			return d
		}
	}
	return nil
}

func (r *MirrorRequest) destinationFor(src *artifact.Descriptor) *artifact.Descriptor {
	if r.targetDescriptor != nil {
		return r.targetDescriptor
	}
	return src.ForRepository(r.target.Location().String())
}

// transfer retries single transfers while they fail with a retry status,
// up to MaxAttempts.
func (r *MirrorRequest) transfer(ctx context.Context, source repository.Repository, dest, src *artifact.Descriptor) *status.Status {
	all := status.NewMulti(status.CodeNone, fmt.Sprintf("transfer of %s from %s failed", src, source.Location().Redacted()))
	var last *status.Status
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if st := status.FromContext(ctx.Err()); st != nil {
			return st
		}
		r.attempts++
		last = r.transferSingle(ctx, source, dest, src)
		r.coord.publish(ctx, source, r.target, src, last, r.attempts)
		all.Add(last)

		if last.IsOK() {
			r.coord.reportDownload(ctx, source, src)
			return last
		}
		if last.Severity == status.Cancel || status.CarriesFault(last) || !last.IsRetry() {
			break
		}
		r.coord.logger.Debug("retrying transfer", "artifact", src.String(), "attempt", attempt, "error", last.Message)
	}
	if len(all.Children) == 1 || last.Severity == status.Cancel || status.CarriesFault(last) {
		return last
	}
	return all
}

// transferSingle performs one transfer into a fresh output stream. The
// stream is closed in every case; the transfer outcome is kept over a close
// failure unless the transfer itself succeeded.
func (r *MirrorRequest) transferSingle(ctx context.Context, source repository.Repository, dest, src *artifact.Descriptor) *status.Status {
	out, err := r.target.GetOutputStream(dest)
	if err != nil {
		return status.Errorf(err, "cannot store %s in %s", dest, r.target.Location().Redacted())
	}

	var w io.Writer = out
	var verifier processing.Step
	if r.raw {
		if v, alg, ok := processing.NewChecksumVerifier(src, out); ok {
			r.coord.logger.Debug("verifying download checksum", "artifact", src.String(), "algorithm", alg)
			w, verifier = v, v
		} else {
			r.coord.logger.Warn("no checksum available to verify download", "artifact", src.String())
		}
	}

	var st *status.Status
	if r.raw || len(dest.Steps) > 0 {
		st = source.GetRawArtifact(ctx, src, w)
	} else {
		st = source.GetArtifact(ctx, src, w)
	}
	if verifier != nil {
		if err := verifier.Close(); err != nil && st.IsOK() {
			st = verifier.Status()
		}
	}

	if !st.IsOK() {
		annotation := st
		if root := status.DeepestCause(st); root != nil && root != st {
			annotation = status.New(max(st.Severity, status.Error), root.Code, st.Message, root.Err)
		}
		out.SetStatus(annotation)
	}

	if err := out.Close(); err != nil {
		closeStatus := status.Errorf(err, "failed to store %s in %s", dest, r.target.Location().Redacted())
		switch {
		case st.IsOK():
			return closeStatus
		case st.IsRetry():
			return status.Merge(status.CodeRetry, st.Message, st, closeStatus)
		default:
			return status.Merge(status.CodeNone, st.Message, st, closeStatus)
		}
	}
	return st
}
