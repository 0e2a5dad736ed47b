// Package transfer copies artifacts from a source repository into a target
// repository. A request picks the descriptor to copy, retries while the
// source reports that another attempt may succeed, falls back to the
// canonical descriptor when an optimized one cannot be copied, and publishes
// an event for every attempt.
package transfer

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BadgerOps/mirrorfed/internal/artifact"
	"github.com/BadgerOps/mirrorfed/internal/processing"
	"github.com/BadgerOps/mirrorfed/internal/repository"
	"github.com/BadgerOps/mirrorfed/internal/status"
	"github.com/BadgerOps/mirrorfed/internal/transport"
)

// MaxAttempts bounds the transfer attempts of one descriptor.
const MaxAttempts = 200

// MirrorEvent describes one transfer attempt.
type MirrorEvent struct {
	ID         uuid.UUID
	Source     string
	Target     string
	Descriptor *artifact.Descriptor
	Status     *status.Status
	Attempt    int
	Time       time.Time
}

// EventSink receives mirror events.
type EventSink interface {
	Publish(ctx context.Context, ev MirrorEvent)
}

// Sinks fans an event out to several sinks.
type Sinks []EventSink

// Publish implements EventSink.
func (s Sinks) Publish(ctx context.Context, ev MirrorEvent) {
	for _, sink := range s {
		if sink != nil {
			sink.Publish(ctx, ev)
		}
	}
}

// Options configures a Coordinator.
type Options struct {
	// Transport performs telemetry requests against a source's statsURL.
	Transport  transport.Transport
	Processors *processing.Registry
	Events     EventSink
	Logger     *slog.Logger
	Now        func() time.Time
}

// Coordinator creates transfer requests that share collaborators.
type Coordinator struct {
	transport  transport.Transport
	processors *processing.Registry
	events     EventSink
	logger     *slog.Logger
	now        func() time.Time
}

// NewCoordinator returns a coordinator. Missing options get defaults.
func NewCoordinator(opts Options) *Coordinator {
	c := &Coordinator{
		transport:  opts.Transport,
		processors: opts.Processors,
		events:     opts.Events,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.processors == nil {
		c.processors = processing.NewRegistry()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Mirror copies every key from source into target and returns the combined
// status of the requests.
func (c *Coordinator) Mirror(ctx context.Context, source, target repository.Repository, keys []artifact.Key) (*status.Status, []*MirrorRequest) {
	reqs := make([]repository.Request, 0, len(keys))
	mirrors := make([]*MirrorRequest, 0, len(keys))
	for _, k := range keys {
		m := c.NewMirrorRequest(k, target)
		reqs = append(reqs, m)
		mirrors = append(mirrors, m)
	}
	st := source.GetArtifacts(ctx, reqs)
	return st, mirrors
}

func (c *Coordinator) publish(ctx context.Context, source, target repository.Repository, d *artifact.Descriptor, st *status.Status, attempt int) {
	if c.events == nil {
		return
	}
	c.events.Publish(ctx, MirrorEvent{
		ID:         uuid.New(),
		Source:     source.Location().String(),
		Target:     target.Location().String(),
		Descriptor: d,
		Status:     st,
		Attempt:    attempt,
		Time:       c.now(),
	})
}

// reportDownload hits the source's download statistics endpoint. Failures
// are not reported to the caller; a missing endpoint is expected.
func (c *Coordinator) reportDownload(ctx context.Context, source repository.Repository, d *artifact.Descriptor) {
	base := source.Properties()[repository.PropStatsURL]
	if base == "" || c.transport == nil {
		return
	}
	loc, err := url.Parse(strings.TrimSuffix(base, "/") + "/" + url.PathEscape(d.Key.ID) + "/" + url.PathEscape(d.Key.Version))
	if err != nil {
		c.logger.Debug("invalid download statistics location", "statsURL", base, "error", err)
		return
	}
	if _, err := c.transport.LastModified(ctx, loc); err != nil && !transport.IsNotFound(err) {
		c.logger.Debug("download statistics not recorded", "location", loc.Redacted(), "error", err)
	}
}
