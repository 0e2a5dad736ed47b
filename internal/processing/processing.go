// Package processing applies the processing steps named by an artifact
// descriptor to a byte stream. A chain of steps sits in front of a
// destination writer; bytes written to the chain come out of the last step
// in canonical form.
package processing

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/BadgerOps/mirrorfed/internal/artifact"
	"github.com/BadgerOps/mirrorfed/internal/status"
)

// ErrUnknownStep is returned when a descriptor names a step with no
// registered implementation.
var ErrUnknownStep = errors.New("unknown processing step")

// Step is one stage of a chain. Close flushes the stage; it does not close
// the writer the stage feeds.
type Step interface {
	io.WriteCloser
	Status() *status.Status
}

// Factory builds a step that writes its output to next.
type Factory func(ref artifact.StepRef, d *artifact.Descriptor, next io.Writer) (Step, error)

// Registry maps step ids to implementations.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in decoders.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(StepZstd, newZstdStep)
	r.Register(StepGzip, newGzipStep)
	r.Register(StepLZ4, newLZ4Step)
	return r
}

// Register adds or replaces the factory for id.
func (r *Registry) Register(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

// IDs lists the registered step ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CanProcess reports whether every required step of d is available.
// Optional steps that are unknown are skipped when the chain is built.
func (r *Registry) CanProcess(d *artifact.Descriptor) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range d.Steps {
		if _, ok := r.factories[s.ID]; !ok && s.Required {
			return false
		}
	}
	return true
}

// Chain builds the steps of d in front of dest. Steps run in descriptor
// order: the first step receives the stored bytes.
func (r *Registry) Chain(d *artifact.Descriptor, dest io.Writer) (*Chain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c := &Chain{head: dest}
	next := dest
	for i := len(d.Steps) - 1; i >= 0; i-- {
		ref := d.Steps[i]
		f, ok := r.factories[ref.ID]
		if !ok {
			if ref.Required {
				c.abort()
				return nil, fmt.Errorf("%w: %q", ErrUnknownStep, ref.ID)
			}
			continue
		}
		s, err := f(ref, d, next)
		if err != nil {
			c.abort()
			return nil, fmt.Errorf("creating step %q: %w", ref.ID, err)
		}
		c.steps = append([]Step{s}, c.steps...)
		next = s
	}
	c.head = next
	return c, nil
}

// Chain is a built sequence of steps. Write feeds the first step.
type Chain struct {
	head  io.Writer
	steps []Step
	once  sync.Once
	err   error
}

// Prepend places s in front of the chain. s must write into the current
// head, which is available through Head.
func (c *Chain) Prepend(s Step) {
	c.steps = append([]Step{s}, c.steps...)
	c.head = s
}

// Head returns the writer that currently receives the chain's input.
func (c *Chain) Head() io.Writer { return c.head }

func (c *Chain) Write(p []byte) (int, error) {
	return c.head.Write(p)
}

// Close flushes every step front to back and returns the first error.
func (c *Chain) Close() error {
	c.once.Do(func() {
		for _, s := range c.steps {
			if err := s.Close(); err != nil && c.err == nil {
				c.err = err
			}
		}
	})
	return c.err
}

// Status combines the status of every step. It is meaningful after Close.
func (c *Chain) Status() *status.Status {
	var failed []*status.Status
	for _, s := range c.steps {
		if st := s.Status(); st != nil && !st.IsOK() {
			failed = append(failed, st)
		}
	}
	switch len(failed) {
	case 0:
		return status.Success()
	case 1:
		return failed[0]
	default:
		return status.Merge(status.CodeNone, "processing steps reported problems", failed...)
	}
}

func (c *Chain) abort() {
	for _, s := range c.steps {
		_ = s.Close()
	}
}
