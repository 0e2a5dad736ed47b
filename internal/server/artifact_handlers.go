package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/BadgerOps/mirrorfed/internal/artifact"
	"github.com/BadgerOps/mirrorfed/internal/config"
	"github.com/BadgerOps/mirrorfed/internal/status"
	"github.com/BadgerOps/mirrorfed/internal/transfer"
)

const defaultTransferTimeout = 30 * time.Minute

// handleGetArtifact streams the canonical bytes of an artifact fetched
// through the federation. The artifact is spooled to a temporary file first
// so that a retried download never reaches the client twice.
func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	key := artifact.Key{
		Namespace:  r.PathValue("namespace"),
		ID:         r.PathValue("id"),
		Version:    r.PathValue("version"),
		Classifier: r.URL.Query().Get("classifier"),
	}
	if err := key.Validate(); err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	d := pickDescriptor(s.source.Descriptors(key))
	if d == nil {
		jsonError(w, http.StatusNotFound, "artifact not found: "+key.String())
		return
	}

	timeout := defaultTransferTimeout
	if s.config != nil {
		timeout = config.Duration(s.config.Transfer.Timeout, defaultTransferTimeout)
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	spool, err := os.CreateTemp("", "mirrorfed-artifact-*")
	if err != nil {
		s.logger.Error("failed to create spool file", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to prepare download")
		return
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	st := s.fetch(ctx, d, spool)
	if code := httpStatusFor(ctx, st); code != http.StatusOK {
		s.logger.Warn("artifact request failed", "artifact", key.String(), "outcome", st.Outcome().String(), "error", st.AsError())
		jsonError(w, code, st.Message)
		return
	}

	size, err := spool.Seek(0, io.SeekCurrent)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "failed to read spooled artifact")
		return
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		jsonError(w, http.StatusInternalServerError, "failed to read spooled artifact")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	if _, err := io.Copy(w, spool); err != nil {
		s.logger.Warn("client download interrupted", "artifact", key.String(), "error", err)
	}
}

// pickDescriptor prefers the canonical descriptor.
func pickDescriptor(descriptors []*artifact.Descriptor) *artifact.Descriptor {
	for _, d := range descriptors {
		if d.IsCanonical() {
			return d
		}
	}
	if len(descriptors) > 0 {
		return descriptors[0]
	}
	return nil
}

// fetch downloads d into spool, starting over while the federation reports
// that another attempt may succeed.
func (s *Server) fetch(ctx context.Context, d *artifact.Descriptor, spool *os.File) *status.Status {
	for attempt := 1; ; attempt++ {
		if err := spool.Truncate(0); err != nil {
			return status.Errorf(err, "failed to reset spool file")
		}
		if _, err := spool.Seek(0, io.SeekStart); err != nil {
			return status.Errorf(err, "failed to reset spool file")
		}
		st := s.source.GetArtifact(ctx, d, spool)
		if !st.IsRetry() || status.CarriesFault(st) || attempt >= transfer.MaxAttempts {
			return st
		}
		s.logger.Debug("retrying artifact download", "artifact", d.String(), "attempt", attempt, "error", st.Message)
	}
}

func httpStatusFor(ctx context.Context, st *status.Status) int {
	switch st.Outcome() {
	case status.OutcomeOK:
		return http.StatusOK
	case status.OutcomeNotFound:
		return http.StatusNotFound
	case status.OutcomeCancelled:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
