package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/BadgerOps/mirrorfed/internal/artifact"
	"github.com/BadgerOps/mirrorfed/internal/mirror"
	"github.com/BadgerOps/mirrorfed/internal/repository"
	"github.com/BadgerOps/mirrorfed/internal/safety"
)

const defaultHistoryLimit = 100

func jsonError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// handleAPIArtifacts lists the keys of an artifact id, optionally limited to
// a version constraint such as ">= 1.2, < 2.0".
func (s *Server) handleAPIArtifacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	namespace, id := q.Get("namespace"), q.Get("id")
	if namespace == "" || id == "" {
		jsonError(w, http.StatusBadRequest, "namespace and id query parameters are required")
		return
	}

	query := repository.KeysWithID(namespace, id)
	if constraint := q.Get("range"); constraint != "" {
		query = repository.KeysInRange(namespace, id, constraint)
	}
	keys := s.source.QueryKeys(query)
	artifact.SortKeys(keys)

	type keyJSON struct {
		Namespace  string `json:"namespace"`
		ID         string `json:"id"`
		Version    string `json:"version"`
		Classifier string `json:"classifier,omitempty"`
	}
	response := make([]keyJSON, 0, len(keys))
	for _, k := range keys {
		response = append(response, keyJSON{Namespace: k.Namespace, ID: k.ID, Version: k.Version, Classifier: k.Classifier})
	}
	s.writeJSON(w, response)
}

// RepositoryJSON is the JSON representation of a loaded repository.
type RepositoryJSON struct {
	Location   string            `json:"location"`
	Enabled    bool              `json:"enabled"`
	System     bool              `json:"system"`
	Modifiable bool              `json:"modifiable"`
	Mirrored   bool              `json:"mirrored"`
	Properties map[string]string `json:"properties,omitempty"`
}

func (s *Server) handleAPIRepositories(w http.ResponseWriter, r *http.Request) {
	repos := s.registry.Repositories(true)
	response := make([]RepositoryJSON, 0, len(repos))
	for _, repo := range repos {
		sel := selectorOf(repo)
		response = append(response, RepositoryJSON{
			Location:   repo.Location().Redacted(),
			Enabled:    s.registry.IsEnabled(repo.Location()),
			System:     s.registry.RepositoryProperty(repo.Location(), repository.PropSystem) == "true",
			Modifiable: repo.Modifiable(),
			Mirrored:   sel != nil && sel.Enabled(),
			Properties: repo.Properties(),
		})
	}
	s.writeJSON(w, response)
}

// mirrored is implemented by repositories that download through a mirror
// selector.
type mirrored interface {
	Selector() *mirror.Selector
}

func selectorOf(repo repository.Repository) *mirror.Selector {
	if m, ok := repo.(mirrored); ok {
		return m.Selector()
	}
	return nil
}

// lookupSelector resolves the location query parameter to the selector of a
// loaded repository.
func (s *Server) lookupSelector(w http.ResponseWriter, r *http.Request) (*mirror.Selector, bool) {
	raw := r.URL.Query().Get("location")
	if raw == "" {
		jsonError(w, http.StatusBadRequest, "location query parameter is required")
		return nil, false
	}
	loc, err := safety.ValidateRepositoryURL(raw)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	for _, repo := range s.registry.Repositories(true) {
		if !repository.SameLocation(repo.Location(), loc) {
			continue
		}
		if sel := selectorOf(repo); sel != nil {
			return sel, true
		}
		jsonError(w, http.StatusNotFound, "repository has no mirror selector")
		return nil, false
	}
	jsonError(w, http.StatusNotFound, "repository not loaded")
	return nil, false
}

// MirrorsJSON is the ranked mirror list of one repository.
type MirrorsJSON struct {
	Repository     string        `json:"repository"`
	HasValidMirror bool          `json:"has_valid_mirror"`
	Mirrors        []mirror.Stat `json:"mirrors"`
}

func (s *Server) handleAPIMirrors(w http.ResponseWriter, r *http.Request) {
	sel, ok := s.lookupSelector(w, r)
	if !ok {
		return
	}
	stats := sel.Ranked(r.Context())
	if s.metrics != nil {
		s.metrics.ObserveMirrors(sel.RepositoryLocation().String(), stats)
	}
	s.writeJSON(w, MirrorsJSON{
		Repository:     sel.RepositoryLocation().Redacted(),
		HasValidMirror: sel.HasValidMirror(r.Context()),
		Mirrors:        stats,
	})
}

// handleMirrorList republishes a repository's mirrors, best first, in the
// mirror list format so that downstream instances can use this server as
// their mirrorsURL.
func (s *Server) handleMirrorList(w http.ResponseWriter, r *http.Request) {
	sel, ok := s.lookupSelector(w, r)
	if !ok {
		return
	}
	stats := sel.Ranked(r.Context())
	locations := make([]string, 0, len(stats))
	for _, st := range stats {
		locations = append(locations, st.Location)
	}
	data, err := mirror.EncodeMirrorList(locations)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Write(data)
}

// TransferEventJSON is the JSON representation of a recorded transfer attempt.
type TransferEventJSON struct {
	Artifact       string    `json:"artifact"`
	Descriptor     string    `json:"descriptor"`
	Source         string    `json:"source"`
	Target         string    `json:"target"`
	Attempt        int       `json:"attempt"`
	Outcome        string    `json:"outcome"`
	Message        string    `json:"message,omitempty"`
	BytesPerSecond int64     `json:"bytes_per_second"`
	Time           time.Time `json:"time"`
}

func (s *Server) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, http.StatusServiceUnavailable, "no store configured")
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			jsonError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := s.store.ListTransferEvents(r.Context(), r.URL.Query().Get("artifact"), limit)
	if err != nil {
		s.logger.Error("failed to list transfer events", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to list transfer events")
		return
	}
	response := make([]TransferEventJSON, 0, len(events))
	for _, ev := range events {
		response = append(response, TransferEventJSON{
			Artifact:       ev.Artifact,
			Descriptor:     ev.Descriptor,
			Source:         ev.Source,
			Target:         ev.Target,
			Attempt:        ev.Attempt,
			Outcome:        ev.Outcome,
			Message:        ev.Message,
			BytesPerSecond: ev.BytesPerSecond,
			Time:           ev.Time,
		})
	}
	s.writeJSON(w, response)
}

func (s *Server) handleAPIFailures(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, http.StatusServiceUnavailable, "no store configured")
		return
	}
	records, err := s.store.ListFailedTransfers(r.Context())
	if err != nil {
		s.logger.Error("failed to list failed transfers", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to list failed transfers")
		return
	}

	type failureJSON struct {
		ID          int64     `json:"id"`
		Artifact    string    `json:"artifact"`
		Source      string    `json:"source,omitempty"`
		Target      string    `json:"target"`
		Error       string    `json:"error"`
		RetryCount  int       `json:"retry_count"`
		LastFailure time.Time `json:"last_failure"`
	}
	response := make([]failureJSON, 0, len(records))
	for _, rec := range records {
		response = append(response, failureJSON{
			ID:          rec.ID,
			Artifact:    rec.Artifact,
			Source:      rec.Source,
			Target:      rec.Target,
			Error:       rec.Error,
			RetryCount:  rec.RetryCount,
			LastFailure: rec.LastFailure,
		})
	}
	s.writeJSON(w, response)
}
