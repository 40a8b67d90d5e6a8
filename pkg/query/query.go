// Package query implements the read-mostly HTTP JSON surface consumed by
// CLI/UI clients (spec section 4.9 / section 6's "query surface"): node
// status, component listing, job listing with status filter and pagination,
// log feed by component/job/"__all__", CAS listing with pin toggle, policy
// read/write, and volume listing/clear. Grounded structurally on teacher's
// pkg/api/server.go route-registration style, ported from gRPC service
// methods to go-chi/chi handlers since no generated gRPC stubs exist
// anywhere in the retrieved pack (see DESIGN.md).
package query

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/x3haloed/realm/pkg/cas"
	"github.com/x3haloed/realm/pkg/config"
	"github.com/x3haloed/realm/pkg/log"
	"github.com/x3haloed/realm/pkg/status"
	"github.com/x3haloed/realm/pkg/storage"
	"github.com/x3haloed/realm/pkg/types"
)

const defaultJobPageSize = 50
const maxJobPageSize = 500

// Server wires the read-mostly query surface to the node's owning tasks.
// It never mutates the desired manifest, trust root, CAS index, or job
// index directly; policy writes and pin toggles call back into their
// owning task's own exported methods (spec section 5).
type Server struct {
	router *chi.Mux

	board  *status.Board
	blobs  *cas.Store
	cfg    *config.Store
	store  storage.Store
}

// NewServer builds the query router over the node's already-running
// owning-task handles.
func NewServer(board *status.Board, blobs *cas.Store, cfg *config.Store, store storage.Store) *Server {
	s := &Server{board: board, blobs: blobs, cfg: cfg, store: store}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/components", s.handleComponents)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/logs/{key}", s.handleLogs)
		r.Get("/artifacts", s.handleListArtifacts)
		r.Post("/artifacts/{digest}/pin", s.handlePinArtifact)
		r.Get("/policy", s.handleGetPolicy)
		r.Put("/policy", s.handleSetPolicy)
		r.Get("/volumes", s.handleListVolumes)
		r.Delete("/volumes/{name}", s.handleClearVolume)
	})

	s.router = r
	return s
}

// ServeHTTP lets Server itself be mounted as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Logger.Warn().Err(err).Msg("query: failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.board.Snapshot())
}

func (s *Server) handleComponents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.board.Snapshot().Components)
}

// jobPage is the paginated response envelope for job listing.
type jobPage struct {
	Jobs       []*types.JobRecord `json:"jobs"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

// handleListJobs lists jobs filtered by ?status= and paginated by
// ?cursor=&limit=. The cursor is the last-returned job ID; listing is
// sorted by ID for a stable ordering across pages (spec section 6: "bounded
// page size").
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListJobs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Spec.ID < records[j].Spec.ID })

	statusFilter := types.JobStatus(r.URL.Query().Get("status"))
	cursor := r.URL.Query().Get("cursor")
	limit := defaultJobPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxJobPageSize {
		limit = maxJobPageSize
	}

	var filtered []*types.JobRecord
	for _, rec := range records {
		if statusFilter != "" && rec.Status != statusFilter {
			continue
		}
		if cursor != "" && rec.Spec.ID <= cursor {
			continue
		}
		filtered = append(filtered, rec)
	}

	page := jobPage{}
	if len(filtered) > limit {
		page.Jobs = filtered[:limit]
		page.NextCursor = page.Jobs[len(page.Jobs)-1].Spec.ID
	} else {
		page.Jobs = filtered
	}

	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	record, err := s.store.GetJob(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleLogs returns key's log ring, where key is a component name, a job
// ID, or "__all__" for every ring concatenated (spec section 6).
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	writeJSON(w, http.StatusOK, s.board.Logs(key))
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.blobs.List())
}

type pinRequest struct {
	Pinned bool `json:"pinned"`
}

// handlePinArtifact toggles a blob's pin flag. Pin state is local-only
// runtime bookkeeping, not part of the signed desired manifest, so it does
// not require a signature (spec section 4.9).
func (s *Server) handlePinArtifact(w http.ResponseWriter, r *http.Request) {
	digest := chi.URLParam(r, "digest")
	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.blobs.Pin(digest, req.Pinned); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Policy())
}

func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	var p config.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.cfg.SetPolicy(p); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Policy())
}

func (s *Server) handleListVolumes(w http.ResponseWriter, r *http.Request) {
	vols, err := s.store.ListVolumes()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, vols)
}

// handleClearVolume deletes a volume's index record only; the volume's
// directory and its contents are not removed. A later EnsureVolume for the
// same name finds no record, reuses the existing directory, and copies any
// seed content into it again.
func (s *Server) handleClearVolume(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.store.DeleteVolume(name); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nil)
}
