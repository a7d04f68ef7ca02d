// internal/api/handler.go
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	custom_errors "gitlab-stats-engine/internal/errors"
	"gitlab-stats-engine/internal/model"
	"gitlab-stats-engine/internal/syncer"
)

// Runner triggers aggregation runs and registers identities.
type Runner interface {
	Run(ctx context.Context, identityID int64, mode syncer.Mode) (*model.Snapshot, error)
	Register(ctx context.Context, identity model.TrackedIdentity) (model.TrackedIdentity, error)
}

// SnapshotReader reads stored snapshots.
type SnapshotReader interface {
	LoadLatestSnapshot(ctx context.Context, identityID int64, withBody bool) (*model.Snapshot, error)
}

// Handler is the container for API dependencies.
type Handler struct {
	runner Runner
	reader SnapshotReader
	logger *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
// readTimeout bounds read endpoints; aggregation runs are bounded by the runner.
func NewRouter(runner Runner, reader SnapshotReader, logger *slog.Logger, readTimeout time.Duration) http.Handler {
	h := &Handler{
		runner: runner,
		reader: reader,
		logger: logger,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger) // Chi's default logger
	r.Use(middleware.Recoverer)

	// API Routes
	r.Get("/health", h.healthCheck)
	r.Route("/v1/identities", func(r chi.Router) {
		r.Post("/", h.registerIdentity)
		r.Route("/{id}/snapshot", func(r chi.Router) {
			r.Post("/", h.createSnapshot)
			r.Put("/", h.updateSnapshot)
			r.With(middleware.Timeout(readTimeout)).Get("/", h.getSnapshot)
		})
	})

	return r
}

// healthCheck is a simple health endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerRequest struct {
	HostingUserID int64  `json:"hosting_user_id"`
	GroupID       int64  `json:"group_id"`
	AccessToken   string `json:"access_token"`
}

// registerIdentity verifies group membership and stores a tracked identity.
// POST /v1/identities
func (h *Handler) registerIdentity(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, &custom_errors.ErrInvalidInput{Field: "body", Reason: "must be a JSON object"})
		return
	}

	identity, err := h.runner.Register(r.Context(), model.TrackedIdentity{
		HostingUserID: req.HostingUserID,
		GroupID:       req.GroupID,
		AccessToken:   req.AccessToken,
	})
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, identity)
}

// createSnapshot runs a full lookback aggregation.
// POST /v1/identities/{id}/snapshot
func (h *Handler) createSnapshot(w http.ResponseWriter, r *http.Request) {
	h.runSnapshot(w, r, syncer.ModeCreate, http.StatusCreated)
}

// updateSnapshot runs an incremental aggregation.
// PUT /v1/identities/{id}/snapshot
func (h *Handler) updateSnapshot(w http.ResponseWriter, r *http.Request) {
	h.runSnapshot(w, r, syncer.ModeUpdate, http.StatusOK)
}

func (h *Handler) runSnapshot(w http.ResponseWriter, r *http.Request, mode syncer.Mode, status int) {
	id, err := identityID(r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	snap, err := h.runner.Run(r.Context(), id, mode)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	counters := *snap
	counters.Body = nil
	respondWithJSON(w, status, counters)
}

// getSnapshot returns the latest stored counters, with the per-project body when body=true.
// GET /v1/identities/{id}/snapshot?body=true|false
func (h *Handler) getSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := identityID(r)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	withBody := false
	if v := r.URL.Query().Get("body"); v != "" {
		withBody, err = strconv.ParseBool(v)
		if err != nil {
			h.respondWithError(w, &custom_errors.ErrInvalidInput{Field: "body", Reason: "must be true or false"})
			return
		}
	}

	snap, err := h.reader.LoadLatestSnapshot(r.Context(), id, withBody)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, snap)
}

func identityID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, &custom_errors.ErrInvalidInput{Field: "id", Reason: "must be a positive integer"}
	}
	return id, nil
}
