package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/manimstudio/internal/api"
	"github.com/maauso/manimstudio/internal/generation"
	"github.com/maauso/manimstudio/internal/job"
	"github.com/maauso/manimstudio/internal/library"
	"github.com/maauso/manimstudio/internal/session"
)

const healthTimeout = 5 * time.Second

// HealthChecker reports whether the render backend is reachable.
type HealthChecker interface {
	Health(ctx context.Context) (api.HealthStatus, error)
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	sessions  *session.Manager
	generator *generation.Orchestrator
	library   *library.Library
	backend   HealthChecker
	validator *validator.Validate
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(sessions *session.Manager, generator *generation.Orchestrator, lib *library.Library, backend HealthChecker, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		sessions:  sessions,
		generator: generator,
		library:   lib,
		backend:   backend,
		validator: validator.New(),
		logger:    logger,
	}
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Backend: "ok"}

	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if _, err := h.backend.Health(ctx); err != nil {
		h.logger.Warn("backend health check failed",
			slog.String("error", err.Error()),
		)
		resp.Backend = "unreachable"
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetSession handles GET /session requests.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sess := h.sessions.Session()
	writeJSON(w, http.StatusOK, SessionResponse{
		Authenticated: sess.Authenticated(),
		Loading:       h.sessions.Loading(),
		User:          sess.User(),
	})
}

// Login handles POST /session/login requests.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}

	res := h.sessions.Login(r.Context(), session.LoginInput{
		Username: req.Username,
		Password: req.Password,
	})
	writeResult(w, res)
}

// Register handles POST /session/register requests.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}

	res := h.sessions.Register(r.Context(), session.RegisterInput{
		Username:        req.Username,
		Email:           req.Email,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
	})
	writeResult(w, res)
}

// Logout handles POST /session/logout requests.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.generator.Clear(r.Context()); err != nil {
		h.logger.Warn("failed to clear generation history",
			slog.String("error", err.Error()),
		)
	}
	h.sessions.Logout(r.Context())
	writeJSON(w, http.StatusOK, session.Result{Success: true})
}

// CreateGeneration handles POST /generations requests.
func (h *Handlers) CreateGeneration(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if !h.decode(w, r, &req) {
		return
	}

	created, err := h.generator.SubmitPrompt(r.Context(), req.Prompt)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, newJobResponse(created))
}

// RenderGeneration handles POST /generations/render requests.
func (h *Handlers) RenderGeneration(w http.ResponseWriter, r *http.Request) {
	var req RenderRequest
	if r.ContentLength != 0 {
		if !h.decode(w, r, &req) {
			return
		}
	}

	created, err := h.generator.SubmitWithCode(r.Context(), req.Code)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, newJobResponse(created))
}

// ListGenerations handles GET /generations requests.
func (h *Handlers) ListGenerations(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.generator.History(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	resp := make([]*JobResponse, 0, len(jobs))
	for _, j := range jobs {
		resp = append(resp, newJobResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetCurrentGeneration handles GET /generations/current requests.
func (h *Handlers) GetCurrentGeneration(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newGenerationResponse(h.generator.Snapshot()))
}

// ResetGeneration handles DELETE /generations/current requests.
func (h *Handlers) ResetGeneration(w http.ResponseWriter, r *http.Request) {
	h.generator.Reset()
	w.WriteHeader(http.StatusNoContent)
}

// GetGeneration handles GET /generations/{id} requests.
func (h *Handlers) GetGeneration(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	found, err := h.generator.Job(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newJobResponse(found))
}

// ListVideos handles GET /videos requests.
func (h *Handlers) ListVideos(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		writeError(w, http.StatusBadRequest, "page must be an integer", "INVALID_QUERY")
		return
	}
	pageSize, err := queryInt(r, "page_size")
	if err != nil {
		writeError(w, http.StatusBadRequest, "page_size must be an integer", "INVALID_QUERY")
		return
	}

	list, err := h.library.List(r.Context(), page, pageSize)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, list)
}

// DownloadVideo handles GET /videos/{id}/download requests.
func (h *Handlers) DownloadVideo(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	stream, err := h.library.Open(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	defer func() { _ = stream.Close() }()

	w.Header().Set("Content-Type", stream.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", stream.Filename))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, stream); err != nil {
		h.logger.Warn("video download interrupted",
			slog.Int64("video_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// ArchiveVideo handles POST /videos/{id}/archive requests.
func (h *Handlers) ArchiveVideo(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	archived, err := h.library.Archive(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, archived)
}

// DeleteVideo handles DELETE /videos/{id} requests.
func (h *Handlers) DeleteVideo(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := h.library.Delete(r.Context(), id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	if err := h.generator.Forget(r.Context(), id); err != nil {
		h.logger.Warn("failed to drop deleted video from history",
			slog.Int64("video_id", id),
			slog.String("error", err.Error()),
		)
	}

	w.WriteHeader(http.StatusNoContent)
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return false
	}

	if err := h.validator.Struct(dst); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return false
	}
	return true
}

// writeServiceError maps domain and backend errors to HTTP responses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, generation.ErrBusy):
		writeError(w, http.StatusConflict, err.Error(), "BUSY")
	case errors.Is(err, generation.ErrDiscarded):
		writeError(w, http.StatusConflict, err.Error(), "DISCARDED")
	case errors.Is(err, generation.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
	case errors.Is(err, job.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
	case errors.Is(err, library.ErrNoStorage):
		writeError(w, http.StatusServiceUnavailable, err.Error(), "ARCHIVE_DISABLED")
	case errors.Is(err, api.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, api.Message(err, "session expired"), "SESSION_EXPIRED")
	case errors.Is(err, api.ErrNetwork):
		writeError(w, http.StatusBadGateway, api.Message(err, "backend unreachable"), "BACKEND_UNREACHABLE")
	case api.StatusCode(err) == http.StatusNotFound:
		writeError(w, http.StatusNotFound, api.Message(err, "not found"), "NOT_FOUND")
	default:
		h.logger.Error("request failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, api.Message(err, "backend request failed"), "BACKEND_ERROR")
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "id must be a positive integer", "INVALID_ID")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// writeResult writes a session result: 200 on success, 400 otherwise.
func writeResult(w http.ResponseWriter, res session.Result) {
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, res)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
