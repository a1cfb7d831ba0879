// Package api serves the note repository over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/notes"
	apperrors "github.com/Adithya-Monish-Kumar-K/notesearch/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/notesearch/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Repository is the part of notes.Repository the handlers use.
type Repository interface {
	Save(ctx context.Context, note notes.Note) (notes.Note, error)
	FindByID(ctx context.Context, id uint64) (notes.Note, bool)
	Search(ctx context.Context, text string, limit int) (iter.Seq[notes.Note], error)
	FindAll(ctx context.Context) iter.Seq[notes.Note]
	Delete(ctx context.Context, id uint64)
}

// Limits bounds search result sizes. A DefaultLimit of 0 returns every
// match when the request names no limit; MaxResults caps explicit limits.
type Limits struct {
	DefaultLimit int
	MaxResults   int
}

type Handler struct {
	repo   Repository
	limits Limits
	logger *slog.Logger
}

func NewHandler(repo Repository, limits Limits) *Handler {
	return &Handler{
		repo:   repo,
		limits: limits,
		logger: logger.WithComponent("notes-api"),
	}
}

type noteRequest struct {
	ID   *uint64 `json:"id"`
	Body string  `json:"body"`
}

func (r noteRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Body, validation.Required),
	)
}

type listResponse struct {
	Notes []notes.Note `json:"notes"`
	Count int          `json:"count"`
}

// CreateNote handles POST /api/notes. Ids are assigned by the server.
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	if req.ID != nil {
		h.writeError(w, r, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "cannot supply your own id"))
		return
	}
	h.save(w, r, notes.New(req.Body))
}

// UpdateNote handles PUT /api/notes/{id}. Only existing notes can be
// updated; a body id, when present, must match the path.
func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	if req.ID != nil && *req.ID != id {
		h.writeError(w, r, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest,
			"id %d in body does not match id %d in path", *req.ID, id))
		return
	}
	if _, exists := h.repo.FindByID(r.Context(), id); !exists {
		h.writeError(w, r, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "cannot supply your own id"))
		return
	}
	h.save(w, r, notes.New(req.Body).WithID(id))
}

func (h *Handler) save(w http.ResponseWriter, r *http.Request, note notes.Note) {
	saved, err := h.repo.Save(r.Context(), note)
	if err != nil {
		h.writeError(w, r, apperrors.New(err, http.StatusInternalServerError, "note could not be saved"))
		return
	}
	h.writeJSON(w, r, http.StatusOK, saved)
}

// GetNote handles GET /api/notes/{id}.
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	note, found := h.repo.FindByID(r.Context(), id)
	if !found {
		h.writeError(w, r, apperrors.Newf(apperrors.ErrNoteNotFound, http.StatusNotFound, "note %d not found", id))
		return
	}
	h.writeJSON(w, r, http.StatusOK, note)
}

// DeleteNote handles DELETE /api/notes/{id}. Unknown ids are not an error.
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	h.repo.Delete(r.Context(), id)
	w.WriteHeader(http.StatusNoContent)
}

// ListNotes handles GET /api/notes. With a query parameter it searches,
// otherwise it lists every note.
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	text := params.Get("query")
	if text == "" {
		h.writeList(w, r, h.repo.FindAll(r.Context()))
		return
	}

	limit := h.limits.DefaultLimit
	if v := params.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			h.writeError(w, r, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "invalid limit %q", v))
			return
		}
		limit = parsed
	}
	if h.limits.MaxResults > 0 && limit > h.limits.MaxResults {
		limit = h.limits.MaxResults
	}

	seq, err := h.repo.Search(r.Context(), text, limit)
	if err != nil {
		if errors.Is(err, apperrors.ErrQuerySyntax) {
			h.writeError(w, r, apperrors.New(apperrors.ErrQuerySyntax, http.StatusBadRequest, err.Error()))
			return
		}
		h.writeError(w, r, err)
		return
	}
	h.writeList(w, r, seq)
}

func (h *Handler) writeList(w http.ResponseWriter, r *http.Request, seq iter.Seq[notes.Note]) {
	resp := listResponse{Notes: []notes.Note{}}
	for n := range seq {
		resp.Notes = append(resp.Notes, n)
	}
	resp.Count = len(resp.Notes)
	h.writeJSON(w, r, http.StatusOK, resp)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		h.writeError(w, r, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "invalid note id %q", raw))
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (noteRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req noteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "invalid JSON body"))
		return req, false
	}
	if err := req.Validate(); err != nil {
		h.writeError(w, r, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, err.Error()))
		return req, false
	}
	return req, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.FromContext(r.Context(), h.logger).Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	message := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context(), h.logger).Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	h.writeJSON(w, r, status, map[string]string{"error": message})
}
