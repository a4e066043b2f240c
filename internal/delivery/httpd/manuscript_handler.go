package httpd

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/models"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/service"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (service.Actor, bool) {
	actor, ok := actorFrom(r.Context())
	if !ok {
		h.writeError(w, r, unauthenticated("missing actor", nil))
	}
	return actor, ok
}

func (h *Handler) SubmitManuscript(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req models.SubmitManuscriptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	resp, err := h.manuscripts.Submit(r.Context(), actor, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeData(w, http.StatusAccepted, resp)
}

func (h *Handler) ListManuscripts(w http.ResponseWriter, r *http.Request) {
	limit := getIntQueryParam(r, "limit", defaultPageSize)
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	offset := getIntQueryParam(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	filter := models.ManuscriptFilter{
		Status:   models.ManuscriptStatus(r.URL.Query().Get("status")),
		AuthorID: r.URL.Query().Get("author_id"),
		Limit:    limit,
		Offset:   offset,
	}

	items, total, err := h.manuscripts.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeSuccess(w, models.ListManuscriptsResponse{Manuscripts: items, Total: total})
}

func (h *Handler) GetManuscript(w http.ResponseWriter, r *http.Request) {
	m, err := h.manuscripts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, m)
}

func (h *Handler) ListManuscriptJobs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.manuscripts.Get(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}

	jobs, err := h.jobs.ListJobs(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, models.ListJobsResponse{Jobs: jobs, Total: len(jobs)})
}

func (h *Handler) ResubmitManuscript(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req models.ResubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	resp, err := h.manuscripts.Resubmit(r.Context(), actor, chi.URLParam(r, "id"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusAccepted, resp)
}

func (h *Handler) SubmitReview(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var sub models.ReviewSubmission
	if err := decodeJSON(w, r, &sub); err != nil {
		h.writeError(w, r, err)
		return
	}

	m, err := h.manuscripts.RecordReview(r.Context(), actor, chi.URLParam(r, "id"), sub)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, m)
}

func (h *Handler) ForcePublish(w http.ResponseWriter, r *http.Request) {
	h.forceDecision(w, r, h.manuscripts.ForcePublish)
}

func (h *Handler) ForceReject(w http.ResponseWriter, r *http.Request) {
	h.forceDecision(w, r, h.manuscripts.ForceReject)
}

type forceFunc func(ctx context.Context, actor service.Actor, id, reason string) (*models.Manuscript, error)

func (h *Handler) forceDecision(w http.ResponseWriter, r *http.Request, force forceFunc) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req models.ForceDecisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	m, err := force(r.Context(), actor, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, m)
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, job)
}
