package httpd

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/apperror"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/models"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/service"
)

const maxBodyBytes = 8 << 20

// ManuscriptService is the lifecycle surface exposed over HTTP.
type ManuscriptService interface {
	Submit(ctx context.Context, actor service.Actor, req models.SubmitManuscriptRequest) (*models.SubmitManuscriptResponse, error)
	Resubmit(ctx context.Context, actor service.Actor, id string, req models.ResubmitRequest) (*models.SubmitManuscriptResponse, error)
	RecordReview(ctx context.Context, actor service.Actor, id string, sub models.ReviewSubmission) (*models.Manuscript, error)
	ForcePublish(ctx context.Context, actor service.Actor, id, reason string) (*models.Manuscript, error)
	ForceReject(ctx context.Context, actor service.Actor, id, reason string) (*models.Manuscript, error)
	Get(ctx context.Context, id string) (*models.Manuscript, error)
	List(ctx context.Context, filter models.ManuscriptFilter) ([]*models.Manuscript, int, error)
}

type JobService interface {
	GetJob(ctx context.Context, id string) (*models.PlagiarismJob, error)
	ListJobs(ctx context.Context, manuscriptID string) ([]*models.PlagiarismJob, error)
}

type Handler struct {
	manuscripts ManuscriptService
	jobs        JobService
	auth        *Authenticator
	checks      map[string]HealthCheck
	version     string
	logger      zerolog.Logger
}

func NewHandler(
	manuscripts ManuscriptService,
	jobs JobService,
	auth *Authenticator,
	checks map[string]HealthCheck,
	version string,
	logger zerolog.Logger,
) *Handler {
	return &Handler{
		manuscripts: manuscripts,
		jobs:        jobs,
		auth:        auth,
		checks:      checks,
		version:     version,
		logger:      logger.With().Str("component", "httpd").Logger(),
	}
}

func (h *Handler) RegisterRoutes(router chi.Router) {
	router.Get("/health", h.HealthCheck)
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/api/v1", func(api chi.Router) {
		api.Use(h.auth.Middleware)

		api.Route("/manuscripts", func(r chi.Router) {
			r.Post("/", h.SubmitManuscript)
			r.Get("/", h.ListManuscripts)
			r.Get("/{id}", h.GetManuscript)
			r.Get("/{id}/jobs", h.ListManuscriptJobs)
			r.Post("/{id}/resubmit", h.ResubmitManuscript)
			r.Post("/{id}/reviews", h.SubmitReview)
			r.Post("/{id}/force-publish", h.ForcePublish)
			r.Post("/{id}/force-reject", h.ForceReject)
		})

		api.Get("/jobs/{id}", h.GetJob)
	})
}

func getIntQueryParam(r *http.Request, key string, defaultValue int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperror.Wrap(apperror.CategoryValidation, apperror.CodeMalformedPayload, "invalid request body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError renders err as {"error": {...}} with the status its category maps to.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := apperror.From(err)
	if !ok {
		appErr = apperror.Classify(r.Method+" "+r.URL.Path, err)
	}
	status := apperror.HTTPStatus(appErr)

	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}

	writeJSON(w, status, map[string]interface{}{
		"error": appErr,
	})
}

func writeSuccess(w http.ResponseWriter, data interface{}) {
	writeData(w, http.StatusOK, data)
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	response := map[string]interface{}{
		"success": true,
		"data":    data,
	}
	writeJSON(w, status, response)
}
