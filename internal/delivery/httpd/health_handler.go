package httpd

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/models"
)

const healthTimeout = 3 * time.Second

// HealthCheck checks one backing service.
type HealthCheck func(ctx context.Context) error

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := models.HealthResponse{
		Status:  "healthy",
		Service: "manuscript-service",
		Checks:  make(map[string]string, len(names)),
		Version: h.version,
	}
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.logger.Warn().Err(err).Str("check", name).Msg("Health check failed")
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			continue
		}
		resp.Checks[name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
