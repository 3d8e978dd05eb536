package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/devflowhub/controlplane/internal/repository"
	"github.com/devflowhub/controlplane/internal/service/deploy"
	"github.com/devflowhub/controlplane/internal/service/promotion"
	"github.com/devflowhub/controlplane/internal/service/run"
	"github.com/devflowhub/controlplane/internal/service/snapshot"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps the service error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var validationErr *deploy.ValidationError
	var quotaErr *deploy.QuotaExceededError
	var adapterErr *run.AdapterError

	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, validationErr.Error())
	case errors.As(err, &quotaErr):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": quotaErr.Error(),
			"quota": quotaErr.Quota,
		})
	case errors.Is(err, deploy.ErrEnvironmentNotAllowed):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, deploy.ErrDeploymentInFlight),
		errors.Is(err, promotion.ErrNotPromotable),
		errors.Is(err, promotion.ErrSameEnvironment),
		errors.Is(err, repository.ErrConflict),
		errors.Is(err, snapshot.ErrEmptyProject),
		errors.Is(err, run.ErrSnapshotRequired):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &adapterErr):
		writeError(w, http.StatusBadGateway, adapterErr.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
