package routes

import (
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"github.com/minervahq/triage/api/capability"
	"github.com/minervahq/triage/api/pipeline"
	"github.com/minervahq/triage/config"
)

// StatusRequest creates a get request handler that will return status info
// for the intake queue and pipeline workers.
func StatusRequest(cfg *config.Config, service *pipeline.Service) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := handleJSON(w, service.Status()); err != nil {
			handleErrorType(w, errors.New("failed to generate response"), http.StatusInternalServerError, cfg.Logger)
		}
	}
}

// HistoryRequest returns the most recent verdict history rows.
func HistoryRequest(cfg *config.Config, db *capability.VerdictDB) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 || parsed > 500 {
				handleErrorType(w, errors.New("limit must be an integer between 1 and 500"), http.StatusBadRequest, cfg.Logger)
				return
			}
			limit = parsed
		}
		records, err := db.Recent(r.Context(), limit)
		if err != nil {
			handleErrorType(w, err, http.StatusInternalServerError, cfg.Logger)
			return
		}
		if records == nil {
			records = []capability.HistoryRecord{}
		}
		if err := handleJSON(w, records); err != nil {
			handleErrorType(w, errors.New("failed to generate response"), http.StatusInternalServerError, cfg.Logger)
		}
	}
}
