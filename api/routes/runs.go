package routes

import (
	"net/http"

	"github.com/go-chi/chi"
	"github.com/pkg/errors"

	"github.com/minervahq/triage/api/pipeline"
	"github.com/minervahq/triage/config"
)

// RunRequest returns the state, recorded stage results and verdict (once
// terminal) of one run.
func RunRequest(cfg *config.Config, service *pipeline.Service) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot, err := service.GetRun(chi.URLParam(r, "runID"))
		if err != nil {
			handleErrorType(w, err, http.StatusNotFound, cfg.Logger)
			return
		}
		if err := handleJSON(w, snapshot); err != nil {
			handleErrorType(w, errors.New("failed to generate response"), http.StatusInternalServerError, cfg.Logger)
		}
	}
}

// CancelRequest cancels an in-flight run.  Cancellation propagates to all
// outstanding stage invocations for that run.
func CancelRequest(cfg *config.Config, service *pipeline.Service) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "runID")
		if err := service.Cancel(runID); err != nil {
			handleErrorType(w, err, http.StatusNotFound, cfg.Logger)
			return
		}
		if err := handleJSON(w, map[string]string{"run_id": runID, "status": "cancelling"}); err != nil {
			handleErrorType(w, errors.New("failed to generate response"), http.StatusInternalServerError, cfg.Logger)
		}
	}
}

// CachedRequest returns the stored verdict for a content fingerprint, or
// 404 when none has been committed.
func CachedRequest(cfg *config.Config, service *pipeline.Service) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		fp := chi.URLParam(r, "fingerprint")
		verdict, ok := service.GetCached(fp)
		if !ok {
			handleErrorType(w, errors.Errorf("no cached verdict for fingerprint %s", fp), http.StatusNotFound, cfg.Logger)
			return
		}
		if err := handleJSON(w, verdict); err != nil {
			handleErrorType(w, errors.New("failed to generate response"), http.StatusInternalServerError, cfg.Logger)
		}
	}
}
