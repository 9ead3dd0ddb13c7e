package routes

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/pkg/errors"

	"github.com/minervahq/triage/api/pipeline"
	"github.com/minervahq/triage/config"
)

// EventsRequest streams a run's progress events as server-sent events.
// The stream replays what was recorded before the subscription point, then
// follows the run live and ends with the terminal event carrying the
// verdict or abort reason.
func EventsRequest(cfg *config.Config, service *pipeline.Service) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "runID")
		sub, err := service.Subscribe(runID, true)
		if err != nil {
			handleErrorType(w, err, http.StatusNotFound, cfg.Logger)
			return
		}
		defer sub.Cancel()

		flusher, ok := w.(http.Flusher)
		if !ok {
			handleErrorType(w, errors.New("streaming unsupported by connection"), http.StatusInternalServerError, cfg.Logger)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, open := <-sub.Events():
				if !open {
					if errors.Is(sub.Err(), pipeline.ErrSubscriberOverflow) {
						fmt.Fprintf(w, "event: overflow\ndata: {\"error\": \"subscriber fell behind\"}\n\n")
						flusher.Flush()
					}
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					cfg.Logger.Errorf("failed to marshal progress event: %v", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
				flusher.Flush()
				if ev.Kind == pipeline.EventRunFinished {
					return
				}
			}
		}
	}
}
