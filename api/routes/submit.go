package routes

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/minervahq/triage/api/pipeline"
	"github.com/minervahq/triage/config"
)

// maxArtifactBytes bounds the decoded artifact size.
const maxArtifactBytes = 16 << 20

// SubmitRequestData is the submission body: the artifact bytes (base64),
// its media kind and the caller's locale hint.
type SubmitRequestData struct {
	ArtifactB64 string `json:"artifact_b64"`
	MediaKind   string `json:"media_kind"`
	LocaleHint  string `json:"locale_hint"`
}

// SubmitRequest accepts an artifact for analysis and responds with the run
// ID to subscribe to.  Identical content returns the cached verdict's run
// or attaches to the in-flight one, so submission is idempotent.
func SubmitRequest(cfg *config.Config, service *pipeline.Service) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxArtifactBytes*2))
		defer r.Body.Close()
		if err != nil {
			handleErrorType(w, errors.Wrap(err, "failed to read submit request body"), http.StatusBadRequest, cfg.Logger)
			return
		}

		var submitMsg SubmitRequestData
		if err := json.Unmarshal(body, &submitMsg); err != nil {
			handleErrorType(w, errors.Wrap(err, "failed to unmarshal submit request body"), http.StatusBadRequest, cfg.Logger)
			return
		}
		if submitMsg.ArtifactB64 == "" {
			handleErrorType(w, errors.New("artifact_b64 missing"), http.StatusBadRequest, cfg.Logger)
			return
		}
		artifact, err := base64.StdEncoding.DecodeString(submitMsg.ArtifactB64)
		if err != nil {
			handleErrorType(w, errors.Wrap(err, "artifact_b64 is not valid base64"), http.StatusBadRequest, cfg.Logger)
			return
		}
		if len(artifact) == 0 || len(artifact) > maxArtifactBytes {
			handleErrorType(w, errors.Errorf("artifact must be between 1 byte and %d bytes", maxArtifactBytes), http.StatusBadRequest, cfg.Logger)
			return
		}
		kind := pipeline.MediaKind(submitMsg.MediaKind)
		if !kind.Valid() {
			handleErrorType(w, errors.Errorf("media_kind must be %q or %q", pipeline.MediaImage, pipeline.MediaAudio), http.StatusBadRequest, cfg.Logger)
			return
		}

		receipt, err := service.Submit(pipeline.Submission{
			Bytes:     artifact,
			MediaKind: kind,
			Locale:    submitMsg.LocaleHint,
		})
		if err != nil {
			if errors.Is(err, pipeline.ErrIntakeFull) {
				handleErrorType(w, err, http.StatusServiceUnavailable, cfg.Logger)
				return
			}
			handleErrorType(w, err, http.StatusInternalServerError, cfg.Logger)
			return
		}
		if err := handleJSON(w, receipt); err != nil {
			handleErrorType(w, errors.New("failed to generate response"), http.StatusInternalServerError, cfg.Logger)
		}
	}
}
