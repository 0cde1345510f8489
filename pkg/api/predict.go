package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ndrlab/ndr-orchestrator/pkg/classifier"
	"github.com/ndrlab/ndr-orchestrator/pkg/prediction"
	"github.com/ndrlab/ndr-orchestrator/pkg/queue"
)

// PredictStatus handles GET /api/predict with the legacy single-slot status.
func (h *Handlers) PredictStatus(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{
		"predictingStatus": h.predictions.LegacyStatus(),
	})
}

// PredictOffline handles POST /api/predict/offline.
func (h *Handlers) PredictOffline(w http.ResponseWriter, r *http.Request) {
	var req prediction.OfflineRequest
	if err := decode(w, r, &req); err != nil {
		h.httpError(w, http.StatusBadRequest, "Invalid body", err.Error())
		return
	}
	resp, err := h.predictions.Offline(r.Context(), req)
	if err != nil {
		h.respondError(w, r, "Prediction", err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// PredictJobStatus handles GET /api/predict/job/{jobID}.
func (h *Handlers) PredictJobStatus(w http.ResponseWriter, r *http.Request) {
	report, err := h.manager.Status(r.Context(), chi.URLParam(r, "jobID"), queue.Prediction)
	if err != nil {
		h.respondError(w, r, "Prediction job status", err)
		return
	}
	h.respondJSON(w, http.StatusOK, report)
}

// PredictOnline handles POST /api/predict/online.
func (h *Handlers) PredictOnline(w http.ResponseWriter, r *http.Request) {
	var req prediction.OnlineRequest
	if err := decode(w, r, &req); err != nil {
		h.httpError(w, http.StatusBadRequest, "Invalid body", err.Error())
		return
	}
	resp, err := h.predictions.StartOnline(r.Context(), req)
	if err != nil {
		if errors.Is(err, prediction.ErrCaptureFailed) {
			h.respondJSON(w, http.StatusInternalServerError, map[string]any{
				"success": false,
				"error":   err.Error(),
				"message": "Failed to start online prediction",
			})
			return
		}
		h.respondError(w, r, "Online prediction", err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// PredictOnlineStatus handles GET /api/predict/online/status.
func (h *Handlers) PredictOnlineStatus(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, h.predictions.OnlineStatus())
}

// PredictOnlineStop handles POST /api/predict/online/stop. The body may
// name the prediction; otherwise the latest online prediction is stopped.
func (h *Handlers) PredictOnlineStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PredictionID string `json:"predictionId"`
	}
	if err := decode(w, r, &req); err != nil {
		h.httpError(w, http.StatusBadRequest, "Invalid body", err.Error())
		return
	}
	resp, err := h.predictions.StopOnline(r.Context(), req.PredictionID)
	if err != nil {
		h.respondError(w, r, "Stop online prediction", err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// ListPredictions handles GET /api/predictions.
func (h *Handlers) ListPredictions(w http.ResponseWriter, r *http.Request) {
	ids, err := h.predictions.List()
	if err != nil {
		h.respondError(w, r, "List predictions", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"predictions": ids})
}

// GetPrediction handles GET /api/predictions/{id}. It answers 202 while the
// prediction runs.
func (h *Handlers) GetPrediction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.predictions.Result(id)

	var inProgress *prediction.InProgressError
	switch {
	case err == nil:
		h.respondJSON(w, http.StatusOK, res)
	case errors.As(err, &inProgress):
		h.respondJSON(w, http.StatusAccepted, map[string]any{
			"status":       "processing",
			"message":      "Prediction is still in progress",
			"predictionId": id,
			"startedAt":    inProgress.StartedAt.UnixMilli(),
		})
	case errors.Is(err, prediction.ErrPredictionNotFound):
		h.httpError(w, http.StatusNotFound, "Prediction not found", "No prediction found with ID: "+id)
	case errors.Is(err, prediction.ErrPredictionFailed):
		h.respondJSON(w, http.StatusInternalServerError, map[string]any{
			"error":        "Prediction failed",
			"message":      "The prediction process completed but did not generate results. Check the prediction logs.",
			"predictionId": id,
		})
	default:
		h.respondJSON(w, http.StatusNotFound, map[string]any{
			"error":        "Results not available",
			"message":      "Prediction results file (stats.csv) not found. The prediction may still be processing or may have failed.",
			"predictionId": id,
		})
	}
}

type artifactKind struct {
	file  string
	label string
}

var (
	predictionsArtifact = artifactKind{classifier.PredictionsFile, "prediction file"}
	attacksArtifact     = artifactKind{classifier.AttacksFile, "prediction file for attack traffic"}
	normalsArtifact     = artifactKind{classifier.NormalsFile, "prediction file for normal traffic"}
)

func (h *Handlers) artifact(kind artifactKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		path, err := h.predictions.Artifact(id, kind.file)
		if err != nil {
			h.httpError(w, http.StatusNotFound, "Not found", fmt.Sprintf("The %s of %s does not exist", kind.label, id))
			return
		}
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		http.ServeFile(w, r, path)
	}
}
