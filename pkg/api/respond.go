package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ndrlab/ndr-orchestrator/pkg/core"
	"github.com/ndrlab/ndr-orchestrator/pkg/logging"
	"github.com/ndrlab/ndr-orchestrator/pkg/prediction"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
	Details    string `json:"details,omitempty"`
}

const useQueueSuggestion = `Please ensure the queue broker is running, or set "useQueue": false in your request body for direct (non-queued) processing.`

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			h.logger.Warn("failed to write response", "error", err)
		}
	}
}

func (h *Handlers) httpError(w http.ResponseWriter, status int, title, message string) {
	h.respondJSON(w, status, ErrorResponse{Error: title, Message: message})
}

// respondError maps domain errors to status codes. operation names the
// failed action in messages.
func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	var (
		unknown *core.UnknownQueueError
		status  = http.StatusInternalServerError
		body    = ErrorResponse{Error: operation + " failed", Message: err.Error()}
	)
	switch {
	case errors.Is(err, core.ErrBrokerUnavailable):
		status = http.StatusServiceUnavailable
		body = ErrorResponse{
			Error:      "Queue service unavailable",
			Message:    operation + " is currently unavailable because the queue broker cannot be reached.",
			Suggestion: useQueueSuggestion,
			Details:    err.Error(),
		}
	case errors.As(err, &unknown):
		status = http.StatusNotFound
		body.Error = "Unknown queue"
	case errors.Is(err, prediction.ErrModelNotFound),
		errors.Is(err, prediction.ErrReportNotFound),
		errors.Is(err, prediction.ErrPredictionNotFound),
		errors.Is(err, prediction.ErrNoOnlineSession),
		errors.Is(err, core.ErrJobNotFound):
		status = http.StatusNotFound
		body.Error = "Not found"
	case errors.Is(err, prediction.ErrMissingParameter):
		status = http.StatusBadRequest
		body.Error = "Missing required parameter"
	case errors.Is(err, core.ErrInvalidJobID),
		errors.Is(err, core.ErrJobIDTooLong):
		status = http.StatusBadRequest
		body.Error = "Invalid job id"
	case errors.Is(err, core.ErrPayloadTooLarge):
		status = http.StatusRequestEntityTooLarge
		body.Error = "Payload too large"
	case errors.Is(err, core.ErrDuplicateJob):
		status = http.StatusConflict
		body.Error = "Duplicate job"
	default:
		logging.FromContext(r.Context(), h.logger).Error(operation+" failed", "error", err)
	}
	h.respondJSON(w, status, body)
}

// decode reads a JSON body. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 2<<20)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
