package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ndrlab/ndr-orchestrator/pkg/core"
	"github.com/ndrlab/ndr-orchestrator/pkg/metrics"
	"github.com/ndrlab/ndr-orchestrator/pkg/queue"
)

// DefaultCleanupHours is the retention of POST /api/queue/cleanup without
// an explicit threshold.
const DefaultCleanupHours = 24

// SubmitRequest is the body of POST /api/queue/{queue}/jobs.
type SubmitRequest struct {
	Payload  any  `json:"payload"`
	Priority *int `json:"priority,omitempty"`
	// TimeoutMs overrides the queue's job timeout.
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
	DelayMs   int64  `json:"delayMs,omitempty"`
	JobID     string `json:"jobId,omitempty"`
	Name      string `json:"name,omitempty"`
}

func (req SubmitRequest) options() []queue.SubmitOption {
	var opts []queue.SubmitOption
	if req.Priority != nil {
		opts = append(opts, queue.Priority(*req.Priority))
	}
	if req.TimeoutMs > 0 {
		opts = append(opts, queue.Timeout(time.Duration(req.TimeoutMs)*time.Millisecond))
	}
	if req.DelayMs > 0 {
		opts = append(opts, queue.Delay(time.Duration(req.DelayMs)*time.Millisecond))
	}
	if req.JobID != "" {
		opts = append(opts, queue.JobID(req.JobID))
	}
	if req.Name != "" {
		opts = append(opts, queue.Name(req.Name))
	}
	return opts
}

// SubmitJob handles POST /api/queue/{queue}/jobs.
func (h *Handlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	var req SubmitRequest
	if err := decode(w, r, &req); err != nil {
		h.httpError(w, http.StatusBadRequest, "Invalid body", err.Error())
		return
	}

	res, err := h.manager.Submit(r.Context(), name, req.Payload, req.options()...)
	if err != nil {
		result := "rejected"
		if errors.Is(err, core.ErrBrokerUnavailable) {
			result = "unavailable"
		}
		metrics.IncSubmission(name, result)
		h.respondError(w, r, "Job submission", err)
		return
	}
	metrics.IncSubmission(name, "accepted")
	h.respondJSON(w, http.StatusOK, res)
}

// JobStatus handles GET /api/queue/{queue}/jobs/{jobID}.
func (h *Handlers) JobStatus(w http.ResponseWriter, r *http.Request) {
	report, err := h.manager.Status(r.Context(), chi.URLParam(r, "jobID"), chi.URLParam(r, "queue"))
	if err != nil {
		h.respondError(w, r, "Job status", err)
		return
	}
	h.respondJSON(w, http.StatusOK, report)
}

// CancelJob handles DELETE /api/queue/{queue}/jobs/{jobID}.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	res, err := h.manager.Cancel(r.Context(), chi.URLParam(r, "jobID"), chi.URLParam(r, "queue"))
	if err != nil {
		h.respondError(w, r, "Job cancellation", err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

// QueueStats handles GET /api/queue/stats.
func (h *Handlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.manager.Stats(r.Context())
	if err != nil {
		h.respondError(w, r, "Queue statistics", err)
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

// QueueCleanup handles POST /api/queue/cleanup?olderThanHours=N.
func (h *Handlers) QueueCleanup(w http.ResponseWriter, r *http.Request) {
	hours := DefaultCleanupHours
	if v := r.URL.Query().Get("olderThanHours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.httpError(w, http.StatusBadRequest, "Invalid olderThanHours", "olderThanHours must be a non-negative integer")
			return
		}
		hours = n
	}

	removed, err := h.manager.Cleanup(r.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		h.respondError(w, r, "Queue cleanup", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"removed":        removed,
		"olderThanHours": hours,
	})
}
