package prediction

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ndrlab/ndr-orchestrator/pkg/classifier"
	"github.com/ndrlab/ndr-orchestrator/pkg/core"
	"github.com/ndrlab/ndr-orchestrator/pkg/jobctx"
	"github.com/ndrlab/ndr-orchestrator/pkg/queue"
	"github.com/ndrlab/ndr-orchestrator/pkg/security"
	"github.com/ndrlab/ndr-orchestrator/pkg/session"
)

// Traffic types recorded in a prediction's config.
const (
	TrafficReport = "report"
	TrafficOnline = "online"
)

// Config is stored as the session config of every prediction.
type Config struct {
	ModelID      string       `json:"modelId"`
	InputTraffic InputTraffic `json:"inputTraffic"`
}

// InputTraffic describes what a prediction classifies.
type InputTraffic struct {
	Type  string       `json:"type"`
	Value TrafficValue `json:"value"`
}

// TrafficValue holds either a report reference or a capture interface.
type TrafficValue struct {
	ReportID       string `json:"reportId,omitempty"`
	ReportFileName string `json:"reportFileName,omitempty"`
	NetInf         string `json:"netInf,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
}

// OfflineRequest asks to classify one existing report.
type OfflineRequest struct {
	ModelID        string `json:"modelId"`
	ReportID       string `json:"reportId"`
	ReportFileName string `json:"reportFileName"`
	// UseQueue overrides the service default when set.
	UseQueue *bool `json:"useQueue,omitempty"`
}

// OfflineResponse describes an accepted offline prediction.
type OfflineResponse struct {
	Success       bool                  `json:"success"`
	UseQueue      bool                  `json:"useQueue"`
	PredictionID  string                `json:"predictionId"`
	JobID         string                `json:"jobId,omitempty"`
	QueueName     string                `json:"queueName,omitempty"`
	Position      *int                  `json:"position,omitempty"`
	EstimatedWait *queue.WaitEstimate   `json:"estimatedWait,omitempty"`
	Status        *session.LegacyStatus `json:"predictingStatus,omitempty"`
	Message       string                `json:"message"`
	Warning       string                `json:"warning,omitempty"`
}

// Job is the payload of a prediction queue job.
type Job struct {
	PredictionID   string `json:"predictionId"`
	ModelID        string `json:"modelId"`
	ReportID       string `json:"reportId"`
	ReportFileName string `json:"reportFileName"`
}

// JobResult is stored as the result of a completed prediction job.
type JobResult struct {
	PredictionID string            `json:"predictionId"`
	Skipped      bool              `json:"skipped"`
	DataLines    int               `json:"dataLines"`
	DurationMs   int64             `json:"durationMs"`
	Stats        *classifier.Stats `json:"stats,omitempty"`
}

// Offline starts an offline prediction. It is queued unless the request or
// the service default says otherwise; when the broker is unavailable it runs
// in-process instead and the response carries a warning.
func (s *Service) Offline(ctx context.Context, req OfflineRequest) (*OfflineResponse, error) {
	modelPath, err := s.modelPath(req.ModelID)
	if err != nil {
		return nil, err
	}
	reportPath, err := s.reportPath(req.ReportID, req.ReportFileName)
	if err != nil {
		return nil, err
	}

	useQueue := s.useQueueByDefault
	if req.UseQueue != nil {
		useQueue = *req.UseQueue
	}
	predictionID := s.NewPredictionID()
	cfg := Config{
		ModelID: req.ModelID,
		InputTraffic: InputTraffic{
			Type:  TrafficReport,
			Value: TrafficValue{ReportID: req.ReportID, ReportFileName: req.ReportFileName},
		},
	}

	// A worker may finish the job before Submit returns.
	s.sessions.Create(session.KindPrediction, predictionID, session.ModeOffline, cfg)

	fallback := false
	if useQueue {
		res, err := s.manager.Submit(ctx, queue.Prediction, Job{
			PredictionID:   predictionID,
			ModelID:        req.ModelID,
			ReportID:       req.ReportID,
			ReportFileName: req.ReportFileName,
		}, queue.JobID(predictionID), queue.Priority(core.DefaultPriority))
		switch {
		case errors.Is(err, core.ErrBrokerUnavailable):
			s.logger.Warn("broker unavailable, running prediction in-process", "prediction_id", predictionID, "error", err)
			fallback = true
		case err != nil:
			s.sessions.Complete(session.KindPrediction, predictionID)
			return nil, err
		default:
			s.logger.Info("prediction queued", "prediction_id", predictionID, "model_id", req.ModelID, "position", res.Position)
			position := res.Position
			return &OfflineResponse{
				Success:       true,
				UseQueue:      true,
				PredictionID:  predictionID,
				JobID:         res.JobID,
				QueueName:     res.Queue,
				Position:      &position,
				EstimatedWait: &res.EstimatedWait,
				Message:       "Prediction job queued successfully",
			}, nil
		}
	}

	s.runDetached(predictionID, classifier.Request{
		ReportPath: reportPath,
		ModelPath:  modelPath,
		OutputDir:  s.outputDir(predictionID),
		LogPath:    s.logPath(predictionID),
	})

	status := s.sessions.LegacyStatus(session.KindPrediction)
	resp := &OfflineResponse{
		Success:      true,
		PredictionID: predictionID,
		Status:       &status,
		Message:      "Prediction started (blocking mode)",
	}
	if fallback {
		resp.Message = "Prediction started in sync mode (queue unavailable, automatic fallback)"
		resp.Warning = "The queue broker is unavailable. Automatically switched to synchronous processing mode."
	}
	return resp, nil
}

// runDetached classifies in the background and completes the session when done.
func (s *Service) runDetached(predictionID string, req classifier.Request) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sessions.Complete(session.KindPrediction, predictionID)

		res := s.classifier.Run(s.ctx, req)
		if !res.OK() {
			s.logger.Error("prediction failed", "prediction_id", predictionID, "error", res.Err)
			return
		}
		s.logger.Info("prediction finished", "prediction_id", predictionID, "skipped", res.Skipped, "duration", res.Duration)
	}()
}

// HandleJob processes a prediction queue job. A failed classification is
// returned as a retryable error; the session is completed once the job
// succeeds or has no attempts left.
func (s *Service) HandleJob(ctx context.Context, job Job) (*JobResult, error) {
	if err := security.ValidateSessionID(job.PredictionID); err != nil {
		return nil, core.NoRetry(fmt.Errorf("prediction id %q: %w", job.PredictionID, err))
	}
	modelPath, err := s.modelPath(job.ModelID)
	if err == nil {
		var reportPath string
		reportPath, err = s.reportPath(job.ReportID, job.ReportFileName)
		if err == nil {
			return s.handle(ctx, job, classifier.Request{
				ReportPath: reportPath,
				ModelPath:  modelPath,
				OutputDir:  s.outputDir(job.PredictionID),
				LogPath:    s.logPath(job.PredictionID),
			})
		}
	}
	s.sessions.Complete(session.KindPrediction, job.PredictionID)
	return nil, core.NoRetry(err)
}

func (s *Service) handle(ctx context.Context, job Job, req classifier.Request) (*JobResult, error) {
	if _, ok := s.sessions.Get(session.KindPrediction, job.PredictionID); !ok {
		s.sessions.Create(session.KindPrediction, job.PredictionID, session.ModeOffline, Config{
			ModelID: job.ModelID,
			InputTraffic: InputTraffic{
				Type:  TrafficReport,
				Value: TrafficValue{ReportID: job.ReportID, ReportFileName: job.ReportFileName},
			},
		})
	}
	_ = jobctx.ReportProgress(ctx, 10)

	res := s.classifier.Run(ctx, req)
	if !res.OK() {
		if lastAttempt(ctx) {
			s.sessions.Complete(session.KindPrediction, job.PredictionID)
		}
		return nil, res.Err
	}
	s.sessions.Complete(session.KindPrediction, job.PredictionID)
	_ = jobctx.ReportProgress(ctx, 100)

	out := &JobResult{
		PredictionID: job.PredictionID,
		Skipped:      res.Skipped,
		DataLines:    res.DataLines,
		DurationMs:   res.Duration.Milliseconds(),
	}
	if !res.Skipped {
		if stats, _, err := classifier.ReadStats(req.OutputDir); err == nil {
			out.Stats = &stats
		}
	}
	return out, nil
}

func lastAttempt(ctx context.Context) bool {
	job := jobctx.JobFromContext(ctx)
	return job == nil || job.Attempt >= job.MaxAttempts
}

// RegisterHandler installs HandleJob on the prediction queue.
func (s *Service) RegisterHandler() {
	s.manager.Register(queue.Prediction, s.HandleJob)
}

func (s *Service) reportPath(reportID, fileName string) (string, error) {
	if strings.TrimSpace(reportID) == "" || strings.TrimSpace(fileName) == "" {
		return "", fmt.Errorf("%w: reportId and reportFileName are required", ErrMissingParameter)
	}
	if security.ValidateSessionID(reportID) != nil || security.ValidateSessionID(fileName) != nil {
		return "", fmt.Errorf("%w: %s/%s", ErrReportNotFound, reportID, fileName)
	}
	p := filepath.Join(s.paths.Reports, reportID, fileName)
	if !fileExists(p) {
		return "", fmt.Errorf("%w: %s/%s", ErrReportNotFound, reportID, fileName)
	}
	return p, nil
}
