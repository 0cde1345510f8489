package prediction

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ndrlab/ndr-orchestrator/pkg/pump"
	"github.com/ndrlab/ndr-orchestrator/pkg/security"
	"github.com/ndrlab/ndr-orchestrator/pkg/session"
)

type onlineRun struct {
	predictionID string
	captureID    string
	iface        string
	modelID      string
	pump         *pump.Pump
	done         chan struct{}
}

// OnlineRequest asks to classify live traffic on a network interface.
type OnlineRequest struct {
	ModelID   string `json:"modelId"`
	Interface string `json:"interface"`
}

// OnlineResponse describes a started online prediction.
type OnlineResponse struct {
	Success      bool   `json:"success"`
	Mode         string `json:"mode"`
	Interface    string `json:"interface"`
	ModelID      string `json:"modelId"`
	PredictionID string `json:"predictionId"`
	SessionID    string `json:"sessionId"`
	IsRunning    bool   `json:"isRunning"`
	StartedAt    int64  `json:"startedAt"`
	Message      string `json:"message"`
}

// StopResponse describes a stopped online prediction.
type StopResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	IsRunning    bool   `json:"isRunning"`
	PredictionID string `json:"predictionId"`
	StoppedAt    int64  `json:"stoppedAt"`
}

// OnlineStatus reports the most recent prediction, with interface and
// model set only when it is an online one.
type OnlineStatus struct {
	Success      bool         `json:"success"`
	Mode         string       `json:"mode"`
	IsRunning    bool         `json:"isRunning"`
	PredictionID *string      `json:"predictionId"`
	Interface    *string      `json:"interface"`
	ModelID      *string      `json:"modelId"`
	StartedAt    *int64       `json:"startedAt"`
	Config       any          `json:"config"`
	Pump         *pump.Status `json:"pump,omitempty"`
}

// StartOnline starts a capture on req.Interface and a pump that classifies
// its reports until StopOnline is called for the returned prediction.
func (s *Service) StartOnline(ctx context.Context, req OnlineRequest) (*OnlineResponse, error) {
	if strings.TrimSpace(req.ModelID) == "" {
		return nil, fmt.Errorf("%w: modelId is required", ErrMissingParameter)
	}
	if strings.TrimSpace(req.Interface) == "" {
		return nil, fmt.Errorf("%w: interface is required", ErrMissingParameter)
	}
	if s.capture == nil {
		return nil, fmt.Errorf("%w: no capture configured", ErrCaptureFailed)
	}
	modelPath, err := s.modelPath(req.ModelID)
	if err != nil {
		return nil, err
	}

	captureID, err := s.capture.Start(ctx, req.Interface)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	if err := security.ValidateSessionID(captureID); err != nil {
		_ = s.capture.Stop(ctx, captureID)
		return nil, fmt.Errorf("%w: capture session id %q: %v", ErrCaptureFailed, captureID, err)
	}

	predictionID := s.NewPredictionID()
	sess := s.sessions.Create(session.KindPrediction, predictionID, session.ModeOnline, Config{
		ModelID: req.ModelID,
		InputTraffic: InputTraffic{
			Type:  TrafficOnline,
			Value: TrafficValue{NetInf: req.Interface, SessionID: captureID},
		},
	})

	opts := []pump.Option{pump.WithLogger(s.logger)}
	if s.observe != nil {
		opts = append(opts, pump.WithObserver(s.observe))
	}
	opts = append(opts, s.pumpOpts...)
	p := pump.New(pump.Config{
		SessionID: predictionID,
		ReportDir: filepath.Join(s.paths.Reports, "report-"+captureID),
		ModelPath: modelPath,
		OutputDir: s.outputDir(predictionID),
		LogPath:   s.logPath(predictionID),
	}, s.classifier, s.sessions, opts...)

	run := &onlineRun{
		predictionID: predictionID,
		captureID:    captureID,
		iface:        req.Interface,
		modelID:      req.ModelID,
		pump:         p,
		done:         make(chan struct{}),
	}
	s.mu.Lock()
	s.online[predictionID] = run
	s.latest = predictionID
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runPump(run)

	s.logger.Info("online prediction started", "prediction_id", predictionID, "interface", req.Interface, "capture_session", captureID)
	return &OnlineResponse{
		Success:      true,
		Mode:         string(session.ModeOnline),
		Interface:    req.Interface,
		ModelID:      req.ModelID,
		PredictionID: predictionID,
		SessionID:    captureID,
		IsRunning:    sess.IsRunning,
		StartedAt:    sess.CreatedAt.UnixMilli(),
		Message:      fmt.Sprintf("Online prediction started on interface %s using model %s", req.Interface, req.ModelID),
	}, nil
}

func (s *Service) runPump(run *onlineRun) {
	defer s.wg.Done()
	defer close(run.done)
	if s.onPump != nil {
		s.onPump(true)
		defer s.onPump(false)
	}

	err := run.pump.Run(s.ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("online pump exited", "prediction_id", run.predictionID, "error", err)
	}
	if s.sessions.Complete(session.KindPrediction, run.predictionID) {
		// The service is shutting down; the capture outlives the pump otherwise.
		if err := s.capture.Stop(context.Background(), run.captureID); err != nil {
			s.logger.Warn("failed to stop capture", "capture_session", run.captureID, "error", err)
		}
	}
}

// StopOnline stops an online prediction. An empty id stops the most
// recently started one.
func (s *Service) StopOnline(ctx context.Context, predictionID string) (*StopResponse, error) {
	s.mu.Lock()
	if predictionID == "" {
		predictionID = s.latest
	}
	run, ok := s.online[predictionID]
	s.mu.Unlock()
	if !ok || !s.sessions.IsRunning(session.KindPrediction, predictionID) {
		return nil, ErrNoOnlineSession
	}

	s.sessions.Complete(session.KindPrediction, predictionID)
	if err := s.capture.Stop(ctx, run.captureID); err != nil {
		return nil, fmt.Errorf("stop capture %s: %w", run.captureID, err)
	}
	s.logger.Info("online prediction stopped", "prediction_id", predictionID)

	return &StopResponse{
		Success:      true,
		Message:      "Online prediction stopped",
		IsRunning:    false,
		PredictionID: predictionID,
		StoppedAt:    s.now().UnixMilli(),
	}, nil
}

// Wait blocks until the pump of an online prediction has exited.
func (s *Service) Wait(ctx context.Context, predictionID string) error {
	s.mu.Lock()
	run, ok := s.online[predictionID]
	s.mu.Unlock()
	if !ok {
		return ErrNoOnlineSession
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PumpStatus returns the pump snapshot of an online prediction.
func (s *Service) PumpStatus(predictionID string) (pump.Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.online[predictionID]
	if !ok {
		return pump.Status{}, false
	}
	return run.pump.Status(), true
}

// OnlineStatus reports on the most recent prediction.
func (s *Service) OnlineStatus() OnlineStatus {
	legacy := s.sessions.LegacyStatus(session.KindPrediction)
	out := OnlineStatus{
		Success:   true,
		Mode:      string(session.ModeOffline),
		IsRunning: legacy.IsRunning,
		Config:    legacy.Config,
	}
	if legacy.LastID != "" {
		id := legacy.LastID
		out.PredictionID = &id
	}
	if legacy.LastStartedAt != nil {
		ms := legacy.LastStartedAt.UnixMilli()
		out.StartedAt = &ms
	}
	cfg, ok := legacy.Config.(Config)
	if !ok || cfg.InputTraffic.Type != TrafficOnline {
		return out
	}
	out.Mode = string(session.ModeOnline)
	iface, model := cfg.InputTraffic.Value.NetInf, cfg.ModelID
	out.Interface = &iface
	out.ModelID = &model
	if st, ok := s.PumpStatus(legacy.LastID); ok {
		out.Pump = &st
	}
	return out
}

// LegacyStatus is the single-slot prediction status older clients poll.
func (s *Service) LegacyStatus() session.LegacyStatus {
	return s.sessions.LegacyStatus(session.KindPrediction)
}
