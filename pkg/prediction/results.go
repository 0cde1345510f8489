package prediction

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/ndrlab/ndr-orchestrator/pkg/classifier"
	"github.com/ndrlab/ndr-orchestrator/pkg/security"
	"github.com/ndrlab/ndr-orchestrator/pkg/session"
)

var (
	ErrPredictionNotFound = errors.New("prediction: not found")
	ErrResultsMissing     = errors.New("prediction: results not available")
	ErrPredictionFailed   = errors.New("prediction: completed without results")
)

// InProgressError is returned while a prediction is still running.
type InProgressError struct {
	PredictionID string
	StartedAt    time.Time
}

func (e *InProgressError) Error() string {
	return fmt.Sprintf("prediction %s is still in progress", e.PredictionID)
}

// Result is the latest statistics row of a prediction.
type Result struct {
	PredictionID string           `json:"predictionId"`
	Prediction   string           `json:"prediction"`
	Stats        classifier.Stats `json:"stats"`
}

// Result reads the statistics of a finished prediction. It fails with an
// *InProgressError while the prediction runs, ErrPredictionNotFound when
// nothing was ever written for id, ErrPredictionFailed when the session
// finished without statistics and ErrResultsMissing otherwise.
func (s *Service) Result(id string) (*Result, error) {
	if security.ValidateSessionID(id) != nil {
		return nil, ErrPredictionNotFound
	}
	sess, known := s.sessions.Get(session.KindPrediction, id)
	if known && sess.IsRunning {
		return nil, &InProgressError{PredictionID: id, StartedAt: sess.CreatedAt}
	}

	dir := s.outputDir(id)
	stats, raw, err := classifier.ReadStats(dir)
	if err == nil || raw != "" {
		// A malformed stats file is still served raw.
		return &Result{PredictionID: id, Prediction: raw, Stats: stats}, nil
	}
	if !fileExists(dir) {
		return nil, ErrPredictionNotFound
	}
	if known {
		return nil, ErrPredictionFailed
	}
	return nil, fmt.Errorf("%w: %v", ErrResultsMissing, err)
}

// Artifact returns the path of a prediction artifact such as
// classifier.AttacksFile. It fails with ErrPredictionNotFound when the
// file does not exist.
func (s *Service) Artifact(id, name string) (string, error) {
	if security.ValidateSessionID(id) != nil {
		return "", ErrPredictionNotFound
	}
	path, ok := classifier.ArtifactPath(s.outputDir(id), name)
	if !ok {
		return "", fmt.Errorf("%w: %s of %s", ErrPredictionNotFound, name, id)
	}
	return path, nil
}

// List returns the ids of every prediction with an output directory.
func (s *Service) List() ([]string, error) {
	entries, err := os.ReadDir(s.paths.Predictions)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}
