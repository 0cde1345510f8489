package queue

import "time"

// Queue names.
const (
	FeatureExtraction  = "feature-extraction"
	ModelTraining      = "model-training"
	Prediction         = "prediction"
	RuleBasedDetection = "rule-based-detection"
	XAIExplanations    = "xai-explanations"
	AdversarialAttacks = "adversarial-attacks"
	ModelRetraining    = "model-retraining"
)

// Definition is the static configuration of one queue.
type Definition struct {
	Name string

	// Workers is the number of jobs the queue runs in parallel.
	Workers int
	// WorkersEnv names the environment variable that overrides Workers.
	WorkersEnv string

	// Attempts is the total number of tries, including the first.
	Attempts int
	// Backoff is the delay before the first retry; it doubles per retry.
	Backoff time.Duration
	Timeout time.Duration

	// AvgDuration feeds wait estimates.
	AvgDuration time.Duration

	// JobName labels jobs submitted without an explicit name.
	JobName string

	// KeepCompleted and KeepFailed bound how many finished jobs are retained.
	KeepCompleted int
	KeepFailed    int
}

// DefaultDefinitions returns the seven queues of the detection console in
// declaration order.
func DefaultDefinitions() []Definition {
	return []Definition{
		{
			Name: FeatureExtraction, Workers: 3, WorkersEnv: "FEATURE_WORKERS",
			Attempts: 3, Backoff: 2 * time.Second, Timeout: 5 * time.Minute,
			AvgDuration: 60 * time.Second, JobName: "extract",
			KeepCompleted: 100, KeepFailed: 50,
		},
		{
			Name: ModelTraining, Workers: 2, WorkersEnv: "TRAINING_WORKERS",
			Attempts: 2, Backoff: 5 * time.Second, Timeout: 15 * time.Minute,
			AvgDuration: 300 * time.Second, JobName: "train",
			KeepCompleted: 50, KeepFailed: 25,
		},
		{
			Name: Prediction, Workers: 3, WorkersEnv: "PREDICTION_WORKERS",
			Attempts: 3, Backoff: 2 * time.Second, Timeout: 5 * time.Minute,
			AvgDuration: 30 * time.Second, JobName: "predict",
			KeepCompleted: 100, KeepFailed: 50,
		},
		{
			Name: RuleBasedDetection, Workers: 2, WorkersEnv: "RULEBASED_WORKERS",
			Attempts: 2, Backoff: 2 * time.Second, Timeout: 5 * time.Minute,
			AvgDuration: 45 * time.Second, JobName: "detect",
			KeepCompleted: 100, KeepFailed: 50,
		},
		{
			Name: XAIExplanations, Workers: 1, WorkersEnv: "XAI_WORKERS",
			Attempts: 2, Backoff: 3 * time.Second, Timeout: 10 * time.Minute,
			AvgDuration: 60 * time.Second, JobName: "explain",
			KeepCompleted: 100, KeepFailed: 50,
		},
		{
			Name: AdversarialAttacks, Workers: 2, WorkersEnv: "ATTACK_WORKERS",
			Attempts: 2, Backoff: 5 * time.Second, Timeout: 15 * time.Minute,
			AvgDuration: 60 * time.Second, JobName: "attack",
			KeepCompleted: 50, KeepFailed: 25,
		},
		{
			Name: ModelRetraining, Workers: 2, WorkersEnv: "RETRAIN_WORKERS",
			Attempts: 2, Backoff: 5 * time.Second, Timeout: 20 * time.Minute,
			AvgDuration: 60 * time.Second, JobName: "retrain",
			KeepCompleted: 50, KeepFailed: 25,
		},
	}
}

// XAIJobName builds the job name used for explanation jobs.
func XAIJobName(xaiType, modelID string) string {
	return xaiType + "-" + modelID
}

// AttackJobName builds the job name used for adversarial attack jobs.
func AttackJobName(attackType, modelID string) string {
	return attackType + "-" + modelID
}

// RetrainJobID builds the caller-chosen id used for retraining jobs.
func RetrainJobID(modelID, datasetID string, at time.Time) string {
	return "retrain-" + modelID + "-" + datasetID + "-" + formatMillis(at)
}
