package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndrlab/ndr-orchestrator/pkg/core"
	"github.com/ndrlab/ndr-orchestrator/pkg/security"
	"github.com/ndrlab/ndr-orchestrator/pkg/storage"
)

func TestNew_DefaultDefinitions(t *testing.T) {
	m, _ := newTestManager(t)

	defs := m.Definitions()
	require.Len(t, defs, 7)
	assert.Equal(t, FeatureExtraction, defs[0].Name)
	assert.Equal(t, ModelRetraining, defs[6].Name)

	assert.Equal(t, 3, m.Workers(Prediction))
	assert.Equal(t, 1, m.Workers(XAIExplanations))
	assert.Equal(t, 0, m.Workers("nope"))
}

func TestWithWorkers_OverridesAndClamps(t *testing.T) {
	m, _ := newTestManager(t, WithWorkers(map[string]int{
		Prediction:    5,
		ModelTraining: 0,
		"unknown":     9,
	}))

	assert.Equal(t, 5, m.Workers(Prediction))
	assert.Equal(t, 1, m.Workers(ModelTraining))
	_, ok := m.Definition("unknown")
	assert.False(t, ok)
}

func TestSubmit_UnknownQueue(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Submit(context.Background(), "video-transcoding", predictPayload{})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrUnknownQueue)

	var uq *core.UnknownQueueError
	require.ErrorAs(t, err, &uq)
	assert.Equal(t, "video-transcoding", uq.Queue)
}

func TestSubmit_AcceptsJob(t *testing.T) {
	m, b := newTestManager(t)
	ctx := context.Background()

	res, err := m.Submit(ctx, Prediction, predictPayload{File: "a.csv", Model: "rf"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.JobID)
	assert.Equal(t, Prediction, res.Queue)
	assert.Equal(t, 0, res.Position)
	assert.Equal(t, WaitEstimate{Seconds: 0, Minutes: 0, Formatted: "0 seconds"}, res.EstimatedWait)
	assert.True(t, m.IsBrokerAvailable())

	job, err := b.GetJob(ctx, Prediction, res.JobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "predict", job.Name)
	assert.Equal(t, core.DefaultPriority, job.Priority)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, 2*time.Second, job.BackoffDelay)
	assert.Equal(t, 5*time.Minute, job.Timeout)
	assert.JSONEq(t, `{"file":"a.csv","model":"rf"}`, string(job.Payload))
}

func TestSubmit_PredictionRequest(t *testing.T) {
	m, b := newTestManager(t)
	ctx := context.Background()

	res, err := m.Submit(ctx, Prediction, map[string]string{"modelId": "m1", "reportId": "r1"}, Priority(5))
	require.NoError(t, err)
	assert.Equal(t, Prediction, res.Queue)
	assert.GreaterOrEqual(t, res.Position, 0)
	assert.NotEmpty(t, res.JobID)

	job, err := b.GetJob(ctx, Prediction, res.JobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 5, job.Priority)
	assert.JSONEq(t, `{"modelId":"m1","reportId":"r1"}`, string(job.Payload))
}

func TestSubmit_PositionAndEstimate(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var last *SubmitResult
	for i := 0; i < 3; i++ {
		res, err := m.Submit(ctx, Prediction, predictPayload{})
		require.NoError(t, err)
		assert.Equal(t, i, res.Position)
		last = res
	}
	// ceil(2 / 3 workers * 30s)
	assert.Equal(t, int64(20), last.EstimatedWait.Seconds)
	assert.Equal(t, int64(1), last.EstimatedWait.Minutes)
	assert.Equal(t, "20 seconds", last.EstimatedWait.Formatted)
}

func TestSubmit_LowerPriorityJumpsAhead(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Submit(ctx, ModelTraining, predictPayload{})
	require.NoError(t, err)
	_, err = m.Submit(ctx, ModelTraining, predictPayload{})
	require.NoError(t, err)

	urgent, err := m.Submit(ctx, ModelTraining, predictPayload{}, Priority(1))
	require.NoError(t, err)
	assert.Equal(t, 0, urgent.Position)

	late, err := m.Submit(ctx, ModelTraining, predictPayload{}, Priority(9))
	require.NoError(t, err)
	assert.Equal(t, 3, late.Position)
	// ceil(3 / 2 workers * 300s) = 450s
	assert.Equal(t, "8 minutes", late.EstimatedWait.Formatted)
}

func TestSubmit_Options(t *testing.T) {
	m, b := newTestManager(t)
	ctx := context.Background()

	res, err := m.Submit(ctx, ModelRetraining, map[string]string{"model": "m1"},
		JobID("retrain-m1-d1-1700000000000"),
		Name("retrain"),
		Timeout(time.Minute),
		Attempts(5),
		Priority(2),
	)
	require.NoError(t, err)
	assert.Equal(t, "retrain-m1-d1-1700000000000", res.JobID)

	job, err := b.GetJob(ctx, ModelRetraining, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, job.Timeout)
	assert.Equal(t, 5, job.MaxAttempts)
	assert.Equal(t, 2, job.Priority)
}

func TestSubmit_DelayedJob(t *testing.T) {
	m, b := newTestManager(t)
	ctx := context.Background()

	res, err := m.Submit(ctx, Prediction, predictPayload{}, Delay(time.Hour))
	require.NoError(t, err)

	job, err := b.GetJob(ctx, Prediction, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusDelayed, job.Status)
}

func TestSubmit_DuplicateJobID(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Submit(ctx, Prediction, predictPayload{}, JobID("same"))
	require.NoError(t, err)
	_, err = m.Submit(ctx, Prediction, predictPayload{}, JobID("same"))
	assert.ErrorIs(t, err, core.ErrDuplicateJob)
}

func TestSubmit_InvalidJobID(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Submit(context.Background(), Prediction, predictPayload{}, JobID("../etc"))
	assert.ErrorIs(t, err, core.ErrInvalidJobID)
}

func TestSubmit_PayloadTooLarge(t *testing.T) {
	m, _ := newTestManager(t)

	big := strings.Repeat("x", security.MaxPayloadSize)
	_, err := m.Submit(context.Background(), Prediction, big)
	assert.ErrorIs(t, err, core.ErrPayloadTooLarge)
}

func TestSubmit_BrokerUnavailable(t *testing.T) {
	m, fb := newFlakyManager(t, WithConnectTimeout(50*time.Millisecond))
	fb.down.Store(true)

	_, err := m.Submit(context.Background(), Prediction, predictPayload{})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrBrokerUnavailable)

	var bu *core.BrokerUnavailableError
	require.ErrorAs(t, err, &bu)
	assert.ErrorIs(t, bu, errConnRefused)

	assert.False(t, m.IsBrokerAvailable())
	assert.Equal(t, int32(0), fb.enqueues.Load(), "nothing is accepted while the broker is down")
}

func TestSubmit_BrokerRecovers(t *testing.T) {
	m, fb := newFlakyManager(t)
	fb.down.Store(true)
	require.False(t, m.Probe(context.Background()))

	fb.down.Store(false)
	res, err := m.Submit(context.Background(), Prediction, predictPayload{})
	require.NoError(t, err)
	assert.NotEmpty(t, res.JobID)
	assert.True(t, m.IsBrokerAvailable())
}

func TestSubmit_BrokerDropsDuringEnqueue(t *testing.T) {
	m, fb := newFlakyManager(t)
	require.True(t, m.Probe(context.Background()))

	fb.down.Store(true)
	_, err := m.Submit(context.Background(), Prediction, predictPayload{})
	assert.ErrorIs(t, err, core.ErrBrokerUnavailable)
	assert.False(t, m.IsBrokerAvailable())
}

func TestSubmit_EnqueueErrorWithHealthyBroker(t *testing.T) {
	m, fb := newFlakyManager(t)
	fb.failEnqueue.Store(true)

	_, err := m.Submit(context.Background(), Prediction, predictPayload{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrBrokerUnavailable)
	assert.Contains(t, err.Error(), "failed to enqueue")
	assert.True(t, m.IsBrokerAvailable())
}

func TestSubmit_SilentRedisFailsWithinConnectTimeout(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: silentListener(t)})
	t.Cleanup(func() { _ = client.Close() })
	m := New(storage.NewRedisBroker(client, storage.DefaultKeyPrefix), WithConnectTimeout(200*time.Millisecond))

	start := time.Now()
	_, err := m.Submit(context.Background(), Prediction, predictPayload{})
	assert.ErrorIs(t, err, core.ErrBrokerUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, m.IsBrokerAvailable())
}

func TestBrokerCalls_BoundedByConnectTimeout(t *testing.T) {
	m := New(stallingBroker{Broker: newTestBroker(t)}, WithConnectTimeout(100*time.Millisecond))
	ctx := context.Background()

	calls := map[string]func() error{
		"submit": func() error {
			_, err := m.Submit(ctx, Prediction, predictPayload{})
			return err
		},
		"status": func() error {
			_, err := m.Status(ctx, "job-1", Prediction)
			return err
		},
		"cancel": func() error {
			_, err := m.Cancel(ctx, "job-1", Prediction)
			return err
		},
		"stats": func() error {
			_, err := m.Stats(ctx)
			return err
		},
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			start := time.Now()
			err := call()
			assert.ErrorIs(t, err, core.ErrBrokerUnavailable)
			assert.Less(t, time.Since(start), time.Second)
		})
	}
}

func TestBrokerCalls_CallerCancellationPassesThrough(t *testing.T) {
	m := New(stallingBroker{Broker: newTestBroker(t)}, WithConnectTimeout(time.Minute))
	require.True(t, m.Probe(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := m.Status(ctx, "job-1", Prediction)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, core.ErrBrokerUnavailable)
	assert.True(t, m.IsBrokerAvailable())
}

func TestProbe_EmitsStateChanges(t *testing.T) {
	m, fb := newFlakyManager(t)
	events := m.Events()
	defer m.Unsubscribe(events)

	require.True(t, m.Probe(context.Background()))
	fb.down.Store(true)
	require.False(t, m.Probe(context.Background()))
	require.False(t, m.Probe(context.Background()), "no event for an unchanged state")

	first := (<-events).(*core.BrokerStateChanged)
	assert.True(t, first.Available)
	second := (<-events).(*core.BrokerStateChanged)
	assert.False(t, second.Available)
	assert.ErrorIs(t, second.Error, errConnRefused)

	select {
	case e := <-events:
		t.Fatalf("unexpected event %T", e)
	default:
	}
}

func TestStatus_NotFound(t *testing.T) {
	m, _ := newTestManager(t)

	report, err := m.Status(context.Background(), "missing", Prediction)
	require.NoError(t, err)
	assert.Equal(t, core.StatusNotFound, report.Status)
	assert.Nil(t, report.Position)
	assert.Nil(t, report.EstimatedWait)

	data, err := json.Marshal(report)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"not-found","message":"Job not found","progress":0,"attemptsMade":0}`, string(data))
}

func TestStatus_UnknownQueue(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Status(context.Background(), "id", "nope")
	assert.ErrorIs(t, err, core.ErrUnknownQueue)
}

func TestStatus_Waiting(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Submit(ctx, Prediction, predictPayload{File: "first.csv"})
	require.NoError(t, err)
	res, err := m.Submit(ctx, Prediction, predictPayload{File: "second.csv"})
	require.NoError(t, err)

	report, err := m.Status(ctx, res.JobID, Prediction)
	require.NoError(t, err)
	assert.Equal(t, core.StatusWaiting, report.Status)
	require.NotNil(t, report.Position)
	assert.Equal(t, 1, *report.Position)
	require.NotNil(t, report.EstimatedWait)
	assert.Equal(t, int64(10), report.EstimatedWait.Seconds)
	assert.JSONEq(t, `{"file":"second.csv","model":""}`, string(report.Data))
}

func TestStatus_CompletedAndFailed(t *testing.T) {
	m, b := newTestManager(t)
	ctx := context.Background()

	ok, err := m.Submit(ctx, RuleBasedDetection, predictPayload{})
	require.NoError(t, err)
	bad, err := m.Submit(ctx, RuleBasedDetection, predictPayload{})
	require.NoError(t, err)

	job, err := b.Dequeue(ctx, RuleBasedDetection, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.UpdateProgress(ctx, RuleBasedDetection, job.ID, 100))
	require.NoError(t, b.Complete(ctx, job, []byte(`{"alerts":3}`)))

	job, err = b.Dequeue(ctx, RuleBasedDetection, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.Fail(ctx, job, "rules file missing", nil))

	report, err := m.Status(ctx, ok.JobID, RuleBasedDetection)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, report.Status)
	assert.Equal(t, 100, report.Progress)
	assert.JSONEq(t, `{"alerts":3}`, string(report.Result))
	assert.NotNil(t, report.ProcessedOn)
	assert.NotNil(t, report.FinishedOn)
	assert.Nil(t, report.Position)
	assert.Nil(t, report.EstimatedWait)

	again, err := m.Status(ctx, ok.JobID, RuleBasedDetection)
	require.NoError(t, err)
	assert.Equal(t, report, again, "status of a finished job is stable")

	report, err = m.Status(ctx, bad.JobID, RuleBasedDetection)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, report.Status)
	assert.Equal(t, "rules file missing", report.FailedReason)
	assert.Equal(t, 1, report.AttemptsMade)
}

func TestStatus_BrokerDown(t *testing.T) {
	m, fb := newFlakyManager(t)
	require.True(t, m.Probe(context.Background()))
	fb.down.Store(true)

	_, err := m.Status(context.Background(), "id", Prediction)
	assert.ErrorIs(t, err, core.ErrBrokerUnavailable)
}

func TestCancel(t *testing.T) {
	m, b := newTestManager(t)
	ctx := context.Background()

	waiting, err := m.Submit(ctx, FeatureExtraction, predictPayload{}, Priority(9))
	require.NoError(t, err)
	running, err := m.Submit(ctx, FeatureExtraction, predictPayload{}, Priority(1))
	require.NoError(t, err)
	_, err = b.Dequeue(ctx, FeatureExtraction, "w1", time.Minute)
	require.NoError(t, err)

	res, err := m.Cancel(ctx, waiting.JobID, FeatureExtraction)
	require.NoError(t, err)
	assert.Equal(t, &CancelResult{Success: true, Message: "Job cancelled"}, res)

	res, err = m.Cancel(ctx, waiting.JobID, FeatureExtraction)
	require.NoError(t, err)
	assert.Equal(t, &CancelResult{Success: false, Message: "Job not found"}, res)

	res, err = m.Cancel(ctx, running.JobID, FeatureExtraction)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "running")

	report, err := m.Status(ctx, waiting.JobID, FeatureExtraction)
	require.NoError(t, err)
	assert.Equal(t, core.StatusNotFound, report.Status)

	_, err = m.Cancel(ctx, "id", "nope")
	assert.ErrorIs(t, err, core.ErrUnknownQueue)
}

func TestStats(t *testing.T) {
	m, b := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.Submit(ctx, Prediction, predictPayload{})
		require.NoError(t, err)
	}
	_, err := m.Submit(ctx, ModelTraining, predictPayload{})
	require.NoError(t, err)

	job, err := b.Dequeue(ctx, Prediction, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.Complete(ctx, job, nil))
	_, err = b.Dequeue(ctx, Prediction, "w1", time.Minute)
	require.NoError(t, err)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats.Queues, 7)

	pred := stats.Queues[Prediction]
	assert.Equal(t, int64(1), pred.Waiting)
	assert.Equal(t, int64(1), pred.Active)
	assert.Equal(t, int64(1), pred.Completed)
	assert.Equal(t, 3, pred.Workers)

	assert.Equal(t, int64(1), stats.Queues[ModelTraining].Waiting)
	assert.Equal(t, 2, stats.Queues[ModelTraining].Workers)

	assert.Equal(t, core.JobCounts{Waiting: 2, Active: 1, Completed: 1}, stats.Total)
	assert.False(t, pred.Handled)
}

func TestStats_ReportsHandledQueues(t *testing.T) {
	m, _ := newTestManager(t)
	assert.Len(t, m.Unhandled(), 7)

	m.Register(Prediction, func(ctx context.Context, p predictPayload) error { return nil })

	unhandled := m.Unhandled()
	assert.Len(t, unhandled, 6)
	assert.NotContains(t, unhandled, Prediction)
	assert.Equal(t, FeatureExtraction, unhandled[0])

	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	for name, qs := range stats.Queues {
		assert.Equal(t, name == Prediction, qs.Handled, name)
	}
}

func TestCleanup(t *testing.T) {
	m, b := newTestManager(t)
	ctx := context.Background()

	_, err := m.Submit(ctx, Prediction, predictPayload{})
	require.NoError(t, err)
	_, err = m.Submit(ctx, Prediction, predictPayload{})
	require.NoError(t, err)
	job, err := b.Dequeue(ctx, Prediction, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.Complete(ctx, job, nil))

	n, err := m.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = m.Cleanup(ctx, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total.Waiting)
	assert.Equal(t, int64(0), stats.Total.Completed)
}

func TestRegister(t *testing.T) {
	m, _ := newTestManager(t)

	m.Register(Prediction, func(ctx context.Context, p predictPayload) error { return nil })
	_, ok := m.Handler(Prediction)
	assert.True(t, ok)
	_, ok = m.Handler(ModelTraining)
	assert.False(t, ok)

	assert.Panics(t, func() {
		m.Register("nope", func(ctx context.Context, p predictPayload) error { return nil })
	})
	assert.Panics(t, func() { m.Register(Prediction, "not a func") })
}

func TestHooks_CalledInOrder(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	job := &core.Job{ID: "j"}
	boom := errors.New("boom")

	var calls []string
	m.OnJobStart(func(context.Context, *core.Job) { calls = append(calls, "start") })
	m.OnJobComplete(func(context.Context, *core.Job) { calls = append(calls, "complete") })
	m.OnJobFail(func(_ context.Context, _ *core.Job, err error) {
		assert.ErrorIs(t, err, boom)
		calls = append(calls, "fail")
	})
	m.OnRetry(func(_ context.Context, _ *core.Job, attempt int, _ error) {
		assert.Equal(t, 2, attempt)
		calls = append(calls, "retry")
	})

	m.CallStartHooks(ctx, job)
	m.CallRetryHooks(ctx, job, 2, boom)
	m.CallFailHooks(ctx, job, boom)
	m.CallCompleteHooks(ctx, job)

	assert.Equal(t, []string{"start", "retry", "fail", "complete"}, calls)
}

func TestEvents_UnsubscribeStopsDelivery(t *testing.T) {
	m, _ := newTestManager(t)
	ch := m.Events()
	m.Unsubscribe(ch)

	m.Emit(&core.JobStarted{Job: &core.Job{ID: "x"}})
	select {
	case <-ch:
		t.Fatal("event delivered after Unsubscribe")
	default:
	}
}

func TestManager_EstimateWait(t *testing.T) {
	m, _ := newTestManager(t)

	est, err := m.EstimateWait(ModelTraining, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(600), est.Seconds)
	assert.Equal(t, "10 minutes", est.Formatted)

	_, err = m.EstimateWait("nope", 1)
	assert.ErrorIs(t, err, core.ErrUnknownQueue)
}
