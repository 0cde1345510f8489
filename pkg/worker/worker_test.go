package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ndrlab/ndr-orchestrator/pkg/core"
	"github.com/ndrlab/ndr-orchestrator/pkg/jobctx"
	"github.com/ndrlab/ndr-orchestrator/pkg/queue"
	"github.com/ndrlab/ndr-orchestrator/pkg/storage"
)

const testQueue = "scoring"

type scoreArgs struct {
	N int `json:"n"`
}

func testDefinition() queue.Definition {
	return queue.Definition{
		Name:          testQueue,
		Workers:       1,
		Attempts:      3,
		Backoff:       10 * time.Millisecond,
		Timeout:       2 * time.Second,
		AvgDuration:   time.Second,
		JobName:       "score",
		KeepCompleted: 100,
		KeepFailed:    100,
	}
}

func newTestBroker(t *testing.T) core.Broker {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	b, err := storage.NewGormBrokerWithPool(db, storage.WithPoolConfig(storage.SingleConnPoolConfig()))
	require.NoError(t, err)
	require.NoError(t, b.Migrate(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newTestManager(t *testing.T, def queue.Definition) *queue.Manager {
	t.Helper()
	return queue.New(newTestBroker(t), queue.WithDefinitions(def))
}

// startWorker runs w until the test ends.
func startWorker(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	})
}

func fastWorker(m *queue.Manager, opts ...WorkerOption) *Worker {
	opts = append([]WorkerOption{
		PollInterval(5 * time.Millisecond),
		WithDequeueRetry(RetryConfig{MaxAttempts: 1}),
	}, opts...)
	return NewWorker(m, opts...)
}

func waitForStatus(t *testing.T, m *queue.Manager, jobID string, want core.JobStatus) *queue.JobStatusReport {
	t.Helper()
	var report *queue.JobStatusReport
	require.Eventually(t, func() bool {
		r, err := m.Status(context.Background(), jobID, testQueue)
		if err != nil {
			return false
		}
		report = r
		return r.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", jobID, want)
	return report
}

func TestWorker_CompletesJobWithResult(t *testing.T) {
	m := newTestManager(t, testDefinition())
	m.Register(testQueue, func(ctx context.Context, args scoreArgs) (map[string]int, error) {
		assert.NoError(t, jobctx.ReportProgress(ctx, 50))
		return map[string]int{"double": args.N * 2}, nil
	})

	var completed atomic.Int32
	m.OnJobComplete(func(context.Context, *core.Job) { completed.Add(1) })

	res, err := m.Submit(context.Background(), testQueue, scoreArgs{N: 21})
	require.NoError(t, err)

	startWorker(t, fastWorker(m))

	report := waitForStatus(t, m, res.JobID, core.StatusCompleted)
	assert.JSONEq(t, `{"double":42}`, string(report.Result))
	assert.Equal(t, 50, report.Progress)
	assert.Equal(t, 1, report.AttemptsMade)
	assert.Eventually(t, func() bool { return completed.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestWorker_RetriesWithBackoff(t *testing.T) {
	m := newTestManager(t, testDefinition())

	var calls atomic.Int32
	m.Register(testQueue, func(ctx context.Context, args scoreArgs) error {
		if calls.Add(1) == 1 {
			return errors.New("classifier exited with code 1")
		}
		return nil
	})

	var retries atomic.Int32
	m.OnRetry(func(_ context.Context, _ *core.Job, attempt int, _ error) {
		assert.Equal(t, 1, attempt)
		retries.Add(1)
	})

	res, err := m.Submit(context.Background(), testQueue, scoreArgs{})
	require.NoError(t, err)

	startWorker(t, fastWorker(m))

	report := waitForStatus(t, m, res.JobID, core.StatusCompleted)
	assert.Equal(t, 2, report.AttemptsMade)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), retries.Load())
}

func TestWorker_FailsAfterAttemptsExhausted(t *testing.T) {
	def := testDefinition()
	def.Attempts = 2
	m := newTestManager(t, def)

	var calls atomic.Int32
	m.Register(testQueue, func(ctx context.Context, args scoreArgs) error {
		calls.Add(1)
		return errors.New("model file unreadable")
	})

	failed := make(chan error, 1)
	m.OnJobFail(func(_ context.Context, _ *core.Job, err error) { failed <- err })

	res, err := m.Submit(context.Background(), testQueue, scoreArgs{})
	require.NoError(t, err)

	startWorker(t, fastWorker(m))

	report := waitForStatus(t, m, res.JobID, core.StatusFailed)
	assert.Equal(t, "model file unreadable", report.FailedReason)
	assert.Equal(t, 2, report.AttemptsMade)
	assert.Equal(t, int32(2), calls.Load())

	select {
	case err := <-failed:
		assert.EqualError(t, err, "model file unreadable")
	case <-time.After(time.Second):
		t.Fatal("fail hook not called")
	}
}

func TestWorker_NoRetryFailsImmediately(t *testing.T) {
	m := newTestManager(t, testDefinition())

	var calls atomic.Int32
	m.Register(testQueue, func(ctx context.Context, args scoreArgs) error {
		calls.Add(1)
		return core.NoRetry(errors.New("bad input"))
	})

	res, err := m.Submit(context.Background(), testQueue, scoreArgs{})
	require.NoError(t, err)

	startWorker(t, fastWorker(m))

	report := waitForStatus(t, m, res.JobID, core.StatusFailed)
	assert.Equal(t, 1, report.AttemptsMade)
	assert.Contains(t, report.FailedReason, "bad input")
	assert.Equal(t, int32(1), calls.Load())
}

func TestWorker_TimeoutFailsJob(t *testing.T) {
	def := testDefinition()
	def.Attempts = 1
	def.Timeout = 50 * time.Millisecond
	m := newTestManager(t, def)

	m.Register(testQueue, func(ctx context.Context, args scoreArgs) error {
		<-ctx.Done()
		return ctx.Err()
	})

	res, err := m.Submit(context.Background(), testQueue, scoreArgs{})
	require.NoError(t, err)

	startWorker(t, fastWorker(m))

	report := waitForStatus(t, m, res.JobID, core.StatusFailed)
	assert.Contains(t, report.FailedReason, "timed out")
}

func TestWorker_RecoversFromPanic(t *testing.T) {
	def := testDefinition()
	def.Attempts = 1
	m := newTestManager(t, def)

	m.Register(testQueue, func(ctx context.Context, args scoreArgs) error {
		panic("nil model")
	})

	res, err := m.Submit(context.Background(), testQueue, scoreArgs{})
	require.NoError(t, err)

	startWorker(t, fastWorker(m))

	report := waitForStatus(t, m, res.JobID, core.StatusFailed)
	assert.Equal(t, "panic: nil model", report.FailedReason)
}

func TestWorker_RespectsConcurrencyLimit(t *testing.T) {
	def := testDefinition()
	def.Workers = 2
	m := newTestManager(t, def)

	var running, peak atomic.Int32
	m.Register(testQueue, func(ctx context.Context, args scoreArgs) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		running.Add(-1)
		return nil
	})

	ids := make([]string, 6)
	for i := range ids {
		res, err := m.Submit(context.Background(), testQueue, scoreArgs{N: i})
		require.NoError(t, err)
		ids[i] = res.JobID
	}

	startWorker(t, fastWorker(m))

	for _, id := range ids {
		waitForStatus(t, m, id, core.StatusCompleted)
	}
	assert.Equal(t, int32(2), peak.Load())
}

func TestWorker_ProcessesByPriority(t *testing.T) {
	m := newTestManager(t, testDefinition())

	var mu sync.Mutex
	var order []int
	m.Register(testQueue, func(ctx context.Context, args scoreArgs) error {
		mu.Lock()
		order = append(order, args.N)
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	_, err := m.Submit(ctx, testQueue, scoreArgs{N: 5}, queue.Priority(5))
	require.NoError(t, err)
	_, err = m.Submit(ctx, testQueue, scoreArgs{N: 9}, queue.Priority(9))
	require.NoError(t, err)
	_, err = m.Submit(ctx, testQueue, scoreArgs{N: 1}, queue.Priority(1))
	require.NoError(t, err)
	last, err := m.Submit(ctx, testQueue, scoreArgs{N: 6}, queue.Priority(5))
	require.NoError(t, err)

	startWorker(t, fastWorker(m))

	waitForStatus(t, m, last.JobID, core.StatusCompleted)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 5, 6, 9}, order)
}

func TestWorker_TrimsCompletedJobs(t *testing.T) {
	def := testDefinition()
	def.KeepCompleted = 2
	m := newTestManager(t, def)
	m.Register(testQueue, func(ctx context.Context, args scoreArgs) error { return nil })

	var last string
	for i := 0; i < 4; i++ {
		res, err := m.Submit(context.Background(), testQueue, scoreArgs{N: i})
		require.NoError(t, err)
		last = res.JobID
	}

	startWorker(t, fastWorker(m))

	waitForStatus(t, m, last, core.StatusCompleted)
	require.Eventually(t, func() bool {
		counts, err := m.Broker().Counts(context.Background(), testQueue)
		return err == nil && counts.Completed == 2 && counts.Waiting == 0
	}, 2*time.Second, 5*time.Millisecond)
}

// downBroker refuses every call while down is set.
type downBroker struct {
	core.Broker
	down atomic.Bool
}

func (b *downBroker) Ping(ctx context.Context) error {
	if b.down.Load() {
		return errors.New("connection refused")
	}
	return b.Broker.Ping(ctx)
}

func (b *downBroker) Dequeue(ctx context.Context, q, workerID string, lockFor time.Duration) (*core.Job, error) {
	if b.down.Load() {
		return nil, errors.New("connection refused")
	}
	return b.Broker.Dequeue(ctx, q, workerID, lockFor)
}

func TestWorker_ResumesWhenBrokerReturns(t *testing.T) {
	flaky := &downBroker{Broker: newTestBroker(t)}
	m := queue.New(flaky, queue.WithDefinitions(testDefinition()))
	m.Register(testQueue, func(ctx context.Context, args scoreArgs) error { return nil })

	res, err := m.Submit(context.Background(), testQueue, scoreArgs{})
	require.NoError(t, err)

	flaky.down.Store(true)
	require.False(t, m.Probe(context.Background()))

	startWorker(t, fastWorker(m, ProbeInterval(10*time.Millisecond)))

	time.Sleep(50 * time.Millisecond)
	job, err := flaky.Broker.GetJob(context.Background(), testQueue, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusWaiting, job.Status)

	flaky.down.Store(false)
	waitForStatus(t, m, res.JobID, core.StatusCompleted)
	assert.True(t, m.IsBrokerAvailable())
}

func TestWorker_StartRequiresHandler(t *testing.T) {
	m := newTestManager(t, testDefinition())

	err := NewWorker(m).Start(context.Background())
	assert.ErrorIs(t, err, core.ErrNoHandler)

	err = NewWorker(m, WorkerQueue("unknown")).Start(context.Background())
	assert.ErrorIs(t, err, core.ErrUnknownQueue)
}

func TestWorker_EmitsLifecycleEvents(t *testing.T) {
	m := newTestManager(t, testDefinition())
	m.Register(testQueue, func(ctx context.Context, args scoreArgs) error { return nil })
	events := m.Events()
	defer m.Unsubscribe(events)

	_, err := m.Submit(context.Background(), testQueue, scoreArgs{})
	require.NoError(t, err)

	startWorker(t, fastWorker(m))

	var started, completed bool
	timeout := time.After(5 * time.Second)
	for !(started && completed) {
		select {
		case e := <-events:
			switch e.(type) {
			case *core.JobStarted:
				started = true
			case *core.JobCompleted:
				completed = true
			}
		case <-timeout:
			t.Fatal("lifecycle events not received")
		}
	}
}
