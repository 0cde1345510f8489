package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ndrlab/ndr-orchestrator/pkg/core"
	"github.com/ndrlab/ndr-orchestrator/pkg/pump"
	"github.com/ndrlab/ndr-orchestrator/pkg/queue"
	"github.com/ndrlab/ndr-orchestrator/pkg/storage"
)

func newManager(t *testing.T) *queue.Manager {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	b, err := storage.NewGormBrokerWithPool(db, storage.WithPoolConfig(storage.SingleConnPoolConfig()))
	require.NoError(t, err)
	require.NoError(t, b.Migrate(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return queue.New(b)
}

func TestInstrument_CountsLifecycle(t *testing.T) {
	m := newManager(t)
	Instrument(m)

	ctx := context.Background()
	started := time.Now().Add(-3 * time.Second)
	job := &core.Job{ID: "j1", Queue: queue.Prediction, ProcessedAt: &started}

	startsBefore := testutil.ToFloat64(jobsStarted.WithLabelValues(queue.Prediction))
	completedBefore := testutil.ToFloat64(jobsFinished.WithLabelValues(queue.Prediction, "completed"))
	retriedBefore := testutil.ToFloat64(jobsFinished.WithLabelValues(queue.Prediction, "retried"))
	failedBefore := testutil.ToFloat64(jobsFinished.WithLabelValues(queue.Prediction, "failed"))

	m.CallStartHooks(ctx, job)
	m.CallRetryHooks(ctx, job, 1, errors.New("exit 2"))
	m.CallCompleteHooks(ctx, job)
	m.CallFailHooks(ctx, job, errors.New("exit 2"))

	assert.Equal(t, startsBefore+1, testutil.ToFloat64(jobsStarted.WithLabelValues(queue.Prediction)))
	assert.Equal(t, completedBefore+1, testutil.ToFloat64(jobsFinished.WithLabelValues(queue.Prediction, "completed")))
	assert.Equal(t, retriedBefore+1, testutil.ToFloat64(jobsFinished.WithLabelValues(queue.Prediction, "retried")))
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(jobsFinished.WithLabelValues(queue.Prediction, "failed")))
}

func TestIncSubmission_NormalizesLabels(t *testing.T) {
	before := testutil.ToFloat64(submissions.WithLabelValues("prediction", "accepted"))
	IncSubmission(" Prediction ", "ACCEPTED")
	assert.Equal(t, before+1, testutil.ToFloat64(submissions.WithLabelValues("prediction", "accepted")))
}

func TestObservePumpReport(t *testing.T) {
	before := testutil.ToFloat64(pumpReports.WithLabelValues("timed_out"))
	ObservePumpReport(pump.OutcomeTimedOut, 0)
	assert.Equal(t, before+1, testutil.ToFloat64(pumpReports.WithLabelValues("timed_out")))

	before = testutil.ToFloat64(pumpReports.WithLabelValues("processed"))
	ObservePumpReport(pump.OutcomeProcessed, 2*time.Second)
	assert.Equal(t, before+1, testutil.ToFloat64(pumpReports.WithLabelValues("processed")))
}

func TestPumpGauge(t *testing.T) {
	before := testutil.ToFloat64(pumpsRunning)
	PumpStarted()
	PumpStarted()
	PumpStopped()
	assert.Equal(t, before+1, testutil.ToFloat64(pumpsRunning))
	PumpStopped()
}

func TestQueueCollector(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	_, err := m.Submit(ctx, queue.Prediction, map[string]string{"file": "a.csv"})
	require.NoError(t, err)
	_, err = m.Submit(ctx, queue.Prediction, map[string]string{"file": "b.csv"})
	require.NoError(t, err)

	c := NewQueueCollector(m)
	defs := len(queue.DefaultDefinitions())
	// workers per queue, one availability gauge, five statuses per queue
	assert.Equal(t, defs+1+defs*5, testutil.CollectAndCount(c))

	expected := `
# HELP ndr_broker_available 1 when the last broker probe succeeded.
# TYPE ndr_broker_available gauge
ndr_broker_available 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "ndr_broker_available"))

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))
	families, err := reg.Gather()
	require.NoError(t, err)

	var waiting float64
	for _, f := range families {
		if f.GetName() != "ndr_queue_jobs" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := map[string]string{}
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["queue"] == queue.Prediction && labels["status"] == "waiting" {
				waiting = metric.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, waiting)
}

func TestRegisterTo(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterTo(reg))
	assert.Error(t, RegisterTo(reg), "second registration collides")
}
