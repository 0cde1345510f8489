package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndrlab/ndr-orchestrator/pkg/core"
)

func TestRedisBroker_KeyLayout(t *testing.T) {
	b, mr := newTestRedisBroker(t)
	ctx := context.Background()

	job := newTestJob(testQueue, "job-1", 2)
	require.NoError(t, b.Enqueue(ctx, job))

	assert.True(t, mr.Exists("test:prediction:job:job-1"))
	members, err := mr.ZMembers("test:prediction:waiting")
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, members)

	score, err := mr.ZScore("test:prediction:waiting", "job-1")
	require.NoError(t, err)
	assert.Equal(t, float64(2*priorityStride+job.Seq), score)
}

func TestRedisBroker_DelayedEnqueue(t *testing.T) {
	b, mr := newTestRedisBroker(t)
	ctx := context.Background()

	job := newTestJob(testQueue, "later", 5)
	runAt := time.Now().Add(time.Hour)
	job.RunAt = &runAt
	require.NoError(t, b.Enqueue(ctx, job))
	assert.Equal(t, core.StatusDelayed, job.Status)

	members, err := mr.ZMembers("test:prediction:delayed")
	require.NoError(t, err)
	assert.Equal(t, []string{"later"}, members)

	got, err := b.Dequeue(ctx, testQueue, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisBroker_DequeueSkipsVanishedJob(t *testing.T) {
	b, mr := newTestRedisBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, newTestJob(testQueue, "ghost", 5)))
	mr.Del("test:prediction:job:ghost")

	got, err := b.Dequeue(ctx, testQueue, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.False(t, mr.Exists("test:prediction:active"), "vanished job leaves no active entry")
}

func TestRedisBroker_DefaultPrefix(t *testing.T) {
	b, _ := newTestRedisBroker(t)
	assert.Equal(t, "test", b.prefix)

	d := NewRedisBroker(b.client, "")
	assert.Equal(t, DefaultKeyPrefix, d.prefix)
}

func TestRedisBroker_TrimIgnoresNonTerminalStatus(t *testing.T) {
	b, _ := newTestRedisBroker(t)
	n, err := b.Trim(context.Background(), testQueue, core.StatusWaiting, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}
