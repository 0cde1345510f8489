package queue

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ndrlab/ndr-orchestrator/pkg/core"
	"github.com/ndrlab/ndr-orchestrator/pkg/storage"
)

func newTestBroker(t *testing.T) *storage.GormBroker {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open in-memory sqlite")

	b, err := storage.NewGormBrokerWithPool(db, storage.WithPoolConfig(storage.SingleConnPoolConfig()))
	require.NoError(t, err)
	require.NoError(t, b.Migrate(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newTestManager(t *testing.T, opts ...ManagerOption) (*Manager, *storage.GormBroker) {
	t.Helper()
	b := newTestBroker(t)
	return New(b, opts...), b
}

// flakyBroker wraps a real broker and fails on demand.
type flakyBroker struct {
	core.Broker
	down        atomic.Bool
	failEnqueue atomic.Bool
	enqueues    atomic.Int32
}

var errConnRefused = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

func (b *flakyBroker) Ping(ctx context.Context) error {
	if b.down.Load() {
		return errConnRefused
	}
	return b.Broker.Ping(ctx)
}

func (b *flakyBroker) Enqueue(ctx context.Context, job *core.Job) error {
	b.enqueues.Add(1)
	if b.down.Load() {
		return errConnRefused
	}
	if b.failEnqueue.Load() {
		return errors.New("constraint violated")
	}
	return b.Broker.Enqueue(ctx, job)
}

func (b *flakyBroker) GetJob(ctx context.Context, queue, jobID string) (*core.Job, error) {
	if b.down.Load() {
		return nil, errConnRefused
	}
	return b.Broker.GetJob(ctx, queue, jobID)
}

func newFlakyManager(t *testing.T, opts ...ManagerOption) (*Manager, *flakyBroker) {
	t.Helper()
	fb := &flakyBroker{Broker: newTestBroker(t)}
	return New(fb, opts...), fb
}

type predictPayload struct {
	File  string `json:"file"`
	Model string `json:"model"`
}

// stallingBroker answers pings but never returns from request calls until
// their context ends.
type stallingBroker struct {
	core.Broker
}

func (stallingBroker) Ping(context.Context) error { return nil }

func (stallingBroker) Enqueue(ctx context.Context, _ *core.Job) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stallingBroker) GetJob(ctx context.Context, _, _ string) (*core.Job, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stallingBroker) Remove(ctx context.Context, _, _ string) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func (stallingBroker) Counts(ctx context.Context, _ string) (core.JobCounts, error) {
	<-ctx.Done()
	return core.JobCounts{}, ctx.Err()
}

// silentListener accepts TCP connections and never writes to them.
func silentListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return ln.Addr().String()
}
