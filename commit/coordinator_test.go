package commit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"

	"github.com/mkocikowski/kafkaconsumer"
	"github.com/mkocikowski/kafkaconsumer/client/clienttest"
	"github.com/mkocikowski/kafkaconsumer/owner"
)

var t0 = kafkaconsumer.TopicPartition{Topic: "t", Partition: 0}

func newCoordinator(t *testing.T) (*Coordinator, *clienttest.Fake, *owner.Guard) {
	t.Helper()
	f := clienttest.New()
	g := &owner.Guard{}
	c := New(f, g, log.NewNopLogger(), prometheus.NewRegistry())
	t.Cleanup(func() { c.Close(context.Background()) })
	return c, f, g
}

func TestUnitCommitSyncEmptyIsNop(t *testing.T) {
	c, f, _ := newCoordinator(t)
	f.CommitErr = func(kafkaconsumer.Offsets) error { t.Fatal("broker called"); return nil }
	offsets, err := c.CommitSync(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, offsets)
	require.Empty(t, offsets)
	require.Equal(t, 0, f.Commits)
	require.Equal(t, 1.0, testutil.ToFloat64(c.metrics.commits.WithLabelValues("sync", "noop")))
}

func TestUnitCommitSync(t *testing.T) {
	c, f, _ := newCoordinator(t)
	offsets, err := c.CommitSync(context.Background(), kafkaconsumer.Offsets{t0: 10})
	require.NoError(t, err)
	require.Equal(t, int64(10), offsets[t0])
	require.Equal(t, int64(10), f.Committed()[t0])
}

func TestUnitCommitSyncRejected(t *testing.T) {
	c, f, _ := newCoordinator(t)
	f.CommitErr = func(o kafkaconsumer.Offsets) error {
		return &kafkaconsumer.CommitError{Offsets: o, Err: kerr.IllegalGeneration}
	}
	_, err := c.CommitSync(context.Background(), kafkaconsumer.Offsets{t0: 10})
	require.ErrorIs(t, err, kafkaconsumer.ErrCommit)
	require.ErrorIs(t, err, kerr.IllegalGeneration)
	require.False(t, kafkaconsumer.IsRetriable(err))
	// errors not classified by the client are wrapped
	f.CommitErr = func(kafkaconsumer.Offsets) error { return errors.New("boom") }
	_, err = c.CommitSync(context.Background(), kafkaconsumer.Offsets{t0: 10})
	var commitErr *kafkaconsumer.CommitError
	require.True(t, errors.As(err, &commitErr))
	require.Equal(t, int64(10), commitErr.Offsets[t0])
}

func TestUnitCommitAsyncOrder(t *testing.T) {
	c, f, _ := newCoordinator(t)
	f.CommitDelay = time.Millisecond
	var (
		mu    sync.Mutex
		order []int64
		wg    sync.WaitGroup
	)
	for i := int64(1); i <= 20; i++ {
		wg.Add(1)
		c.CommitAsync(kafkaconsumer.Offsets{t0: i}, func(r Result) {
			if r.Err != nil {
				t.Error(r.Err)
			}
			mu.Lock()
			order = append(order, r.Offsets[t0])
			mu.Unlock()
			wg.Done()
		})
	}
	// sync commit issued after async commits observes them
	_, err := c.CommitSync(context.Background(), kafkaconsumer.Offsets{t0: 100})
	require.NoError(t, err)
	mu.Lock()
	require.Len(t, order, 20)
	mu.Unlock()
	wg.Wait()
	for i, o := range order {
		require.Equal(t, int64(i+1), o)
	}
	require.Equal(t, int64(100), f.Committed()[t0])
}

func TestUnitCommitAsyncExactlyOnceAndReentry(t *testing.T) {
	c, _, g := newCoordinator(t)
	calls := make(chan Result, 2)
	var reentry error
	c.CommitAsync(kafkaconsumer.Offsets{t0: 1}, func(r Result) {
		// what the consumer does on entry to every method
		reentry = g.Acquire()
		calls <- r
	})
	r := <-calls
	require.True(t, r.OK())
	require.ErrorIs(t, reentry, kafkaconsumer.ErrReentrantCall)
	require.NoError(t, c.Close(context.Background()))
	require.Len(t, calls, 0)
}

func TestUnitDeliveredLast(t *testing.T) {
	c, f, _ := newCoordinator(t)
	t1 := kafkaconsumer.TopicPartition{Topic: "t", Partition: 1}
	c.Delivered([]*kafkaconsumer.Record{
		{TopicPartition: t0, Offset: 4},
		{TopicPartition: t0, Offset: 5},
		{TopicPartition: t1, Offset: 0},
	})
	last := c.Last()
	require.Equal(t, kafkaconsumer.Offsets{t0: 6, t1: 1}, last)
	_, err := c.CommitSync(context.Background(), c.Last())
	require.NoError(t, err)
	require.Equal(t, last, f.Committed())
	c.Forget([]kafkaconsumer.TopicPartition{t1})
	require.Equal(t, kafkaconsumer.Offsets{t0: 6}, c.Last())
	c.ResetLast()
	require.Empty(t, c.Last())
}

func TestUnitCommitSyncCancelledIsNotCommitted(t *testing.T) {
	c, f, _ := newCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.CommitSync(ctx, kafkaconsumer.Offsets{t0: 10})
	require.ErrorIs(t, err, context.Canceled)
	// the request may still be queued, wait for the worker to be done with it
	require.NoError(t, c.Close(context.Background()))
	require.Empty(t, f.Committed())
	require.Equal(t, 0, f.Commits)
}

func TestUnitCloseDiscards(t *testing.T) {
	c, f, _ := newCoordinator(t)
	f.CommitDelay = time.Hour
	results := make(chan Result, 3)
	for i := int64(0); i < 3; i++ {
		c.CommitAsync(kafkaconsumer.Offsets{t0: i}, func(r Result) { results <- r })
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, c.Close(ctx))
	require.Len(t, results, 3)
	for i := 0; i < 3; i++ {
		r := <-results
		require.False(t, r.OK())
	}
	// after close
	done := make(chan Result)
	c.CommitAsync(kafkaconsumer.Offsets{t0: 1}, func(r Result) { done <- r })
	require.ErrorIs(t, (<-done).Err, kafkaconsumer.ErrClosed)
	_, err := c.CommitSync(context.Background(), kafkaconsumer.Offsets{t0: 1})
	require.ErrorIs(t, err, kafkaconsumer.ErrClosed)
	require.Equal(t, 0, f.Commits)
}
