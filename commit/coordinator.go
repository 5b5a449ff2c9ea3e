// Package commit implements synchronous and asynchronous offset commits.
//
// All commits, synchronous or not, go through a single FIFO queue served by one goroutine (the
// completion goroutine). That gives the ordering guarantees: async completion callbacks are
// called in the order the commits were issued, and a sync commit issued after async commits runs
// only after they are done. Callbacks run on the completion goroutine. They must not block
// (that stalls all commits) and must not call the consumer (such calls fail with
// ErrReentrantCall).
package commit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mkocikowski/kafkaconsumer"
	"github.com/mkocikowski/kafkaconsumer/owner"
)

// Committer is implemented by client.Client.
type Committer interface {
	Commit(ctx context.Context, offsets kafkaconsumer.Offsets) error
}

// Result of a single commit. Exactly one of Offsets (on success) or Err is set; Offsets is set
// (possibly empty) on success.
type Result struct {
	Offsets kafkaconsumer.Offsets
	Err     error
}

func (r Result) OK() bool {
	return r.Err == nil
}

// CompletionFunc receives the result of an async commit. Called exactly once.
type CompletionFunc func(Result)

type request struct {
	ctx     context.Context
	offsets kafkaconsumer.Offsets
	fn      CompletionFunc // async
	done    chan Result    // sync
	queued  time.Time
}

func (r *request) mode() string {
	if r.done != nil {
		return "sync"
	}
	return "async"
}

// Coordinator must be created with New. CommitSync, CommitAsync, Delivered, and Last are called
// from the consumer's owner goroutine. Forget may be called from any goroutine.
type Coordinator struct {
	client  Committer
	guard   *owner.Guard
	logger  log.Logger
	metrics *metrics
	//
	mu sync.Mutex
	// last holds last delivered offset + 1 per partition
	last   kafkaconsumer.Offsets
	queue  []*request
	closed bool
	notify chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts the completion goroutine. Stop it with Close.
func New(c Committer, guard *owner.Guard, logger log.Logger, reg prometheus.Registerer) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	coordinator := &Coordinator{
		client:  c,
		guard:   guard,
		logger:  logger,
		metrics: newMetrics(reg),
		last:    make(kafkaconsumer.Offsets),
		notify:  make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go coordinator.run()
	return coordinator
}

// Delivered records offsets of records returned to the application.
func (c *Coordinator) Delivered(records []*kafkaconsumer.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range records {
		c.last[r.TopicPartition] = r.Offset + 1
	}
}

// Last returns, for each partition, the offset following the last record delivered.
func (c *Coordinator) Last() kafkaconsumer.Offsets {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last.Clone()
}

// ResetLast forgets delivered offsets. Called when the subscription changes.
func (c *Coordinator) ResetLast() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = make(kafkaconsumer.Offsets)
}

// Forget drops delivered offsets of partitions revoked from (or lost by) this consumer. If they
// are assigned back, another member may have committed past them in the meantime.
func (c *Coordinator) Forget(partitions []kafkaconsumer.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tp := range partitions {
		delete(c.last, tp)
	}
}

func (c *Coordinator) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Coordinator) enqueue(r *request) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	r.queued = time.Now()
	c.queue = append(c.queue, r)
	c.metrics.queued.Set(float64(len(c.queue)))
	c.signal()
	return true
}

func closedResult(offsets kafkaconsumer.Offsets) Result {
	return Result{Err: kafkaconsumer.Errorf("%w: commit of %d offsets discarded", kafkaconsumer.ErrClosed, len(offsets))}
}

// CommitSync commits offsets and blocks until the broker responds, ctx is done, or the
// coordinator is closed. Empty offsets is a nop: it returns at once without talking to the
// broker (and without waiting for queued async commits). Otherwise the commit runs after all
// async commits issued before it. Broker errors are returned as *CommitError; there are no
// retries.
func (c *Coordinator) CommitSync(ctx context.Context, offsets kafkaconsumer.Offsets) (kafkaconsumer.Offsets, error) {
	if len(offsets) == 0 {
		c.metrics.commits.WithLabelValues("sync", "noop").Inc()
		return kafkaconsumer.Offsets{}, nil
	}
	r := &request{
		ctx:     ctx,
		offsets: offsets.Clone(),
		done:    make(chan Result, 1),
	}
	if !c.enqueue(r) {
		res := closedResult(offsets)
		return nil, res.Err
	}
	select {
	case res := <-r.done:
		return res.Offsets, res.Err
	case <-ctx.Done():
		// the request stays queued; the client sees the same done ctx and fails fast
		return nil, &kafkaconsumer.CommitError{Offsets: r.offsets, Retriable: true, Err: ctx.Err()}
	}
}

// CommitAsync queues the commit and returns at once. fn (may be nil) is called exactly once with
// the result, on the completion goroutine. Errors are never returned from CommitAsync itself.
func (c *Coordinator) CommitAsync(offsets kafkaconsumer.Offsets, fn CompletionFunc) {
	if fn == nil {
		fn = func(Result) {}
	}
	r := &request{
		ctx:     c.ctx,
		offsets: offsets.Clone(),
		fn:      fn,
	}
	if !c.enqueue(r) {
		go fn(closedResult(offsets))
	}
}

func (c *Coordinator) next() (*request, bool) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			r := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.metrics.queued.Set(float64(len(c.queue)))
			c.mu.Unlock()
			return r, true
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return nil, false
		}
		<-c.notify
	}
}

func (c *Coordinator) run() {
	defer close(c.done)
	for {
		r, ok := c.next()
		if !ok {
			return
		}
		c.process(r)
	}
}

func classify(offsets kafkaconsumer.Offsets, err error) error {
	var commitErr *kafkaconsumer.CommitError
	if errors.As(err, &commitErr) {
		return err
	}
	return &kafkaconsumer.CommitError{
		Offsets:   offsets,
		Retriable: errors.Is(err, context.DeadlineExceeded),
		Err:       err,
	}
}

func outcome(res Result) string {
	switch {
	case res.OK():
		return "success"
	case errors.Is(res.Err, kafkaconsumer.ErrClosed):
		return "discarded"
	case kafkaconsumer.IsRetriable(res.Err):
		return "retriable"
	}
	return "fatal"
}

func (c *Coordinator) process(r *request) {
	var res Result
	switch {
	case c.ctx.Err() != nil:
		res = closedResult(r.offsets)
	case len(r.offsets) == 0:
		res = Result{Offsets: r.offsets}
	case r.ctx.Err() != nil:
		// the caller of CommitSync has already returned
		res = Result{Err: classify(r.offsets, r.ctx.Err())}
	default:
		start := time.Now()
		err := c.client.Commit(r.ctx, r.offsets)
		c.metrics.duration.Observe(time.Since(start).Seconds())
		if err != nil {
			res = Result{Err: classify(r.offsets, err)}
		} else {
			res = Result{Offsets: r.offsets}
		}
	}
	c.metrics.commits.WithLabelValues(r.mode(), outcome(res)).Inc()
	if !res.OK() {
		level.Warn(c.logger).Log("msg", "commit failed", "mode", r.mode(), "partitions", len(r.offsets), "err", res.Err)
	} else {
		level.Debug(c.logger).Log("msg", "committed", "mode", r.mode(), "partitions", len(r.offsets), "queued", time.Since(r.queued))
	}
	if r.done != nil {
		r.done <- res
		return
	}
	c.guard.Complete(func() { r.fn(res) })
}

// Close stops accepting commits and waits for queued commits to complete. If ctx is done first
// the flush has failed: the commit in flight is cancelled and all remaining queued commits are
// discarded, their callbacks receive an error wrapping ErrClosed. Close returns after every
// queued callback has been called.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.signal()
	select {
	case <-c.done:
		c.cancel()
		return nil
	case <-ctx.Done():
		level.Warn(c.logger).Log("msg", "failed to flush commits, discarding", "err", ctx.Err())
		c.cancel()
		<-c.done
		return kafkaconsumer.Errorf("error flushing commits: %w", ctx.Err())
	}
}
