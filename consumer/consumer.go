package consumer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/mkocikowski/kafkaconsumer"
	"github.com/mkocikowski/kafkaconsumer/client"
	"github.com/mkocikowski/kafkaconsumer/client/franz"
	"github.com/mkocikowski/kafkaconsumer/client/static"
	"github.com/mkocikowski/kafkaconsumer/commit"
	"github.com/mkocikowski/kafkaconsumer/conf"
	"github.com/mkocikowski/kafkaconsumer/offsets"
	"github.com/mkocikowski/kafkaconsumer/owner"
	"github.com/mkocikowski/kafkaconsumer/subscription"
)

type Option func(*Consumer)

func WithLogger(logger log.Logger) Option {
	return func(c *Consumer) { c.logger = logger }
}

// WithRegisterer registers consumer and client metrics with r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Consumer) { c.reg = r }
}

// WithClient makes the consumer use cl instead of the client selected by the "client" key. The
// consumer takes ownership of cl.
func WithClient(cl client.Client) Option {
	return func(c *Consumer) { c.client = cl }
}

// Consumer must be created with New.
type Consumer struct {
	logger         log.Logger
	reg            prometheus.Registerer
	client         client.Client
	guard          *owner.Guard
	tracker        *offsets.Tracker
	subscriptions  *subscription.Manager
	commits        *commit.Coordinator
	metrics        *metrics
	keyDecoder     conf.Decoder
	valueDecoder   conf.Decoder
	maxPollRecords int
	autoCommit     time.Duration // 0 when disabled
	lastAutoCommit time.Time
	//
	closed atomic.Bool
	wakeup atomic.Bool
	// pollMu protects the cancel func of the poll in progress, set by the owner and called by
	// Wakeup from any goroutine
	pollMu     sync.Mutex
	cancelPoll context.CancelFunc
}

func newClient(c conf.Conf, logger log.Logger, reg prometheus.Registerer) (client.Client, error) {
	logger = log.With(logger, "client", c.String(conf.Client))
	switch c.String(conf.Client) {
	case conf.ClientStatic:
		return static.New(c, logger), nil
	default:
		return franz.New(c, logger, reg)
	}
}

// New validates the conf and creates the client. The Conf is not used after New returns.
func New(c conf.Conf, opts ...Option) (*Consumer, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	consumer := &Consumer{
		logger:       log.NewNopLogger(),
		guard:        &owner.Guard{Debug: c.Bool(conf.DebugOwnerCheck)},
		keyDecoder:   c.KeyDecoder(),
		valueDecoder: c.ValueDecoder(),
	}
	for _, opt := range opts {
		opt(consumer)
	}
	if n, ok := c.Int(conf.MaxPollRecords); ok {
		consumer.maxPollRecords = n
	}
	if c.Bool(conf.EnableAutoCommit) {
		consumer.autoCommit = c.Duration(conf.AutoCommitIntervalMs)
	}
	if consumer.client == nil {
		cl, err := newClient(c, consumer.logger, consumer.reg)
		if err != nil {
			return nil, err
		}
		consumer.client = cl
	}
	consumer.tracker = offsets.NewTracker(consumer.client, log.With(consumer.logger, "component", "offsets"))
	consumer.subscriptions = subscription.NewManager(consumer.client, consumer.tracker, log.With(consumer.logger, "component", "subscription"))
	consumer.commits = commit.New(consumer.client, consumer.guard, log.With(consumer.logger, "component", "commit"), consumer.reg)
	consumer.metrics = newMetrics(consumer.reg)
	level.Info(consumer.logger).Log("msg", "created consumer", "group", c.String(conf.GroupID), "client", c.String(conf.Client))
	return consumer, nil
}

func (c *Consumer) enter() error {
	if c.closed.Load() {
		return kafkaconsumer.ErrClosed
	}
	if err := c.guard.Acquire(); err != nil {
		return err
	}
	if c.closed.Load() {
		c.guard.Release()
		return kafkaconsumer.ErrClosed
	}
	return nil
}

// Subscribe replaces the current subscription or assignment with mode. onRebalance (may be nil)
// is called on group rebalances in AutoPartition mode, from a client goroutine; it must not call
// the consumer. The table of offsets returned by previous polls is cleared.
func (c *Consumer) Subscribe(mode subscription.Subscribe, onRebalance client.RebalanceFunc) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.guard.Release()
	err := c.subscriptions.Subscribe(mode, c.forgetting(onRebalance))
	if err == nil || c.subscriptions.State() == subscription.Unassigned {
		c.commits.ResetLast()
		c.lastAutoCommit = time.Now()
	}
	return err
}

// forgetting wraps onRebalance so that offsets delivered from partitions which leave this
// consumer are not committed by CommitSyncLast and CommitAsyncLast, even if the partitions come
// back later.
func (c *Consumer) forgetting(onRebalance client.RebalanceFunc) client.RebalanceFunc {
	return func(kind client.RebalanceKind, partitions []kafkaconsumer.TopicPartition) {
		if kind != client.Assigned {
			c.commits.Forget(partitions)
		}
		if onRebalance != nil {
			onRebalance(kind, partitions)
		}
	}
}

// Unsubscribe clears all subscriptions and assignments. It is a nop when there are none.
func (c *Consumer) Unsubscribe() error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.guard.Release()
	if err := c.subscriptions.Unsubscribe(); err != nil {
		return err
	}
	c.commits.ResetLast()
	return nil
}

// Assignment returns the partitions currently assigned, sorted.
func (c *Consumer) Assignment() ([]kafkaconsumer.TopicPartition, error) {
	if err := c.enter(); err != nil {
		return nil, err
	}
	defer c.guard.Release()
	return c.subscriptions.Assignment(), nil
}

// Seek sets the offsets the next Poll fetches from. All partitions must be assigned.
func (c *Consumer) Seek(offsets kafkaconsumer.Offsets) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.guard.Release()
	return c.tracker.Seek(offsets)
}

// CurrentOffsets returns the offset of the next record Poll will return, for each of the
// partitions (all assigned partitions if none are given). These are fetch positions, not
// committed offsets.
func (c *Consumer) CurrentOffsets(ctx context.Context, partitions ...kafkaconsumer.TopicPartition) (kafkaconsumer.Offsets, error) {
	if err := c.enter(); err != nil {
		return nil, err
	}
	defer c.guard.Release()
	return c.tracker.CurrentOffsets(ctx, partitions...)
}

// last returns the offsets following the last polled records, for assigned partitions only.
func (c *Consumer) last() kafkaconsumer.Offsets {
	last := c.commits.Last()
	assigned := make(map[kafkaconsumer.TopicPartition]bool)
	for _, tp := range c.subscriptions.Assignment() {
		assigned[tp] = true
	}
	for tp := range last {
		if !assigned[tp] {
			delete(last, tp)
		}
	}
	return last
}

// CommitSync commits offsets (the offsets of the next records to consume, so last processed
// offset + 1) and waits for the result. Committing nothing is a nop. Commit errors are
// *kafkaconsumer.CommitError; they are never retried.
func (c *Consumer) CommitSync(ctx context.Context, offsets kafkaconsumer.Offsets) (kafkaconsumer.Offsets, error) {
	if err := c.enter(); err != nil {
		return nil, err
	}
	defer c.guard.Release()
	return c.commits.CommitSync(ctx, offsets)
}

// CommitSyncLast commits offsets of all records returned by Poll, for partitions still assigned.
func (c *Consumer) CommitSyncLast(ctx context.Context) (kafkaconsumer.Offsets, error) {
	if err := c.enter(); err != nil {
		return nil, err
	}
	defer c.guard.Release()
	return c.commits.CommitSync(ctx, c.last())
}

// CommitAsync queues a commit and returns. fn (may be nil) is called exactly once with the
// result, from the commit goroutine, in the order commits were issued. fn must not block and
// must not call the consumer. If the commit can not even be queued (consumer closed, or called
// concurrently) fn receives the error from a new goroutine.
func (c *Consumer) CommitAsync(offsets kafkaconsumer.Offsets, fn commit.CompletionFunc) {
	if err := c.enter(); err != nil {
		if fn != nil {
			go fn(commit.Result{Err: err})
		}
		return
	}
	defer c.guard.Release()
	c.commits.CommitAsync(offsets, fn)
}

// CommitAsyncLast is CommitAsync of offsets of all records returned by Poll.
func (c *Consumer) CommitAsyncLast(fn commit.CompletionFunc) {
	if err := c.enter(); err != nil {
		if fn != nil {
			go fn(commit.Result{Err: err})
		}
		return
	}
	defer c.guard.Release()
	c.commits.CommitAsync(c.last(), fn)
}

// maybeAutoCommit commits polled offsets of manually assigned partitions every
// auto-commit-interval. Group members are auto committed by the client.
func (c *Consumer) maybeAutoCommit() {
	if c.autoCommit == 0 || c.subscriptions.State() != subscription.ManuallyAssigned {
		return
	}
	if time.Since(c.lastAutoCommit) < c.autoCommit {
		return
	}
	c.lastAutoCommit = time.Now()
	last := c.last()
	if len(last) == 0 {
		return
	}
	c.commits.CommitAsync(last, func(r commit.Result) {
		if !r.OK() {
			level.Warn(c.logger).Log("msg", "auto commit failed", "err", r.Err)
		}
	})
}

// Poll waits up to timeout for records. On timeout it returns an empty (not nil) slice. Poll
// fails with ErrCancelled if Wakeup was called before or during the call, and with the ctx
// error if ctx is done first. Records which fail to decode are not returned: the error names
// the record, and positions are left at the first record of the batch in each partition, so
// seek past the record to skip it.
func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) ([]*kafkaconsumer.Record, error) {
	if err := c.enter(); err != nil {
		return nil, err
	}
	defer c.guard.Release()
	if timeout < 0 {
		return nil, kafkaconsumer.Errorf("negative poll timeout %v", timeout)
	}
	if c.subscriptions.State() == subscription.Unassigned {
		return nil, kafkaconsumer.Errorf("%w: not subscribed to any topics or partitions", kafkaconsumer.ErrSubscription)
	}
	c.maybeAutoCommit()
	start := time.Now()
	records, err := c.poll(ctx, timeout)
	c.metrics.duration.Observe(time.Since(start).Seconds())
	switch {
	case errors.Is(err, kafkaconsumer.ErrCancelled):
		c.metrics.polls.WithLabelValues("cancelled").Inc()
	case err != nil:
		c.metrics.polls.WithLabelValues("error").Inc()
	case len(records) == 0:
		c.metrics.polls.WithLabelValues("timeout").Inc()
	default:
		c.metrics.polls.WithLabelValues("records").Inc()
		c.metrics.records.Add(float64(len(records)))
	}
	return records, err
}

func (c *Consumer) poll(ctx context.Context, timeout time.Duration) ([]*kafkaconsumer.Record, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	c.pollMu.Lock()
	if c.wakeup.Swap(false) {
		c.pollMu.Unlock()
		return nil, kafkaconsumer.ErrCancelled
	}
	c.cancelPoll = cancel
	c.pollMu.Unlock()
	defer func() {
		c.pollMu.Lock()
		c.cancelPoll = nil
		c.pollMu.Unlock()
	}()
	for {
		polled, err := c.client.Poll(pollCtx, c.maxPollRecords)
		if err != nil {
			switch {
			case c.closed.Load():
				return nil, kafkaconsumer.ErrClosed
			case c.wakeup.Swap(false):
				return nil, kafkaconsumer.ErrCancelled
			case ctx.Err() != nil:
				return nil, ctx.Err()
			case errors.Is(err, context.DeadlineExceeded) && pollCtx.Err() != nil:
				return []*kafkaconsumer.Record{}, nil
			}
			return nil, err
		}
		// all stale (fetched before a seek): keep waiting
		records := c.tracker.Fresh(polled)
		if len(records) == 0 {
			continue
		}
		if err := c.decode(records); err != nil {
			return nil, err
		}
		c.tracker.Advance(records)
		c.commits.Delivered(records)
		return records, nil
	}
}

func (c *Consumer) decode(records []*kafkaconsumer.Record) error {
	for _, r := range records {
		var err error
		if r.Key, err = c.keyDecoder.Decode(r.Topic, r.RawKey); err == nil {
			r.Value, err = c.valueDecoder.Decode(r.Topic, r.RawValue)
		}
		if err == nil {
			continue
		}
		rewind := make(kafkaconsumer.Offsets)
		for _, rec := range records {
			if _, ok := rewind[rec.TopicPartition]; !ok {
				rewind[rec.TopicPartition] = rec.Offset
			}
		}
		if seekErr := c.tracker.Seek(rewind); seekErr != nil {
			level.Warn(c.logger).Log("msg", "error rewinding after decode error", "err", seekErr)
		}
		return kafkaconsumer.Errorf("error decoding record %v at offset %d: %w", r.TopicPartition, r.Offset, err)
	}
	return nil
}

// Wakeup makes the Poll in progress, or the next Poll if there is none, fail with
// ErrCancelled. Safe to call from any goroutine.
func (c *Consumer) Wakeup() {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()
	c.wakeup.Store(true)
	if c.cancelPoll != nil {
		c.cancelPoll()
	}
}

// Close wakes up a Poll in progress, waits for the operation in progress to finish, flushes
// queued commits, and closes the client. Safe to call from any goroutine except from a commit
// callback. If ctx is done before commits are flushed the remaining commits are discarded
// (their callbacks get ErrClosed). After Close every method fails with ErrClosed; calling Close
// again is a nop.
func (c *Consumer) Close(ctx context.Context) error {
	if c.guard.Reentrant() {
		return kafkaconsumer.ErrReentrantCall
	}
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.Wakeup()
	var errs []error
	if err := c.guard.Wait(ctx); err != nil {
		level.Warn(c.logger).Log("msg", "closing while an operation is in progress", "err", err)
		errs = append(errs, kafkaconsumer.Errorf("error waiting for operation in progress: %w", err))
	} else {
		defer c.guard.Release()
	}
	if err := c.commits.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.client.Close(); err != nil {
		errs = append(errs, kafkaconsumer.Errorf("error closing client: %w", err))
	}
	level.Info(c.logger).Log("msg", "closed consumer")
	return errors.Join(errs...)
}
