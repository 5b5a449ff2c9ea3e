// Package franz implements client.Client on franz-go. AutoPartition subscriptions use a kgo group
// consumer; manual assignments use direct partition consumption, with committed offsets read and
// written through kadm.
package franz

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"

	"github.com/mkocikowski/kafkaconsumer"
	"github.com/mkocikowski/kafkaconsumer/client"
	"github.com/mkocikowski/kafkaconsumer/conf"
)

// Client must be created with New. Poll, Subscribe, Assign, Unassign, and Seek are called from
// one goroutine. Commit and Assignment may be called concurrently with them.
type Client struct {
	conf   conf.Conf
	group  string
	reset  string
	logger log.Logger
	// admin is never rebuilt; it serves kadm calls
	adminClient *kgo.Client
	admin       *kadm.Client
	// hooks of the consuming client, nil without a registerer. There is one consuming client at
	// a time: it is closed, which unregisters its metrics, before the next one is created.
	metrics *kprom.Metrics
	// owner goroutine only
	manual []kafkaconsumer.TopicPartition
	// start offsets of a manual assignment whose consumer is not created yet. It is created by
	// the first Poll, so that seeks made before then are where consuming starts.
	start map[kafkaconsumer.TopicPartition]kgo.Offset
	//
	mu         sync.Mutex
	consumer   *kgo.Client
	subscribed bool
	assigned   []kafkaconsumer.TopicPartition
	generation int64
	// partitions with nothing committed under auto-offset-reset none; nothing is fetched from
	// them until they are sought
	noOffset map[kafkaconsumer.TopicPartition]bool
	// interrupt cancels the PollRecords in progress
	interrupt context.CancelFunc
}

func commonOpts(c conf.Conf, logger log.Logger) []kgo.Opt {
	return []kgo.Opt{
		kgo.SeedBrokers(strings.Split(c.String(conf.BootstrapServers), ",")...),
		kgo.ClientID(c.String(conf.ClientID)),
		kgo.WithLogger(newLogger(logger)),
	}
}

// clientMetrics returns kprom hooks registering with reg, with a "client" label set to role.
func clientMetrics(reg prometheus.Registerer, role string) *kprom.Metrics {
	return kprom.NewMetrics("kafkaconsumer", kprom.Registerer(prometheus.WrapRegistererWith(prometheus.Labels{"client": role}, reg)))
}

// New connects the admin client. reg may be nil, then client metrics are not collected.
func New(c conf.Conf, logger log.Logger, reg prometheus.Registerer) (*Client, error) {
	opts := commonOpts(c, logger)
	var metrics *kprom.Metrics
	if reg != nil {
		opts = append(opts, kgo.WithHooks(clientMetrics(reg, "admin")))
		metrics = clientMetrics(reg, "consumer")
	}
	adminClient, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, kafkaconsumer.Errorf("%w: creating kafka client: %w", kafkaconsumer.ErrConfig, err)
	}
	return &Client{
		metrics:     metrics,
		conf:        c,
		group:       c.String(conf.GroupID),
		reset:       c.String(conf.AutoOffsetReset),
		logger:      logger,
		adminClient: adminClient,
		admin:       kadm.NewClient(adminClient),
		noOffset:    make(map[kafkaconsumer.TopicPartition]bool),
	}, nil
}

func (c *Client) resetOffset() kgo.Offset {
	switch c.reset {
	case conf.ResetEarliest:
		return kgo.NewOffset().AtStart()
	case conf.ResetNone:
		return kgo.NoResetOffset()
	}
	return kgo.NewOffset().AtEnd()
}

func (c *Client) consumeOpts() []kgo.Opt {
	opts := append(commonOpts(c.conf, c.logger),
		kgo.FetchMaxWait(c.conf.Duration(conf.FetchMaxWaitMs)),
		kgo.ConsumeResetOffset(c.resetOffset()),
	)
	if n, ok := c.conf.Int(conf.MaxPartitionFetchBytes); ok {
		opts = append(opts, kgo.FetchMaxPartitionBytes(int32(n)))
	}
	if c.metrics != nil {
		opts = append(opts, kgo.WithHooks(c.metrics))
	}
	return opts
}

func (c *Client) setAssignment(partitions []kafkaconsumer.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assigned = partitions
	c.generation++
}

// Subscribe creates a group consumer. Rebalances happen only between polls: the client blocks
// rebalancing while the owner is processing polled records.
func (c *Client) Subscribe(topics []string, onRebalance client.RebalanceFunc) error {
	if err := c.Unassign(); err != nil {
		return err
	}
	hook := func(kind client.RebalanceKind) func(context.Context, *kgo.Client, map[string][]int32) {
		return func(ctx context.Context, cl *kgo.Client, m map[string][]int32) {
			partitions := client.Flatten(m)
			paused := false
			if kind == client.Assigned && c.reset == conf.ResetNone {
				paused = c.pauseUncommitted(ctx, cl, partitions)
			}
			c.mu.Lock()
			if kind != client.Assigned {
				for _, tp := range partitions {
					delete(c.noOffset, tp)
				}
			}
			current := make(map[kafkaconsumer.TopicPartition]bool)
			for _, tp := range c.assigned {
				current[tp] = true
			}
			for _, tp := range partitions {
				current[tp] = kind == client.Assigned
			}
			var assigned []kafkaconsumer.TopicPartition
			for tp, ok := range current {
				if ok {
					assigned = append(assigned, tp)
				}
			}
			kafkaconsumer.SortPartitions(assigned)
			c.assigned = assigned
			c.generation++
			if paused && c.interrupt != nil {
				// Poll reports ErrNoOffset
				c.interrupt()
			}
			c.mu.Unlock()
			onRebalance(kind, partitions)
		}
	}
	opts := append(c.consumeOpts(),
		kgo.ConsumerGroup(c.group),
		kgo.ConsumeTopics(topics...),
		kgo.SessionTimeout(c.conf.Duration(conf.SessionTimeoutMs)),
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsAssigned(hook(client.Assigned)),
		kgo.OnPartitionsRevoked(hook(client.Revoked)),
		kgo.OnPartitionsLost(hook(client.Lost)),
	)
	if c.conf.Bool(conf.EnableAutoCommit) {
		opts = append(opts, kgo.AutoCommitInterval(c.conf.Duration(conf.AutoCommitIntervalMs)))
	} else {
		opts = append(opts, kgo.DisableAutoCommit())
	}
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return kafkaconsumer.Errorf("%w: creating group consumer: %w", kafkaconsumer.ErrSubscription, err)
	}
	c.mu.Lock()
	c.consumer = cl
	c.subscribed = true
	c.generation++
	c.mu.Unlock()
	level.Debug(c.logger).Log("msg", "joining group", "group", c.group, "topics", strings.Join(topics, ","))
	return nil
}

// pauseUncommitted stops fetching from newly assigned partitions which have nothing committed,
// for auto-offset-reset none. Called from the assigned hook, before fetching starts. Returns true
// if any partition was paused.
func (c *Client) pauseUncommitted(ctx context.Context, cl *kgo.Client, partitions []kafkaconsumer.TopicPartition) bool {
	committed, err := c.committed(ctx, partitions)
	if err != nil {
		level.Warn(c.logger).Log("msg", "error fetching committed offsets of assigned partitions", "err", err)
		return false
	}
	var missing []kafkaconsumer.TopicPartition
	for _, tp := range partitions {
		if _, ok := committed[tp]; !ok {
			missing = append(missing, tp)
		}
	}
	if len(missing) == 0 {
		return false
	}
	cl.PauseFetchPartitions(client.Groups(missing))
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tp := range missing {
		c.noOffset[tp] = true
	}
	return true
}

// Assign resolves where consuming of the partitions starts: the committed offset, else per
// auto-offset-reset. With reset "none" partitions with nothing committed have no start, and Poll
// fails with ErrNoOffset until they are sought. The consumer itself is created by the first Poll.
func (c *Client) Assign(partitions []kafkaconsumer.TopicPartition) error {
	if err := c.Unassign(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.conf.Duration(conf.SessionTimeoutMs))
	defer cancel()
	committed, err := c.committed(ctx, partitions)
	if err != nil {
		return err
	}
	start := make(map[kafkaconsumer.TopicPartition]kgo.Offset, len(partitions))
	noOffset := make(map[kafkaconsumer.TopicPartition]bool)
	for _, tp := range partitions {
		offset, ok := committed[tp]
		switch {
		case ok:
			start[tp] = kgo.NewOffset().At(offset)
		case c.reset == conf.ResetNone:
			noOffset[tp] = true
		default:
			start[tp] = c.resetOffset()
		}
	}
	c.manual = append([]kafkaconsumer.TopicPartition(nil), partitions...)
	c.start = start
	c.mu.Lock()
	c.noOffset = noOffset
	c.mu.Unlock()
	c.setAssignment(c.manual)
	return nil
}

// startConsuming creates the consumer of a manual assignment, at the start offsets.
func (c *Client) startConsuming() error {
	consume := make(map[string]map[int32]kgo.Offset)
	for tp, offset := range c.start {
		if consume[tp.Topic] == nil {
			consume[tp.Topic] = make(map[int32]kgo.Offset)
		}
		consume[tp.Topic][tp.Partition] = offset
	}
	cl, err := kgo.NewClient(append(c.consumeOpts(), kgo.ConsumePartitions(consume))...)
	if err != nil {
		return kafkaconsumer.Errorf("%w: creating consumer: %w", kafkaconsumer.ErrSubscription, err)
	}
	c.start = nil
	c.mu.Lock()
	c.consumer = cl
	c.subscribed = false
	c.mu.Unlock()
	level.Debug(c.logger).Log("msg", "consuming partitions", "partitions", len(c.manual))
	return nil
}

// Unassign closes the consumer. For a group consumer this leaves the group, which calls the
// rebalance hook with the revoked partitions.
func (c *Client) Unassign() error {
	c.mu.Lock()
	cl := c.consumer
	c.consumer = nil
	c.subscribed = false
	c.mu.Unlock()
	if cl != nil {
		cl.AllowRebalance()
		cl.Close()
	}
	if cl == nil && c.manual == nil {
		return nil
	}
	c.manual = nil
	c.start = nil
	c.mu.Lock()
	c.noOffset = make(map[kafkaconsumer.TopicPartition]bool)
	c.mu.Unlock()
	c.setAssignment(nil)
	return nil
}

func (c *Client) Assignment() ([]kafkaconsumer.TopicPartition, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]kafkaconsumer.TopicPartition(nil), c.assigned...), c.generation
}

// Seek of a manual assignment not consuming yet changes start offsets. Otherwise offsets are set
// on the consumer, and partitions paused for lack of an offset are resumed.
func (c *Client) Seek(offsets kafkaconsumer.Offsets) error {
	if c.start != nil {
		for tp, offset := range offsets {
			c.start[tp] = kgo.NewOffset().At(offset)
		}
		c.mu.Lock()
		for tp := range offsets {
			delete(c.noOffset, tp)
		}
		c.mu.Unlock()
		return nil
	}
	c.mu.Lock()
	cl := c.consumer
	var resume []kafkaconsumer.TopicPartition
	if cl != nil {
		for tp := range offsets {
			if c.noOffset[tp] {
				resume = append(resume, tp)
				delete(c.noOffset, tp)
			}
		}
	}
	c.mu.Unlock()
	if cl == nil {
		return kafkaconsumer.Errorf("%w: nothing is assigned", kafkaconsumer.ErrSubscription)
	}
	cl.SetOffsets(epochOffsets(offsets))
	if len(resume) > 0 {
		cl.ResumeFetchPartitions(client.Groups(resume))
	}
	return nil
}

func convert(r *kgo.Record) *kafkaconsumer.Record {
	record := &kafkaconsumer.Record{
		TopicPartition: kafkaconsumer.TopicPartition{Topic: r.Topic, Partition: r.Partition},
		Offset:         r.Offset,
		Timestamp:      r.Timestamp,
		RawKey:         r.Key,
		RawValue:       r.Value,
	}
	for _, h := range r.Headers {
		record.Headers = append(record.Headers, kafkaconsumer.Header{Key: h.Key, Value: h.Value})
	}
	return record
}

func (c *Client) noOffsetErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.noOffset) == 0 {
		return nil
	}
	partitions := make([]kafkaconsumer.TopicPartition, 0, len(c.noOffset))
	for tp := range c.noOffset {
		partitions = append(partitions, tp)
	}
	kafkaconsumer.SortPartitions(partitions)
	return kafkaconsumer.Errorf("%w: for partitions %v", kafkaconsumer.ErrNoOffset, partitions)
}

// fetchError wraps out of range errors with ErrNoOffset when there is no reset policy.
func (c *Client) fetchError(fe kgo.FetchError) error {
	if c.reset == conf.ResetNone && errors.Is(fe.Err, kerr.OffsetOutOfRange) {
		return kafkaconsumer.Errorf("%w: fetching %s/%d: %w", kafkaconsumer.ErrNoOffset, fe.Topic, fe.Partition, fe.Err)
	}
	return kafkaconsumer.Errorf("error fetching %s/%d: %w", fe.Topic, fe.Partition, fe.Err)
}

// pollRecords is PollRecords which pauseUncommitted can interrupt.
func (c *Client) pollRecords(ctx context.Context, cl *kgo.Client, maxRecords int) kgo.Fetches {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.interrupt = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.interrupt = nil
		c.mu.Unlock()
	}()
	return cl.PollRecords(ctx, maxRecords)
}

// Poll returns records from one PollRecords call, retrying while it returns nothing.
func (c *Client) Poll(ctx context.Context, maxRecords int) ([]*kafkaconsumer.Record, error) {
	if err := c.noOffsetErr(); err != nil {
		return nil, err
	}
	if c.start != nil {
		if err := c.startConsuming(); err != nil {
			return nil, err
		}
	}
	c.mu.Lock()
	cl, group := c.consumer, c.subscribed
	c.mu.Unlock()
	if cl == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	for {
		if err := c.noOffsetErr(); err != nil {
			return nil, err
		}
		if group {
			// records from the previous poll have been processed
			cl.AllowRebalance()
		}
		fetches := c.pollRecords(ctx, cl, maxRecords)
		if fetches.IsClientClosed() {
			return nil, kafkaconsumer.ErrClosed
		}
		var records []*kafkaconsumer.Record
		fetches.EachRecord(func(r *kgo.Record) {
			records = append(records, convert(r))
		})
		var fetchErr error
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
				continue
			}
			level.Warn(c.logger).Log("msg", "fetch error", "topic", fe.Topic, "partition", fe.Partition, "err", fe.Err)
			if fetchErr == nil {
				fetchErr = c.fetchError(fe)
			}
		}
		if len(records) > 0 {
			return records, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if fetchErr != nil {
			return nil, fetchErr
		}
	}
}

func (c *Client) Close() error {
	err := c.Unassign()
	c.adminClient.Close()
	return err
}
