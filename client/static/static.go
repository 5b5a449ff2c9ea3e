// Package static implements client.Client on libkafka single-partition fetchers. There is no
// group membership: partitions are assigned manually, and committed offsets are stored through
// the group coordinator.
package static

import (
	"context"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	libclient "github.com/mkocikowski/libkafka/client"
	"github.com/mkocikowski/libkafka/batch"
	"github.com/mkocikowski/libkafka/client/fetcher"

	"github.com/mkocikowski/kafkaconsumer"
	"github.com/mkocikowski/kafkaconsumer/client"
	"github.com/mkocikowski/kafkaconsumer/compression"
	"github.com/mkocikowski/kafkaconsumer/conf"
)

type partition struct {
	fetcher FetcherSeekerCloser
	// resolved is false until the start offset has been looked up (or set by a seek)
	resolved bool
	// noOffset is set when there is no committed offset and no reset policy
	noOffset bool
}

// Client must be created with New. Methods other than Commit are not safe for concurrent use.
type Client struct {
	bootstrap     string
	reset         string
	minBytes      int32
	maxBytes      int32
	maxWaitTimeMs int32
	logger        log.Logger
	offsets       offsetStore
	decompressors map[int16]batch.Decompressor
	newFetcher    func(kafkaconsumer.TopicPartition) FetcherSeekerCloser
	//
	partitions map[kafkaconsumer.TopicPartition]*partition
	order      []kafkaconsumer.TopicPartition
	next       int
	generation int64
}

func New(c conf.Conf, logger log.Logger) *Client {
	// libkafka takes a single bootstrap address, either host:port or SRV
	bootstrap := strings.TrimSpace(strings.Split(c.String(conf.BootstrapServers), ",")[0])
	cl := &Client{
		bootstrap:     bootstrap,
		reset:         c.String(conf.AutoOffsetReset),
		minBytes:      1,
		maxBytes:      1 << 20,
		maxWaitTimeMs: int32(c.Duration(conf.FetchMaxWaitMs) / time.Millisecond),
		logger:        logger,
		offsets: &groupOffsets{
			Bootstrap: bootstrap,
			GroupId:   c.String(conf.GroupID),
		},
		decompressors: compression.Decompressors(),
		partitions:    make(map[kafkaconsumer.TopicPartition]*partition),
	}
	if n, ok := c.Int(conf.MaxPartitionFetchBytes); ok {
		cl.maxBytes = int32(n)
	}
	cl.newFetcher = cl.partitionFetcher
	return cl
}

func (c *Client) partitionFetcher(tp kafkaconsumer.TopicPartition) FetcherSeekerCloser {
	return &fetcher.PartitionFetcher{
		PartitionClient: libclient.PartitionClient{
			Bootstrap: c.bootstrap,
			Topic:     tp.Topic,
			Partition: tp.Partition,
		},
		MinBytes:      c.minBytes,
		MaxBytes:      c.maxBytes,
		MaxWaitTimeMs: c.maxWaitTimeMs,
	}
}

// Subscribe always fails: there is no group coordination.
func (c *Client) Subscribe([]string, client.RebalanceFunc) error {
	return kafkaconsumer.Errorf("%w: static client does not support group subscriptions", kafkaconsumer.ErrSubscription)
}

func (c *Client) Assign(partitions []kafkaconsumer.TopicPartition) error {
	c.Unassign()
	for _, tp := range partitions {
		c.partitions[tp] = &partition{fetcher: c.newFetcher(tp)}
		c.order = append(c.order, tp)
	}
	c.generation++
	level.Debug(c.logger).Log("msg", "assigned", "partitions", len(partitions))
	return nil
}

func (c *Client) Unassign() error {
	if len(c.order) == 0 {
		return nil
	}
	for _, p := range c.partitions {
		p.fetcher.Close()
	}
	c.partitions = make(map[kafkaconsumer.TopicPartition]*partition)
	c.order = nil
	c.next = 0
	c.generation++
	return nil
}

func (c *Client) Assignment() ([]kafkaconsumer.TopicPartition, int64) {
	return append([]kafkaconsumer.TopicPartition(nil), c.order...), c.generation
}

func (c *Client) Seek(offsets kafkaconsumer.Offsets) error {
	for tp := range offsets {
		if c.partitions[tp] == nil {
			return kafkaconsumer.Errorf("%w: partition %v is not assigned", kafkaconsumer.ErrSubscription, tp)
		}
	}
	for tp, offset := range offsets {
		p := c.partitions[tp]
		p.fetcher.SetOffset(offset)
		p.resolved = true
		p.noOffset = false
	}
	return nil
}

func (c *Client) resetTime() *time.Time {
	var t time.Time
	switch c.reset {
	case conf.ResetEarliest:
		t = messageOldest
	case conf.ResetNone:
		return nil
	default:
		t = fetcher.MessageNewest
	}
	return &t
}

// resolve sets the start offset of p: committed offset, else per auto-offset-reset.
func (c *Client) resolve(tp kafkaconsumer.TopicPartition, p *partition) error {
	if p.resolved {
		return nil
	}
	offset, err := c.offsets.Fetch(tp.Topic, tp.Partition)
	if err != nil {
		return err
	}
	p.resolved = true
	if offset >= 0 {
		p.fetcher.SetOffset(offset)
		return nil
	}
	reset := c.resetTime()
	if reset == nil {
		p.noOffset = true
		return nil
	}
	if err := p.fetcher.Seek(*reset); err != nil {
		p.resolved = false
		return kafkaconsumer.Errorf("error resetting offset for %v: %w", tp, err)
	}
	return nil
}

func noOffset(tp kafkaconsumer.TopicPartition) error {
	return kafkaconsumer.Errorf("%w: for partition %v", kafkaconsumer.ErrNoOffset, tp)
}

func (c *Client) Positions(ctx context.Context, partitions []kafkaconsumer.TopicPartition) (kafkaconsumer.Offsets, error) {
	offsets := make(kafkaconsumer.Offsets, len(partitions))
	for _, tp := range partitions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := c.partitions[tp]
		if p == nil {
			return nil, kafkaconsumer.Errorf("%w: partition %v is not assigned", kafkaconsumer.ErrSubscription, tp)
		}
		if err := c.resolve(tp, p); err != nil {
			return nil, err
		}
		if p.noOffset {
			return nil, noOffset(tp)
		}
		offsets[tp] = p.fetcher.Offset()
	}
	return offsets, nil
}

// fetch makes one fetch call for tp. Returned records are capped at maxRecords (<= 0 for no
// limit); the fetcher is moved back to the first record not returned.
func (c *Client) fetch(tp kafkaconsumer.TopicPartition, maxRecords int) ([]*kafkaconsumer.Record, error) {
	p := c.partitions[tp]
	if err := c.resolve(tp, p); err != nil {
		return nil, err
	}
	if p.noOffset {
		return nil, noOffset(tp)
	}
	e := &Exchange{InitialOffset: p.fetcher.Offset()}
	e.parseResponse(p.fetcher.Fetch())
	if !handleFetchResponse(p.fetcher, e, c.resetTime()) {
		p.noOffset = true
		return nil, noOffset(tp)
	}
	if e.RequestError != nil {
		level.Debug(c.logger).Log("msg", "fetch failed", "partition", tp, "err", e.RequestError)
		return nil, nil
	}
	records := e.records(tp, c.decompressors)
	if maxRecords > 0 && len(records) > maxRecords {
		records = records[:maxRecords]
		p.fetcher.SetOffset(records[len(records)-1].Offset + 1)
	}
	return records, nil
}

// Poll fetches partitions round robin until there are records or ctx is done. libkafka fetches
// do not take a context: ctx is checked between fetches, each of which blocks up to
// fetch-max-wait-ms.
func (c *Client) Poll(ctx context.Context, maxRecords int) ([]*kafkaconsumer.Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(c.order) == 0 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		tp := c.order[c.next%len(c.order)]
		c.next = (c.next + 1) % len(c.order)
		records, err := c.fetch(tp, maxRecords)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			return records, nil
		}
	}
}

// Commit commits offsets one partition at a time; on the first failure the remaining partitions
// are not committed.
func (c *Client) Commit(ctx context.Context, offsets kafkaconsumer.Offsets) error {
	for _, tp := range offsets.Partitions() {
		if err := ctx.Err(); err != nil {
			return &kafkaconsumer.CommitError{Offsets: offsets, Retriable: true, Err: err}
		}
		if err := c.offsets.Commit(tp.Topic, tp.Partition, offsets[tp]); err != nil {
			return &kafkaconsumer.CommitError{Offsets: offsets, Retriable: retriable(err), Err: err}
		}
	}
	return nil
}

func (c *Client) Close() error {
	c.Unassign()
	return c.offsets.Close()
}
