package franz

import (
	"context"
	"errors"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/mkocikowski/kafkaconsumer"
	"github.com/mkocikowski/kafkaconsumer/client"
	"github.com/mkocikowski/kafkaconsumer/conf"
)

// committed returns committed offsets of the group for the partitions. Partitions with nothing
// committed are not in the result.
func (c *Client) committed(ctx context.Context, partitions []kafkaconsumer.TopicPartition) (kafkaconsumer.Offsets, error) {
	fetched, err := c.admin.FetchOffsets(ctx, c.group)
	if errors.Is(err, kerr.GroupIDNotFound) {
		return kafkaconsumer.Offsets{}, nil
	}
	if err != nil {
		return nil, kafkaconsumer.Errorf("error fetching committed offsets: %w", err)
	}
	offsets := make(kafkaconsumer.Offsets)
	for _, tp := range partitions {
		r, ok := fetched.Lookup(tp.Topic, tp.Partition)
		if !ok {
			continue
		}
		if r.Err != nil {
			return nil, kafkaconsumer.Errorf("error fetching committed offset for %v: %w", tp, r.Err)
		}
		if r.At >= 0 {
			offsets[tp] = r.At
		}
	}
	return offsets, nil
}

// resetOffsets lists partition start or end offsets, as set by auto-offset-reset.
func (c *Client) resetOffsets(ctx context.Context, partitions []kafkaconsumer.TopicPartition) (kafkaconsumer.Offsets, error) {
	topics := make([]string, 0, len(partitions))
	for topic := range client.Groups(partitions) {
		topics = append(topics, topic)
	}
	var (
		listed kadm.ListedOffsets
		err    error
	)
	switch c.reset {
	case conf.ResetEarliest:
		listed, err = c.admin.ListStartOffsets(ctx, topics...)
	case conf.ResetNone:
		return nil, kafkaconsumer.Errorf("%w: for partitions %v", kafkaconsumer.ErrNoOffset, partitions)
	default:
		listed, err = c.admin.ListEndOffsets(ctx, topics...)
	}
	if err != nil {
		return nil, kafkaconsumer.Errorf("error listing offsets: %w", err)
	}
	offsets := make(kafkaconsumer.Offsets, len(partitions))
	for _, tp := range partitions {
		o, ok := listed.Lookup(tp.Topic, tp.Partition)
		if !ok {
			return nil, kafkaconsumer.Errorf("no offsets listed for %v", tp)
		}
		if o.Err != nil {
			return nil, kafkaconsumer.Errorf("error listing offsets for %v: %w", tp, o.Err)
		}
		offsets[tp] = o.Offset
	}
	return offsets, nil
}

// Positions resolves start positions: committed offset, else per auto-offset-reset.
func (c *Client) Positions(ctx context.Context, partitions []kafkaconsumer.TopicPartition) (kafkaconsumer.Offsets, error) {
	offsets, err := c.committed(ctx, partitions)
	if err != nil {
		return nil, err
	}
	var missing []kafkaconsumer.TopicPartition
	for _, tp := range partitions {
		if _, ok := offsets[tp]; !ok {
			missing = append(missing, tp)
		}
	}
	if len(missing) == 0 {
		return offsets, nil
	}
	reset, err := c.resetOffsets(ctx, missing)
	if err != nil {
		return nil, err
	}
	for tp, offset := range reset {
		offsets[tp] = offset
	}
	return offsets, nil
}

func epochOffsets(offsets kafkaconsumer.Offsets) map[string]map[int32]kgo.EpochOffset {
	m := make(map[string]map[int32]kgo.EpochOffset)
	for tp, offset := range offsets {
		if m[tp.Topic] == nil {
			m[tp.Topic] = make(map[int32]kgo.EpochOffset)
		}
		m[tp.Topic][tp.Partition] = kgo.EpochOffset{Epoch: -1, Offset: offset}
	}
	return m
}

func commitError(offsets kafkaconsumer.Offsets, err error) error {
	retriable := kerr.IsRetriable(err) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
	return &kafkaconsumer.CommitError{Offsets: offsets, Retriable: retriable, Err: err}
}

// Commit commits through the group member when subscribed (so that the commit carries the
// member's generation and is fenced on rebalance), and through the admin client otherwise.
func (c *Client) Commit(ctx context.Context, offsets kafkaconsumer.Offsets) error {
	c.mu.Lock()
	cl, group := c.consumer, c.subscribed
	c.mu.Unlock()
	if group && cl != nil {
		return c.commitGroup(ctx, cl, offsets)
	}
	toCommit := kadm.Offsets{}
	for tp, offset := range offsets {
		toCommit.AddOffset(tp.Topic, tp.Partition, offset, -1)
	}
	committed, err := c.admin.CommitOffsets(ctx, c.group, toCommit)
	if err != nil {
		return commitError(offsets, err)
	}
	if !committed.Ok() {
		return commitError(offsets, committed.Error())
	}
	return nil
}

func (c *Client) commitGroup(ctx context.Context, cl *kgo.Client, offsets kafkaconsumer.Offsets) error {
	var result error
	cl.CommitOffsetsSync(ctx, epochOffsets(offsets), func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
		if err != nil {
			result = err
			return
		}
		for _, t := range resp.Topics {
			for _, p := range t.Partitions {
				if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
					result = kafkaconsumer.Errorf("error committing %s/%d: %w", t.Topic, p.Partition, err)
					return
				}
			}
		}
	})
	if result != nil {
		return commitError(offsets, result)
	}
	return nil
}
