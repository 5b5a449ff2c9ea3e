// Package offsets tracks the consumer's fetch positions: the offset of the next record to be
// returned by Poll, per partition. Positions are not committed offsets; the consumer never reads
// committed offsets back, it only uses them (through the client) as the starting position of
// partitions that have not been polled or sought yet.
package offsets

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/mkocikowski/kafkaconsumer"
	"github.com/mkocikowski/kafkaconsumer/client"
)

// Tracker is not safe for concurrent use. It is used from the consumer's owner goroutine only.
type Tracker struct {
	client     client.Client
	logger     log.Logger
	positions  kafkaconsumer.Offsets
	generation int64
}

func NewTracker(c client.Client, logger log.Logger) *Tracker {
	return &Tracker{
		client:    c,
		logger:    logger,
		positions: make(kafkaconsumer.Offsets),
	}
}

// Reset forgets all positions.
func (t *Tracker) Reset() {
	t.positions = make(kafkaconsumer.Offsets)
}

// assignment returns the client's current assignment as a set. If the assignment changed since
// the last call (a rebalance, or a new subscription) positions are forgotten.
func (t *Tracker) assignment() map[kafkaconsumer.TopicPartition]bool {
	partitions, generation := t.client.Assignment()
	if generation != t.generation {
		level.Debug(t.logger).Log("msg", "assignment changed, resetting positions", "generation", generation, "partitions", len(partitions))
		t.Reset()
		t.generation = generation
	}
	assigned := make(map[kafkaconsumer.TopicPartition]bool, len(partitions))
	for _, tp := range partitions {
		assigned[tp] = true
	}
	return assigned
}

func notAssigned(tp kafkaconsumer.TopicPartition) error {
	return kafkaconsumer.Errorf("%w: partition %v is not assigned", kafkaconsumer.ErrSubscription, tp)
}

// Seek sets the next fetch position of each partition. This is a local change passed on to the
// client; it takes effect on the next Poll. All partitions must be assigned, otherwise nothing
// is changed and the error wraps ErrSubscription.
func (t *Tracker) Seek(offsets kafkaconsumer.Offsets) error {
	assigned := t.assignment()
	for tp, offset := range offsets {
		if !assigned[tp] {
			return notAssigned(tp)
		}
		if offset < 0 {
			return kafkaconsumer.Errorf("%w: negative offset %d for %v", kafkaconsumer.ErrSubscription, offset, tp)
		}
	}
	if len(offsets) == 0 {
		return nil
	}
	if err := t.client.Seek(offsets); err != nil {
		return err
	}
	for tp, offset := range offsets {
		t.positions[tp] = offset
	}
	return nil
}

// CurrentOffsets returns the next fetch position for each of the partitions, or for all assigned
// partitions if none are given. Partitions must be assigned (error wraps ErrSubscription).
// Positions of partitions which have not been polled or sought are resolved by the client, which
// may involve a broker round trip.
func (t *Tracker) CurrentOffsets(ctx context.Context, partitions ...kafkaconsumer.TopicPartition) (kafkaconsumer.Offsets, error) {
	assigned := t.assignment()
	if len(partitions) == 0 {
		for tp := range assigned {
			partitions = append(partitions, tp)
		}
	}
	result := make(kafkaconsumer.Offsets, len(partitions))
	var unknown []kafkaconsumer.TopicPartition
	for _, tp := range partitions {
		if !assigned[tp] {
			return nil, notAssigned(tp)
		}
		if offset, ok := t.positions[tp]; ok {
			result[tp] = offset
			continue
		}
		unknown = append(unknown, tp)
	}
	if len(unknown) == 0 {
		return result, nil
	}
	kafkaconsumer.SortPartitions(unknown)
	resolved, err := t.client.Positions(ctx, unknown)
	if err != nil {
		return nil, fmt.Errorf("error resolving positions: %w", err)
	}
	for _, tp := range unknown {
		offset, ok := resolved[tp]
		if !ok {
			return nil, kafkaconsumer.Errorf("no position for partition %v", tp)
		}
		t.positions[tp] = offset
		result[tp] = offset
	}
	return result, nil
}

// Fresh returns the records which should be returned to the application, without moving
// positions. Records before the current position of their partition are dropped: they were
// fetched before a seek. Records for partitions no longer assigned are dropped too.
func (t *Tracker) Fresh(records []*kafkaconsumer.Record) []*kafkaconsumer.Record {
	assigned := t.assignment()
	var kept []*kafkaconsumer.Record
	for _, r := range records {
		if !assigned[r.TopicPartition] {
			continue
		}
		if position, ok := t.positions[r.TopicPartition]; ok && r.Offset < position {
			continue
		}
		kept = append(kept, r)
	}
	if dropped := len(records) - len(kept); dropped > 0 {
		level.Debug(t.logger).Log("msg", "dropped stale records", "n", dropped)
	}
	return kept
}

// Advance filters records with Fresh and moves positions past the records that are kept.
func (t *Tracker) Advance(records []*kafkaconsumer.Record) []*kafkaconsumer.Record {
	kept := t.Fresh(records)
	for _, r := range kept {
		t.positions[r.TopicPartition] = r.Offset + 1
	}
	return kept
}
