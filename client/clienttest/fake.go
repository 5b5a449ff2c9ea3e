// Package clienttest provides an in-memory client.Client for tests.
package clienttest

import (
	"context"
	"sync"
	"time"

	"github.com/mkocikowski/kafkaconsumer"
	"github.com/mkocikowski/kafkaconsumer/client"
)

// Fake is an in-memory broker and client. Topics have partitions with records at offsets 0..n-1.
// Subscribe assigns all partitions of the topics at once. Fake is safe for concurrent use (the
// consumer calls Commit from its commit goroutine).
type Fake struct {
	// CommitErr, if set, is called on every commit; a non nil result fails the commit.
	CommitErr func(kafkaconsumer.Offsets) error
	// CommitDelay delays every commit.
	CommitDelay time.Duration
	// Reset is the auto-offset-reset policy: "earliest" or "latest" (default).
	Reset string
	//
	sync.Mutex
	logs        map[kafkaconsumer.TopicPartition][][]byte
	committed   kafkaconsumer.Offsets
	assigned    []kafkaconsumer.TopicPartition
	generation  int64
	positions   kafkaconsumer.Offsets
	onRebalance client.RebalanceFunc
	closed      bool
	// counters
	Commits   int
	Seeks     int
	Unassigns int
	Polls     int
}

func New() *Fake {
	return &Fake{
		logs:      make(map[kafkaconsumer.TopicPartition][][]byte),
		committed: make(kafkaconsumer.Offsets),
		positions: make(kafkaconsumer.Offsets),
	}
}

// CreateTopic creates topic with n empty partitions.
func (f *Fake) CreateTopic(topic string, n int) {
	f.Lock()
	defer f.Unlock()
	for i := 0; i < n; i++ {
		tp := kafkaconsumer.TopicPartition{Topic: topic, Partition: int32(i)}
		if _, ok := f.logs[tp]; !ok {
			f.logs[tp] = nil
		}
	}
}

// Produce appends values to the partition log.
func (f *Fake) Produce(tp kafkaconsumer.TopicPartition, values ...string) {
	f.Lock()
	defer f.Unlock()
	for _, v := range values {
		f.logs[tp] = append(f.logs[tp], []byte(v))
	}
}

// Committed returns a copy of committed offsets.
func (f *Fake) Committed() kafkaconsumer.Offsets {
	f.Lock()
	defer f.Unlock()
	return f.committed.Clone()
}

func (f *Fake) Closed() bool {
	f.Lock()
	defer f.Unlock()
	return f.closed
}

// Rebalance reassigns partitions as group coordination would, calling the rebalance func.
func (f *Fake) Rebalance(partitions []kafkaconsumer.TopicPartition) {
	f.Lock()
	revoked := f.assigned
	fn := f.onRebalance
	f.assigned = partitions
	f.generation++
	f.positions = make(kafkaconsumer.Offsets)
	f.Unlock()
	if fn != nil {
		fn(client.Revoked, revoked)
		fn(client.Assigned, partitions)
	}
}

func (f *Fake) Subscribe(topics []string, onRebalance client.RebalanceFunc) error {
	f.Lock()
	var partitions []kafkaconsumer.TopicPartition
	for _, topic := range topics {
		for tp := range f.logs {
			if tp.Topic == topic {
				partitions = append(partitions, tp)
			}
		}
	}
	kafkaconsumer.SortPartitions(partitions)
	f.assigned = partitions
	f.onRebalance = onRebalance
	f.generation++
	f.positions = make(kafkaconsumer.Offsets)
	f.Unlock()
	onRebalance(client.Assigned, partitions)
	return nil
}

func (f *Fake) Assign(partitions []kafkaconsumer.TopicPartition) error {
	f.Lock()
	defer f.Unlock()
	f.assigned = append([]kafkaconsumer.TopicPartition(nil), partitions...)
	f.onRebalance = nil
	f.generation++
	f.positions = make(kafkaconsumer.Offsets)
	return nil
}

func (f *Fake) Unassign() error {
	f.Lock()
	defer f.Unlock()
	f.Unassigns++
	if len(f.assigned) == 0 && f.onRebalance == nil {
		return nil
	}
	f.assigned = nil
	f.onRebalance = nil
	f.generation++
	f.positions = make(kafkaconsumer.Offsets)
	return nil
}

func (f *Fake) Assignment() ([]kafkaconsumer.TopicPartition, int64) {
	f.Lock()
	defer f.Unlock()
	return append([]kafkaconsumer.TopicPartition(nil), f.assigned...), f.generation
}

func (f *Fake) Seek(offsets kafkaconsumer.Offsets) error {
	f.Lock()
	defer f.Unlock()
	f.Seeks++
	for tp, offset := range offsets {
		f.positions[tp] = offset
	}
	return nil
}

// start returns the position of tp. Called with lock held.
func (f *Fake) start(tp kafkaconsumer.TopicPartition) int64 {
	if offset, ok := f.positions[tp]; ok {
		return offset
	}
	if offset, ok := f.committed[tp]; ok {
		return offset
	}
	if f.Reset == "earliest" {
		return 0
	}
	return int64(len(f.logs[tp]))
}

func (f *Fake) Positions(_ context.Context, partitions []kafkaconsumer.TopicPartition) (kafkaconsumer.Offsets, error) {
	f.Lock()
	defer f.Unlock()
	offsets := make(kafkaconsumer.Offsets)
	for _, tp := range partitions {
		offsets[tp] = f.start(tp)
	}
	return offsets, nil
}

func (f *Fake) poll(maxRecords int) []*kafkaconsumer.Record {
	f.Lock()
	defer f.Unlock()
	f.Polls++
	var records []*kafkaconsumer.Record
	for _, tp := range f.assigned {
		log := f.logs[tp]
		for offset := f.start(tp); offset < int64(len(log)); offset++ {
			if maxRecords > 0 && len(records) == maxRecords {
				return records
			}
			records = append(records, &kafkaconsumer.Record{
				TopicPartition: tp,
				Offset:         offset,
				RawValue:       log[offset],
			})
			f.positions[tp] = offset + 1
		}
	}
	return records
}

func (f *Fake) Poll(ctx context.Context, maxRecords int) ([]*kafkaconsumer.Record, error) {
	for {
		if records := f.poll(maxRecords); len(records) > 0 {
			return records, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (f *Fake) Commit(ctx context.Context, offsets kafkaconsumer.Offsets) error {
	if f.CommitDelay > 0 {
		select {
		case <-time.After(f.CommitDelay):
		case <-ctx.Done():
			return &kafkaconsumer.CommitError{Offsets: offsets, Retriable: true, Err: ctx.Err()}
		}
	}
	if f.CommitErr != nil {
		if err := f.CommitErr(offsets); err != nil {
			return err
		}
	}
	f.Lock()
	defer f.Unlock()
	f.Commits++
	for tp, offset := range offsets {
		f.committed[tp] = offset
	}
	return nil
}

func (f *Fake) Close() error {
	f.Lock()
	defer f.Unlock()
	f.closed = true
	return nil
}
