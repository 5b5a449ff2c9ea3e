package offsets

import (
	"context"
	"errors"
	"testing"

	"github.com/go-kit/log"

	"github.com/mkocikowski/kafkaconsumer"
	"github.com/mkocikowski/kafkaconsumer/client/clienttest"
)

var (
	t0 = kafkaconsumer.TopicPartition{Topic: "t", Partition: 0}
	t1 = kafkaconsumer.TopicPartition{Topic: "t", Partition: 1}
)

func newTracker(t *testing.T) (*Tracker, *clienttest.Fake) {
	t.Helper()
	f := clienttest.New()
	f.CreateTopic("t", 2)
	if err := f.Assign([]kafkaconsumer.TopicPartition{t0}); err != nil {
		t.Fatal(err)
	}
	return NewTracker(f, log.NewNopLogger()), f
}

func TestUnitSeekThenCurrentOffsets(t *testing.T) {
	tr, f := newTracker(t)
	if err := tr.Seek(kafkaconsumer.Offsets{t0: 42}); err != nil {
		t.Fatal(err)
	}
	offsets, err := tr.CurrentOffsets(context.Background(), t0)
	if err != nil {
		t.Fatal(err)
	}
	if len(offsets) != 1 || offsets[t0] != 42 {
		t.Fatal(offsets)
	}
	if f.Polls != 0 {
		t.Fatal(f.Polls)
	}
}

func TestUnitSeekUnassigned(t *testing.T) {
	tr, f := newTracker(t)
	err := tr.Seek(kafkaconsumer.Offsets{t0: 1, t1: 1})
	if !errors.Is(err, kafkaconsumer.ErrSubscription) {
		t.Fatal(err)
	}
	if f.Seeks != 0 {
		t.Fatal("partial seek")
	}
	if err := tr.Seek(kafkaconsumer.Offsets{t0: -1}); !errors.Is(err, kafkaconsumer.ErrSubscription) {
		t.Fatal(err)
	}
}

func TestUnitCurrentOffsetsUnassigned(t *testing.T) {
	tr, _ := newTracker(t)
	_, err := tr.CurrentOffsets(context.Background(), t1)
	if !errors.Is(err, kafkaconsumer.ErrSubscription) {
		t.Fatal(err)
	}
}

func TestUnitCurrentOffsetsResolved(t *testing.T) {
	tr, f := newTracker(t)
	f.Produce(t0, "a", "b", "c")
	// latest reset: position is the end of the log
	offsets, err := tr.CurrentOffsets(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if offsets[t0] != 3 {
		t.Fatal(offsets)
	}
}

func TestUnitAdvance(t *testing.T) {
	tr, _ := newTracker(t)
	if err := tr.Seek(kafkaconsumer.Offsets{t0: 5}); err != nil {
		t.Fatal(err)
	}
	records := []*kafkaconsumer.Record{
		{TopicPartition: t0, Offset: 3}, // stale, from before the seek
		{TopicPartition: t0, Offset: 5},
		{TopicPartition: t0, Offset: 6},
		{TopicPartition: t1, Offset: 0}, // not assigned
	}
	kept := tr.Advance(records)
	if len(kept) != 2 || kept[0].Offset != 5 {
		t.Fatalf("%+v", kept)
	}
	offsets, _ := tr.CurrentOffsets(context.Background(), t0)
	if offsets[t0] != 7 {
		t.Fatal(offsets)
	}
}

func TestUnitAssignmentChangeResets(t *testing.T) {
	tr, f := newTracker(t)
	if err := tr.Seek(kafkaconsumer.Offsets{t0: 2}); err != nil {
		t.Fatal(err)
	}
	f.Rebalance([]kafkaconsumer.TopicPartition{t0, t1})
	offsets, err := tr.CurrentOffsets(context.Background(), t0, t1)
	if err != nil {
		t.Fatal(err)
	}
	// position of t0 comes from the client again (empty log, latest)
	if offsets[t0] != 0 || offsets[t1] != 0 {
		t.Fatal(offsets)
	}
}

func TestUnitFreshDoesNotMove(t *testing.T) {
	tr, _ := newTracker(t)
	if err := tr.Seek(kafkaconsumer.Offsets{t0: 1}); err != nil {
		t.Fatal(err)
	}
	kept := tr.Fresh([]*kafkaconsumer.Record{{TopicPartition: t0, Offset: 0}, {TopicPartition: t0, Offset: 1}})
	if len(kept) != 1 {
		t.Fatal(kept)
	}
	offsets, _ := tr.CurrentOffsets(context.Background(), t0)
	if offsets[t0] != 1 {
		t.Fatal(offsets)
	}
}
