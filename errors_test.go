package kafkaconsumer

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestUnitErrorf(t *testing.T) {
	e := Errorf("foo: %w", ErrSubscription)
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	if s := string(b); s != `"foo: subscription error"` {
		t.Fatal(s)
	}
}

func TestUnitErrorIs(t *testing.T) {
	bar := errors.New("bar")
	foo := Errorf("foo: %w", bar)
	if !errors.Is(foo, bar) {
		t.Fatal("is not")
	}
	if errors.Is(foo, ErrConfig) {
		t.Fatal("is")
	}
}

func TestUnitCommitError(t *testing.T) {
	bar := errors.New("bar")
	var err error = &CommitError{Retriable: true, Err: bar}
	if !errors.Is(err, ErrCommit) {
		t.Fatal("not a commit error")
	}
	if !errors.Is(err, bar) {
		t.Fatal("does not wrap cause")
	}
	if !IsRetriable(Errorf("wrapped: %w", err)) {
		t.Fatal("expected retriable")
	}
	if IsRetriable(bar) {
		t.Fatal("expected not retriable")
	}
	if s := err.Error(); s != "commit error (retriable): bar" {
		t.Fatal(s)
	}
}

func TestUnitOffsetsPartitions(t *testing.T) {
	o := Offsets{
		{Topic: "b", Partition: 0}: 1,
		{Topic: "a", Partition: 1}: 2,
		{Topic: "a", Partition: 0}: 3,
	}
	p := o.Partitions()
	want := []TopicPartition{{"a", 0}, {"a", 1}, {"b", 0}}
	for i := range want {
		if p[i] != want[i] {
			t.Fatal(p)
		}
	}
	c := o.Clone()
	c[TopicPartition{"a", 0}] = 100
	if o[TopicPartition{"a", 0}] != 3 {
		t.Fatal("clone shares storage")
	}
}
