package kafkaconsumer

import (
	"fmt"
	"sort"
	"time"
)

// TopicPartition identifies a single partition of a topic. It is a value type and can be used
// as a map key.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

// Offsets maps partitions to offsets. Depending on context the offset is the next offset to
// fetch (position) or the offset to commit (the offset of the next record to process, that is
// the last processed offset + 1).
type Offsets map[TopicPartition]int64

// Partitions returns the partitions in o sorted by topic and partition.
func (o Offsets) Partitions() []TopicPartition {
	partitions := make([]TopicPartition, 0, len(o))
	for tp := range o {
		partitions = append(partitions, tp)
	}
	SortPartitions(partitions)
	return partitions
}

// Clone returns a copy of o. Clone of nil is an empty (not nil) map.
func (o Offsets) Clone() Offsets {
	c := make(Offsets, len(o))
	for tp, offset := range o {
		c[tp] = offset
	}
	return c
}

// SortPartitions sorts partitions in place by topic and partition.
func SortPartitions(partitions []TopicPartition) {
	sort.Slice(partitions, func(i, j int) bool {
		if partitions[i].Topic != partitions[j].Topic {
			return partitions[i].Topic < partitions[j].Topic
		}
		return partitions[i].Partition < partitions[j].Partition
	})
}

type Header struct {
	Key   string
	Value []byte
}

// Record is a single record returned by Poll. RawKey and RawValue are set by the broker client;
// Key and Value are set by the consumer using the key and value decoders from the Conf.
type Record struct {
	TopicPartition
	Offset    int64
	Timestamp time.Time
	Headers   []Header
	RawKey    []byte
	RawValue  []byte
	Key       interface{}
	Value     interface{}
}
