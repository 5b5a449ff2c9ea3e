// Package client defines the broker client contract the consumer is built on. Implementations
// are in client/franz (franz-go, group and manual assignment) and client/static (libkafka, manual
// assignment only). Tests use in-memory fakes.
package client

import (
	"context"

	"github.com/mkocikowski/kafkaconsumer"
)

// RebalanceKind tells a RebalanceFunc what happened to the partitions.
type RebalanceKind int

const (
	Assigned RebalanceKind = iota
	Revoked
	Lost
)

func (k RebalanceKind) String() string {
	switch k {
	case Assigned:
		return "assigned"
	case Revoked:
		return "revoked"
	case Lost:
		return "lost"
	}
	return "unknown"
}

// RebalanceFunc is called by the client when group coordination assigns or revokes partitions.
// It is called from a goroutine managed by the client, while the owner goroutine may be blocked
// in Poll. It must not call back into the consumer.
type RebalanceFunc func(kind RebalanceKind, partitions []kafkaconsumer.TopicPartition)

// Client is the underlying broker client. Except for Commit, methods are called from the
// consumer's owner goroutine only. Commit is called from the consumer's commit goroutine and must
// be safe for use concurrently with Poll.
type Client interface {
	// Subscribe joins the consumer group and consumes the topics, with partitions assigned by
	// group coordination. onRebalance is never nil.
	Subscribe(topics []string, onRebalance RebalanceFunc) error
	// Assign consumes exactly the given partitions, without group coordination. Fetching starts
	// at the committed offset, or as set by auto-offset-reset if there is none, unless the
	// partition is sought before the first Poll.
	Assign(partitions []kafkaconsumer.TopicPartition) error
	// Unassign stops consuming everything. Must be a nop when nothing is assigned.
	Unassign() error
	// Assignment returns currently assigned partitions and a generation number which changes
	// every time the assignment changes.
	Assignment() ([]kafkaconsumer.TopicPartition, int64)
	// Seek moves fetch positions. Partitions must be assigned. Takes effect on the next Poll;
	// anything buffered for the partitions from before the seek is dropped.
	Seek(offsets kafkaconsumer.Offsets) error
	// Positions resolves next fetch positions for assigned partitions that have not been
	// polled or sought: the committed offset, or as set by auto-offset-reset.
	Positions(ctx context.Context, partitions []kafkaconsumer.TopicPartition) (kafkaconsumer.Offsets, error)
	// Poll blocks until there are records, or ctx is done. maxRecords <=0 means no limit. When
	// ctx is done Poll returns the ctx error (and no records).
	Poll(ctx context.Context, maxRecords int) ([]*kafkaconsumer.Record, error)
	// Commit commits offsets for the group and blocks until done. Errors are *CommitError.
	Commit(ctx context.Context, offsets kafkaconsumer.Offsets) error
	Close() error
}

// Groups converts partitions into a topic -> partitions map, the shape used by the kafka apis.
func Groups(partitions []kafkaconsumer.TopicPartition) map[string][]int32 {
	m := make(map[string][]int32)
	for _, tp := range partitions {
		m[tp.Topic] = append(m[tp.Topic], tp.Partition)
	}
	return m
}

// Flatten is the inverse of Groups. Result is sorted.
func Flatten(m map[string][]int32) []kafkaconsumer.TopicPartition {
	var partitions []kafkaconsumer.TopicPartition
	for topic, pp := range m {
		for _, p := range pp {
			partitions = append(partitions, kafkaconsumer.TopicPartition{Topic: topic, Partition: p})
		}
	}
	kafkaconsumer.SortPartitions(partitions)
	return partitions
}
