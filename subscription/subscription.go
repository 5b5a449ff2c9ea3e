// Package subscription manages how the consumer gets its partitions. There are three mutually
// exclusive modes: AutoPartition (group coordination assigns partitions of the topics),
// ManualPartition (the caller picks partitions), and ManualOffset (the caller picks partitions and
// the offsets to start from). Every Subscribe first clears whatever was assigned before.
package subscription

import (
	"github.com/mkocikowski/kafkaconsumer"
)

// Subscribe is one of AutoPartition, ManualPartition, ManualOffset. The set is closed.
type Subscribe interface {
	subscribe()
}

// AutoPartition subscribes to topics as a member of the consumer group.
type AutoPartition struct {
	Topics []string
}

// ManualPartition consumes the partitions without group coordination.
type ManualPartition struct {
	Partitions []kafkaconsumer.TopicPartition
}

// ManualOffset consumes the partitions (keys of Offsets) without group coordination, starting
// from the given offsets.
type ManualOffset struct {
	Offsets kafkaconsumer.Offsets
}

func (AutoPartition) subscribe()   {}
func (ManualPartition) subscribe() {}
func (ManualOffset) subscribe()    {}

// State of the Manager.
type State int

const (
	Unassigned State = iota
	AutoAssigned
	ManuallyAssigned
)

func (s State) String() string {
	switch s {
	case Unassigned:
		return "unassigned"
	case AutoAssigned:
		return "auto-assigned"
	case ManuallyAssigned:
		return "manually-assigned"
	}
	return "unknown"
}
