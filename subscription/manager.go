package subscription

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/mkocikowski/kafkaconsumer"
	"github.com/mkocikowski/kafkaconsumer/client"
	"github.com/mkocikowski/kafkaconsumer/offsets"
)

// Manager moves the consumer between Unassigned, AutoAssigned, and ManuallyAssigned. Not safe for
// concurrent use.
type Manager struct {
	client  client.Client
	tracker *offsets.Tracker
	logger  log.Logger
	state   State
	topics  []string
}

func NewManager(c client.Client, tracker *offsets.Tracker, logger log.Logger) *Manager {
	return &Manager{
		client:  c,
		tracker: tracker,
		logger:  logger,
	}
}

func (m *Manager) State() State {
	return m.state
}

// Topics returns the subscribed topics in AutoAssigned state, nil otherwise.
func (m *Manager) Topics() []string {
	return append([]string(nil), m.topics...)
}

// Assignment returns currently assigned partitions. In AutoAssigned state this is whatever group
// coordination assigned last, possibly nothing.
func (m *Manager) Assignment() []kafkaconsumer.TopicPartition {
	partitions, _ := m.client.Assignment()
	kafkaconsumer.SortPartitions(partitions)
	return partitions
}

func subscriptionErrorf(format string, v ...interface{}) error {
	return kafkaconsumer.Errorf("%w: "+format, append([]interface{}{kafkaconsumer.ErrSubscription}, v...)...)
}

func validatePartitions(partitions []kafkaconsumer.TopicPartition) ([]kafkaconsumer.TopicPartition, error) {
	if len(partitions) == 0 {
		return nil, subscriptionErrorf("no partitions")
	}
	seen := make(map[kafkaconsumer.TopicPartition]bool, len(partitions))
	var unique []kafkaconsumer.TopicPartition
	for _, tp := range partitions {
		if tp.Topic == "" {
			return nil, subscriptionErrorf("empty topic name")
		}
		if tp.Partition < 0 {
			return nil, subscriptionErrorf("negative partition %d for topic %s", tp.Partition, tp.Topic)
		}
		if seen[tp] {
			continue
		}
		seen[tp] = true
		unique = append(unique, tp)
	}
	kafkaconsumer.SortPartitions(unique)
	return unique, nil
}

func validateTopics(topics []string) ([]string, error) {
	if len(topics) == 0 {
		return nil, subscriptionErrorf("no topics")
	}
	seen := make(map[string]bool, len(topics))
	var unique []string
	for _, t := range topics {
		if t == "" {
			return nil, subscriptionErrorf("empty topic name")
		}
		if !seen[t] {
			seen[t] = true
			unique = append(unique, t)
		}
	}
	return unique, nil
}

// Subscribe clears any prior assignment and then applies mode. onRebalance is used only with
// AutoPartition and may be nil. Invalid modes (empty sets, empty topic names, negative partitions
// or offsets) fail with ErrSubscription before anything is cleared. If applying the new mode
// fails the manager is left Unassigned.
func (m *Manager) Subscribe(mode Subscribe, onRebalance client.RebalanceFunc) error {
	switch s := mode.(type) {
	case AutoPartition:
		topics, err := validateTopics(s.Topics)
		if err != nil {
			return err
		}
		if err := m.Unsubscribe(); err != nil {
			return err
		}
		if onRebalance == nil {
			onRebalance = func(client.RebalanceKind, []kafkaconsumer.TopicPartition) {}
		}
		if err := m.client.Subscribe(topics, m.logged(onRebalance)); err != nil {
			m.rollback()
			return err
		}
		m.state = AutoAssigned
		m.topics = topics
	case ManualPartition:
		partitions, err := validatePartitions(s.Partitions)
		if err != nil {
			return err
		}
		if err := m.Unsubscribe(); err != nil {
			return err
		}
		if err := m.client.Assign(partitions); err != nil {
			m.rollback()
			return err
		}
		m.state = ManuallyAssigned
	case ManualOffset:
		for tp, offset := range s.Offsets {
			if offset < 0 {
				return subscriptionErrorf("negative offset %d for %v", offset, tp)
			}
		}
		partitions, err := validatePartitions(s.Offsets.Partitions())
		if err != nil {
			return err
		}
		if err := m.Unsubscribe(); err != nil {
			return err
		}
		if err := m.client.Assign(partitions); err != nil {
			m.rollback()
			return err
		}
		m.state = ManuallyAssigned
		if err := m.tracker.Seek(s.Offsets); err != nil {
			m.rollback()
			return err
		}
	default:
		return subscriptionErrorf("unknown mode %T", mode)
	}
	level.Info(m.logger).Log("msg", "subscribed", "state", m.state, "topics", len(m.topics))
	return nil
}

func (m *Manager) logged(fn client.RebalanceFunc) client.RebalanceFunc {
	return func(kind client.RebalanceKind, partitions []kafkaconsumer.TopicPartition) {
		level.Info(m.logger).Log("msg", "rebalance", "kind", kind, "partitions", len(partitions))
		fn(kind, partitions)
	}
}

// rollback unsubscribes after a failed Subscribe.
func (m *Manager) rollback() {
	if err := m.Unsubscribe(); err != nil {
		level.Warn(m.logger).Log("msg", "error clearing assignment after failed subscribe", "err", err)
	}
}

// Unsubscribe clears all assignment and moves the manager to Unassigned. Idempotent: calling it
// when Unassigned does nothing (the client's Unassign is a nop then).
func (m *Manager) Unsubscribe() error {
	if err := m.client.Unassign(); err != nil {
		return err
	}
	m.tracker.Reset()
	m.state = Unassigned
	m.topics = nil
	return nil
}
