package static

import (
	"errors"
	"sync"

	"github.com/mkocikowski/libkafka"
	"github.com/mkocikowski/libkafka/client"

	"github.com/mkocikowski/kafkaconsumer"
)

type offsetStore interface {
	Fetch(topic string, partition int32) (int64, error)
	Commit(topic string, partition int32, offset int64) error
	Close() error
}

// groupOffsets fetches and commits group offsets through the group coordinator. Safe for
// concurrent use: calls are serialized, the group client has a single connection.
type groupOffsets struct {
	Bootstrap string
	GroupId   string
	client    *client.GroupClient
	sync.Mutex
}

func (c *groupOffsets) init() {
	if c.client != nil {
		return
	}
	c.client = &client.GroupClient{
		Bootstrap: c.Bootstrap,
		GroupId:   c.GroupId,
	}
}

// Fetch makes a single FetchOffset api call. If there is no active connection to the group
// coordinator, it will first look up the coordinator and connect to it. If there is an error
// making the request or an error response from kafka, the connection is closed and the error
// returned; it is re-opened on the next call. Returns -1 when nothing is committed.
func (c *groupOffsets) Fetch(topic string, partition int32) (int64, error) {
	c.Lock()
	defer c.Unlock()
	c.init()
	offset, err := c.client.FetchOffset(topic, partition)
	if err != nil {
		c.client.Close()
		err = kafkaconsumer.Errorf("error for topic %s partition %d: %w", topic, partition, err)
	}
	return offset, err
}

// Commit makes a single CommitOffset api call with broker default retention. See Fetch for
// error handling.
func (c *groupOffsets) Commit(topic string, partition int32, offset int64) error {
	c.Lock()
	defer c.Unlock()
	c.init()
	err := c.client.CommitOffset(topic, partition, offset, -1)
	if err != nil {
		c.client.Close()
		err = kafkaconsumer.Errorf("error for topic %s partition %d: %w", topic, partition, err)
	}
	return err
}

func (c *groupOffsets) Close() error {
	c.Lock()
	defer c.Unlock()
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// retriable errors are broker error codes that go away by themselves, and connection errors.
func retriable(err error) bool {
	var e *libkafka.Error
	if !errors.As(err, &e) {
		return true
	}
	switch int(e.Code) {
	case 5, // leader not available
		7,  // request timed out
		13, // network exception
		14, // coordinator load in progress
		15, // coordinator not available
		16, // not coordinator
		27: // rebalance in progress
		return true
	}
	return false
}
