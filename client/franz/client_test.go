package franz

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/mkocikowski/kafkaconsumer"
	"github.com/mkocikowski/kafkaconsumer/client"
	"github.com/mkocikowski/kafkaconsumer/conf"
)

var (
	t0 = kafkaconsumer.TopicPartition{Topic: "t", Partition: 0}
	t1 = kafkaconsumer.TopicPartition{Topic: "t", Partition: 1}
)

// newCluster starts a fake cluster with topic "t" of 2 partitions, and produces n records to
// each partition, with values "<partition>-<offset>".
func newCluster(t *testing.T, n int) []string {
	t.Helper()
	cluster, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(2, "t"))
	require.NoError(t, err)
	t.Cleanup(cluster.Close)
	addrs := cluster.ListenAddrs()
	producer, err := kgo.NewClient(
		kgo.SeedBrokers(addrs...),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
	)
	require.NoError(t, err)
	defer producer.Close()
	for p := int32(0); p < 2; p++ {
		for i := 0; i < n; i++ {
			value := strconv.Itoa(int(p)) + "-" + strconv.Itoa(i)
			r := &kgo.Record{Topic: "t", Partition: p, Value: []byte(value)}
			require.NoError(t, producer.ProduceSync(context.Background(), r).FirstErr())
		}
	}
	return addrs
}

func newClient(t *testing.T, addrs []string, reset string) *Client {
	t.Helper()
	return newClientWithRegistry(t, addrs, reset, prometheus.NewRegistry())
}

func newClientWithRegistry(t *testing.T, addrs []string, reset string, reg prometheus.Registerer) *Client {
	t.Helper()
	c, err := conf.Build(nil, nil, "test-group",
		conf.WithBootstrapServers(strings.Join(addrs, ",")),
		conf.WithAutoOffsetReset(reset),
		conf.WithAutoCommit(false),
	)
	require.NoError(t, err)
	c, err = c.WithProperty(conf.FetchMaxWaitMs, 50)
	require.NoError(t, err)
	cl, err := New(c, log.NewNopLogger(), reg)
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	return cl
}

func poll(t *testing.T, cl *Client, n int) []*kafkaconsumer.Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var records []*kafkaconsumer.Record
	for len(records) < n {
		r, err := cl.Poll(ctx, 0)
		require.NoError(t, err)
		records = append(records, r...)
	}
	return records
}

func TestUnitFranzAssignSeek(t *testing.T) {
	addrs := newCluster(t, 10)
	cl := newClient(t, addrs, conf.ResetEarliest)
	require.NoError(t, cl.Assign([]kafkaconsumer.TopicPartition{t0}))
	a, _ := cl.Assignment()
	require.Equal(t, []kafkaconsumer.TopicPartition{t0}, a)
	require.NoError(t, cl.Seek(kafkaconsumer.Offsets{t0: 7}))
	records := poll(t, cl, 3)
	require.Equal(t, int64(7), records[0].Offset)
	require.Equal(t, "0-7", string(records[0].RawValue))
	for _, r := range records {
		require.Equal(t, t0, r.TopicPartition)
	}
}

func TestUnitFranzSeekBeforeFirstPoll(t *testing.T) {
	addrs := newCluster(t, 10)
	cl := newClient(t, addrs, conf.ResetLatest)
	require.NoError(t, cl.Assign([]kafkaconsumer.TopicPartition{t0, t1}))
	require.NoError(t, cl.Seek(kafkaconsumer.Offsets{t0: 7}))
	records := poll(t, cl, 3)
	require.Len(t, records, 3)
	for i, r := range records {
		// t1 starts at the end of the log
		require.Equal(t, t0, r.TopicPartition)
		require.Equal(t, int64(7+i), r.Offset)
	}
	// seeks once consuming still work
	require.NoError(t, cl.Seek(kafkaconsumer.Offsets{t0: 2}))
	records = poll(t, cl, 1)
	require.Equal(t, int64(2), records[0].Offset)
}

func TestUnitFranzPositionsAndCommit(t *testing.T) {
	addrs := newCluster(t, 10)
	cl := newClient(t, addrs, conf.ResetEarliest)
	require.NoError(t, cl.Assign([]kafkaconsumer.TopicPartition{t0, t1}))
	positions, err := cl.Positions(context.Background(), []kafkaconsumer.TopicPartition{t0, t1})
	require.NoError(t, err)
	require.Equal(t, kafkaconsumer.Offsets{t0: 0, t1: 0}, positions)
	// manual assignment commits go through kadm
	require.NoError(t, cl.Commit(context.Background(), kafkaconsumer.Offsets{t0: 5}))
	positions, err = cl.Positions(context.Background(), []kafkaconsumer.TopicPartition{t0, t1})
	require.NoError(t, err)
	require.Equal(t, kafkaconsumer.Offsets{t0: 5, t1: 0}, positions)
	// a new assignment starts at the committed offset
	require.NoError(t, cl.Assign([]kafkaconsumer.TopicPartition{t0}))
	records := poll(t, cl, 1)
	require.Equal(t, int64(5), records[0].Offset)
}

func TestUnitFranzResetLatest(t *testing.T) {
	addrs := newCluster(t, 3)
	cl := newClient(t, addrs, conf.ResetLatest)
	require.NoError(t, cl.Assign([]kafkaconsumer.TopicPartition{t1}))
	positions, err := cl.Positions(context.Background(), []kafkaconsumer.TopicPartition{t1})
	require.NoError(t, err)
	require.Equal(t, int64(3), positions[t1])
}

func TestUnitFranzPollTimeout(t *testing.T) {
	addrs := newCluster(t, 1)
	cl := newClient(t, addrs, conf.ResetLatest)
	require.NoError(t, cl.Assign([]kafkaconsumer.TopicPartition{t0}))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	records, err := cl.Poll(ctx, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, records)
}

func TestUnitFranzResetNone(t *testing.T) {
	addrs := newCluster(t, 3)
	cl := newClient(t, addrs, conf.ResetNone)
	require.NoError(t, cl.Assign([]kafkaconsumer.TopicPartition{t0}))
	_, err := cl.Poll(context.Background(), 0)
	require.ErrorIs(t, err, kafkaconsumer.ErrNoOffset)
	_, err = cl.Positions(context.Background(), []kafkaconsumer.TopicPartition{t0})
	require.ErrorIs(t, err, kafkaconsumer.ErrNoOffset)
	require.NoError(t, cl.Seek(kafkaconsumer.Offsets{t0: 1}))
	records := poll(t, cl, 2)
	require.Equal(t, int64(1), records[0].Offset)
}

func TestUnitFranzGroupResetNone(t *testing.T) {
	addrs := newCluster(t, 3)
	cl := newClient(t, addrs, conf.ResetNone)
	require.NoError(t, cl.Subscribe([]string{"t"}, func(client.RebalanceKind, []kafkaconsumer.TopicPartition) {}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	records, err := cl.Poll(ctx, 0)
	require.ErrorIs(t, err, kafkaconsumer.ErrNoOffset)
	require.Empty(t, records)
	a, _ := cl.Assignment()
	require.Equal(t, []kafkaconsumer.TopicPartition{t0, t1}, a)
	// still no offset
	_, err = cl.Poll(ctx, 0)
	require.ErrorIs(t, err, kafkaconsumer.ErrNoOffset)
}

func TestUnitFranzFetchErrorNoReset(t *testing.T) {
	fe := kgo.FetchError{Topic: "t", Partition: 0, Err: kerr.OffsetOutOfRange}
	none := &Client{reset: conf.ResetNone}
	require.ErrorIs(t, none.fetchError(fe), kafkaconsumer.ErrNoOffset)
	require.ErrorIs(t, none.fetchError(fe), kerr.OffsetOutOfRange)
	latest := &Client{reset: conf.ResetLatest}
	require.NotErrorIs(t, latest.fetchError(fe), kafkaconsumer.ErrNoOffset)
	fe.Err = kerr.NotLeaderForPartition
	require.NotErrorIs(t, none.fetchError(fe), kafkaconsumer.ErrNoOffset)
}

func TestUnitFranzSubscribe(t *testing.T) {
	addrs := newCluster(t, 5)
	cl := newClient(t, addrs, conf.ResetEarliest)
	var (
		mu     sync.Mutex
		events []client.RebalanceKind
	)
	hook := func(kind client.RebalanceKind, partitions []kafkaconsumer.TopicPartition) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, kind)
	}
	require.NoError(t, cl.Subscribe([]string{"t"}, hook))
	records := poll(t, cl, 10)
	require.Len(t, records, 10)
	a, _ := cl.Assignment()
	require.Equal(t, []kafkaconsumer.TopicPartition{t0, t1}, a)
	mu.Lock()
	require.Equal(t, client.Assigned, events[0])
	mu.Unlock()
	// group commits go through the member
	require.NoError(t, cl.Commit(context.Background(), kafkaconsumer.Offsets{t0: 5, t1: 5}))
	committed, err := cl.committed(context.Background(), []kafkaconsumer.TopicPartition{t0, t1})
	require.NoError(t, err)
	require.Equal(t, kafkaconsumer.Offsets{t0: 5, t1: 5}, committed)
	// leaving the group revokes
	require.NoError(t, cl.Unassign())
	a, _ = cl.Assignment()
	require.Empty(t, a)
	mu.Lock()
	require.Contains(t, events, client.Revoked)
	mu.Unlock()
}

func TestUnitFranzClosed(t *testing.T) {
	addrs := newCluster(t, 1)
	cl := newClient(t, addrs, conf.ResetEarliest)
	require.NoError(t, cl.Close())
	err := cl.Commit(context.Background(), kafkaconsumer.Offsets{t0: 1})
	var commitErr *kafkaconsumer.CommitError
	require.True(t, errors.As(err, &commitErr), err)
}

func TestUnitFranzClientMetrics(t *testing.T) {
	addrs := newCluster(t, 3)
	reg := prometheus.NewRegistry()
	cl := newClientWithRegistry(t, addrs, conf.ResetEarliest, reg)
	// each assignment gets a new consuming client
	for i := 0; i < 2; i++ {
		require.NoError(t, cl.Assign([]kafkaconsumer.TopicPartition{t0}))
		require.Len(t, poll(t, cl, 3), 3)
	}
	families, err := reg.Gather()
	require.NoError(t, err)
	clients := make(map[string]bool)
	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "client" {
					clients[l.GetValue()] = true
				}
			}
		}
	}
	require.Equal(t, map[string]bool{"admin": true, "consumer": true}, clients)
}
