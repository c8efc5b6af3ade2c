package broker_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.gazette.dev/rollsec/broker"
	"go.gazette.dev/rollsec/brokertest"
	"go.gazette.dev/rollsec/coordination"
	"go.gazette.dev/rollsec/etcdtest"
	"go.gazette.dev/rollsec/protocol"
)

const testRoot = "/rollsec/broker-test"

func startBroker(t *testing.T, etcd *clientv3.Client, store *broker.Store, id int32) *broker.Broker {
	return brokertest.NewBroker(t, etcd, brokertest.Config(testRoot, id), broker.Security{}, store)
}

func bootstrap(brokers ...*broker.Broker) []string {
	return brokertest.Bootstrap(protocol.Plaintext, brokers...)
}

func produce(t *testing.T, cl *kgo.Client, topic string, from, to int) {
	var ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var recs []*kgo.Record
	for i := from; i != to; i++ {
		recs = append(recs, &kgo.Record{Topic: topic, Value: []byte(strconv.Itoa(i))})
	}
	require.NoError(t, cl.ProduceSync(ctx, recs...).FirstErr())
}

func consumeAll(t *testing.T, seeds []string, topic string, partitions int32, expect int) map[string]int {
	var offsets = make(map[int32]kgo.Offset)
	for p := int32(0); p != partitions; p++ {
		offsets[p] = kgo.NewOffset().AtStart()
	}
	var cl, err = kgo.NewClient(
		kgo.SeedBrokers(seeds...),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{topic: offsets}),
		kgo.DisableFetchSessions(),
	)
	require.NoError(t, err)
	defer cl.Close()

	var ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var seen = make(map[string]int)
	for n := 0; n < expect; {
		var fetches = cl.PollFetches(ctx)
		require.NoError(t, ctx.Err())

		fetches.EachRecord(func(r *kgo.Record) {
			seen[string(r.Value)]++
			n++
		})
	}
	return seen
}

func TestReplicationAndFailover(t *testing.T) {
	var svc = etcdtest.Start(t, coordination.Config{})
	var etcd = etcdtest.Client(t, svc)
	var ctx = context.Background()

	var stores = []*broker.Store{broker.NewStore(), broker.NewStore(), broker.NewStore()}
	var brokers []*broker.Broker
	for i := range stores {
		brokers = append(brokers, startBroker(t, etcd, stores[i], int32(i)))
	}
	defer func() {
		for _, b := range brokers {
			_ = b.Kill()
		}
	}()

	require.Eventually(t, func() bool {
		for _, b := range brokers {
			if !b.Registered() {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)

	// Topics are created through the Kafka API.
	var cl, err = kgo.NewClient(
		kgo.SeedBrokers(bootstrap(brokers...)...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.DisableIdempotentWrite(),
		kgo.RecordPartitioner(kgo.RoundRobinPartitioner()),
	)
	require.NoError(t, err)
	defer cl.Close()

	require.Eventually(t, func() bool {
		var m, err = kmsg.NewPtrMetadataRequest().RequestWith(ctx, cl)
		return err == nil && m.ControllerID >= 0
	}, 10*time.Second, 20*time.Millisecond)

	var req = kmsg.NewPtrCreateTopicsRequest()
	var rt = kmsg.NewCreateTopicsRequestTopic()
	rt.Topic, rt.NumPartitions, rt.ReplicationFactor = "test_topic", 3, 3
	var minISR = kmsg.NewCreateTopicsRequestTopicConfig()
	minISR.Name, minISR.Value = "min.insync.replicas", kmsg.StringPtr("2")
	rt.Configs = append(rt.Configs, minISR)
	req.Topics = append(req.Topics, rt)

	resp, err := req.RequestWith(ctx, cl)
	require.NoError(t, err)
	require.Equal(t, int16(0), resp.Topics[0].ErrorCode)

	// Creating it again fails.
	resp, err = req.RequestWith(ctx, cl)
	require.NoError(t, err)
	require.Equal(t, int16(36), resp.Topics[0].ErrorCode) // TOPIC_ALREADY_EXISTS.

	brokertest.WaitForISR(t, brokers[0], "test_topic", 3)
	produce(t, cl, "test_topic", 0, 100)

	// Kill the leader of partition zero. Its partitions fail over to
	// in-sync replicas, and acknowledged records are retained.
	var leader int32 = -1
	for _, s := range brokers[1].Replicas() {
		if s.Topic == "test_topic" && s.Partition == 0 {
			leader = s.Leader
		}
	}
	require.NotEqual(t, int32(-1), leader)
	require.NoError(t, brokers[leader].Kill())

	var survivors []*broker.Broker
	for i, b := range brokers {
		if int32(i) != leader {
			survivors = append(survivors, b)
		}
	}
	brokertest.WaitForISR(t, survivors[0], "test_topic", 2)
	produce(t, cl, "test_topic", 100, 200)

	// The killed broker restarts with its prior log, and rejoins the ISR.
	brokers[leader] = startBroker(t, etcd, stores[leader], leader)
	brokertest.WaitForISR(t, survivors[0], "test_topic", 3)
	produce(t, cl, "test_topic", 200, 300)

	var seen = consumeAll(t, bootstrap(brokers...), "test_topic", 3, 300)
	for i := 0; i != 300; i++ {
		require.Contains(t, seen, strconv.Itoa(i))
	}
}

func TestGracefulStopHandsOffLeadership(t *testing.T) {
	var svc = etcdtest.Start(t, coordination.Config{})
	var etcd = etcdtest.Client(t, svc)
	var ctx = context.Background()

	var brokers []*broker.Broker
	for i := int32(0); i != 2; i++ {
		brokers = append(brokers, startBroker(t, etcd, nil, i))
	}
	defer func() { _ = brokers[1].Kill() }()

	require.Eventually(t, func() bool { return brokers[0].Registered() && brokers[1].Registered() },
		10*time.Second, 20*time.Millisecond)

	var _, err = broker.CreateTopic(ctx, etcd, testRoot, protocol.TopicSpec{
		Name: "handoff", Partitions: 2, ReplicationFactor: 2, MinInsyncReplicas: 1})
	require.NoError(t, err)
	_, err = broker.CreateTopic(ctx, etcd, testRoot, protocol.TopicSpec{
		Name: "handoff", Partitions: 2, ReplicationFactor: 2, MinInsyncReplicas: 1})
	require.Equal(t, broker.ErrTopicExists, err)

	brokertest.WaitForISR(t, brokers[1], "handoff", 2)
	require.NoError(t, brokers[0].Stop(ctx))

	// Broker 1 leads both partitions, and 0 was removed from their ISRs.
	require.Eventually(t, func() bool {
		for _, s := range brokers[1].Replicas() {
			if s.Leader != 1 || len(s.ISR) != 1 {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)
}
