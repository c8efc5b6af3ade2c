// Package brokertest provides utilities for testing components requiring
// live, in-process brokers.
package brokertest

import (
	"context"
	"strconv"
	"time"

	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.gazette.dev/rollsec/broker"
	"go.gazette.dev/rollsec/protocol"
)

// Speed shortens the timeouts of |cfg| to speed test execution.
func Speed(cfg *broker.Config) {
	cfg.ReplicaLagTime = 2 * time.Second
	cfg.ReplicaFetchWait = 100 * time.Millisecond
	cfg.SessionTTL = 2 * time.Second
	cfg.ShutdownTimeout = 10 * time.Second
}

// Config returns the Config of a PLAINTEXT test broker of cluster |root|,
// which binds a random port of the loopback interface.
func Config(root string, id int32) broker.Config {
	var cfg = broker.Config{
		ID:                  id,
		Name:                "broker-" + strconv.Itoa(int(id)),
		Host:                "127.0.0.1",
		Root:                root,
		Listeners:           []broker.ListenerConfig{{Protocol: protocol.Plaintext}},
		InterBrokerProtocol: protocol.Plaintext,
	}
	Speed(&cfg)
	return cfg
}

// NewBroker builds and starts a Broker, and waits for its registration.
// |store| may be nil.
func NewBroker(t require.TestingT, etcd *clientv3.Client, cfg broker.Config, sec broker.Security, store *broker.Store) *broker.Broker {
	var b, err = broker.New(cfg, sec, etcd, store)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	require.Eventually(t, b.Registered, 10*time.Second, 20*time.Millisecond)
	return b
}

// Bootstrap returns the addresses of |proto| listeners of |brokers|.
func Bootstrap(proto protocol.SecurityProtocol, brokers ...*broker.Broker) []string {
	var out []string
	for _, b := range brokers {
		if l, ok := b.Spec().Listener(proto); ok {
			out = append(out, l.Address())
		}
	}
	return out
}

// WaitForISR waits until every partition of |topic|, as seen by |b|, has a
// leader and an ISR of |n| brokers.
func WaitForISR(t require.TestingT, b *broker.Broker, topic string, n int) {
	require.Eventually(t, func() bool {
		var led, total int
		for _, s := range b.Replicas() {
			if s.Topic == topic {
				total++
				if s.Leader != protocol.NoLeader && len(s.ISR) == n {
					led++
				}
			}
		}
		return total != 0 && led == total
	}, 30*time.Second, 50*time.Millisecond)
}
