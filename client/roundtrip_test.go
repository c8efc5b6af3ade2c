package client_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/sasl/scram"
	"go.gazette.dev/rollsec/broker"
	"go.gazette.dev/rollsec/brokertest"
	"go.gazette.dev/rollsec/client"
	"go.gazette.dev/rollsec/coordination"
	"go.gazette.dev/rollsec/etcdtest"
	"go.gazette.dev/rollsec/kdc"
	"go.gazette.dev/rollsec/protocol"
)

func TestProduceConsumeOverSASLSSL(t *testing.T) {
	var svc = etcdtest.Start(t, coordination.Config{})
	var etcd = etcdtest.Client(t, svc)
	var ctx = context.Background()

	var authority = kdc.New("CLIENT.TEST")
	require.NoError(t, authority.Start())
	defer authority.Stop()

	var principal, err = authority.AddPrincipal("client")
	require.NoError(t, err)
	interBroker, err := authority.AddPrincipal("broker")
	require.NoError(t, err)
	serverTLS, err := authority.ServerTLSConfig("127.0.0.1")
	require.NoError(t, err)
	clientTLS, err := authority.ClientTLSConfig()
	require.NoError(t, err)

	var cfg = brokertest.Config("/rollsec/client-test", 0)
	cfg.Listeners = []broker.ListenerConfig{{Protocol: protocol.SASLSSL}}
	cfg.InterBrokerProtocol = protocol.SASLSSL

	var b = brokertest.NewBroker(t, etcd, cfg, broker.Security{
		ServerTLS:       serverTLS,
		ClientTLS:       clientTLS,
		Credentials:     authority,
		InterBrokerSASL: scram.Auth{User: interBroker.Name, Pass: interBroker.Password}.AsSha512Mechanism(),
	}, nil)
	defer func() { _ = b.Kill() }()

	_, err = broker.CreateTopic(ctx, etcd, "/rollsec/client-test", protocol.TopicSpec{
		Name:              "values",
		Partitions:        2,
		ReplicationFactor: 1,
		MinInsyncReplicas: 1,
	})
	require.NoError(t, err)

	var listener, _ = b.Spec().Listener(protocol.SASLSSL)
	var sec = client.Security{
		Protocol:  protocol.SASLSSL,
		TLS:       clientTLS,
		Mechanism: protocol.MechanismSCRAMSHA256,
		Principal: principal.Name,
		Password:  principal.Password,
	}
	var producer = &client.VerifiableProducer{
		Topic:       "values",
		Throughput:  1000,
		MaxMessages: 200,
		Brokers:     []string{listener.Address()},
		Security:    sec,
		Compression: "snappy",
	}
	require.NoError(t, producer.Run(ctx))
	require.Equal(t, 200, producer.NumAcked())
	require.Empty(t, producer.Failed())

	var newConsumer = func() *client.ConsoleConsumer {
		return &client.ConsoleConsumer{
			Topic:            "values",
			GroupID:          "group",
			ConsumerTimeout:  2 * time.Second,
			MessageValidator: client.IsInt,
			Brokers:          []string{listener.Address()},
			Security:         sec,
		}
	}
	var consumer = newConsumer()
	require.NoError(t, consumer.Run(ctx))

	var expect []string
	for _, v := range producer.Acked() {
		expect = append(expect, strconv.Itoa(v))
	}
	require.ElementsMatch(t, expect, consumer.Consumed())
	require.Empty(t, consumer.Invalid())

	// A consumer of the same group resumes from committed offsets.
	consumer = newConsumer()
	require.NoError(t, consumer.Run(ctx))
	require.Zero(t, consumer.NumConsumed())

	// Bad credentials fail the producer's deliveries rather than hanging.
	sec.Password = "wrong"
	producer = &client.VerifiableProducer{
		Topic:           "values",
		MaxMessages:     1,
		Brokers:         []string{listener.Address()},
		Security:        sec,
		DeliveryTimeout: 2 * time.Second,
	}
	require.NoError(t, producer.Run(ctx))
	require.Equal(t, []int{0}, producer.Failed())
}
