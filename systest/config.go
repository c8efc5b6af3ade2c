// Package systest runs system-test scenarios against an in-process broker
// cluster, which is coordinated through an etcd node and secured by an
// in-process credential authority. Each scenario streams sequential
// integers from a VerifiableProducer to a ConsoleConsumer while it mutates
// the cluster, and then validates that no acknowledged message was lost.
package systest

import (
	"time"

	"go.gazette.dev/rollsec/protocol"
)

// RunConfig parameterizes a scenario run.
type RunConfig struct {
	Topic             string                    `long:"topic" env:"TOPIC" default:"test_topic" description:"Topic produced to and consumed from" yaml:"topic"`
	Partitions        int32                     `long:"partitions" env:"PARTITIONS" default:"3" description:"Partitions of the topic" yaml:"partitions"`
	ReplicationFactor int32                     `long:"replication-factor" env:"REPLICATION_FACTOR" default:"3" description:"Replication factor of the topic" yaml:"replication_factor"`
	MinInsyncReplicas int32                     `long:"min-insync-replicas" env:"MIN_INSYNC_REPLICAS" default:"2" description:"Minimum in-sync replicas of the topic" yaml:"min_insync_replicas"`
	Throughput        int                       `long:"throughput" env:"THROUGHPUT" default:"1000" description:"Messages produced per second" yaml:"throughput"`
	NumProducers      int                       `long:"num-producers" env:"NUM_PRODUCERS" default:"1" description:"Number of producers" yaml:"num_producers"`
	NumConsumers      int                       `long:"num-consumers" env:"NUM_CONSUMERS" default:"1" description:"Number of consumers" yaml:"num_consumers"`
	ConsumerTimeout   time.Duration             `long:"consumer-timeout" env:"CONSUMER_TIMEOUT" default:"60s" description:"Idle duration after which the consumer exits" yaml:"consumer_timeout"`
	GroupID           string                    `long:"group" env:"GROUP" default:"group" description:"Consumer group of committed offsets" yaml:"group_id"`
	NumBrokers        int                       `long:"brokers" env:"BROKERS" default:"3" description:"Number of brokers" yaml:"num_brokers"`
	SecurityProtocol  protocol.SecurityProtocol `long:"security-protocol" env:"SECURITY_PROTOCOL" default:"SASL_SSL" description:"Security protocol of clients" yaml:"security_protocol"`
	InterBroker       protocol.SecurityProtocol `long:"inter-broker-protocol" env:"INTER_BROKER_PROTOCOL" default:"SASL_SSL" description:"Security protocol between brokers" yaml:"inter_broker_protocol"`
	Mechanism         protocol.Mechanism        `long:"mechanism" env:"MECHANISM" default:"SCRAM-SHA-512" description:"SASL mechanism of clients and brokers" yaml:"mechanism"`
	Compression       string                    `long:"compression" env:"COMPRESSION" default:"none" choice:"none" choice:"gzip" choice:"snappy" choice:"lz4" choice:"zstd" description:"Compression of produced batches" yaml:"compression"`
	Host              string                    `long:"host" env:"HOST" default:"127.0.0.1" description:"Host which brokers bind and advertise" yaml:"host"`
	EtcdBinary        string                    `long:"etcd-binary" env:"ETCD_BINARY" description:"etcd executable. Defaults to $ETCD_BIN or etcd on the $PATH" yaml:"etcd_binary,omitempty"`
	Dir               string                    `long:"dir" env:"DIR" description:"Directory of coordination data. Defaults to a temporary directory" yaml:"dir,omitempty"`
}

// DefaultRunConfig returns the RunConfig of the canonical scenario: three
// brokers serving a three-partition topic with a replication factor of
// three, and one producer and consumer over SASL_SSL.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Topic:             "test_topic",
		Partitions:        3,
		ReplicationFactor: 3,
		MinInsyncReplicas: 2,
		Throughput:        1000,
		NumProducers:      1,
		NumConsumers:      1,
		ConsumerTimeout:   60000 * time.Millisecond,
		GroupID:           "group",
		NumBrokers:        3,
		SecurityProtocol:  protocol.SASLSSL,
		InterBroker:       protocol.SASLSSL,
		Mechanism:         protocol.MechanismSCRAMSHA512,
		Compression:       "none",
		Host:              "127.0.0.1",
	}
}

// TopicSpec of the RunConfig.
func (c RunConfig) TopicSpec() protocol.TopicSpec {
	return protocol.TopicSpec{
		Name:              c.Topic,
		Partitions:        c.Partitions,
		ReplicationFactor: c.ReplicationFactor,
		MinInsyncReplicas: c.MinInsyncReplicas,
	}
}

// Validate returns an error if the RunConfig is not well-formed.
func (c RunConfig) Validate() error {
	if err := c.TopicSpec().Validate(); err != nil {
		return protocol.ExtendContext(err, "TopicSpec")
	} else if int(c.ReplicationFactor) > c.NumBrokers {
		return protocol.NewValidationError("ReplicationFactor %d exceeds NumBrokers %d",
			c.ReplicationFactor, c.NumBrokers)
	} else if c.NumProducers != 1 || c.NumConsumers != 1 {
		// Producers emit the same sequence, and consumers don't balance
		// partitions among themselves.
		return protocol.NewValidationError("expected one producer and one consumer (got %d and %d)",
			c.NumProducers, c.NumConsumers)
	} else if c.ConsumerTimeout <= 0 {
		return protocol.NewValidationError("invalid ConsumerTimeout (%s)", c.ConsumerTimeout)
	} else if err = protocol.ValidateToken(c.GroupID, 1, 249); err != nil {
		return protocol.ExtendContext(err, "GroupID")
	} else if err = c.SecurityProtocol.Validate(); err != nil {
		return protocol.ExtendContext(err, "SecurityProtocol")
	} else if err = c.InterBroker.Validate(); err != nil {
		return protocol.ExtendContext(err, "InterBroker")
	} else if err = c.Mechanism.Validate(); err != nil {
		return protocol.ExtendContext(err, "Mechanism")
	} else if c.Host == "" {
		return protocol.NewValidationError("expected Host")
	}
	return nil
}
