// Package metrics defines the Prometheus collectors of brokers, clients,
// and the coordination service fixture.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Keys for metric labels.
const (
	Fail = "fail"
	Ok   = "ok"
)

// Collectors for broker metrics.
var (
	BrokerConnectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rollsec_broker_connections_total",
		Help: "Cumulative number of accepted client connections, by listener protocol.",
	}, []string{"protocol"})
	BrokerRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rollsec_broker_requests_total",
		Help: "Cumulative number of handled requests, by API and status.",
	}, []string{"api", "status"})
	BrokerSASLAuthTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rollsec_broker_sasl_authentications_total",
		Help: "Cumulative number of completed SASL authentications, by mechanism and status.",
	}, []string{"mechanism", "status"})
	BrokerAppendedRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rollsec_broker_appended_records_total",
		Help: "Cumulative number of records appended to partition logs as leader.",
	})
	BrokerReplicatedBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rollsec_broker_replicated_bytes_total",
		Help: "Cumulative number of record batch bytes fetched from leaders as follower.",
	})
	BrokerISRChangesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rollsec_broker_isr_changes_total",
		Help: "Cumulative number of ISR shrinks and expansions persisted by leaders.",
	}, []string{"change"})
	BrokerLeaderElectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rollsec_broker_leader_elections_total",
		Help: "Cumulative number of partition leader elections by the controller, by reason.",
	}, []string{"reason"})
	BrokerTruncatedRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rollsec_broker_truncated_batches_total",
		Help: "Cumulative number of record batches truncated by followers after leader changes.",
	})
	BrokerLeaderPartitions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rollsec_broker_leader_partitions",
		Help: "Number of partitions currently led, by broker.",
	}, []string{"broker"})
	BrokerProduceLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rollsec_broker_produce_latency_seconds",
		Help:    "Latency of produce requests, from receipt to response.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
)

// BrokerCollectors returns the metrics used by package broker.
func BrokerCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		BrokerConnectionsTotal,
		BrokerRequestsTotal,
		BrokerSASLAuthTotal,
		BrokerAppendedRecordsTotal,
		BrokerReplicatedBytesTotal,
		BrokerISRChangesTotal,
		BrokerLeaderElectionsTotal,
		BrokerTruncatedRecordsTotal,
		BrokerLeaderPartitions,
		BrokerProduceLatency,
	}
}

// Collectors for client metrics.
var (
	ProducerRecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rollsec_producer_records_total",
		Help: "Cumulative number of produced records, by status.",
	}, []string{"status"})
	ConsumerRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rollsec_consumer_records_total",
		Help: "Cumulative number of consumed records.",
	})
	ConsumerInvalidRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rollsec_consumer_invalid_records_total",
		Help: "Cumulative number of consumed records rejected by the message validator.",
	})
)

// ClientCollectors returns the metrics used by package client.
func ClientCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		ProducerRecordsTotal,
		ConsumerRecordsTotal,
		ConsumerInvalidRecordsTotal,
	}
}

// Collectors of the coordination service fixture.
var (
	CoordinationStartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rollsec_coordination_starts_total",
		Help: "Cumulative number of coordination node process starts.",
	})
	CoordinationAuthEnabled = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rollsec_coordination_auth_enabled",
		Help: "One if the coordination node enforces client authentication.",
	})
)

// CoordinationCollectors returns the metrics used by package coordination.
func CoordinationCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		CoordinationStartsTotal,
		CoordinationAuthEnabled,
	}
}
