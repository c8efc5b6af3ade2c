package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRegisterCleanly(t *testing.T) {
	var reg = prometheus.NewRegistry()

	for _, set := range [][]prometheus.Collector{
		BrokerCollectors(), ClientCollectors(), CoordinationCollectors(),
	} {
		for _, c := range set {
			require.NoError(t, reg.Register(c))
		}
	}
}

func TestLabeledCounterValues(t *testing.T) {
	BrokerSASLAuthTotal.WithLabelValues("SCRAM-SHA-512", Ok).Inc()
	BrokerSASLAuthTotal.WithLabelValues("SCRAM-SHA-512", Ok).Inc()
	BrokerSASLAuthTotal.WithLabelValues("PLAIN", Fail).Inc()

	var m dto.Metric
	require.NoError(t, BrokerSASLAuthTotal.WithLabelValues("SCRAM-SHA-512", Ok).Write(&m))
	require.Equal(t, 2.0, m.GetCounter().GetValue())

	require.NoError(t, BrokerSASLAuthTotal.WithLabelValues("PLAIN", Fail).Write(&m))
	require.Equal(t, 1.0, m.GetCounter().GetValue())
}
