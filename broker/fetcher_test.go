package broker

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.gazette.dev/rollsec/protocol"
)

func TestEpochRequestGroupsOnTopic(t *testing.T) {
	var epochs = map[string][]protocol.Epoch{
		"zeta":  {{Partition: 0, Epoch: 2}},
		"alpha": {{Partition: 1, Epoch: 4}, {Partition: 0, Epoch: 3}},
	}
	var current = map[partitionID]int32{
		{"zeta", 0}:  5,
		{"alpha", 0}: 6,
		{"alpha", 1}: 6,
	}
	var req = epochRequest(2, epochs, current)
	require.Equal(t, int32(2), req.ReplicaID)

	var got = make(map[string][]protocol.Epoch)
	var order []string
	for _, rt := range req.Topics {
		order = append(order, rt.Topic)
		for _, rp := range rt.Partitions {
			got[rt.Topic] = append(got[rt.Topic], protocol.Epoch{Partition: rp.Partition, Epoch: rp.LeaderEpoch})
			require.Equal(t, current[partitionID{rt.Topic, rp.Partition}], rp.CurrentLeaderEpoch)
		}
	}
	require.Equal(t, []string{"alpha", "zeta"}, order)
	require.Equal(t, epochs, got)

	// The request round-trips through the wire encoding.
	req.SetVersion(3)
	var decoded = kmsg.NewPtrOffsetForLeaderEpochRequest()
	decoded.SetVersion(3)
	require.NoError(t, decoded.ReadFrom(req.AppendTo(nil)))
	require.Equal(t, req.Topics, decoded.Topics)

	require.Empty(t, epochRequest(2, nil, nil).Topics)
}
