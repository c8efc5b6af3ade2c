package broker

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.gazette.dev/rollsec/protocol"
)

func testView(live []int32, draining ...int32) *clusterView {
	var v = &clusterView{brokers: make(map[int32]*protocol.BrokerSpec)}
	for _, id := range live {
		v.brokers[id] = &protocol.BrokerSpec{ID: id}
	}
	for _, id := range draining {
		v.brokers[id].Draining = true
	}
	return v
}

func TestElectLeaderCases(t *testing.T) {
	var replicas = []int32{1, 2, 3}
	var st = func(leader, epoch int32, isr ...int32) *protocol.PartitionState {
		return &protocol.PartitionState{Leader: leader, LeaderEpoch: epoch, ISR: isr}
	}
	var cases = []struct {
		desc    string
		view    *clusterView
		cur     *protocol.PartitionState
		expect  protocol.PartitionState
		reason  string
		changed bool
	}{
		{"initial election of the first eligible replica",
			testView([]int32{2, 3}), nil, *st(2, 0, 1, 2, 3), electInitial, true},
		{"initial state without live replicas",
			testView(nil), nil, *st(-1, 0, 1, 2, 3), electInitial, true},
		{"stable leader",
			testView([]int32{1, 2, 3}), st(1, 4, 1, 2, 3), *st(1, 4, 1, 2, 3), "", false},
		{"failed leader moves to the next ISR member",
			testView([]int32{2, 3}), st(1, 4, 1, 2, 3), *st(2, 5, 2, 3), electFailure, true},
		{"failed follower leaves the ISR",
			testView([]int32{1, 2}), st(1, 4, 1, 2, 3), *st(1, 4, 1, 2), "", true},
		{"out-of-sync replicas are never elected",
			testView([]int32{2, 3}), st(1, 4, 1), *st(-1, 5, 1), electFailure, true},
		{"leader which returns to a leaderless partition",
			testView([]int32{1, 3}), st(-1, 5, 1), *st(1, 6, 1), electFailure, true},
		{"draining leader hands off",
			testView([]int32{1, 2, 3}, 1), st(1, 4, 1, 2, 3), *st(2, 5, 1, 2, 3), electDrain, true},
		{"draining leader without a successor keeps leadership",
			testView([]int32{1, 2, 3}, 1), st(1, 4, 1), *st(1, 4, 1), "", false},
		{"draining replicas aren't elected",
			testView([]int32{2, 3}, 2), st(1, 4, 1, 2, 3), *st(3, 5, 2, 3), electFailure, true},
		{"preferred replica regains leadership",
			testView([]int32{1, 2, 3}), st(2, 5, 1, 2, 3), *st(1, 6, 1, 2, 3), electPreferred, true},
		{"preferred replica outside the ISR waits",
			testView([]int32{1, 2, 3}), st(2, 5, 2, 3), *st(2, 5, 2, 3), "", false},
	}
	for _, tc := range cases {
		var next, reason, changed = electLeader(tc.view, replicas, tc.cur)
		require.Equal(t, tc.expect, next, tc.desc)
		require.Equal(t, tc.reason, reason, tc.desc)
		require.Equal(t, tc.changed, changed, tc.desc)
		require.NoError(t, next.Validate(), tc.desc)
	}
}

func TestEqualStates(t *testing.T) {
	var a = protocol.PartitionState{Leader: 1, LeaderEpoch: 2, ISR: []int32{1, 2}}
	var b = a
	b.ControllerEpoch = 9
	require.True(t, equalStates(a, b))

	b.ISR = []int32{2, 1}
	require.False(t, equalStates(a, b))
	b.ISR = []int32{1}
	require.False(t, equalStates(a, b))
}
