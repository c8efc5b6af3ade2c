package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLogLeaderAppendAndRead(t *testing.T) {
	var sig = newSignal()
	var log = NewLog(sig)
	var wake = sig.Wait()

	base, count, err := log.AppendLeader(buildBatch(t, codecNone, "a", "b", "c"), 1)
	require.NoError(t, err)
	require.Equal(t, int64(0), base)
	require.Equal(t, int64(3), count)

	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("expected append to broadcast")
	}

	base, count, err = log.AppendLeader(buildBatch(t, codecSnappy, "d", "e"), 1)
	require.NoError(t, err)
	require.Equal(t, int64(3), base)
	require.Equal(t, int64(2), count)
	require.Equal(t, int64(5), log.EndOffset())
	require.Equal(t, int32(1), log.LatestEpoch())

	// Reads of committed data are bounded by the HW.
	b, err := log.Read(0, log.HighWatermark(), 1<<20)
	require.NoError(t, err)
	require.Empty(t, b)

	require.True(t, log.SetHighWatermark(3, true))
	require.False(t, log.SetHighWatermark(2, true))
	require.Equal(t, int64(3), log.HighWatermark())

	b, err = log.Read(1, log.HighWatermark(), 1<<20)
	require.NoError(t, err)
	_, infos, err := splitBatches(b)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, int64(0), infos[0].base)
	require.Equal(t, int32(1), infos[0].epoch)

	// The first batch is returned even if it exceeds max bytes.
	b, err = log.Read(0, log.EndOffset(), 1)
	require.NoError(t, err)
	_, infos, _ = splitBatches(b)
	require.Len(t, infos, 1)

	b, err = log.Read(0, log.EndOffset(), 1<<20)
	require.NoError(t, err)
	_, infos, _ = splitBatches(b)
	require.Len(t, infos, 2)
	require.Equal(t, int64(3), infos[1].base)

	_, err = log.Read(6, log.EndOffset(), 1<<20)
	require.EqualError(t, err, "offset 6, LEO 5: offset out of range")
	b, err = log.Read(5, log.EndOffset(), 1<<20)
	require.NoError(t, err)
	require.Empty(t, b)

	require.Equal(t, int64(0), log.OffsetForTimestamp(1003))
	require.Equal(t, int64(5), log.OffsetForTimestamp(1004))
}

func TestLogEpochsAndTruncation(t *testing.T) {
	var log = NewLog(nil)
	require.Equal(t, UndefinedEpoch, log.LatestEpoch())

	epoch, end := log.EndOffsetForEpoch(3)
	require.Equal(t, UndefinedEpoch, epoch)
	require.Equal(t, int64(0), end)

	var mustAppend = func(epoch int32, values ...string) {
		var _, _, err = log.AppendLeader(buildBatch(t, codecNone, values...), epoch)
		require.NoError(t, err)
	}
	mustAppend(2, "a", "b") // Offsets 0-1.
	mustAppend(2, "c")      // Offset 2.
	log.AssignEpoch(4)
	log.AssignEpoch(3)      // No-op.
	mustAppend(4, "d", "e") // Offsets 3-4.
	log.AssignEpoch(6)

	for _, tc := range []struct {
		query, epoch int32
		end          int64
	}{
		{1, UndefinedEpoch, 0},
		{2, 2, 3},
		{3, 2, 3},
		{4, 4, 5},
		{5, 4, 5},
		{6, 6, 5},
		{9, 6, 5},
	} {
		epoch, end = log.EndOffsetForEpoch(tc.query)
		require.Equal(t, tc.epoch, epoch, "query %d", tc.query)
		require.Equal(t, tc.end, end, "query %d", tc.query)
	}
	log.SetHighWatermark(5, true)

	// Truncating within a batch removes it whole, along with later epochs.
	require.Equal(t, 1, log.Truncate(4))
	require.Equal(t, int64(3), log.EndOffset())
	require.Equal(t, int64(3), log.HighWatermark())
	require.Equal(t, int32(2), log.LatestEpoch())

	require.Equal(t, 0, log.Truncate(3))
	require.Equal(t, 2, log.Truncate(0))
	require.Equal(t, int64(0), log.EndOffset())
	require.Equal(t, int64(0), log.Size())
	require.Equal(t, UndefinedEpoch, log.LatestEpoch())
}

func TestLogFollowerAppend(t *testing.T) {
	var leader, follower = NewLog(nil), NewLog(nil)

	var _, _, err = leader.AppendLeader(buildBatch(t, codecNone, "a", "b"), 0)
	require.NoError(t, err)
	_, _, err = leader.AppendLeader(buildBatch(t, codecGzip, "c"), 1)
	require.NoError(t, err)

	b, err := leader.Read(0, leader.EndOffset(), 1<<20)
	require.NoError(t, err)
	require.NoError(t, follower.AppendFollower(b))
	require.Equal(t, int64(3), follower.EndOffset())
	require.Equal(t, leader.Size(), follower.Size())

	epoch, end := follower.EndOffsetForEpoch(0)
	require.Equal(t, int32(0), epoch)
	require.Equal(t, int64(2), end)

	// Batches which don't extend the LEO are rejected.
	require.EqualError(t, follower.AppendFollower(b),
		"base offset 0, LEO 3: batch is not contiguous with the log end offset")

	// The follower's HW is bounded by its LEO.
	require.True(t, follower.SetHighWatermark(10, false))
	require.Equal(t, int64(3), follower.HighWatermark())
}
