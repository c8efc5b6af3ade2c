package broker

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kerr"
	"go.gazette.dev/rollsec/protocol"
)

type role int

const (
	roleNone role = iota
	roleLeader
	roleFollower
)

func (r role) String() string {
	switch r {
	case roleLeader:
		return "leader"
	case roleFollower:
		return "follower"
	default:
		return "none"
	}
}

// followerState is a leader's view of a follower replica.
type followerState struct {
	// LEO of the follower, as of its last fetch in the current epoch,
	// or -1 if it hasn't fetched.
	leo int64
	// caughtUpAt is the last time the follower fetched from the leader's LEO.
	caughtUpAt time.Time
}

// replica is a broker's replica of a partition.
type replica struct {
	id   partitionID
	self int32
	log  *Log

	mu          sync.Mutex
	role        role
	leader      int32
	epoch       int32
	state       protocol.PartitionState
	modRevision int64
	replicas    []int32
	minISR      int32
	followers   map[int32]*followerState
}

func newReplica(id partitionID, self int32, log *Log) *replica {
	return &replica{id: id, self: self, log: log, leader: protocol.NoLeader}
}

// becomeLeader of the partition's |st| at |rev|. Followers are each given a
// full lag interval from |now| to fetch before they're removed from the ISR.
func (r *replica) becomeLeader(st *protocol.PartitionState, rev int64, replicas []int32, minISR int32, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.role, r.leader, r.epoch = roleLeader, r.self, st.LeaderEpoch
	r.state, r.modRevision = *st, rev
	r.replicas, r.minISR = replicas, minISR
	r.followers = make(map[int32]*followerState, len(replicas))

	for _, id := range replicas {
		if id != r.self {
			r.followers[id] = &followerState{leo: -1, caughtUpAt: now}
		}
	}
	r.log.AssignEpoch(st.LeaderEpoch)
}

// becomeFollower of the partition's leader in |st|.
func (r *replica) becomeFollower(st *protocol.PartitionState, rev int64, replicas []int32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.role, r.leader, r.epoch = roleFollower, st.Leader, st.LeaderEpoch
	r.state, r.modRevision, r.replicas = *st, rev, replicas
	r.followers = nil
}

func (r *replica) becomeNone(st *protocol.PartitionState, rev int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.role, r.leader, r.followers = roleNone, protocol.NoLeader, nil
	if st != nil {
		r.state, r.modRevision, r.epoch = *st, rev, st.LeaderEpoch
	}
}

// updateState adopts a newer |st| having an unchanged leader and epoch,
// such as an ISR change.
func (r *replica) updateState(st *protocol.PartitionState, rev int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rev <= r.modRevision {
		return
	}
	r.state, r.modRevision = *st, rev
	if r.role == roleLeader {
		r.advanceHW()
	}
}

// status returns the role, leader and leader epoch of the replica.
func (r *replica) status() (role, int32, int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role, r.leader, r.epoch
}

// checkLeader returns an error code if the replica isn't the leader at
// |currentEpoch|. A |currentEpoch| of -1 skips the epoch check.
func (r *replica) checkLeader(currentEpoch int32) int16 {
	if r.role != roleLeader {
		return kerr.NotLeaderForPartition.Code
	}
	return checkEpoch(currentEpoch, r.epoch)
}

func checkEpoch(requested, current int32) int16 {
	switch {
	case requested == -1 || requested == current:
		return 0
	case requested < current:
		return kerr.FencedLeaderEpoch.Code
	default:
		return kerr.UnknownLeaderEpoch.Code
	}
}

// leaderCode returns an error code if the replica isn't the leader at
// |currentEpoch|.
func (r *replica) leaderCode(currentEpoch int32) int16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkLeader(currentEpoch)
}

// appendLeader appends record batches |b| as leader, returning the base
// offset, record count, and leader epoch of the append. With |acks| of -1,
// the append is refused if the ISR is smaller than the minimum.
func (r *replica) appendLeader(b []byte, acks int16) (base, count int64, epoch int32, code int16) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if code = r.checkLeader(-1); code != 0 {
		return 0, 0, 0, code
	} else if acks == -1 && int32(len(r.state.ISR)) < r.minISR {
		return 0, 0, 0, kerr.NotEnoughReplicas.Code
	}
	var err error
	if base, count, err = r.log.AppendLeader(b, r.epoch); err != nil {
		return 0, 0, 0, kerr.CorruptMessage.Code
	}
	r.advanceHW()
	return base, count, r.epoch, 0
}

// appendFollower appends batches fetched from the leader of |epoch|,
// and adopts the leader's |hw|. It's an error if the replica is no longer
// a follower of |epoch|.
func (r *replica) appendFollower(epoch int32, b []byte, hw int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.role != roleFollower || r.epoch != epoch {
		return errors.Errorf("%s is no longer a follower of epoch %d", r.id, epoch)
	}
	if len(b) != 0 {
		if err := r.log.AppendFollower(b); err != nil {
			return err
		}
	}
	if leo := r.log.EndOffset(); hw > leo {
		hw = leo
	}
	r.log.SetHighWatermark(hw, false)
	return nil
}

// truncateFollower truncates the log of a follower of |epoch| to |offset|.
func (r *replica) truncateFollower(epoch int32, offset int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.role != roleFollower || r.epoch != epoch {
		return 0, errors.Errorf("%s is no longer a follower of epoch %d", r.id, epoch)
	}
	return r.log.Truncate(offset), nil
}

// followerFetched records a fetch from |fetchOffset| by follower |id|.
// It returns false if |id| isn't a follower of the partition, and whether
// the follower has become eligible to join the ISR.
func (r *replica) followerFetched(id int32, fetchOffset int64, now time.Time) (ok, expand bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var f *followerState
	if f, ok = r.followers[id]; !ok {
		return false, false
	}
	f.leo = fetchOffset
	if fetchOffset >= r.log.EndOffset() {
		f.caughtUpAt = now
	}
	r.advanceHW()
	return true, !r.state.InISR(id) && fetchOffset >= r.log.HighWatermark()
}

// advanceHW to the minimum LEO of the ISR. r.mu must be held.
func (r *replica) advanceHW() {
	var hw = r.log.EndOffset()
	for _, id := range r.state.ISR {
		if id == r.self {
			continue
		}
		var f, ok = r.followers[id]
		if !ok {
			return
		} else if f.leo < hw {
			hw = f.leo
		}
	}
	r.log.SetHighWatermark(hw, true)
}

// proposeISR returns an updated state if the ISR should change. Members
// which haven't caught up within |lag| are removed, and replicas which
// have reached the HW are added.
func (r *replica) proposeISR(now time.Time, lag time.Duration) (st protocol.PartitionState, rev int64, change string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.role != roleLeader {
		return st, 0, "", false
	}
	var hw = r.log.HighWatermark()
	var next []int32

	for _, id := range r.replicas {
		var f, isFollower = r.followers[id]
		var member = r.state.InISR(id)

		switch {
		case id == r.self:
			next = append(next, id)
		case member && now.Sub(f.caughtUpAt) <= lag:
			next = append(next, id)
		case member:
			change = "shrink"
		case isFollower && f.leo >= hw && f.leo >= 0:
			next, change = append(next, id), "expand"
		}
	}
	if change == "" {
		return st, 0, "", false
	}
	st = r.state
	st.ISR = next
	return st, r.modRevision, change, true
}

// snapshot returns the current state of the replica for inspection.
func (r *replica) snapshot() ReplicaStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	return ReplicaStatus{
		Topic:         r.id.topic,
		Partition:     r.id.partition,
		Role:          r.role.String(),
		Leader:        r.leader,
		LeaderEpoch:   r.epoch,
		ISR:           append([]int32(nil), r.state.ISR...),
		EndOffset:     r.log.EndOffset(),
		HighWatermark: r.log.HighWatermark(),
		Bytes:         r.log.Size(),
	}
}

// ReplicaStatus is an inspectable summary of a partition replica.
type ReplicaStatus struct {
	Topic         string  `json:"topic" yaml:"topic"`
	Partition     int32   `json:"partition" yaml:"partition"`
	Role          string  `json:"role" yaml:"role"`
	Leader        int32   `json:"leader" yaml:"leader"`
	LeaderEpoch   int32   `json:"leader_epoch" yaml:"leader_epoch"`
	ISR           []int32 `json:"isr" yaml:"isr"`
	EndOffset     int64   `json:"end_offset" yaml:"end_offset"`
	HighWatermark int64   `json:"high_watermark" yaml:"high_watermark"`
	Bytes         int64   `json:"bytes" yaml:"bytes"`
}
