package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.gazette.dev/rollsec/metrics"
	"go.gazette.dev/rollsec/protocol"
	"go.gazette.dev/rollsec/wire"
)

// fetcher replicates the partitions a broker follows from a single leader.
type fetcher struct {
	b      *Broker
	leader int32

	mu    sync.Mutex
	parts map[partitionID]*fetchPartition
	wake  chan struct{}
}

type fetchPartition struct {
	r     *replica
	epoch int32
	// truncated is set once the replica's log has been reconciled with
	// the leader's log of this epoch.
	truncated bool
}

// follow begins replicating |r| from |leader| at |epoch|.
func (b *Broker) follow(r *replica, leader, epoch int32) {
	b.mu.Lock()
	var f, ok = b.fetchers[leader]
	if !ok {
		f = &fetcher{
			b:      b,
			leader: leader,
			parts:  make(map[partitionID]*fetchPartition),
			wake:   make(chan struct{}, 1),
		}
		b.fetchers[leader] = f
		b.tasks.Go(fmt.Sprintf("fetcher(%d)", leader), f.run)
	}
	b.mu.Unlock()

	f.mu.Lock()
	f.parts[r.id] = &fetchPartition{r: r, epoch: epoch}
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// unfollow stops replicating |id|.
func (b *Broker) unfollow(id partitionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, f := range b.fetchers {
		f.mu.Lock()
		delete(f.parts, id)
		f.mu.Unlock()
	}
}

func (f *fetcher) snapshot() []*fetchPartition {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out = make([]*fetchPartition, 0, len(f.parts))
	for _, p := range f.parts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].r.id.topic != out[j].r.id.topic {
			return out[i].r.id.topic < out[j].r.id.topic
		}
		return out[i].r.id.partition < out[j].r.id.partition
	})
	return out
}

// current returns whether |p| is still being fetched.
func (f *fetcher) current(p *fetchPartition) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.parts[p.r.id] == p
}

func (f *fetcher) run() error {
	var ctx = f.b.tasks.Context()

	for attempt := 0; ctx.Err() == nil; {
		var parts = f.snapshot()
		if len(parts) == 0 {
			select {
			case <-f.wake:
			case <-ctx.Done():
			}
			continue
		}

		var update = f.b.ks.Update()
		var addr, ok = f.b.leaderAddress(f.leader)
		if !ok {
			select {
			case <-update:
			case <-f.wake:
			case <-ctx.Done():
			}
			continue
		}

		var conn, err = f.b.pool.Get(ctx, addr)
		if err == nil {
			if err = f.truncate(ctx, conn, parts); err == nil {
				err = f.fetch(ctx, conn, parts)
			}
		}
		if err == nil {
			attempt = 0
			continue
		} else if ctx.Err() != nil {
			break
		}
		f.b.pool.Evict(addr)
		attempt++

		log.WithFields(log.Fields{"leader": f.leader, "addr": addr, "err": err, "attempt": attempt}).
			Warn("replica fetch failed (will retry)")

		select {
		case <-time.After(backoff(attempt)):
		case <-ctx.Done():
		}
	}
	return nil
}

// truncate reconciles the logs of partitions not yet truncated in the
// current epoch. Each follower learns from the leader where the leader's
// log ends for the follower's latest epoch, and truncates to that offset
// or to its own end of that epoch, whichever is smaller.
func (f *fetcher) truncate(ctx context.Context, conn *wire.Conn, parts []*fetchPartition) error {
	var epochs = make(map[string][]protocol.Epoch)
	var current = make(map[partitionID]int32)
	var pending = make(map[partitionID]*fetchPartition)
	var sent = make(map[partitionID]protocol.Epoch)

	for _, p := range parts {
		if p.truncated {
			continue
		}
		var latest = p.r.log.LatestEpoch()
		if latest == UndefinedEpoch {
			p.truncated = true // Empty log.
			continue
		}
		var e = protocol.Epoch{Partition: p.r.id.partition, Epoch: latest}
		epochs[p.r.id.topic] = append(epochs[p.r.id.topic], e)
		sent[p.r.id] = e
		current[p.r.id] = p.epoch
		pending[p.r.id] = p
	}
	if len(pending) == 0 {
		return nil
	}
	var req = epochRequest(f.b.cfg.ID, epochs, current)

	log.WithFields(log.Fields{
		"leader": f.leader,
		"epochs": epochs,
	}).Debug("requesting epoch end offsets")

	var ctx2, cancel = context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := conn.Request(ctx2, req)
	if err != nil {
		return errors.WithMessage(err, "OffsetForLeaderEpoch")
	}
	for _, rt := range resp.(*kmsg.OffsetForLeaderEpochResponse).Topics {
		for _, rp := range rt.Partitions {
			var p, ok = pending[partitionID{rt.Topic, rp.Partition}]
			if !ok || !f.current(p) {
				continue
			} else if rp.ErrorCode != 0 {
				log.WithFields(log.Fields{"partition": p.r.id, "err": kerr.ErrorForCode(rp.ErrorCode)}).
					Debug("leader refused epoch end offset")
				continue
			}

			var requested = sent[p.r.id]
			var leo = p.r.log.EndOffset()
			var target = rp.EndOffset
			if rp.LeaderEpoch != UndefinedEpoch && rp.LeaderEpoch != p.r.log.LatestEpoch() {
				var _, own = p.r.log.EndOffsetForEpoch(rp.LeaderEpoch)
				target = min(target, own)
			}
			target = min(target, leo)

			if target < 0 {
				target = 0
			}
			removed, err := p.r.truncateFollower(p.epoch, target)
			if err != nil {
				continue
			}
			p.truncated = true

			if removed != 0 {
				metrics.BrokerTruncatedRecordsTotal.Add(float64(removed))
				log.WithFields(log.Fields{
					"partition": p.r.id,
					"epoch":     p.epoch,
					"requested": requested,
					"offset":    target,
					"batches":   removed,
				}).Warn("truncated divergent log suffix")
			}
		}
	}
	return nil
}

// epochRequest builds the OffsetForLeaderEpoch request of follower
// |replicaID| for the latest |epochs| of its partitions, grouped on topic.
// |current| is the leader epoch under which each partition is fetched.
func epochRequest(replicaID int32, epochs map[string][]protocol.Epoch, current map[partitionID]int32) *kmsg.OffsetForLeaderEpochRequest {
	var topics = make([]string, 0, len(epochs))
	for topic := range epochs {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	var req = kmsg.NewPtrOffsetForLeaderEpochRequest()
	req.ReplicaID = replicaID

	for _, topic := range topics {
		var rt = kmsg.NewOffsetForLeaderEpochRequestTopic()
		rt.Topic = topic

		for _, e := range epochs[topic] {
			var rp = kmsg.NewOffsetForLeaderEpochRequestTopicPartition()
			rp.Partition = e.Partition
			rp.CurrentLeaderEpoch = current[partitionID{topic, e.Partition}]
			rp.LeaderEpoch = e.Epoch
			rt.Partitions = append(rt.Partitions, rp)
		}
		req.Topics = append(req.Topics, rt)
	}
	return req
}

// fetch replicates truncated partitions from the leader.
func (f *fetcher) fetch(ctx context.Context, conn *wire.Conn, parts []*fetchPartition) error {
	var req = kmsg.NewPtrFetchRequest()
	req.ReplicaID = f.b.cfg.ID
	req.MaxWaitMillis = int32(f.b.cfg.ReplicaFetchWait / time.Millisecond)
	req.MinBytes = 1
	var pending = make(map[partitionID]*fetchPartition)

	for _, p := range parts {
		if !p.truncated {
			continue
		}
		var rp = kmsg.NewFetchRequestTopicPartition()
		rp.Partition = p.r.id.partition
		rp.CurrentLeaderEpoch = p.epoch
		rp.FetchOffset = p.r.log.EndOffset()
		rp.PartitionMaxBytes = f.b.cfg.ReplicaFetchMaxBytes

		if n := len(req.Topics); n == 0 || req.Topics[n-1].Topic != p.r.id.topic {
			var rt = kmsg.NewFetchRequestTopic()
			rt.Topic = p.r.id.topic
			req.Topics = append(req.Topics, rt)
		}
		var rt = &req.Topics[len(req.Topics)-1]
		rt.Partitions = append(rt.Partitions, rp)
		pending[p.r.id] = p
	}
	if len(pending) == 0 {
		// Await a change of leadership, rather than spin.
		select {
		case <-time.After(f.b.cfg.ReplicaFetchWait):
		case <-ctx.Done():
		}
		return nil
	}

	var ctx2, cancel = context.WithTimeout(ctx, f.b.cfg.ReplicaFetchWait+10*time.Second)
	defer cancel()

	resp, err := conn.Request(ctx2, req)
	if err != nil {
		return errors.WithMessage(err, "Fetch")
	}
	var r = resp.(*kmsg.FetchResponse)
	if err = kerr.ErrorForCode(r.ErrorCode); err != nil {
		return errors.WithMessage(err, "Fetch")
	}

	var failed int
	for _, rt := range r.Topics {
		for _, rp := range rt.Partitions {
			var p, ok = pending[partitionID{rt.Topic, rp.Partition}]
			if !ok || !f.current(p) {
				continue
			}
			switch rp.ErrorCode {
			case 0:
				if err := p.r.appendFollower(p.epoch, rp.RecordBatches, rp.HighWatermark); err != nil {
					log.WithFields(log.Fields{"partition": p.r.id, "err": err}).
						Warn("failed to append fetched batches")
					p.truncated = false
					failed++
				} else {
					metrics.BrokerReplicatedBytesTotal.Add(float64(len(rp.RecordBatches)))
				}
			case kerr.OffsetOutOfRange.Code:
				p.truncated = false
				failed++
			default:
				// The leader has moved on, or hasn't yet caught up with
				// cluster state. A keyspace update will re-route the partition.
				failed++
			}
		}
	}
	if failed == len(pending) {
		select {
		case <-time.After(f.b.cfg.ReplicaFetchWait):
		case <-ctx.Done():
		}
	}
	return nil
}

// leaderAddress returns the inter-broker address of broker |id|.
func (b *Broker) leaderAddress(id int32) (string, bool) {
	b.ks.Mu.RLock()
	defer b.ks.Mu.RUnlock()

	var kv, ok = b.ks.Get(protocol.BrokerKey(b.cfg.Root, id))
	if !ok {
		return "", false
	}
	var l, found = kv.Decoded.(*protocol.BrokerSpec).Listener(b.cfg.InterBrokerProtocol)
	if !found {
		return "", false
	}
	return l.Address(), true
}
