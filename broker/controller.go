package broker

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.gazette.dev/rollsec/metrics"
	"go.gazette.dev/rollsec/protocol"
)

// Reasons of leader elections.
const (
	electInitial   = "initial"
	electFailure   = "failure"
	electDrain     = "drain"
	electPreferred = "preferred"
)

// runController campaigns for controller of the cluster, and once elected,
// maintains partition states until |ctx| is done.
func (b *Broker) runController(ctx context.Context, session *concurrency.Session) error {
	var election = concurrency.NewElection(session, b.cfg.Root+"/"+protocol.ControllerPrefix)

	for attempt := 0; ; attempt++ {
		var err = election.Campaign(ctx, strconv.Itoa(int(b.cfg.ID)))
		if err == nil {
			break
		} else if ctx.Err() != nil {
			return nil
		}
		log.WithFields(log.Fields{"id": b.cfg.ID, "err": err, "attempt": attempt}).
			Warn("controller campaign failed (will retry)")

		select {
		case <-time.After(backoff(attempt + 1)):
		case <-ctx.Done():
			return nil
		}
	}
	log.WithFields(log.Fields{"id": b.cfg.ID, "revision": election.Rev()}).Info("elected controller")

	defer func() {
		b.mu.Lock()
		var killed = b.killed
		b.mu.Unlock()

		if killed {
			return
		}
		var ctx2, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = election.Resign(ctx2)
	}()

	var ticker = time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		var update = b.ks.Update()

		if err := b.reconcilePartitions(ctx, election); err != nil && ctx.Err() == nil {
			log.WithFields(log.Fields{"id": b.cfg.ID, "err": err}).
				Warn("failed to reconcile partition states (will retry)")
		}
		select {
		case <-update:
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

// reconcilePartitions creates missing partition states, and elects leaders
// of partitions which need one. Each update is conditioned on the partition
// state being unchanged, and on |election| still being held.
func (b *Broker) reconcilePartitions(ctx context.Context, election *concurrency.Election) error {
	b.ks.Mu.RLock()
	var view = viewOf(b.ks)
	b.ks.Mu.RUnlock()

	for _, topic := range view.topics {
		for p, replicas := range topic.Assignment {
			var id = partitionID{topic.Name, int32(p)}
			var entry, exists = view.partitions[id]

			var next, reason, changed = electLeader(view, replicas, entry.state)
			if !changed {
				continue
			}
			next.ControllerEpoch = election.Rev()

			var val, err = protocol.EncodeValue(next)
			if err != nil {
				return errors.WithMessagef(err, "partition %s", id)
			}
			var key = protocol.PartitionKey(view.root, id.topic, id.partition)
			var cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
			if exists {
				cmp = clientv3.Compare(clientv3.ModRevision(key), "=", entry.modRevision)
			}

			var ctx2, cancel = context.WithTimeout(ctx, 5*time.Second)
			resp, err := b.etcd.Txn(ctx2).
				If(cmp, clientv3.Compare(clientv3.CreateRevision(election.Key()), "=", election.Rev())).
				Then(clientv3.OpPut(key, val)).
				Commit()
			cancel()

			if err != nil {
				return errors.WithMessagef(err, "updating partition %s", id)
			} else if !resp.Succeeded {
				log.WithField("partition", id).Debug("partition state changed concurrently")
				continue
			}

			var fields = log.Fields{"partition": id, "leader": next.Leader, "epoch": next.LeaderEpoch, "isr": next.ISR}
			if reason != "" {
				metrics.BrokerLeaderElectionsTotal.WithLabelValues(reason).Inc()
				log.WithFields(fields).WithField("reason", reason).Info("elected partition leader")
			} else {
				log.WithFields(fields).Info("removed departed brokers from ISR")
			}
		}
	}
	return nil
}

// electLeader returns the next state of a partition having |replicas| and
// current state |cur|, which is nil if the partition has no state. Elections
// are clean: only ISR members are elected. Brokers which are no longer
// registered are removed from the ISR, unless none would remain.
//
// A live leader remains leader, unless it's draining or the preferred
// replica (the first of |replicas|) is an eligible ISR member. A partition
// with no eligible ISR member has no leader.
func electLeader(v *clusterView, replicas []int32, cur *protocol.PartitionState) (protocol.PartitionState, string, bool) {
	if cur == nil {
		var next = protocol.PartitionState{
			Leader: protocol.NoLeader,
			ISR:    append([]int32(nil), replicas...),
		}
		for _, id := range replicas {
			if v.eligible(id) {
				next.Leader = id
				break
			}
		}
		return next, electInitial, true
	}

	var next = *cur
	next.ISR = nil
	for _, id := range cur.ISR {
		if v.live(id) {
			next.ISR = append(next.ISR, id)
		}
	}
	if len(next.ISR) == 0 {
		next.ISR = append(next.ISR, cur.ISR...)
	}
	var inISR = func(id int32) bool { return containsID(next.ISR, id) }
	var reason string

	switch leader, preferred := cur.Leader, replicas[0]; {
	case leader != protocol.NoLeader && v.eligible(leader):
		if leader != preferred && v.eligible(preferred) && inISR(preferred) {
			next.Leader, reason = preferred, electPreferred
		}
	default:
		reason = electFailure
		if leader != protocol.NoLeader && v.live(leader) {
			reason = electDrain
		}
		next.Leader = protocol.NoLeader

		for _, id := range replicas {
			if id != leader && inISR(id) && v.eligible(id) {
				next.Leader = id
				break
			}
		}
		// A draining leader without a successor retains leadership.
		if next.Leader == protocol.NoLeader && reason == electDrain {
			next.Leader, reason = leader, ""
		}
	}

	if next.Leader != cur.Leader {
		next.LeaderEpoch++
	} else {
		reason = ""
	}
	return next, reason, !equalStates(next, *cur)
}

func equalStates(a, b protocol.PartitionState) bool {
	if a.Leader != b.Leader || a.LeaderEpoch != b.LeaderEpoch || len(a.ISR) != len(b.ISR) {
		return false
	}
	for i := range a.ISR {
		if a.ISR[i] != b.ISR[i] {
			return false
		}
	}
	return true
}
