package broker

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.gazette.dev/rollsec/metrics"
	"go.gazette.dev/rollsec/protocol"
)

// view returns a current clusterView.
func (b *Broker) view() *clusterView {
	b.ks.Mu.RLock()
	defer b.ks.Mu.RUnlock()
	return viewOf(b.ks)
}

// lookup returns the local replica of a partition. If there isn't one, it
// returns the error code to use: the partition is either unknown, or led
// by another broker.
func (b *Broker) lookup(topic string, partition int32) (*replica, int16) {
	if r := b.replica(partitionID{topic, partition}, false); r != nil {
		return r, 0
	}
	if t, ok := b.view().topic(topic); ok && partition >= 0 && partition < t.Partitions {
		return nil, kerr.NotLeaderForPartition.Code
	}
	return nil, kerr.UnknownTopicOrPartition.Code
}

func (b *Broker) handleMetadata(proto protocol.SecurityProtocol, req *kmsg.MetadataRequest) *kmsg.MetadataResponse {
	var view = b.view()
	var resp = kmsg.NewPtrMetadataResponse()
	resp.ClusterID = kmsg.StringPtr(view.root)
	resp.ControllerID = view.controller

	var ids = make([]int32, 0, len(view.brokers))
	for id := range view.brokers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	// Brokers are advertised only by their listener of the request's
	// protocol, which they may not all have.
	var reachable = make(map[int32]bool)
	for _, id := range ids {
		var spec = view.brokers[id]
		if l, ok := spec.Listener(proto); ok {
			var rb = kmsg.NewMetadataResponseBroker()
			rb.NodeID, rb.Host, rb.Port = id, l.Host, l.Port
			if spec.Rack != "" {
				rb.Rack = kmsg.StringPtr(spec.Rack)
			}
			resp.Brokers = append(resp.Brokers, rb)
			reachable[id] = true
		}
	}

	var names []string
	if req.Topics == nil {
		for _, t := range view.topics {
			names = append(names, t.Name)
		}
	} else {
		for _, rt := range req.Topics {
			if rt.Topic != nil {
				names = append(names, *rt.Topic)
			}
		}
	}

	for _, name := range names {
		var mt = kmsg.NewMetadataResponseTopic()
		mt.Topic = kmsg.StringPtr(name)

		var topic, ok = view.topic(name)
		if !ok {
			mt.ErrorCode = kerr.UnknownTopicOrPartition.Code
			resp.Topics = append(resp.Topics, mt)
			continue
		}
		if id, err := uuid.Parse(topic.ID); err == nil {
			mt.TopicID = id
		}
		for p, replicas := range topic.Assignment {
			var mp = kmsg.NewMetadataResponseTopicPartition()
			mp.Partition = int32(p)
			mp.Replicas = replicas
			mp.Leader = protocol.NoLeader

			for _, id := range replicas {
				if !view.live(id) {
					mp.OfflineReplicas = append(mp.OfflineReplicas, id)
				}
			}
			var entry, ok = view.partitions[partitionID{name, int32(p)}]
			switch {
			case !ok || entry.state.Leader == protocol.NoLeader:
				mp.ErrorCode = kerr.LeaderNotAvailable.Code
				mp.ISR = []int32{}
			case !reachable[entry.state.Leader]:
				mp.ErrorCode = kerr.ListenerNotFound.Code
				mp.LeaderEpoch, mp.ISR = entry.state.LeaderEpoch, entry.state.ISR
			default:
				mp.Leader, mp.LeaderEpoch, mp.ISR = entry.state.Leader, entry.state.LeaderEpoch, entry.state.ISR
			}
			mt.Partitions = append(mt.Partitions, mp)
		}
		resp.Topics = append(resp.Topics, mt)
	}
	return resp
}

// handleProduce appends to led partitions. Requests with acks of -1 are
// answered once the appends are committed by the ISR, or time out.
// Requests with acks of zero have no response.
func (b *Broker) handleProduce(ctx context.Context, req *kmsg.ProduceRequest) *kmsg.ProduceResponse {
	type commitWait struct {
		r         *replica
		topic     int
		partition int
		epoch     int32
		endOffset int64
	}
	var resp = kmsg.NewPtrProduceResponse()
	var waits []commitWait

	for _, rt := range req.Topics {
		var st = kmsg.NewProduceResponseTopic()
		st.Topic = rt.Topic

		for _, rp := range rt.Partitions {
			var sp = kmsg.NewProduceResponseTopicPartition()
			sp.Partition = rp.Partition
			sp.LogStartOffset = 0

			var r, code = b.lookup(rt.Topic, rp.Partition)
			if r != nil {
				var base, count int64
				var epoch int32
				base, count, epoch, code = r.appendLeader(rp.Records, req.Acks)

				if code == 0 {
					sp.BaseOffset = base
					metrics.BrokerAppendedRecordsTotal.Add(float64(count))
				}
				if code == 0 && req.Acks == -1 {
					waits = append(waits, commitWait{
						r:         r,
						topic:     len(resp.Topics),
						partition: len(st.Partitions),
						epoch:     epoch,
						endOffset: base + count,
					})
				}
			}
			sp.ErrorCode = code
			st.Partitions = append(st.Partitions, sp)
		}
		resp.Topics = append(resp.Topics, st)
	}
	if req.Acks == 0 {
		return nil
	}
	var fail = func(w commitWait, code int16) {
		resp.Topics[w.topic].Partitions[w.partition].ErrorCode = code
	}

	var timer = time.NewTimer(time.Duration(req.TimeoutMillis) * time.Millisecond)
	defer timer.Stop()

	for len(waits) != 0 {
		var wake = b.store.changed.Wait()
		var remaining = waits[:0]

		for _, w := range waits {
			var role, _, epoch = w.r.status()
			if role != roleLeader || epoch != w.epoch {
				fail(w, kerr.NotLeaderForPartition.Code)
			} else if w.r.log.HighWatermark() < w.endOffset {
				remaining = append(remaining, w)
			}
		}
		if waits = remaining; len(waits) == 0 {
			break
		}

		select {
		case <-wake:
		case <-timer.C:
			for _, w := range waits {
				fail(w, kerr.RequestTimedOut.Code)
			}
			waits = nil
		case <-ctx.Done():
			return nil
		}
	}
	return resp
}

// handleFetch serves reads of led partitions. Consumers read up to the
// high watermark. Followers, identified by a non-negative ReplicaID, read up
// to the log end, and their fetch offsets advance the high watermark. The
// request blocks until MinBytes are available or MaxWaitMillis elapse.
func (b *Broker) handleFetch(ctx context.Context, req *kmsg.FetchRequest) *kmsg.FetchResponse {
	var timer = time.NewTimer(time.Duration(req.MaxWaitMillis) * time.Millisecond)
	defer timer.Stop()

	for {
		var wake = b.store.changed.Wait()
		var resp, size, failed = b.readFetch(req)

		if size >= int(req.MinBytes) || failed || req.MaxWaitMillis <= 0 {
			return resp
		}
		select {
		case <-wake:
		case <-timer.C:
			resp, _, _ = b.readFetch(req)
			return resp
		case <-ctx.Done():
			return resp
		}
	}
}

func (b *Broker) readFetch(req *kmsg.FetchRequest) (resp *kmsg.FetchResponse, size int, failed bool) {
	resp = kmsg.NewPtrFetchResponse()
	var now = time.Now()
	var follower = req.ReplicaID >= 0

	for _, rt := range req.Topics {
		var ft = kmsg.NewFetchResponseTopic()
		ft.Topic = rt.Topic

		for _, rp := range rt.Partitions {
			var fp = kmsg.NewFetchResponseTopicPartition()
			fp.Partition = rp.Partition
			fp.LogStartOffset = 0

			var r, code = b.lookup(rt.Topic, rp.Partition)
			if r != nil {
				code = r.leaderCode(rp.CurrentLeaderEpoch)
			}
			if code == 0 && follower {
				if ok, expand := r.followerFetched(req.ReplicaID, rp.FetchOffset, now); !ok {
					code = kerr.NotLeaderForPartition.Code
				} else if expand {
					b.wakeISR()
				}
			}
			if code == 0 {
				var hw = r.log.HighWatermark()
				var limit = hw
				if follower {
					limit = r.log.EndOffset()
				}
				// The first partition read returns at least one batch,
				// and later ones only while the response is under MaxBytes.
				var maxBytes = rp.PartitionMaxBytes
				if rest := req.MaxBytes - int32(size); size != 0 && rest < maxBytes {
					maxBytes = rest
				}
				var data []byte
				var err error
				if maxBytes > 0 || size == 0 {
					data, err = r.log.Read(rp.FetchOffset, limit, maxBytes)
				}
				if err != nil {
					code = kerr.OffsetOutOfRange.Code
				}
				fp.HighWatermark, fp.LastStableOffset = hw, hw
				fp.RecordBatches = data
				size += len(data)
			}
			if code != 0 {
				fp.ErrorCode, fp.HighWatermark, fp.LastStableOffset = code, -1, -1
				failed = true
			}
			ft.Partitions = append(ft.Partitions, fp)
		}
		resp.Topics = append(resp.Topics, ft)
	}
	return resp, size, failed
}

// Special timestamps of ListOffsets requests.
const (
	latestTimestamp   = -1
	earliestTimestamp = -2
	maxTimestamp      = -3
)

func (b *Broker) handleListOffsets(req *kmsg.ListOffsetsRequest) *kmsg.ListOffsetsResponse {
	var resp = kmsg.NewPtrListOffsetsResponse()

	for _, rt := range req.Topics {
		var lt = kmsg.NewListOffsetsResponseTopic()
		lt.Topic = rt.Topic

		for _, rp := range rt.Partitions {
			var lp = kmsg.NewListOffsetsResponseTopicPartition()
			lp.Partition = rp.Partition

			var r, code = b.lookup(rt.Topic, rp.Partition)
			if r != nil {
				code = r.leaderCode(rp.CurrentLeaderEpoch)
			}
			if code == 0 {
				var hw = r.log.HighWatermark()
				var _, _, epoch = r.status()
				lp.LeaderEpoch = epoch

				switch rp.Timestamp {
				case earliestTimestamp:
					lp.Offset = 0
				case latestTimestamp:
					lp.Offset = hw
				case maxTimestamp:
					if hw != 0 {
						lp.Offset = hw - 1
					}
				default:
					if off := r.log.OffsetForTimestamp(rp.Timestamp); off < hw {
						lp.Offset, lp.Timestamp = off, rp.Timestamp
					}
				}
			}
			lp.ErrorCode = code
			lt.Partitions = append(lt.Partitions, lp)
		}
		resp.Topics = append(resp.Topics, lt)
	}
	return resp
}

func (b *Broker) handleOffsetForLeaderEpoch(req *kmsg.OffsetForLeaderEpochRequest) *kmsg.OffsetForLeaderEpochResponse {
	var resp = kmsg.NewPtrOffsetForLeaderEpochResponse()

	for _, rt := range req.Topics {
		var ot = kmsg.NewOffsetForLeaderEpochResponseTopic()
		ot.Topic = rt.Topic

		for _, rp := range rt.Partitions {
			var op = kmsg.NewOffsetForLeaderEpochResponseTopicPartition()
			op.Partition = rp.Partition

			var r, code = b.lookup(rt.Topic, rp.Partition)
			if r != nil {
				code = r.leaderCode(rp.CurrentLeaderEpoch)
			}
			if code == 0 {
				op.LeaderEpoch, op.EndOffset = r.log.EndOffsetForEpoch(rp.LeaderEpoch)
			}
			op.ErrorCode = code
			ot.Partitions = append(ot.Partitions, op)
		}
		resp.Topics = append(resp.Topics, ot)
	}
	return resp
}

// handleFindCoordinator answers that any broker coordinates any group:
// group offsets are held in Etcd, rather than by a coordinating broker.
func (b *Broker) handleFindCoordinator(l protocol.Listener, req *kmsg.FindCoordinatorRequest) *kmsg.FindCoordinatorResponse {
	var resp = kmsg.NewPtrFindCoordinatorResponse()

	if req.CoordinatorType != 0 {
		resp.ErrorCode = kerr.CoordinatorNotAvailable.Code
		resp.ErrorMessage = kmsg.StringPtr("only group coordinators are supported")
		resp.NodeID = -1
		return resp
	}
	resp.NodeID, resp.Host, resp.Port = b.cfg.ID, l.Host, l.Port
	return resp
}
