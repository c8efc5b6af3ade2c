package broker

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.gazette.dev/rollsec/protocol"
)

// Group offsets are stored in Etcd under OffsetKey as CommittedOffsets,
// and any broker may serve them. Requests fail with COORDINATOR_NOT_AVAILABLE
// while Etcd is unavailable, which clients retry.
const (
	offsetsTimeout = 5 * time.Second
	maxGroupLen    = 249
)

func (b *Broker) handleOffsetCommit(ctx context.Context, req *kmsg.OffsetCommitRequest) *kmsg.OffsetCommitResponse {
	var resp = kmsg.NewPtrOffsetCommitResponse()
	ctx, cancel := context.WithTimeout(ctx, offsetsTimeout)
	defer cancel()

	var ops []clientv3.Op
	for _, rt := range req.Topics {
		for _, rp := range rt.Partitions {
			var co = protocol.CommittedOffset{Offset: rp.Offset, LeaderEpoch: rp.LeaderEpoch}
			if rp.Metadata != nil {
				co.Metadata = *rp.Metadata
			}
			var val, err = protocol.EncodeValue(co)
			if err != nil {
				continue // Answered as INVALID_REQUEST below.
			}
			ops = append(ops, clientv3.OpPut(protocol.OffsetKey(b.cfg.Root, req.Group, rt.Topic, rp.Partition), val))
		}
	}

	var code int16
	if err := protocol.ValidateToken(req.Group, 1, maxGroupLen); err != nil {
		code = kerr.InvalidGroupID.Code
	} else if _, err := b.etcd.Txn(ctx).Then(ops...).Commit(); err != nil {
		log.WithFields(log.Fields{"group": req.Group, "err": err}).Warn("failed to commit offsets")
		code = kerr.CoordinatorNotAvailable.Code
	}

	for _, rt := range req.Topics {
		var ct = kmsg.NewOffsetCommitResponseTopic()
		ct.Topic = rt.Topic

		for _, rp := range rt.Partitions {
			var cp = kmsg.NewOffsetCommitResponseTopicPartition()
			cp.Partition = rp.Partition
			cp.ErrorCode = code

			if code == 0 && rp.Offset < 0 {
				cp.ErrorCode = kerr.InvalidRequest.Code
			}
			ct.Partitions = append(ct.Partitions, cp)
		}
		resp.Topics = append(resp.Topics, ct)
	}
	return resp
}

func (b *Broker) handleOffsetFetch(ctx context.Context, req *kmsg.OffsetFetchRequest) *kmsg.OffsetFetchResponse {
	var resp = kmsg.NewPtrOffsetFetchResponse()
	ctx, cancel := context.WithTimeout(ctx, offsetsTimeout)
	defer cancel()

	if err := protocol.ValidateToken(req.Group, 1, maxGroupLen); err != nil {
		resp.ErrorCode = kerr.InvalidGroupID.Code
		return resp
	}
	var prefix = protocol.GroupOffsetsPrefix(b.cfg.Root, req.Group)

	var etcdResp, err = b.etcd.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		log.WithFields(log.Fields{"group": req.Group, "err": err}).Warn("failed to fetch offsets")
		resp.ErrorCode = kerr.CoordinatorNotAvailable.Code
		return resp
	}

	var committed = make(map[partitionID]protocol.CommittedOffset)
	var order []partitionID

	for _, kv := range etcdResp.Kvs {
		var topic, part, err = protocol.ParseOffsetKey(b.cfg.Root, req.Group, string(kv.Key))
		if err != nil {
			continue
		}
		var co protocol.CommittedOffset
		if err = protocol.DecodeValue(kv.Value, &co); err != nil {
			log.WithFields(log.Fields{"key": string(kv.Key), "err": err}).Warn("invalid committed offset")
			continue
		}
		var id = partitionID{topic, part}
		committed[id] = co
		order = append(order, id)
	}

	// A nil Topics requests all committed offsets of the group.
	var topics = req.Topics
	if topics == nil {
		var index = make(map[string]int)
		for _, id := range order {
			if _, ok := index[id.topic]; !ok {
				index[id.topic] = len(topics)
				topics = append(topics, kmsg.OffsetFetchRequestTopic{Topic: id.topic})
			}
			topics[index[id.topic]].Partitions = append(topics[index[id.topic]].Partitions, id.partition)
		}
	}

	for _, rt := range topics {
		var ft = kmsg.NewOffsetFetchResponseTopic()
		ft.Topic = rt.Topic

		for _, part := range rt.Partitions {
			var fp = kmsg.NewOffsetFetchResponseTopicPartition()
			fp.Partition = part
			fp.Offset, fp.LeaderEpoch = -1, -1

			if co, ok := committed[partitionID{rt.Topic, part}]; ok {
				fp.Offset, fp.LeaderEpoch = co.Offset, co.LeaderEpoch
				fp.Metadata = kmsg.StringPtr(co.Metadata)
			}
			ft.Partitions = append(ft.Partitions, fp)
		}
		resp.Topics = append(resp.Topics, ft)
	}
	return resp
}
