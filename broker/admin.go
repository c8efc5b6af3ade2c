package broker

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.gazette.dev/rollsec/protocol"
)

// ErrTopicExists is returned by CreateTopic if the topic already exists.
var ErrTopicExists = errors.New("topic already exists")

// CreateTopic assigns the replicas of a new topic across registered brokers
// which aren't draining, and persists its TopicAssignment under |root|.
// Partition states are created by the controller once it observes the topic.
func CreateTopic(ctx context.Context, etcd clientv3.KV, root string, spec protocol.TopicSpec) (protocol.TopicAssignment, error) {
	if err := spec.Validate(); err != nil {
		return protocol.TopicAssignment{}, err
	}
	var resp, err = etcd.Get(ctx, root+"/"+protocol.BrokersPrefix+"/", clientv3.WithPrefix())
	if err != nil {
		return protocol.TopicAssignment{}, errors.WithMessage(err, "listing brokers")
	}

	var ids []int32
	for _, kv := range resp.Kvs {
		var bs protocol.BrokerSpec
		if err := protocol.DecodeValue(kv.Value, &bs); err != nil {
			return protocol.TopicAssignment{}, errors.WithMessagef(err, "decoding %s", kv.Key)
		} else if !bs.Draining {
			ids = append(ids, bs.ID)
		}
	}

	var ta = protocol.TopicAssignment{TopicSpec: spec, ID: uuid.New().String()}
	if ta.Assignment, err = protocol.AssignReplicas(ids, spec.Partitions, spec.ReplicationFactor); err != nil {
		return protocol.TopicAssignment{}, err
	}
	val, err := protocol.EncodeValue(ta)
	if err != nil {
		return protocol.TopicAssignment{}, err
	}

	var key = protocol.TopicKey(root, spec.Name)
	txnResp, err := etcd.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, val)).
		Commit()

	if err != nil {
		return protocol.TopicAssignment{}, errors.WithMessage(err, "creating topic")
	} else if !txnResp.Succeeded {
		return protocol.TopicAssignment{}, ErrTopicExists
	}

	log.WithFields(log.Fields{
		"topic":      spec.Name,
		"id":         ta.ID,
		"partitions": spec.Partitions,
		"rf":         spec.ReplicationFactor,
		"minISR":     spec.MinInsyncReplicas,
	}).Info("created topic")

	return ta, nil
}

func (b *Broker) handleCreateTopics(ctx context.Context, req *kmsg.CreateTopicsRequest) *kmsg.CreateTopicsResponse {
	var resp = kmsg.NewPtrCreateTopicsResponse()

	for _, rt := range req.Topics {
		var ct = kmsg.NewCreateTopicsResponseTopic()
		ct.Topic = rt.Topic

		var spec, code, msg = topicSpecOf(rt)
		if code == 0 && !req.ValidateOnly {
			if _, err := CreateTopic(ctx, b.etcd, b.cfg.Root, spec); err != nil {
				code, msg = createTopicCode(err), err.Error()
			}
		}
		if code == 0 {
			ct.NumPartitions, ct.ReplicationFactor = spec.Partitions, int16(spec.ReplicationFactor)
		} else {
			ct.ErrorCode, ct.ErrorMessage = code, kmsg.StringPtr(msg)
		}
		resp.Topics = append(resp.Topics, ct)
	}
	return resp
}

// topicSpecOf maps a CreateTopicsRequestTopic to a TopicSpec.
// NumPartitions and ReplicationFactor of -1 take the default of one.
func topicSpecOf(rt kmsg.CreateTopicsRequestTopic) (protocol.TopicSpec, int16, string) {
	if len(rt.ReplicaAssignment) != 0 {
		return protocol.TopicSpec{}, kerr.InvalidReplicaAssignment.Code, "explicit replica assignments are not supported"
	}
	var config = make(map[string]string)
	if rt.NumPartitions != -1 {
		config["partitions"] = strconv.Itoa(int(rt.NumPartitions))
	}
	if rt.ReplicationFactor != -1 {
		config["replication-factor"] = strconv.Itoa(int(rt.ReplicationFactor))
	}
	for _, c := range rt.Configs {
		if c.Value != nil {
			config[c.Name] = *c.Value
		}
	}

	if err := (protocol.TopicSpec{Name: rt.Topic, Partitions: 1, ReplicationFactor: 1, MinInsyncReplicas: 1}).Validate(); err != nil {
		return protocol.TopicSpec{}, kerr.InvalidTopicException.Code, err.Error()
	}
	var spec, err = protocol.ParseTopicConfig(rt.Topic, config)
	if err != nil {
		return protocol.TopicSpec{}, kerr.InvalidConfig.Code, err.Error()
	}
	return spec, 0, ""
}

func createTopicCode(err error) int16 {
	var ve *protocol.ValidationError
	switch {
	case errors.Is(err, ErrTopicExists):
		return kerr.TopicAlreadyExists.Code
	case errors.As(err, &ve):
		return kerr.InvalidReplicationFactor.Code
	default:
		return kerr.RequestTimedOut.Code
	}
}
