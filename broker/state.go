package broker

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.gazette.dev/rollsec/keyspace"
	"go.gazette.dev/rollsec/protocol"
)

// partitionID identifies a topic partition.
type partitionID struct {
	topic     string
	partition int32
}

func (p partitionID) String() string { return fmt.Sprintf("%s/%d", p.topic, p.partition) }

// controllerCandidate is a broker campaigning to be controller.
type controllerCandidate struct {
	id int32
}

// NewKeySpace returns a KeySpace of the cluster |root|, which decodes broker
// registrations, topic assignments, partition states, and controller
// candidates. Committed offsets aren't mirrored.
func NewKeySpace(root string) *keyspace.KeySpace {
	var brokers = root + "/" + protocol.BrokersPrefix + "/"
	var topics = root + "/" + protocol.TopicsPrefix + "/"
	var partitions = root + "/" + protocol.PartitionsPrefix + "/"
	var controller = root + "/" + protocol.ControllerPrefix + "/"

	return keyspace.NewKeySpace(root, func(raw *mvccpb.KeyValue) (interface{}, error) {
		var key = string(raw.Key)

		switch {
		case strings.HasPrefix(key, brokers):
			if _, err := protocol.ParseBrokerKey(root, key); err != nil {
				return nil, err
			}
			var spec = new(protocol.BrokerSpec)
			return spec, protocol.DecodeValue(raw.Value, spec)
		case strings.HasPrefix(key, topics):
			if _, err := protocol.ParseTopicKey(root, key); err != nil {
				return nil, err
			}
			var ta = new(protocol.TopicAssignment)
			return ta, protocol.DecodeValue(raw.Value, ta)
		case strings.HasPrefix(key, partitions):
			if _, _, err := protocol.ParsePartitionKey(root, key); err != nil {
				return nil, err
			}
			var st = new(protocol.PartitionState)
			return st, protocol.DecodeValue(raw.Value, st)
		case strings.HasPrefix(key, controller):
			var id, err = strconv.ParseInt(string(raw.Value), 10, 32)
			if err != nil {
				return nil, protocol.NewValidationError("invalid controller candidate (%q)", raw.Value)
			}
			return controllerCandidate{id: int32(id)}, nil
		default:
			return nil, nil
		}
	})
}

// clusterView is a point-in-time view of cluster state, drawn from a KeySpace.
type clusterView struct {
	root       string
	revision   int64
	controller int32
	brokers    map[int32]*protocol.BrokerSpec
	topics     []*protocol.TopicAssignment
	partitions map[partitionID]partitionEntry
}

type partitionEntry struct {
	state       *protocol.PartitionState
	modRevision int64
}

// viewOf builds a clusterView of |ks|, which must be read-locked.
func viewOf(ks *keyspace.KeySpace) *clusterView {
	var v = &clusterView{
		root:       ks.Root,
		revision:   ks.Revision,
		controller: -1,
		brokers:    make(map[int32]*protocol.BrokerSpec),
		partitions: make(map[partitionID]partitionEntry),
	}
	for _, kv := range ks.Prefixed(ks.Root + "/" + protocol.BrokersPrefix + "/") {
		var spec = kv.Decoded.(*protocol.BrokerSpec)
		v.brokers[spec.ID] = spec
	}
	for _, kv := range ks.Prefixed(ks.Root + "/" + protocol.TopicsPrefix + "/") {
		v.topics = append(v.topics, kv.Decoded.(*protocol.TopicAssignment))
	}
	for _, kv := range ks.Prefixed(ks.Root + "/" + protocol.PartitionsPrefix + "/") {
		var topic, part, _ = protocol.ParsePartitionKey(ks.Root, string(kv.Raw.Key))
		v.partitions[partitionID{topic, part}] = partitionEntry{
			state:       kv.Decoded.(*protocol.PartitionState),
			modRevision: kv.Raw.ModRevision,
		}
	}
	// The controller is the candidate of the earliest creation revision.
	var created int64
	for _, kv := range ks.Prefixed(ks.Root + "/" + protocol.ControllerPrefix + "/") {
		if created == 0 || kv.Raw.CreateRevision < created {
			v.controller, created = kv.Decoded.(controllerCandidate).id, kv.Raw.CreateRevision
		}
	}
	return v
}

// topic returns the named TopicAssignment.
func (v *clusterView) topic(name string) (*protocol.TopicAssignment, bool) {
	for _, t := range v.topics {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// live returns whether broker |id| is registered.
func (v *clusterView) live(id int32) bool {
	var _, ok = v.brokers[id]
	return ok
}

// eligible returns whether broker |id| may be elected a leader.
func (v *clusterView) eligible(id int32) bool {
	var spec, ok = v.brokers[id]
	return ok && !spec.Draining
}

// Store holds the partition logs of a broker. A Store outlives the Broker
// instances which use it, so that a broker which is restarted within a
// process resumes with the logs it had, as it would from a disk.
type Store struct {
	mu      sync.Mutex
	logs    map[partitionID]*Log
	changed *signal
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{logs: make(map[partitionID]*Log), changed: newSignal()}
}

// log returns the Log of |id|, creating it if required.
func (s *Store) log(id partitionID) *Log {
	s.mu.Lock()
	defer s.mu.Unlock()

	var l, ok = s.logs[id]
	if !ok {
		l = NewLog(s.changed)
		s.logs[id] = l
	}
	return l
}
