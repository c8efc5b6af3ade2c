package protocol

import (
	"sort"
	"strconv"
)

// TopicSpec describes a replicated topic.
type TopicSpec struct {
	Name              string `yaml:"name"`
	Partitions        int32  `yaml:"partitions"`
	ReplicationFactor int32  `yaml:"replication_factor"`
	MinInsyncReplicas int32  `yaml:"min_insync_replicas"`
}

// Validate returns an error if the TopicSpec is not well-formed.
func (s TopicSpec) Validate() error {
	if err := ValidateToken(s.Name, 1, maxTopicNameLen); err != nil {
		return ExtendContext(err, "Name")
	} else if s.Name == "." || s.Name == ".." {
		return ExtendContext(NewValidationError("reserved name (%s)", s.Name), "Name")
	} else if s.Partitions < 1 {
		return NewValidationError("invalid Partitions (%d; expected >= 1)", s.Partitions)
	} else if s.ReplicationFactor < 1 {
		return NewValidationError("invalid ReplicationFactor (%d; expected >= 1)", s.ReplicationFactor)
	} else if s.MinInsyncReplicas < 1 || s.MinInsyncReplicas > s.ReplicationFactor {
		return NewValidationError("invalid MinInsyncReplicas (%d; expected 1 <= MinInsyncReplicas <= %d)",
			s.MinInsyncReplicas, s.ReplicationFactor)
	}
	return nil
}

// ParseTopicConfig builds a TopicSpec from the key/value configuration
// conventionally used to create topics: "partitions", "replication-factor",
// and "min.insync.replicas". Absent keys default to one.
func ParseTopicConfig(name string, config map[string]string) (TopicSpec, error) {
	var spec = TopicSpec{Name: name, Partitions: 1, ReplicationFactor: 1, MinInsyncReplicas: 1}

	for key, value := range config {
		var n, err = strconv.ParseInt(value, 10, 32)
		if err != nil {
			return TopicSpec{}, ExtendContext(NewValidationError("not an integer (%q)", value), "%s", key)
		}
		switch key {
		case "partitions":
			spec.Partitions = int32(n)
		case "replication-factor":
			spec.ReplicationFactor = int32(n)
		case "min.insync.replicas":
			spec.MinInsyncReplicas = int32(n)
		default:
			return TopicSpec{}, NewValidationError("unknown topic configuration (%s)", key)
		}
	}
	return spec, spec.Validate()
}

// Assignment maps each partition to its ordered replica brokers.
// The first replica of a partition is its preferred leader.
type Assignment [][]int32

// AssignReplicas places |partitions| across |brokers| with |rf| replicas
// apiece. Partition p prefers brokers[p % n] as its leader, and its remaining
// replicas follow in ring order, spreading both leadership and replicas
// evenly when partitions is a multiple of the broker count.
func AssignReplicas(brokers []int32, partitions, rf int32) (Assignment, error) {
	var ids = append([]int32(nil), brokers...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if rf < 1 || int(rf) > len(ids) {
		return nil, NewValidationError("replication factor %d exceeds available brokers (%d)", rf, len(ids))
	} else if partitions < 1 {
		return nil, NewValidationError("invalid Partitions (%d; expected >= 1)", partitions)
	}

	var out = make(Assignment, partitions)
	for p := range out {
		out[p] = make([]int32, rf)
		for r := range out[p] {
			out[p][r] = ids[(p+r)%len(ids)]
		}
	}
	return out, nil
}

// Validate returns an error if the Assignment doesn't match the TopicSpec.
func (a Assignment) Validate(spec TopicSpec) error {
	if int32(len(a)) != spec.Partitions {
		return NewValidationError("expected %d partitions (got %d)", spec.Partitions, len(a))
	}
	for p, replicas := range a {
		if int32(len(replicas)) != spec.ReplicationFactor {
			return ExtendContext(NewValidationError("expected %d replicas (got %d)",
				spec.ReplicationFactor, len(replicas)), "Assignment[%d]", p)
		} else if dup, ok := firstDuplicate(replicas); ok {
			return ExtendContext(NewValidationError("duplicate replica (%d)", dup), "Assignment[%d]", p)
		}
	}
	return nil
}

// TopicAssignment is the persisted form of a created topic.
type TopicAssignment struct {
	TopicSpec  `yaml:",inline"`
	ID         string     `yaml:"id"`
	Assignment Assignment `yaml:"assignment"`
}

// Validate returns an error if the TopicAssignment is not well-formed.
func (t TopicAssignment) Validate() error {
	if err := t.TopicSpec.Validate(); err != nil {
		return err
	} else if t.ID == "" {
		return NewValidationError("expected ID")
	}
	return t.Assignment.Validate(t.TopicSpec)
}

func firstDuplicate(ids []int32) (int32, bool) {
	var seen = make(map[int32]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return id, true
		}
		seen[id] = struct{}{}
	}
	return 0, false
}

const maxTopicNameLen = 249
