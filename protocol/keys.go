package protocol

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Key segments of the coordination keyspace, relative to a cluster root.
const (
	BrokersPrefix    = "brokers"
	TopicsPrefix     = "topics"
	PartitionsPrefix = "partitions"
	OffsetsPrefix    = "offsets"
	ControllerPrefix = "controller"
)

// BrokerKey returns the registration key of broker |id|.
func BrokerKey(root string, id int32) string {
	return path.Join(root, BrokersPrefix, strconv.Itoa(int(id)))
}

// TopicKey returns the key of the named topic.
func TopicKey(root, topic string) string {
	return path.Join(root, TopicsPrefix, topic)
}

// PartitionKey returns the state key of a topic partition.
func PartitionKey(root, topic string, partition int32) string {
	return path.Join(root, PartitionsPrefix, topic, fmt.Sprintf("%04d", partition))
}

// OffsetKey returns the committed offset key of a group's topic partition.
func OffsetKey(root, group, topic string, partition int32) string {
	return path.Join(root, OffsetsPrefix, group, topic, fmt.Sprintf("%04d", partition))
}

// GroupOffsetsPrefix returns the key prefix of all offsets committed by |group|.
func GroupOffsetsPrefix(root, group string) string {
	return path.Join(root, OffsetsPrefix, group) + "/"
}

// ParseOffsetKey returns the topic and partition of an OffsetKey of |group|.
func ParseOffsetKey(root, group, key string) (string, int32, error) {
	var p = GroupOffsetsPrefix(root, group)
	if !strings.HasPrefix(key, p) {
		return "", 0, NewValidationError("key %s is not under %s", key, p)
	}
	var rest = key[len(p):]
	var ind = strings.LastIndexByte(rest, '/')
	if ind <= 0 {
		return "", 0, NewValidationError("invalid offset key (%s)", key)
	}
	partition, err := strconv.ParseInt(rest[ind+1:], 10, 32)
	if err != nil {
		return "", 0, NewValidationError("invalid offset key (%s)", key)
	}
	return rest[:ind], int32(partition), nil
}

// ParseBrokerKey returns the broker ID of a BrokerKey.
func ParseBrokerKey(root, key string) (int32, error) {
	var rest, err = trimRoot(root, BrokersPrefix, key)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(rest, 10, 32)
	if err != nil {
		return 0, NewValidationError("invalid broker key (%s)", key)
	}
	return int32(id), nil
}

// ParseTopicKey returns the topic name of a TopicKey.
func ParseTopicKey(root, key string) (string, error) {
	var rest, err = trimRoot(root, TopicsPrefix, key)
	if err != nil {
		return "", err
	} else if err = ValidateToken(rest, 1, maxTopicNameLen); err != nil {
		return "", ExtendContext(err, "topic key")
	}
	return rest, nil
}

// ParsePartitionKey returns the topic and partition of a PartitionKey.
func ParsePartitionKey(root, key string) (string, int32, error) {
	var rest, err = trimRoot(root, PartitionsPrefix, key)
	if err != nil {
		return "", 0, err
	}
	var ind = strings.LastIndexByte(rest, '/')
	if ind == -1 {
		return "", 0, NewValidationError("invalid partition key (%s)", key)
	}
	partition, err := strconv.ParseInt(rest[ind+1:], 10, 32)
	if err != nil {
		return "", 0, NewValidationError("invalid partition key (%s)", key)
	}
	return rest[:ind], int32(partition), nil
}

func trimRoot(root, prefix, key string) (string, error) {
	var p = path.Join(root, prefix) + "/"
	if !strings.HasPrefix(key, p) || len(key) == len(p) {
		return "", NewValidationError("key %s is not under %s", key, p)
	}
	return key[len(p):], nil
}
