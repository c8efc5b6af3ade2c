package client

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.gazette.dev/rollsec/metrics"
)

// ConsoleConsumer consumes every partition of a topic on behalf of a
// consumer group. It resumes from the group's committed offsets, or from
// the start of partitions without one, and commits its progress
// periodically and when it stops. It exits once no message has arrived
// for ConsumerTimeout.
type ConsoleConsumer struct {
	// Topic to consume.
	Topic string
	// GroupID of committed offsets.
	GroupID string
	// ConsumerTimeout is the idle duration after which the consumer exits.
	ConsumerTimeout time.Duration
	// MessageValidator of consumed messages. Invalid messages are recorded
	// rather than consumed.
	MessageValidator MessageValidator
	// Brokers to bootstrap from, as "host:port".
	Brokers []string
	// Security of broker connections.
	Security Security
	// CommitInterval between commits of consumed offsets. Defaults to 1s.
	CommitInterval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	started  chan struct{}

	mu        sync.Mutex
	consumed  []string
	invalid   []string
	positions map[int32]position
	lastAt    time.Time
}

// position is the next offset to consume of a partition.
type position struct {
	offset int64
	epoch  int32
}

func (c *ConsoleConsumer) init() {
	c.mu.Lock()
	if c.stop == nil {
		c.stop, c.started = make(chan struct{}), make(chan struct{})
		c.positions = make(map[int32]position)
	}
	c.mu.Unlock()
}

// Started returns a channel which is closed once the consumer has resolved
// its starting offsets and begun to fetch.
func (c *ConsoleConsumer) Started() <-chan struct{} {
	c.init()
	return c.started
}

// Stop the consumer. Run commits consumed offsets and returns.
func (c *ConsoleConsumer) Stop() {
	c.init()
	c.stopOnce.Do(func() { close(c.stop) })
}

// Run the consumer until it's idle for ConsumerTimeout, Stop is called,
// or |ctx| is done.
func (c *ConsoleConsumer) Run(ctx context.Context) error {
	c.init()

	var opts, err = c.Security.Opts(c.Brokers)
	if err != nil {
		return errors.WithMessage(err, "consumer")
	} else if c.GroupID == "" {
		return errors.New("consumer requires a GroupID")
	}
	if c.ConsumerTimeout <= 0 {
		c.ConsumerTimeout = time.Minute
	}
	if c.CommitInterval <= 0 {
		c.CommitInterval = time.Second
	}

	var ctx2, cancel = context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx2.Done():
		}
	}()

	// |admin| issues metadata and group offset requests.
	admin, err := kgo.NewClient(opts...)
	if err != nil {
		return errors.Wrap(err, "building consumer client")
	}
	defer admin.Close()

	partitions, err := c.partitions(ctx2, admin)
	if err != nil {
		return c.exitErr(ctx, err)
	}
	starts, err := c.committed(ctx2, admin, partitions)
	if err != nil {
		return c.exitErr(ctx, err)
	}

	cl, err := kgo.NewClient(append(opts,
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{c.Topic: starts}),
		kgo.DisableFetchSessions(),
		kgo.FetchMaxWait(250*time.Millisecond),
	)...)
	if err != nil {
		return errors.Wrap(err, "building consumer client")
	}
	defer cl.Close()

	c.mu.Lock()
	c.lastAt = time.Now()
	c.mu.Unlock()
	close(c.started)

	log.WithFields(log.Fields{
		"topic":      c.Topic,
		"group":      c.GroupID,
		"partitions": len(partitions),
		"protocol":   c.Security.Protocol,
	}).Info("consumer started")

	var nextCommit = time.Now().Add(c.CommitInterval)
	for {
		c.mu.Lock()
		var idleAt = c.lastAt.Add(c.ConsumerTimeout)
		c.mu.Unlock()

		var deadline = idleAt
		if nextCommit.Before(deadline) {
			deadline = nextCommit
		}
		var pollCtx, pollCancel = context.WithDeadline(ctx2, deadline)
		var fetches = cl.PollFetches(pollCtx)
		pollCancel()

		fetches.EachError(func(topic string, partition int32, err error) {
			if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				log.WithFields(log.Fields{"topic": topic, "partition": partition, "err": err}).
					Warn("fetch failed (will retry)")
			}
		})
		fetches.EachRecord(c.onRecord)

		var now = time.Now()
		if ctx2.Err() != nil {
			break
		} else if !now.Before(nextCommit) {
			c.commit(ctx2, admin)
			nextCommit = now.Add(c.CommitInterval)
		}
		c.mu.Lock()
		var idle = now.Sub(c.lastAt) >= c.ConsumerTimeout
		c.mu.Unlock()

		if idle {
			log.WithFields(log.Fields{"topic": c.Topic, "timeout": c.ConsumerTimeout}).
				Info("consumer is idle")
			break
		}
	}

	var commitCtx, commitCancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer commitCancel()
	c.commit(commitCtx, admin)

	var consumed, invalid = c.counts()
	log.WithFields(log.Fields{
		"topic":    c.Topic,
		"consumed": consumed,
		"invalid":  invalid,
	}).Info("consumer stopped")

	return nil
}

// exitErr masks |err| if the consumer was stopped or its parent |ctx| is done.
func (c *ConsoleConsumer) exitErr(ctx context.Context, err error) error {
	select {
	case <-c.stop:
		return nil
	default:
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *ConsoleConsumer) onRecord(r *kgo.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastAt = time.Now()
	c.positions[r.Partition] = position{offset: r.Offset + 1, epoch: r.LeaderEpoch}

	if c.MessageValidator != nil {
		if err := c.MessageValidator(r.Value); err != nil {
			c.invalid = append(c.invalid, string(r.Value))
			metrics.ConsumerInvalidRecordsTotal.Inc()
			log.WithFields(log.Fields{"partition": r.Partition, "offset": r.Offset, "err": err}).
				Warn("consumed invalid message")
			return
		}
	}
	c.consumed = append(c.consumed, string(r.Value))
	metrics.ConsumerRecordsTotal.Inc()
}

// partitions returns the partitions of the topic, retrying until it exists.
func (c *ConsoleConsumer) partitions(ctx context.Context, cl *kgo.Client) ([]int32, error) {
	var req = kmsg.NewPtrMetadataRequest()
	var rt = kmsg.NewMetadataRequestTopic()
	rt.Topic = kmsg.StringPtr(c.Topic)
	req.Topics = append(req.Topics, rt)

	for attempt := 0; ; attempt++ {
		var resp, err = req.RequestWith(ctx, cl)
		if err == nil && len(resp.Topics) == 1 {
			err = kerr.ErrorForCode(resp.Topics[0].ErrorCode)
		}
		if err == nil {
			var out []int32
			for _, p := range resp.Topics[0].Partitions {
				out = append(out, p.Partition)
			}
			sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
			return out, nil
		}
		log.WithFields(log.Fields{"topic": c.Topic, "err": err, "attempt": attempt}).
			Debug("fetching topic metadata (will retry)")

		select {
		case <-ctx.Done():
			return nil, errors.WithMessage(ctx.Err(), "fetching topic metadata")
		case <-time.After(backoff(attempt)):
		}
	}
}

// committed returns the group's starting offsets of |partitions|, retrying
// while the group coordinator is unavailable.
func (c *ConsoleConsumer) committed(ctx context.Context, cl *kgo.Client, partitions []int32) (map[int32]kgo.Offset, error) {
	var req = kmsg.NewPtrOffsetFetchRequest()
	req.Group = c.GroupID
	var rt = kmsg.NewOffsetFetchRequestTopic()
	rt.Topic, rt.Partitions = c.Topic, partitions
	req.Topics = append(req.Topics, rt)

	for attempt := 0; ; attempt++ {
		var resp, err = req.RequestWith(ctx, cl)
		if err == nil {
			err = kerr.ErrorForCode(resp.ErrorCode)
		}
		if err == nil {
			var out = make(map[int32]kgo.Offset, len(partitions))
			for _, p := range partitions {
				out[p] = kgo.NewOffset().AtStart()
			}
			for _, t := range resp.Topics {
				for _, p := range t.Partitions {
					if p.ErrorCode == 0 && p.Offset >= 0 {
						out[p.Partition] = kgo.NewOffset().At(p.Offset)
						c.mu.Lock()
						c.positions[p.Partition] = position{offset: p.Offset, epoch: p.LeaderEpoch}
						c.mu.Unlock()
					}
				}
			}
			return out, nil
		}
		log.WithFields(log.Fields{"group": c.GroupID, "err": err, "attempt": attempt}).
			Debug("fetching committed offsets (will retry)")

		select {
		case <-ctx.Done():
			return nil, errors.WithMessage(ctx.Err(), "fetching committed offsets")
		case <-time.After(backoff(attempt)):
		}
	}
}

// commit the consumed positions. Failures are logged, and retried by the
// next commit.
func (c *ConsoleConsumer) commit(ctx context.Context, cl *kgo.Client) {
	var req = kmsg.NewPtrOffsetCommitRequest()
	req.Group, req.Generation = c.GroupID, -1
	var rt = kmsg.NewOffsetCommitRequestTopic()
	rt.Topic = c.Topic

	c.mu.Lock()
	for p, pos := range c.positions {
		var rp = kmsg.NewOffsetCommitRequestTopicPartition()
		rp.Partition, rp.Offset, rp.LeaderEpoch = p, pos.offset, pos.epoch
		rt.Partitions = append(rt.Partitions, rp)
	}
	c.mu.Unlock()

	if len(rt.Partitions) == 0 {
		return
	}
	req.Topics = append(req.Topics, rt)

	var resp, err = req.RequestWith(ctx, cl)
	if err == nil {
		for _, t := range resp.Topics {
			for _, p := range t.Partitions {
				if err == nil {
					err = kerr.ErrorForCode(p.ErrorCode)
				}
			}
		}
	}
	if err != nil {
		log.WithFields(log.Fields{"group": c.GroupID, "err": err}).Warn("failed to commit offsets")
	}
}

func (c *ConsoleConsumer) counts() (consumed, invalid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.consumed), len(c.invalid)
}

// Consumed returns consumed message values, in order of consumption.
func (c *ConsoleConsumer) Consumed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.consumed...)
}

// Invalid returns messages rejected by the MessageValidator.
func (c *ConsoleConsumer) Invalid() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.invalid...)
}

// NumConsumed returns the number of consumed messages.
func (c *ConsoleConsumer) NumConsumed() int {
	var n, _ = c.counts()
	return n
}

func backoff(attempt int) time.Duration {
	switch attempt {
	case 0:
		return 50 * time.Millisecond
	case 1, 2:
		return 250 * time.Millisecond
	default:
		return time.Second
	}
}
