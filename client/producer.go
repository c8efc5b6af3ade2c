package client

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.gazette.dev/rollsec/metrics"
	"golang.org/x/time/rate"
)

// VerifiableProducer produces the sequential integers "0", "1", "2", ...
// to a topic at a bounded rate, with acks from all in-sync replicas and
// without idempotence. It records which values were acknowledged, and which
// failed to be delivered.
type VerifiableProducer struct {
	// Topic to produce to.
	Topic string
	// Throughput in messages per second. Zero or less is unbounded.
	Throughput int
	// MaxMessages to produce. Zero or less is unbounded.
	MaxMessages int
	// Brokers to bootstrap from, as "host:port".
	Brokers []string
	// Security of broker connections.
	Security Security
	// Compression codec of produced batches: "none", "gzip", "snappy",
	// "lz4" or "zstd". Empty means "none".
	Compression string
	// DeliveryTimeout after which an unacknowledged value fails.
	// Defaults to 60s.
	DeliveryTimeout time.Duration

	stopOnce sync.Once
	stop     chan struct{}

	mu      sync.Mutex
	sent    int
	acked   []int
	failed  []int
	changed chan struct{}
}

func (p *VerifiableProducer) init() {
	p.mu.Lock()
	if p.stop == nil {
		p.stop, p.changed = make(chan struct{}), make(chan struct{})
	}
	p.mu.Unlock()
}

// Run the producer until it has produced MaxMessages, Stop is called, or
// |ctx| is done. Run waits for every produced value to be acknowledged or
// to fail before returning.
func (p *VerifiableProducer) Run(ctx context.Context) error {
	p.init()

	var opts, err = p.Security.Opts(p.Brokers)
	if err != nil {
		return errors.WithMessage(err, "producer")
	}
	codec, err := compressionCodec(p.Compression)
	if err != nil {
		return err
	}
	var timeout = p.DeliveryTimeout
	if timeout == 0 {
		timeout = time.Minute
	}
	opts = append(opts,
		kgo.DefaultProduceTopic(p.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.DisableIdempotentWrite(),
		kgo.ProducerBatchCompression(codec),
		kgo.RecordDeliveryTimeout(timeout),
		kgo.ProducerLinger(5*time.Millisecond),
	)
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return errors.Wrap(err, "building producer client")
	}
	defer cl.Close()

	var limit = rate.Inf
	var burst = 1
	if p.Throughput > 0 {
		limit, burst = rate.Limit(p.Throughput), max(1, p.Throughput/10)
	}
	var limiter = rate.NewLimiter(limit, burst)

	log.WithFields(log.Fields{
		"topic":      p.Topic,
		"throughput": p.Throughput,
		"protocol":   p.Security.Protocol,
	}).Info("producer started")

	// Records are produced with a Context which outlives |ctx|, so that
	// in-flight values resolve as acknowledged or failed.
	var produceCtx, cancel = context.WithCancel(context.Background())
	defer cancel()

loop:
	for value := 0; p.MaxMessages <= 0 || value < p.MaxMessages; value++ {
		if err = limiter.Wait(ctx); err != nil {
			break // |ctx| is done.
		}
		select {
		case <-p.stop:
			break loop
		default:
		}

		var v = value
		cl.Produce(produceCtx, kgo.StringRecord(strconv.Itoa(v)), func(_ *kgo.Record, err error) {
			p.resolve(v, err)
		})
		p.mu.Lock()
		p.sent++
		p.mu.Unlock()
	}

	var flushCtx, flushCancel = context.WithTimeout(context.Background(), timeout)
	defer flushCancel()
	if err := cl.Flush(flushCtx); err != nil {
		log.WithField("err", err).Warn("producer flush timed out")
		cancel() // Fail remaining values.
	}

	var s = p.Stats()
	log.WithFields(log.Fields{
		"topic":  p.Topic,
		"sent":   s.Sent,
		"acked":  s.Acked,
		"failed": s.Failed,
	}).Info("producer stopped")
	return nil
}

func (p *VerifiableProducer) resolve(value int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		p.failed = append(p.failed, value)
		metrics.ProducerRecordsTotal.WithLabelValues(metrics.Fail).Inc()
		log.WithFields(log.Fields{"value": value, "err": err}).Debug("produce failed")
	} else {
		p.acked = append(p.acked, value)
		metrics.ProducerRecordsTotal.WithLabelValues(metrics.Ok).Inc()
	}
	close(p.changed)
	p.changed = make(chan struct{})
}

// Stop producing new values. Values in flight are still resolved by Run.
func (p *VerifiableProducer) Stop() {
	p.init()
	p.stopOnce.Do(func() { close(p.stop) })
}

// ProducerStats summarizes the progress of a VerifiableProducer.
type ProducerStats struct {
	Sent, Acked, Failed int
}

// Stats returns current ProducerStats.
func (p *VerifiableProducer) Stats() ProducerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProducerStats{Sent: p.sent, Acked: len(p.acked), Failed: len(p.failed)}
}

// NumAcked returns the number of acknowledged values.
func (p *VerifiableProducer) NumAcked() int { return p.Stats().Acked }

// Acked returns acknowledged values in increasing order.
func (p *VerifiableProducer) Acked() []int {
	p.mu.Lock()
	var out = append([]int(nil), p.acked...)
	p.mu.Unlock()

	sort.Ints(out)
	return out
}

// Failed returns values which failed to be delivered, in increasing order.
func (p *VerifiableProducer) Failed() []int {
	p.mu.Lock()
	var out = append([]int(nil), p.failed...)
	p.mu.Unlock()

	sort.Ints(out)
	return out
}

// WaitForAcks blocks until at least |n| values are acknowledged.
func (p *VerifiableProducer) WaitForAcks(ctx context.Context, n int) error {
	p.init()

	for {
		p.mu.Lock()
		var acked, changed = len(p.acked), p.changed
		p.mu.Unlock()

		if acked >= n {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return errors.WithMessagef(ctx.Err(), "waiting for %d acks (have %d)", n, acked)
		}
	}
}

func compressionCodec(name string) (kgo.CompressionCodec, error) {
	switch name {
	case "", "none":
		return kgo.NoCompression(), nil
	case "gzip":
		return kgo.GzipCompression(), nil
	case "snappy":
		return kgo.SnappyCompression(), nil
	case "lz4":
		return kgo.Lz4Compression(), nil
	case "zstd":
		return kgo.ZstdCompression(), nil
	}
	return kgo.CompressionCodec{}, errors.Errorf("unknown compression codec %q", name)
}
