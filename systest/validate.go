package systest

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.gazette.dev/rollsec/client"
	"go.gazette.dev/rollsec/task"
	"gopkg.in/yaml.v2"
)

const (
	// minAcks is the number of acknowledged messages awaited before, and
	// again after, the mutation.
	minAcks = 5
	// startTimeout bounds the wait for the consumer to start, and for the
	// producer to reach minAcks.
	startTimeout = 30 * time.Second
	// ackTimeout bounds the wait for acknowledgements after the mutation.
	ackTimeout = 60 * time.Second
)

// Mutation changes the cluster while traffic flows.
type Mutation func(ctx context.Context) error

// ProduceConsumeValidate runs |consumer| and |producer| concurrently with
// |mutation|. Once the consumer has started and the producer has minAcks
// acknowledged messages, the mutation runs. The producer stops after a
// further minAcks acknowledgements, and the consumer stops once it has
// consumed every acknowledged message or has been idle for its timeout.
//
// The returned ValidationResult compares acknowledged and consumed
// messages. An error is returned if any activity failed, or if the
// result has missing or invalid messages.
func ProduceConsumeValidate(ctx context.Context, producer *client.VerifiableProducer,
	consumer *client.ConsoleConsumer, mutation Mutation) (ValidationResult, error) {

	var tasks = task.NewGroup(ctx)
	var producerDone = make(chan struct{})
	var consumerDone = make(chan struct{})

	tasks.Queue("consumer", func() error {
		defer close(consumerDone)
		return consumer.Run(tasks.Context())
	})
	tasks.Queue("producer", func() error {
		defer close(producerDone)

		select {
		case <-consumer.Started():
		case <-consumerDone:
			return errors.New("consumer exited before it started")
		case <-time.After(startTimeout):
			log.WithField("timeout", startTimeout).Warn("consumer didn't start in time; producing anyway")
		case <-tasks.Context().Done():
			return nil
		}
		return producer.Run(tasks.Context())
	})
	tasks.Queue("mutation", func() error {
		var ctx = tasks.Context()

		if err := awaitAcks(ctx, producer, minAcks, startTimeout); err != nil {
			return err
		} else if ctx.Err() != nil {
			return nil // Another task failed.
		}
		var started = time.Now()
		log.WithField("acked", producer.NumAcked()).Info("running mutation")

		if mutation != nil {
			if err := mutation(ctx); err != nil {
				producer.Stop()
				return errors.WithMessage(err, "mutation")
			}
		}
		log.WithField("took", time.Since(started)).Info("mutation completed")

		var err = awaitAcks(ctx, producer, producer.NumAcked()+minAcks, ackTimeout)
		producer.Stop()
		return err
	})
	tasks.Queue("drain", func() error {
		select {
		case <-producerDone:
		case <-tasks.Context().Done():
			return nil
		}
		var ticker = time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()

		for {
			if len(missingValues(producer.Acked(), consumer.Consumed())) == 0 {
				consumer.Stop()
				return nil
			}
			select {
			case <-ticker.C:
			case <-consumerDone:
				return nil // Idle.
			case <-tasks.Context().Done():
				return nil
			}
		}
	})
	tasks.GoRun()

	var err = tasks.Wait()
	var result = Validate(producer.Acked(), producer.Failed(), consumer.Consumed(), consumer.Invalid())

	if err != nil {
		return result, err
	}
	return result, result.Err()
}

func awaitAcks(ctx context.Context, producer *client.VerifiableProducer, n int, timeout time.Duration) error {
	var ctx2, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := producer.WaitForAcks(ctx2, n); err != nil && ctx.Err() == nil {
		return errors.WithMessagef(err, "producer didn't ack %d messages within %s", n, timeout)
	}
	return nil
}

// ValidationResult compares the messages a producer acknowledged with the
// messages a consumer consumed.
type ValidationResult struct {
	// Acked is the number of acknowledged messages.
	Acked int `yaml:"acked"`
	// FailedSends is the number of messages which failed to be delivered.
	FailedSends int `yaml:"failed_sends"`
	// Consumed is the number of consumed messages, including duplicates.
	Consumed int `yaml:"consumed"`
	// Missing are acknowledged values which weren't consumed.
	Missing []int `yaml:"missing,flow,omitempty"`
	// Duplicates is the number of consumed messages in excess of one for
	// their value.
	Duplicates int `yaml:"duplicates"`
	// Unacked is the number of distinct consumed values which weren't
	// acknowledged. A failed send may still have been written.
	Unacked int `yaml:"unacked"`
	// Invalid are consumed messages rejected by the message validator.
	Invalid []string `yaml:"invalid,flow,omitempty"`
}

// Validate compares |acked| and |failed| values of a producer with the
// |consumed| and |invalid| messages of a consumer.
func Validate(acked, failed []int, consumed, invalid []string) ValidationResult {
	var r = ValidationResult{
		Acked:       len(acked),
		FailedSends: len(failed),
		Consumed:    len(consumed),
		Missing:     missingValues(acked, consumed),
		Invalid:     append([]string(nil), invalid...),
	}
	var ackedSet = make(map[int]struct{}, len(acked))
	for _, v := range acked {
		ackedSet[v] = struct{}{}
	}
	var seen = make(map[string]int, len(consumed))
	for _, v := range consumed {
		seen[v]++
	}
	for v, n := range seen {
		r.Duplicates += n - 1

		if i, err := strconv.Atoi(v); err != nil {
			r.Unacked++
		} else if _, ok := ackedSet[i]; !ok {
			r.Unacked++
		}
	}
	return r
}

// missingValues returns values of |acked| not among |consumed|, in order.
func missingValues(acked []int, consumed []string) []int {
	var seen = make(map[string]struct{}, len(consumed))
	for _, v := range consumed {
		seen[v] = struct{}{}
	}
	var out []int
	for _, v := range acked {
		if _, ok := seen[strconv.Itoa(v)]; !ok {
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}

// Err returns an error if acknowledged messages were lost, or if invalid
// messages were consumed. Duplicates are tolerated.
func (r ValidationResult) Err() error {
	if len(r.Missing) != 0 {
		return errors.Errorf("%s of %s acked messages were not consumed: %s",
			humanize.Comma(int64(len(r.Missing))), humanize.Comma(int64(r.Acked)), FormatRanges(r.Missing))
	} else if len(r.Invalid) != 0 {
		return errors.Errorf("%s consumed messages were invalid (first: %q)",
			humanize.Comma(int64(len(r.Invalid))), r.Invalid[0])
	}
	return nil
}

// WriteTable renders the ValidationResult as a table.
func (r ValidationResult) WriteTable(w io.Writer) error {
	var table = tablewriter.NewWriter(w)
	table.Header("Measure", "Value")

	var status = "PASS"
	if r.Err() != nil {
		status = "FAIL"
	}
	var rows = [][]string{
		{"Acked", humanize.Comma(int64(r.Acked))},
		{"Failed sends", humanize.Comma(int64(r.FailedSends))},
		{"Consumed", humanize.Comma(int64(r.Consumed))},
		{"Duplicates", humanize.Comma(int64(r.Duplicates))},
		{"Unacked", humanize.Comma(int64(r.Unacked))},
		{"Missing", FormatRanges(r.Missing)},
		{"Invalid", humanize.Comma(int64(len(r.Invalid)))},
		{"Result", status},
	}
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return errors.Wrap(err, "rendering result")
		}
	}
	return errors.Wrap(table.Render(), "rendering result")
}

// Report is the YAML record of a scenario run.
type Report struct {
	Scenario string           `yaml:"scenario"`
	Started  time.Time        `yaml:"started"`
	Duration string           `yaml:"duration"`
	Config   RunConfig        `yaml:"config"`
	Result   ValidationResult `yaml:"result"`
	Error    string           `yaml:"error,omitempty"`
}

// WriteReport writes the Report as YAML to |name| of |fs|, creating its
// directory as required.
func WriteReport(fs afero.Fs, name string, report Report) error {
	var b, err = yaml.Marshal(report)
	if err != nil {
		return errors.Wrap(err, "encoding report")
	} else if err = fs.MkdirAll(path.Dir(name), 0755); err != nil {
		return errors.Wrap(err, "creating report directory")
	} else if err = afero.WriteFile(fs, name, b, 0644); err != nil {
		return errors.Wrap(err, "writing report")
	}
	return nil
}

// FormatRanges renders ordered |values| as comma-separated ranges,
// such as "1-3, 7, 9-10", or "none".
func FormatRanges(values []int) string {
	if len(values) == 0 {
		return "none"
	}
	var parts []string
	for i := 0; i != len(values); {
		var j = i
		for j+1 != len(values) && values[j+1] == values[j]+1 {
			j++
		}
		if i == j {
			parts = append(parts, strconv.Itoa(values[i]))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", values[i], values[j]))
		}
		i = j + 1
	}
	return strings.Join(parts, ", ")
}
