package systest

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/rollsec/protocol"
)

// Scenario is a named system test.
type Scenario struct {
	Name        string
	Description string
	Run         func(ctx context.Context, env *Env) (ValidationResult, error)
}

// Scenarios returns all scenarios, ordered on name.
func Scenarios() []Scenario {
	var out = []Scenario{
		{
			Name: "zk-sasl-upgrade",
			Description: "Enables coordination authentication of brokers and bounces the " +
				"coordination node while traffic flows over the client protocol.",
			Run: ZKSASLUpgrade,
		},
		{
			Name: "rolling-security-upgrade",
			Description: "Migrates clients and brokers from PLAINTEXT to the client and inter-broker " +
				"protocols with rolling restarts while traffic flows.",
			Run: RollingSecurityUpgrade,
		},
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LookupScenario returns the named Scenario.
func LookupScenario(name string) (Scenario, bool) {
	for _, s := range Scenarios() {
		if s.Name == name {
			return s, true
		}
	}
	return Scenario{}, false
}

// ZKSASLUpgrade starts the cluster with coordination credentials embedded
// in every broker but not yet enforced. While a producer and consumer
// stream messages over the client protocol, it enables enforcement and
// bounces the coordination node, and then validates that no acknowledged
// message was lost.
func ZKSASLUpgrade(ctx context.Context, env *Env) (ValidationResult, error) {
	env.Cluster.SetCoordinationSASL(false)

	if err := env.Authority.Start(); err != nil {
		return ValidationResult{}, err
	} else if err = env.Coordination.Start(ctx); err != nil {
		return ValidationResult{}, err
	} else if err = env.Cluster.Start(ctx); err != nil {
		return ValidationResult{}, err
	}

	var producer, err = env.Producer(env.Config.SecurityProtocol)
	if err != nil {
		return ValidationResult{}, err
	}
	consumer, err := env.Consumer(env.Config.SecurityProtocol)
	if err != nil {
		return ValidationResult{}, err
	}

	return ProduceConsumeValidate(ctx, producer, consumer, func(ctx context.Context) error {
		env.Cluster.SetCoordinationSASL(true)

		if err := env.Coordination.Stop(ctx); err != nil {
			return err
		} else if err = env.Coordination.Start(ctx); err != nil {
			return err
		} else if !env.Coordination.AuthEnabled() {
			return errors.New("coordination authentication wasn't enabled")
		}
		return nil
	})
}

// RollingSecurityUpgrade starts the cluster with PLAINTEXT clients and
// brokers, and migrates it to the configured client and inter-broker
// protocols in two phases, each validated with its own producer and
// consumer. In the first phase PLAINTEXT clients stream messages while
// brokers are rolled to open the ports of the new protocols, and then
// rolled again to replicate over the new inter-broker protocol. In the
// second phase clients of the new client protocol stream messages while
// brokers are rolled to close the PLAINTEXT port. The consumer of the
// second phase resumes from the group offsets committed by the first.
func RollingSecurityUpgrade(ctx context.Context, env *Env) (ValidationResult, error) {
	var target, interBroker = env.Config.SecurityProtocol, env.Config.InterBroker
	if target == protocol.Plaintext || interBroker == protocol.Plaintext {
		return ValidationResult{}, errors.Errorf("expected non-PLAINTEXT protocols to upgrade to (got %s and %s)",
			target, interBroker)
	}
	env.Cluster.SecurityProtocol = protocol.Plaintext
	env.Cluster.InterBrokerProtocol = protocol.Plaintext

	if err := env.Authority.Start(); err != nil {
		return ValidationResult{}, err
	} else if err = env.Coordination.Start(ctx); err != nil {
		return ValidationResult{}, err
	} else if err = env.Cluster.Start(ctx); err != nil {
		return ValidationResult{}, err
	}

	var phaseOne, err = runPhase(ctx, env, protocol.Plaintext, func(ctx context.Context) error {
		env.Cluster.OpenPort(target)
		env.Cluster.OpenPort(interBroker)
		if err := env.Cluster.RollingRestart(ctx, nil); err != nil {
			return errors.WithMessage(err, "opening ports")
		}
		env.Cluster.SetInterBrokerProtocol(interBroker)
		return errors.WithMessage(env.Cluster.RollingRestart(ctx, nil), "switching inter-broker protocol")
	})
	if err != nil {
		return phaseOne, errors.WithMessage(err, "phase one")
	}

	phaseTwo, err := runPhase(ctx, env, target, func(ctx context.Context) error {
		env.Cluster.ClosePort(protocol.Plaintext)
		return errors.WithMessage(env.Cluster.RollingRestart(ctx, nil), "closing PLAINTEXT port")
	})
	var result = phaseOne.Merge(phaseTwo)

	if err != nil {
		return result, errors.WithMessage(err, "phase two")
	} else if addrs := env.Cluster.BootstrapServers(protocol.Plaintext); len(addrs) != 0 {
		return result, errors.Errorf("PLAINTEXT listeners remain open (%v)", addrs)
	}
	return result, nil
}

func runPhase(ctx context.Context, env *Env, proto protocol.SecurityProtocol, mutation Mutation) (ValidationResult, error) {
	var producer, err = env.Producer(proto)
	if err != nil {
		return ValidationResult{}, err
	}
	consumer, err := env.Consumer(proto)
	if err != nil {
		return ValidationResult{}, err
	}
	log.WithField("protocol", proto).Info("starting traffic")
	return ProduceConsumeValidate(ctx, producer, consumer, mutation)
}

// Merge returns the ValidationResult of |r| and |other| taken together.
func (r ValidationResult) Merge(other ValidationResult) ValidationResult {
	var out = ValidationResult{
		Acked:       r.Acked + other.Acked,
		FailedSends: r.FailedSends + other.FailedSends,
		Consumed:    r.Consumed + other.Consumed,
		Duplicates:  r.Duplicates + other.Duplicates,
		Unacked:     r.Unacked + other.Unacked,
		Missing:     append(append([]int(nil), r.Missing...), other.Missing...),
		Invalid:     append(append([]string(nil), r.Invalid...), other.Invalid...),
	}
	sort.Ints(out.Missing)
	return out
}

// Run a Scenario in a new Env of |cfg|, returning its Report.
func Run(ctx context.Context, scenario Scenario, cfg RunConfig, output io.Writer) (Report, error) {
	var report = Report{Scenario: scenario.Name, Started: time.Now(), Config: cfg}

	var env, err = NewEnv(cfg, output)
	if err != nil {
		report.Error = err.Error()
		return report, err
	}
	log.WithFields(log.Fields{
		"scenario": scenario.Name,
		"brokers":  cfg.NumBrokers,
		"topic":    cfg.Topic,
		"protocol": cfg.SecurityProtocol,
	}).Info("running scenario")

	report.Result, err = scenario.Run(ctx, env)
	if closeErr := env.Close(); err == nil {
		err = closeErr
	}
	report.Duration = time.Since(report.Started).Round(time.Millisecond).String()

	if err != nil {
		report.Error = err.Error()
	}
	log.WithFields(log.Fields{
		"scenario": scenario.Name,
		"acked":    report.Result.Acked,
		"consumed": report.Result.Consumed,
		"missing":  len(report.Result.Missing),
		"took":     report.Duration,
		"err":      err,
	}).Info("scenario completed")

	return report, err
}
