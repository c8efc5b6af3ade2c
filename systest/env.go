package systest

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/rollsec/client"
	"go.gazette.dev/rollsec/coordination"
	"go.gazette.dev/rollsec/kdc"
	"go.gazette.dev/rollsec/protocol"
)

// clientPrincipal is the principal of producers and consumers.
const clientPrincipal = "client"

// Env holds the services of a scenario run. Services are constructed
// stopped: scenarios start them in the order they require.
type Env struct {
	Config       RunConfig
	Authority    *kdc.Authority
	Coordination *coordination.Service
	Cluster      *ClusterService
}

// NewEnv returns an Env of the validated RunConfig. Coordination node
// output is written to |output|, which may be nil.
func NewEnv(cfg RunConfig, output io.Writer) (*Env, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "run config")
	}
	if output == nil {
		output = io.Discard
	}
	var svc, err = coordination.New(coordination.Config{
		Binary: cfg.EtcdBinary,
		Dir:    cfg.Dir,
		Output: output,
	})
	if err != nil {
		return nil, err
	}
	var authority = kdc.New("ROLLSEC.TEST")
	if _, err = authority.AddPrincipal(clientPrincipal); err != nil {
		return nil, err
	}

	return &Env{
		Config:       cfg,
		Authority:    authority,
		Coordination: svc,
		Cluster: &ClusterService{
			NumNodes:            cfg.NumBrokers,
			Host:                cfg.Host,
			Topics:              []protocol.TopicSpec{cfg.TopicSpec()},
			SecurityProtocol:    cfg.SecurityProtocol,
			InterBrokerProtocol: cfg.InterBroker,
			Mechanism:           cfg.Mechanism,
			Authority:           authority,
			Coordination:        svc,
		},
	}, nil
}

// Close stops every service of the Env.
func (e *Env) Close() error {
	var ctx, cancel = context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var err = e.Cluster.Stop(ctx)
	if closeErr := e.Coordination.Close(); err == nil {
		err = closeErr
	}
	e.Authority.Stop()

	if err != nil {
		log.WithField("err", err).Warn("failed to cleanly close scenario services")
	}
	return err
}

// Producer returns a VerifiableProducer of the Env's topic, which
// connects to brokers over |proto|.
func (e *Env) Producer(proto protocol.SecurityProtocol) (*client.VerifiableProducer, error) {
	var sec, err = e.clientSecurity(proto)
	if err != nil {
		return nil, err
	}
	return &client.VerifiableProducer{
		Topic:       e.Config.Topic,
		Throughput:  e.Config.Throughput,
		Brokers:     e.Cluster.BootstrapServers(proto),
		Security:    sec,
		Compression: e.Config.Compression,
	}, nil
}

// Consumer returns a ConsoleConsumer of the Env's topic and group, which
// connects to brokers over |proto| and validates that messages are integers.
func (e *Env) Consumer(proto protocol.SecurityProtocol) (*client.ConsoleConsumer, error) {
	var sec, err = e.clientSecurity(proto)
	if err != nil {
		return nil, err
	}
	return &client.ConsoleConsumer{
		Topic:            e.Config.Topic,
		GroupID:          e.Config.GroupID,
		ConsumerTimeout:  e.Config.ConsumerTimeout,
		MessageValidator: client.IsInt,
		Brokers:          e.Cluster.BootstrapServers(proto),
		Security:         sec,
	}, nil
}

func (e *Env) clientSecurity(proto protocol.SecurityProtocol) (client.Security, error) {
	var p, _ = e.Authority.Principal(clientPrincipal)
	var sec = client.Security{
		Protocol:  proto,
		Mechanism: e.Config.Mechanism,
		Principal: p.Name,
		Password:  p.Password,
	}
	var err error
	if proto.UsesTLS() {
		if sec.TLS, err = e.Authority.ClientTLSConfig(); err != nil {
			return sec, err
		}
	}
	if proto.UsesSASL() && sec.Mechanism == protocol.MechanismOAuthBearer {
		if sec.Ticket, err = e.Authority.IssueTicket(p.Name, 24*time.Hour); err != nil {
			return sec, err
		}
	}
	return sec, sec.Validate()
}
