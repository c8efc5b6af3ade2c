package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.gazette.dev/rollsec/broker"
	"go.gazette.dev/rollsec/client"
	"go.gazette.dev/rollsec/kdc"
	mbp "go.gazette.dev/rollsec/mainboilerplate"
	"go.gazette.dev/rollsec/protocol"
)

type cmdServe struct {
	Broker struct {
		mbp.ServiceConfig
		Listeners       []string                  `long:"listener" env:"LISTENERS" env-delim:"," default:"PLAINTEXT://:9092" description:"Listeners to bind, as PROTOCOL://[host]:port. May be repeated"`
		InterBroker     protocol.SecurityProtocol `long:"inter-broker-protocol" env:"INTER_BROKER_PROTOCOL" default:"PLAINTEXT" description:"Security protocol between brokers"`
		ReplicaLagTime  time.Duration             `long:"replica-lag-time" env:"REPLICA_LAG_TIME" default:"10s" description:"Duration after which a lagging replica leaves the ISR"`
		MaxConnections  int                       `long:"max-connections" env:"MAX_CONNECTIONS" default:"0" description:"Maximum connections of each listener. Zero is unlimited"`
		ShutdownTimeout time.Duration             `long:"shutdown-timeout" env:"SHUTDOWN_TIMEOUT" default:"30s" description:"Bound on handing off partition leadership when stopping"`
		Topics          []string                  `long:"topic" env:"TOPICS" env-delim:"," description:"Topics to create if they don't exist, as NAME:PARTITIONS:REPLICATION_FACTOR[:MIN_ISR]. May be repeated"`
	} `group:"Broker" namespace:"broker" env-namespace:"BROKER"`

	Etcd struct {
		mbp.EtcdConfig
		Prefix string `long:"prefix" env:"PREFIX" default:"/rollsec/cluster" description:"Etcd base prefix for broker state and coordination"`
	} `group:"Etcd" namespace:"etcd" env-namespace:"ETCD"`

	Security struct {
		Realm          string             `long:"realm" env:"REALM" default:"ROLLSEC.LOCAL" description:"Realm of the broker's credential authority"`
		Mechanism      protocol.Mechanism `long:"mechanism" env:"MECHANISM" default:"SCRAM-SHA-512" description:"SASL mechanism of inter-broker connections"`
		Principals     []string           `long:"principal" env:"PRINCIPALS" env-delim:"," default:"client" description:"Client principals to provision. May be repeated"`
		CredentialsDir string             `long:"credentials-dir" env:"CREDENTIALS_DIR" default:"rollsec-credentials" description:"Directory to which the CA and client credentials are exported"`
	} `group:"Security" namespace:"security" env-namespace:"SECURITY"`
}

func (cmd *cmdServe) Execute([]string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics, collectors()...)()
	mbp.InitLog(Config.Log)

	cmd.Broker.Resolve()
	var cfg = broker.Config{
		ID:                  cmd.Broker.ID,
		Name:                cmd.Broker.Name,
		Host:                cmd.Broker.Host,
		Rack:                cmd.Broker.Rack,
		Root:                cmd.Etcd.Prefix,
		InterBrokerProtocol: cmd.Broker.InterBroker,
		ReplicaLagTime:      cmd.Broker.ReplicaLagTime,
		MaxConnections:      cmd.Broker.MaxConnections,
		SessionTTL:          cmd.Etcd.LeaseTTL,
		ShutdownTimeout:     cmd.Broker.ShutdownTimeout,
	}
	for _, s := range cmd.Broker.Listeners {
		var l, err = broker.ParseListener(s)
		mbp.Must(err, "parsing listener")
		cfg.Listeners = append(cfg.Listeners, l)
	}
	var topics []protocol.TopicSpec
	for _, s := range cmd.Broker.Topics {
		var spec, err = parseTopic(s)
		mbp.Must(err, "parsing topic")
		topics = append(topics, spec)
	}

	var authority = kdc.New(cmd.Security.Realm)
	mbp.Must(authority.Start(), "starting credential authority")
	defer authority.Stop()

	var sec, err = serveSecurity(authority, cfg, cmd.Security.Mechanism, cmd.Security.Principals)
	mbp.Must(err, "building broker security")

	creds, err := authority.Export(afero.NewOsFs(), cmd.Security.CredentialsDir)
	mbp.Must(err, "exporting credentials")
	log.WithFields(log.Fields{
		"dir":        cmd.Security.CredentialsDir,
		"principals": len(creds.Principals),
	}).Info("exported credentials")

	var etcd = cmd.Etcd.MustDial()
	defer etcd.Close()

	b, err := broker.New(cfg, sec, etcd, nil)
	mbp.Must(err, "building broker")

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	mbp.Must(b.Start(ctx), "starting broker")

	for _, spec := range topics {
		if _, err = broker.CreateTopic(ctx, etcd, cfg.Root, spec); errors.Is(err, broker.ErrTopicExists) {
			log.WithField("topic", spec.Name).Info("topic exists")
		} else {
			mbp.Must(err, "creating topic", "topic", spec.Name)
			log.WithField("topic", spec.Name).Info("created topic")
		}
	}

	select {
	case <-ctx.Done():
		log.Info("signaled to stop")
	case <-b.Done():
		log.Error("broker failed")
		os.Exit(1)
	}

	var stopCtx, stopCancel = context.WithTimeout(context.Background(), cfg.ShutdownTimeout+cfg.SessionTTL)
	defer stopCancel()

	mbp.Must(b.Stop(stopCtx), "stopping broker")
	log.Info("goodbye")
	return nil
}

// serveSecurity provisions the principals of clients and of the broker
// itself, and returns the broker's Security.
func serveSecurity(authority *kdc.Authority, cfg broker.Config, mech protocol.Mechanism, principals []string) (broker.Security, error) {
	for _, name := range principals {
		if _, err := authority.AddPrincipal(name); err != nil {
			return broker.Security{}, err
		}
	}
	var self, err = authority.AddPrincipal("broker-" + strconv.Itoa(int(cfg.ID)))
	if err != nil {
		return broker.Security{}, err
	}
	var sec = broker.Security{Credentials: authority}

	if sec.ServerTLS, err = authority.ServerTLSConfig(cfg.Host); err != nil {
		return sec, err
	} else if sec.ClientTLS, err = authority.ClientTLSConfig(); err != nil {
		return sec, err
	}
	if cfg.InterBrokerProtocol.UsesSASL() {
		if err = mech.Validate(); err != nil {
			return sec, err
		}
		var s = client.Security{
			Protocol:  cfg.InterBrokerProtocol,
			Mechanism: mech,
			Principal: self.Name,
			Password:  self.Password,
		}
		if mech == protocol.MechanismOAuthBearer {
			if s.Ticket, err = authority.IssueTicket(self.Name, 24*time.Hour); err != nil {
				return sec, err
			}
		}
		sec.InterBrokerSASL = s.SASL()
	}
	return sec, nil
}

// parseTopic parses a TopicSpec of form NAME:PARTITIONS:RF[:MIN_ISR].
// MIN_ISR defaults to one.
func parseTopic(s string) (protocol.TopicSpec, error) {
	var parts = strings.Split(s, ":")
	if len(parts) != 3 && len(parts) != 4 {
		return protocol.TopicSpec{}, errors.Errorf("topic %q is not of form NAME:PARTITIONS:REPLICATION_FACTOR[:MIN_ISR]", s)
	}
	var spec = protocol.TopicSpec{Name: parts[0], MinInsyncReplicas: 1}
	var nums = []*int32{&spec.Partitions, &spec.ReplicationFactor, &spec.MinInsyncReplicas}

	for i, p := range parts[1:] {
		var n, err = strconv.ParseInt(p, 10, 32)
		if err != nil {
			return protocol.TopicSpec{}, errors.Errorf("topic %q has an invalid number (%s)", s, p)
		}
		*nums[i] = int32(n)
	}
	return spec, spec.Validate()
}
