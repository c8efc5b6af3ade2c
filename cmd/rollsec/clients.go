package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.gazette.dev/rollsec/client"
	"go.gazette.dev/rollsec/kdc"
	mbp "go.gazette.dev/rollsec/mainboilerplate"
	"go.gazette.dev/rollsec/protocol"
	"go.gazette.dev/rollsec/systest"
)

// ClientConfig configures broker connections of the produce and consume commands.
type ClientConfig struct {
	Brokers        []string                  `long:"broker" env:"BROKERS" env-delim:"," default:"127.0.0.1:9092" description:"Brokers to bootstrap from, as host:port. May be repeated"`
	Protocol       protocol.SecurityProtocol `long:"security-protocol" env:"SECURITY_PROTOCOL" default:"PLAINTEXT" description:"Security protocol of broker connections"`
	Mechanism      protocol.Mechanism        `long:"mechanism" env:"MECHANISM" default:"SCRAM-SHA-512" description:"SASL mechanism"`
	Principal      string                    `long:"principal" env:"PRINCIPAL" default:"client" description:"Principal to authenticate as"`
	Ticket         string                    `long:"ticket" env:"TICKET" description:"Ticket of the OAUTHBEARER mechanism"`
	CredentialsDir string                    `long:"credentials-dir" env:"CREDENTIALS_DIR" default:"rollsec-credentials" description:"Directory of credentials exported by a broker"`
}

// security loads exported credentials, if the protocol requires them.
func (c ClientConfig) security() (client.Security, error) {
	var sec = client.Security{
		Protocol:  c.Protocol,
		Mechanism: c.Mechanism,
		Principal: c.Principal,
		Ticket:    c.Ticket,
	}
	if !c.Protocol.UsesTLS() && !c.Protocol.UsesSASL() {
		return sec, sec.Validate()
	}
	var creds, caPEM, err = kdc.LoadCredentials(afero.NewOsFs(), c.CredentialsDir)
	if err != nil {
		return sec, err
	}
	if c.Protocol.UsesTLS() {
		var pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return sec, errors.Errorf("no certificates found in %s", creds.CAFile)
		}
		sec.TLS = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	if c.Protocol.UsesSASL() && c.Mechanism != protocol.MechanismOAuthBearer {
		var found bool
		for _, p := range creds.Principals {
			if p.Name == c.Principal {
				sec.Password, found = p.Password, true
			}
		}
		if !found {
			return sec, errors.Errorf("principal %q is not in realm %s", c.Principal, creds.Realm)
		}
	}
	return sec, sec.Validate()
}

type cmdProduce struct {
	ClientConfig `group:"Client" namespace:"client" env-namespace:"CLIENT"`

	Topic       string `long:"topic" env:"TOPIC" default:"test_topic" description:"Topic to produce to"`
	Throughput  int    `long:"throughput" env:"THROUGHPUT" default:"1000" description:"Messages produced per second. Zero is unbounded"`
	MaxMessages int    `long:"max-messages" env:"MAX_MESSAGES" default:"0" description:"Messages to produce. Zero is unbounded"`
	Compression string `long:"compression" env:"COMPRESSION" default:"none" choice:"none" choice:"gzip" choice:"snappy" choice:"lz4" choice:"zstd" description:"Compression of produced batches"`
}

func (cmd *cmdProduce) Execute([]string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics, collectors()...)()
	mbp.InitLog(Config.Log)

	var sec, err = cmd.security()
	mbp.Must(err, "building client security")

	var producer = &client.VerifiableProducer{
		Topic:       cmd.Topic,
		Throughput:  cmd.Throughput,
		MaxMessages: cmd.MaxMessages,
		Brokers:     cmd.Brokers,
		Security:    sec,
		Compression: cmd.Compression,
	}
	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	go func() {
		<-ctx.Done()
		producer.Stop()
	}()
	var started = time.Now()
	err = producer.Run(context.Background())

	var stats = producer.Stats()
	log.WithFields(log.Fields{
		"acked":  humanize.Comma(int64(stats.Acked)),
		"failed": humanize.Comma(int64(stats.Failed)),
		"took":   time.Since(started).Round(time.Millisecond),
	}).Info("producer stopped")

	if err == nil && stats.Failed != 0 {
		err = errors.Errorf("failed to deliver values %s", systest.FormatRanges(producer.Failed()))
	}
	return err
}

type cmdConsume struct {
	ClientConfig `group:"Client" namespace:"client" env-namespace:"CLIENT"`

	Topic           string        `long:"topic" env:"TOPIC" default:"test_topic" description:"Topic to consume"`
	GroupID         string        `long:"group" env:"GROUP" default:"group" description:"Consumer group of committed offsets"`
	ConsumerTimeout time.Duration `long:"consumer-timeout" env:"CONSUMER_TIMEOUT" default:"60s" description:"Idle duration after which the consumer exits"`
	ValidateInts    bool          `long:"validate-ints" description:"Record messages which aren't integers as invalid"`
}

func (cmd *cmdConsume) Execute([]string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics, collectors()...)()
	mbp.InitLog(Config.Log)

	var sec, err = cmd.security()
	mbp.Must(err, "building client security")

	var consumer = &client.ConsoleConsumer{
		Topic:           cmd.Topic,
		GroupID:         cmd.GroupID,
		ConsumerTimeout: cmd.ConsumerTimeout,
		Brokers:         cmd.Brokers,
		Security:        sec,
	}
	if cmd.ValidateInts {
		consumer.MessageValidator = client.IsInt
	}
	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	go func() {
		<-ctx.Done()
		consumer.Stop()
	}()
	err = consumer.Run(context.Background())

	for _, v := range consumer.Consumed() {
		fmt.Println(v)
	}
	log.WithFields(log.Fields{
		"consumed": humanize.Comma(int64(consumer.NumConsumed())),
		"invalid":  len(consumer.Invalid()),
	}).Info("consumer stopped")

	return err
}
