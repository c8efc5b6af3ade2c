package mainboilerplate

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/url"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"
)

// EtcdConfig configures the application Etcd session.
type EtcdConfig struct {
	Address       string        `long:"address" env:"ADDRESS" default:"http://localhost:2379" description:"Etcd service address endpoint"`
	Username      string        `long:"username" env:"USERNAME" default:"" description:"Etcd user. Used only once Etcd enforces authentication"`
	Password      string        `long:"password" env:"PASSWORD" default:"" description:"Password of the Etcd user"`
	CertFile      string        `long:"cert-file" env:"CERT_FILE" default:"" description:"Path to the client TLS certificate"`
	CertKeyFile   string        `long:"cert-key-file" env:"CERT_KEY_FILE" default:"" description:"Path to the client TLS private key"`
	TrustedCAFile string        `long:"trusted-ca-file" env:"TRUSTED_CA_FILE" default:"" description:"Path to the trusted CA for client verification of server certificates"`
	LeaseTTL      time.Duration `long:"lease" env:"LEASE_TTL" default:"10s" description:"Time-to-live of Etcd lease"`
}

// ClientConfig returns the clientv3.Config of the EtcdConfig.
//
// Credentials are passed even if the server doesn't yet enforce them: the
// client tolerates servers with authentication disabled, and begins to use
// its credentials as soon as the server enables authentication.
func (c *EtcdConfig) ClientConfig() (clientv3.Config, error) {
	var addr, err = url.Parse(c.Address)
	if err != nil {
		return clientv3.Config{}, errors.Wrapf(err, "parsing Etcd address %q", c.Address)
	}
	var tlsConfig *tls.Config

	if addr.Scheme == "https" {
		if tlsConfig, err = c.buildTLSConfig(); err != nil {
			return clientv3.Config{}, err
		}
	}
	var ttl = c.LeaseTTL
	if ttl == 0 {
		ttl = 10 * time.Second
	}

	return clientv3.Config{
		Endpoints: []string{c.Address},
		Username:  c.Username,
		Password:  c.Password,
		// Aggressive timeouts cycle quickly through member endpoints,
		// prior to our lease TTL expiring.
		DialTimeout:          ttl / 5,
		DialKeepAliveTime:    ttl / 4,
		DialKeepAliveTimeout: ttl / 4,
		TLS:                  tlsConfig,
	}, nil
}

// Dial builds an Etcd client. It doesn't wait for a connection.
func (c *EtcdConfig) Dial() (*clientv3.Client, error) {
	var cfg, err = c.ClientConfig()
	if err != nil {
		return nil, err
	}
	client, err := clientv3.New(cfg)
	return client, errors.Wrap(err, "building Etcd client")
}

// MustDial builds an Etcd client connection, blocking until Etcd is reachable.
func (c *EtcdConfig) MustDial() *clientv3.Client {
	var cfg, err = c.ClientConfig()
	Must(err, "invalid Etcd configuration")

	// Use a blocking dial to build a trial connection to Etcd. If we're
	// partitioned or mis-configured there's nothing actionable to do anyway
	// aside from wait (or be SIGTERM'd).
	var timer = time.AfterFunc(time.Second, func() {
		log.WithField("addr", c.Address).Warn("dialing Etcd is taking a while (is network okay?)")
	})
	var trial = cfg
	trial.DialTimeout = 0
	trial.DialOptions = []grpc.DialOption{grpc.WithBlock()}

	trialEtcd, err := clientv3.New(trial)
	Must(err, "failed to build trial Etcd client")
	_ = trialEtcd.Close()
	timer.Stop()

	etcd, err := clientv3.New(cfg)
	Must(err, "failed to build Etcd client")

	var ctx, cancel = context.WithTimeout(context.Background(), c.LeaseTTL)
	defer cancel()

	_, err = etcd.Get(ctx, "a-key-we-don't-expect-to-exist")
	Must(err, "initial Etcd request failed")
	return etcd
}

func (c *EtcdConfig) buildTLSConfig() (*tls.Config, error) {
	var cfg = &tls.Config{MinVersion: tls.VersionTLS12}

	if c.CertFile != "" {
		var cert, err = tls.LoadX509KeyPair(c.CertFile, c.CertKeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "loading Etcd client certificate")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if c.TrustedCAFile != "" {
		var pem, err = os.ReadFile(c.TrustedCAFile)
		if err != nil {
			return nil, errors.Wrap(err, "reading Etcd trusted CA")
		}
		cfg.RootCAs = x509.NewCertPool()
		if !cfg.RootCAs.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates found in %s", c.TrustedCAFile)
		}
	}
	return cfg, nil
}
