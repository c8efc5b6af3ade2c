// Package client provides the verifiable producer and consumer of system
// tests, which stream sequential integers through a topic and record which
// were acknowledged and which were consumed.
package client

import (
	"crypto/tls"

	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/oauth"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
	"go.gazette.dev/rollsec/protocol"
)

// Security describes how a client connects and authenticates to brokers.
type Security struct {
	// Protocol of broker connections.
	Protocol protocol.SecurityProtocol
	// TLS configuration, required if Protocol uses TLS.
	TLS *tls.Config
	// Mechanism of SASL authentication, required if Protocol uses SASL.
	Mechanism protocol.Mechanism
	// Principal and Password of PLAIN and SCRAM mechanisms.
	Principal, Password string
	// Ticket of the OAUTHBEARER mechanism.
	Ticket string
}

// Validate returns an error if the Security is incomplete.
func (s Security) Validate() error {
	if err := s.Protocol.Validate(); err != nil {
		return err
	} else if s.Protocol.UsesTLS() && s.TLS == nil {
		return errors.Errorf("protocol %s requires a TLS configuration", s.Protocol)
	} else if !s.Protocol.UsesSASL() {
		return nil
	} else if err = s.Mechanism.Validate(); err != nil {
		return err
	} else if s.Mechanism == protocol.MechanismOAuthBearer && s.Ticket == "" {
		return errors.New("OAUTHBEARER requires a Ticket")
	} else if s.Mechanism != protocol.MechanismOAuthBearer && s.Principal == "" {
		return errors.Errorf("%s requires a Principal", s.Mechanism)
	}
	return nil
}

// SASL returns the sasl.Mechanism of the Security, or nil if its
// Protocol doesn't use SASL.
func (s Security) SASL() sasl.Mechanism {
	if !s.Protocol.UsesSASL() {
		return nil
	}
	switch s.Mechanism {
	case protocol.MechanismPlain:
		return plain.Auth{User: s.Principal, Pass: s.Password}.AsMechanism()
	case protocol.MechanismSCRAMSHA256:
		return scram.Auth{User: s.Principal, Pass: s.Password}.AsSha256Mechanism()
	case protocol.MechanismSCRAMSHA512:
		return scram.Auth{User: s.Principal, Pass: s.Password}.AsSha512Mechanism()
	case protocol.MechanismOAuthBearer:
		return oauth.Auth{Token: s.Ticket}.AsMechanism()
	}
	return nil
}

// Opts returns client options connecting to |brokers| with the Security.
func (s Security) Opts(brokers []string) ([]kgo.Opt, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	} else if len(brokers) == 0 {
		return nil, errors.New("expected at least one bootstrap broker")
	}
	var opts = []kgo.Opt{kgo.SeedBrokers(brokers...)}

	if s.Protocol.UsesTLS() {
		opts = append(opts, kgo.DialTLSConfig(s.TLS.Clone()))
	}
	if m := s.SASL(); m != nil {
		opts = append(opts, kgo.SASL(m))
	}
	return opts, nil
}
