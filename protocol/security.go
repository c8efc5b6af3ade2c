package protocol

import (
	"strings"
)

// SecurityProtocol of a listener or client connection.
type SecurityProtocol string

const (
	Plaintext     SecurityProtocol = "PLAINTEXT"
	SSL           SecurityProtocol = "SSL"
	SASLPlaintext SecurityProtocol = "SASL_PLAINTEXT"
	SASLSSL       SecurityProtocol = "SASL_SSL"
)

// SecurityProtocols lists all known protocols, in ascending order of strength.
var SecurityProtocols = []SecurityProtocol{Plaintext, SSL, SASLPlaintext, SASLSSL}

// ParseSecurityProtocol parses a case-insensitive protocol identifier.
func ParseSecurityProtocol(s string) (SecurityProtocol, error) {
	var p = SecurityProtocol(strings.ToUpper(strings.TrimSpace(s)))
	if err := p.Validate(); err != nil {
		return "", err
	}
	return p, nil
}

// Validate returns an error if the SecurityProtocol is not known.
func (p SecurityProtocol) Validate() error {
	for _, known := range SecurityProtocols {
		if p == known {
			return nil
		}
	}
	return NewValidationError("unknown security protocol (%q)", string(p))
}

// UsesTLS is true if connections are encrypted.
func (p SecurityProtocol) UsesTLS() bool { return p == SSL || p == SASLSSL }

// UsesSASL is true if connections must authenticate before issuing requests.
func (p SecurityProtocol) UsesSASL() bool { return p == SASLPlaintext || p == SASLSSL }

func (p SecurityProtocol) String() string { return string(p) }

// UnmarshalFlag implements flags.Unmarshaler.
func (p *SecurityProtocol) UnmarshalFlag(value string) error {
	var parsed, err = ParseSecurityProtocol(value)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Mechanism is a SASL authentication mechanism.
type Mechanism string

const (
	MechanismPlain       Mechanism = "PLAIN"
	MechanismSCRAMSHA256 Mechanism = "SCRAM-SHA-256"
	MechanismSCRAMSHA512 Mechanism = "SCRAM-SHA-512"
	MechanismOAuthBearer Mechanism = "OAUTHBEARER"
)

// Mechanisms lists the supported SASL mechanisms, in the order brokers
// advertise them.
var Mechanisms = []Mechanism{MechanismSCRAMSHA512, MechanismSCRAMSHA256, MechanismPlain, MechanismOAuthBearer}

// Validate returns an error if the Mechanism is not supported.
func (m Mechanism) Validate() error {
	for _, known := range Mechanisms {
		if m == known {
			return nil
		}
	}
	return NewValidationError("unsupported SASL mechanism (%q)", string(m))
}

// IsSCRAM is true of the SCRAM family.
func (m Mechanism) IsSCRAM() bool {
	return m == MechanismSCRAMSHA256 || m == MechanismSCRAMSHA512
}

func (m Mechanism) String() string { return string(m) }

// UnmarshalFlag implements flags.Unmarshaler.
func (m *Mechanism) UnmarshalFlag(value string) error {
	var mm = Mechanism(strings.ToUpper(strings.TrimSpace(value)))
	if err := mm.Validate(); err != nil {
		return err
	}
	*m = mm
	return nil
}
