package broker

import (
	"crypto/tls"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/xdg-go/scram"
	"go.gazette.dev/rollsec/protocol"
)

// ListenerConfig is a listener to bind.
type ListenerConfig struct {
	Protocol protocol.SecurityProtocol
	// Port to bind, or zero for a random free port.
	Port uint16
}

// ParseListener parses a listener of form "PROTOCOL://[host]:port". The host
// is ignored: listeners bind all interfaces and advertise Config.Host.
func ParseListener(s string) (ListenerConfig, error) {
	var ind = strings.Index(s, "://")
	if ind == -1 {
		return ListenerConfig{}, errors.Errorf("listener %q is not of form PROTOCOL://host:port", s)
	}
	var proto, err = protocol.ParseSecurityProtocol(s[:ind])
	if err != nil {
		return ListenerConfig{}, err
	}
	var rest = s[ind+3:]
	if ind = strings.LastIndexByte(rest, ':'); ind == -1 {
		return ListenerConfig{}, errors.Errorf("listener %q has no port", s)
	}
	port, err := strconv.ParseUint(rest[ind+1:], 10, 16)
	if err != nil {
		return ListenerConfig{}, errors.Errorf("listener %q has an invalid port", s)
	}
	return ListenerConfig{Protocol: proto, Port: uint16(port)}, nil
}

func (l ListenerConfig) String() string {
	return l.Protocol.String() + "://:" + strconv.Itoa(int(l.Port))
}

// Config of a Broker.
type Config struct {
	// ID of the broker, unique within its cluster.
	ID int32
	// Human-readable Name of the broker.
	Name string
	// Host advertised by the broker's listeners.
	Host string
	// Rack of the broker.
	Rack string
	// Root of the cluster's coordination keyspace.
	Root string
	// Listeners to bind.
	Listeners []ListenerConfig
	// InterBrokerProtocol is used by followers to fetch from leaders. It must
	// be the protocol of one of the Listeners.
	InterBrokerProtocol protocol.SecurityProtocol
	// ReplicaLagTime after which an ISR member which hasn't caught up is
	// removed from the ISR.
	ReplicaLagTime time.Duration
	// ReplicaFetchWait is the long-poll duration of follower fetches.
	ReplicaFetchWait time.Duration
	// ReplicaFetchMaxBytes bounds the batch bytes of a follower fetch.
	ReplicaFetchMaxBytes int32
	// MaxConnections of each listener, or zero for no limit.
	MaxConnections int
	// SessionTTL of the broker's coordination lease.
	SessionTTL time.Duration
	// ShutdownTimeout bounds the wait for a graceful Stop to hand off
	// partition leadership.
	ShutdownTimeout time.Duration
}

// Validate returns an error if the Config is not well-formed.
func (c Config) Validate() error {
	if c.ID < 0 {
		return errors.Errorf("invalid ID (%d; expected >= 0)", c.ID)
	} else if c.Host == "" {
		return errors.New("expected Host")
	} else if c.Root == "" || c.Root[0] != '/' {
		return errors.Errorf("invalid Root (%q; expected an absolute path)", c.Root)
	} else if len(c.Listeners) == 0 {
		return errors.New("expected at least one Listener")
	}
	var found bool
	for _, l := range c.Listeners {
		if err := l.Protocol.Validate(); err != nil {
			return errors.WithMessage(err, "Listeners")
		}
		found = found || l.Protocol == c.InterBrokerProtocol
	}
	if !found {
		return errors.Errorf("InterBrokerProtocol %s has no Listener", c.InterBrokerProtocol)
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.ReplicaLagTime == 0 {
		c.ReplicaLagTime = 10 * time.Second
	}
	if c.ReplicaFetchWait == 0 {
		c.ReplicaFetchWait = 500 * time.Millisecond
	}
	if c.ReplicaFetchMaxBytes == 0 {
		c.ReplicaFetchMaxBytes = 1 << 20
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = 10 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

// Credentials authenticate SASL clients.
type Credentials interface {
	// PlainPassword returns the password of a principal.
	PlainPassword(principal string) (string, bool)
	// SCRAMLookup returns a credential lookup of a SCRAM mechanism.
	SCRAMLookup(mech protocol.Mechanism) scram.CredentialLookup
	// VerifyTicket verifies an OAUTHBEARER ticket, returning its principal.
	VerifyTicket(ticket string) (string, error)
}

// Security material of a Broker. Fields are required only if a listener
// or the InterBrokerProtocol uses them.
type Security struct {
	// ServerTLS configures listeners which use TLS.
	ServerTLS *tls.Config
	// ClientTLS configures follower connections to leaders.
	ClientTLS *tls.Config
	// Credentials authenticate clients of listeners which use SASL.
	Credentials Credentials
	// InterBrokerSASL authenticates follower connections to leaders.
	InterBrokerSASL sasl.Mechanism
}

// Validate returns an error if the Security doesn't provide for |cfg|.
func (s Security) Validate(cfg Config) error {
	for _, l := range cfg.Listeners {
		if l.Protocol.UsesTLS() && s.ServerTLS == nil {
			return errors.Errorf("listener %s requires ServerTLS", l)
		} else if l.Protocol.UsesSASL() && s.Credentials == nil {
			return errors.Errorf("listener %s requires Credentials", l)
		}
	}
	if cfg.InterBrokerProtocol.UsesTLS() && s.ClientTLS == nil {
		return errors.Errorf("InterBrokerProtocol %s requires ClientTLS", cfg.InterBrokerProtocol)
	} else if cfg.InterBrokerProtocol.UsesSASL() && s.InterBrokerSASL == nil {
		return errors.Errorf("InterBrokerProtocol %s requires InterBrokerSASL", cfg.InterBrokerProtocol)
	}
	return nil
}
