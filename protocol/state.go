package protocol

import (
	"net"
	"strconv"
)

// NoLeader is the Leader of a PartitionState having no elected leader.
const NoLeader int32 = -1

// Listener is an advertised broker endpoint.
type Listener struct {
	Protocol SecurityProtocol `yaml:"protocol"`
	Host     string           `yaml:"host"`
	Port     int32            `yaml:"port"`
}

// Address of the Listener, as "host:port".
func (l Listener) Address() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(int(l.Port)))
}

// Validate returns an error if the Listener is not well-formed.
func (l Listener) Validate() error {
	if err := l.Protocol.Validate(); err != nil {
		return ExtendContext(err, "Protocol")
	} else if l.Host == "" {
		return NewValidationError("expected Host")
	} else if l.Port <= 0 || l.Port > 65535 {
		return NewValidationError("invalid Port (%d)", l.Port)
	}
	return nil
}

// BrokerSpec is the registration of a live broker.
type BrokerSpec struct {
	ID                  int32            `yaml:"id"`
	Name                string           `yaml:"name"`
	Rack                string           `yaml:"rack,omitempty"`
	Listeners           []Listener       `yaml:"listeners"`
	InterBrokerProtocol SecurityProtocol `yaml:"inter_broker_protocol"`
	// Draining brokers are shutting down, and hand off leadership.
	Draining bool `yaml:"draining,omitempty"`
}

// Validate returns an error if the BrokerSpec is not well-formed.
func (s BrokerSpec) Validate() error {
	if s.ID < 0 {
		return NewValidationError("invalid ID (%d; expected >= 0)", s.ID)
	} else if len(s.Listeners) == 0 {
		return NewValidationError("expected at least one Listener")
	}
	var seen = make(map[SecurityProtocol]bool)
	for i, l := range s.Listeners {
		if err := l.Validate(); err != nil {
			return ExtendContext(err, "Listeners[%d]", i)
		} else if seen[l.Protocol] {
			return ExtendContext(NewValidationError("duplicate protocol (%s)", l.Protocol), "Listeners[%d]", i)
		}
		seen[l.Protocol] = true
	}
	if err := s.InterBrokerProtocol.Validate(); err != nil {
		return ExtendContext(err, "InterBrokerProtocol")
	} else if !seen[s.InterBrokerProtocol] {
		return NewValidationError("InterBrokerProtocol %s has no Listener", s.InterBrokerProtocol)
	}
	return nil
}

// Listener returns the Listener of the SecurityProtocol, if there is one.
func (s BrokerSpec) Listener(p SecurityProtocol) (Listener, bool) {
	for _, l := range s.Listeners {
		if l.Protocol == p {
			return l, true
		}
	}
	return Listener{}, false
}

// PartitionState is the coordinated leadership state of a partition.
type PartitionState struct {
	Leader      int32   `yaml:"leader"`
	LeaderEpoch int32   `yaml:"leader_epoch"`
	ISR         []int32 `yaml:"isr"`
	// ControllerEpoch is the election revision of the controller which last
	// elected a leader. Leaders updating the ISR carry it forward.
	ControllerEpoch int64 `yaml:"controller_epoch"`
}

// Validate returns an error if the PartitionState is not well-formed.
func (s PartitionState) Validate() error {
	if s.LeaderEpoch < 0 {
		return NewValidationError("invalid LeaderEpoch (%d; expected >= 0)", s.LeaderEpoch)
	} else if dup, ok := firstDuplicate(s.ISR); ok {
		return ExtendContext(NewValidationError("duplicate replica (%d)", dup), "ISR")
	} else if s.Leader != NoLeader && !s.InISR(s.Leader) {
		return NewValidationError("Leader %d is not in ISR %v", s.Leader, s.ISR)
	} else if s.Leader < NoLeader {
		return NewValidationError("invalid Leader (%d)", s.Leader)
	}
	return nil
}

// InISR returns whether |id| is a member of the ISR.
func (s PartitionState) InISR(id int32) bool {
	for _, r := range s.ISR {
		if r == id {
			return true
		}
	}
	return false
}

// CommittedOffset is a consumer group's committed position in a partition.
type CommittedOffset struct {
	Offset      int64  `yaml:"offset"`
	LeaderEpoch int32  `yaml:"leader_epoch"`
	Metadata    string `yaml:"metadata,omitempty"`
}

// Validate returns an error if the CommittedOffset is not well-formed.
func (o CommittedOffset) Validate() error {
	if o.Offset < 0 {
		return NewValidationError("invalid Offset (%d; expected >= 0)", o.Offset)
	}
	return nil
}
