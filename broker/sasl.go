package broker

import (
	"bytes"
	"crypto/subtle"
	"strings"

	"github.com/pkg/errors"
	"github.com/xdg-go/scram"
	"go.gazette.dev/rollsec/protocol"
)

// saslSession authenticates a client connection.
type saslSession struct {
	creds     Credentials
	mechanism protocol.Mechanism
	// raw is set by a v0 handshake, after which authentication tokens are
	// exchanged as bare frames rather than SaslAuthenticate requests.
	raw       bool
	conv      *scram.ServerConversation
	principal string
	done      bool
}

// begin a session of |mech|.
func (s *saslSession) begin(mech protocol.Mechanism, raw bool) error {
	if err := mech.Validate(); err != nil {
		return err
	} else if s.mechanism != "" {
		return errors.New("SASL handshake was already completed")
	}
	s.mechanism, s.raw = mech, raw
	return nil
}

// step consumes a client |token|, returning the server's response.
// The session is done once the client is authenticated.
func (s *saslSession) step(token []byte) ([]byte, error) {
	if s.mechanism == "" {
		return nil, errors.New("SASL handshake is required before authentication")
	} else if s.done {
		return nil, errors.New("SASL authentication was already completed")
	}

	switch s.mechanism {
	case protocol.MechanismPlain:
		var principal, err = s.plain(token)
		if err != nil {
			return nil, err
		}
		s.principal, s.done = principal, true
		return nil, nil

	case protocol.MechanismSCRAMSHA256, protocol.MechanismSCRAMSHA512:
		if s.conv == nil {
			var gen = scram.SHA256
			if s.mechanism == protocol.MechanismSCRAMSHA512 {
				gen = scram.SHA512
			}
			var srv, err = gen.NewServer(s.creds.SCRAMLookup(s.mechanism))
			if err != nil {
				return nil, err
			}
			s.conv = srv.NewConversation()
		}
		var resp, err = s.conv.Step(string(token))
		if err != nil {
			return nil, errors.Wrap(err, "SCRAM")
		} else if s.conv.Done() {
			if !s.conv.Valid() {
				return nil, errors.New("SCRAM: authentication failed")
			}
			s.principal, s.done = s.conv.Username(), true
		}
		return []byte(resp), nil

	case protocol.MechanismOAuthBearer:
		var ticket, err = bearerToken(token)
		if err != nil {
			return nil, err
		}
		principal, err := s.creds.VerifyTicket(ticket)
		if err != nil {
			return nil, err
		}
		s.principal, s.done = principal, true
		return nil, nil
	}
	return nil, errors.Errorf("unsupported SASL mechanism (%s)", s.mechanism)
}

// plain verifies a PLAIN message of "authzid NUL authcid NUL passwd".
func (s *saslSession) plain(token []byte) (string, error) {
	var parts = bytes.Split(token, []byte{0})
	if len(parts) != 3 {
		return "", errors.New("PLAIN: malformed message")
	}
	var authzid, user, password = string(parts[0]), string(parts[1]), parts[2]

	if authzid != "" && authzid != user {
		return "", errors.Errorf("PLAIN: authorization identity %q differs from %q", authzid, user)
	}
	var expect, ok = s.creds.PlainPassword(user)
	if !ok || subtle.ConstantTimeCompare([]byte(expect), password) != 1 {
		return "", errors.Errorf("PLAIN: invalid credentials of %q", user)
	}
	return user, nil
}

// bearerToken extracts the token of an OAUTHBEARER initial client response:
// a GS2 header, followed by \x01-separated key/value pairs.
func bearerToken(msg []byte) (string, error) {
	var fields = strings.Split(string(msg), "\x01")
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "n,") {
		return "", errors.New("OAUTHBEARER: malformed message")
	}
	for _, kv := range fields[1:] {
		if v, ok := strings.CutPrefix(kv, "auth="); ok {
			if token, ok := strings.CutPrefix(v, "Bearer "); ok && token != "" {
				return token, nil
			}
			return "", errors.New("OAUTHBEARER: expected a Bearer token")
		}
	}
	return "", errors.New("OAUTHBEARER: message has no auth value")
}
