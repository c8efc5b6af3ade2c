package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xdg-go/scram"
	"go.gazette.dev/rollsec/kdc"
	"go.gazette.dev/rollsec/protocol"
)

func newTestAuthority(t *testing.T) (*kdc.Authority, kdc.Principal) {
	var a = kdc.New("EXAMPLE.COM")
	require.NoError(t, a.Start())
	t.Cleanup(a.Stop)

	var p, err = a.AddPrincipal("client")
	require.NoError(t, err)
	return a, p
}

func TestSASLPlain(t *testing.T) {
	var a, p = newTestAuthority(t)

	var s = saslSession{creds: a}
	var _, err = s.step([]byte("\x00client\x00" + p.Password))
	require.EqualError(t, err, "SASL handshake is required before authentication")

	require.NoError(t, s.begin(protocol.MechanismPlain, false))
	require.EqualError(t, s.begin(protocol.MechanismPlain, false), "SASL handshake was already completed")

	_, err = s.step([]byte("\x00client\x00wrong"))
	require.EqualError(t, err, `PLAIN: invalid credentials of "client"`)
	_, err = s.step([]byte("client"))
	require.EqualError(t, err, "PLAIN: malformed message")
	_, err = s.step([]byte("other\x00client\x00" + p.Password))
	require.EqualError(t, err, `PLAIN: authorization identity "other" differs from "client"`)

	_, err = s.step([]byte("client\x00client\x00" + p.Password))
	require.NoError(t, err)
	require.True(t, s.done)
	require.Equal(t, "client", s.principal)

	_, err = s.step([]byte("\x00client\x00" + p.Password))
	require.EqualError(t, err, "SASL authentication was already completed")
}

func TestSASLSCRAM(t *testing.T) {
	var a, p = newTestAuthority(t)

	for _, tc := range []struct {
		mech protocol.Mechanism
		hash scram.HashGeneratorFcn
	}{
		{protocol.MechanismSCRAMSHA256, scram.SHA256},
		{protocol.MechanismSCRAMSHA512, scram.SHA512},
	} {
		var s = saslSession{creds: a}
		require.NoError(t, s.begin(tc.mech, true))
		require.True(t, s.raw)

		var cli, err = tc.hash.NewClient(p.Name, p.Password, "")
		require.NoError(t, err)
		var conv = cli.NewConversation()

		msg, err := conv.Step("")
		require.NoError(t, err)
		resp, err := s.step([]byte(msg))
		require.NoError(t, err)
		require.False(t, s.done)

		msg, err = conv.Step(string(resp))
		require.NoError(t, err)
		resp, err = s.step([]byte(msg))
		require.NoError(t, err)
		require.True(t, s.done)
		require.Equal(t, "client", s.principal)

		_, err = conv.Step(string(resp))
		require.NoError(t, err)
		require.True(t, conv.Valid())
	}

	// A wrong password fails at the client's final message.
	var s = saslSession{creds: a}
	require.NoError(t, s.begin(protocol.MechanismSCRAMSHA256, false))
	var cli, _ = scram.SHA256.NewClient(p.Name, "wrong", "")
	var conv = cli.NewConversation()

	msg, _ := conv.Step("")
	resp, err := s.step([]byte(msg))
	require.NoError(t, err)
	msg, _ = conv.Step(string(resp))
	_, err = s.step([]byte(msg))
	require.Error(t, err)
	require.False(t, s.done)
}

func TestSASLOAuthBearer(t *testing.T) {
	var a, _ = newTestAuthority(t)
	var ticket, err = a.IssueTicket("client", time.Minute)
	require.NoError(t, err)

	var s = saslSession{creds: a}
	require.NoError(t, s.begin(protocol.MechanismOAuthBearer, false))

	_, err = s.step([]byte("n,,\x01auth=Bearer bogus\x01\x01"))
	require.Error(t, err)

	_, err = s.step([]byte("n,,\x01auth=Bearer " + ticket + "\x01\x01"))
	require.NoError(t, err)
	require.Equal(t, "client", s.principal)
}

func TestBearerTokenParsing(t *testing.T) {
	var cases = []struct {
		msg, token, err string
	}{
		{"n,,\x01auth=Bearer abc\x01\x01", "abc", ""},
		{"n,a=user,\x01host=h\x01auth=Bearer xyz\x01\x01", "xyz", ""},
		{"y,,\x01auth=Bearer abc", "", "OAUTHBEARER: malformed message"},
		{"n,,\x01auth=Basic abc\x01", "", "OAUTHBEARER: expected a Bearer token"},
		{"n,,\x01host=h\x01", "", "OAUTHBEARER: message has no auth value"},
	}
	for _, tc := range cases {
		var token, err = bearerToken([]byte(tc.msg))
		if tc.err != "" {
			require.EqualError(t, err, tc.err)
		} else {
			require.NoError(t, err)
			require.Equal(t, tc.token, token)
		}
	}
}
