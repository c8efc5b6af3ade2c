package client

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.gazette.dev/rollsec/protocol"
)

func TestIsInt(t *testing.T) {
	for _, v := range []string{"0", "42", "-7", "9223372036854775807"} {
		require.NoError(t, IsInt([]byte(v)), v)
	}
	for _, v := range []string{"", "4.2", "0x10", " 1", "one", "9223372036854775808"} {
		require.Error(t, IsInt([]byte(v)), v)
	}
	require.EqualError(t, IsInt([]byte("abc")), `"abc" is not an integer`)
}

func TestSecurityValidation(t *testing.T) {
	var cases = []struct {
		s   Security
		err string
	}{
		{Security{Protocol: protocol.Plaintext}, ""},
		{Security{Protocol: "bogus"}, `unknown security protocol ("bogus")`},
		{Security{Protocol: protocol.SSL}, "protocol SSL requires a TLS configuration"},
		{Security{Protocol: protocol.SSL, TLS: &tls.Config{}}, ""},
		{Security{Protocol: protocol.SASLPlaintext, Mechanism: "GSSAPI"},
			`unsupported SASL mechanism ("GSSAPI")`},
		{Security{Protocol: protocol.SASLPlaintext, Mechanism: protocol.MechanismPlain},
			"PLAIN requires a Principal"},
		{Security{Protocol: protocol.SASLPlaintext, Mechanism: protocol.MechanismOAuthBearer},
			"OAUTHBEARER requires a Ticket"},
		{Security{Protocol: protocol.SASLSSL, TLS: &tls.Config{},
			Mechanism: protocol.MechanismSCRAMSHA512, Principal: "client", Password: "secret"}, ""},
		// Mechanisms are ignored by protocols without SASL.
		{Security{Protocol: protocol.Plaintext, Mechanism: "GSSAPI"}, ""},
	}
	for _, tc := range cases {
		if tc.err == "" {
			require.NoError(t, tc.s.Validate())
		} else {
			require.EqualError(t, tc.s.Validate(), tc.err)
		}
	}
}

func TestSecurityMechanisms(t *testing.T) {
	var s = Security{Protocol: protocol.Plaintext, Mechanism: protocol.MechanismPlain, Principal: "p"}
	require.Nil(t, s.SASL())

	s.Protocol = protocol.SASLPlaintext
	for _, m := range []protocol.Mechanism{
		protocol.MechanismPlain,
		protocol.MechanismSCRAMSHA256,
		protocol.MechanismSCRAMSHA512,
		protocol.MechanismOAuthBearer,
	} {
		s.Mechanism = m
		require.Equal(t, m.String(), s.SASL().Name())
	}
}

func TestSecurityOpts(t *testing.T) {
	var s = Security{Protocol: protocol.SASLSSL, TLS: &tls.Config{ServerName: "broker"},
		Mechanism: protocol.MechanismSCRAMSHA256, Principal: "client", Password: "secret"}

	var opts, err = s.Opts([]string{"127.0.0.1:9092"})
	require.NoError(t, err)
	require.Len(t, opts, 3) // Seeds, TLS, and SASL.

	s.Protocol = protocol.Plaintext
	opts, err = s.Opts([]string{"127.0.0.1:9092"})
	require.NoError(t, err)
	require.Len(t, opts, 1)

	_, err = s.Opts(nil)
	require.EqualError(t, err, "expected at least one bootstrap broker")

	s.Protocol = protocol.SSL
	s.TLS = nil
	_, err = s.Opts([]string{"127.0.0.1:9092"})
	require.EqualError(t, err, "protocol SSL requires a TLS configuration")
}

func TestCompressionCodecs(t *testing.T) {
	for _, name := range []string{"", "none", "gzip", "snappy", "lz4", "zstd"} {
		var _, err = compressionCodec(name)
		require.NoError(t, err, name)
	}
	var codec, _ = compressionCodec("")
	require.Equal(t, kgo.NoCompression(), codec)

	var _, err = compressionCodec("brotli")
	require.EqualError(t, err, `unknown compression codec "brotli"`)
}
