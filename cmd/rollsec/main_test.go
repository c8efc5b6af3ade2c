package main

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/rollsec/broker"
	"go.gazette.dev/rollsec/kdc"
	"go.gazette.dev/rollsec/protocol"
)

func TestParseTopic(t *testing.T) {
	var spec, err = parseTopic("events:3:2")
	require.NoError(t, err)
	require.Equal(t, protocol.TopicSpec{Name: "events", Partitions: 3, ReplicationFactor: 2, MinInsyncReplicas: 1}, spec)

	spec, err = parseTopic("events:3:3:2")
	require.NoError(t, err)
	require.Equal(t, int32(2), spec.MinInsyncReplicas)

	_, err = parseTopic("events:3")
	require.EqualError(t, err, `topic "events:3" is not of form NAME:PARTITIONS:REPLICATION_FACTOR[:MIN_ISR]`)
	_, err = parseTopic("events:three:1")
	require.EqualError(t, err, `topic "events:three:1" has an invalid number (three)`)
	_, err = parseTopic("events:0:1")
	require.Error(t, err)
}

func TestClientSecurityFromExportedCredentials(t *testing.T) {
	var authority = kdc.New("CMD.TEST")
	require.NoError(t, authority.Start())
	defer authority.Stop()

	var cfg = broker.Config{ID: 7, Host: "127.0.0.1", InterBrokerProtocol: protocol.SASLSSL}
	var sec, err = serveSecurity(authority, cfg, protocol.MechanismSCRAMSHA256, []string{"client"})
	require.NoError(t, err)
	require.NotNil(t, sec.ServerTLS)
	require.NotNil(t, sec.InterBrokerSASL)
	require.Equal(t, []string{"broker-7", "client"}, authority.Principals())

	var dir = t.TempDir()
	_, err = authority.Export(afero.NewOsFs(), dir)
	require.NoError(t, err)

	var cc = ClientConfig{
		Protocol:       protocol.SASLSSL,
		Mechanism:      protocol.MechanismSCRAMSHA512,
		Principal:      "client",
		CredentialsDir: dir,
	}
	cs, err := cc.security()
	require.NoError(t, err)
	require.NotNil(t, cs.TLS)

	var p, _ = authority.Principal("client")
	require.Equal(t, p.Password, cs.Password)

	cc.Principal = "other"
	_, err = cc.security()
	require.EqualError(t, err, `principal "other" is not in realm CMD.TEST`)

	// PLAINTEXT needs no credentials.
	cs, err = ClientConfig{Protocol: protocol.Plaintext, CredentialsDir: "/does/not/exist"}.security()
	require.NoError(t, err)
	require.Nil(t, cs.TLS)
}
