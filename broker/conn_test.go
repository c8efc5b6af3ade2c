package broker

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	kscram "github.com/twmb/franz-go/pkg/sasl/scram"
	"go.gazette.dev/rollsec/protocol"
	"go.gazette.dev/rollsec/wire"
)

func TestParseRequestAndEncodeResponse(t *testing.T) {
	var req = kmsg.NewPtrMetadataRequest()
	req.SetVersion(9) // Flexible.
	var rt = kmsg.NewMetadataRequestTopic()
	rt.Topic = kmsg.StringPtr("test_topic")
	req.Topics = append(req.Topics, rt)

	var frame = kbin.AppendInt16(nil, req.Key())
	frame = kbin.AppendInt16(frame, 9)
	frame = kbin.AppendInt32(frame, 42)
	frame = kbin.AppendNullableString(frame, kmsg.StringPtr("client"))
	frame = append(frame, 0) // Header tags.
	frame = req.AppendTo(frame)

	var hdr, parsed, err = parseRequest(frame)
	require.NoError(t, err)
	require.Equal(t, int32(42), hdr.corrID)
	require.Equal(t, "client", *hdr.clientID)
	require.Equal(t, []kmsg.MetadataRequestTopic{rt}, parsed.(*kmsg.MetadataRequest).Topics)

	// Responses carry the correlation ID and a flexible header.
	var resp = kmsg.NewPtrMetadataResponse()
	resp.SetVersion(9)
	var out = encodeResponse(hdr, resp)
	var rd = kbin.Reader{Src: out[4:]}
	require.Equal(t, int32(42), rd.Int32())
	wire.SkipTags(&rd)
	require.NoError(t, rd.Complete())
	var decoded = kmsg.NewPtrMetadataResponse()
	decoded.SetVersion(9)
	require.NoError(t, decoded.ReadFrom(rd.Src))

	// Supported APIs at unsupported versions are distinguished.
	frame[3] = 13 // Metadata v13.
	_, _, err = parseRequest(frame)
	require.Equal(t, errUnsupportedVersion, err)

	frame[1] = 127 // Unknown API key.
	_, _, err = parseRequest(frame)
	require.EqualError(t, err, "unknown API key (127)")

	_, _, err = parseRequest(frame[:3])
	require.Error(t, err)
}

func TestSupportedVersions(t *testing.T) {
	require.True(t, supportsVersion(kmsg.Produce.Int16(), 9))
	require.False(t, supportsVersion(kmsg.Produce.Int16(), 2))
	require.True(t, supportsVersion(kmsg.SASLAuthenticate.Int16(), 0))
	require.False(t, supportsVersion(kmsg.JoinGroup.Int16(), 0))

	var resp = (&Broker{}).apiVersionsResponse()
	require.Len(t, resp.ApiKeys, len(apiVersions))
}

// serveTestConns serves client connections of |proto| until the test ends,
// returning the listener address.
func serveTestConns(t *testing.T, proto protocol.SecurityProtocol, creds Credentials) string {
	var ln, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var b = &Broker{cfg: Config{ID: 1}}
	var ctx, cancel = context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		for {
			var nc, err = ln.Accept()
			if err != nil {
				return
			}
			var c = &clientConn{
				b:        b,
				nc:       nc,
				listener: protocol.Listener{Protocol: proto, Host: "127.0.0.1", Port: 9092},
				sasl:     saslSession{creds: creds},
			}
			go func() {
				_ = c.serve(ctx)
				nc.Close()
			}()
		}
	}()
	return ln.Addr().String()
}

func TestConnSASLAuthentication(t *testing.T) {
	var a, p = newTestAuthority(t)
	var addr = serveTestConns(t, protocol.SASLPlaintext, a)
	var ctx = context.Background()

	for _, mech := range []sasl.Mechanism{
		plain.Auth{User: p.Name, Pass: p.Password}.AsMechanism(),
		kscram.Auth{User: p.Name, Pass: p.Password}.AsSha256Mechanism(),
		kscram.Auth{User: p.Name, Pass: p.Password}.AsSha512Mechanism(),
	} {
		var conn, err = wire.Dialer{Protocol: protocol.SASLPlaintext, SASL: mech}.Dial(ctx, addr)
		require.NoError(t, err, mech.Name())

		resp, err := conn.Request(ctx, kmsg.NewPtrApiVersionsRequest())
		require.NoError(t, err)
		require.Equal(t, int16(0), resp.(*kmsg.ApiVersionsResponse).ErrorCode)
		require.NoError(t, conn.Close())
	}

	// Bad credentials are refused.
	var _, err = wire.Dialer{
		Protocol: protocol.SASLPlaintext,
		SASL:     plain.Auth{User: p.Name, Pass: "wrong"}.AsMechanism(),
	}.Dial(ctx, addr)
	require.ErrorIs(t, err, kerr.SaslAuthenticationFailed)

	// Requests other than SASL's are refused before authentication.
	conn, err := wire.Dialer{Protocol: protocol.Plaintext}.Dial(ctx, addr)
	require.NoError(t, err)
	_, err = conn.Request(ctx, kmsg.NewPtrFindCoordinatorRequest())
	require.Error(t, err)
	require.True(t, conn.Broken())
}

func TestConnRejectsSASLOnPlaintext(t *testing.T) {
	var a, p = newTestAuthority(t)
	var addr = serveTestConns(t, protocol.Plaintext, a)

	var _, err = wire.Dialer{
		Protocol: protocol.SASLPlaintext,
		SASL:     plain.Auth{User: p.Name, Pass: p.Password}.AsMechanism(),
	}.Dial(context.Background(), addr)
	require.ErrorIs(t, err, kerr.IllegalSaslState)
}
