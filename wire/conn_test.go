package wire

import (
	"bytes"
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.gazette.dev/rollsec/protocol"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, append(make([]byte, 4), "hello"...)))
	require.Equal(t, []byte{0, 0, 0, 5, 'h', 'e', 'l', 'l', 'o'}, buf.Bytes())

	var frame, err = ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(frame))

	_, err = ReadFrame(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}))
	require.EqualError(t, err, "invalid frame size (-1)")
}

func TestSkipTags(t *testing.T) {
	var b = kbin.AppendUvarint(nil, 2)
	b = kbin.AppendUvarint(b, 0)
	b = kbin.AppendUvarint(b, 3)
	b = append(b, "one"...)
	b = kbin.AppendUvarint(b, 1)
	b = kbin.AppendUvarint(b, 4)
	b = append(b, "four"...)
	b = kbin.AppendInt32(b, 7)

	var rd = kbin.Reader{Src: b}
	SkipTags(&rd)
	require.Equal(t, int32(7), rd.Int32())
	require.NoError(t, rd.Complete())
}

// fakeServer answers ApiVersions and Metadata requests, and counts accepted
// connections.
func fakeServer(t *testing.T) (string, *int32) {
	var ln, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var accepted = new(int32)
	go func() {
		for {
			var nc, err = ln.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(accepted, 1)
			go serveFake(nc)
		}
	}()
	return ln.Addr().String(), accepted
}

func serveFake(nc net.Conn) {
	defer nc.Close()

	for {
		var frame, err = ReadFrame(nc)
		if err != nil {
			return
		}
		var rd = kbin.Reader{Src: frame}
		var key, version, corrID = rd.Int16(), rd.Int16(), rd.Int32()
		rd.NullableString()

		var req = kmsg.RequestForKey(key)
		req.SetVersion(version)
		if req.IsFlexible() {
			SkipTags(&rd)
		}
		if req.ReadFrom(rd.Src) != nil {
			return
		}

		var resp kmsg.Response
		switch key {
		case kmsg.ApiVersions.Int16():
			var r = kmsg.NewPtrApiVersionsResponse()
			for _, k := range []kmsg.Key{kmsg.ApiVersions, kmsg.Metadata} {
				var ak = kmsg.NewApiVersionsResponseApiKey()
				ak.ApiKey, ak.MaxVersion = k.Int16(), 3
				r.ApiKeys = append(r.ApiKeys, ak)
			}
			resp = r
		case kmsg.Metadata.Int16():
			var r = kmsg.NewPtrMetadataResponse()
			r.ControllerID = 7
			resp = r
		default:
			return
		}
		resp.SetVersion(version)

		var out = kbin.AppendInt32(make([]byte, 4), corrID)
		if resp.IsFlexible() && key != kmsg.ApiVersions.Int16() {
			out = append(out, 0)
		}
		if WriteFrame(nc, resp.AppendTo(out)) != nil {
			return
		}
	}
}

func TestConnRequests(t *testing.T) {
	var addr, _ = fakeServer(t)
	var ctx = context.Background()

	var conn, err = Dialer{Protocol: protocol.Plaintext, ClientID: "test"}.Dial(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, addr, conn.Addr())

	// Requests are issued at the highest mutually supported version.
	var req = kmsg.NewPtrMetadataRequest()
	resp, err := conn.Request(ctx, req)
	require.NoError(t, err)
	require.Equal(t, int16(3), req.GetVersion())
	require.Equal(t, int32(7), resp.(*kmsg.MetadataResponse).ControllerID)

	_, err = conn.Request(ctx, kmsg.NewPtrFetchRequest())
	require.EqualError(t, err, "server doesn't support Fetch")
	require.False(t, conn.Broken())

	// A request which exceeds its deadline breaks the Conn.
	var cctx, cancel = context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer cancel()
	_, err = conn.Request(cctx, kmsg.NewPtrMetadataRequest())
	require.Error(t, err)
	require.True(t, conn.Broken())

	_, err = conn.Request(ctx, kmsg.NewPtrMetadataRequest())
	require.EqualError(t, err, "connection is broken")

	_, err = Dialer{Protocol: protocol.SSL}.Dial(ctx, addr)
	require.EqualError(t, err, "protocol SSL requires a TLS configuration")
	_, err = Dialer{Protocol: protocol.SASLPlaintext}.Dial(ctx, addr)
	require.EqualError(t, err, "protocol SASL_PLAINTEXT requires a SASL mechanism")
}

func TestPoolReusesAndReplacesConns(t *testing.T) {
	var addr, accepted = fakeServer(t)
	var ctx = context.Background()
	var pool = NewPool(Dialer{Protocol: protocol.Plaintext}, 2)
	defer pool.Close()

	var c1, err = pool.Get(ctx, addr)
	require.NoError(t, err)
	c2, err := pool.Get(ctx, addr)
	require.NoError(t, err)
	require.True(t, c1 == c2)

	// Broken Conns are replaced.
	var cctx, cancel = context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer cancel()
	_, _ = c1.Request(cctx, kmsg.NewPtrMetadataRequest())
	c3, err := pool.Get(ctx, addr)
	require.NoError(t, err)
	require.False(t, c1 == c3)

	pool.Evict(addr)
	c4, err := pool.Get(ctx, addr)
	require.NoError(t, err)
	require.False(t, c3 == c4)
	require.Equal(t, int32(3), atomic.LoadInt32(accepted))
}
