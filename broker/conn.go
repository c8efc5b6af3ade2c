package broker

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.gazette.dev/rollsec/metrics"
	"go.gazette.dev/rollsec/protocol"
	"go.gazette.dev/rollsec/server"
	"go.gazette.dev/rollsec/wire"
)

// apiVersions are the supported version ranges of each API.
var apiVersions = []struct {
	key      kmsg.Key
	min, max int16
}{
	{kmsg.Produce, 3, 9},
	{kmsg.Fetch, 4, 12},
	{kmsg.ListOffsets, 1, 7},
	{kmsg.Metadata, 0, 12},
	{kmsg.OffsetCommit, 2, 8},
	{kmsg.OffsetFetch, 1, 7},
	{kmsg.FindCoordinator, 0, 3},
	{kmsg.SASLHandshake, 0, 1},
	{kmsg.ApiVersions, 0, 3},
	{kmsg.CreateTopics, 0, 4},
	{kmsg.OffsetForLeaderEpoch, 0, 4},
	{kmsg.SASLAuthenticate, 0, 2},
}

func supportsVersion(key, version int16) bool {
	for _, v := range apiVersions {
		if v.key.Int16() == key {
			return version >= v.min && version <= v.max
		}
	}
	return false
}

// requestHeader is the header of a Kafka protocol request.
type requestHeader struct {
	key      int16
	version  int16
	corrID   int32
	clientID *string
}

var errUnsupportedVersion = errors.New("unsupported API version")

// parseRequest parses a request |frame|. If the request's API is supported
// but not at its version, the header is returned with errUnsupportedVersion.
func parseRequest(frame []byte) (requestHeader, kmsg.Request, error) {
	var rd = kbin.Reader{Src: frame}
	var hdr = requestHeader{
		key:      rd.Int16(),
		version:  rd.Int16(),
		corrID:   rd.Int32(),
		clientID: rd.NullableString(),
	}
	if err := rd.Complete(); err != nil {
		return hdr, nil, errors.Wrap(err, "decoding request header")
	}
	var req = kmsg.RequestForKey(hdr.key)
	if req == nil {
		return hdr, nil, errors.Errorf("unknown API key (%d)", hdr.key)
	} else if !supportsVersion(hdr.key, hdr.version) {
		return hdr, nil, errUnsupportedVersion
	}
	req.SetVersion(hdr.version)

	if req.IsFlexible() {
		wire.SkipTags(&rd)
	}
	if err := rd.Complete(); err != nil {
		return hdr, nil, errors.Wrap(err, "decoding request header tags")
	} else if err := req.ReadFrom(rd.Src); err != nil {
		return hdr, nil, errors.Wrapf(err, "decoding %s v%d request", kmsg.NameForKey(hdr.key), hdr.version)
	}
	return hdr, req, nil
}

// encodeResponse encodes a response frame of |resp| to the request of |hdr|.
func encodeResponse(hdr requestHeader, resp kmsg.Response) []byte {
	var buf = make([]byte, 4, 512)
	buf = kbin.AppendInt32(buf, hdr.corrID)

	// Flexible responses carry a header tag buffer, other than ApiVersions.
	if resp.IsFlexible() && resp.Key() != kmsg.ApiVersions.Int16() {
		buf = append(buf, 0)
	}
	return resp.AppendTo(buf)
}

// clientConn is a client connection to a listener.
type clientConn struct {
	b        *Broker
	nc       net.Conn
	listener protocol.Listener
	sasl     saslSession
}

// serveConn returns the Handler of client connections to |srv|.
func (b *Broker) serveConn(srv *server.Server) server.Handler {
	return func(ctx context.Context, nc net.Conn) {
		metrics.BrokerConnectionsTotal.WithLabelValues(srv.Protocol.String()).Inc()

		var c = &clientConn{
			b:        b,
			nc:       nc,
			listener: srv.Listener(b.cfg.Host),
			sasl:     saslSession{creds: b.sec.Credentials},
		}
		if err := c.serve(ctx); err != nil && ctx.Err() == nil {
			log.WithFields(log.Fields{
				"id":       b.cfg.ID,
				"protocol": srv.Protocol,
				"remote":   nc.RemoteAddr(),
				"err":      err,
			}).Debug("closing client connection")
		}
	}
}

// authenticated returns whether requests may be served.
func (c *clientConn) authenticated() bool {
	return !c.listener.Protocol.UsesSASL() || c.sasl.done
}

func (c *clientConn) serve(ctx context.Context) error {
	for {
		var frame, err = wire.ReadFrame(c.nc)
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}

		if c.sasl.raw && !c.sasl.done {
			if err = c.serveRawSASL(frame); err != nil {
				return err
			}
			continue
		}

		hdr, req, err := parseRequest(frame)
		if errors.Is(err, errUnsupportedVersion) && hdr.key == kmsg.ApiVersions.Int16() {
			// Clients retry at a version the response says we support,
			// which is encoded at v0.
			var resp = c.b.apiVersionsResponse()
			resp.ErrorCode = kerr.UnsupportedVersion.Code
			hdr.version = 0
			resp.SetVersion(0)

			if err = wire.WriteFrame(c.nc, encodeResponse(hdr, resp)); err != nil {
				return err
			}
			continue
		} else if err != nil {
			return err
		}

		if !c.authenticated() && !saslRequest(hdr.key) {
			return errors.Errorf("unexpected %s request before SASL authentication",
				kmsg.NameForKey(hdr.key))
		}

		var started = time.Now()
		resp, closeAfter := c.handle(ctx, req)

		var status = metrics.Ok
		if closeAfter {
			status = metrics.Fail
		}
		metrics.BrokerRequestsTotal.WithLabelValues(kmsg.NameForKey(hdr.key), status).Inc()

		if hdr.key == kmsg.Produce.Int16() {
			metrics.BrokerProduceLatency.Observe(time.Since(started).Seconds())
		}
		if resp != nil {
			resp.SetVersion(hdr.version)
			if err = wire.WriteFrame(c.nc, encodeResponse(hdr, resp)); err != nil {
				return err
			}
		}
		if closeAfter {
			return errors.Errorf("closing after failed %s", kmsg.NameForKey(hdr.key))
		}
	}
}

func saslRequest(key int16) bool {
	switch kmsg.Key(key) {
	case kmsg.ApiVersions, kmsg.SASLHandshake, kmsg.SASLAuthenticate:
		return true
	}
	return false
}

// handle a request, returning its response (nil if the request expects
// none) and whether the connection should then be closed.
func (c *clientConn) handle(ctx context.Context, req kmsg.Request) (kmsg.Response, bool) {
	switch r := req.(type) {
	case *kmsg.ApiVersionsRequest:
		return c.b.apiVersionsResponse(), false
	case *kmsg.SASLHandshakeRequest:
		return c.handleSASLHandshake(r)
	case *kmsg.SASLAuthenticateRequest:
		return c.handleSASLAuthenticate(r)
	case *kmsg.MetadataRequest:
		return c.b.handleMetadata(c.listener.Protocol, r), false
	case *kmsg.ProduceRequest:
		var resp = c.b.handleProduce(ctx, r)
		if resp == nil {
			return nil, false // Acks of zero.
		}
		return resp, false
	case *kmsg.FetchRequest:
		return c.b.handleFetch(ctx, r), false
	case *kmsg.ListOffsetsRequest:
		return c.b.handleListOffsets(r), false
	case *kmsg.OffsetForLeaderEpochRequest:
		return c.b.handleOffsetForLeaderEpoch(r), false
	case *kmsg.FindCoordinatorRequest:
		return c.b.handleFindCoordinator(c.listener, r), false
	case *kmsg.OffsetCommitRequest:
		return c.b.handleOffsetCommit(ctx, r), false
	case *kmsg.OffsetFetchRequest:
		return c.b.handleOffsetFetch(ctx, r), false
	case *kmsg.CreateTopicsRequest:
		return c.b.handleCreateTopics(ctx, r), false
	}
	return nil, true
}

func (b *Broker) apiVersionsResponse() *kmsg.ApiVersionsResponse {
	var resp = kmsg.NewPtrApiVersionsResponse()
	for _, v := range apiVersions {
		var k = kmsg.NewApiVersionsResponseApiKey()
		k.ApiKey, k.MinVersion, k.MaxVersion = v.key.Int16(), v.min, v.max
		resp.ApiKeys = append(resp.ApiKeys, k)
	}
	return resp
}

func (c *clientConn) handleSASLHandshake(req *kmsg.SASLHandshakeRequest) (kmsg.Response, bool) {
	var resp = kmsg.NewPtrSASLHandshakeResponse()
	for _, m := range protocol.Mechanisms {
		resp.SupportedMechanisms = append(resp.SupportedMechanisms, m.String())
	}

	if !c.listener.Protocol.UsesSASL() {
		resp.ErrorCode = kerr.IllegalSaslState.Code
	} else if err := c.sasl.begin(protocol.Mechanism(req.Mechanism), req.Version == 0); err != nil {
		if c.sasl.mechanism != "" {
			resp.ErrorCode = kerr.IllegalSaslState.Code
		} else {
			resp.ErrorCode = kerr.UnsupportedSaslMechanism.Code
		}
	}
	return resp, resp.ErrorCode != 0
}

func (c *clientConn) handleSASLAuthenticate(req *kmsg.SASLAuthenticateRequest) (kmsg.Response, bool) {
	var resp = kmsg.NewPtrSASLAuthenticateResponse()

	if !c.listener.Protocol.UsesSASL() || c.sasl.mechanism == "" || c.sasl.raw {
		resp.ErrorCode = kerr.IllegalSaslState.Code
		return resp, true
	}
	var challenge, err = c.sasl.step(req.SASLAuthBytes)
	if err != nil {
		c.authFailed(err)
		resp.ErrorCode = kerr.SaslAuthenticationFailed.Code
		resp.ErrorMessage = kmsg.StringPtr(err.Error())
		return resp, true
	}
	resp.SASLAuthBytes = challenge
	c.authSucceeded()
	return resp, false
}

// serveRawSASL exchanges a bare authentication token, following a v0
// SaslHandshake. A failed exchange closes the connection.
func (c *clientConn) serveRawSASL(token []byte) error {
	var challenge, err = c.sasl.step(token)
	if err != nil {
		c.authFailed(err)
		return err
	}
	c.authSucceeded()

	var buf = append(make([]byte, 4, 4+len(challenge)), challenge...)
	return wire.WriteFrame(c.nc, buf)
}

func (c *clientConn) authSucceeded() {
	if !c.sasl.done {
		return // Further steps are required.
	}
	metrics.BrokerSASLAuthTotal.WithLabelValues(c.sasl.mechanism.String(), metrics.Ok).Inc()
	log.WithFields(log.Fields{
		"id":        c.b.cfg.ID,
		"principal": c.sasl.principal,
		"mechanism": c.sasl.mechanism,
		"remote":    c.nc.RemoteAddr(),
	}).Debug("authenticated client")
}

func (c *clientConn) authFailed(err error) {
	metrics.BrokerSASLAuthTotal.WithLabelValues(c.sasl.mechanism.String(), metrics.Fail).Inc()
	log.WithFields(log.Fields{
		"id":        c.b.cfg.ID,
		"mechanism": c.sasl.mechanism,
		"remote":    c.nc.RemoteAddr(),
		"err":       err,
	}).Warn("client authentication failed")
}
