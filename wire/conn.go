// Package wire is a minimal Kafka protocol client, which brokers use to
// replicate from partition leaders over the inter-broker security protocol.
package wire

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.gazette.dev/rollsec/protocol"
)

// MaxFrameSize bounds the size of a request or response frame.
const MaxFrameSize = 100 << 20

// Dialer dials Conns of a security protocol.
type Dialer struct {
	// Protocol of dialed connections.
	Protocol protocol.SecurityProtocol
	// TLS configuration, required if Protocol uses TLS.
	TLS *tls.Config
	// SASL mechanism, required if Protocol uses SASL.
	SASL sasl.Mechanism
	// ClientID sent with requests.
	ClientID string
	// Timeout of the dial, including TLS and SASL handshakes.
	Timeout time.Duration
}

// Conn is a connection to a Kafka protocol server. A Conn issues one
// request at a time; concurrent requests are serialized.
type Conn struct {
	nc       net.Conn
	addr     string
	clientID *string

	mu       sync.Mutex
	corrID   int32
	versions map[int16]int16
	broken   bool
}

// Dial a Conn to |addr|, negotiating API versions and authenticating if
// the Dialer's protocol requires it.
func (d Dialer) Dial(ctx context.Context, addr string) (*Conn, error) {
	if err := d.Protocol.Validate(); err != nil {
		return nil, err
	} else if d.Protocol.UsesTLS() && d.TLS == nil {
		return nil, errors.Errorf("protocol %s requires a TLS configuration", d.Protocol)
	} else if d.Protocol.UsesSASL() && d.SASL == nil {
		return nil, errors.Errorf("protocol %s requires a SASL mechanism", d.Protocol)
	}
	var timeout = d.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	var ctx2, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	var nd = net.Dialer{KeepAlive: 30 * time.Second}
	var nc, err = nd.DialContext(ctx2, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", addr)
	}

	if d.Protocol.UsesTLS() {
		var cfg = d.TLS.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName, _, _ = net.SplitHostPort(addr)
		}
		var tc = tls.Client(nc, cfg)
		if err = tc.HandshakeContext(ctx2); err != nil {
			_ = nc.Close()
			return nil, errors.Wrapf(err, "TLS handshake with %s", addr)
		}
		nc = tc
	}

	var clientID = d.ClientID
	var c = &Conn{nc: nc, addr: addr, clientID: &clientID}

	if err = c.negotiate(ctx2); err != nil {
		_ = nc.Close()
		return nil, err
	}
	if d.Protocol.UsesSASL() {
		if err = c.authenticate(ctx2, d.SASL); err != nil {
			_ = nc.Close()
			return nil, err
		}
	}
	return c, nil
}

// Addr of the Conn.
func (c *Conn) Addr() string { return c.addr }

// Broken returns whether a prior request failed at the transport level,
// leaving the Conn unusable.
func (c *Conn) Broken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}

// Close the Conn.
func (c *Conn) Close() error { return c.nc.Close() }

// Request issues |req| and returns its response. The request is issued at
// the highest version supported by both the client and server. A context
// which is done aborts the request, and breaks the Conn.
func (c *Conn) Request(ctx context.Context, req kmsg.Request) (kmsg.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken {
		return nil, errors.New("connection is broken")
	}
	var max, ok = c.versions[req.Key()]
	if !ok {
		return nil, errors.Errorf("server doesn't support %s", kmsg.NameForKey(req.Key()))
	} else if max > req.MaxVersion() {
		max = req.MaxVersion()
	}
	req.SetVersion(max)

	var resp, err = c.roundTrip(ctx, req)
	if err != nil {
		c.broken = true
	}
	return resp, err
}

func (c *Conn) roundTrip(ctx context.Context, req kmsg.Request) (kmsg.Response, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.nc.SetDeadline(dl)
	} else {
		_ = c.nc.SetDeadline(time.Time{})
	}
	var stop = context.AfterFunc(ctx, func() { _ = c.nc.SetDeadline(time.Now()) })
	defer stop()

	c.corrID++
	var corrID = c.corrID

	// Request header v1, or v2 if flexible.
	var buf = make([]byte, 4, 256)
	buf = kbin.AppendInt16(buf, req.Key())
	buf = kbin.AppendInt16(buf, req.GetVersion())
	buf = kbin.AppendInt32(buf, corrID)
	buf = kbin.AppendNullableString(buf, c.clientID)
	if req.IsFlexible() {
		buf = append(buf, 0) // Empty tag buffer.
	}
	buf = req.AppendTo(buf)
	binary.BigEndian.PutUint32(buf[:4], uint32(len(buf)-4))

	if _, err := c.nc.Write(buf); err != nil {
		return nil, c.wrapErr(ctx, err, "writing request")
	}

	var frame, err = ReadFrame(c.nc)
	if err != nil {
		return nil, c.wrapErr(ctx, err, "reading response")
	}
	var rd = kbin.Reader{Src: frame}
	if got := rd.Int32(); got != corrID {
		return nil, errors.Errorf("correlation ID mismatch (expected %d, got %d)", corrID, got)
	}

	var resp = req.ResponseKind()
	resp.SetVersion(req.GetVersion())

	// Response header v1 of flexible responses, other than ApiVersions.
	if resp.IsFlexible() && resp.Key() != int16(kmsg.ApiVersions) {
		SkipTags(&rd)
	}
	if err = rd.Complete(); err != nil {
		return nil, errors.Wrap(err, "decoding response header")
	} else if err = resp.ReadFrom(rd.Src); err != nil {
		return nil, errors.Wrapf(err, "decoding %s response", kmsg.NameForKey(req.Key()))
	}
	return resp, nil
}

func (c *Conn) wrapErr(ctx context.Context, err error, msg string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.Wrap(err, msg)
}

func (c *Conn) negotiate(ctx context.Context) error {
	var req = kmsg.NewPtrApiVersionsRequest()
	req.SetVersion(0)

	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return errors.WithMessage(err, "negotiating API versions")
	}
	var r = resp.(*kmsg.ApiVersionsResponse)
	if err = kerr.ErrorForCode(r.ErrorCode); err != nil {
		return errors.WithMessage(err, "negotiating API versions")
	}
	c.versions = make(map[int16]int16, len(r.ApiKeys))
	for _, k := range r.ApiKeys {
		c.versions[k.ApiKey] = k.MaxVersion
	}
	return nil
}

func (c *Conn) authenticate(ctx context.Context, mech sasl.Mechanism) error {
	var hs = kmsg.NewPtrSASLHandshakeRequest()
	hs.Mechanism = mech.Name()

	resp, err := c.Request(ctx, hs)
	if err != nil {
		return errors.WithMessage(err, "SASL handshake")
	} else if err = kerr.ErrorForCode(resp.(*kmsg.SASLHandshakeResponse).ErrorCode); err != nil {
		return errors.WithMessagef(err, "SASL handshake (%s)", mech.Name())
	}

	host, _, _ := net.SplitHostPort(c.addr)
	session, msg, err := mech.Authenticate(ctx, host)
	if err != nil {
		return errors.WithMessage(err, "starting SASL session")
	}
	for done := false; !done; {
		var auth = kmsg.NewPtrSASLAuthenticateRequest()
		auth.SASLAuthBytes = msg

		resp, err = c.Request(ctx, auth)
		if err != nil {
			return errors.WithMessage(err, "SASL authenticate")
		}
		var r = resp.(*kmsg.SASLAuthenticateResponse)
		if err = kerr.ErrorForCode(r.ErrorCode); err != nil {
			if r.ErrorMessage != nil {
				return errors.WithMessage(err, *r.ErrorMessage)
			}
			return err
		}
		if done, msg, err = session.Challenge(r.SASLAuthBytes); err != nil {
			return errors.WithMessage(err, "SASL challenge")
		}
	}
	log.WithFields(log.Fields{"addr": c.addr, "mechanism": mech.Name()}).Debug("authenticated connection")
	return nil
}

// ReadFrame reads a size-delimited protocol frame from |r|.
func ReadFrame(r io.Reader) ([]byte, error) {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return nil, err
	}
	var n = int32(binary.BigEndian.Uint32(size[:]))
	if n < 0 || n > MaxFrameSize {
		return nil, errors.Errorf("invalid frame size (%d)", n)
	}
	var frame = make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// WriteFrame writes |b|, which has four leading bytes reserved for its
// size, as a protocol frame.
func WriteFrame(w io.Writer, b []byte) error {
	binary.BigEndian.PutUint32(b[:4], uint32(len(b)-4))
	var _, err = w.Write(b)
	return err
}

// SkipTags skips over a tagged field buffer.
func SkipTags(rd *kbin.Reader) {
	for n := rd.Uvarint(); n > 0; n-- {
		_ = rd.Uvarint()
		rd.Span(int(rd.Uvarint()))
	}
}
