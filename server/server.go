// Package server binds broker listeners. Each bound socket is multiplexed
// between a cleartext HTTP debug surface and Kafka wire protocol connections,
// which are encrypted with TLS if the listener's security protocol uses it.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/soheilhy/cmux"
	"go.gazette.dev/rollsec/protocol"
	"go.gazette.dev/rollsec/task"
	"golang.org/x/net/netutil"
)

// Handler serves a Kafka protocol connection, returning when the connection
// is closed or the context is done.
type Handler func(ctx context.Context, conn net.Conn)

// Server bundles HTTP and Kafka protocol servers, multiplexed over a single
// bound TCP socket (using CMux).
type Server struct {
	// Protocol of Kafka connections of the Server.
	Protocol protocol.SecurityProtocol
	// RawListener is the bound TCP listener of the Server.
	RawListener *net.TCPListener
	// CMux wraps RawListener to provide connection protocol multiplexing.
	CMux cmux.CMux
	// HTTPListener is a CMux Listener for HTTP connections.
	HTTPListener net.Listener
	// KafkaListener is a CMux Listener for Kafka protocol connections,
	// with TLS applied if Protocol uses it.
	KafkaListener net.Listener
	// HTTPMux is the http.ServeMux which is served by QueueTasks.
	HTTPMux *http.ServeMux
	// Ctx is cancelled when the Server is stopped.
	Ctx context.Context

	cancel context.CancelFunc
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
}

// New builds and returns a Server of the given TCP network interface |iface|
// and |port|, for Kafka connections of security protocol |proto|. |port| may
// be zero, in which case a random free port is assigned. |tlsConfig| is
// required if |proto| uses TLS. If |maxConns| is non-zero, it bounds the
// number of concurrent Kafka connections.
func New(iface string, port uint16, proto protocol.SecurityProtocol, tlsConfig *tls.Config, maxConns int) (*Server, error) {
	if err := proto.Validate(); err != nil {
		return nil, err
	} else if proto.UsesTLS() && tlsConfig == nil {
		return nil, errors.Errorf("protocol %s requires a TLS configuration", proto)
	}
	var addr = net.JoinHostPort(iface, strconv.Itoa(int(port)))

	var raw, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to bind service address (%s)", addr)
	}
	var ctx, cancel = context.WithCancel(context.Background())

	var srv = &Server{
		Protocol:    proto,
		RawListener: raw.(*net.TCPListener),
		HTTPMux:     http.NewServeMux(),
		Ctx:         ctx,
		cancel:      cancel,
		conns:       make(map[net.Conn]struct{}),
	}
	srv.CMux = cmux.New(tcpKeepAliveListener{srv.RawListener})

	srv.CMux.HandleError(func(err error) bool {
		if _, ok := err.(net.Error); !ok {
			log.WithField("err", err).Warn("failed to CMux client connection to a listener")
		}
		return true // Continue serving RawListener.
	})

	// Connections sending HTTP/1 verbs (GET, PUT, POST etc) are assumed to be
	// HTTP. All others are Kafka: a cleartext request begins with its size,
	// and a TLS connection with a handshake record.
	srv.HTTPListener = srv.CMux.Match(cmux.HTTP1Fast())
	srv.KafkaListener = srv.CMux.Match(cmux.Any())

	if maxConns != 0 {
		srv.KafkaListener = netutil.LimitListener(srv.KafkaListener, maxConns)
	}
	if proto.UsesTLS() {
		srv.KafkaListener = tls.NewListener(srv.KafkaListener, tlsConfig)
	}
	return srv, nil
}

// Endpoint of the Server, as "host:port".
func (s *Server) Endpoint() string { return s.RawListener.Addr().String() }

// Port of the Server.
func (s *Server) Port() int32 {
	return int32(s.RawListener.Addr().(*net.TCPAddr).Port)
}

// Listener returns the protocol.Listener advertising the Server at |host|.
func (s *Server) Listener(host string) protocol.Listener {
	return protocol.Listener{Protocol: s.Protocol, Host: host, Port: s.Port()}
}

// QueueTasks serving the CMux, HTTP, and Kafka component servers onto the
// task.Group. Kafka connections are each served by |handler| in their own
// goroutine. Upon cancellation of the task.Group, the Server stops accepting
// connections, closes connections it has accepted, and waits for their
// handlers to return.
func (s *Server) QueueTasks(tg *task.Group, handler Handler) {
	tg.Queue(fmt.Sprintf("CMux.Serve(%s)", s.Protocol), func() error {
		if err := s.CMux.Serve(); err != nil && s.Ctx.Err() == nil {
			return err
		}
		return nil // Swallow error after stop.
	})
	tg.Queue(fmt.Sprintf("http.Serve(%s)", s.Protocol), func() error {
		if err := http.Serve(s.HTTPListener, s.HTTPMux); err != nil && s.Ctx.Err() == nil {
			return err
		}
		return nil
	})
	tg.Queue(fmt.Sprintf("kafka.Serve(%s)", s.Protocol), func() error {
		return s.serveKafka(handler)
	})
	tg.Queue(fmt.Sprintf("server.Stop(%s)", s.Protocol), func() error {
		<-tg.Context().Done() // Block until task.Group is cancelled.
		s.Stop()
		return nil
	})
}

// Stop the Server: close its listener and all Kafka connections, and wait
// for their handlers to exit. Stop may be called more than once.
func (s *Server) Stop() {
	s.cancel()
	_ = s.RawListener.Close()

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Server) serveKafka(handler Handler) error {
	for {
		var conn, err = s.KafkaListener.Accept()
		if err != nil {
			if s.Ctx.Err() != nil {
				return nil
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return errors.Wrap(err, "accepting Kafka connection")
		}

		s.mu.Lock()
		if s.Ctx.Err() != nil {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer func() {
				_ = conn.Close()

				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				s.wg.Done()
			}()
			handler(s.Ctx, conn)
		}()
	}
}

// tcpKeepAliveListener sets TCP keep-alive timeouts on accepted connections,
// so that connections of departed peers eventually go away.
type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln tcpKeepAliveListener) Accept() (net.Conn, error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(30 * time.Second)
	return tc, nil
}
