// Package coordination runs a single etcd node as a child process, which
// brokers use for registration, leader election, and cluster state.
//
// A Service may be stopped and started again: its data directory persists
// across restarts, and so does its client endpoint.
package coordination

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.gazette.dev/rollsec/metrics"
)

// Config of a Service.
type Config struct {
	// Binary is the etcd executable. If empty, $ETCD_BIN or "etcd" on the
	// $PATH is used.
	Binary string
	// Dir holds the node's data and sockets. If empty, a temporary
	// directory is created and removed on Close.
	Dir string
	// StartTimeout bounds the wait for a started node to serve requests.
	StartTimeout time.Duration
	// StopGrace is the delay between SIGTERM and SIGKILL on Stop.
	StopGrace time.Duration
	// Output receives the node's stdout and stderr. Defaults to os.Stderr.
	Output io.Writer
}

// AuthConfig is the client authentication enforced by a Service.
type AuthConfig struct {
	// RootPassword of the "root" user, which administers the node.
	RootPassword string
	// Prefix to which Users are granted read-write access.
	Prefix string
	// Users and their passwords.
	Users map[string]string
}

// Service is a coordination node.
type Service struct {
	cfg     Config
	tempDir bool

	mu          sync.Mutex
	cmd         *exec.Cmd
	exited      chan struct{}
	auth        *AuthConfig
	authEnabled bool
	// rootPassword with which authentication was last enabled.
	rootPassword string
}

// ResolveBinary returns the path of the etcd binary to run.
func ResolveBinary() (string, error) {
	var bin = os.Getenv("ETCD_BIN")
	if bin == "" {
		bin = "etcd"
	}
	var path, err = exec.LookPath(bin)
	if err != nil {
		return "", errors.Wrap(err, "locating etcd")
	}
	return path, nil
}

// New returns a stopped Service of the Config.
func New(cfg Config) (*Service, error) {
	var s = &Service{cfg: cfg}
	var err error

	if s.cfg.Binary == "" {
		if s.cfg.Binary, err = ResolveBinary(); err != nil {
			return nil, err
		}
	}
	if s.cfg.Dir == "" {
		if s.cfg.Dir, err = os.MkdirTemp("", "rollsec-etcd"); err != nil {
			return nil, errors.Wrap(err, "creating data directory")
		}
		s.tempDir = true
	} else if s.cfg.Dir, err = filepath.Abs(s.cfg.Dir); err != nil {
		return nil, errors.Wrap(err, "resolving data directory")
	}
	if s.cfg.StartTimeout == 0 {
		s.cfg.StartTimeout = 30 * time.Second
	}
	if s.cfg.StopGrace == 0 {
		s.cfg.StopGrace = 10 * time.Second
	}
	if s.cfg.Output == nil {
		s.cfg.Output = os.Stderr
	}
	return s, nil
}

// Endpoint of the node's client socket, which the node binds relative to
// its working directory. It's stable across restarts.
func (s *Service) Endpoint() string {
	return "unix://" + filepath.Join(s.cfg.Dir, "client.sock") + ":0"
}

// SetAuth sets the client authentication enforced by the node, effective as
// of its next Start. A nil AuthConfig disables authentication.
func (s *Service) SetAuth(cfg *AuthConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg != nil {
		var c = *cfg
		cfg = &c
	}
	s.auth = cfg
}

// AuthEnabled returns whether the node enforces authentication.
func (s *Service) AuthEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authEnabled
}

// Running returns whether the node process is running.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running()
}

func (s *Service) running() bool {
	if s.cmd == nil {
		return false
	}
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// Start the node and wait for it to serve requests, then reconcile its
// authentication with the configured AuthConfig. Starting a running
// Service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running() {
		return nil
	}
	var cmd = exec.Command(s.cfg.Binary,
		"--name", "rollsec",
		"--data-dir", "data",
		"--listen-peer-urls", "unix://peer.sock:0",
		"--listen-client-urls", "unix://client.sock:0",
		"--advertise-client-urls", "unix://client.sock:0",
		"--initial-cluster", "rollsec=http://localhost:2380",
	)
	cmd.Env = append([]string{"ETCD_LOG_LEVEL=error", "ETCD_LOGGER=zap"}, os.Environ()...)
	cmd.Dir = s.cfg.Dir
	cmd.Stdout = s.cfg.Output
	cmd.Stderr = s.cfg.Output
	cmd.SysProcAttr = getSysProcAttr()

	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "starting etcd")
	}
	var exited = make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	s.cmd, s.exited = cmd, exited
	metrics.CoordinationStartsTotal.Inc()

	log.WithFields(log.Fields{
		"endpoint": s.Endpoint(),
		"pid":      cmd.Process.Pid,
	}).Info("started coordination node")

	if err := s.awaitReady(ctx); err != nil {
		s.stop()
		return err
	}
	if err := s.reconcileAuth(ctx); err != nil {
		s.stop()
		return err
	}
	return nil
}

// Stop the node, first with SIGTERM and then SIGKILL after the configured
// grace period. Stopping a stopped Service is a no-op.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running() {
		return nil
	}
	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return errors.Wrap(err, "signaling etcd")
	}
	select {
	case <-s.exited:
	case <-time.After(s.cfg.StopGrace):
		log.WithField("pid", s.cmd.Process.Pid).Warn("etcd didn't exit in time; killing")
		_ = s.cmd.Process.Kill()
		<-s.exited
	case <-ctx.Done():
		_ = s.cmd.Process.Kill()
		<-s.exited
		return ctx.Err()
	}
	log.WithField("endpoint", s.Endpoint()).Info("stopped coordination node")
	return nil
}

// Restart stops and then starts the node.
func (s *Service) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	return s.Start(ctx)
}

// Close stops the node and removes its data, if the data directory is
// temporary.
func (s *Service) Close() error {
	var err = s.Stop(context.Background())
	if s.tempDir {
		if rmErr := os.RemoveAll(s.cfg.Dir); err == nil {
			err = rmErr
		}
	}
	return err
}

// Client returns an administrative client of the node, authenticating as
// root if the node enforces authentication.
func (s *Service) Client() (*clientv3.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client(s.authEnabled)
}

func (s *Service) client(asRoot bool) (*clientv3.Client, error) {
	var cfg = clientv3.Config{
		Endpoints:   []string{s.Endpoint()},
		DialTimeout: 5 * time.Second,
	}
	if asRoot {
		cfg.Username, cfg.Password = rootUser, s.rootPassword
	}
	var client, err = clientv3.New(cfg)
	return client, errors.Wrap(err, "building etcd client")
}

// stop kills the node without grace, for use on failed starts.
func (s *Service) stop() {
	_ = s.cmd.Process.Kill()
	<-s.exited
}

func (s *Service) awaitReady(ctx context.Context) error {
	var deadline = time.Now().Add(s.cfg.StartTimeout)

	// Probe without credentials: an authentication failure still shows the
	// node is serving.
	var client, err = s.client(false)
	if err != nil {
		return err
	}
	defer client.Close()

	for attempt := 0; ; attempt++ {
		var probeCtx, cancel = context.WithTimeout(ctx, time.Second)
		_, err = client.Get(probeCtx, "health-probe")
		cancel()

		if err == nil || isAuthError(err) {
			return nil
		} else if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-s.exited:
			return errors.New("etcd exited during start-up")
		case <-time.After(100 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			return errors.Wrap(err, "etcd didn't become ready")
		}
		if attempt%20 == 19 {
			log.WithField("err", err).Info("waiting for coordination node to become ready")
		}
	}
}

func (s *Service) reconcileAuth(ctx context.Context) error {
	if s.auth == nil && !s.authEnabled {
		return nil
	}
	var client, err = s.client(s.authEnabled)
	if err != nil {
		return err
	}
	defer client.Close()

	if s.auth == nil {
		if _, err = client.AuthDisable(ctx); err != nil {
			return errors.Wrap(err, "disabling authentication")
		}
		s.authEnabled = false
		metrics.CoordinationAuthEnabled.Set(0)
		log.Info("disabled coordination authentication")
		return nil
	}
	if err = provision(ctx, client, *s.auth); err != nil {
		return err
	}
	s.rootPassword = s.auth.RootPassword

	if !s.authEnabled {
		if _, err = client.AuthEnable(ctx); err != nil {
			return errors.Wrap(err, "enabling authentication")
		}
		s.authEnabled = true
		metrics.CoordinationAuthEnabled.Set(1)
		log.WithField("users", len(s.auth.Users)).Info("enabled coordination authentication")
	}
	return nil
}

func (s *Service) String() string {
	return fmt.Sprintf("coordination.Service{%s}", s.Endpoint())
}
