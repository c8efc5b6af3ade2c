package systest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.gazette.dev/rollsec/broker"
	"go.gazette.dev/rollsec/client"
	"go.gazette.dev/rollsec/coordination"
	"go.gazette.dev/rollsec/kdc"
	mbp "go.gazette.dev/rollsec/mainboilerplate"
	"go.gazette.dev/rollsec/protocol"
)

// ClusterService is a cluster of in-process brokers, coordinated through a
// coordination.Service. Each broker keeps its partition logs and listener
// ports across restarts, and authenticates to the coordination node with
// credentials it carries from the start, whether or not the node enforces
// them.
//
// Configuration fields are read as each broker starts, so a change is
// rolled out by restarting brokers one at a time. ClusterService is not
// safe for concurrent use, other than BootstrapServers and WaitForISR.
type ClusterService struct {
	// NumNodes is the number of brokers.
	NumNodes int
	// Root of the cluster's coordination keyspace. If empty, a root is
	// generated by Start.
	Root string
	// Host which brokers advertise. Defaults to "127.0.0.1".
	Host string
	// Topics created by Start.
	Topics []protocol.TopicSpec
	// SecurityProtocol of client connections. Start opens its port.
	SecurityProtocol protocol.SecurityProtocol
	// InterBrokerProtocol of follower connections. Start opens its port.
	InterBrokerProtocol protocol.SecurityProtocol
	// Mechanism with which brokers authenticate to one another.
	Mechanism protocol.Mechanism
	// Authority issues broker certificates and principals. It's required
	// if any opened protocol uses TLS or SASL, and must be started first.
	Authority *kdc.Authority
	// Coordination node of the cluster, which must be started first.
	Coordination *coordination.Service
	// Configure, if set, adjusts the Config of each starting broker.
	Configure func(*broker.Config)

	mu               sync.Mutex
	nodes            []*node
	open             map[protocol.SecurityProtocol]bool
	coordinationSASL bool
	rootPassword     string
}

// node is a broker slot of the cluster.
type node struct {
	id        int32
	name      string
	alias     string
	principal kdc.Principal
	store     *broker.Store
	ports     map[protocol.SecurityProtocol]uint16
	etcd      *clientv3.Client
	mutations []func(*broker.Config)
	broker    *broker.Broker
}

// Start the cluster: start every broker, create Topics, and wait for their
// partitions to be fully replicated.
func (c *ClusterService) Start(ctx context.Context) error {
	if c.NumNodes < 1 {
		return errors.Errorf("invalid NumNodes (%d)", c.NumNodes)
	} else if c.Coordination == nil {
		return errors.New("expected a Coordination service")
	} else if c.nodes != nil {
		return errors.New("cluster was already started")
	} else if err := c.SecurityProtocol.Validate(); err != nil {
		return protocol.ExtendContext(err, "SecurityProtocol")
	} else if err = c.InterBrokerProtocol.Validate(); err != nil {
		return protocol.ExtendContext(err, "InterBrokerProtocol")
	}
	if c.Root == "" {
		c.Root = "/rollsec/" + petname.Generate(2, "-")
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Mechanism == "" {
		c.Mechanism = protocol.MechanismSCRAMSHA512
	}
	c.OpenPort(c.SecurityProtocol)
	c.OpenPort(c.InterBrokerProtocol)

	for i := 0; i != c.NumNodes; i++ {
		var n, err = c.newNode(int32(i))
		if err != nil {
			_ = c.Stop(ctx)
			return err
		}
		c.mu.Lock()
		c.nodes = append(c.nodes, n)
		c.mu.Unlock()
	}
	c.SetCoordinationSASL(c.coordinationSASL)

	for i := range c.nodes {
		if err := c.StartNode(ctx, i); err != nil {
			_ = c.Stop(ctx)
			return err
		}
	}
	for _, spec := range c.Topics {
		var _, err = broker.CreateTopic(ctx, c.nodes[0].etcd, c.Root, spec)
		if err != nil && !errors.Is(err, broker.ErrTopicExists) {
			return errors.WithMessagef(err, "creating topic %s", spec.Name)
		}
		if err = c.WaitForISR(ctx, spec.Name); err != nil {
			return err
		}
	}
	log.WithFields(log.Fields{
		"root":    c.Root,
		"brokers": c.NumNodes,
		"topics":  len(c.Topics),
	}).Info("started cluster")
	return nil
}

func (c *ClusterService) newNode(id int32) (*node, error) {
	var n = &node{
		id:    id,
		name:  fmt.Sprintf("broker-%d", id),
		alias: petname.Generate(2, "-"),
		store: broker.NewStore(),
		ports: make(map[protocol.SecurityProtocol]uint16),
	}
	if c.Authority != nil {
		var p, err = c.Authority.AddPrincipal(n.name)
		if err != nil {
			return nil, err
		}
		n.principal = p
	} else {
		n.principal = kdc.Principal{Name: n.name, Password: uuid.NewString()}
	}

	var etcdCfg = mbp.EtcdConfig{
		Address:  c.Coordination.Endpoint(),
		Username: n.principal.Name,
		Password: n.principal.Password,
		LeaseTTL: 10 * time.Second,
	}
	var err error
	if n.etcd, err = etcdCfg.Dial(); err != nil {
		return nil, err
	}
	return n, nil
}

// Stop every running broker, and release the cluster's clients.
func (c *ClusterService) Stop(ctx context.Context) error {
	var firstErr error
	for i := len(c.nodes) - 1; i >= 0; i-- {
		if err := c.StopNode(ctx, i); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range c.nodes {
		_ = n.etcd.Close()
	}
	c.nodes = nil
	return firstErr
}

// StartNode starts broker |i| and waits for it to register. Starting a
// running broker is a no-op.
func (c *ClusterService) StartNode(ctx context.Context, i int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i < 0 || i >= len(c.nodes) {
		return errors.Errorf("invalid node %d", i)
	}
	var n = c.nodes[i]
	if n.broker != nil {
		return nil
	}
	var cfg = c.brokerConfig(n)
	var sec, err = c.brokerSecurity(n, cfg)
	if err != nil {
		return errors.WithMessagef(err, "broker %d", n.id)
	}
	b, err := broker.New(cfg, sec, n.etcd, n.store)
	if err != nil {
		return errors.WithMessagef(err, "broker %d", n.id)
	} else if err = b.Start(ctx); err != nil {
		_ = b.Kill()
		return errors.WithMessagef(err, "broker %d", n.id)
	}
	for _, l := range b.Spec().Listeners {
		n.ports[l.Protocol] = uint16(l.Port)
	}
	n.broker = b

	var ticker = time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for !b.Registered() {
		select {
		case <-ticker.C:
		case <-b.Done():
			n.broker = nil
			return errors.Errorf("broker %d exited before registering", n.id)
		case <-ctx.Done():
			return errors.WithMessagef(ctx.Err(), "waiting for broker %d to register", n.id)
		}
	}
	return nil
}

// StopNode gracefully stops broker |i|, handing off its partition
// leadership. Stopping a stopped broker is a no-op.
func (c *ClusterService) StopNode(ctx context.Context, i int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i < 0 || i >= len(c.nodes) {
		return errors.Errorf("invalid node %d", i)
	}
	var n = c.nodes[i]
	if n.broker == nil {
		return nil
	}
	var err = n.broker.Stop(ctx)
	n.broker = nil
	return errors.WithMessagef(err, "stopping broker %d", n.id)
}

// KillNode abruptly stops broker |i|, as if its process crashed.
func (c *ClusterService) KillNode(i int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i < 0 || i >= len(c.nodes) {
		return errors.Errorf("invalid node %d", i)
	}
	var n = c.nodes[i]
	if n.broker == nil {
		return nil
	}
	var err = n.broker.Kill()
	n.broker = nil
	return errors.WithMessagef(err, "killing broker %d", n.id)
}

// RollingRestart restarts brokers one at a time, waiting after each for
// the partitions of Topics to be fully replicated again. If |mutate| is
// non-nil, it's applied to the Config of each broker from its restart on.
func (c *ClusterService) RollingRestart(ctx context.Context, mutate func(*broker.Config)) error {
	for i := 0; i != len(c.nodes); i++ {
		if err := c.StopNode(ctx, i); err != nil {
			return err
		}
		if mutate != nil {
			c.mu.Lock()
			c.nodes[i].mutations = append(c.nodes[i].mutations, mutate)
			c.mu.Unlock()
		}
		if err := c.StartNode(ctx, i); err != nil {
			return err
		}
		for _, spec := range c.Topics {
			if err := c.WaitForISR(ctx, spec.Name); err != nil {
				return err
			}
		}
		log.WithField("node", i).Info("restarted broker")
	}
	return nil
}

// OpenPort opens a listener of |proto| on brokers as they next start.
func (c *ClusterService) OpenPort(proto protocol.SecurityProtocol) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.open == nil {
		c.open = make(map[protocol.SecurityProtocol]bool)
	}
	c.open[proto] = true
}

// ClosePort closes the listener of |proto| on brokers as they next start.
func (c *ClusterService) ClosePort(proto protocol.SecurityProtocol) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.open, proto)
}

// SetInterBrokerProtocol sets the InterBrokerProtocol of brokers as they
// next start, and opens its port.
func (c *ClusterService) SetInterBrokerProtocol(proto protocol.SecurityProtocol) {
	c.OpenPort(proto)

	c.mu.Lock()
	c.InterBrokerProtocol = proto
	c.mu.Unlock()
}

// SetCoordinationSASL sets whether the coordination node enforces the
// credentials of brokers. Brokers carry their credentials regardless, and
// the change takes effect as of the node's next start.
func (c *ClusterService) SetCoordinationSASL(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.coordinationSASL = enabled
	if c.nodes == nil {
		return // Applied by Start.
	} else if !enabled {
		c.Coordination.SetAuth(nil)
		return
	}
	if c.rootPassword == "" {
		c.rootPassword = uuid.NewString()
	}
	var users = make(map[string]string, len(c.nodes))
	for _, n := range c.nodes {
		users[n.principal.Name] = n.principal.Password
	}
	c.Coordination.SetAuth(&coordination.AuthConfig{
		RootPassword: c.rootPassword,
		Prefix:       c.Root + "/",
		Users:        users,
	})
	log.WithField("users", len(users)).Info("coordination SASL is enabled as of the next start")
}

// BootstrapServers returns the "host:port" listener addresses of |proto|
// of running brokers.
func (c *ClusterService) BootstrapServers(proto protocol.SecurityProtocol) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for _, n := range c.nodes {
		if n.broker == nil {
			continue
		} else if l, ok := n.broker.Spec().Listener(proto); ok {
			out = append(out, l.Address())
		}
	}
	return out
}

// Brokers returns the running brokers.
func (c *ClusterService) Brokers() []*broker.Broker {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*broker.Broker
	for _, n := range c.nodes {
		if n.broker != nil {
			out = append(out, n.broker)
		}
	}
	return out
}

// WaitForISR waits until each partition of the |topic| has a running
// leader and a full ISR.
func (c *ClusterService) WaitForISR(ctx context.Context, topic string) error {
	var spec, ok = c.topicSpec(topic)
	if !ok {
		return errors.Errorf("topic %s is not a cluster topic", topic)
	}
	var ticker = time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		var replicated = make(map[int32]bool)
		for _, b := range c.Brokers() {
			for _, s := range b.Replicas() {
				if s.Topic == topic && s.Role == "leader" && len(s.ISR) == int(spec.ReplicationFactor) {
					replicated[s.Partition] = true
				}
			}
		}
		if len(replicated) == int(spec.Partitions) {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return errors.WithMessagef(ctx.Err(), "waiting for %d of %d partitions of %s to replicate",
				int(spec.Partitions)-len(replicated), spec.Partitions, topic)
		}
	}
}

func (c *ClusterService) topicSpec(name string) (protocol.TopicSpec, bool) {
	for _, spec := range c.Topics {
		if spec.Name == name {
			return spec, true
		}
	}
	return protocol.TopicSpec{}, false
}

// brokerConfig returns the Config of |n| as of its next start.
func (c *ClusterService) brokerConfig(n *node) broker.Config {
	var cfg = broker.Config{
		ID:                  n.id,
		Name:                n.alias,
		Host:                c.Host,
		Root:                c.Root,
		InterBrokerProtocol: c.InterBrokerProtocol,
	}
	var protos []protocol.SecurityProtocol
	for p := range c.open {
		protos = append(protos, p)
	}
	sort.Slice(protos, func(i, j int) bool { return protos[i] < protos[j] })

	for _, p := range protos {
		cfg.Listeners = append(cfg.Listeners, broker.ListenerConfig{Protocol: p, Port: n.ports[p]})
	}
	if c.Configure != nil {
		c.Configure(&cfg)
	}
	for _, fn := range n.mutations {
		fn(&cfg)
	}
	return cfg
}

// brokerSecurity returns the Security material of |n| running with |cfg|.
func (c *ClusterService) brokerSecurity(n *node, cfg broker.Config) (broker.Security, error) {
	var usesTLS, usesSASL = cfg.InterBrokerProtocol.UsesTLS(), cfg.InterBrokerProtocol.UsesSASL()
	for _, l := range cfg.Listeners {
		usesTLS = usesTLS || l.Protocol.UsesTLS()
		usesSASL = usesSASL || l.Protocol.UsesSASL()
	}
	var sec broker.Security
	if !usesTLS && !usesSASL {
		return sec, nil
	} else if c.Authority == nil {
		return sec, errors.New("an Authority is required by TLS and SASL protocols")
	}
	sec.Credentials = c.Authority

	var err error
	if usesTLS {
		if sec.ServerTLS, err = c.Authority.ServerTLSConfig(c.Host); err != nil {
			return sec, err
		} else if sec.ClientTLS, err = c.Authority.ClientTLSConfig(); err != nil {
			return sec, err
		}
	}
	if cfg.InterBrokerProtocol.UsesSASL() {
		var s = client.Security{
			Protocol:  cfg.InterBrokerProtocol,
			Mechanism: c.Mechanism,
			Principal: n.principal.Name,
			Password:  n.principal.Password,
		}
		if c.Mechanism == protocol.MechanismOAuthBearer {
			if s.Ticket, err = c.Authority.IssueTicket(n.principal.Name, 24*time.Hour); err != nil {
				return sec, err
			}
		}
		sec.InterBrokerSASL = s.SASL()
	}
	return sec, nil
}
