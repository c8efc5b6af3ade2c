// Package broker implements a replicated, Kafka-protocol broker whose
// cluster state is coordinated through Etcd.
//
// Brokers register under a lease, and one broker at a time is elected
// controller. The controller creates partition states for new topics and
// elects partition leaders from their in-sync replicas (ISR), whenever a
// leader fails or is draining for shutdown. Leaders track the fetch
// positions of their followers to advance their high watermark, and persist
// ISR shrinks and expansions with compare-and-swap transactions. Followers
// replicate from leaders over the inter-broker security protocol, first
// truncating any divergent suffix of their log using leader epochs.
package broker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.gazette.dev/rollsec/keyspace"
	"go.gazette.dev/rollsec/metrics"
	"go.gazette.dev/rollsec/protocol"
	"go.gazette.dev/rollsec/server"
	"go.gazette.dev/rollsec/task"
	"go.gazette.dev/rollsec/wire"
)

// Broker is a member of a cluster.
type Broker struct {
	cfg     Config
	sec     Security
	etcd    *clientv3.Client
	store   *Store
	ks      *keyspace.KeySpace
	servers []*server.Server
	pool    *wire.Pool
	spec    protocol.BrokerSpec
	tasks   *task.Group
	isrWake chan struct{}

	mu         sync.Mutex
	replicas   map[partitionID]*replica
	fetchers   map[int32]*fetcher
	session    *concurrency.Session
	draining   bool
	killed     bool
	registered bool
}

// New binds the listeners of a Broker. The Broker keeps partition logs in
// |store|, which may be nil.
func New(cfg Config, sec Security, etcd *clientv3.Client, store *Store) (*Broker, error) {
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "broker config")
	} else if err = sec.Validate(cfg); err != nil {
		return nil, errors.WithMessage(err, "broker security")
	}
	if store == nil {
		store = NewStore()
	}
	var b = &Broker{
		cfg:      cfg,
		sec:      sec,
		etcd:     etcd,
		store:    store,
		ks:       NewKeySpace(cfg.Root),
		isrWake:  make(chan struct{}, 1),
		replicas: make(map[partitionID]*replica),
		fetchers: make(map[int32]*fetcher),
	}
	b.spec = protocol.BrokerSpec{
		ID:                  cfg.ID,
		Name:                cfg.Name,
		Rack:                cfg.Rack,
		InterBrokerProtocol: cfg.InterBrokerProtocol,
	}

	for _, l := range cfg.Listeners {
		var srv, err = server.New("", l.Port, l.Protocol, sec.ServerTLS, cfg.MaxConnections)
		if err != nil {
			for _, s := range b.servers {
				s.Stop()
			}
			return nil, err
		}
		b.servers = append(b.servers, srv)
		b.spec.Listeners = append(b.spec.Listeners, srv.Listener(cfg.Host))
	}
	if err := b.spec.Validate(); err != nil {
		return nil, err
	}

	b.pool = wire.NewPool(wire.Dialer{
		Protocol: cfg.InterBrokerProtocol,
		TLS:      sec.ClientTLS,
		SASL:     sec.InterBrokerSASL,
		ClientID: "broker-" + strconv.Itoa(int(cfg.ID)),
	}, 32)

	return b, nil
}

// Spec returns the advertised BrokerSpec.
func (b *Broker) Spec() protocol.BrokerSpec { return b.spec }

// ID of the Broker.
func (b *Broker) ID() int32 { return b.cfg.ID }

// KeySpace of the Broker's cluster.
func (b *Broker) KeySpace() *keyspace.KeySpace { return b.ks }

// Start the Broker: load cluster state and begin serving. The Broker runs
// until Stop or Kill is called, or it fails.
func (b *Broker) Start(ctx context.Context) error {
	if err := b.ks.Load(ctx, b.etcd); err != nil {
		return errors.WithMessage(err, "loading cluster keyspace")
	}
	b.tasks = task.NewGroup(context.Background())

	for _, srv := range b.servers {
		b.registerDebug(srv.HTTPMux)
		srv.QueueTasks(b.tasks, b.serveConn(srv))
	}
	b.tasks.Queue("keyspace.Watch", func() error {
		if err := b.ks.Watch(b.tasks.Context(), b.etcd); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	b.tasks.Queue("broker.runSessions", b.runSessions)
	b.tasks.Queue("broker.runReplicas", b.runReplicas)
	b.tasks.Queue("broker.runISR", b.runISR)
	b.tasks.GoRun()

	log.WithFields(log.Fields{
		"id":                  b.cfg.ID,
		"name":                b.cfg.Name,
		"listeners":           b.spec.Listeners,
		"interBrokerProtocol": b.cfg.InterBrokerProtocol,
	}).Info("broker started")

	return nil
}

// Stop the Broker gracefully. The Broker marks itself as draining, waits
// for the controller to move leadership of its partitions to other
// replicas, and then stops serving and revokes its registration.
func (b *Broker) Stop(ctx context.Context) error {
	var ctx2, cancel = context.WithTimeout(ctx, b.cfg.ShutdownTimeout)
	defer cancel()

	if err := b.drain(ctx2); err != nil {
		log.WithFields(log.Fields{"id": b.cfg.ID, "err": err}).
			Warn("failed to hand off partition leadership before stopping")
	}
	return b.halt()
}

// Kill the Broker abruptly, as if its process crashed. Its registration
// lingers until its lease expires.
func (b *Broker) Kill() error {
	b.mu.Lock()
	b.killed = true
	b.mu.Unlock()

	return b.halt()
}

// Done returns a channel which is closed when the Broker has stopped.
func (b *Broker) Done() <-chan struct{} { return b.tasks.Context().Done() }

func (b *Broker) halt() error {
	if b.tasks == nil {
		// Never started: only listeners were bound.
		for _, srv := range b.servers {
			srv.Stop()
		}
		b.pool.Close()
		return nil
	}
	b.tasks.Cancel()
	var err = b.tasks.Wait()
	b.pool.Close()

	log.WithFields(log.Fields{"id": b.cfg.ID, "err": err}).Info("broker stopped")
	return err
}

// drain marks the Broker as draining, and waits until it leads no partitions.
func (b *Broker) drain(ctx context.Context) error {
	b.mu.Lock()
	b.draining = true
	var session = b.session
	b.mu.Unlock()

	if session != nil {
		if err := b.register(ctx, session.Lease()); err != nil {
			return err
		}
	}

	b.ks.Mu.RLock()
	defer b.ks.Mu.RUnlock()

	for {
		var view = viewOf(b.ks)
		var led, successors = 0, 0

		for id, entry := range view.partitions {
			if entry.state.Leader == b.cfg.ID {
				led++
				log.WithFields(log.Fields{"partition": id, "id": b.cfg.ID}).Debug("awaiting leadership hand-off")
			}
		}
		for id := range view.brokers {
			if id != b.cfg.ID && view.eligible(id) {
				successors++
			}
		}
		if led == 0 {
			return nil
		} else if successors == 0 {
			return errors.Errorf("no eligible broker can lead %d partitions", led)
		}
		if err := b.ks.WaitForRevision(ctx, b.ks.Revision+1); err != nil {
			return err
		}
	}
}

// runSessions maintains the Broker's registration, re-establishing its
// session whenever it's lost.
func (b *Broker) runSessions() error {
	var ctx = b.tasks.Context()

	for attempt := 0; ; attempt++ {
		var err = b.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		log.WithFields(log.Fields{"id": b.cfg.ID, "err": err, "attempt": attempt}).
			Warn("broker session failed (will retry)")

		select {
		case <-time.After(backoff(attempt)):
		case <-ctx.Done():
			return nil
		}
	}
}

// runSession registers the Broker under a new lease, and campaigns for
// controller, until the session is lost or |ctx| is done.
func (b *Broker) runSession(ctx context.Context) error {
	var ttl = int64(b.cfg.SessionTTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	var grant, err = b.etcd.Grant(ctx, ttl)
	if err != nil {
		return errors.WithMessage(err, "granting lease")
	}
	// The session's keep-alive outlives |ctx|, so that its lease may be
	// revoked after |ctx| is done.
	session, err := concurrency.NewSession(b.etcd,
		concurrency.WithLease(grant.ID), concurrency.WithTTL(int(ttl)))
	if err != nil {
		return errors.WithMessage(err, "starting session")
	}
	defer b.closeSession(session)

	if err = b.register(ctx, session.Lease()); err != nil {
		return err
	}
	b.mu.Lock()
	b.session, b.registered = session, true
	b.mu.Unlock()

	log.WithFields(log.Fields{"id": b.cfg.ID, "lease": fmt.Sprintf("%x", session.Lease())}).
		Info("broker registered")

	var ctrlCtx, ctrlCancel = context.WithCancel(ctx)
	var ctrlDone = make(chan error, 1)
	go func() { ctrlDone <- b.runController(ctrlCtx, session) }()

	select {
	case <-session.Done():
		err = errors.New("session lease expired")
	case <-ctx.Done():
	}
	ctrlCancel()
	<-ctrlDone

	return err
}

func (b *Broker) closeSession(session *concurrency.Session) {
	b.mu.Lock()
	var killed = b.killed
	b.session, b.registered = nil, false
	b.mu.Unlock()

	if killed {
		session.Orphan()
		return
	}
	var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := b.etcd.Revoke(ctx, session.Lease()); err != nil {
		log.WithFields(log.Fields{"id": b.cfg.ID, "err": err}).Warn("failed to revoke broker lease")
	}
	session.Orphan()
}

// register puts the BrokerSpec under |lease|.
func (b *Broker) register(ctx context.Context, lease clientv3.LeaseID) error {
	b.mu.Lock()
	var spec = b.spec
	spec.Draining = b.draining
	b.mu.Unlock()

	var val, err = protocol.EncodeValue(spec)
	if err != nil {
		return err
	}
	_, err = b.etcd.Put(ctx, protocol.BrokerKey(b.cfg.Root, b.cfg.ID), val, clientv3.WithLease(lease))
	return errors.WithMessage(err, "registering broker")
}

// Registered returns whether the Broker currently holds a registration.
func (b *Broker) Registered() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registered
}

// runReplicas reconciles local replicas with cluster state, on each update.
func (b *Broker) runReplicas() error {
	var ctx = b.tasks.Context()

	for {
		var update = b.ks.Update()

		b.ks.Mu.RLock()
		var view = viewOf(b.ks)
		b.ks.Mu.RUnlock()

		b.reconcileReplicas(view, time.Now())

		select {
		case <-update:
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *Broker) reconcileReplicas(view *clusterView, now time.Time) {
	var self = b.cfg.ID
	var leading int

	for _, topic := range view.topics {
		for p, replicas := range topic.Assignment {
			if !containsID(replicas, self) {
				continue
			}
			var id = partitionID{topic.Name, int32(p)}
			var r = b.replica(id, true)

			var entry, ok = view.partitions[id]
			if !ok {
				continue // Awaiting creation by the controller.
			}
			var st = entry.state
			var role, leader, epoch = r.status()

			switch {
			case st.Leader == self:
				if role != roleLeader || epoch != st.LeaderEpoch {
					b.unfollow(id)
					r.becomeLeader(st, entry.modRevision, replicas, topic.MinInsyncReplicas, now)
					log.WithFields(log.Fields{"partition": id, "epoch": st.LeaderEpoch, "isr": st.ISR}).
						Info("became leader")
				} else {
					r.updateState(st, entry.modRevision)
				}
				leading++
			case st.Leader == protocol.NoLeader:
				if role != roleNone {
					b.unfollow(id)
					log.WithFields(log.Fields{"partition": id, "epoch": st.LeaderEpoch}).
						Warn("partition has no leader")
				}
				r.becomeNone(st, entry.modRevision)
			default:
				if role != roleFollower || leader != st.Leader || epoch != st.LeaderEpoch {
					b.unfollow(id)
					r.becomeFollower(st, entry.modRevision, replicas)
					b.follow(r, st.Leader, st.LeaderEpoch)
					log.WithFields(log.Fields{"partition": id, "leader": st.Leader, "epoch": st.LeaderEpoch}).
						Info("became follower")
				} else {
					r.updateState(st, entry.modRevision)
				}
			}
		}
	}
	metrics.BrokerLeaderPartitions.WithLabelValues(strconv.Itoa(int(self))).Set(float64(leading))
}

// replica returns the local replica of |id|, optionally creating it.
func (b *Broker) replica(id partitionID, create bool) *replica {
	b.mu.Lock()
	defer b.mu.Unlock()

	var r, ok = b.replicas[id]
	if !ok && create {
		r = newReplica(id, b.cfg.ID, b.store.log(id))
		b.replicas[id] = r
	}
	return r
}

// Replicas returns the status of local replicas, ordered on topic and partition.
func (b *Broker) Replicas() []ReplicaStatus {
	b.mu.Lock()
	var out = make([]ReplicaStatus, 0, len(b.replicas))
	for _, r := range b.replicas {
		out = append(out, r.snapshot())
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}

// runISR periodically persists ISR changes proposed by led partitions.
func (b *Broker) runISR() error {
	var ctx = b.tasks.Context()
	var ticker = time.NewTicker(b.cfg.ReplicaLagTime / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-b.isrWake:
		case <-ctx.Done():
			return nil
		}

		b.mu.Lock()
		var replicas = make([]*replica, 0, len(b.replicas))
		for _, r := range b.replicas {
			replicas = append(replicas, r)
		}
		b.mu.Unlock()

		var now = time.Now()
		for _, r := range replicas {
			if st, rev, change, ok := r.proposeISR(now, b.cfg.ReplicaLagTime); ok {
				b.persistISR(ctx, r, st, rev, change)
			}
		}
	}
}

func (b *Broker) persistISR(ctx context.Context, r *replica, st protocol.PartitionState, rev int64, change string) {
	var key = protocol.PartitionKey(b.cfg.Root, r.id.topic, r.id.partition)
	var fields = log.Fields{"partition": r.id, "isr": st.ISR, "change": change}

	var val, err = protocol.EncodeValue(st)
	if err != nil {
		log.WithFields(fields).WithField("err", err).Error("invalid ISR proposal")
		return
	}
	var ctx2, cancel = context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := b.etcd.Txn(ctx2).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
		Then(clientv3.OpPut(key, val)).
		Commit()

	if err != nil {
		log.WithFields(fields).WithField("err", err).Warn("failed to persist ISR change (will retry)")
	} else if !resp.Succeeded {
		log.WithFields(fields).Debug("partition state changed concurrently; ISR change dropped")
	} else {
		r.updateState(&st, resp.Header.Revision)
		metrics.BrokerISRChangesTotal.WithLabelValues(change).Inc()
		log.WithFields(fields).Info("persisted ISR change")
	}
}

// wakeISR prompts runISR to evaluate ISR changes.
func (b *Broker) wakeISR() {
	select {
	case b.isrWake <- struct{}{}:
	default:
	}
}

func containsID(ids []int32, id int32) bool {
	for _, i := range ids {
		if i == id {
			return true
		}
	}
	return false
}

func backoff(attempt int) time.Duration {
	switch attempt {
	case 0:
		return 0
	case 1:
		return 50 * time.Millisecond
	case 2, 3:
		return 250 * time.Millisecond
	default:
		return time.Second
	}
}
