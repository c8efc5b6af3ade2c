// Package keyspace mirrors a decoded portion of the Etcd key/value space,
// kept current through a long-lived Watch.
package keyspace

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// A KeySpace is a local mirror of a decoded portion of the Etcd key/value
// space. KeySpace must be read-locked before access, to guard against
// concurrent updates.
type KeySpace struct {
	// Key prefix which roots this KeySpace.
	Root string
	// Revision is the Etcd revision as-of which the KeySpace is current.
	Revision int64
	// KeyValues is a decoded mirror of the prefixed Etcd key/value space.
	KeyValues
	// Observers called upon each update of the KeySpace, in order and while
	// a write lock of the KeySpace is held (which Observers must not release).
	Observers []func()
	// Mu guards Revision, KeyValues, and Observers.
	Mu sync.RWMutex

	decode   Decoder
	updateCh chan struct{}
}

// Client is the portion of a clientv3.Client used by a KeySpace.
type Client interface {
	clientv3.KV
	clientv3.Watcher
}

// NewKeySpace returns a KeySpace of the |prefix| using |decoder|. |prefix|
// must be a "Clean" path, as defined by path.Clean, or NewKeySpace panics.
func NewKeySpace(prefix string, decoder Decoder) *KeySpace {
	if c := path.Clean(prefix); c != prefix {
		panic(fmt.Sprintf("expected prefix to be a cleaned path (%s != %s)", c, prefix))
	}
	return &KeySpace{
		Root:     prefix,
		decode:   decoder,
		updateCh: make(chan struct{}),
	}
}

// Load a snapshot of the prefixed KeySpace at the current revision.
func (ks *KeySpace) Load(ctx context.Context, client clientv3.KV) error {
	var resp, err = client.Get(ctx, ks.Root+"/", clientv3.WithPrefix())
	if err != nil {
		return err
	}
	var next = make(KeyValues, 0, len(resp.Kvs))

	for _, raw := range resp.Kvs {
		if decoded, err := ks.decode(raw); err != nil {
			log.WithFields(log.Fields{"key": string(raw.Key), "err": err}).
				Error("key/value decode failed while loading")
		} else if decoded != nil {
			next = append(next, KeyValue{Raw: *raw, Decoded: decoded})
		}
	}

	ks.Mu.Lock()
	ks.Revision = resp.Header.Revision
	ks.KeyValues = next
	ks.onUpdate()
	ks.Mu.Unlock()

	return nil
}

// Watch a loaded KeySpace and apply updates as they're received, until the
// context is done. A Watch which fails is retried with backoff, and if its
// revision was compacted away in the meantime, the KeySpace is re-loaded.
// Watch tolerates a coordination service which is temporarily unavailable.
func (ks *KeySpace) Watch(ctx context.Context, client Client) error {
	for attempt := 0; ; attempt++ {
		ks.Mu.RLock()
		var nextRevision = ks.Revision + 1
		ks.Mu.RUnlock()

		var err = ks.watch(ctx, client, nextRevision)

		if ctx.Err() != nil {
			return ctx.Err()
		} else if errors.Is(err, rpctypes.ErrCompacted) {
			log.WithField("revision", nextRevision).Warn("watch revision was compacted; re-loading")

			if err = ks.Load(ctx, client); err == nil {
				attempt = 0
				continue
			}
		} else if err == nil {
			attempt = 0 // The watch made progress before failing.
		}

		log.WithFields(log.Fields{"err": err, "attempt": attempt, "root": ks.Root}).
			Warn("watch failed (will retry)")

		select {
		case <-time.After(backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// watch runs a single Watch from |rev|, applying responses until it fails.
// It returns nil if at least one response was applied.
func (ks *KeySpace) watch(ctx context.Context, client clientv3.Watcher, rev int64) error {
	// Progress notifications keep the watched revision recent, so that a
	// retried Watch of a quiet KeySpace isn't compacted away. Requiring a
	// leader aborts the watch if our member loses quorum.
	var ctx2, cancel = context.WithCancel(clientv3.WithRequireLeader(ctx))
	defer cancel()

	var watchCh = client.Watch(ctx2, ks.Root+"/",
		clientv3.WithPrefix(),
		clientv3.WithProgressNotify(),
		clientv3.WithRev(rev),
	)
	var progressed bool

	for resp := range watchCh {
		if err := resp.Err(); err != nil {
			if progressed {
				return nil
			}
			return err
		}
		if err := ks.Apply(resp); err != nil {
			return err
		}
		progressed = true
	}
	if progressed {
		return nil
	}
	return errors.New("watch channel closed")
}

// Apply one or more Etcd WatchResponses to the KeySpace. Apply returns an
// error only if a response is inconsistent with the KeySpace revision;
// undecodable values are logged and skipped. Apply is exported in support
// of testing fixtures; most clients should instead use Watch.
func (ks *KeySpace) Apply(responses ...clientv3.WatchResponse) error {
	ks.Mu.Lock()
	defer ks.Mu.Unlock()

	var revision = ks.Revision
	for _, wr := range responses {
		if wr.IsProgressNotify() {
			continue
		} else if wr.Header.Revision < revision {
			return fmt.Errorf("etcd Revision mismatch (expected >= %d, got %d)", revision, wr.Header.Revision)
		}
		revision = wr.Header.Revision

		for _, ev := range wr.Events {
			var err error
			if ks.KeyValues, err = ks.KeyValues.apply(ks.decode, ev); err != nil {
				log.WithFields(log.Fields{"key": string(ev.Kv.Key), "err": err}).
					Error("key/value decode failed while watching")
			}
		}
	}
	ks.Revision = revision
	ks.onUpdate()
	return nil
}

// Update returns a channel which will signal on the next KeySpace update.
// A write lock of the KeySpace must not be held or Update will deadlock.
func (ks *KeySpace) Update() <-chan struct{} {
	ks.Mu.RLock()
	defer ks.Mu.RUnlock()

	return ks.updateCh
}

// WaitForRevision blocks until the KeySpace Revision is at least |revision|,
// or until the context is done. A read lock of the KeySpace must be held at
// invocation, and will be re-acquired before WaitForRevision returns.
func (ks *KeySpace) WaitForRevision(ctx context.Context, revision int64) error {
	for {
		if err := ctx.Err(); err != nil || ks.Revision >= revision {
			return err
		}
		var ch = ks.updateCh

		ks.Mu.RUnlock()
		select {
		case <-ch:
		case <-ctx.Done():
		}
		ks.Mu.RLock()
	}
}

func (ks *KeySpace) onUpdate() {
	for _, obv := range ks.Observers {
		obv()
	}
	close(ks.updateCh)
	ks.updateCh = make(chan struct{})
}

func backoff(attempt int) time.Duration {
	switch attempt {
	case 0:
		return 0
	case 1:
		return 50 * time.Millisecond
	case 2, 3, 4:
		return time.Duration(attempt-1) * 250 * time.Millisecond
	default:
		return time.Second
	}
}
