package keyspace

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.gazette.dev/rollsec/coordination"
	"go.gazette.dev/rollsec/etcdtest"
)

func TestApplyOfEvents(t *testing.T) {
	var ks = NewKeySpace("/root", testDecoder)
	var updateCh = ks.Update()

	require.NoError(t, ks.Apply(
		response(10, put("/root/b", "2", 10, 10, 1), put("/root/a", "1", 10, 10, 1)),
		response(11, put("/root/c", "3", 11, 11, 1)),
	))
	<-updateCh // Signalled.

	require.Equal(t, int64(11), ks.Revision)
	require.Equal(t, []string{"/root/a=1", "/root/b=2", "/root/c=3"}, render(ks.KeyValues))

	require.NoError(t, ks.Apply(
		response(12, put("/root/b", "22", 10, 12, 2)),
		response(13, del("/root/a", 13)),
		// Undecodable values are skipped, and remove a prior value.
		response(14, put("/root/c", "bad", 11, 14, 2), put("/root/d", "bad", 14, 14, 1)),
		// Skipped keys are not mirrored.
		response(15, put("/root/skip", "1", 15, 15, 1)),
		// Progress notifications don't update the revision.
		response(99),
	))
	require.Equal(t, int64(15), ks.Revision)
	require.Equal(t, []string{"/root/b=22"}, render(ks.KeyValues))

	// A later correction is applied.
	require.NoError(t, ks.Apply(response(16, put("/root/d", "4", 14, 16, 2))))
	require.Equal(t, []string{"/root/b=22", "/root/d=4"}, render(ks.KeyValues))

	// Replays of applied events are ignored.
	require.NoError(t, ks.Apply(response(16, put("/root/b", "2", 10, 10, 1))))
	require.Equal(t, []string{"/root/b=22", "/root/d=4"}, render(ks.KeyValues))

	// Responses which regress the revision are an error.
	require.EqualError(t, ks.Apply(response(12, put("/root/e", "5", 12, 12, 1))),
		"etcd Revision mismatch (expected >= 16, got 12)")
}

func TestKeyValuesQueries(t *testing.T) {
	var ks = NewKeySpace("/root", testDecoder)
	require.NoError(t, ks.Apply(response(10,
		put("/root/a/1", "1", 10, 10, 1),
		put("/root/a/2", "2", 10, 10, 1),
		put("/root/b/1", "3", 10, 10, 1),
	)))

	require.Equal(t, []string{"/root/a/1=1", "/root/a/2=2"}, render(ks.Prefixed("/root/a/")))
	require.Equal(t, []string{"/root/a/2=2", "/root/b/1=3"}, render(ks.Range("/root/a/2", "/root/c")))

	var kv, ok = ks.Get("/root/b/1")
	require.True(t, ok)
	require.Equal(t, 3, kv.Decoded)
	_, ok = ks.Get("/root/b")
	require.False(t, ok)

	require.PanicsWithValue(t, "expected prefix to be a cleaned path (/root != /root/)",
		func() { NewKeySpace("/root/", testDecoder) })
}

func TestWaitForRevision(t *testing.T) {
	var ks = NewKeySpace("/root", testDecoder)
	var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		for rev := int64(1); rev <= 5; rev++ {
			_ = ks.Apply(response(rev, put("/root/k", strconv.Itoa(int(rev)), 1, rev, rev)))
		}
	}()

	ks.Mu.RLock()
	require.NoError(t, ks.WaitForRevision(ctx, 5))
	require.Equal(t, []string{"/root/k=5"}, render(ks.KeyValues))
	ks.Mu.RUnlock()

	cancel()
	ks.Mu.RLock()
	require.Equal(t, context.Canceled, ks.WaitForRevision(ctx, 100))
	ks.Mu.RUnlock()
}

func TestLoadAndWatchAcrossRestart(t *testing.T) {
	var svc = etcdtest.Start(t, coordination.Config{})
	var client = etcdtest.Client(t, svc)
	var ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := client.Put(ctx, "/root/a", "1")
	require.NoError(t, err)
	_, err = client.Put(ctx, "/root/b", "bad")
	require.NoError(t, err)
	_, err = client.Put(ctx, "/other", "1")
	require.NoError(t, err)

	var ks = NewKeySpace("/root", testDecoder)
	require.NoError(t, ks.Load(ctx, client))
	require.Equal(t, []string{"/root/a=1"}, render(ks.KeyValues))

	var watchCtx, watchCancel = context.WithCancel(ctx)
	var doneCh = make(chan error)
	go func() { doneCh <- ks.Watch(watchCtx, client) }()

	resp, err := client.Put(ctx, "/root/b", "2")
	require.NoError(t, err)
	waitFor(t, ks, resp.Header.Revision)
	require.Equal(t, []string{"/root/a=1", "/root/b=2"}, render(ks.KeyValues))
	ks.Mu.RUnlock()

	// Bounce the coordination node. The watch resumes.
	require.NoError(t, svc.Restart(ctx))

	dresp, err := client.Delete(ctx, "/root/a")
	require.NoError(t, err)
	waitFor(t, ks, dresp.Header.Revision)
	require.Equal(t, []string{"/root/b=2"}, render(ks.KeyValues))
	ks.Mu.RUnlock()

	watchCancel()
	require.Equal(t, context.Canceled, <-doneCh)
}

func waitFor(t *testing.T, ks *KeySpace, rev int64) {
	var ctx, cancel = context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	ks.Mu.RLock()
	require.NoError(t, ks.WaitForRevision(ctx, rev))
}

func testDecoder(raw *mvccpb.KeyValue) (interface{}, error) {
	if strings.HasSuffix(string(raw.Key), "/skip") {
		return nil, nil
	}
	var n, err = strconv.Atoi(string(raw.Value))
	if err != nil {
		return nil, errors.New("not a number")
	}
	return n, nil
}

func render(kvs KeyValues) []string {
	var out []string
	for _, kv := range kvs {
		out = append(out, string(kv.Raw.Key)+"="+strconv.Itoa(kv.Decoded.(int)))
	}
	return out
}

func response(rev int64, events ...*clientv3.Event) clientv3.WatchResponse {
	return clientv3.WatchResponse{
		Header: etcdserverpb.ResponseHeader{Revision: rev},
		Events: events,
	}
}

func put(key, value string, create, mod, version int64) *clientv3.Event {
	return &clientv3.Event{
		Type: clientv3.EventTypePut,
		Kv: &mvccpb.KeyValue{
			Key:            []byte(key),
			Value:          []byte(value),
			CreateRevision: create,
			ModRevision:    mod,
			Version:        version,
		},
	}
}

func del(key string, mod int64) *clientv3.Event {
	return &clientv3.Event{
		Type: clientv3.EventTypeDelete,
		Kv:   &mvccpb.KeyValue{Key: []byte(key), ModRevision: mod},
	}
}
