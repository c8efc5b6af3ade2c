// Package etcdtest provides test support for running a coordination node,
// and for obtaining clients of it.
//
// Tests using it are skipped if no `etcd` binary is available.
package etcdtest

import (
	"context"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.gazette.dev/rollsec/coordination"
	mbp "go.gazette.dev/rollsec/mainboilerplate"
)

// Start a coordination node for the duration of the test, skipping the test
// if etcd isn't installed. The node is stopped and its data removed when the
// test completes.
func Start(t testing.TB, cfg coordination.Config) *coordination.Service {
	t.Helper()

	if cfg.Binary == "" {
		var bin, err = coordination.ResolveBinary()
		if err != nil {
			t.Skipf("etcd is unavailable: %s", err)
		}
		cfg.Binary = bin
	}
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	var svc, err = coordination.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = svc.Close() })

	var ctx, cancel = context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err = svc.Start(ctx); err != nil {
		t.Fatal(err)
	}
	return svc
}

// Client returns an administrative client of the node, closed when the test
// completes.
func Client(t testing.TB, svc *coordination.Service) *clientv3.Client {
	t.Helper()

	var client, err = svc.Client()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// UserClient returns a client of the node which authenticates with the
// given credentials, in the manner of a broker. It's closed when the test
// completes.
func UserClient(t testing.TB, svc *coordination.Service, user, password string) *clientv3.Client {
	t.Helper()

	var cfg = mbp.EtcdConfig{
		Address:  svc.Endpoint(),
		Username: user,
		Password: password,
		LeaseTTL: 10 * time.Second,
	}
	var client, err = cfg.Dial()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}
