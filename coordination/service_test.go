package coordination_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	"go.gazette.dev/rollsec/coordination"
	"go.gazette.dev/rollsec/etcdtest"
)

func TestStateSurvivesRestart(t *testing.T) {
	var svc = etcdtest.Start(t, coordination.Config{})
	var ctx = context.Background()
	var endpoint = svc.Endpoint()

	var client = etcdtest.Client(t, svc)
	_, err := client.Put(ctx, "/rollsec/test/key", "value")
	require.NoError(t, err)

	require.NoError(t, svc.Stop(ctx))
	require.False(t, svc.Running())
	require.NoError(t, svc.Stop(ctx)) // No-op.

	require.NoError(t, svc.Start(ctx))
	require.True(t, svc.Running())
	require.NoError(t, svc.Start(ctx)) // No-op.
	require.Equal(t, endpoint, svc.Endpoint())

	// The prior client reconnects to the restarted node.
	var getCtx, cancel = context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	resp, err := client.Get(getCtx, "/rollsec/test/key")
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 1)
	require.Equal(t, "value", string(resp.Kvs[0].Value))
}

func TestAuthEnforcementFollowsSetAuth(t *testing.T) {
	var svc = etcdtest.Start(t, coordination.Config{})
	var ctx = context.Background()

	// A broker client carries credentials before they're enforced.
	var broker = etcdtest.UserClient(t, svc, "broker-1", "secret")
	_, err := broker.Put(ctx, "/rollsec/test/a", "1")
	require.NoError(t, err)

	svc.SetAuth(&coordination.AuthConfig{
		RootPassword: "root-secret",
		Prefix:       "/rollsec/test/",
		Users:        map[string]string{"broker-1": "secret", "broker-2": "other"},
	})
	require.False(t, svc.AuthEnabled()) // Not until the next start.
	require.NoError(t, svc.Restart(ctx))
	require.True(t, svc.AuthEnabled())

	// Anonymous clients are rejected.
	var anon = etcdtest.UserClient(t, svc, "", "")
	_, err = anon.Get(ctx, "/rollsec/test/a")
	require.ErrorIs(t, err, rpctypes.ErrUserEmpty)

	// Broker clients may use the prefix, and only the prefix.
	broker = etcdtest.UserClient(t, svc, "broker-1", "secret")
	resp, err := broker.Get(ctx, "/rollsec/test/a")
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 1)
	_, err = broker.Put(ctx, "/other", "1")
	require.ErrorIs(t, err, rpctypes.ErrPermissionDenied)

	// Re-applying the same configuration is idempotent.
	require.NoError(t, svc.Restart(ctx))
	require.True(t, svc.AuthEnabled())

	// Clearing it disables enforcement on the next start.
	svc.SetAuth(nil)
	require.NoError(t, svc.Restart(ctx))
	require.False(t, svc.AuthEnabled())

	anon = etcdtest.UserClient(t, svc, "", "")
	_, err = anon.Put(ctx, "/other", "1")
	require.NoError(t, err)
}

func TestStartFailsWithBadBinary(t *testing.T) {
	var svc, err = coordination.New(coordination.Config{
		Binary:       "/bin/false",
		Dir:          t.TempDir(),
		StartTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	require.EqualError(t, svc.Start(context.Background()), "etcd exited during start-up")
	require.False(t, svc.Running())
}
