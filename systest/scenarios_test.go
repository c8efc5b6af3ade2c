package systest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.gazette.dev/rollsec/coordination"
	"go.gazette.dev/rollsec/protocol"
)

func TestScenarioRegistry(t *testing.T) {
	var names []string
	for _, s := range Scenarios() {
		names = append(names, s.Name)
		require.NotEmpty(t, s.Description)
		require.NotNil(t, s.Run)
	}
	require.Equal(t, []string{"rolling-security-upgrade", "zk-sasl-upgrade"}, names)

	var s, ok = LookupScenario("zk-sasl-upgrade")
	require.True(t, ok)
	require.Equal(t, "zk-sasl-upgrade", s.Name)

	_, ok = LookupScenario("unknown")
	require.False(t, ok)
}

// runScenario runs the named scenario with a small, fast configuration,
// skipping if etcd is unavailable.
func runScenario(t *testing.T, name string, fn func(*RunConfig)) (Report, error) {
	var bin, err = coordination.ResolveBinary()
	if err != nil {
		t.Skipf("etcd is unavailable: %s", err)
	}
	var cfg = DefaultRunConfig()
	cfg.Throughput = 200
	cfg.ConsumerTimeout = 10 * time.Second
	cfg.EtcdBinary = bin
	cfg.Dir = t.TempDir()
	if fn != nil {
		fn(&cfg)
	}

	var scenario, ok = LookupScenario(name)
	require.True(t, ok)

	var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var env *Env
	if env, err = NewEnv(cfg, nil); err != nil {
		return Report{}, err
	}
	env.Cluster.Configure = fastBrokers

	var report = Report{Scenario: name, Started: time.Now(), Config: cfg}
	report.Result, err = scenario.Run(ctx, env)
	require.NoError(t, env.Close())
	return report, err
}

func TestZKSASLUpgradeScenario(t *testing.T) {
	var report, err = runScenario(t, "zk-sasl-upgrade", nil)
	require.NoError(t, err)
	require.NoError(t, report.Result.Err())
	require.GreaterOrEqual(t, report.Result.Acked, 2*minAcks)
	require.Empty(t, report.Result.Missing)
}

func TestRollingSecurityUpgradeScenario(t *testing.T) {
	var report, err = runScenario(t, "rolling-security-upgrade", func(cfg *RunConfig) {
		cfg.SecurityProtocol = protocol.SASLPlaintext
		cfg.InterBroker = protocol.SASLSSL
		cfg.Mechanism = protocol.MechanismSCRAMSHA256
	})
	require.NoError(t, err)
	require.NoError(t, report.Result.Err())
	// Each phase awaits acknowledgements before and after its mutation.
	require.GreaterOrEqual(t, report.Result.Acked, 4*minAcks)
	require.Empty(t, report.Result.Missing)
}

func TestRollingSecurityUpgradeRequiresSecureTargets(t *testing.T) {
	var _, err = runScenario(t, "rolling-security-upgrade", func(cfg *RunConfig) {
		cfg.SecurityProtocol = protocol.Plaintext
	})
	require.EqualError(t, err,
		"expected non-PLAINTEXT protocols to upgrade to (got PLAINTEXT and SASL_SSL)")
}

func TestRunReportsInvalidConfig(t *testing.T) {
	var cfg = DefaultRunConfig()
	cfg.NumBrokers = 1

	var scenario, _ = LookupScenario("zk-sasl-upgrade")
	var report, err = Run(context.Background(), scenario, cfg, nil)
	require.EqualError(t, err, "run config: ReplicationFactor 3 exceeds NumBrokers 1")
	require.Equal(t, err.Error(), report.Error)
	require.Equal(t, "zk-sasl-upgrade", report.Scenario)
}
