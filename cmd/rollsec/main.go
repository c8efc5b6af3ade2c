package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	mbp "go.gazette.dev/rollsec/mainboilerplate"
	"go.gazette.dev/rollsec/metrics"
	"go.gazette.dev/rollsec/systest"
)

const iniFilename = "rollsec.ini"

// Config is the top-level configuration object of rollsec.
var Config = new(struct {
	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

type cmdRun struct {
	systest.RunConfig `group:"Run" namespace:"run" env-namespace:"RUN"`

	Report string `long:"report" description:"Path of a YAML report of the run"`
	Quiet  bool   `long:"quiet" description:"Discard output of the coordination node"`

	Args struct {
		Scenario string `positional-arg-name:"SCENARIO" required:"true" description:"Name of the scenario to run"`
	} `positional-args:"yes"`
}

func (cmd *cmdRun) Execute([]string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics, collectors()...)()
	mbp.InitLog(Config.Log)

	var scenario, ok = systest.LookupScenario(cmd.Args.Scenario)
	if !ok {
		return errors.Errorf("unknown scenario %q (see `rollsec list`)", cmd.Args.Scenario)
	}
	var output io.Writer = os.Stderr
	if cmd.Quiet {
		output = io.Discard
	}
	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var report, err = systest.Run(ctx, scenario, cmd.RunConfig, output)

	if tableErr := report.Result.WriteTable(os.Stdout); tableErr != nil {
		log.WithField("err", tableErr).Warn("failed to write results")
	}
	if cmd.Report != "" {
		mbp.Must(systest.WriteReport(afero.NewOsFs(), cmd.Report, report), "writing report")
		log.WithField("path", cmd.Report).Info("wrote report")
	}
	if err == nil {
		err = report.Result.Err()
	}
	return err
}

type cmdList struct{}

func (cmdList) Execute([]string) error {
	for _, s := range systest.Scenarios() {
		fmt.Printf("%-28s %s\n", s.Name, s.Description)
	}
	return nil
}

func collectors() []prometheus.Collector {
	var out = metrics.BrokerCollectors()
	out = append(out, metrics.ClientCollectors()...)
	return append(out, metrics.CoordinationCollectors()...)
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("run", "Run a system-test scenario", `
Run a system-test scenario against an in-process cluster of brokers, which is
coordinated by a child etcd process. The scenario's results are written to
stdout as a table, and optionally to a YAML report. The command fails if any
acknowledged message wasn't consumed.
`, &cmdRun{RunConfig: systest.DefaultRunConfig()})

	_, _ = parser.AddCommand("list", "List system-test scenarios", `
List the names and descriptions of system-test scenarios.
`, &cmdList{})

	_, _ = parser.AddCommand("serve", "Serve as a broker", `
Serve a broker with the provided configuration, until signaled to exit (via
SIGTERM). Upon receiving a signal, the broker hands off the partitions it
leads before exiting.
`, &cmdServe{})

	_, _ = parser.AddCommand("produce", "Run a verifiable producer", `
Produce sequential integers to a topic, and report which were acknowledged
once signaled to exit or after producing --max-messages.
`, &cmdProduce{})

	_, _ = parser.AddCommand("consume", "Run a console consumer", `
Consume a topic on behalf of a consumer group until it's idle for
--consumer-timeout, writing consumed messages to stdout.
`, &cmdConsume{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
