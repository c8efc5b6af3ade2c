package mainboilerplate

import (
	"fmt"
	"net/http"
	_ "net/http/pprof" // Import for /debug/pprof
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Version and BuildDate are populated at build time via -ldflags.
var (
	Version   = "development"
	BuildDate = "unknown"
)

// DiagnosticsConfig configures pull-based application metrics and debugging.
type DiagnosticsConfig struct {
	Port uint16 `long:"port" env:"PORT" default:"0" description:"Port of a dedicated diagnostics HTTP server. Zero serves diagnostics only on broker listeners"`
}

// InitDiagnosticsAndRecover registers the metrics and readiness handlers of
// the default ServeMux, optionally serving it on a dedicated port. It returns
// a closure which should be deferred, which recovers a panic and attempts
// to write a termination message before re-raising it.
func InitDiagnosticsAndRecover(cfg DiagnosticsConfig, collectors ...prometheus.Collector) func() {
	prometheus.MustRegister(collectors...)

	http.HandleFunc("/debug/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	http.Handle("/debug/metrics", promhttp.Handler())

	if cfg.Port != 0 {
		go func() {
			var addr = fmt.Sprintf(":%d", cfg.Port)
			log.WithField("addr", addr).Info("serving diagnostics")
			if err := http.ListenAndServe(addr, nil); err != nil {
				log.WithField("err", err).Error("diagnostics server failed")
			}
		}()
	}

	return func() {
		if r := recover(); r != nil {
			// Best effort. The path exists only within Kubernetes pods.
			if f, err := os.OpenFile(terminationLog, os.O_WRONLY, 0777); err == nil {
				fmt.Fprintf(f, "%+v", r)
				f.Close()
			}
			panic(r)
		}
	}
}

// Must panics if |err| is non-nil, supplying |msg| and |extra| as
// formatter and fields of the generated panic.
func Must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	var f = log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		f[extra[i].(string)] = extra[i+1]
	}
	log.WithFields(f).Panic(msg)
}

const terminationLog = "/dev/termination-log"
