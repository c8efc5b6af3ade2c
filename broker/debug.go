package broker

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/gorilla/schema"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v2"
)

var debugDecoder = func() *schema.Decoder {
	var d = schema.NewDecoder()
	d.IgnoreUnknownKeys(false)
	return d
}()

// partitionsQuery filters /debug/partitions.
type partitionsQuery struct {
	Topic  string `schema:"topic"`
	Role   string `schema:"role"`
	Format string `schema:"format"`
}

// registerDebug registers the debug handlers of the Broker with |mux|.
// Listeners multiplex these with Kafka connections.
func (b *Broker) registerDebug(mux *http.ServeMux) {
	mux.HandleFunc("/debug/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !b.Registered() {
			http.Error(w, "broker is not registered", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/debug/partitions", b.servePartitions)
	mux.Handle("/debug/metrics", promhttp.Handler())
}

func (b *Broker) servePartitions(w http.ResponseWriter, r *http.Request) {
	var q partitionsQuery
	var values, err = url.ParseQuery(r.URL.RawQuery)
	if err == nil {
		err = debugDecoder.Decode(&q, values)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var out []ReplicaStatus
	for _, s := range b.Replicas() {
		if (q.Topic == "" || q.Topic == s.Topic) && (q.Role == "" || q.Role == s.Role) {
			out = append(out, s)
		}
	}

	switch q.Format {
	case "", "yaml":
		w.Header().Set("Content-Type", "application/yaml")
		err = yaml.NewEncoder(w).Encode(out)
	case "json":
		w.Header().Set("Content-Type", "application/json")
		err = json.NewEncoder(w).Encode(out)
	default:
		http.Error(w, "unknown format "+q.Format, http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
