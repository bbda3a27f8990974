package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-metrics"
	gmprom "github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const ServiceName = "relaychat"

const (
	SinkInmem      = "inmem"
	SinkPrometheus = "prometheus"
	SinkNone       = "none"
)

var ErrUnknownSink = errors.New("telemetry: unknown metrics sink")

// Sink bundles a go-metrics sink with the HTTP endpoint exposing it.
// Path and Handler are empty for sinks that can't be scraped.
type Sink struct {
	metrics.MetricSink
	Path    string
	Handler http.Handler
}

// NewSink builds the sink named by kind. The prometheus sink registers its
// collector on the default registry, so it must be built at most once per
// process.
func NewSink(kind string) (*Sink, error) {
	switch kind {
	case SinkInmem, "":
		inm := metrics.NewInmemSink(10*time.Second, time.Minute)
		return &Sink{
			MetricSink: inm,
			Path:       "/debug/metrics",
			Handler:    inmemHandler(inm),
		}, nil
	case SinkPrometheus:
		ps, err := gmprom.NewPrometheusSink()
		if err != nil {
			return nil, fmt.Errorf("telemetry: prometheus sink: %w", err)
		}
		return &Sink{
			MetricSink: ps,
			Path:       "/metrics",
			Handler:    promhttp.Handler(),
		}, nil
	case SinkNone:
		return &Sink{MetricSink: &metrics.BlackholeSink{}}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSink, kind)
	}
}

// New returns a metrics emitter bound to sink. A nil sink discards everything.
func New(sink metrics.MetricSink) (*metrics.Metrics, error) {
	if sink == nil {
		sink = &metrics.BlackholeSink{}
	}
	cfg := metrics.DefaultConfig(ServiceName)
	cfg.EnableHostname = false
	cfg.EnableHostnameLabel = false
	cfg.EnableRuntimeMetrics = false
	// keys already carry the service prefix
	cfg.ServiceName = ""
	return metrics.New(cfg, sink)
}

// Discard returns an emitter that drops every sample.
func Discard() *metrics.Metrics {
	m, _ := New(nil)
	return m
}

func inmemHandler(inm *metrics.InmemSink) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		summary, err := inm.DisplayMetrics(w, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(summary)
	})
}
