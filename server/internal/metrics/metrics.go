package metrics

import (
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/kvhub/kvhub/server/internal/rpc"
)

const namespace = "kvhub"

// RPC outcomes recorded in kvhub_rpc_calls_total.
const (
	OutcomeDispatched    = "dispatched"
	OutcomeCompleted     = "completed"
	OutcomeNotRegistered = "not_registered"
	OutcomeTimeout       = "timeout"
	OutcomeDropped       = "dropped"
)

// Metrics holds the hub collectors.
type Metrics struct {
	reg *prometheus.Registry

	connActive    prometheus.Gauge
	connAccepted  prometheus.Counter
	packets       *prometheus.CounterVec
	notifications prometheus.Counter
	dropped       prometheus.Counter
	rpcCalls      *prometheus.CounterVec
}

// New creates the collectors on a fresh registry. With runtime set the Go
// and process collectors are registered too.
func New(runtime bool) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		connActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_active",
			Help: "Sessions currently connected.",
		}),
		connAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_accepted_total",
			Help: "Sessions accepted since start.",
		}),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_total",
			Help: "Decoded protocol packets by kind.",
		}, []string{"kind"}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_total",
			Help: "Value lines fanned out to subscribers.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbound_dropped_total",
			Help: "Outbound lines discarded because a session queue was full.",
		}),
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rpc_calls_total",
			Help: "RPC call transitions by outcome.",
		}, []string{"outcome"}),
	}
	m.reg.MustRegister(m.connActive, m.connAccepted, m.packets, m.notifications, m.dropped, m.rpcCalls)
	if runtime {
		m.reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// TrackEntries registers kvhub_dictionary_entries, read from size on every
// scrape.
func (m *Metrics) TrackEntries(size func() int) error {
	if m == nil {
		return nil
	}
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "dictionary_entries",
		Help: "Entries held in the dictionary.",
	}, func() float64 { return float64(size()) })
	if err := m.reg.Register(g); err != nil {
		return fmt.Errorf("metrics: register dictionary_entries: %w", err)
	}
	return nil
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connAccepted.Inc()
	m.connActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connActive.Dec()
}

func (m *Metrics) Packet(kind string) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues(kind).Inc()
}

func (m *Metrics) Notifications(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.notifications.Add(float64(n))
}

func (m *Metrics) OutboundDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

// ObserveRPC records a dispatcher event. It matches rpc.WithListener.
func (m *Metrics) ObserveRPC(ev rpc.Event) {
	if m == nil {
		return
	}
	var outcome string
	switch ev.(type) {
	case rpc.Dispatched:
		outcome = OutcomeDispatched
	case rpc.Completed:
		outcome = OutcomeCompleted
	case rpc.NotRegistered:
		outcome = OutcomeNotRegistered
	case rpc.TimedOut:
		outcome = OutcomeTimeout
	case rpc.Dropped:
		outcome = OutcomeDropped
	default:
		return
	}
	m.rpcCalls.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Gather returns the current metric families keyed by name.
func (m *Metrics) Gather() (map[string]*dto.MetricFamily, error) {
	if m == nil {
		return map[string]*dto.MetricFamily{}, nil
	}
	mfs, err := m.reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("metrics: gather: %w", err)
	}
	out := make(map[string]*dto.MetricFamily, len(mfs))
	for _, mf := range mfs {
		out[mf.GetName()] = mf
	}
	return out, nil
}

// WriteText writes the registry in the text exposition format.
func (m *Metrics) WriteText(w io.Writer) error {
	mfs, err := m.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("metrics: encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Summary returns the hub's own series summed over their labels, keyed by
// name without the namespace prefix. It feeds the "#info" response.
func (m *Metrics) Summary() map[string]float64 {
	out := map[string]float64{}
	mfs, err := m.Gather()
	if err != nil {
		return out
	}
	prefix := namespace + "_"
	for name, mf := range mfs {
		if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		out[name[len(prefix):]] = sumFamily(mf)
	}
	return out
}

// RPCOutcomes returns kvhub_rpc_calls_total per outcome label.
func (m *Metrics) RPCOutcomes() map[string]float64 {
	out := map[string]float64{}
	mfs, err := m.Gather()
	if err != nil {
		return out
	}
	for _, metric := range mfs[namespace+"_rpc_calls_total"].GetMetric() {
		for _, lp := range metric.GetLabel() {
			if lp.GetName() == "outcome" {
				out[lp.GetValue()] += metric.GetCounter().GetValue()
			}
		}
	}
	return out
}

// sumFamily adds up all counter, gauge, or untyped values in a MetricFamily.
func sumFamily(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
		}
	}
	return total
}
