package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kisy/relaystats/model"
)

const namespace = "relay"

// StatsSource is implemented by stats.Aggregator.
type StatsSource interface {
	Snapshot() (model.ActivityStats, bool)
	State() model.ProxyState
}

// Exporter exposes the running session as Prometheus metrics. Values are
// read from a snapshot at scrape time.
type Exporter struct {
	src StatsSource

	up                *prometheus.Desc
	elapsed           *prometheus.Desc
	bytesUp           *prometheus.Desc
	bytesDown         *prometheus.Desc
	connectingClients *prometheus.Desc
	connectedClients  *prometheus.Desc
	maxClients        *prometheus.Desc
}

func NewExporter(src StatsSource) *Exporter {
	return &Exporter{
		src: src,
		up: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "up"),
			"Whether a relay session is running.", nil, nil),
		elapsed: prometheus.NewDesc(prometheus.BuildFQName(namespace, "session", "elapsed_seconds"),
			"Time since the running session started.", nil, nil),
		bytesUp: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "bytes_up_total"),
			"Bytes relayed upstream in the running session.", nil, nil),
		bytesDown: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "bytes_down_total"),
			"Bytes relayed downstream in the running session.", nil, nil),
		connectingClients: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "connecting_clients"),
			"Clients currently connecting.", nil, nil),
		connectedClients: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "connected_clients"),
			"Clients currently connected.", nil, nil),
		maxClients: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "max_clients"),
			"Configured client limit.", nil, nil),
	}
}

func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.up
	ch <- e.elapsed
	ch <- e.bytesUp
	ch <- e.bytesDown
	ch <- e.connectingClients
	ch <- e.connectedClients
	ch <- e.maxClients
}

func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	state := e.src.State()
	ch <- prometheus.MustNewConstMetric(e.maxClients, prometheus.GaugeValue, float64(state.Params.MaxClients))

	snap, running := e.src.Snapshot()
	if !running {
		ch <- prometheus.MustNewConstMetric(e.up, prometheus.GaugeValue, 0)
		return
	}

	ch <- prometheus.MustNewConstMetric(e.up, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(e.elapsed, prometheus.GaugeValue, float64(snap.ElapsedTime)/1000)
	ch <- prometheus.MustNewConstMetric(e.bytesUp, prometheus.CounterValue, float64(snap.TotalBytesUp))
	ch <- prometheus.MustNewConstMetric(e.bytesDown, prometheus.CounterValue, float64(snap.TotalBytesDown))
	ch <- prometheus.MustNewConstMetric(e.connectingClients, prometheus.GaugeValue, float64(snap.CurrentConnectingClients))
	ch <- prometheus.MustNewConstMetric(e.connectedClients, prometheus.GaugeValue, float64(snap.CurrentConnectedClients))
}
