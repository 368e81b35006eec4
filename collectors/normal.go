package collectors

import (
	"math"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

type NormalCollector struct {
	uptimeMetric   *prometheus.Desc
	torrentsMetric *prometheus.Desc
	peersMetric    *prometheus.Desc
}

var ( // Data
	torrents atomic.Int64
	peers    atomic.Int64
	uptime   atomic.Uint64 // float64 bits
)

func NewNormalCollector() *NormalCollector {
	return &NormalCollector{
		uptimeMetric:   prometheus.NewDesc("seedbridge_uptime", "System uptime in seconds", nil, nil),
		torrentsMetric: prometheus.NewDesc("seedbridge_torrents", "Number of torrents currently being seeded", nil, nil),
		peersMetric:    prometheus.NewDesc("seedbridge_peers", "Number of connected peers across all torrents", nil, nil),
	}
}

func (collector *NormalCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- collector.uptimeMetric
	ch <- collector.torrentsMetric
	ch <- collector.peersMetric
}

func (collector *NormalCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(collector.uptimeMetric, prometheus.CounterValue, Uptime())
	ch <- prometheus.MustNewConstMetric(collector.torrentsMetric, prometheus.GaugeValue, float64(torrents.Load()))
	ch <- prometheus.MustNewConstMetric(collector.peersMetric, prometheus.GaugeValue, float64(peers.Load()))
}

func UpdateUptime(tempUptime float64) {
	uptime.Store(math.Float64bits(tempUptime))
}

func Uptime() float64 {
	return math.Float64frombits(uptime.Load())
}

func UpdateTorrents(tempTorrents int) {
	torrents.Store(int64(tempTorrents))
}

// AddPeers adjusts the peer gauge by delta.
func AddPeers(delta int) {
	peers.Add(int64(delta))
}

func Peers() int {
	return int(peers.Load())
}
