package collectors

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Reasons a wire was destroyed by us.
const (
	ReasonTimeout      = "timeout"
	ReasonChokeTimeout = "choke_timeout"
	ReasonOversized    = "oversized_request"
)

type SeedCollector struct {
	uploadedCounter     prometheus.Counter
	downloadedCounter   prometheus.Counter
	fetchErrorsCounter  prometheus.Counter
	fetchTimeHistogram  prometheus.Histogram
	destroyedWiresCount *prometheus.CounterVec
}

var (
	// Data
	uploaded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seedbridge_uploaded_bytes",
		Help: "Piece bytes sent to peers",
	})
	downloaded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seedbridge_downloaded_bytes",
		Help: "Piece bytes received from peers",
	})
	fetchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seedbridge_fetch_errors",
		Help: "Range requests to the origin that failed",
	})
	fetchTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "seedbridge_fetch_seconds",
		Help:    "Histogram of the time taken to fetch a block from the origin",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})
	destroyedWires = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seedbridge_destroyed_wires",
		Help: "Peer connections closed by us",
	}, []string{"reason"})
)

func NewSeedCollector() *SeedCollector {
	return &SeedCollector{
		uploadedCounter:     uploaded,
		downloadedCounter:   downloaded,
		fetchErrorsCounter:  fetchErrors,
		fetchTimeHistogram:  fetchTime,
		destroyedWiresCount: destroyedWires,
	}
}

func (collector *SeedCollector) Describe(ch chan<- *prometheus.Desc) {
	collector.uploadedCounter.Describe(ch)
	collector.downloadedCounter.Describe(ch)
	collector.fetchErrorsCounter.Describe(ch)
	collector.fetchTimeHistogram.Describe(ch)
	collector.destroyedWiresCount.Describe(ch)
}

func (collector *SeedCollector) Collect(ch chan<- prometheus.Metric) {
	collector.uploadedCounter.Collect(ch)
	collector.downloadedCounter.Collect(ch)
	collector.fetchErrorsCounter.Collect(ch)
	collector.fetchTimeHistogram.Collect(ch)
	collector.destroyedWiresCount.Collect(ch)
}

func AddUploaded(n int) {
	uploaded.Add(float64(n))
}

func AddDownloaded(n int) {
	downloaded.Add(float64(n))
}

func IncrementFetchErrors() {
	fetchErrors.Inc()
}

func UpdateFetchTime(time time.Duration) {
	fetchTime.Observe(time.Seconds())
}

func IncrementDestroyedWires(reason string) {
	destroyedWires.WithLabelValues(reason).Inc()
}
