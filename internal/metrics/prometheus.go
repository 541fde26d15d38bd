package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromRecorder implements Recorder backed by Prometheus collectors.
type PromRecorder struct {
	registry         *prometheus.Registry
	handler          http.Handler
	connOpened       prometheus.Counter
	connClosed       prometheus.Counter
	shareAccepted    prometheus.Counter
	shareDifficulty  prometheus.Counter
	shareRejected    *prometheus.CounterVec
	blockCandidates  prometheus.Counter
	lastBlockHeight  prometheus.Gauge
	blocksSubmitted  *prometheus.CounterVec
	datasetBuilds    *prometheus.CounterVec
	datasetBuildTime prometheus.Histogram
	datasetEpoch     prometheus.Gauge
	datasetsRetired  prometheus.Counter
	datasetsResident prometheus.Gauge
}

// NewPromRecorder creates a Prometheus-backed Recorder on its own registry.
// Namespace is prefixed on all metrics; if empty, "ethpool" is used.
func NewPromRecorder(namespace string) (*PromRecorder, error) {
	if namespace == "" {
		namespace = "ethpool"
	}
	reg := prometheus.NewRegistry()

	p := &PromRecorder{
		registry:        reg,
		connOpened:      prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "connections_opened_total", Help: "Total TCP connections accepted."}),
		connClosed:      prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "connections_closed_total", Help: "Total TCP connections closed."}),
		shareAccepted:   prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "shares_accepted_total", Help: "Accepted shares."}),
		shareDifficulty: prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "shares_difficulty_total", Help: "Sum of credited difficulty of accepted shares."}),
		shareRejected:   prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "shares_rejected_total", Help: "Rejected shares by reason."}, []string{"reason"}),
		blockCandidates: prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "block_candidates_total", Help: "Shares meeting the network target."}),
		lastBlockHeight: prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "last_block_candidate_height", Help: "Height of the last block candidate."}),
		blocksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "block_submissions_total", Help: "Block submissions by result."}, []string{"status"}),
		datasetBuilds:   prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "dataset_builds_total", Help: "Dataset builds by result."}, []string{"status"}),
		datasetBuildTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dataset_build_seconds",
			Help:      "Duration of successful dataset builds.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		datasetEpoch:     prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "dataset_last_built_epoch", Help: "Epoch of the last built dataset."}),
		datasetsRetired:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "datasets_retired_total", Help: "Datasets retired from memory."}),
		datasetsResident: prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "datasets_resident", Help: "Datasets currently tracked in memory."}),
	}

	collectors := []prometheus.Collector{
		p.connOpened, p.connClosed, p.shareAccepted, p.shareDifficulty, p.shareRejected,
		p.blockCandidates, p.lastBlockHeight, p.blocksSubmitted, p.datasetBuilds,
		p.datasetBuildTime, p.datasetEpoch, p.datasetsRetired, p.datasetsResident,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	p.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return p, nil
}

// Handler exposes the HTTP handler for scraping.
func (p *PromRecorder) Handler() http.Handler {
	return p.handler
}

// Registry returns the underlying registry.
func (p *PromRecorder) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PromRecorder) ConnOpened() { p.connOpened.Inc() }
func (p *PromRecorder) ConnClosed() { p.connClosed.Inc() }

func (p *PromRecorder) ShareAccepted(difficulty float64) {
	p.shareAccepted.Inc()
	p.shareDifficulty.Add(difficulty)
}

func (p *PromRecorder) ShareRejected(reason string) {
	p.shareRejected.WithLabelValues(reason).Inc()
}

func (p *PromRecorder) BlockCandidate(height uint64) {
	p.blockCandidates.Inc()
	p.lastBlockHeight.Set(float64(height))
}

func (p *PromRecorder) BlockSubmitted(success bool) {
	p.blocksSubmitted.WithLabelValues(status(success)).Inc()
}

func (p *PromRecorder) DatasetBuilt(epoch uint64, duration time.Duration, err error) {
	p.datasetBuilds.WithLabelValues(status(err == nil)).Inc()
	if err == nil {
		p.datasetBuildTime.Observe(duration.Seconds())
		p.datasetEpoch.Set(float64(epoch))
	}
}

func (p *PromRecorder) DatasetRetired(uint64) { p.datasetsRetired.Inc() }

func (p *PromRecorder) DatasetsResident(n int) { p.datasetsResident.Set(float64(n)) }

func status(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
