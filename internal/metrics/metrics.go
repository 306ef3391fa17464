// Package metrics exposes pipeline counters for the storage-host daemons.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PipelineMetrics counts the units of work each storage daemon moves.
type PipelineMetrics struct {
	registry *prometheus.Registry

	extractTotal    *prometheus.CounterVec
	classifiedTotal *prometheus.CounterVec
	promotedTotal   prometheus.Counter
	sweptTotal      prometheus.Counter
}

// New builds a registry scoped to one daemon process.
func New() *PipelineMetrics {
	registry := prometheus.NewRegistry()

	extractTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zakucam",
			Subsystem: "extractor",
			Name:      "archives_total",
			Help:      "Archive extraction attempts by outcome.",
		},
		[]string{"outcome"},
	)
	classifiedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zakucam",
			Subsystem: "classifier",
			Name:      "images_total",
			Help:      "Per-image detection results by label.",
		},
		[]string{"label"},
	)
	promotedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "zakucam",
			Subsystem: "classifier",
			Name:      "folders_promoted_total",
			Help:      "Processed folders moved to the event store.",
		},
	)
	sweptTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "zakucam",
			Subsystem: "sweeper",
			Name:      "folders_swept_total",
			Help:      "Aged processed folders deleted by retention.",
		},
	)

	registry.MustRegister(extractTotal, classifiedTotal, promotedTotal, sweptTotal)

	return &PipelineMetrics{
		registry:        registry,
		extractTotal:    extractTotal,
		classifiedTotal: classifiedTotal,
		promotedTotal:   promotedTotal,
		sweptTotal:      sweptTotal,
	}
}

// Handler serves the registry for scraping.
func (m *PipelineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *PipelineMetrics) ArchiveExtracted(ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.extractTotal.WithLabelValues(outcome).Inc()
}

func (m *PipelineMetrics) ImageClassified(positive bool) {
	label := "negative"
	if positive {
		label = "positive"
	}
	m.classifiedTotal.WithLabelValues(label).Inc()
}

func (m *PipelineMetrics) FolderPromoted() { m.promotedTotal.Inc() }
func (m *PipelineMetrics) FolderSwept()    { m.sweptTotal.Inc() }
