package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PHIN-materials/pair-PHIN/core"
)

var _ core.MetricsRecorder = (*PipelineCollector)(nil)

// stageBuckets spans sub-millisecond graph builds up to multi-second
// inference on large systems.
var stageBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// PipelineCollector bundles Prometheus metrics for the evaluation pipeline.
// It satisfies core.MetricsRecorder.
type PipelineCollector struct {
	gatherer prometheus.Gatherer

	StageDuration   *prometheus.HistogramVec
	Evaluations     *prometheus.CounterVec
	GraphNodes      prometheus.Gauge
	GraphEdges      prometheus.Gauge
	EdgeCapacity    prometheus.Gauge
	GeometryDefects prometheus.Counter
}

// NewPipelineCollector registers pipeline metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
// Collectors already registered under the same name are reused so several
// styles in one process share them.
func NewPipelineCollector(reg prometheus.Registerer) (*PipelineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &PipelineCollector{gatherer: gathererFor(reg)}

	var err error
	if c.StageDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "phin_stage_duration_seconds",
		Help:    "Duration of one pipeline stage, labeled by style and stage.",
		Buckets: stageBuckets,
	}, []string{"style", "stage"}), "phin_stage_duration_seconds"); err != nil {
		return nil, err
	}
	if c.Evaluations, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "phin_evaluations_total",
		Help: "Evaluations performed, labeled by style and outcome.",
	}, []string{"style", "outcome"}), "phin_evaluations_total"); err != nil {
		return nil, err
	}
	if c.GraphNodes, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "phin_graph_nodes",
		Help: "Nodes in the most recently built graph.",
	}), "phin_graph_nodes"); err != nil {
		return nil, err
	}
	if c.GraphEdges, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "phin_graph_edges",
		Help: "Edges in the most recently built graph.",
	}), "phin_graph_edges"); err != nil {
		return nil, err
	}
	if c.EdgeCapacity, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "phin_edge_scratch_capacity",
		Help: "Capacity of the reusable edge scratch buffer.",
	}), "phin_edge_scratch_capacity"); err != nil {
		return nil, err
	}
	if c.GeometryDefects, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "phin_geometry_defects_total",
		Help: "Edges whose periodic shift deviated from an integer in lenient mode.",
	}), "phin_geometry_defects_total"); err != nil {
		return nil, err
	}
	return c, nil
}

// ObserveStage records the duration of one pipeline stage.
func (c *PipelineCollector) ObserveStage(style, stage string, d time.Duration) {
	if c == nil || c.StageDuration == nil {
		return
	}
	c.StageDuration.WithLabelValues(style, stage).Observe(d.Seconds())
}

// CountEvaluation increments the evaluation counter.
func (c *PipelineCollector) CountEvaluation(style, outcome string) {
	if c == nil || c.Evaluations == nil {
		return
	}
	c.Evaluations.WithLabelValues(style, outcome).Inc()
}

// SetGraphSize updates the graph gauges.
func (c *PipelineCollector) SetGraphSize(nodes, edges, capacity int) {
	if c == nil {
		return
	}
	if c.GraphNodes != nil {
		c.GraphNodes.Set(float64(nodes))
	}
	if c.GraphEdges != nil {
		c.GraphEdges.Set(float64(edges))
	}
	if c.EdgeCapacity != nil {
		c.EdgeCapacity.Set(float64(capacity))
	}
}

// AddGeometryDefects adds n tolerated geometry defects.
func (c *PipelineCollector) AddGeometryDefects(n int) {
	if c == nil || c.GeometryDefects == nil || n <= 0 {
		return
	}
	c.GeometryDefects.Add(float64(n))
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *PipelineCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *PipelineCollector) Handler() http.Handler {
	return handlerFor(c.Gatherer())
}

func gathererFor(reg prometheus.Registerer) prometheus.Gatherer {
	if g, ok := reg.(prometheus.Gatherer); ok {
		return g
	}
	return prometheus.DefaultGatherer
}

func handlerFor(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// register adds c to reg, returning the existing collector of the same type
// when one is already registered under that name.
func register[C prometheus.Collector](reg prometheus.Registerer, c C, name string) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
			var zero C
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero C
		return zero, err
	}
	return c, nil
}
