// Package metrics exposes enforcement results as Prometheus metrics.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eleven-am/bastion/internal/domain"
)

const namespace = "bastion"

// Recorder owns a private registry so one-shot runs can dump it to a
// textfile without picking up process-wide collectors.
type Recorder struct {
	registry *prometheus.Registry

	projects *prometheus.CounterVec
	rules    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	lastRun  prometheus.Gauge
	summary  *prometheus.GaugeVec
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		projects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "projects_enforced_total",
			Help:      "Projects enforced, by final status.",
		}, []string{"status"}),
		rules: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "firewall_rules_changed_total",
			Help:      "Firewall rules changed, by kind of change.",
		}, []string{"change"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "project_enforcement_duration_seconds",
			Help:      "Time taken to enforce a single project.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"status"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_batch_completion_timestamp_seconds",
			Help:      "Unix time the last batch finished.",
		}),
		summary: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_batch_projects",
			Help:      "Project counts from the last batch, by outcome.",
		}, []string{"outcome"}),
	}
	r.registry.MustRegister(r.projects, r.rules, r.duration, r.lastRun, r.summary)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// ObserveResult records one finished project.
func (r *Recorder) ObserveResult(result *domain.EnforcementResult, elapsed time.Duration) {
	status := string(result.Status)
	r.projects.WithLabelValues(status).Inc()
	r.duration.WithLabelValues(status).Observe(elapsed.Seconds())

	fw := result.Firewall
	r.rules.WithLabelValues("added").Add(float64(len(fw.RulesAdded)))
	r.rules.WithLabelValues("removed").Add(float64(len(fw.RulesRemoved)))
	r.rules.WithLabelValues("updated").Add(float64(len(fw.RulesUpdated)))
}

// ObserveBatch records the summary of a finished batch.
func (r *Recorder) ObserveBatch(b *domain.BatchResult) {
	r.lastRun.Set(float64(b.FinishedAt.UnixNano()) / 1e9)
	r.summary.WithLabelValues("total").Set(float64(b.Summary.Total))
	r.summary.WithLabelValues("success").Set(float64(b.Summary.Success))
	r.summary.WithLabelValues("error").Set(float64(b.Summary.Error))
	r.summary.WithLabelValues("changed").Set(float64(b.Summary.Changed))
	r.summary.WithLabelValues("unchanged").Set(float64(b.Summary.Unchanged))
}

// WriteTextfile writes the registry in the text exposition format, for the
// node exporter textfile collector. The file is replaced atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}
