package workflow

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus instruments for workflow runs.
type Metrics struct {
	RunsStarted *prometheus.CounterVec
	StageRuns   *prometheus.CounterVec
	Refinements *prometheus.CounterVec
}

// InitMetrics creates and registers workflow instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garage_workflow_runs_started_total",
			Help: "Total number of workflow runs started.",
		}, []string{"template"}),
		StageRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garage_workflow_stage_runs_total",
			Help: "Total number of stage executions by outcome.",
		}, []string{"template", "role", "outcome"}),
		Refinements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garage_workflow_refinements_total",
			Help: "Total number of first-stage refinements submitted.",
		}, []string{"template"}),
	}

	reg.MustRegister(m.RunsStarted, m.StageRuns, m.Refinements)
	return m
}

func (m *Metrics) runStarted(template string) {
	if m == nil {
		return
	}
	m.RunsStarted.WithLabelValues(template).Inc()
}

func (m *Metrics) stageRun(template, role, outcome string) {
	if m == nil {
		return
	}
	m.StageRuns.WithLabelValues(template, role, outcome).Inc()
}

func (m *Metrics) refinement(template string) {
	if m == nil {
		return
	}
	m.Refinements.WithLabelValues(template).Inc()
}
