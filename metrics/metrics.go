// Package metrics
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	StrategyOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "animeheal_strategy_outcomes_total",
			Help: "Strategy applications, labeled by target and outcome (hit or miss).",
		},
		[]string{"target", "outcome"},
	)
	LearnerOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "animeheal_learner_outcomes_total",
			Help: "Rule learning attempts, labeled by stage and result.",
		},
		[]string{"stage", "result"},
	)
	AutofixActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "animeheal_autofix_actions_total",
			Help: "Actions taken by the autofix orchestrator, labeled by action.",
		},
		[]string{"action"},
	)
	OracleFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "animeheal_oracle_failures_total",
			Help: "Failed oracle calls, labeled by pool member.",
		},
		[]string{"member"},
	)
	FetchRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "animeheal_fetch_retries_total",
			Help: "Page fetch attempts that were retried.",
		},
	)
	CatalogRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "animeheal_catalog_requests_total",
			Help: "Catalog API requests, labeled by status code.",
		},
		[]string{"status_code"},
	)
	DashboardOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "animeheal_dashboard_open_errors",
			Help: "Unfixed error records at the last dashboard save.",
		},
	)
)

func init() {
	prometheus.MustRegister(StrategyOutcomes)
	prometheus.MustRegister(LearnerOutcomes)
	prometheus.MustRegister(AutofixActions)
	prometheus.MustRegister(OracleFailures)
	prometheus.MustRegister(FetchRetries)
	prometheus.MustRegister(CatalogRequests)
	prometheus.MustRegister(DashboardOpen)
}

// Handler serves the registered collectors.
func Handler() http.Handler {
	return promhttp.Handler()
}
