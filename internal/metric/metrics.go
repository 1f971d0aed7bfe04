package metric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TestRunsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_test_runs_running",
		Help: "The number of test runs currently executing against the browser task api",
	})

	TestRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_test_runs_total",
		Help: "The number of test runs finished since the service was started",
	}, []string{"status"})

	SuiteRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_suite_runs_total",
		Help: "The number of suite runs finished since the service was started",
	}, []string{"status"})

	NotificationsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_notifications_sent_total",
		Help: "The number of suite failure notification emails sent",
	})

	TaskPollsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_task_polls_total",
		Help: "The number of status polls issued against the browser task api",
	})
)
