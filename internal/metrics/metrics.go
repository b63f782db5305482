package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the process metrics. A fresh registry per process avoids
// global-state collisions in tests.
type Registry struct {
	reg *prometheus.Registry

	RequestsClaimed   prometheus.Counter
	RequestsSettled   *prometheus.CounterVec
	StacksFinished    *prometheus.CounterVec
	NodesExecuted     *prometheus.CounterVec
	CascadeFired      prometheus.Counter
	RequestsUnblocked prometheus.Counter
	TaskDuration      prometheus.Histogram
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		RequestsClaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackrunner_requests_claimed_total",
			Help: "Requests claimed from the graph queue.",
		}),
		RequestsSettled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stackrunner_requests_settled_total",
			Help: "Requests settled back to the graph queue, by terminal status.",
		}, []string{"status"}),
		StacksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stackrunner_stacks_finished_total",
			Help: "Execution stacks reaching a terminal status.",
		}, []string{"status"}),
		NodesExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stackrunner_nodes_executed_total",
			Help: "Stack nodes reaching a terminal status.",
		}, []string{"status"}),
		CascadeFired: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackrunner_cascade_requests_total",
			Help: "Requests materialized by cascade rules.",
		}),
		RequestsUnblocked: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackrunner_requests_unblocked_total",
			Help: "Blocked requests promoted to pending.",
		}),
		TaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stackrunner_task_duration_seconds",
			Help:    "Wall-clock duration of task child processes.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
